// Package postgres hosts the transactional outbox: domain writes and the
// events they imply commit in one transaction, and a relay drains the table
// onto the event streams afterwards.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OutboxEntry is one pending event row.
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	RetryCount    int
	LastError     *string
}

// OutboxConfig tunes the relay loop.
type OutboxConfig struct {
	BatchSize    int
	PollInterval time.Duration

	// MaxRetries before an entry is diverted to the dead-letter stream.
	MaxRetries int

	// DeadLetterEvery controls how many poll ticks pass between sweeps of
	// permanently failed entries.
	DeadLetterEvery int

	// DeadLetterTopic receives entries that exhausted their retries.
	DeadLetterTopic string
}

// DefaultOutboxConfig polls fast enough that a submitted response reaches
// the trigger worker well inside a visit-status refresh.
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:       100,
		PollInterval:    250 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterEvery: 240,
		DeadLetterTopic: "dead.letter",
	}
}

// OutboxPublisher is the stream surface the relay publishes through.
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// OutboxObserver receives relay telemetry; the metrics layer implements it.
type OutboxObserver interface {
	OutboxDepth(pending int64)
	EventRelayed()
}

// WriteEntry appends an event row inside the caller's transaction. Callers
// pass the same tx that carries their domain write, which is the point of
// the pattern.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		entry.AggregateID, entry.AggregateType, entry.EventType,
		entry.Payload, entry.KafkaTopic, entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// Outbox is the relay that drains pending entries onto Kafka.
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher OutboxPublisher
	observer  OutboxObserver
	logger    *zap.Logger
	tracer    trace.Tracer

	cancel context.CancelFunc
	ctx    context.Context
	done   chan struct{}
}

// NewOutbox wires a relay over the pool.
func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// WithObserver attaches relay telemetry.
func (o *Outbox) WithObserver(obs OutboxObserver) *Outbox {
	o.observer = obs
	return o
}

// Start launches the relay loop.
func (o *Outbox) Start() {
	go o.run()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop drains the loop.
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

// outboxLockID serializes relays across replicas; only one instance drains
// at a time so per-key ordering survives horizontal scaling.
const outboxLockID = int64(752023)

func (o *Outbox) run() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.drain()
			ticks++
			if o.config.DeadLetterEvery > 0 && ticks%o.config.DeadLetterEvery == 0 {
				o.sweepDeadLetters()
				o.reportDepth()
			}
		}
	}
}

func (o *Outbox) drain() {
	ctx, span := o.tracer.Start(o.ctx, "outbox_drain")
	defer span.End()

	var acquired bool
	if err := o.pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", outboxLockID).Scan(&acquired); err != nil || !acquired {
		return
	}
	defer o.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", outboxLockID)

	entries, err := o.pending(ctx)
	if err != nil {
		span.RecordError(err)
		o.logger.Error("outbox fetch failed", zap.Error(err))
		return
	}
	if len(entries) == 0 {
		return
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	for _, entry := range entries {
		if err := o.relay(ctx, entry); err != nil {
			o.logger.Error("outbox relay failed",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.Error(err))
		}
	}
}

func (o *Outbox) pending(ctx context.Context) ([]*OutboxEntry, error) {
	rows, err := o.pool.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL AND retry_count < $1
		ORDER BY created_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		if err := rows.Scan(
			&entry.ID, &entry.AggregateID, &entry.AggregateType,
			&entry.EventType, &entry.Payload, &entry.KafkaTopic,
			&entry.KafkaKey, &entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (o *Outbox) relay(ctx context.Context, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox_relay",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
		))
	defer span.End()

	if err := o.publisher.Publish(ctx, entry.KafkaTopic, entry.KafkaKey, entry.Payload); err != nil {
		span.RecordError(err)
		msg := err.Error()
		if _, uerr := o.pool.Exec(ctx,
			"UPDATE outbox SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW() WHERE id = $2",
			msg, entry.ID); uerr != nil {
			o.logger.Error("outbox retry bookkeeping failed", zap.Error(uerr))
		}
		return fmt.Errorf("publish: %w", err)
	}

	if _, err := o.pool.Exec(ctx,
		"UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1", entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("mark processed: %w", err)
	}
	if o.observer != nil {
		o.observer.EventRelayed()
	}
	return nil
}

// sweepDeadLetters republishes entries that exhausted their retries onto
// the dead-letter stream, wrapped with the failure context, and retires
// them from the table.
func (o *Outbox) sweepDeadLetters() {
	ctx := o.ctx
	rows, err := o.pool.Query(ctx, `
		SELECT id, aggregate_id, event_type, payload, kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL AND retry_count >= $1
		FOR UPDATE SKIP LOCKED`,
		o.config.MaxRetries)
	if err != nil {
		o.logger.Error("dead-letter query failed", zap.Error(err))
		return
	}
	defer rows.Close()

	type dead struct {
		entry   OutboxEntry
		payload []byte
	}
	var deads []dead
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.EventType, &e.Payload,
			&e.KafkaTopic, &e.KafkaKey, &e.CreatedAt, &e.RetryCount, &e.LastError); err != nil {
			continue
		}
		wrapped, err := json.Marshal(map[string]interface{}{
			"original_topic": e.KafkaTopic,
			"event_type":     e.EventType,
			"aggregate_id":   e.AggregateID,
			"payload":        e.Payload,
			"retry_count":    e.RetryCount,
			"last_error":     e.LastError,
			"created_at":     e.CreatedAt,
		})
		if err != nil {
			continue
		}
		deads = append(deads, dead{entry: e, payload: wrapped})
	}
	rows.Close()

	for _, d := range deads {
		if err := o.publisher.Publish(ctx, o.config.DeadLetterTopic, d.entry.KafkaKey, d.payload); err != nil {
			o.logger.Error("dead-letter publish failed",
				zap.Int64("id", d.entry.ID), zap.Error(err))
			continue
		}
		if _, err := o.pool.Exec(ctx,
			"UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1", d.entry.ID); err != nil {
			o.logger.Error("dead-letter bookkeeping failed", zap.Error(err))
			continue
		}
		o.logger.Warn("outbox entry dead-lettered",
			zap.Int64("id", d.entry.ID),
			zap.String("event_type", d.entry.EventType),
			zap.Int("retries", d.entry.RetryCount))
	}
}

func (o *Outbox) reportDepth() {
	if o.observer == nil {
		return
	}
	var pending int64
	if err := o.pool.QueryRow(o.ctx,
		"SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL").Scan(&pending); err != nil {
		return
	}
	o.observer.OutboxDepth(pending)
}
