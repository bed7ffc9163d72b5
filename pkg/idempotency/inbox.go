// Package idempotency gives consumers exactly-once processing over an
// at-least-once stream. A deterministic key derived from the submission
// (subject, questionnaire, authored minute) claims a row in the inbox table;
// replays of the same submission find the finished row and return its
// recorded result instead of running the handler again.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status of an inbox row.
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// ErrInProgress means another consumer instance holds the claim.
var ErrInProgress = errors.New("idempotency: message in progress")

// GenerateKey hashes the identifying parts of a submission. The authored
// timestamp is truncated to the minute so resubmission with sub-minute
// clock drift still collapses to one key.
func GenerateKey(subjectID, questionnaire string, authored time.Time) string {
	material := strings.Join([]string{
		subjectID,
		questionnaire,
		authored.Truncate(time.Minute).UTC().Format(time.RFC3339),
	}, "|")
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}

// InboxConfig tunes claim recovery and row retention.
type InboxConfig struct {
	// TTL before a row may be garbage collected.
	TTL time.Duration

	// CleanupInterval between expiry sweeps.
	CleanupInterval time.Duration

	// StaleAfter is how long a STARTED claim may sit before another
	// consumer may steal it, covering a crash mid-handler.
	StaleAfter time.Duration
}

// DefaultInboxConfig keeps rows a week, long past the broker's retention.
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		TTL:             7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		StaleAfter:      5 * time.Minute,
	}
}

// ProcessFunc is the guarded handler. Its returned payload is recorded and
// handed back verbatim on replay.
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// ProcessResult reports how a Process call resolved.
type ProcessResult struct {
	IsNew        bool
	WasRecovered bool
	Result       json.RawMessage
}

// Inbox guards handlers with the table-backed claim.
type Inbox struct {
	pool   *pgxpool.Pool
	cfg    InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox builds an inbox over the shared pool.
func NewInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		pool:   pool,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Process runs fn at most once for the given key. A finished row short
// circuits with the recorded result; a live claim returns ErrInProgress so
// the consumer redelivers later; a stale or recoverable claim is taken over.
func (i *Inbox) Process(ctx context.Context, key, handler string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("key", key),
			attribute.String("handler", handler),
		))
	defer span.End()

	claim, err := i.claim(ctx, key, handler, payload)
	if err != nil {
		return nil, err
	}
	switch claim.outcome {
	case outcomeDuplicate:
		span.SetAttributes(attribute.Bool("duplicate", true))
		return &ProcessResult{Result: claim.result}, nil
	case outcomeFailed:
		span.SetAttributes(attribute.Bool("previously_failed", true))
		return nil, fmt.Errorf("idempotency: message %s previously failed", key)
	case outcomeBusy:
		return nil, ErrInProgress
	}

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := StatusRecoverable
		if terminal(handlerErr) {
			status = StatusFailed
		}
		if err := i.settle(ctx, key, status, errorResult(handlerErr)); err != nil {
			i.logger.Error("inbox settle failed", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.settle(ctx, key, StatusFinished, result); err != nil {
		// The handler succeeded; a replay will redo the work but that is
		// what the claim protocol tolerates.
		i.logger.Error("inbox settle failed", zap.String("key", key), zap.Error(err))
	}
	return &ProcessResult{
		IsNew:        claim.outcome == outcomeClaimed,
		WasRecovered: claim.outcome == outcomeReclaimed,
		Result:       result,
	}, nil
}

type claimOutcome int

const (
	outcomeClaimed claimOutcome = iota
	outcomeReclaimed
	outcomeDuplicate
	outcomeFailed
	outcomeBusy
)

type claimResult struct {
	outcome claimOutcome
	result  json.RawMessage
}

// claim inserts a STARTED row, or takes over one that is RECOVERABLE or
// stale. The insert and takeover happen in one statement so two consumers
// racing on the same key cannot both win.
func (i *Inbox) claim(ctx context.Context, key, handler string, payload json.RawMessage) (*claimResult, error) {
	// xmax is nonzero only when the conflict branch updated an existing
	// row, which distinguishes a takeover from a first claim.
	var stolen bool
	err := i.pool.QueryRow(ctx, `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, 'STARTED', $3, NOW() + $4::interval)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = 'STARTED', handler_name = $2, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		   OR (inbox.status = 'STARTED' AND inbox.updated_at < NOW() - $5::interval)
		RETURNING xmax <> 0`,
		key, handler, payload,
		i.cfg.TTL.String(), i.cfg.StaleAfter.String(),
	).Scan(&stolen)
	if errors.Is(err, pgx.ErrNoRows) {
		// The conflict clause declined: the row exists and is finished,
		// failed, or freshly started elsewhere.
		return i.classify(ctx, key)
	}
	if err != nil {
		return nil, fmt.Errorf("inbox claim: %w", err)
	}
	if stolen {
		return &claimResult{outcome: outcomeReclaimed}, nil
	}
	return &claimResult{outcome: outcomeClaimed}, nil
}

func (i *Inbox) classify(ctx context.Context, key string) (*claimResult, error) {
	var status Status
	var result json.RawMessage
	err := i.pool.QueryRow(ctx,
		"SELECT status, result FROM inbox WHERE idempotency_key = $1", key,
	).Scan(&status, &result)
	if err != nil {
		return nil, fmt.Errorf("inbox lookup: %w", err)
	}
	switch status {
	case StatusFinished:
		return &claimResult{outcome: outcomeDuplicate, result: result}, nil
	case StatusFailed:
		return &claimResult{outcome: outcomeFailed}, nil
	default:
		return &claimResult{outcome: outcomeBusy}, nil
	}
}

func (i *Inbox) settle(ctx context.Context, key string, status Status, result json.RawMessage) error {
	_, err := i.pool.Exec(ctx,
		"UPDATE inbox SET status = $1, result = $2, updated_at = NOW() WHERE idempotency_key = $3",
		status, result, key)
	return err
}

func errorResult(err error) json.RawMessage {
	out, _ := json.Marshal(map[string]string{"error": err.Error()})
	return out
}

// terminal reports whether the error will not improve on retry.
func terminal(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, phrase := range []string{"validation", "invalid", "not found", "unauthorized", "forbidden"} {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// StartCleanup launches the expiry sweep.
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.cfg.CleanupInterval))
}

// Stop halts the expiry sweep.
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)
	ticker := time.NewTicker(i.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			tag, err := i.pool.Exec(i.ctx, "DELETE FROM inbox WHERE expires_at < NOW()")
			if err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
				continue
			}
			if n := tag.RowsAffected(); n > 0 {
				i.logger.Info("inbox rows expired", zap.Int64("deleted", n))
			}
		}
	}
}
