// Package redpanda carries the platform's event streams over franz-go:
// questionnaire submissions, timeline invalidations, trigger evaluation
// requests, outbound email, and the audit trail.
package redpanda

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ProducerConfig tunes the publishing client.
type ProducerConfig struct {
	Brokers []string

	// Linger bounds how long a record may wait for batching. Submission
	// volume is low outside visit-window openings, so a short linger keeps
	// the common case snappy.
	Linger time.Duration

	// MaxBatchBytes caps one produce request.
	MaxBatchBytes int32

	// Retries before a produce error surfaces to the caller.
	Retries int
}

// DefaultProducerConfig suits the platform's event volume: durable acks,
// lz4, small batches.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:       []string{"localhost:9092"},
		Linger:        10 * time.Millisecond,
		MaxBatchBytes: 1 << 20,
		Retries:       3,
	}
}

// Producer publishes domain events. Writes that must commit atomically with
// database state go through the transactional outbox instead; the producer
// is for events where the database row itself is the source of truth.
type Producer struct {
	client *kgo.Client
	logger *zap.Logger
	tracer trace.Tracer
}

// NewProducer connects the publishing client.
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerLinger(cfg.Linger),
		kgo.ProducerBatchMaxBytes(cfg.MaxBatchBytes),
		kgo.ProducerBatchCompression(kgo.Lz4Compression()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordRetries(cfg.Retries),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &Producer{
		client: client,
		logger: logger,
		tracer: otel.Tracer("redpanda-producer"),
	}, nil
}

// ProduceMessage publishes one record and waits for the broker ack. Keys
// are patient identifiers so per-patient ordering holds within a topic.
func (p *Producer) ProduceMessage(ctx context.Context, topic, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, "produce_message",
		trace.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("key", key),
		))
	defer span.End()

	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	annotateTrace(ctx, record)

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		span.RecordError(err)
		p.logger.Error("produce failed",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	p.logger.Debug("event published",
		zap.String("topic", topic),
		zap.String("key", key))
	return nil
}

// Close flushes pending records and releases the client.
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("flush on close", zap.Error(err))
	}
	p.client.Close()
	return nil
}

// annotateTrace attaches the W3C traceparent so consumers can correlate a
// rebuild or evaluation back to the originating request.
func annotateTrace(ctx context.Context, record *kgo.Record) {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return
	}
	record.Headers = append(record.Headers, kgo.RecordHeader{
		Key: "traceparent",
		Value: []byte(fmt.Sprintf("00-%s-%s-%02x",
			sc.TraceID(), sc.SpanID(), sc.TraceFlags())),
	})
}
