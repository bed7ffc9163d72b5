package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig tunes a worker's group consumer.
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string

	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
}

// DefaultConsumerConfig starts reading from the earliest retained offset so
// a fresh worker replays anything the previous deployment missed; the
// idempotency inbox makes the replays harmless.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:           []string{"localhost:9092"},
		GroupID:           "pro-worker",
		SessionTimeout:    30 * time.Second,
		HeartbeatInterval: 3 * time.Second,
	}
}

// ConsumedMessage is one record handed to the handler.
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// MessageHandler processes one record. An error leaves the offset
// uncommitted; the record is redelivered.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// Consumer runs a handler over the configured topics with manual commits:
// an offset is committed only after the handler returns nil, so a crashed
// worker reprocesses rather than drops.
type Consumer struct {
	client  *kgo.Client
	handler MessageHandler
	logger  *zap.Logger
	tracer  trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   sync.WaitGroup
}

// NewConsumer joins the group and subscribes.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.HeartbeatInterval(cfg.HeartbeatInterval),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client:  client,
		handler: handler,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches the poll loop.
func (c *Consumer) Start() {
	c.done.Add(1)
	go func() {
		defer c.done.Done()
		c.poll()
	}()
}

// Stop drains the loop, commits what was processed, and closes the client.
func (c *Consumer) Stop() error {
	c.cancel()
	c.done.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
		c.logger.Warn("commit on stop", zap.Error(err))
	}
	c.client.Close()
	return nil
}

func (c *Consumer) poll() {
	for {
		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}
		for _, ferr := range fetches.Errors() {
			c.logger.Error("fetch error",
				zap.String("topic", ferr.Topic),
				zap.Int32("partition", ferr.Partition),
				zap.Error(ferr.Err))
		}
		fetches.EachRecord(c.handle)
	}
}

func (c *Consumer) handle(record *kgo.Record) {
	ctx, span := c.tracer.Start(c.ctx, "consume_message",
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Timestamp: record.Timestamp,
	}

	if err := c.handler(ctx, msg); err != nil {
		span.RecordError(err)
		c.logger.Error("handler failed, offset held for redelivery",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		return
	}

	c.client.MarkCommitRecords(record)
	if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
		span.RecordError(err)
		c.logger.Error("offset commit failed",
			zap.String("topic", record.Topic),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
	}
}
