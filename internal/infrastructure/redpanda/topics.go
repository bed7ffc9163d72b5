package redpanda

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topic names. pro.* carry domain events; audit.trail is the compliance
// stream; dead.letter receives payloads a worker permanently rejected.
const (
	TopicResponses    = "pro.responses"
	TopicTriggers     = "pro.triggers"
	TopicEmails       = "pro.emails"
	TopicInvalidation = "pro.invalidation"
	TopicAuditTrail   = "audit.trail"
	TopicDeadLetter   = "dead.letter"
)

// TopicSpec declares one topic the platform expects to exist.
type TopicSpec struct {
	Name       string
	Partitions int32
	Replicas   int16
	Retention  time.Duration
}

// DefaultTopicSpecs lists every stream with its partitioning and retention.
// Patient-keyed topics get more partitions; the audit trail keeps 30 days
// for compliance review.
func DefaultTopicSpecs() []TopicSpec {
	const day = 24 * time.Hour
	return []TopicSpec{
		{Name: TopicResponses, Partitions: 12, Replicas: 1, Retention: 7 * day},
		{Name: TopicTriggers, Partitions: 6, Replicas: 1, Retention: 7 * day},
		{Name: TopicEmails, Partitions: 6, Replicas: 1, Retention: day},
		{Name: TopicInvalidation, Partitions: 12, Replicas: 1, Retention: day},
		{Name: TopicAuditTrail, Partitions: 6, Replicas: 1, Retention: 30 * day},
		{Name: TopicDeadLetter, Partitions: 3, Replicas: 1, Retention: 7 * day},
	}
}

// Admin creates and inspects topics at service startup.
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin connects an admin client.
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	kgoClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &Admin{client: kadm.NewClient(kgoClient), logger: logger}, nil
}

// EnsureTopics creates every declared topic, tolerating ones that already
// exist. Services call it at startup so a fresh environment self-seeds.
func (a *Admin) EnsureTopics(ctx context.Context) error {
	for _, spec := range DefaultTopicSpecs() {
		retention := fmt.Sprintf("%d", spec.Retention.Milliseconds())
		compression := "lz4"
		cleanup := "delete"
		configs := map[string]*string{
			"retention.ms":     &retention,
			"compression.type": &compression,
			"cleanup.policy":   &cleanup,
		}

		resp, err := a.client.CreateTopics(ctx, spec.Partitions, spec.Replicas, configs, spec.Name)
		if err != nil {
			return fmt.Errorf("create topic %s: %w", spec.Name, err)
		}
		for _, r := range resp {
			if r.Err != nil {
				if r.Err.Error() == "TOPIC_ALREADY_EXISTS" {
					a.logger.Debug("topic exists", zap.String("topic", r.Topic))
					continue
				}
				return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
			}
			a.logger.Info("topic created",
				zap.String("topic", r.Topic),
				zap.Int32("partitions", spec.Partitions))
		}
	}
	return nil
}

// Close releases the admin client.
func (a *Admin) Close() {
	a.client.Close()
}

// Ping verifies broker connectivity within a short deadline.
func Ping(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("kafka client: %w", err)
	}
	defer client.Close()
	return client.Ping(ctx)
}
