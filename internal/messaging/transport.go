package messaging

import (
	"context"

	"go.uber.org/zap"

	"github.com/patientflow/go-pro/internal/proerr"
	"github.com/patientflow/go-pro/pkg/circuitbreaker"
)

// Publisher is the delivery-stream surface the transport writes to. The
// redpanda producer satisfies it.
type Publisher interface {
	ProduceMessage(ctx context.Context, topic, key string, value []byte) error
}

// TopicEmails carries rendered emails to the delivery relay.
const TopicEmails = "pro.emails"

// StreamTransport publishes rendered emails onto the delivery topic behind a
// circuit breaker, so a broker outage degrades to MessagingFailure instead
// of hanging trigger processing.
type StreamTransport struct {
	publisher Publisher
	breaker   *circuitbreaker.CircuitBreaker
	logger    *zap.Logger
}

// NewStreamTransport wires the transport.
func NewStreamTransport(publisher Publisher, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *StreamTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamTransport{publisher: publisher, breaker: breaker, logger: logger}
}

// Send publishes the email keyed by its first recipient.
func (t *StreamTransport) Send(ctx context.Context, email *Email) error {
	body, err := email.Marshal()
	if err != nil {
		return err
	}
	key := email.ID
	if len(email.To) > 0 {
		key = email.To[0]
	}

	send := func() (interface{}, error) {
		return nil, t.publisher.ProduceMessage(ctx, TopicEmails, key, body)
	}
	if t.breaker != nil {
		_, err = t.breaker.Execute(ctx, send)
	} else {
		_, err = send()
	}
	if err != nil {
		return proerr.Wrap(proerr.ErrMessagingFailure, "email %s: %v", email.ID, err)
	}
	return nil
}
