// Package circuitbreaker shields outbound transports behind sony/gobreaker.
// The email stream is the main consumer: when the broker misbehaves the
// breaker opens and notification sends fail fast instead of piling up.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State of the breaker as exposed to callers and observers.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// StateValue maps a state to the gauge encoding used by the metrics layer.
func StateValue(s State) float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Config shapes the trip and recovery behavior.
type Config struct {
	Name string

	// MaxRequests allowed through while half-open.
	MaxRequests uint32

	// Interval between count resets while closed.
	Interval time.Duration

	// Timeout before an open breaker probes again.
	Timeout time.Duration

	// FailureThreshold trips on consecutive failures while traffic is thin.
	FailureThreshold uint32

	// FailureRatio trips once MinRequests have been seen.
	FailureRatio float64
	MinRequests  uint32
}

// DefaultConfig suits the notification transports: trip after a run of
// failures or a 60 percent failure rate, probe again after 30 seconds.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.6,
		MinRequests:      10,
	}
}

// StateFunc receives state transitions, typically to drive a gauge.
type StateFunc func(name string, state State)

// CircuitBreaker wraps gobreaker with tracing and transition logging.
type CircuitBreaker struct {
	name   string
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
	tracer trace.Tracer

	mu     sync.RWMutex
	state  State
	notify StateFunc
}

// New builds a breaker from cfg.
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if cfg.Name == "" {
		return nil, errors.New("circuit breaker needs a name")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &CircuitBreaker{
		name:   cfg.Name,
		logger: logger,
		tracer: otel.Tracer("circuitbreaker"),
		state:  StateClosed,
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return counts.ConsecutiveFailures >= cfg.FailureThreshold
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.transition(mapState(from), mapState(to))
		},
	})
	return b, nil
}

// Notify registers a transition observer. Call before traffic starts.
func (b *CircuitBreaker) Notify(fn StateFunc) {
	b.mu.Lock()
	b.notify = fn
	b.mu.Unlock()
}

// Execute runs fn under the breaker. ErrOpenState and ErrTooManyRequests
// from gobreaker surface unchanged so callers can tell rejection from
// downstream failure.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	_, span := b.tracer.Start(ctx, "breaker.execute",
		trace.WithAttributes(
			attribute.String("breaker", b.name),
			attribute.String("state", string(b.State())),
		))
	defer span.End()

	out, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			span.SetAttributes(attribute.Bool("rejected", true))
		}
		span.RecordError(err)
		return nil, err
	}
	return out, nil
}

// State reports the last observed breaker state.
func (b *CircuitBreaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Open reports whether the breaker is currently rejecting traffic.
func (b *CircuitBreaker) Open() bool {
	return b.State() == StateOpen
}

func (b *CircuitBreaker) transition(from, to State) {
	b.mu.Lock()
	b.state = to
	fn := b.notify
	b.mu.Unlock()

	b.logger.Warn("circuit breaker transition",
		zap.String("breaker", b.name),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	if fn != nil {
		fn(b.name, to)
	}
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
