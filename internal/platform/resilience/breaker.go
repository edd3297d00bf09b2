// Package resilience wraps sony/gobreaker for calls to the clinical data
// store.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = gobreaker.ErrOpenState

// Config holds circuit breaker configuration.
type Config struct {
	Name string
	// MaxRequests is max requests allowed in half-open state
	MaxRequests uint32
	// Interval is the cyclic period for clearing counts in closed state
	Interval time.Duration
	// Timeout is how long to wait before transitioning from open to half-open
	Timeout time.Duration
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold uint32
}

// DefaultConfig returns defaults suitable for the Postgres data store.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      1,
		Interval:         60 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 5,
	}
}

// StateListener is told about every state transition. State values follow
// gobreaker: 0 closed, 1 half-open, 2 open.
type StateListener func(name string, state int)

// Breaker runs calls through a circuit breaker.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	tracer trace.Tracer
}

// New creates a breaker. A nil listener is ignored.
func New(cfg Config, logger zerolog.Logger, listener StateListener) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultConfig(cfg.Name).FailureThreshold
	}
	b := &Breaker{name: cfg.Name, tracer: otel.Tracer("github.com/ehr/cqm/internal/platform/resilience")}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
			if listener != nil {
				listener(name, int(to))
			}
		},
		IsSuccessful: isSuccessful,
	})
	return b
}

// A cancelled caller says nothing about the health of the store.
func isSuccessful(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}

// Execute runs fn through the breaker.
func (b *Breaker) Execute(ctx context.Context, op string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	ctx, span := b.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("breaker.name", b.name),
		attribute.String("breaker.state", b.cb.State().String()),
	))
	defer span.End()

	result, err := b.cb.Execute(func() (interface{}, error) { return fn(ctx) })
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			span.SetAttributes(attribute.Bool("breaker.rejected", true))
		}
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

// State returns the current state name.
func (b *Breaker) State() string { return b.cb.State().String() }

// Counts returns the breaker's current counters.
func (b *Breaker) Counts() gobreaker.Counts { return b.cb.Counts() }
