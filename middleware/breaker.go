package middleware

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	cbus "github.com/next-trace/jitney/contract/bus"
	"github.com/next-trace/jitney/pipeline"
)

// BreakerSettings configures the per-recipient circuit breakers. Zero values take the defaults:
// trip after 5 consecutive failures, probe again after 30s with a single request.
type BreakerSettings struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	HalfOpenRequests    uint32
	OnStateChange       func(recipient string, from, to gobreaker.State)
}

// CircuitBreaker fails sends fast while a recipient keeps failing. Each recipient queue has its
// own breaker, so one broken endpoint does not block the others. An open breaker returns
// gobreaker.ErrOpenState. Cancelled sends do not count as failures.
type CircuitBreaker struct {
	settings BreakerSettings
	breakers sync.Map // recipient -> *gobreaker.CircuitBreaker
}

func NewCircuitBreaker(s BreakerSettings) *CircuitBreaker {
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}

	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}

	if s.HalfOpenRequests == 0 {
		s.HalfOpenRequests = 1
	}

	return &CircuitBreaker{settings: s}
}

func (c *CircuitBreaker) Name() string { return "circuit-breaker" }

func (c *CircuitBreaker) Invoke(ctx context.Context, ec *pipeline.OutgoingEnvelopeContext, next pipeline.Next) error {
	cb := c.breaker(ec.Envelope().Recipient().Key())

	_, err := cb.Execute(func() (any, error) { return nil, next(ctx) })

	return err
}

// State reports the breaker state for recipient.
func (c *CircuitBreaker) State(recipient cbus.EndpointAddress) gobreaker.State {
	if v, ok := c.breakers.Load(recipient.Key()); ok {
		return v.(*gobreaker.CircuitBreaker).State()
	}

	return gobreaker.StateClosed
}

func (c *CircuitBreaker) breaker(recipient string) *gobreaker.CircuitBreaker {
	if v, ok := c.breakers.Load(recipient); ok {
		return v.(*gobreaker.CircuitBreaker)
	}

	threshold := c.settings.ConsecutiveFailures
	st := gobreaker.Settings{
		Name:        recipient,
		MaxRequests: c.settings.HalfOpenRequests,
		Timeout:     c.settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A send cancelled because a sibling recipient failed says nothing about this one.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}

	if fn := c.settings.OnStateChange; fn != nil {
		st.OnStateChange = func(name string, from, to gobreaker.State) { fn(name, from, to) }
	}

	v, _ := c.breakers.LoadOrStore(recipient, gobreaker.NewCircuitBreaker(st))

	return v.(*gobreaker.CircuitBreaker)
}
