package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/roach88/fieldsync/internal/fault"
)

// BreakerState is the position of a circuit breaker.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return fmt.Sprintf("BreakerState(%d)", int(s))
}

func fromGobreaker(s gobreaker.State) BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	}
	return StateClosed
}

// Breaker stops calling a failing source for a cool-down period.
//
// After threshold consecutive failures the breaker opens and rejects
// fetches without touching the source. Once resetTimeout has elapsed a
// single trial fetch is let through (half-open); its outcome closes or
// re-opens the breaker. A fetch abandoned by its caller (context.Canceled)
// is not held against the source.
type Breaker struct {
	next     Fetcher
	cb       *gobreaker.CircuitBreaker[*Payload]
	onChange func(BreakerState)
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithStateHook is called with the new state after every transition. It
// runs while the breaker is locked and must not call back into it.
func WithStateHook(fn func(BreakerState)) BreakerOption {
	return func(b *Breaker) { b.onChange = fn }
}

// NewBreaker wraps next.
func NewBreaker(next Fetcher, threshold int, resetTimeout time.Duration, opts ...BreakerOption) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	b := &Breaker{next: next}
	for _, opt := range opts {
		opt(b)
	}
	b.cb = gobreaker.NewCircuitBreaker[*Payload](gobreaker.Settings{
		Name:        next.Source(),
		MaxRequests: 1,
		Timeout:     resetTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(threshold)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(_ string, _, to gobreaker.State) {
			if b.onChange != nil {
				b.onChange(fromGobreaker(to))
			}
		},
	})
	return b
}

func (b *Breaker) Source() string { return b.next.Source() }

// State returns the current position.
func (b *Breaker) State() BreakerState {
	return fromGobreaker(b.cb.State())
}

// Fetch delegates to the wrapped source unless the breaker is open.
func (b *Breaker) Fetch(ctx context.Context, since string) (*Payload, error) {
	p, err := b.cb.Execute(func() (*Payload, error) {
		return b.next.Fetch(ctx, since)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return nil, &fault.Error{Code: fault.CodeTransport, Op: "fetch.breaker", Message: "circuit open: " + b.next.Source() + " unavailable", Err: err}
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, &fault.Error{Code: fault.CodeTransport, Op: "fetch.breaker", Message: "circuit half-open: trial in progress", Err: err}
	}
	return p, err
}
