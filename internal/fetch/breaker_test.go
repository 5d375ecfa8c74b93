package fetch

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/fault"
)

type scriptedFetcher struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (s *scriptedFetcher) Source() string { return "scripted" }

func (s *scriptedFetcher) Fetch(ctx context.Context, since string) (*Payload, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.mu.Unlock()
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	return &Payload{Body: io.NopCloser(strings.NewReader(tinyBundle))}, nil
}

func (s *scriptedFetcher) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// gatedFetcher blocks every fetch until release is closed.
type gatedFetcher struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedFetcher) Source() string { return "gated" }

func (g *gatedFetcher) Fetch(ctx context.Context, since string) (*Payload, error) {
	g.entered <- struct{}{}
	<-g.release
	return &Payload{Body: io.NopCloser(strings.NewReader(tinyBundle))}, nil
}

var errDown = fault.New(fault.CodeTransport, "test", "down")

func waitForState(t *testing.T, b *Breaker, want BreakerState) {
	t.Helper()
	require.Eventually(t, func() bool { return b.State() == want }, 2*time.Second, time.Millisecond)
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	src := &scriptedFetcher{errs: []error{errDown, errDown, errDown}}
	var states []BreakerState
	b := NewBreaker(src, 2, 30*time.Second,
		WithStateHook(func(s BreakerState) { states = append(states, s) }))
	ctx := context.Background()

	_, err := b.Fetch(ctx, "")
	require.ErrorIs(t, err, errDown)
	assert.Equal(t, StateClosed, b.State())

	_, err = b.Fetch(ctx, "")
	require.ErrorIs(t, err, errDown)
	assert.Equal(t, StateOpen, b.State())

	_, err = b.Fetch(ctx, "")
	require.Error(t, err)
	assert.True(t, fault.IsTransport(err))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Contains(t, err.Error(), "circuit open: scripted unavailable")
	assert.Equal(t, 2, src.count(), "open breaker must not reach the source")
	assert.Equal(t, []BreakerState{StateOpen}, states)
}

func TestBreaker_HalfOpenTrialCloses(t *testing.T) {
	src := &scriptedFetcher{errs: []error{errDown}}
	b := NewBreaker(src, 1, 20*time.Millisecond)
	ctx := context.Background()

	_, err := b.Fetch(ctx, "")
	require.Error(t, err)
	require.Equal(t, StateOpen, b.State())

	waitForState(t, b, StateHalfOpen)
	p, err := b.Fetch(ctx, "")
	require.NoError(t, err)
	_ = p.Body.Close()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 2, src.count())
}

func TestBreaker_HalfOpenTrialFailureReopens(t *testing.T) {
	src := &scriptedFetcher{errs: []error{errDown, errDown}}
	b := NewBreaker(src, 1, 100*time.Millisecond)
	ctx := context.Background()

	_, _ = b.Fetch(ctx, "")
	waitForState(t, b, StateHalfOpen)
	_, err := b.Fetch(ctx, "")
	require.ErrorIs(t, err, errDown)
	assert.Equal(t, StateOpen, b.State())

	_, err = b.Fetch(ctx, "")
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, 2, src.count())
}

func TestBreaker_HalfOpenAdmitsOneTrial(t *testing.T) {
	g := &gatedFetcher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	b := NewBreaker(g, 1, 20*time.Millisecond)
	// Trip it with a single failing call routed through the same breaker.
	_, _ = b.cb.Execute(func() (*Payload, error) { return nil, errDown })
	require.Equal(t, StateOpen, b.State())
	waitForState(t, b, StateHalfOpen)

	done := make(chan error, 1)
	go func() {
		p, err := b.Fetch(context.Background(), "")
		if err == nil {
			_ = p.Body.Close()
		}
		done <- err
	}()
	<-g.entered

	_, err := b.Fetch(context.Background(), "")
	require.Error(t, err)
	assert.True(t, fault.IsTransport(err))
	assert.ErrorIs(t, err, gobreaker.ErrTooManyRequests)
	assert.Contains(t, err.Error(), "trial in progress")

	close(g.release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	src := &scriptedFetcher{errs: []error{errDown, nil, errDown}}
	b := NewBreaker(src, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, err := b.Fetch(ctx, "")
		if err == nil {
			_ = p.Body.Close()
		}
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_CallerCancellationDoesNotCount(t *testing.T) {
	src := &scriptedFetcher{errs: []error{context.Canceled, context.Canceled}}
	b := NewBreaker(src, 1, time.Minute)

	_, err := b.Fetch(context.Background(), "")
	require.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
}
