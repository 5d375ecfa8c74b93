// Package syncer runs synchronization cycles against the remote authority.
//
// A cycle optionally pushes pending operations, then pulls and applies the
// current bundle. At most one cycle runs at a time, within this process
// (semaphore) and optionally across processes (lock file). A cycle never
// panics or returns a fatal error to its caller: the outcome is a Report
// whose OK method is the success flag.
package syncer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/roach88/fieldsync/internal/bundle"
	"github.com/roach88/fieldsync/internal/config"
	"github.com/roach88/fieldsync/internal/fault"
	"github.com/roach88/fieldsync/internal/fetch"
	"github.com/roach88/fieldsync/internal/metrics"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/oplog"
	"github.com/roach88/fieldsync/internal/store"
)

const tracerName = "github.com/roach88/fieldsync/internal/syncer"

// DefaultTimeout bounds a cycle when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// State is the coordinator's position.
type State int32

const (
	StateIdle State = iota
	StateSyncing
)

func (s State) String() string {
	if s == StateSyncing {
		return "SYNCING"
	}
	return "IDLE"
}

// Coordinator runs sync cycles.
type Coordinator struct {
	store    store.Store
	fetcher  fetch.Fetcher
	ingester *bundle.Ingester
	pusher   *oplog.Pusher
	ops      *oplog.Log

	sem      *semaphore.Weighted
	overlap  string
	lockPath string
	timeout  time.Duration

	log     *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     model.NowFunc

	state atomic.Int32
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithIngester replaces the default ingester built over the store.
func WithIngester(in *bundle.Ingester) Option {
	return func(c *Coordinator) { c.ingester = in }
}

// WithPusher enables the push phase.
func WithPusher(p *oplog.Pusher) Option {
	return func(c *Coordinator) { c.pusher = p }
}

// WithOpLog lets the coordinator publish the pending queue depth.
func WithOpLog(l *oplog.Log) Option {
	return func(c *Coordinator) { c.ops = l }
}

// WithOverlap sets what happens when a cycle is requested while another
// runs: config.OverlapReject fails fast with a BUSY fault,
// config.OverlapQueue waits for the running cycle.
func WithOverlap(policy string) Option {
	return func(c *Coordinator) { c.overlap = policy }
}

// WithLockFile adds a cross-process lock. Cycles in other processes using
// the same path are treated as overlapping, always with reject semantics.
func WithLockFile(path string) Option {
	return func(c *Coordinator) { c.lockPath = path }
}

// WithTimeout bounds the whole cycle.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.log = logger
		}
	}
}

// WithMetrics publishes cycle metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithTracer overrides the global OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithNow injects the clock used for report timestamps.
func WithNow(now model.NowFunc) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a Coordinator pulling from f into s.
func New(s store.Store, f fetch.Fetcher, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:   s,
		fetcher: f,
		sem:     semaphore.NewWeighted(1),
		overlap: config.OverlapReject,
		timeout: DefaultTimeout,
		log:     zap.NewNop(),
		tracer:  otel.Tracer(tracerName),
		now:     model.SystemNow,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.ingester == nil {
		c.ingester = bundle.NewIngester(s, bundle.WithLogger(c.log))
	}
	return c
}

// State reports whether a cycle is in flight.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// RunSyncCycle runs one cycle and reports whether it succeeded.
func (c *Coordinator) RunSyncCycle(ctx context.Context) bool {
	return c.Run(ctx).OK()
}

// Run runs one cycle and reports every phase.
func (c *Coordinator) Run(ctx context.Context) (rep Report) {
	rep.Source = c.fetcher.Source()
	rep.Started = c.now()

	release, err := c.acquire(ctx)
	if err != nil {
		rep.Err = err
		c.finish(&rep)
		return rep
	}
	defer release()

	c.state.Store(int32(StateSyncing))
	defer c.state.Store(int32(StateIdle))

	defer func() {
		if r := recover(); r != nil {
			c.log.Error("sync cycle panicked", zap.Any("panic", r), zap.Stack("stack"))
			rep.Err = fault.New(fault.CodeStorage, "syncer.run", fmt.Sprintf("panic: %v", r))
			c.finish(&rep)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "sync.cycle", trace.WithAttributes(
		attribute.String("sync.source", rep.Source),
	))
	defer span.End()

	if c.pusher != nil {
		rep.Pushed, rep.PushErr = c.pusher.Push(ctx)
		c.metrics.AddPushed(rep.Pushed.Synced, rep.Pushed.Failed)
	}
	// A push stopped by a transport failure does not block the pull; a
	// broken local store does.
	if !fault.IsStorage(rep.PushErr) {
		rep.Ingest, rep.Err = c.pull(ctx)
	}
	rep.Err = fault.Worst(rep.Err, rep.PushErr)

	if rep.Err != nil {
		span.RecordError(rep.Err)
		span.SetStatus(codes.Error, string(fault.CodeOf(rep.Err)))
	} else {
		span.SetAttributes(
			attribute.String("bundle.hash", rep.Ingest.Hash),
			attribute.Int("bundle.records", rep.Ingest.Records()),
		)
	}
	c.finish(&rep)
	return rep
}

// acquire takes the in-process guard and, when configured, the lock file.
func (c *Coordinator) acquire(ctx context.Context) (func(), error) {
	if c.overlap == config.OverlapQueue {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return nil, &fault.Error{Code: fault.CodeTransport, Op: "syncer.acquire", Message: "interrupted while queued", Err: err}
		}
	} else if !c.sem.TryAcquire(1) {
		return nil, fault.New(fault.CodeBusy, "syncer.acquire", "a sync cycle is already in progress")
	}
	if c.lockPath == "" {
		return func() { c.sem.Release(1) }, nil
	}

	fl := flock.New(c.lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		c.sem.Release(1)
		return nil, fault.Wrap(fault.CodeStorage, "syncer.acquire", fmt.Errorf("lock %s: %w", c.lockPath, err))
	}
	if !locked {
		c.sem.Release(1)
		return nil, fault.New(fault.CodeBusy, "syncer.acquire", "another process is syncing ("+c.lockPath+")")
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			c.log.Warn("release sync lock", zap.String("path", c.lockPath), zap.Error(err))
		}
		c.sem.Release(1)
	}, nil
}

func (c *Coordinator) pull(ctx context.Context) (bundle.Result, error) {
	since, err := c.serverTimestamp(ctx)
	if err != nil {
		return bundle.Result{}, err
	}

	payload, err := c.fetcher.Fetch(ctx, since)
	if err != nil {
		return bundle.Result{}, err
	}
	b, err := bundle.DecodeAuto(payload.Body, payload.Hint)
	_ = payload.Body.Close()
	if err != nil {
		if ctx.Err() != nil && !fault.IsMalformed(err) {
			return bundle.Result{}, &fault.Error{Code: fault.CodeTransport, Op: "syncer.pull", Message: "interrupted", Err: ctx.Err()}
		}
		return bundle.Result{}, err
	}
	return c.ingester.Apply(ctx, b)
}

func (c *Coordinator) serverTimestamp(ctx context.Context) (string, error) {
	var since string
	err := c.store.View(ctx, func(tx store.ReadTx) error {
		v, err := tx.SyncState(ctx, model.StateServerTimestamp)
		if err != nil {
			if fault.IsNotFound(err) {
				return nil
			}
			return err
		}
		since = v
		return nil
	})
	if err != nil {
		return "", fault.Storage("syncer.sync_state", err)
	}
	return since, nil
}

// finish stamps the duration, logs the outcome and updates metrics.
func (c *Coordinator) finish(rep *Report) {
	end := c.now()
	rep.Duration = end.Sub(rep.Started)

	outcome := "ok"
	if rep.Err != nil {
		outcome = string(fault.CodeOf(rep.Err))
		if outcome == "" {
			outcome = "unknown"
		}
	}
	c.metrics.ObserveCycle(outcome, rep.Duration, end)
	if rep.OK() {
		for kind, n := range rep.Ingest.Foundation {
			c.metrics.AddIngested(string(kind), n)
		}
		c.metrics.AddIngested("blueprint", rep.Ingest.Blueprints)
		c.metrics.AddIngested(string(model.KindActionItem), rep.Ingest.ActionItems)
		c.metrics.AddIngested(string(model.KindPerson), rep.Ingest.People)
	}
	if c.ops != nil && !fault.IsBusy(rep.Err) {
		// Use a fresh context: the cycle's may have expired.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if counts, err := c.ops.Counts(ctx); err == nil {
			rep.Pending = counts[model.StatusPending]
			c.metrics.SetPending(rep.Pending)
		}
		cancel()
	}

	fields := []zap.Field{
		zap.String("outcome", outcome),
		zap.Duration("duration", rep.Duration),
		zap.String("source", rep.Source),
	}
	switch {
	case rep.OK():
		c.log.Info(rep.Summary(), fields...)
	case fault.IsBusy(rep.Err):
		c.log.Debug(rep.Summary(), fields...)
	case fault.IsStorage(rep.Err):
		c.log.Error(rep.Summary(), append(fields, zap.Error(rep.Err))...)
	default:
		c.log.Warn(rep.Summary(), append(fields, zap.Error(rep.Err))...)
	}
}
