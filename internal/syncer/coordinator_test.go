package syncer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/config"
	"github.com/roach88/fieldsync/internal/fault"
	"github.com/roach88/fieldsync/internal/fetch"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/oplog"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/store/memstore"
	"github.com/roach88/fieldsync/internal/store/storetest"
	"github.com/roach88/fieldsync/internal/testutil"
)

const refineryBundle = `{
	"priority_1": {"blueprints": [{"name": "incidents", "version": 2, "fields": []}]},
	"priority_2": {"sites": [{"id": "s1", "name": "Refinery A"}], "assets": [{"id": "a1", "name": "Pump 7"}]},
	"server_timestamp": "2025-03-01T09:00:00Z"
}`

// funcFetcher adapts a function to fetch.Fetcher.
type funcFetcher func(ctx context.Context, since string) (*fetch.Payload, error)

func (f funcFetcher) Source() string { return "test" }

func (f funcFetcher) Fetch(ctx context.Context, since string) (*fetch.Payload, error) {
	return f(ctx, since)
}

func staticFetcher(body string) funcFetcher {
	return func(context.Context, string) (*fetch.Payload, error) {
		return &fetch.Payload{Body: io.NopCloser(strings.NewReader(body)), Hint: "application/json"}, nil
	}
}

// blockingFetcher signals entered once Fetch is running and waits for
// release before returning body.
func blockingFetcher(body string) (funcFetcher, <-chan struct{}, chan<- struct{}) {
	entered := make(chan struct{}, 16)
	release := make(chan struct{})
	f := func(ctx context.Context, _ string) (*fetch.Payload, error) {
		entered <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, fault.Wrap(fault.CodeTransport, "test", ctx.Err())
		}
		return &fetch.Payload{Body: io.NopCloser(strings.NewReader(body))}, nil
	}
	return f, entered, release
}

func counts(t *testing.T, s store.Store) (int, int) {
	t.Helper()
	var bps, recs int
	require.NoError(t, s.View(context.Background(), func(tx store.ReadTx) error {
		var err error
		if bps, err = tx.CountBlueprints(context.Background()); err != nil {
			return err
		}
		recs, err = tx.CountRecords(context.Background(), "")
		return err
	}))
	return bps, recs
}

func TestRunSyncCycle_AppliesBundle(t *testing.T) {
	for name, s := range testutil.Engines(t) {
		t.Run(name, func(t *testing.T) {
			c := New(s, staticFetcher(refineryBundle))
			rep := c.Run(context.Background())

			require.True(t, rep.OK(), rep.Summary())
			assert.Equal(t, 1, rep.Ingest.Blueprints)
			assert.Equal(t, 2, rep.Ingest.Records())
			assert.Contains(t, rep.Summary(), "sync ok: 1 blueprints, 2 records")
			assert.Equal(t, StateIdle, c.State())

			bps, recs := counts(t, s)
			assert.Equal(t, 1, bps)
			assert.Equal(t, 2, recs)

			assert.True(t, c.RunSyncCycle(context.Background()), "re-running is idempotent")
			bps, recs = counts(t, s)
			assert.Equal(t, 1, bps)
			assert.Equal(t, 2, recs)
		})
	}
}

func TestRun_SendsServerTimestampFromPreviousPull(t *testing.T) {
	var (
		mu     sync.Mutex
		sinces []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		sinces = append(sinces, r.URL.Query().Get("since"))
		mu.Unlock()
		_, _ = io.WriteString(w, refineryBundle)
	}))
	defer srv.Close()

	s := memstore.New()
	c := New(s, fetch.NewHTTP(srv.URL, "/api/sync/bundle"))
	require.True(t, c.RunSyncCycle(context.Background()))
	require.True(t, c.RunSyncCycle(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"", "2025-03-01T09:00:00Z"}, sinces)
}

func TestRun_TransportFailureLeavesStoreUntouched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := memstore.New()
	c := New(s, fetch.NewHTTP(srv.URL, "/api/sync/bundle"))
	rep := c.Run(context.Background())

	assert.False(t, rep.OK())
	assert.True(t, fault.IsTransport(rep.Err))
	assert.Contains(t, rep.Summary(), "remote unavailable")
	assert.Equal(t, StateIdle, c.State())
	bps, recs := counts(t, s)
	assert.Zero(t, bps)
	assert.Zero(t, recs)
}

func TestRun_MalformedBundleWritesNothing(t *testing.T) {
	s := memstore.New()
	c := New(s, staticFetcher(`{"priority_2": {"sites": []}}`))
	rep := c.Run(context.Background())

	assert.False(t, rep.OK())
	assert.True(t, fault.IsMalformed(rep.Err))
	assert.Contains(t, rep.Summary(), "bundle rejected")
	assert.Equal(t, uint64(0), s.Generation())
}

func TestRun_StorageFailureIsReportedDistinctly(t *testing.T) {
	inner := memstore.New()
	s := storetest.NewFaulty(inner, func(c storetest.Call) error {
		if c.Method == "PutRecord" && c.Kind == model.KindSite {
			return errors.New("disk I/O error")
		}
		return nil
	})
	c := New(s, staticFetcher(refineryBundle))
	rep := c.Run(context.Background())

	assert.False(t, rep.OK())
	assert.True(t, fault.IsStorage(rep.Err))
	assert.True(t, strings.HasPrefix(rep.Summary(), "SYNC ERROR: local storage failure"), rep.Summary())
	bps, recs := counts(t, inner)
	assert.Zero(t, bps, "tier 1 rolled back with tier 2")
	assert.Zero(t, recs)
}

func TestRun_TimeoutResolvesFalseWithoutPartialState(t *testing.T) {
	f, entered, release := blockingFetcher(refineryBundle)
	defer close(release)

	s := memstore.New()
	c := New(s, f, WithTimeout(50*time.Millisecond))
	done := make(chan Report, 1)
	go func() { done <- c.Run(context.Background()) }()
	<-entered

	select {
	case rep := <-done:
		assert.False(t, rep.OK())
		assert.True(t, fault.IsTransport(rep.Err))
	case <-time.After(5 * time.Second):
		t.Fatal("cycle did not honour its timeout")
	}
	assert.Equal(t, uint64(0), s.Generation())
	assert.Equal(t, StateIdle, c.State())
}

func TestRun_OverlapRejected(t *testing.T) {
	f, entered, release := blockingFetcher(refineryBundle)
	c := New(memstore.New(), f)

	first := make(chan Report, 1)
	go func() { first <- c.Run(context.Background()) }()
	<-entered
	assert.Equal(t, StateSyncing, c.State())

	rep := c.Run(context.Background())
	assert.False(t, rep.OK())
	assert.True(t, fault.IsBusy(rep.Err))
	assert.Contains(t, rep.Summary(), "sync skipped")

	close(release)
	assert.True(t, (<-first).OK())
	assert.Equal(t, StateIdle, c.State())
}

func TestRun_OverlapQueued(t *testing.T) {
	f, entered, release := blockingFetcher(refineryBundle)
	c := New(memstore.New(), f, WithOverlap(config.OverlapQueue))
	ctx := context.Background()

	first := make(chan Report, 1)
	go func() { first <- c.Run(ctx) }()
	<-entered

	second := make(chan Report, 1)
	go func() { second <- c.Run(ctx) }()

	select {
	case <-entered:
		t.Fatal("queued cycle must not start while the first runs")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	assert.True(t, (<-first).OK())
	<-entered
	assert.True(t, (<-second).OK())
}

func TestRun_QueuedCycleHonoursCancellation(t *testing.T) {
	f, entered, release := blockingFetcher(refineryBundle)
	defer close(release)
	c := New(memstore.New(), f, WithOverlap(config.OverlapQueue))

	go c.Run(context.Background())
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	rep := c.Run(ctx)
	assert.True(t, fault.IsTransport(rep.Err))
}

func TestRun_LockFileExcludesOtherCoordinators(t *testing.T) {
	lock := filepath.Join(t.TempDir(), "sync.lock")
	f, entered, release := blockingFetcher(refineryBundle)
	s := memstore.New()

	a := New(s, f, WithLockFile(lock))
	b := New(s, staticFetcher(refineryBundle), WithLockFile(lock))

	first := make(chan Report, 1)
	go func() { first <- a.Run(context.Background()) }()
	<-entered

	rep := b.Run(context.Background())
	assert.True(t, fault.IsBusy(rep.Err))
	assert.Contains(t, rep.Summary(), "another process is syncing")

	close(release)
	require.True(t, (<-first).OK())
	assert.True(t, b.RunSyncCycle(context.Background()), "lock released after the cycle")
}

func TestRun_LockFileUnusableIsStorage(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	c := New(memstore.New(), staticFetcher(refineryBundle), WithLockFile(filepath.Join(blocker, "sync.lock")))
	rep := c.Run(context.Background())
	assert.True(t, fault.IsStorage(rep.Err))
}

func TestRun_PushesBeforePulling(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		order = append(order, r.Method+" "+r.URL.Path)
		mu.Unlock()
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			return
		}
		_, _ = io.WriteString(w, refineryBundle)
	}))
	defer srv.Close()

	s := memstore.New()
	ops := oplog.New(s, oplog.WithIDGenerator(model.NewFixedGenerator("op-1", "op-2")))
	ctx := context.Background()
	for range 2 {
		_, err := ops.Append(ctx, model.OpUpdateField, map[string]any{"field": "status"})
		require.NoError(t, err)
	}

	c := New(s, fetch.NewHTTP(srv.URL, "/api/sync/bundle"),
		WithPusher(oplog.NewPusher(ops, srv.URL, "/api/sync/ops")),
		WithOpLog(ops))
	rep := c.Run(ctx)

	require.True(t, rep.OK(), rep.Summary())
	assert.Equal(t, 2, rep.Pushed.Synced)
	assert.Zero(t, rep.Pending)
	assert.Contains(t, rep.Summary(), "pushed 2")
	mu.Lock()
	assert.Equal(t, []string{"POST /api/sync/ops", "POST /api/sync/ops", "GET /api/sync/bundle"}, order)
	mu.Unlock()
}

func TestRun_PushFailureStillPulls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, refineryBundle)
	}))
	defer srv.Close()

	s := memstore.New()
	ops := oplog.New(s)
	_, err := ops.Append(context.Background(), model.OpCreateRecord, map[string]any{"title": "Leak"})
	require.NoError(t, err)

	c := New(s, fetch.NewHTTP(srv.URL, "/api/sync/bundle"),
		WithPusher(oplog.NewPusher(ops, srv.URL, "/api/sync/ops")),
		WithOpLog(ops))
	rep := c.Run(context.Background())

	assert.False(t, rep.OK())
	assert.True(t, fault.IsTransport(rep.Err))
	assert.Equal(t, 1, rep.Pending)
	assert.Equal(t, 2, rep.Ingest.Records(), "pull ran despite the push failure")
}

func TestRun_PanicBecomesFailure(t *testing.T) {
	f := funcFetcher(func(context.Context, string) (*fetch.Payload, error) {
		panic("boom")
	})
	c := New(memstore.New(), f)

	var rep Report
	require.NotPanics(t, func() { rep = c.Run(context.Background()) })
	assert.False(t, rep.OK())
	assert.Contains(t, rep.Err.Error(), "panic: boom")
	assert.Equal(t, StateIdle, c.State())
	again := c.Run(context.Background())
	assert.False(t, fault.IsBusy(again.Err), "guard released after panic")
}

func TestRun_ReportsDuration(t *testing.T) {
	clock := testutil.NewManualClock(time.Time{})
	c := New(memstore.New(), staticFetcher(refineryBundle), WithNow(clock.Ticking(1500*time.Millisecond)))
	rep := c.Run(context.Background())
	require.True(t, rep.OK())
	assert.Equal(t, testutil.Epoch, rep.Started)
	assert.Equal(t, 1500*time.Millisecond, rep.Duration)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "IDLE", StateIdle.String())
	assert.Equal(t, "SYNCING", StateSyncing.String())
}
