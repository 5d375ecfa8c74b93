// Package storetest holds the conformance suite every store.Store engine
// must pass, plus helpers for injecting failures and golden dumps.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/fault"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

// Epoch is the fixed instant the suite stamps rows with.
var Epoch = time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"BlueprintUpsert", testBlueprintUpsert},
		{"BlueprintIdenticalRewriteKeepsUpdatedAt", testBlueprintIdenticalRewrite},
		{"BlueprintsOrderedByName", testBlueprintsOrdered},
		{"RecordReplacedWholesale", testRecordReplaced},
		{"ScanRecordsFiltersAndOrders", testScanRecords},
		{"CountRecordsByKind", testCountRecords},
		{"InsertOperationAssignsSeq", testInsertOperationSeq},
		{"InsertOperationRejectsDuplicate", testInsertOperationDuplicate},
		{"OperationsFIFO", testOperationsFIFO},
		{"TransitionMonotonic", testTransitionMonotonic},
		{"TransitionUnknownID", testTransitionUnknown},
		{"TransitionToPendingRejected", testTransitionToPending},
		{"RecordAttempt", testRecordAttempt},
		{"SyncState", testSyncState},
		{"UpdateRollsBackOnError", testUpdateRollback},
		{"UpdateCancelledContext", testUpdateCancelled},
		{"GenerationAdvancesOnCommit", testGeneration},
		{"ConcurrentInserts", testConcurrentInserts},
		{"Snapshot", testSnapshot},
		{"ClosedStoreFails", testClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func update(t *testing.T, s store.Store, fn func(ctx context.Context, tx store.Tx) error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error { return fn(ctx, tx) }))
}

func view(t *testing.T, s store.Store, fn func(ctx context.Context, tx store.ReadTx) error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.View(ctx, func(tx store.ReadTx) error { return fn(ctx, tx) }))
}

func record(t *testing.T, kind model.Kind, id, name string) model.Record {
	t.Helper()
	r, err := model.NewRecord(kind, map[string]any{"id": id, "name": name})
	require.NoError(t, err)
	return r
}

func pendingOp(id string, created time.Time) model.Operation {
	return model.Operation{
		ID:        id,
		Kind:      model.OpUpdateField,
		Payload:   `{"field":"status"}`,
		Status:    model.StatusPending,
		CreatedAt: created,
	}
}

func testBlueprintUpsert(t *testing.T, s store.Store) {
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		return tx.PutBlueprint(ctx, model.Blueprint{Name: "incidents", Version: 1, Data: `{"name":"incidents"}`, UpdatedAt: Epoch})
	})
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		return tx.PutBlueprint(ctx, model.Blueprint{Name: "incidents", Version: 2, Data: `{"name":"incidents","v":2}`, UpdatedAt: Epoch.Add(time.Hour)})
	})

	view(t, s, func(ctx context.Context, tx store.ReadTx) error {
		b, err := tx.Blueprint(ctx, "incidents")
		require.NoError(t, err)
		assert.Equal(t, int64(2), b.Version)
		assert.Equal(t, `{"name":"incidents","v":2}`, b.Data)
		assert.Equal(t, Epoch.Add(time.Hour), b.UpdatedAt)

		n, err := tx.CountBlueprints(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = tx.Blueprint(ctx, "missing")
		assert.True(t, fault.IsNotFound(err), "got %v", err)
		return nil
	})
}

func testBlueprintIdenticalRewrite(t *testing.T, s store.Store) {
	b := model.Blueprint{Name: "inspections", Version: 3, Data: `{"fields":[]}`, UpdatedAt: Epoch}
	update(t, s, func(ctx context.Context, tx store.Tx) error { return tx.PutBlueprint(ctx, b) })

	later := b
	later.UpdatedAt = Epoch.Add(24 * time.Hour)
	update(t, s, func(ctx context.Context, tx store.Tx) error { return tx.PutBlueprint(ctx, later) })

	view(t, s, func(ctx context.Context, tx store.ReadTx) error {
		got, err := tx.Blueprint(ctx, "inspections")
		require.NoError(t, err)
		assert.Equal(t, Epoch, got.UpdatedAt)
		return nil
	})
}

func testBlueprintsOrdered(t *testing.T, s store.Store) {
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		for _, name := range []string{"permits", "Audits", "incidents"} {
			if err := tx.PutBlueprint(ctx, model.Blueprint{Name: name, Version: 1, Data: "{}", UpdatedAt: Epoch}); err != nil {
				return err
			}
		}
		return nil
	})
	view(t, s, func(ctx context.Context, tx store.ReadTx) error {
		bps, err := tx.Blueprints(ctx)
		require.NoError(t, err)
		require.Len(t, bps, 3)
		assert.Equal(t, "Audits", bps[0].Name)
		assert.Equal(t, "incidents", bps[1].Name)
		assert.Equal(t, "permits", bps[2].Name)
		return nil
	})
}

func testRecordReplaced(t *testing.T, s store.Store) {
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		return tx.PutRecord(ctx, record(t, model.KindSite, "s1", "Old Yard"))
	})
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		return tx.PutRecord(ctx, record(t, model.KindSite, "s1", "Refinery A"))
	})
	view(t, s, func(ctx context.Context, tx store.ReadTx) error {
		r, err := tx.Record(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "refinery a", r.SearchVector)
		assert.Equal(t, `{"id":"s1","name":"Refinery A"}`, r.Data)

		_, err = tx.Record(ctx, "nope")
		assert.True(t, fault.IsNotFound(err))
		return nil
	})
}

func testScanRecords(t *testing.T, s store.Store) {
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		for _, r := range []model.Record{
			record(t, model.KindSite, "b", "Refinery B"),
			record(t, model.KindSite, "a", "Refinery A"),
			record(t, model.KindSite, "A", "Tank Farm"),
			record(t, model.KindAsset, "c", "Refinery Pump"),
		} {
			if err := tx.PutRecord(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})

	view(t, s, func(ctx context.Context, tx store.ReadTx) error {
		all, err := tx.ScanRecords(ctx, store.RecordQuery{Kind: model.KindSite})
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "a", "b"}, ids(all))

		hits, err := tx.ScanRecords(ctx, store.RecordQuery{Kind: model.KindSite, Contains: "refinery"})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, ids(hits))

		limited, err := tx.ScanRecords(ctx, store.RecordQuery{Contains: "refinery", Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, ids(limited))

		none, err := tx.ScanRecords(ctx, store.RecordQuery{Kind: model.KindPerson})
		require.NoError(t, err)
		assert.NotNil(t, none)
		assert.Empty(t, none)
		return nil
	})
}

func testCountRecords(t *testing.T, s store.Store) {
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		for _, r := range []model.Record{
			record(t, model.KindSite, "s1", "One"),
			record(t, model.KindSite, "s2", "Two"),
			record(t, model.KindPerson, "p1", "Ada"),
		} {
			if err := tx.PutRecord(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
	view(t, s, func(ctx context.Context, tx store.ReadTx) error {
		n, err := tx.CountRecords(ctx, model.KindSite)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		n, err = tx.CountRecords(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		return nil
	})
}

func testInsertOperationSeq(t *testing.T, s store.Store) {
	var seqs []int64
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		for _, id := range []string{"op-1", "op-2", "op-3"} {
			seq, err := tx.InsertOperation(ctx, pendingOp(id, Epoch))
			if err != nil {
				return err
			}
			seqs = append(seqs, seq)
		}
		return nil
	})
	require.Len(t, seqs, 3)
	assert.Less(t, seqs[0], seqs[1])
	assert.Less(t, seqs[1], seqs[2])

	view(t, s, func(ctx context.Context, tx store.ReadTx) error {
		op, err := tx.Operation(ctx, "op-2")
		require.NoError(t, err)
		assert.Equal(t, seqs[1], op.Seq)
		assert.Equal(t, model.StatusPending, op.Status)
		assert.Equal(t, Epoch, op.CreatedAt)
		assert.Equal(t, Epoch, op.UpdatedAt)
		assert.Equal(t, 0, op.Attempts)
		return nil
	})
}

func testInsertOperationDuplicate(t *testing.T, s store.Store) {
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.InsertOperation(ctx, pendingOp("dup", Epoch))
		return err
	})
	err := s.Update(context.Background(), func(tx store.Tx) error {
		_, err := tx.InsertOperation(context.Background(), pendingOp("dup", Epoch))
		return err
	})
	assert.Error(t, err)
}

func testOperationsFIFO(t *testing.T, s store.Store) {
	// Inserted out of order; "late" has the earliest seq but a later timestamp.
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		ops := []model.Operation{
			pendingOp("late", Epoch.Add(time.Second)),
			pendingOp("z-first", Epoch),
			pendingOp("a-second", Epoch),
		}
		for _, op := range ops {
			if _, err := tx.InsertOperation(ctx, op); err != nil {
				return err
			}
		}
		_, err := tx.TransitionOperation(ctx, "z-first", model.StatusSynced, Epoch, "")
		return err
	})

	view(t, s, func(ctx context.Context, tx store.ReadTx) error {
		all, err := tx.Operations(ctx, store.OperationFilter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"z-first", "a-second", "late"}, opIDs(all))

		pending, err := tx.Operations(ctx, store.OperationFilter{Status: model.StatusPending})
		require.NoError(t, err)
		assert.Equal(t, []string{"a-second", "late"}, opIDs(pending))

		first, err := tx.Operations(ctx, store.OperationFilter{Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"z-first"}, opIDs(first))

		n, err := tx.CountOperations(ctx, model.StatusSynced)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return nil
	})
}

func testTransitionMonotonic(t *testing.T, s store.Store) {
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.InsertOperation(ctx, pendingOp("op", Epoch))
		return err
	})

	var first, second, third bool
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		var err error
		if first, err = tx.TransitionOperation(ctx, "op", model.StatusSynced, Epoch.Add(time.Minute), ""); err != nil {
			return err
		}
		if second, err = tx.TransitionOperation(ctx, "op", model.StatusSynced, Epoch.Add(2*time.Minute), ""); err != nil {
			return err
		}
		third, err = tx.TransitionOperation(ctx, "op", model.StatusFailed, Epoch.Add(3*time.Minute), "late failure")
		return err
	})
	assert.True(t, first)
	assert.False(t, second)
	assert.False(t, third)

	view(t, s, func(ctx context.Context, tx store.ReadTx) error {
		op, err := tx.Operation(ctx, "op")
		require.NoError(t, err)
		assert.Equal(t, model.StatusSynced, op.Status)
		assert.Equal(t, Epoch.Add(time.Minute), op.UpdatedAt)
		assert.Empty(t, op.LastError)
		return nil
	})
}

func testTransitionUnknown(t *testing.T, s store.Store) {
	err := s.Update(context.Background(), func(tx store.Tx) error {
		_, err := tx.TransitionOperation(context.Background(), "ghost", model.StatusSynced, Epoch, "")
		return err
	})
	assert.True(t, fault.IsNotFound(err), "got %v", err)
}

func testTransitionToPending(t *testing.T, s store.Store) {
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.InsertOperation(ctx, pendingOp("op", Epoch))
		return err
	})
	err := s.Update(context.Background(), func(tx store.Tx) error {
		_, err := tx.TransitionOperation(context.Background(), "op", model.StatusPending, Epoch, "")
		return err
	})
	assert.True(t, fault.IsInvalid(err), "got %v", err)
}

func testRecordAttempt(t *testing.T, s store.Store) {
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.InsertOperation(ctx, pendingOp("op", Epoch))
		return err
	})
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		if err := tx.RecordAttempt(ctx, "op", "503 Service Unavailable", Epoch.Add(time.Second)); err != nil {
			return err
		}
		return tx.RecordAttempt(ctx, "op", "connection refused", Epoch.Add(2*time.Second))
	})
	view(t, s, func(ctx context.Context, tx store.ReadTx) error {
		op, err := tx.Operation(ctx, "op")
		require.NoError(t, err)
		assert.Equal(t, 2, op.Attempts)
		assert.Equal(t, "connection refused", op.LastError)
		assert.Equal(t, model.StatusPending, op.Status)
		assert.Equal(t, Epoch.Add(2*time.Second), op.UpdatedAt)
		return nil
	})

	err := s.Update(context.Background(), func(tx store.Tx) error {
		return tx.RecordAttempt(context.Background(), "ghost", "x", Epoch)
	})
	assert.True(t, fault.IsNotFound(err))
}

func testSyncState(t *testing.T, s store.Store) {
	view(t, s, func(ctx context.Context, tx store.ReadTx) error {
		_, err := tx.SyncState(ctx, model.StateBundleHash)
		assert.True(t, fault.IsNotFound(err))
		return nil
	})
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		if err := tx.PutSyncState(ctx, model.StateBundleHash, "abc", Epoch); err != nil {
			return err
		}
		return tx.PutSyncState(ctx, model.StateBundleHash, "def", Epoch)
	})
	view(t, s, func(ctx context.Context, tx store.ReadTx) error {
		v, err := tx.SyncState(ctx, model.StateBundleHash)
		require.NoError(t, err)
		assert.Equal(t, "def", v)
		return nil
	})
}

func testUpdateRollback(t *testing.T, s store.Store) {
	boom := errors.New("boom")
	err := s.Update(context.Background(), func(tx store.Tx) error {
		ctx := context.Background()
		if err := tx.PutRecord(ctx, record(t, model.KindSite, "s1", "Refinery A")); err != nil {
			return err
		}
		if err := tx.PutBlueprint(ctx, model.Blueprint{Name: "incidents", Version: 1, Data: "{}", UpdatedAt: Epoch}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	view(t, s, func(ctx context.Context, tx store.ReadTx) error {
		n, err := tx.CountRecords(ctx, "")
		require.NoError(t, err)
		assert.Zero(t, n)
		n, err = tx.CountBlueprints(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		return nil
	})
}

func testUpdateCancelled(t *testing.T, s store.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	err := s.Update(ctx, func(tx store.Tx) error {
		cancel()
		return tx.PutRecord(context.Background(), record(t, model.KindSite, "s1", "Refinery A"))
	})
	assert.Error(t, err)

	view(t, s, func(ctx context.Context, tx store.ReadTx) error {
		n, err := tx.CountRecords(ctx, "")
		require.NoError(t, err)
		assert.Zero(t, n)
		return nil
	})
}

func testGeneration(t *testing.T, s store.Store) {
	g0 := s.Generation()
	_ = s.Update(context.Background(), func(store.Tx) error { return errors.New("abort") })
	assert.Equal(t, g0, s.Generation())

	update(t, s, func(ctx context.Context, tx store.Tx) error {
		return tx.PutRecord(ctx, record(t, model.KindSite, "s1", "Refinery A"))
	})
	assert.Greater(t, s.Generation(), g0)
}

func testConcurrentInserts(t *testing.T, s store.Store) {
	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a'+i)) + "-op"
			errs <- s.Update(context.Background(), func(tx store.Tx) error {
				_, err := tx.InsertOperation(context.Background(), pendingOp(id, Epoch))
				return err
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	view(t, s, func(ctx context.Context, tx store.ReadTx) error {
		ops, err := tx.Operations(ctx, store.OperationFilter{})
		require.NoError(t, err)
		require.Len(t, ops, writers)
		seen := make(map[int64]bool)
		for i, op := range ops {
			assert.False(t, seen[op.Seq], "duplicate seq %d", op.Seq)
			seen[op.Seq] = true
			if i > 0 {
				assert.Less(t, ops[i-1].Seq, op.Seq)
			}
		}
		return nil
	})
}

func testSnapshot(t *testing.T, s store.Store) {
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		if err := tx.PutBlueprint(ctx, model.Blueprint{Name: "incidents", Version: 1, Data: "{}", UpdatedAt: Epoch}); err != nil {
			return err
		}
		if err := tx.PutRecord(ctx, record(t, model.KindSite, "s1", "Refinery A")); err != nil {
			return err
		}
		if _, err := tx.InsertOperation(ctx, pendingOp("op", Epoch)); err != nil {
			return err
		}
		return tx.PutSyncState(ctx, model.StateServerTimestamp, "2025-03-01T09:00:00Z", Epoch)
	})

	snap, err := store.TakeSnapshot(context.Background(), s)
	require.NoError(t, err)
	assert.Len(t, snap.Blueprints, 1)
	assert.Len(t, snap.Records, 1)
	assert.Len(t, snap.Operations, 1)
	assert.Equal(t, map[string]string{model.StateServerTimestamp: "2025-03-01T09:00:00Z"}, snap.SyncState)

	dump, err := Dump(snap)
	require.NoError(t, err)
	assert.Contains(t, string(dump), `{"data":"{}","module_name":"incidents","updated_at":"2025-03-01T09:30:00.000000000Z","version":1}`)
	assert.Contains(t, string(dump), "server_timestamp=2025-03-01T09:00:00Z\n")
}

func testClosed(t *testing.T, s store.Store) {
	require.NoError(t, s.Close())

	err := s.View(context.Background(), func(tx store.ReadTx) error {
		_, err := tx.CountRecords(context.Background(), "")
		return err
	})
	assert.True(t, fault.IsStorage(err), "got %v", err)

	err = s.Update(context.Background(), func(tx store.Tx) error {
		return tx.PutRecord(context.Background(), record(t, model.KindSite, "s1", "x"))
	})
	assert.True(t, fault.IsStorage(err), "got %v", err)
}

func ids(records []model.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

func opIDs(ops []model.Operation) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.ID
	}
	return out
}
