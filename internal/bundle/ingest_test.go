package bundle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/fault"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/store/memstore"
	"github.com/roach88/fieldsync/internal/store/storetest"
	"github.com/roach88/fieldsync/internal/testutil"
)

func pinned(ts time.Time) model.NowFunc {
	return func() time.Time { return ts }
}

func mustParse(t *testing.T, raw string) *Bundle {
	t.Helper()
	b, err := Parse([]byte(raw))
	require.NoError(t, err)
	return b
}

func TestApply_IncidentsRefineryScenario(t *testing.T) {
	for name, s := range testutil.Engines(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := mustParse(t, `{
				"priority_1": {"blueprints": [{"name": "incidents", "fields": []}]},
				"priority_2": {"sites": [{"id": "s1", "name": "Refinery A"}], "assets": []}
			}`)

			res, err := NewIngester(s).Apply(ctx, b)
			require.NoError(t, err)
			assert.Equal(t, 1, res.Blueprints)
			assert.Equal(t, 1, res.Foundation[model.KindSite])
			assert.Equal(t, 0, res.Foundation[model.KindAsset])

			err = s.View(ctx, func(tx store.ReadTx) error {
				bps, err := tx.Blueprints(ctx)
				require.NoError(t, err)
				require.Len(t, bps, 1)
				assert.Equal(t, "incidents", bps[0].Name)
				assert.Equal(t, int64(1), bps[0].Version)

				r, err := tx.Record(ctx, "s1")
				require.NoError(t, err)
				assert.Equal(t, model.KindSite, r.Kind)
				assert.Equal(t, "refinery a", r.SearchVector)
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestApply_Idempotent(t *testing.T) {
	for name, s := range testutil.Engines(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := loadReference(t)

			_, err := NewIngester(s, WithNow(pinned(storetest.Epoch))).Apply(ctx, b)
			require.NoError(t, err)
			first, err := store.TakeSnapshot(ctx, s)
			require.NoError(t, err)

			// A later clock must not disturb unchanged rows.
			_, err = NewIngester(s, WithNow(pinned(storetest.Epoch.Add(time.Hour)))).Apply(ctx, b)
			require.NoError(t, err)
			second, err := store.TakeSnapshot(ctx, s)
			require.NoError(t, err)

			assert.Equal(t, first.Blueprints, second.Blueprints)
			assert.Equal(t, first.Records, second.Records)
			// Sync bookkeeping records every apply.
			assert.Equal(t, first.SyncState[model.StateBundleHash], second.SyncState[model.StateBundleHash])
			assert.NotEqual(t, first.SyncState[model.StateLastSuccessAt], second.SyncState[model.StateLastSuccessAt])
		})
	}
}

func TestApply_TierFailureLeavesStoreUntouched(t *testing.T) {
	for name, s := range testutil.Engines(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := NewIngester(s, WithNow(pinned(storetest.Epoch))).Apply(ctx, mustParse(t, `{
				"priority_1": {"blueprints": [{"name": "incidents", "version": 1}]},
				"priority_2": {"sites": [{"id": "s1", "name": "Old Yard"}]}
			}`))
			require.NoError(t, err)
			before, err := store.TakeSnapshot(ctx, s)
			require.NoError(t, err)

			// Assets are applied before sites; fail on the first site so tier 1
			// and part of tier 2 have already been written in the unit.
			diskFull := errors.New("disk I/O error")
			faulty := storetest.NewFaulty(s, func(c storetest.Call) error {
				if c.Method == "PutRecord" && c.Kind == model.KindSite {
					return diskFull
				}
				return nil
			})

			_, err = NewIngester(faulty, WithNow(pinned(storetest.Epoch.Add(time.Hour)))).Apply(ctx, loadReference(t))
			require.Error(t, err)
			assert.True(t, fault.IsStorage(err), "got %v", err)
			assert.ErrorIs(t, err, diskFull)

			methods := map[string]int{}
			for _, c := range faulty.Calls() {
				methods[c.Method]++
			}
			assert.Equal(t, 2, methods["PutBlueprint"], "tier 1 ran")
			assert.Equal(t, 4, methods["PutRecord"], "action item, two assets, failing site")
			assert.Zero(t, methods["PutSyncState"])

			after, err := store.TakeSnapshot(ctx, s)
			require.NoError(t, err)
			assert.Equal(t, before, after)
		})
	}
}

func TestApply_VersionGate(t *testing.T) {
	ctx := context.Background()
	newer := mustParse(t, `{"priority_1":{"blueprints":[{"name":"incidents","version":3}]},"priority_2":{}}`)
	older := mustParse(t, `{"priority_1":{"blueprints":[{"name":"incidents","version":2}]},"priority_2":{}}`)

	t.Run("gated", func(t *testing.T) {
		s := memstore.New()
		in := NewIngester(s, WithVersionGate(true))
		_, err := in.Apply(ctx, newer)
		require.NoError(t, err)

		res, err := in.Apply(ctx, older)
		require.NoError(t, err)
		assert.Equal(t, []string{"incidents"}, res.Skipped)
		assert.Equal(t, int64(3), blueprintVersionIn(t, s, "incidents"))
	})

	t.Run("last pull wins", func(t *testing.T) {
		s := memstore.New()
		in := NewIngester(s)
		_, err := in.Apply(ctx, newer)
		require.NoError(t, err)

		res, err := in.Apply(ctx, older)
		require.NoError(t, err)
		assert.Empty(t, res.Skipped)
		assert.Equal(t, int64(2), blueprintVersionIn(t, s, "incidents"))
	})
}

func blueprintVersionIn(t *testing.T, s store.Store, name string) int64 {
	t.Helper()
	var v int64
	err := s.View(context.Background(), func(tx store.ReadTx) error {
		b, err := tx.Blueprint(context.Background(), name)
		v = b.Version
		return err
	})
	require.NoError(t, err)
	return v
}

func TestApply_WritesSyncState(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	b := loadReference(t)

	res, err := NewIngester(s, WithNow(pinned(storetest.Epoch))).Apply(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, referenceHash, res.Hash)
	assert.Equal(t, 7, res.Records())

	snap, err := store.TakeSnapshot(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		model.StateBundleHash:      referenceHash,
		model.StateServerTimestamp: "2025-03-01T09:00:00.000000",
		model.StateLastSuccessAt:   "2025-03-01T09:30:00.000000000Z",
	}, snap.SyncState)
}

func TestApply_CancelledContextWritesNothing(t *testing.T) {
	s := memstore.New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewIngester(s).Apply(ctx, loadReference(t))
	require.Error(t, err)
	assert.True(t, fault.IsTransport(err), "got %v", err)

	snap, err := store.TakeSnapshot(context.Background(), s)
	require.NoError(t, err)
	assert.Empty(t, snap.Records)
}

func TestApply_ReferenceBundleGolden(t *testing.T) {
	for name, s := range testutil.Engines(t) {
		t.Run(name, func(t *testing.T) {
			_, err := NewIngester(s, WithNow(pinned(storetest.Epoch))).Apply(context.Background(), loadReference(t))
			require.NoError(t, err)
			storetest.AssertGolden(t, "reference_bundle", s)
		})
	}
}
