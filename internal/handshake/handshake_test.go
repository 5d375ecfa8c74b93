package handshake

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/fault"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/oplog"
	"github.com/roach88/fieldsync/internal/search"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/testutil"
)

func newLinker(t *testing.T, s store.Store) (*Linker, *oplog.Log) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		r, err := model.NewRecord(model.KindSite, map[string]any{"id": "s1", "name": "Refinery A"})
		if err != nil {
			return err
		}
		return tx.PutRecord(ctx, r)
	}))
	ops := oplog.New(s, oplog.WithIDGenerator(model.NewFixedGenerator("link-1", "link-2")))
	return New(search.New(s), ops, nil), ops
}

func TestLink_RecordsPendingOperation(t *testing.T) {
	for name, s := range testutil.Engines(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l, ops := newLinker(t, s)

			id, err := l.Link(ctx, "incident-7", "s1", map[string]any{"relation": "occurred_at", "target_id": "spoofed"})
			require.NoError(t, err)
			assert.Equal(t, "link-1", id)

			op, err := ops.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, model.OpLinkEntity, op.Kind)
			assert.Equal(t, model.StatusPending, op.Status)
			assert.Equal(t,
				`{"relation":"occurred_at","source_id":"incident-7","target_id":"s1","target_kind":"site"}`,
				op.Payload)
		})
	}
}

func TestLink_UnknownTargetRecordsNothing(t *testing.T) {
	for name, s := range testutil.Engines(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l, ops := newLinker(t, s)

			_, err := l.Link(ctx, "incident-7", "ghost", nil)
			require.Error(t, err)
			assert.True(t, fault.IsNotFound(err))

			pending, err := ops.ListPending(ctx)
			require.NoError(t, err)
			assert.Empty(t, pending)
		})
	}
}

func TestLink_RequiresIDs(t *testing.T) {
	l, _ := newLinker(t, testutil.Engines(t)["memstore"])
	_, err := l.Link(context.Background(), "", "s1", nil)
	assert.True(t, fault.IsInvalid(err))
	_, err = l.Link(context.Background(), "x", " ", nil)
	assert.True(t, fault.IsInvalid(err))
}
