package storetest

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

// Dump renders a snapshot as text: one canonical JSON line per row, grouped
// by table in the order rows are returned by the store. The output is
// byte-stable for identical store contents.
func Dump(snap store.Snapshot) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteString("# blueprints\n")
	for _, b := range snap.Blueprints {
		if err := dumpRow(&buf, map[string]any{
			"module_name": b.Name,
			"version":     b.Version,
			"data":        b.Data,
			"updated_at":  model.FormatTime(b.UpdatedAt),
		}); err != nil {
			return nil, err
		}
	}

	buf.WriteString("# foundation_data\n")
	for _, r := range snap.Records {
		if err := dumpRow(&buf, map[string]any{
			"id":            r.ID,
			"type":          string(r.Kind),
			"data":          r.Data,
			"search_vector": r.SearchVector,
		}); err != nil {
			return nil, err
		}
	}

	buf.WriteString("# op_log\n")
	for _, op := range snap.Operations {
		if err := dumpRow(&buf, map[string]any{
			"id":         op.ID,
			"operation":  string(op.Kind),
			"payload":    op.Payload,
			"status":     string(op.Status),
			"created_at": model.FormatTime(op.CreatedAt),
			"seq":        op.Seq,
			"attempts":   op.Attempts,
			"last_error": op.LastError,
		}); err != nil {
			return nil, err
		}
	}

	buf.WriteString("# sync_state\n")
	for _, key := range store.SyncStateKeys {
		if v, ok := snap.SyncState[key]; ok {
			fmt.Fprintf(&buf, "%s=%s\n", key, v)
		}
	}
	return buf.Bytes(), nil
}

func dumpRow(buf *bytes.Buffer, row map[string]any) error {
	line, err := model.Canonical(row)
	if err != nil {
		return err
	}
	buf.Write(line)
	buf.WriteByte('\n')
	return nil
}

// AssertGolden compares a dump of s against testdata/golden/{name}.golden.
//
// To regenerate golden files, run the calling package's tests with -update.
func AssertGolden(t *testing.T, name string, s store.Store) {
	t.Helper()

	snap, err := store.TakeSnapshot(context.Background(), s)
	require.NoError(t, err)
	dump, err := Dump(snap)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, dump)
}
