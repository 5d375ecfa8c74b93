// Package testutil holds fixtures shared by component tests: a manual
// wall clock and ready-to-use store engines.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/store/memstore"
	"github.com/roach88/fieldsync/internal/store/sqlstore"
)

// SQLite opens a migrated SQLite store in a temp dir, closed on cleanup.
func SQLite(t *testing.T) *sqlstore.Store {
	t.Helper()
	s, err := sqlstore.Open(context.Background(), sqlstore.DriverSQLite3, filepath.Join(t.TempDir(), "fieldsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Engines returns one fresh store per engine, keyed by a subtest name.
func Engines(t *testing.T) map[string]store.Store {
	t.Helper()
	return map[string]store.Store{
		"memstore": memstore.New(),
		"sqlite":   SQLite(t),
	}
}
