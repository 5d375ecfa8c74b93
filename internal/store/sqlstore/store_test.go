package sqlstore

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/fault"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/store/storetest"
)

// createTestStore opens a fresh SQLite store in a temp directory.
func createTestStore(t *testing.T, driver string) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(context.Background(), driver, path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConformance_SQLite3(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return createTestStore(t, DriverSQLite3)
	})
}

func TestConformance_PureGoSQLite(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return createTestStore(t, DriverSQLite)
	})
}

// TestConformance_Postgres runs only when FIELDSYNC_TEST_PG_DSN points at a
// disposable database.
func TestConformance_Postgres(t *testing.T) {
	dsn := os.Getenv("FIELDSYNC_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("FIELDSYNC_TEST_PG_DSN not set")
	}
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(context.Background(), DriverPostgres, dsn)
		require.NoError(t, err)
		for _, table := range []string{"blueprints", "foundation_data", "op_log", "sync_state"} {
			_, err := s.DB().Exec("TRUNCATE " + table)
			require.NoError(t, err)
		}
		return s
	})
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "test.db")

	s, err := Open(context.Background(), DriverSQLite3, path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(context.Background(), DriverSQLite3, path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(context.Background(), DriverSQLite3, path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	tables := []string{"blueprints", "foundation_data", "op_log", "sync_state"}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_RecordsMigrationVersion(t *testing.T) {
	s := createTestStore(t, DriverSQLite3)

	var (
		version int
		dirty   bool
	)
	err := s.db.QueryRow("SELECT version, dirty FROM schema_migrations").Scan(&version, &dirty)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.False(t, dirty)
}

func TestOpen_UpgradesV1Database(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v1.db")
	d := dialects[DriverSQLite3]

	src, err := iofs.New(migrationsFS, d.migrationsDir)
	require.NoError(t, err)
	m, err := migrate.NewWithSourceInstance("iofs", src, d.migrateURL(path))
	require.NoError(t, err)
	require.NoError(t, m.Migrate(1))
	srcErr, dbErr := m.Close()
	require.NoError(t, srcErr)
	require.NoError(t, dbErr)

	legacy, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = legacy.Exec(`INSERT INTO op_log (id, operation, payload, status, created_at, seq)
		VALUES ('old', 'CREATE_RECORD', '{}', 'PENDING', '2024-12-31T23:00:00.000000000Z', 1)`)
	require.NoError(t, err)
	require.NoError(t, legacy.Close())

	s, err := Open(context.Background(), DriverSQLite3, path)
	require.NoError(t, err)
	defer s.Close()

	err = s.View(context.Background(), func(tx store.ReadTx) error {
		op, err := tx.Operation(context.Background(), "old")
		require.NoError(t, err)
		assert.Equal(t, op.CreatedAt, op.UpdatedAt)
		assert.Equal(t, 0, op.Attempts)
		return nil
	})
	require.NoError(t, err)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "x")
	assert.True(t, fault.IsInvalid(err), "got %v", err)
}

func TestOpen_EmptyDSN(t *testing.T) {
	_, err := Open(context.Background(), DriverSQLite3, "")
	assert.True(t, fault.IsInvalid(err), "got %v", err)
}

func TestOpen_UnwritablePath(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	_, err := Open(context.Background(), DriverSQLite3, filepath.Join(blocker, "test.db"))
	assert.True(t, fault.IsStorage(err), "got %v", err)
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

func TestDB_ReturnsUnderlyingConnection(t *testing.T) {
	s := createTestStore(t, DriverSQLite3)

	db := s.DB()
	if db == nil {
		t.Fatal("DB() returned nil")
	}
	if err := db.Ping(); err != nil {
		t.Errorf("DB() connection not usable: %v", err)
	}
	assert.Equal(t, "sqlite3", s.Driver())
}

// Pragma tests

func TestPragmas(t *testing.T) {
	for _, driver := range []string{DriverSQLite3, DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			s := createTestStore(t, driver)
			checks := []struct{ name, want string }{
				{"journal_mode", "wal"},
				{"synchronous", "1"}, // NORMAL
				{"busy_timeout", "5000"},
				{"foreign_keys", "1"},
			}
			for _, c := range checks {
				if err := s.verifyPragma(c.name, c.want); err != nil {
					t.Error(err)
				}
			}
		})
	}
}

func TestReopen_PreservesRowsAndSeq(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := Open(ctx, DriverSQLite3, path)
	require.NoError(t, err)
	var firstSeq int64
	err = s.Update(ctx, func(tx store.Tx) error {
		var err error
		firstSeq, err = tx.InsertOperation(ctx, storetestOp("a"))
		return err
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, DriverSQLite3, path)
	require.NoError(t, err)
	defer s.Close()

	var secondSeq int64
	err = s.Update(ctx, func(tx store.Tx) error {
		var err error
		secondSeq, err = tx.InsertOperation(ctx, storetestOp("b"))
		return err
	})
	require.NoError(t, err)
	assert.Greater(t, secondSeq, firstSeq)
}
