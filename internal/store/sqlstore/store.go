package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/roach88/fieldsync/internal/fault"
	"github.com/roach88/fieldsync/internal/store"
)

//go:embed migrations
var migrationsFS embed.FS

// Compile-time contract assertion.
var _ store.Store = (*Store)(nil)

// Store is a database/sql backed store.Store.
type Store struct {
	db         *sql.DB
	d          dialect
	log        *zap.Logger
	generation atomic.Uint64
}

// Option configures Open.
type Option func(*Store)

// WithLogger routes migration progress and diagnostics to logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.log = logger
		}
	}
}

// Open creates or opens a database and brings its schema up to date.
//
// For the SQLite drivers dsn is a file path; its directory is created if
// needed. For pgx dsn must be a postgres:// URL.
//
// This function is idempotent - safe to call multiple times.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	d, err := lookupDialect(driver)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInvalid, "sqlstore.open", err)
	}
	if dsn == "" {
		return nil, fault.New(fault.CodeInvalid, "sqlstore.open", "empty dsn")
	}

	s := &Store{d: d, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}

	if d.sqlite && !strings.HasPrefix(dsn, "file:") {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fault.Storage("sqlstore.open", fmt.Errorf("create data dir: %w", err))
			}
		}
	}

	// Migrations run on their own connection, which golang-migrate closes.
	if err := s.migrate(dsn); err != nil {
		return nil, fault.Storage("sqlstore.open", fmt.Errorf("apply migrations: %w", err))
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fault.Storage("sqlstore.open", fmt.Errorf("open database: %w", err))
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fault.Storage("sqlstore.open", fmt.Errorf("connect to database: %w", err))
	}

	if d.sqlite {
		// SQLite only supports one writer at a time
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if err := applyPragmas(ctx, db); err != nil {
			db.Close()
			return nil, fault.Storage("sqlstore.open", fmt.Errorf("apply pragmas: %w", err))
		}
	}

	s.db = db
	s.log.Debug("store opened", zap.String("driver", d.driver))
	return s, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(dsn string) error {
	src, err := iofs.New(migrationsFS, s.d.migrationsDir)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, s.d.migrateURL(dsn))
	if err != nil {
		return err
	}
	m.Log = migrateLogger{s.log.Sugar()}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// migrateLogger adapts zap to migrate.Logger.
type migrateLogger struct {
	log *zap.SugaredLogger
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.log.Debugf(strings.TrimSuffix(format, "\n"), v...)
}

func (l migrateLogger) Verbose() bool { return false }

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer the store.Tx methods.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Driver returns the database/sql driver name in use.
func (s *Store) Driver() string {
	return s.d.driver
}

// Generation implements store.Store.
func (s *Store) Generation() uint64 {
	return s.generation.Load()
}

// View implements store.Store.
func (s *Store) View(ctx context.Context, fn func(store.ReadTx) error) error {
	opts := &sql.TxOptions{}
	if !s.d.sqlite {
		opts.Isolation = sql.LevelRepeatableRead
		opts.ReadOnly = true
	}
	sqlTx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fault.Storage("store.view", fmt.Errorf("begin: %w", err))
	}
	defer sqlTx.Rollback() // read-only; never committed

	return fn(&tx{tx: sqlTx, d: s.d})
}

// Update implements store.Store. Errors returned by fn are passed through
// unchanged after the rollback.
func (s *Store) Update(ctx context.Context, fn func(store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Storage("store.update", fmt.Errorf("begin: %w", err))
	}
	defer sqlTx.Rollback() // No-op if committed

	if err := fn(&tx{tx: sqlTx, d: s.d}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fault.Storage("store.update", err)
	}
	if err := sqlTx.Commit(); err != nil {
		return fault.Storage("store.update", fmt.Errorf("commit: %w", err))
	}
	s.generation.Add(1)
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow("PRAGMA " + name).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
