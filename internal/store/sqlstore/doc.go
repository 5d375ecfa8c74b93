// Package sqlstore implements store.Store on database/sql.
//
// Three drivers are supported, selected by name:
//   - "sqlite3": github.com/mattn/go-sqlite3 (cgo, default)
//   - "sqlite":  modernc.org/sqlite (pure Go)
//   - "pgx":     github.com/jackc/pgx/v5 via its database/sql adapter
//
// # Database Configuration
//
// SQLite databases are opened with:
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON
//   - a single open connection, so writes are serialized in-process
//
// # Schema
//
// The schema is owned by golang-migrate. Migration files are embedded per
// dialect under migrations/ and applied on Open; re-opening an up-to-date
// database is a no-op.
//
// # Ordering
//
// Every multi-row query carries an explicit ORDER BY with a binary-collated
// id tiebreaker so results are identical across drivers.
package sqlstore
