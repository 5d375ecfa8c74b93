package sqlstore

import (
	"fmt"
	"strconv"
	"strings"
)

// Driver names accepted by Open.
const (
	DriverSQLite3  = "sqlite3"
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// dialect captures the SQL differences between the supported engines.
type dialect struct {
	driver        string // database/sql driver name
	migrateScheme string // golang-migrate database URL scheme
	migrationsDir string // directory under migrations/
	positional    bool   // $1 placeholders instead of ?
	collate       string // binary collation clause for ORDER BY
	substringFn   string // function returning the 1-based position of a substring
	sqlite        bool
}

var dialects = map[string]dialect{
	DriverSQLite3: {
		driver:        "sqlite3",
		migrateScheme: "sqlite3",
		migrationsDir: "migrations/sqlite",
		collate:       "COLLATE BINARY",
		substringFn:   "instr",
		sqlite:        true,
	},
	DriverSQLite: {
		driver:        "sqlite",
		migrateScheme: "sqlite",
		migrationsDir: "migrations/sqlite",
		collate:       "COLLATE BINARY",
		substringFn:   "instr",
		sqlite:        true,
	},
	DriverPostgres: {
		driver:        "pgx",
		migrateScheme: "pgx5",
		migrationsDir: "migrations/postgres",
		positional:    true,
		collate:       `COLLATE "C"`,
		substringFn:   "strpos",
	},
}

func lookupDialect(driver string) (dialect, error) {
	if driver == "" {
		driver = DriverSQLite3
	}
	d, ok := dialects[driver]
	if !ok {
		return dialect{}, fmt.Errorf("unsupported driver %q (want %s, %s or %s)",
			driver, DriverSQLite3, DriverSQLite, DriverPostgres)
	}
	return d, nil
}

// rebind rewrites ? placeholders for engines that use positional ones.
// Queries in this package never contain a literal '?'.
func (d dialect) rebind(query string) string {
	if !d.positional {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// migrateURL builds the golang-migrate database URL for a DSN.
func (d dialect) migrateURL(dsn string) string {
	if d.positional {
		if i := strings.Index(dsn, "://"); i >= 0 {
			return d.migrateScheme + dsn[i:]
		}
		return d.migrateScheme + "://" + dsn
	}
	return d.migrateScheme + "://" + dsn
}
