package database

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nearline/nlds/pkg/config"
)

// Open opens the database selected by engine and options and applies the
// given schema. The {{serial}} token in the schema is replaced with the
// engine's auto-increment primary key type. Supported engines are
// "sqlite" (db_name is a file path, empty for in-memory) and "postgres"
// (db_name carries the DSN).
func Open(engine string, opts config.DBOptions, schema string) (*sql.DB, error) {
	var db *sql.DB
	var serial string
	var err error
	switch engine {
	case "sqlite", "sqlite3", "":
		dsn := opts.DBName
		if dsn == "" {
			dsn = ":memory:"
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_foreign_keys=on"
		}
		db, err = sql.Open("sqlite3", dsn)
		serial = "INTEGER PRIMARY KEY AUTOINCREMENT"
		if err == nil && strings.HasPrefix(dsn, ":memory:") {
			// Every pooled connection would otherwise get its own
			// private in-memory database.
			db.SetMaxOpenConns(1)
		}
	case "postgres", "postgresql":
		db, err = sql.Open("postgres", opts.DBName)
		serial = "BIGSERIAL PRIMARY KEY"
	default:
		return nil, fmt.Errorf("unsupported db_engine: %s", engine)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", engine, err)
	}
	ddl := strings.ReplaceAll(schema, "{{serial}}", serial)
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

// NeedsRebind reports whether the engine uses "$n" placeholders.
func NeedsRebind(engine string) bool {
	return engine == "postgres" || engine == "postgresql"
}

// Rebind converts "?" placeholders to "$n".
func Rebind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// IsUniqueViolation matches the unique-constraint errors of both drivers.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
