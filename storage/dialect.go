package storage

import (
	"fmt"
	"strings"
)

// Dialect abstracts the SQL syntax differences between SQLite and
// PostgreSQL so the same store code can run on either backend.
type Dialect interface {
	// Name returns the dialect name ("sqlite" or "postgres").
	Name() string

	// Placeholder returns the parameter placeholder for a 1-based index.
	Placeholder(index int) string

	// AutoIncrement returns the column clause for auto-incrementing
	// integer primary keys.
	AutoIncrement() string

	// TimestampType returns the column type for timestamps.
	TimestampType() string

	// BoolType returns the column type for booleans.
	BoolType() string

	// CurrentTimestamp returns the SQL expression for "now".
	CurrentTimestamp() string
}

// SQLiteDialect implements Dialect for SQLite.
type SQLiteDialect struct{}

func (SQLiteDialect) Name() string              { return "sqlite" }
func (SQLiteDialect) Placeholder(int) string    { return "?" }
func (SQLiteDialect) AutoIncrement() string     { return "INTEGER PRIMARY KEY AUTOINCREMENT" }
func (SQLiteDialect) TimestampType() string     { return "DATETIME" }
func (SQLiteDialect) BoolType() string          { return "INTEGER" }
func (SQLiteDialect) CurrentTimestamp() string  { return "CURRENT_TIMESTAMP" }

// PostgresDialect implements Dialect for PostgreSQL (pgx stdlib driver).
type PostgresDialect struct{}

func (PostgresDialect) Name() string             { return "postgres" }
func (PostgresDialect) Placeholder(i int) string { return fmt.Sprintf("$%d", i) }
func (PostgresDialect) AutoIncrement() string    { return "BIGSERIAL PRIMARY KEY" }
func (PostgresDialect) TimestampType() string    { return "TIMESTAMPTZ" }
func (PostgresDialect) BoolType() string         { return "BOOLEAN" }
func (PostgresDialect) CurrentTimestamp() string { return "NOW()" }

// rebind rewrites '?' placeholders into the dialect's native form.
// Queries in this package are written with '?' and rebound on use, so
// SQLite queries pass through untouched.
func rebind(d Dialect, query string) string {
	if d.Name() == "sqlite" {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString(d.Placeholder(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
