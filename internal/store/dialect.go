package store

import (
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// rebind rewrites ? placeholders into $n for postgres. Queries in this package
// never contain literal question marks.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var builder strings.Builder
	builder.Grow(len(query) + 8)
	position := 0
	for _, r := range query {
		if r == '?' {
			position++
			builder.WriteByte('$')
			builder.WriteString(strconv.Itoa(position))
			continue
		}
		builder.WriteRune(r)
	}
	return builder.String()
}

func (d Dialect) schema() []string {
	idColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	boolColumn := "INTEGER NOT NULL DEFAULT 1"
	intColumn := "INTEGER"
	if d == DialectPostgres {
		idColumn = "id BIGSERIAL PRIMARY KEY"
		boolColumn = "BOOLEAN NOT NULL DEFAULT TRUE"
		intColumn = "BIGINT"
	}

	// Timestamps stay TEXT on both dialects so a corrupt last_check is stored verbatim.
	return []string{
		`CREATE TABLE IF NOT EXISTS agents (
			` + idColumn + `,
			name TEXT NOT NULL UNIQUE,
			description TEXT,
			role TEXT,
			goal TEXT,
			tools TEXT,
			schedule TEXT NOT NULL,
			schedule_time TEXT,
			command TEXT NOT NULL,
			args TEXT NOT NULL,
			timeout ` + intColumn + ` NOT NULL,
			config_json TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			is_active ` + boolColumn + `
		)`,
		`CREATE TABLE IF NOT EXISTS agent_logs (
			` + idColumn + `,
			agent_id ` + intColumn + ` NOT NULL,
			agent_name TEXT NOT NULL,
			event_type TEXT NOT NULL,
			message TEXT NOT NULL,
			details TEXT,
			timestamp TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS event_handlers (
			` + idColumn + `,
			name TEXT NOT NULL UNIQUE,
			event_type TEXT NOT NULL,
			url TEXT,
			interval_seconds ` + intColumn + ` NOT NULL,
			last_check TEXT,
			is_active ` + boolColumn + `,
			config_json TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_created_at ON agents (created_at DESC, id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_logs_agent_timestamp ON agent_logs (agent_id, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_logs_timestamp ON agent_logs (timestamp DESC, id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_event_handlers_active ON event_handlers (is_active, id)`,
	}
}

func isConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintForeignKey:
			return true
		}
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation || pgErr.Code == pgForeignKeyViolation
	}
	return false
}
