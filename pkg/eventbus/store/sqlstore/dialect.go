package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/randalmurphal/eventbus/pkg/eventbus/store"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// dialect isolates the SQL differences between engines. Queries are written
// with "?" placeholders and rebound per dialect.
type dialect interface {
	name() string

	// normalizeDSN validates dsn and returns the form passed to sql.Open.
	normalizeDSN(dsn string) (string, error)

	// configure applies pool limits and session settings after open.
	configure(ctx context.Context, db *sql.DB, mode store.DurabilityMode, logger *slog.Logger) error

	rebind(query string) string

	// skipLocked is appended to a SELECT to skip rows other transactions hold.
	skipLocked() string

	// inClause returns "col IN (...)" or an equivalent with its arguments.
	inClause(col string, values []string) (string, []any)

	// insertIgnore returns an INSERT that silently does nothing on a
	// primary-key conflict.
	insertIgnore(table string, cols []string) string

	// upsert returns an INSERT that updates the listed columns when the
	// conflict columns already exist.
	upsert(table string, cols, conflict, update []string) string

	schema(t tables, mode store.DurabilityMode) []string
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverSQLite, "sqlite3", "":
		return sqliteDialect{}, nil
	case DriverPostgres, "postgresql", "pq":
		return postgresDialect{}, nil
	case DriverMySQL:
		return mysqlDialect{}, nil
	}
	return nil, fmt.Errorf("unsupported driver %q", driver)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func genericInClause(col string, values []string) (string, []any) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return fmt.Sprintf("%s IN (%s)", col, placeholders(len(values))), args
}

func insertColumns(table string, cols []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), placeholders(len(cols)))
}

func onConflictUpsert(table string, cols, conflict, update []string) string {
	sets := make([]string, len(update))
	for i, c := range update {
		sets[i] = fmt.Sprintf("%s = excluded.%s", c, c)
	}
	return fmt.Sprintf("%s ON CONFLICT (%s) DO UPDATE SET %s",
		insertColumns(table, cols), strings.Join(conflict, ", "), strings.Join(sets, ", "))
}

// SQLite

type sqliteDialect struct{}

func (sqliteDialect) name() string { return DriverSQLite }

func (sqliteDialect) normalizeDSN(dsn string) (string, error) {
	if dsn == "" {
		return "", fmt.Errorf("sqlite: empty path")
	}
	return dsn, nil
}

func (sqliteDialect) configure(ctx context.Context, db *sql.DB, mode store.DurabilityMode, _ *slog.Logger) error {
	// One connection: SQLite serialises writers anyway, and ":memory:"
	// databases live and die with their connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{"PRAGMA busy_timeout=5000"}
	switch mode {
	case store.DurabilityFast:
		pragmas = append(pragmas, "PRAGMA journal_mode=MEMORY", "PRAGMA synchronous=OFF")
	default:
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL", "PRAGMA synchronous=FULL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (sqliteDialect) rebind(q string) string { return q }
func (sqliteDialect) skipLocked() string     { return "" }

func (sqliteDialect) inClause(col string, values []string) (string, []any) {
	return genericInClause(col, values)
}

func (sqliteDialect) insertIgnore(table string, cols []string) string {
	return insertColumns(table, cols) + " ON CONFLICT DO NOTHING"
}

func (sqliteDialect) upsert(table string, cols, conflict, update []string) string {
	return onConflictUpsert(table, cols, conflict, update)
}

// PostgreSQL

type postgresDialect struct{}

func (postgresDialect) name() string { return DriverPostgres }

func (postgresDialect) normalizeDSN(dsn string) (string, error) {
	if dsn == "" {
		return "", fmt.Errorf("postgres: empty dsn")
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		kv, err := pq.ParseURL(dsn)
		if err != nil {
			return "", fmt.Errorf("postgres: %w", err)
		}
		return kv, nil
	}
	return dsn, nil
}

func (postgresDialect) configure(context.Context, *sql.DB, store.DurabilityMode, *slog.Logger) error {
	return nil
}

func (postgresDialect) rebind(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (postgresDialect) skipLocked() string { return " FOR UPDATE SKIP LOCKED" }

func (postgresDialect) inClause(col string, values []string) (string, []any) {
	return col + " = ANY(?)", []any{pq.Array(values)}
}

func (postgresDialect) insertIgnore(table string, cols []string) string {
	return insertColumns(table, cols) + " ON CONFLICT DO NOTHING"
}

func (postgresDialect) upsert(table string, cols, conflict, update []string) string {
	return onConflictUpsert(table, cols, conflict, update)
}

// MySQL

type mysqlDialect struct{}

func (mysqlDialect) name() string { return DriverMySQL }

func (mysqlDialect) normalizeDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("mysql: %w", err)
	}
	// Conditional updates report matched rows, not changed rows.
	cfg.ClientFoundRows = true
	return cfg.FormatDSN(), nil
}

func (mysqlDialect) configure(_ context.Context, _ *sql.DB, mode store.DurabilityMode, logger *slog.Logger) error {
	if mode == store.DurabilityFast && logger != nil {
		logger.Warn("mysql has no unlogged tables, using durable mode")
	}
	return nil
}

func (mysqlDialect) rebind(q string) string { return q }
func (mysqlDialect) skipLocked() string     { return " FOR UPDATE SKIP LOCKED" }

func (mysqlDialect) inClause(col string, values []string) (string, []any) {
	return genericInClause(col, values)
}

func (mysqlDialect) insertIgnore(table string, cols []string) string {
	return strings.Replace(insertColumns(table, cols), "INSERT INTO", "INSERT IGNORE INTO", 1)
}

func (mysqlDialect) upsert(table string, cols, _, update []string) string {
	sets := make([]string, len(update))
	for i, c := range update {
		sets[i] = fmt.Sprintf("%s = VALUES(%s)", c, c)
	}
	return fmt.Sprintf("%s ON DUPLICATE KEY UPDATE %s", insertColumns(table, cols), strings.Join(sets, ", "))
}
