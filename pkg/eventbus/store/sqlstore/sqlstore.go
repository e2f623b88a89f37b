// Package sqlstore implements store.Store on database/sql for SQLite,
// PostgreSQL, and MySQL.
//
// Claims use lease columns (locked_by, locked_until) on the events table.
// On PostgreSQL and MySQL the batch claim selects with FOR UPDATE SKIP
// LOCKED so concurrent reconcilers skip each other's rows instead of
// waiting. SQLite serialises writers, and every lease update is guarded by
// a conditional WHERE so the outcome is the same.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/eventbus/pkg/eventbus/store"
)

// Config configures a SQL store.
type Config struct {
	// Driver is one of "sqlite", "postgres", "mysql".
	// Default: sqlite
	Driver string

	// DSN is the data source name; a file path or ":memory:" for SQLite.
	DSN string

	// Durability selects fast (unlogged, relaxed fsync) or durable tables.
	// Default: durable
	Durability store.DurabilityMode

	// TablePrefix prefixes every table name.
	// Default: "bus_"
	TablePrefix string

	// MaxOpenConns limits the pool on PostgreSQL and MySQL.
	// Default: 0 (unlimited). SQLite always uses one connection.
	MaxOpenConns int

	// Logger receives warnings. Nil means silent.
	Logger *slog.Logger
}

// Store persists events, subscriptions, and handler records in SQL.
type Store struct {
	db      *sql.DB
	dialect dialect
	tables  tables
	config  Config
	closed  atomic.Bool
}

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Open connects to the configured database and applies session settings.
// It does not create tables; call Migrate.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	dsn, err := d.normalizeDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.name(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s, err := New(ctx, db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle. The store takes ownership of db.
func New(ctx context.Context, db *sql.DB, cfg Config) (*Store, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if cfg.Driver == "" {
		cfg.Driver = d.name()
	}
	if cfg.TablePrefix == "" {
		cfg.TablePrefix = DefaultTablePrefix
	}
	if cfg.Durability == "" {
		cfg.Durability = store.DurabilityDurable
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := d.configure(ctx, db, cfg.Durability, cfg.Logger); err != nil {
		return nil, fmt.Errorf("configure %s: %w", d.name(), err)
	}

	return &Store{
		db:      db,
		dialect: d,
		tables:  newTables(cfg.TablePrefix),
		config:  cfg,
	}, nil
}

// DB returns the underlying handle, for notifiers that share the connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Driver returns the dialect name.
func (s *Store) Driver() string {
	return s.dialect.name()
}

// Migrate implements store.Store.
func (s *Store) Migrate(ctx context.Context) error {
	if s.closed.Load() {
		return store.ErrStoreClosed
	}
	for _, stmt := range s.dialect.schema(s.tables, s.config.Durability) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return store.ErrStoreClosed
	}
	if err := s.db.PingContext(ctx); err != nil {
		return store.Unavailable("ping", err)
	}
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

// Schema returns the DDL statements Migrate runs, for review or external
// migration tools.
func (s *Store) Schema() []string {
	return s.dialect.schema(s.tables, s.config.Durability)
}

func (s *Store) q(query string) string {
	return s.dialect.rebind(query)
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ execer = (*sql.DB)(nil)
	_ execer = (*sql.Tx)(nil)
)

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Time columns hold unix microseconds.

func micros(t time.Time) int64 {
	return t.UnixMicro()
}

func nullMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMicro(), Valid: true}
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

func fromNullMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}
