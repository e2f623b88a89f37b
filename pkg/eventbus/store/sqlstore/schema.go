package sqlstore

import (
	"fmt"
	"strings"

	"github.com/randalmurphal/eventbus/pkg/eventbus/store"
)

// DefaultTablePrefix prefixes every table the store creates.
const DefaultTablePrefix = "bus_"

// tables holds the fully-qualified table names.
type tables struct {
	events        string
	subscriptions string
	records       string
	archive       string
}

func newTables(prefix string) tables {
	return tables{
		events:        prefix + "events",
		subscriptions: prefix + "subscriptions",
		records:       prefix + "handler_records",
		archive:       prefix + "event_archive",
	}
}

// columnTypes maps logical column types to engine types.
type columnTypes struct {
	id, str, text, blob, bigint, integer string
}

// Timestamps are stored as BIGINT unix microseconds on every engine.
func commonSchema(t tables, ct columnTypes, createEvents, suffix string) []string {
	return []string{
		fmt.Sprintf(`%s %s (
			id %s PRIMARY KEY,
			event_type %s NOT NULL,
			event_source %s NOT NULL,
			payload %s,
			tenant_id %s NOT NULL,
			company_id %s NOT NULL,
			user_id %s NOT NULL,
			status %s NOT NULL,
			retry_count %s NOT NULL,
			max_retries %s NOT NULL,
			created_at %s NOT NULL,
			processed_at %s,
			expires_at %s NOT NULL,
			error_message %s NOT NULL,
			locked_by %s NOT NULL,
			locked_until %s
		)%s`, createEvents, t.events,
			ct.id, ct.str, ct.str, ct.blob, ct.str, ct.str, ct.str, ct.str,
			ct.integer, ct.integer, ct.bigint, ct.bigint, ct.bigint, ct.text, ct.str, ct.bigint,
			suffix),

		fmt.Sprintf(`%s %s (
			id %s PRIMARY KEY,
			subscriber_name %s NOT NULL,
			handler_name %s NOT NULL,
			pattern %s NOT NULL,
			tenant_id %s NOT NULL,
			filter_expr %s NOT NULL,
			is_active %s NOT NULL,
			priority %s NOT NULL,
			delivery_mode %s NOT NULL,
			max_retry_attempts %s NOT NULL,
			retry_delay_ms %s NOT NULL,
			callback_address %s NOT NULL,
			created_at %s NOT NULL,
			updated_at %s NOT NULL,
			UNIQUE (subscriber_name, handler_name)
		)%s`, createEvents, t.subscriptions,
			ct.id, ct.str, ct.str, ct.str, ct.str, ct.text, ct.integer, ct.integer, ct.str,
			ct.integer, ct.bigint, ct.text, ct.bigint, ct.bigint,
			suffix),

		fmt.Sprintf(`%s %s (
			event_id %s NOT NULL,
			subscription_id %s NOT NULL,
			status %s NOT NULL,
			retry_count %s NOT NULL,
			started_at %s,
			completed_at %s,
			error_message %s NOT NULL,
			next_attempt_at %s NOT NULL,
			PRIMARY KEY (event_id, subscription_id)
		)%s`, createEvents, t.records,
			ct.id, ct.id, ct.str, ct.integer, ct.bigint, ct.bigint, ct.text, ct.bigint,
			suffix),

		// The archive is always a logged table.
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			event_id %s PRIMARY KEY,
			event_type %s NOT NULL,
			tenant_id %s NOT NULL,
			status %s NOT NULL,
			processed_at %s,
			archived_at %s NOT NULL,
			body %s NOT NULL
		)%s`, t.archive,
			ct.id, ct.str, ct.str, ct.str, ct.bigint, ct.bigint, ct.blob,
			suffix),
	}
}

func indexes(t tables) [][2]string {
	return [][2]string{
		{t.events + "_status_created_idx", t.events + "(status, created_at)"},
		{t.events + "_expires_idx", t.events + "(expires_at)"},
		{t.events + "_processed_idx", t.events + "(processed_at)"},
		{t.archive + "_archived_idx", t.archive + "(archived_at)"},
	}
}

func (sqliteDialect) schema(t tables, _ store.DurabilityMode) []string {
	ct := columnTypes{id: "TEXT", str: "TEXT", text: "TEXT", blob: "BLOB", bigint: "INTEGER", integer: "INTEGER"}
	stmts := commonSchema(t, ct, "CREATE TABLE IF NOT EXISTS", "")
	for _, idx := range indexes(t) {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s", idx[0], idx[1]))
	}
	return stmts
}

func (postgresDialect) schema(t tables, mode store.DurabilityMode) []string {
	ct := columnTypes{id: "TEXT", str: "TEXT", text: "TEXT", blob: "BYTEA", bigint: "BIGINT", integer: "INTEGER"}
	create := "CREATE TABLE IF NOT EXISTS"
	if mode == store.DurabilityFast {
		create = "CREATE UNLOGGED TABLE IF NOT EXISTS"
	}
	stmts := commonSchema(t, ct, create, "")
	for _, idx := range indexes(t) {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s", idx[0], idx[1]))
	}
	return stmts
}

// MySQL has no CREATE INDEX IF NOT EXISTS, so indexes are declared inline.
func (mysqlDialect) schema(t tables, _ store.DurabilityMode) []string {
	ct := columnTypes{id: "VARCHAR(64)", str: "VARCHAR(255)", text: "TEXT", blob: "LONGBLOB", bigint: "BIGINT", integer: "INT"}
	stmts := commonSchema(t, ct, "CREATE TABLE IF NOT EXISTS", " ENGINE=InnoDB")

	inline := map[string][]string{}
	for _, idx := range indexes(t) {
		table, cols, _ := strings.Cut(idx[1], "(")
		inline[table] = append(inline[table], fmt.Sprintf("INDEX %s (%s", idx[0], cols))
	}
	for i, stmt := range stmts {
		for table, defs := range inline {
			head := "CREATE TABLE IF NOT EXISTS " + table + " ("
			if !strings.HasPrefix(stmt, head) {
				continue
			}
			end := strings.LastIndex(stmt, ")")
			stmts[i] = stmt[:end] + ",\n\t\t\t" + strings.Join(defs, ",\n\t\t\t") + "\n\t\t" + stmt[end:]
		}
	}
	return stmts
}
