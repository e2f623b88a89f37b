package signal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// maxChannelLen is PostgreSQL's identifier limit (NAMEDATALEN - 1).
const maxChannelLen = 63

// usableChannels drops names PostgreSQL would truncate. Truncated names
// could collide, so the event is left to reconciliation instead.
func usableChannels(channels []string, logger *slog.Logger) []string {
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		if len(ch) > maxChannelLen {
			if logger != nil {
				logger.Debug("skipping channel longer than 63 bytes", slog.String("channel", ch))
			}
			continue
		}
		out = append(out, ch)
	}
	return out
}

// PostgresNotifier emits signals with pg_notify on an existing connection pool.
type PostgresNotifier struct {
	db     *sql.DB
	logger *slog.Logger
}

// Compile-time interface check.
var _ Notifier = (*PostgresNotifier)(nil)

// NewPostgresNotifier creates a notifier. logger may be nil.
func NewPostgresNotifier(db *sql.DB, logger *slog.Logger) *PostgresNotifier {
	return &PostgresNotifier{db: db, logger: logger}
}

// Notify implements Notifier.
func (n *PostgresNotifier) Notify(ctx context.Context, channels []string, eventID string) error {
	for _, ch := range usableChannels(channels, n.logger) {
		if _, err := n.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, ch, eventID); err != nil {
			return fmt.Errorf("notify %s: %w", ch, err)
		}
	}
	return nil
}

// PostgresListenerConfig configures a PostgresListener.
type PostgresListenerConfig struct {
	// DSN is the connection string. URLs are accepted.
	DSN string

	// MinReconnect and MaxReconnect bound pq's reconnect backoff.
	// Default: 100ms and 10s
	MinReconnect time.Duration
	MaxReconnect time.Duration

	// PingInterval is how often an idle connection is checked.
	// Default: 90s
	PingInterval time.Duration

	// BufferSize is the signal channel buffer size.
	// Default: 256
	BufferSize int

	Logger *slog.Logger
}

// PostgresListener receives signals with LISTEN on a dedicated connection.
type PostgresListener struct {
	config PostgresListenerConfig
}

// Compile-time interface check.
var _ Source = (*PostgresListener)(nil)

// NewPostgresListener creates a listener source.
func NewPostgresListener(config PostgresListenerConfig) *PostgresListener {
	if config.MinReconnect <= 0 {
		config.MinReconnect = 100 * time.Millisecond
	}
	if config.MaxReconnect <= 0 {
		config.MaxReconnect = 10 * time.Second
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 90 * time.Second
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultLocalConfig.BufferSize
	}
	return &PostgresListener{config: config}
}

// Listen implements Source. The returned channel closes when the
// connection drops; notifications sent while disconnected are lost.
func (p *PostgresListener) Listen(ctx context.Context, channels []string) (<-chan Signal, error) {
	dsn := p.config.DSN
	if parsed, err := pq.ParseURL(dsn); err == nil && parsed != "" {
		dsn = parsed
	}

	lost := make(chan struct{}, 1)
	l := pq.NewListener(dsn, p.config.MinReconnect, p.config.MaxReconnect,
		func(ev pq.ListenerEventType, err error) {
			if ev == pq.ListenerEventDisconnected || ev == pq.ListenerEventConnectionAttemptFailed {
				if p.config.Logger != nil && err != nil {
					p.config.Logger.Warn("signal listener disconnected", slog.String("error", err.Error()))
				}
				select {
				case lost <- struct{}{}:
				default:
				}
			}
		})

	for _, ch := range usableChannels(channels, p.config.Logger) {
		if err := l.Listen(ch); err != nil {
			l.Close()
			return nil, fmt.Errorf("listen %s: %w", ch, err)
		}
	}

	out := make(chan Signal, p.config.BufferSize)
	go func() {
		defer close(out)
		defer l.Close()

		ping := time.NewTicker(p.config.PingInterval)
		defer ping.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-lost:
				return
			case n, ok := <-l.Notify:
				if !ok {
					return
				}
				// nil after a reconnect; missed signals are reconciled.
				if n == nil {
					continue
				}
				select {
				case out <- Signal{Channel: n.Channel, EventID: n.Extra}:
				case <-ctx.Done():
					return
				}
			case <-ping.C:
				if err := l.Ping(); err != nil {
					if p.config.Logger != nil {
						p.config.Logger.Warn("signal listener ping failed", slog.String("error", err.Error()))
					}
					return
				}
			}
		}
	}()
	return out, nil
}
