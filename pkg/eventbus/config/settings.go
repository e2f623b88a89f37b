package config

import (
	"fmt"
	"log/slog"
	"time"

	buserrors "github.com/randalmurphal/eventbus/pkg/eventbus/errors"
	"github.com/randalmurphal/eventbus/pkg/eventbus/store"
)

// Settings is the typed configuration of a bus process.
type Settings struct {
	Store         StoreSettings
	Signal        SignalSettings
	Publish       PublishSettings
	Dispatch      DispatchSettings
	Retry         RetrySettings
	Listener      ListenerSettings
	Reconcile     ReconcileSettings
	Subscriptions SubscriptionSettings
	Cleanup       CleanupSettings
	Archive       ArchiveSettings
	Metrics       MetricsSettings
	Log           LogSettings
}

// StoreSettings selects the database.
type StoreSettings struct {
	Driver      string
	DSN         string
	Durability  store.DurabilityMode
	TablePrefix string
}

// SignalSettings selects the live signal transport.
type SignalSettings struct {
	// Driver is one of local, postgres, nats, none.
	Driver string
	URL    string
	Prefix string
}

// PublishSettings are defaults applied to published events.
type PublishSettings struct {
	DefaultTTL time.Duration
	MaxRetries int
}

// DispatchSettings bound handler calls.
type DispatchSettings struct {
	Timeout       time.Duration
	RemoteTimeout time.Duration
}

// RetrySettings configure handler backoff.
type RetrySettings struct {
	Backoff buserrors.BackoffPolicy
}

// ListenerSettings configure the live listener.
type ListenerSettings struct {
	Enabled     bool
	Concurrency int

	// Channels overrides the listened channels. Empty means the global channel.
	Channels []string
}

// ReconcileSettings configure the reconciliation loop.
type ReconcileSettings struct {
	Interval   time.Duration
	BatchSize  int
	Lease      time.Duration
	MaxBackoff time.Duration
}

// SubscriptionSettings configure the subscription cache.
type SubscriptionSettings struct {
	Refresh time.Duration
}

// CleanupSettings configure the cleanup job.
type CleanupSettings struct {
	Interval  time.Duration
	Retention time.Duration
	BatchSize int
}

// ArchiveSettings select where cleanup copies terminal events.
type ArchiveSettings struct {
	// Driver is one of none, sql, pebble.
	Driver string
	Path   string
}

// MetricsSettings select the metrics backend.
type MetricsSettings struct {
	// Driver is one of none, otel, prometheus.
	Driver string
	Addr   string
}

// LogSettings configure the process logger.
type LogSettings struct {
	Level  slog.Level
	Format string
}

// Defaults returns the settings used for every missing key.
func Defaults() Settings {
	return Settings{
		Store: StoreSettings{
			Driver:      "sqlite",
			DSN:         "eventbus.db",
			Durability:  store.DurabilityDurable,
			TablePrefix: "bus_",
		},
		Signal:        SignalSettings{Driver: "local", Prefix: "bus_events"},
		Publish:       PublishSettings{DefaultTTL: 24 * time.Hour, MaxRetries: 3},
		Dispatch:      DispatchSettings{Timeout: 10 * time.Second, RemoteTimeout: 15 * time.Second},
		Retry:         RetrySettings{Backoff: buserrors.DefaultBackoff},
		Listener:      ListenerSettings{Enabled: true, Concurrency: 4},
		Reconcile:     ReconcileSettings{Interval: 2 * time.Second, BatchSize: 50, Lease: 2 * time.Minute, MaxBackoff: 30 * time.Second},
		Subscriptions: SubscriptionSettings{Refresh: 5 * time.Second},
		Cleanup:       CleanupSettings{Interval: 24 * time.Hour, Retention: 7 * 24 * time.Hour, BatchSize: 500},
		Archive:       ArchiveSettings{Driver: "none"},
		Metrics:       MetricsSettings{Driver: "none", Addr: ":9090"},
		Log:           LogSettings{Level: slog.LevelInfo, Format: "text"},
	}
}

// Load reads Settings from cfg, applying Defaults for missing keys, and
// validates the result.
func Load(cfg Config) (Settings, error) {
	d := Defaults()
	s := Settings{}

	durability, err := store.ParseDurability(cfg.String("store.durability", string(d.Store.Durability)))
	if err != nil {
		return Settings{}, fmt.Errorf("store.durability: %w", err)
	}
	s.Store = StoreSettings{
		Driver:      cfg.String("store.driver", d.Store.Driver),
		DSN:         cfg.String("store.dsn", d.Store.DSN),
		Durability:  durability,
		TablePrefix: cfg.String("store.table_prefix", d.Store.TablePrefix),
	}

	s.Signal = SignalSettings{
		Driver: cfg.String("signal.driver", d.Signal.Driver),
		URL:    cfg.String("signal.url", d.Signal.URL),
		Prefix: cfg.String("signal.prefix", d.Signal.Prefix),
	}

	s.Publish = PublishSettings{
		DefaultTTL: cfg.Duration("publish.default_ttl", d.Publish.DefaultTTL),
		MaxRetries: cfg.Int("publish.max_retries", d.Publish.MaxRetries),
	}

	s.Dispatch = DispatchSettings{
		Timeout:       cfg.Duration("dispatch.timeout", d.Dispatch.Timeout),
		RemoteTimeout: cfg.Duration("dispatch.remote_timeout", d.Dispatch.RemoteTimeout),
	}

	kind, err := buserrors.ParseBackoff(cfg.String("retry.backoff", string(d.Retry.Backoff.Kind)))
	if err != nil {
		return Settings{}, fmt.Errorf("retry.backoff: %w", err)
	}
	s.Retry = RetrySettings{Backoff: buserrors.BackoffPolicy{
		Kind:     kind,
		Factor:   cfg.Float("retry.factor", d.Retry.Backoff.Factor),
		MaxDelay: cfg.Duration("retry.max_delay", d.Retry.Backoff.MaxDelay),
		Jitter:   cfg.Float("retry.jitter", d.Retry.Backoff.Jitter),
	}}

	s.Listener = ListenerSettings{
		Enabled:     cfg.Bool("listener.enabled", d.Listener.Enabled),
		Concurrency: cfg.Int("listener.concurrency", d.Listener.Concurrency),
		Channels:    cfg.StringSlice("listener.channels", nil),
	}

	s.Reconcile = ReconcileSettings{
		Interval:   cfg.Duration("reconcile.interval", d.Reconcile.Interval),
		BatchSize:  cfg.Int("reconcile.batch_size", d.Reconcile.BatchSize),
		Lease:      cfg.Duration("reconcile.lease", d.Reconcile.Lease),
		MaxBackoff: cfg.Duration("reconcile.max_backoff", d.Reconcile.MaxBackoff),
	}

	s.Subscriptions = SubscriptionSettings{
		Refresh: cfg.Duration("subscriptions.refresh", d.Subscriptions.Refresh),
	}

	s.Cleanup = CleanupSettings{
		Interval:  cfg.Duration("cleanup.interval", d.Cleanup.Interval),
		Retention: cfg.Duration("cleanup.retention", d.Cleanup.Retention),
		BatchSize: cfg.Int("cleanup.batch_size", d.Cleanup.BatchSize),
	}

	s.Archive = ArchiveSettings{
		Driver: cfg.String("archive.driver", d.Archive.Driver),
		Path:   cfg.String("archive.path", d.Archive.Path),
	}

	s.Metrics = MetricsSettings{
		Driver: cfg.String("metrics.driver", d.Metrics.Driver),
		Addr:   cfg.String("metrics.addr", d.Metrics.Addr),
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.String("log.level", d.Log.Level.String()))); err != nil {
		return Settings{}, fmt.Errorf("log.level: %w", err)
	}
	s.Log = LogSettings{Level: level, Format: cfg.String("log.format", d.Log.Format)}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate reports the first invalid setting.
func (s Settings) Validate() error {
	switch s.Store.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("store.driver: unsupported %q", s.Store.Driver)
	}
	if s.Store.DSN == "" {
		return fmt.Errorf("store.dsn: required")
	}
	switch s.Signal.Driver {
	case "local", "none", "nats":
	case "postgres":
		if s.Store.Driver != "postgres" && s.Signal.URL == "" {
			return fmt.Errorf("signal.url: required for postgres signals on a %s store", s.Store.Driver)
		}
	default:
		return fmt.Errorf("signal.driver: unsupported %q", s.Signal.Driver)
	}
	if s.Publish.DefaultTTL <= 0 {
		return fmt.Errorf("publish.default_ttl: must be positive")
	}
	if s.Publish.MaxRetries < 0 {
		return fmt.Errorf("publish.max_retries: must not be negative")
	}
	if s.Dispatch.Timeout <= 0 || s.Dispatch.RemoteTimeout <= 0 {
		return fmt.Errorf("dispatch timeouts must be positive")
	}
	if s.Retry.Backoff.Factor < 1 {
		return fmt.Errorf("retry.factor: must be at least 1")
	}
	if s.Retry.Backoff.Jitter < 0 || s.Retry.Backoff.Jitter > 1 {
		return fmt.Errorf("retry.jitter: must be between 0 and 1")
	}
	if s.Listener.Concurrency <= 0 {
		return fmt.Errorf("listener.concurrency: must be positive")
	}
	if s.Reconcile.Interval <= 0 || s.Reconcile.BatchSize <= 0 {
		return fmt.Errorf("reconcile: interval and batch_size must be positive")
	}
	if s.Reconcile.Lease <= s.Dispatch.Timeout {
		return fmt.Errorf("reconcile.lease (%s) must exceed dispatch.timeout (%s)", s.Reconcile.Lease, s.Dispatch.Timeout)
	}
	if s.Cleanup.Retention <= 0 || s.Cleanup.BatchSize <= 0 {
		return fmt.Errorf("cleanup: retention and batch_size must be positive")
	}
	switch s.Archive.Driver {
	case "none", "sql":
	case "pebble":
		if s.Archive.Path == "" {
			return fmt.Errorf("archive.path: required for the pebble archive")
		}
	default:
		return fmt.Errorf("archive.driver: unsupported %q", s.Archive.Driver)
	}
	switch s.Metrics.Driver {
	case "none", "otel", "prometheus":
	default:
		return fmt.Errorf("metrics.driver: unsupported %q", s.Metrics.Driver)
	}
	switch s.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format: unsupported %q", s.Log.Format)
	}
	return nil
}
