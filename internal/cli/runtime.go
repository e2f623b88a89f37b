package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/randalmurphal/eventbus/pkg/eventbus"
	"github.com/randalmurphal/eventbus/pkg/eventbus/archive"
	"github.com/randalmurphal/eventbus/pkg/eventbus/cleanup"
	"github.com/randalmurphal/eventbus/pkg/eventbus/config"
	"github.com/randalmurphal/eventbus/pkg/eventbus/dispatch"
	"github.com/randalmurphal/eventbus/pkg/eventbus/observability"
	"github.com/randalmurphal/eventbus/pkg/eventbus/retry"
	"github.com/randalmurphal/eventbus/pkg/eventbus/signal"
	"github.com/randalmurphal/eventbus/pkg/eventbus/store/sqlstore"
	"github.com/randalmurphal/eventbus/pkg/eventbus/worker"
)

// runtime holds everything a command builds from Settings.
type runtime struct {
	settings config.Settings
	logger   *slog.Logger
	store    *sqlstore.Store
	bus      *eventbus.Bus

	// archive is nil when archive.driver is none.
	archive archive.Archive

	// registry is set when metrics.driver is prometheus.
	registry *prometheus.Registry

	closers []func() error
}

// newLogger builds the process logger from the log settings.
func newLogger(w io.Writer, s config.LogSettings) *slog.Logger {
	opts := &slog.HandlerOptions{Level: s.Level}
	if s.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openStore connects to the configured database. Tables are not created.
func openStore(ctx context.Context, s config.Settings, logger *slog.Logger) (*sqlstore.Store, error) {
	return sqlstore.Open(ctx, sqlstore.Config{
		Driver:      s.Store.Driver,
		DSN:         s.Store.DSN,
		Durability:  s.Store.Durability,
		TablePrefix: s.Store.TablePrefix,
		Logger:      logger,
	})
}

// openRuntime opens the store and assembles a Bus with the configured
// signals, archive, and metrics. listen enables the live listener when the
// settings allow it; one-shot commands pass false.
func openRuntime(ctx context.Context, s config.Settings, logger *slog.Logger, listen bool) (*runtime, error) {
	st, err := openStore(ctx, s, logger)
	if err != nil {
		return nil, err
	}
	rt := &runtime{settings: s, logger: logger, store: st}
	rt.closers = append(rt.closers, st.Close)

	opts := []eventbus.Option{
		eventbus.WithLogger(logger),
		eventbus.WithSignalPrefix(s.Signal.Prefix),
		eventbus.WithDefaultTTL(s.Publish.DefaultTTL),
		eventbus.WithMaxRetries(s.Publish.MaxRetries),
		eventbus.WithDispatchTimeout(s.Dispatch.Timeout),
		eventbus.WithRemote(dispatch.RemoteConfig{Timeout: s.Dispatch.RemoteTimeout}),
		eventbus.WithRetryPolicy(retry.Policy{
			Backoff:            s.Retry.Backoff,
			DefaultMaxAttempts: retry.DefaultPolicy.DefaultMaxAttempts,
		}),
		eventbus.WithReconciler(worker.ReconcilerConfig{
			Interval:   s.Reconcile.Interval,
			BatchSize:  s.Reconcile.BatchSize,
			Lease:      s.Reconcile.Lease,
			MaxBackoff: s.Reconcile.MaxBackoff,
		}),
		eventbus.WithSubscriptionRefresh(s.Subscriptions.Refresh),
	}

	sigOpt, err := rt.signals(ctx)
	if err != nil {
		rt.Close()
		return nil, err
	}
	opts = append(opts, sigOpt)

	if listen && s.Listener.Enabled {
		opts = append(opts, eventbus.WithListener(worker.ListenerConfig{
			Channels:    s.Listener.Channels,
			Concurrency: s.Listener.Concurrency,
			Lease:       s.Reconcile.Lease,
		}))
	} else {
		opts = append(opts, eventbus.WithoutListener())
	}

	arch, err := rt.openArchive()
	if err != nil {
		rt.Close()
		return nil, err
	}
	opts = append(opts, eventbus.WithCleanup(cleanup.Config{
		Interval:  s.Cleanup.Interval,
		Retention: s.Cleanup.Retention,
		BatchSize: s.Cleanup.BatchSize,
		Archive:   arch,
	}))
	rt.archive = arch

	switch s.Metrics.Driver {
	case "otel":
		opts = append(opts,
			eventbus.WithMetrics(observability.NewMetricsRecorder()),
			eventbus.WithTracing(observability.NewSpanManager()),
		)
	case "prometheus":
		rt.registry = prometheus.NewRegistry()
		opts = append(opts, eventbus.WithMetrics(observability.NewPrometheusRecorder(rt.registry)))
	}

	bus, err := eventbus.New(st, opts...)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.bus = bus
	return rt, nil
}

// signals returns the option selecting the configured signal transport.
func (rt *runtime) signals(ctx context.Context) (eventbus.Option, error) {
	s := rt.settings.Signal
	switch s.Driver {
	case "none":
		return eventbus.WithSignals(nil, nil), nil

	case "nats":
		n, err := signal.NewNATS(signal.NATSConfig{URL: s.URL, Logger: rt.logger})
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, n.Close)
		return eventbus.WithSignals(n, n), nil

	case "postgres":
		dsn := s.URL
		db := rt.store.DB()
		if dsn == "" {
			dsn = rt.settings.Store.DSN
		} else {
			var err error
			if db, err = sql.Open("postgres", dsn); err != nil {
				return nil, fmt.Errorf("open signal connection: %w", err)
			}
			if err := db.PingContext(ctx); err != nil {
				db.Close()
				return nil, fmt.Errorf("open signal connection: %w", err)
			}
			rt.closers = append(rt.closers, db.Close)
		}
		notifier := signal.NewPostgresNotifier(db, rt.logger)
		source := signal.NewPostgresListener(signal.PostgresListenerConfig{DSN: dsn, Logger: rt.logger})
		return eventbus.WithSignals(notifier, source), nil

	default:
		local := signal.NewLocalBus(signal.DefaultLocalConfig)
		rt.closers = append(rt.closers, local.Close)
		return eventbus.WithSignals(local, local), nil
	}
}

// openArchive opens the configured archive. Nil means none.
func (rt *runtime) openArchive() (archive.Archive, error) {
	switch rt.settings.Archive.Driver {
	case "sql":
		return rt.store.Archive(), nil
	case "pebble":
		p, err := archive.OpenPebble(archive.PebbleOptions{Dir: rt.settings.Archive.Path})
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, p.Close)
		return p, nil
	default:
		return nil, nil
	}
}

// Close stops the bus and releases every resource in reverse order.
func (rt *runtime) Close() error {
	if rt.bus != nil {
		rt.bus.Stop()
	}
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
