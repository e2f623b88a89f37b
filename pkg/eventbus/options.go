package eventbus

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/eventbus/pkg/eventbus/archive"
	"github.com/randalmurphal/eventbus/pkg/eventbus/cleanup"
	"github.com/randalmurphal/eventbus/pkg/eventbus/dispatch"
	"github.com/randalmurphal/eventbus/pkg/eventbus/observability"
	"github.com/randalmurphal/eventbus/pkg/eventbus/retry"
	"github.com/randalmurphal/eventbus/pkg/eventbus/signal"
	"github.com/randalmurphal/eventbus/pkg/eventbus/worker"
)

// busConfig holds everything New assembles a Bus from.
type busConfig struct {
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	clock   func() time.Time

	notifier     signal.Notifier
	source       signal.Source
	signalPrefix string

	defaultTTL time.Duration
	maxRetries int

	local  dispatch.LocalConfig
	remote dispatch.RemoteConfig
	retry  retry.Policy

	listen     bool
	listener   worker.ListenerConfig
	reconciler worker.ReconcilerConfig

	cleanupLoop bool
	cleanup     cleanup.Config

	subscriptionRefresh time.Duration
}

func defaultBusConfig() busConfig {
	local := signal.NewLocalBus(signal.DefaultLocalConfig)
	return busConfig{
		metrics:             observability.NoopMetrics{},
		spans:               observability.NoopSpanManager{},
		clock:               time.Now,
		notifier:            local,
		source:              local,
		signalPrefix:        signal.DefaultPrefix,
		defaultTTL:          DefaultPublisherConfig.DefaultTTL,
		maxRetries:          DefaultPublisherConfig.MaxRetries,
		local:               dispatch.DefaultLocalConfig,
		remote:              dispatch.DefaultRemoteConfig,
		retry:               retry.DefaultPolicy,
		listen:              true,
		listener:            worker.DefaultListenerConfig,
		reconciler:          worker.DefaultReconcilerConfig,
		cleanup:             cleanup.DefaultConfig,
		subscriptionRefresh: 5 * time.Second,
	}
}

// Option configures a Bus.
type Option func(*busConfig)

// WithLogger sets the logger used by every component. Nil is silent.
func WithLogger(logger *slog.Logger) Option {
	return func(c *busConfig) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
// Default: observability.NoopMetrics
//
// Example:
//
//	bus, err := eventbus.New(st, eventbus.WithMetrics(observability.NewMetricsRecorder()))
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *busConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithTracing sets the span manager for publish and dispatch spans.
// Default: observability.NoopSpanManager
func WithTracing(s observability.SpanManager) Option {
	return func(c *busConfig) {
		if s != nil {
			c.spans = s
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *busConfig) {
		if now != nil {
			c.clock = now
		}
	}
}

// WithSignals sets how published events are announced and heard. Either
// may be nil: a nil notifier publishes silently and a nil source disables
// the live listener, leaving delivery to reconciliation.
// Default: an in-process signal.LocalBus for both
func WithSignals(notifier signal.Notifier, source signal.Source) Option {
	return func(c *busConfig) {
		c.notifier = notifier
		c.source = source
	}
}

// WithSignalPrefix sets the global channel name and the prefix of the
// category and type channels.
// Default: "bus_events"
func WithSignalPrefix(prefix string) Option {
	return func(c *busConfig) {
		if prefix != "" {
			c.signalPrefix = prefix
		}
	}
}

// WithDefaultTTL sets the TTL of events published without one.
// Default: 24 hours
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *busConfig) {
		if ttl > 0 {
			c.defaultTTL = ttl
		}
	}
}

// WithMaxRetries sets the attempt limit stored on events published without one.
// Default: 3
func WithMaxRetries(n int) Option {
	return func(c *busConfig) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithDispatchTimeout bounds each local handler call.
// Default: 10 seconds
func WithDispatchTimeout(d time.Duration) Option {
	return func(c *busConfig) {
		if d > 0 {
			c.local.Timeout = d
		}
	}
}

// WithHandlerMiddleware wraps every local handler subscribed afterwards,
// first outermost.
func WithHandlerMiddleware(mw ...dispatch.Middleware) Option {
	return func(c *busConfig) {
		c.local.Middleware = append(c.local.Middleware, mw...)
	}
}

// WithRemote configures callbacks to remote subscriptions.
func WithRemote(cfg dispatch.RemoteConfig) Option {
	return func(c *busConfig) {
		c.remote = cfg
	}
}

// WithRetryPolicy sets handler backoff and the fallback attempt limit.
// Default: exponential backoff, factor 2, capped at one hour, 3 attempts
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *busConfig) {
		c.retry = p
	}
}

// WithListener configures the live listener.
func WithListener(cfg worker.ListenerConfig) Option {
	return func(c *busConfig) {
		c.listen = true
		c.listener = cfg
	}
}

// WithoutListener disables the live listener. Events are then delivered by
// the reconciler only.
func WithoutListener() Option {
	return func(c *busConfig) {
		c.listen = false
	}
}

// WithReconciler configures the reconciliation loop.
func WithReconciler(cfg worker.ReconcilerConfig) Option {
	return func(c *busConfig) {
		c.reconciler = cfg
	}
}

// WithCleanup configures cleanup and runs it periodically after Start.
// Without this option Cleanup still works on demand with default settings.
func WithCleanup(cfg cleanup.Config) Option {
	return func(c *busConfig) {
		if cfg.Archive == nil {
			cfg.Archive = c.cleanup.Archive
		}
		c.cleanupLoop = true
		c.cleanup = cfg
	}
}

// WithArchive copies terminal events to the archive a before cleanup deletes them.
func WithArchive(a archive.Archive) Option {
	return func(c *busConfig) {
		c.cleanup.Archive = a
	}
}

// WithSubscriptionRefresh sets how long the active subscription set is
// cached before it is reloaded from the store.
// Default: 5 seconds
func WithSubscriptionRefresh(d time.Duration) Option {
	return func(c *busConfig) {
		if d > 0 {
			c.subscriptionRefresh = d
		}
	}
}
