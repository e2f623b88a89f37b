package eventbus

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/randalmurphal/eventbus/pkg/eventbus/cleanup"
	"github.com/randalmurphal/eventbus/pkg/eventbus/dispatch"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/randalmurphal/eventbus/pkg/eventbus/filter"
	"github.com/randalmurphal/eventbus/pkg/eventbus/registry"
	"github.com/randalmurphal/eventbus/pkg/eventbus/retry"
	"github.com/randalmurphal/eventbus/pkg/eventbus/store"
	"github.com/randalmurphal/eventbus/pkg/eventbus/worker"
)

// Bus ties the store, publisher, dispatchers, and workers of one process
// together. It is safe for concurrent use.
//
// A Bus does not own its store: Stop leaves it open.
type Bus struct {
	store store.Store
	cfg   busConfig

	publisher  *Publisher
	local      *dispatch.Local
	filter     *filter.Evaluator
	registry   *registry.Registry
	subs       *store.SubscriptionCache
	exec       *worker.Executor
	listener   *worker.Listener
	reconciler *worker.Reconciler
	cleaner    *cleanup.Cleaner

	mu       sync.Mutex
	handlers map[string]string // handler name -> subscription key
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a bus over st. The store must already be migrated.
func New(st store.Store, opts ...Option) (*Bus, error) {
	cfg := defaultBusConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	eval, err := filter.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("create filter evaluator: %w", err)
	}

	local := dispatch.NewLocal(cfg.local)
	router := dispatch.NewRouter(local, dispatch.NewRemote(cfg.remote))
	subs := store.NewSubscriptionCache(st, cfg.subscriptionRefresh)

	// An attempt blocks retries for longer than either dispatcher may take.
	inFlight := 2 * max(
		cmp.Or(cfg.local.Timeout, dispatch.DefaultLocalConfig.Timeout),
		cmp.Or(cfg.remote.Timeout, dispatch.DefaultRemoteConfig.Timeout),
	)
	exec := worker.NewExecutor(st, router, retry.NewCoordinator(cfg.retry), worker.ExecutorConfig{
		InFlight: inFlight,
		Filter:   eval,
		Clock:    cfg.clock,
		Logger:   cfg.logger,
		Metrics:  cfg.metrics,
		Spans:    cfg.spans,
	})

	b := &Bus{
		store: st,
		cfg:   cfg,
		publisher: NewPublisher(st, cfg.notifier, PublisherConfig{
			SignalPrefix: cfg.signalPrefix,
			DefaultTTL:   cfg.defaultTTL,
			MaxRetries:   cfg.maxRetries,
			Clock:        cfg.clock,
			Logger:       cfg.logger,
			Metrics:      cfg.metrics,
			Spans:        cfg.spans,
		}),
		local:    local,
		filter:   eval,
		registry: registry.New(),
		subs:     subs,
		exec:     exec,
		handlers: make(map[string]string),
	}

	rcfg := cfg.reconciler
	rcfg.Logger = cfg.logger
	b.reconciler = worker.NewReconciler(exec, subs, rcfg)

	if cfg.listen && cfg.source != nil {
		lcfg := cfg.listener
		lcfg.Logger = cfg.logger
		if len(lcfg.Channels) == 0 {
			lcfg.Channels = []string{cfg.signalPrefix}
		}
		b.listener = worker.NewListener(exec, cfg.source, b.registry, subs, lcfg)
	}

	ccfg := cfg.cleanup
	ccfg.Clock = cfg.clock
	ccfg.Logger = cfg.logger
	ccfg.Metrics = cfg.metrics
	b.cleaner = cleanup.New(st, ccfg)

	return b, nil
}

// Publish commits an event and signals listeners. See Publisher.Publish.
func (b *Bus) Publish(ctx context.Context, req PublishRequest) (string, error) {
	return b.publisher.Publish(ctx, req)
}

// Subscribe registers a subscription handled by fn in this process. The
// subscription is stored, so every process sees it for completion
// tracking; only processes that registered fn dispatch to it.
//
// Subscribing the same (subscriber, handler) pair again updates its
// routing fields and keeps its id and active flag. The stored subscription
// is returned.
func (b *Bus) Subscribe(ctx context.Context, sub event.Subscription, fn dispatch.HandlerFunc) (event.Subscription, error) {
	if fn == nil {
		return event.Subscription{}, fmt.Errorf("%w: nil handler", ErrInvalidSubscription)
	}
	if sub.IsRemote() {
		return event.Subscription{}, fmt.Errorf("%w: local subscription with callback address", ErrInvalidSubscription)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if owner, ok := b.handlers[sub.HandlerName]; ok && owner != sub.Key() {
		return event.Subscription{}, fmt.Errorf("%w: %s is used by %s", ErrHandlerInUse, sub.HandlerName, owner)
	}

	stored, err := b.save(ctx, sub)
	if err != nil {
		return event.Subscription{}, err
	}

	b.local.Unregister(stored.HandlerName)
	if err := b.local.Register(stored.HandlerName, fn); err != nil {
		return event.Subscription{}, err
	}
	if err := b.registry.Register(stored, fn); err != nil {
		b.local.Unregister(stored.HandlerName)
		return event.Subscription{}, err
	}
	b.handlers[stored.HandlerName] = stored.Key()
	return stored, nil
}

// SubscribeRemote registers a subscription delivered to its callback
// address. Any process running a reconciler may deliver it.
func (b *Bus) SubscribeRemote(ctx context.Context, sub event.Subscription) (event.Subscription, error) {
	if !sub.IsRemote() {
		return event.Subscription{}, fmt.Errorf("%w: callback address required", ErrInvalidSubscription)
	}
	u, err := url.Parse(sub.CallbackAddress)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return event.Subscription{}, fmt.Errorf("%w: callback address %q is not an absolute URL", ErrInvalidSubscription, sub.CallbackAddress)
	}
	return b.save(ctx, sub)
}

// save validates and upserts sub. New subscriptions start active.
func (b *Bus) save(ctx context.Context, sub event.Subscription) (event.Subscription, error) {
	if err := sub.Validate(); err != nil {
		return event.Subscription{}, fmt.Errorf("%w: %w", ErrInvalidSubscription, err)
	}
	if err := b.filter.Compile(sub.Filter); err != nil {
		return event.Subscription{}, fmt.Errorf("%w: filter: %w", ErrInvalidSubscription, err)
	}
	sub.IsActive = true
	if err := b.store.UpsertSubscription(ctx, &sub); err != nil {
		return event.Subscription{}, err
	}
	b.subs.Invalidate()
	return sub, nil
}

// SetSubscriptionActive activates or deactivates a subscription. A
// deactivated subscription stops receiving events and no longer counts
// toward completion of unfinished events.
func (b *Bus) SetSubscriptionActive(ctx context.Context, id string, active bool) error {
	if err := b.store.SetSubscriptionActive(ctx, id, active, b.cfg.clock().UTC()); err != nil {
		return err
	}
	b.registry.SetActive(id, active)
	b.subs.Invalidate()
	return nil
}

// Subscriptions lists stored subscriptions in creation order.
func (b *Bus) Subscriptions(ctx context.Context, activeOnly bool) ([]event.Subscription, error) {
	return b.store.ListSubscriptions(ctx, activeOnly)
}

// Event returns a stored event. Returns store.ErrNotFound if it doesn't exist.
func (b *Bus) Event(ctx context.Context, id string) (*event.Event, error) {
	return b.store.GetEvent(ctx, id)
}

// HandlerRecords returns the per-subscription outcomes of an event.
func (b *Bus) HandlerRecords(ctx context.Context, eventID string) ([]event.HandlerRecord, error) {
	return b.store.HandlerRecords(ctx, eventID)
}

// Stats is a snapshot of the bus state.
type Stats struct {
	// Events counts stored events per status.
	Events map[event.Status]int64

	Subscriptions       int
	ActiveSubscriptions int

	// LocalHandlers is the number of handlers registered in this process.
	LocalHandlers int
}

// Stats reads event counts and subscription totals from the store.
func (b *Bus) Stats(ctx context.Context) (Stats, error) {
	counts, err := b.store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	subs, err := b.store.ListSubscriptions(ctx, false)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Events: counts, Subscriptions: len(subs), LocalHandlers: b.registry.Len()}
	for _, sub := range subs {
		if sub.IsActive {
			st.ActiveSubscriptions++
		}
	}
	return st, nil
}

// Start runs the listener, the reconciler, and (with WithCleanup) the
// cleanup loop in the background until Stop is called or ctx ends.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.run(runCtx, b.reconciler.Run)
	if b.listener != nil {
		b.run(runCtx, b.listener.Run)
	}
	if b.cfg.cleanupLoop {
		b.run(runCtx, b.cleaner.Run)
	}
	return nil
}

func (b *Bus) run(ctx context.Context, fn func(context.Context) error) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := fn(ctx); err != nil && ctx.Err() == nil && b.cfg.logger != nil {
			b.cfg.logger.Error("worker stopped", slog.String("error", err.Error()))
		}
	}()
}

// Stop cancels the background workers and waits for them and for any
// async deliveries to finish. It is safe to call more than once.
func (b *Bus) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
	b.exec.Wait()
}

// Reconcile runs one reconciliation pass and returns the number of events
// it leased.
func (b *Bus) Reconcile(ctx context.Context) (int, error) {
	return b.reconciler.Tick(ctx)
}

// Cleanup runs one cleanup pass.
func (b *Bus) Cleanup(ctx context.Context) (cleanup.Result, error) {
	return b.cleaner.RunOnce(ctx)
}

// Wait blocks until async deliveries started so far have finished.
func (b *Bus) Wait() {
	b.exec.Wait()
}
