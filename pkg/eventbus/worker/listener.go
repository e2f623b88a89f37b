package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	buserrors "github.com/randalmurphal/eventbus/pkg/eventbus/errors"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/randalmurphal/eventbus/pkg/eventbus/observability"
	"github.com/randalmurphal/eventbus/pkg/eventbus/registry"
	"github.com/randalmurphal/eventbus/pkg/eventbus/signal"
	"github.com/randalmurphal/eventbus/pkg/eventbus/store"
)

// Subscriptions supplies the active subscriptions of every process.
// *store.SubscriptionCache implements it.
type Subscriptions interface {
	Active(ctx context.Context) ([]event.Subscription, error)
}

var _ Subscriptions = (*store.SubscriptionCache)(nil)

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	// Channels are the signal channels to listen on.
	// Default: the global channel, signal.DefaultPrefix
	Channels []string

	// Concurrency bounds the signals handled at once.
	// Default: 4
	Concurrency int

	// Lease is how long a claimed event stays reserved if this process
	// dies before finishing it.
	// Default: 2 minutes
	Lease time.Duration

	// Reconnect paces attempts to re-establish a lost signal connection.
	// Default: errors.DefaultRetry (MaxAttempts is ignored)
	Reconnect buserrors.RetryConfig

	Logger *slog.Logger
}

// DefaultListenerConfig provides reasonable defaults.
var DefaultListenerConfig = ListenerConfig{
	Channels:    []string{signal.DefaultPrefix},
	Concurrency: 4,
	Lease:       2 * time.Minute,
	Reconnect:   buserrors.DefaultRetry,
}

// Listener is the live delivery path. On each signal it claims the event,
// runs the handlers registered in this process, and finishes the event when
// no other subscription still owes a result. Unfinished events are left
// processing for the Reconciler.
type Listener struct {
	exec     *Executor
	source   signal.Source
	registry *registry.Registry
	subs     Subscriptions
	owner    string
	cfg      ListenerConfig
	logger   *slog.Logger
}

// NewListener creates a listener over source. subs supplies the full set of
// subscriptions used to decide completion; it may be nil, in which case only
// the local registrations count.
func NewListener(exec *Executor, source signal.Source, reg *registry.Registry, subs Subscriptions, cfg ListenerConfig) *Listener {
	if len(cfg.Channels) == 0 {
		cfg.Channels = DefaultListenerConfig.Channels
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultListenerConfig.Concurrency
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultListenerConfig.Lease
	}
	if cfg.Reconnect.InitialBackoff <= 0 {
		cfg.Reconnect = DefaultListenerConfig.Reconnect
	}
	owner := "listener-" + gonanoid.Must(10)
	return &Listener{
		exec:     exec,
		source:   source,
		registry: reg,
		subs:     subs,
		owner:    owner,
		cfg:      cfg,
		logger:   observability.EnrichLogger(cfg.Logger, "listener", owner),
	}
}

// Owner returns the lease owner id of this listener.
func (l *Listener) Owner() string {
	return l.owner
}

// Run listens until ctx ends, reconnecting with backoff whenever the signal
// connection is lost. It always returns ctx.Err() after in-flight signals
// are handled.
func (l *Listener) Run(ctx context.Context) error {
	var (
		wg      sync.WaitGroup
		sem     = make(chan struct{}, l.cfg.Concurrency)
		backoff time.Duration
	)
	defer wg.Wait()

	for ctx.Err() == nil {
		signals, err := l.source.Listen(ctx, l.cfg.Channels)
		if err != nil {
			backoff = l.cfg.Reconnect.Next(backoff)
			if l.logger != nil {
				l.logger.Warn("signal listen failed",
					slog.String("error", err.Error()),
					slog.Duration("backoff", backoff),
				)
			}
			if !sleep(ctx, backoff) {
				break
			}
			continue
		}
		backoff = 0
		if l.logger != nil {
			l.logger.Debug("listening", slog.Any("channels", l.cfg.Channels))
		}

		for sig := range signals {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				defer func() { <-sem }()
				if err := l.HandleSignal(ctx, id); err != nil {
					observability.LogStorageError(l.logger, "handle signal", err, 0)
				}
			}(sig.EventID)
		}

		if ctx.Err() == nil {
			backoff = l.cfg.Reconnect.Next(backoff)
			if l.logger != nil {
				l.logger.Warn("signal connection lost", slog.Duration("backoff", backoff))
			}
			if !sleep(ctx, backoff) {
				break
			}
		}
	}
	return ctx.Err()
}

// HandleSignal processes one signal for eventID. Losing the claim to
// another worker is not an error. A panic in the delivery path is recovered
// and returned as an error after the lease is released.
func (l *Listener) HandleSignal(ctx context.Context, eventID string) (err error) {
	now := l.exec.Now()
	evt, err := l.exec.store.ClaimEvent(ctx, eventID, store.Claim{
		Owner: l.owner,
		Now:   now,
		Until: now.Add(l.cfg.Lease),
	})
	if errors.Is(err, store.ErrClaimConflict) || errors.Is(err, store.ErrNotFound) {
		l.exec.cfg.Metrics.RecordClaimConflict(ctx)
		observability.LogClaimConflict(l.logger, eventID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim %s: %w", eventID, err)
	}

	defer func() {
		if r := recover(); r != nil {
			l.exec.release(ctx, evt, l.owner)
			err = fmt.Errorf("handle %s: panic: %v", eventID, r)
		}
	}()

	active, err := l.activeSubscriptions(ctx)
	if err != nil {
		// Without the stored subscription set neither dispatch nor
		// completion can be decided.
		l.exec.release(ctx, evt, l.owner)
		return fmt.Errorf("load subscriptions: %w", err)
	}
	local := l.localMatches(evt, active)

	failed, err := l.exec.deliver(ctx, evt, local, firstAttempt)
	if err != nil {
		l.exec.release(ctx, evt, l.owner)
		return fmt.Errorf("deliver %s: %w", eventID, err)
	}

	matching := l.completionSet(evt, local, active)
	if _, err := l.exec.settle(ctx, evt, l.owner, matching, failed); err != nil {
		return fmt.Errorf("settle %s: %w", eventID, err)
	}
	return nil
}

// activeSubscriptions loads the stored active set. It returns nil when the
// listener has no subscription source.
func (l *Listener) activeSubscriptions(ctx context.Context) ([]event.Subscription, error) {
	if l.subs == nil {
		return nil, nil
	}
	return l.subs.Active(ctx)
}

// localMatches returns the eligible subscriptions with a handler in this
// process, in registry order. With a subscription source only subscriptions
// still active in the store qualify, and their stored copy is dispatched.
func (l *Listener) localMatches(evt *event.Event, active []event.Subscription) []event.Subscription {
	var stored map[string]event.Subscription
	if l.subs != nil {
		stored = make(map[string]event.Subscription, len(active))
		for _, sub := range active {
			stored[sub.ID] = sub
		}
	}

	var local []event.Subscription
	for _, reg := range l.registry.FindMatching(evt.Type) {
		sub := reg.Subscription
		if sub.ID == "" {
			continue
		}
		if stored != nil {
			s, ok := stored[sub.ID]
			if !ok {
				continue
			}
			sub = s
		}
		if l.exec.Eligible(sub, evt) {
			local = append(local, sub)
		}
	}
	return local
}

// completionSet merges the local matches with every other eligible
// subscription, local ones first.
func (l *Listener) completionSet(evt *event.Event, local, active []event.Subscription) []event.Subscription {
	if l.subs == nil {
		return local
	}
	seen := make(map[string]bool, len(local))
	out := make([]event.Subscription, 0, len(local)+len(active))
	for _, sub := range local {
		seen[sub.ID] = true
		out = append(out, sub)
	}
	for _, sub := range l.exec.Matching(active, evt) {
		if !seen[sub.ID] {
			out = append(out, sub)
		}
	}
	return out
}

// sleep waits for d or until ctx ends, reporting whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
