package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/randalmurphal/eventbus/pkg/eventbus/observability"
	"github.com/randalmurphal/eventbus/pkg/eventbus/store"
)

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	// Interval is the pause between ticks.
	// Default: 2 seconds
	Interval time.Duration

	// BatchSize is the maximum number of events leased per tick.
	// Default: 50
	BatchSize int

	// Lease is how long leased events stay reserved if this process dies.
	// It must exceed the time a full batch can take.
	// Default: 2 minutes
	Lease time.Duration

	// MaxBackoff caps the pause after consecutive store failures.
	// Default: 30 seconds
	MaxBackoff time.Duration

	Logger *slog.Logger
}

// DefaultReconcilerConfig provides reasonable defaults.
var DefaultReconcilerConfig = ReconcilerConfig{
	Interval:   2 * time.Second,
	BatchSize:  50,
	Lease:      2 * time.Minute,
	MaxBackoff: 30 * time.Second,
}

// Reconciler is the polling delivery path. Each tick it leases a batch of
// pending or processing events, oldest first, and delivers each to every
// matching subscription this process can dispatch to. Subscriptions are
// recomputed every tick, so a subscription registered after an event was
// published still receives it while the event is unfinished.
type Reconciler struct {
	exec   *Executor
	subs   Subscriptions
	owner  string
	cfg    ReconcilerConfig
	logger *slog.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(exec *Executor, subs Subscriptions, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReconcilerConfig.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultReconcilerConfig.BatchSize
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultReconcilerConfig.Lease
	}
	if cfg.MaxBackoff < cfg.Interval {
		cfg.MaxBackoff = max(DefaultReconcilerConfig.MaxBackoff, cfg.Interval)
	}
	owner := "reconciler-" + gonanoid.Must(10)
	return &Reconciler{
		exec:   exec,
		subs:   subs,
		owner:  owner,
		cfg:    cfg,
		logger: observability.EnrichLogger(cfg.Logger, "reconciler", owner),
	}
}

// Owner returns the lease owner id of this reconciler.
func (r *Reconciler) Owner() string {
	return r.owner
}

// Run ticks until ctx ends. A full batch triggers the next tick at once.
// Store failures back off exponentially up to MaxBackoff; they never end
// the loop.
func (r *Reconciler) Run(ctx context.Context) error {
	delay := r.cfg.Interval
	timer := time.NewTimer(delay)
	defer timer.Stop()

	backoff := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		n, err := r.safeTick(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			if backoff == 0 {
				backoff = r.cfg.Interval
			}
			backoff = min(backoff*2, r.cfg.MaxBackoff)
			observability.LogStorageError(r.logger, "reconcile", err, backoff)
			delay = backoff
		case n >= r.cfg.BatchSize:
			backoff = 0
			delay = 0
		default:
			backoff = 0
			delay = r.cfg.Interval
		}
		timer.Reset(delay)
	}
}

func (r *Reconciler) safeTick(ctx context.Context) (n int, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("reconcile tick panic: %v", p)
		}
	}()
	return r.Tick(ctx)
}

// Tick processes one batch and returns the number of events leased. A
// failure confined to one event is logged and the event released. An
// unreachable store ends the tick with an error and releases the rest.
func (r *Reconciler) Tick(ctx context.Context) (int, error) {
	now := r.exec.Now()
	events, err := r.exec.store.ClaimBatch(ctx, store.Claim{
		Owner: r.owner,
		Now:   now,
		Until: now.Add(r.cfg.Lease),
	}, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim batch: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	subs, err := r.subs.Active(ctx)
	if err != nil {
		for _, evt := range events {
			r.exec.release(ctx, evt, r.owner)
		}
		return len(events), fmt.Errorf("load subscriptions: %w", err)
	}

	for i, evt := range events {
		err := r.process(ctx, evt, subs)
		if err == nil {
			continue
		}
		r.exec.release(ctx, evt, r.owner)
		if store.IsUnavailable(err) || ctx.Err() != nil {
			for _, rest := range events[i+1:] {
				r.exec.release(ctx, rest, r.owner)
			}
			return len(events), err
		}
		if r.logger != nil {
			r.logger.Error("event processing failed",
				slog.String("event_id", evt.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return len(events), nil
}

// process delivers one leased event and settles it.
func (r *Reconciler) process(ctx context.Context, evt *event.Event, subs []event.Subscription) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("process %s: panic: %v", evt.ID, p)
		}
	}()

	matching := r.exec.Matching(subs, evt)
	reachable := make([]event.Subscription, 0, len(matching))
	for _, sub := range matching {
		if r.exec.dispatcher.CanDispatch(sub) {
			reachable = append(reachable, sub)
		}
	}

	failed, err := r.exec.deliver(ctx, evt, reachable, anyEligible)
	if err != nil {
		return fmt.Errorf("deliver %s: %w", evt.ID, err)
	}
	if _, err := r.exec.settle(ctx, evt, r.owner, matching, failed); err != nil {
		return fmt.Errorf("settle %s: %w", evt.ID, err)
	}
	return nil
}
