package worker

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/randalmurphal/eventbus/pkg/eventbus/dispatch"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/randalmurphal/eventbus/pkg/eventbus/filter"
	"github.com/randalmurphal/eventbus/pkg/eventbus/observability"
	"github.com/randalmurphal/eventbus/pkg/eventbus/retry"
	"github.com/randalmurphal/eventbus/pkg/eventbus/store"
)

// Store is the part of store.Store the workers use.
type Store interface {
	store.EventStore
	store.RecordStore
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	// InFlight is how long a started attempt blocks further attempts of the
	// same record. It must exceed the longest dispatch timeout.
	// Default: 1 minute
	InFlight time.Duration

	// Filter evaluates subscription filter expressions. Nil admits every
	// event whatever the subscription's filter.
	Filter *filter.Evaluator

	// Clock returns the current time.
	// Default: time.Now
	Clock func() time.Time

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager
}

// DefaultInFlight is the default ExecutorConfig.InFlight.
const DefaultInFlight = time.Minute

// Executor delivers one event to a set of subscriptions and decides when
// the event is finished. It is shared by the Listener and the Reconciler
// and is safe for concurrent use.
type Executor struct {
	store       Store
	dispatcher  dispatch.Dispatcher
	coordinator *retry.Coordinator
	cfg         ExecutorConfig

	async sync.WaitGroup
}

// NewExecutor creates an executor.
func NewExecutor(st Store, d dispatch.Dispatcher, c *retry.Coordinator, cfg ExecutorConfig) *Executor {
	if cfg.InFlight <= 0 {
		cfg.InFlight = DefaultInFlight
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.Spans == nil {
		cfg.Spans = observability.NoopSpanManager{}
	}
	if c == nil {
		c = retry.NewCoordinator(retry.DefaultPolicy)
	}
	return &Executor{store: st, dispatcher: d, coordinator: c, cfg: cfg}
}

// Now returns the executor's clock reading in UTC.
func (x *Executor) Now() time.Time {
	return x.cfg.Clock().UTC()
}

// Eligible reports whether sub should receive evt: active, pattern and
// tenant match, and the filter expression (if any) holds.
func (x *Executor) Eligible(sub event.Subscription, evt *event.Event) bool {
	if !sub.Matches(evt) {
		return false
	}
	if sub.Filter == "" || x.cfg.Filter == nil {
		return true
	}
	return x.cfg.Filter.Match(sub.Filter, evt)
}

// Matching returns the subscriptions eligible for evt, highest priority
// first. Equal priorities keep the order of subs.
func (x *Executor) Matching(subs []event.Subscription, evt *event.Event) []event.Subscription {
	out := make([]event.Subscription, 0, len(subs))
	for _, sub := range subs {
		if x.Eligible(sub, evt) {
			out = append(out, sub)
		}
	}
	slices.SortStableFunc(out, func(a, b event.Subscription) int {
		return cmp.Compare(b.Priority, a.Priority)
	})
	return out
}

// deliverMode selects which records a delivery pass may attempt.
type deliverMode int

const (
	// firstAttempt only dispatches to subscriptions without a record.
	firstAttempt deliverMode = iota

	// anyEligible also retries pending records whose backoff has passed.
	anyEligible
)

// deliver dispatches evt to each subscription in subs, in order. It
// reports whether any synchronous attempt failed. Async subscriptions are
// dispatched in the background; Wait blocks until they finish.
//
// A store error stops the pass and is returned; records already written stay.
func (x *Executor) deliver(ctx context.Context, evt *event.Event, subs []event.Subscription, mode deliverMode) (bool, error) {
	if len(subs) == 0 {
		return false, nil
	}

	existing, err := x.store.HandlerRecords(ctx, evt.ID)
	if err != nil {
		return false, err
	}
	records := make(map[string]event.HandlerRecord, len(existing))
	for _, rec := range existing {
		records[rec.SubscriptionID] = rec
	}

	failed := false
	for _, sub := range subs {
		if ctx.Err() != nil {
			return failed, ctx.Err()
		}
		now := x.Now()

		rec, ok := records[sub.ID]
		if ok {
			if mode == firstAttempt || !rec.Eligible(now) {
				continue
			}
		} else {
			rec = event.HandlerRecord{
				EventID:        evt.ID,
				SubscriptionID: sub.ID,
				Status:         event.RecordPending,
				NextAttemptAt:  now,
			}
			created, err := x.store.CreateHandlerRecord(ctx, &rec)
			if err != nil {
				return failed, err
			}
			if !created {
				// Another worker created it since the records were loaded.
				continue
			}
		}

		started, err := x.store.StartAttempt(ctx, evt.ID, sub.ID, now, now.Add(x.cfg.InFlight))
		if err != nil {
			return failed, err
		}
		if !started {
			continue
		}
		rec.StartedAt = &now

		if sub.DeliveryMode == event.DeliveryAsync {
			x.async.Add(1)
			go func(sub event.Subscription, rec event.HandlerRecord) {
				defer x.async.Done()
				bg := context.WithoutCancel(ctx)
				if _, err := x.attempt(bg, evt, sub, rec); err != nil {
					observability.LogStorageError(x.cfg.Logger, "save handler record", err, 0)
				}
			}(sub, rec)
			continue
		}

		ok, err = x.attempt(ctx, evt, sub, rec)
		if err != nil {
			return failed, err
		}
		if !ok {
			failed = true
		}
	}
	return failed, nil
}

// attempt dispatches once and stores the outcome. It reports whether the
// handler succeeded.
func (x *Executor) attempt(ctx context.Context, evt *event.Event, sub event.Subscription, rec event.HandlerRecord) (bool, error) {
	spanCtx, span := x.cfg.Spans.StartDispatchSpan(ctx, evt.ID, evt.Type, sub.Key())
	out := x.dispatcher.Dispatch(spanCtx, sub, evt)
	var spanErr error
	if !out.Success {
		spanErr = errors.New(out.Error)
	}
	x.cfg.Spans.EndSpanWithError(span, spanErr)

	x.cfg.Metrics.RecordDispatch(ctx, sub.Key(), out.Success, out.Duration)
	observability.LogDispatch(x.cfg.Logger, evt.ID, sub.Key(), out.Success, out.Error, out.Duration)

	x.coordinator.Apply(&rec, sub, evt, out, x.Now())
	if err := x.store.SaveHandlerRecord(ctx, &rec); err != nil {
		return out.Success, err
	}
	return out.Success, nil
}

// settle finishes evt when every subscription in matching has a terminal
// record, and otherwise releases the lease so a later pass can continue.
// It returns the event's status after the call.
//
// An event with no matching subscription completes. It fails when every
// record is terminal and at least one failed.
func (x *Executor) settle(ctx context.Context, evt *event.Event, owner string, matching []event.Subscription, failedPass bool) (event.Status, error) {
	recs, err := x.store.HandlerRecords(ctx, evt.ID)
	if err != nil {
		return evt.Status, err
	}
	byID := make(map[string]event.HandlerRecord, len(recs))
	for _, rec := range recs {
		byID[rec.SubscriptionID] = rec
	}

	done := true
	var failures []string
	for _, sub := range matching {
		rec, ok := byID[sub.ID]
		if !ok || !rec.Status.IsTerminal() {
			done = false
			break
		}
		if rec.Status == event.RecordFailed {
			failures = append(failures, fmt.Sprintf("%s: %s", sub.Key(), rec.ErrorMessage))
		}
	}

	if !done {
		if err := x.store.ReleaseEvent(ctx, evt.ID, owner, failedPass); err != nil {
			return evt.Status, x.conflict(ctx, evt.ID, err)
		}
		return event.StatusProcessing, nil
	}

	status := event.StatusCompleted
	if len(failures) > 0 {
		status = event.StatusFailed
	}
	if err := x.store.FinishEvent(ctx, evt.ID, owner, status, strings.Join(failures, "; "), x.Now()); err != nil {
		return evt.Status, x.conflict(ctx, evt.ID, err)
	}

	x.cfg.Metrics.RecordEventFinished(ctx, string(status))
	observability.LogEventFinished(x.cfg.Logger, evt.ID, string(status), len(matching))
	return status, nil
}

// release drops the lease after a failed pass, best effort.
func (x *Executor) release(ctx context.Context, evt *event.Event, owner string) {
	if err := x.store.ReleaseEvent(context.WithoutCancel(ctx), evt.ID, owner, false); err != nil &&
		!errors.Is(err, store.ErrClaimConflict) {
		observability.LogStorageError(x.cfg.Logger, "release event", err, 0)
	}
}

// conflict swallows a lost lease: another worker took the event over.
func (x *Executor) conflict(ctx context.Context, eventID string, err error) error {
	if errors.Is(err, store.ErrClaimConflict) {
		x.cfg.Metrics.RecordClaimConflict(ctx)
		observability.LogClaimConflict(x.cfg.Logger, eventID)
		return nil
	}
	return err
}

// Wait blocks until every async delivery started so far has finished.
func (x *Executor) Wait() {
	x.async.Wait()
}
