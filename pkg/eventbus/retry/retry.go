// Package retry decides what happens to a handler record after each
// dispatch attempt: completion, another attempt later, or terminal failure.
package retry

import (
	"time"

	"github.com/randalmurphal/eventbus/pkg/eventbus/dispatch"
	buserrors "github.com/randalmurphal/eventbus/pkg/eventbus/errors"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
)

// Policy configures retry accounting.
type Policy struct {
	// Backoff computes the wait before the next attempt from the
	// subscription's retry delay.
	Backoff buserrors.BackoffPolicy

	// DefaultMaxAttempts applies when neither the subscription nor the
	// event sets a limit.
	// Default: 3
	DefaultMaxAttempts int
}

// DefaultPolicy provides reasonable defaults.
var DefaultPolicy = Policy{
	Backoff:            buserrors.DefaultBackoff,
	DefaultMaxAttempts: 3,
}

// Coordinator applies dispatch outcomes to handler records.
// It is stateless and safe for concurrent use.
type Coordinator struct {
	policy Policy
}

// NewCoordinator creates a coordinator.
func NewCoordinator(policy Policy) *Coordinator {
	if policy.DefaultMaxAttempts <= 0 {
		policy.DefaultMaxAttempts = DefaultPolicy.DefaultMaxAttempts
	}
	if policy.Backoff.Kind == "" {
		policy.Backoff = DefaultPolicy.Backoff
	}
	return &Coordinator{policy: policy}
}

// MaxAttempts returns the attempt limit for sub handling evt: the
// subscription's own limit, else the event's, else the policy default.
func (c *Coordinator) MaxAttempts(sub event.Subscription, evt *event.Event) int {
	if sub.MaxRetryAttempts > 0 {
		return sub.MaxRetryAttempts
	}
	if evt != nil && evt.MaxRetries > 0 {
		return evt.MaxRetries
	}
	return c.policy.DefaultMaxAttempts
}

// Apply records out on rec at now.
//
//   - success: completed.
//   - permanent failure: failed, retry count untouched.
//   - transient failure: retry count incremented; failed once it reaches
//     the attempt limit, otherwise pending until now + delay.
//
// Apply never touches a record that is already terminal and reports
// whether it changed rec.
func (c *Coordinator) Apply(rec *event.HandlerRecord, sub event.Subscription, evt *event.Event, out dispatch.Outcome, now time.Time) bool {
	if rec.Status.IsTerminal() {
		return false
	}

	switch {
	case out.Success:
		rec.Status = event.RecordCompleted
		rec.CompletedAt = &now
		rec.ErrorMessage = ""
		rec.NextAttemptAt = now

	case out.Permanent:
		rec.Status = event.RecordFailed
		rec.CompletedAt = &now
		rec.ErrorMessage = out.Error
		rec.NextAttemptAt = now

	default:
		rec.RetryCount++
		rec.ErrorMessage = out.Error
		if rec.RetryCount >= c.MaxAttempts(sub, evt) {
			rec.Status = event.RecordFailed
			rec.CompletedAt = &now
			rec.NextAttemptAt = now
		} else {
			rec.Status = event.RecordPending
			rec.NextAttemptAt = now.Add(c.policy.Backoff.Delay(sub.RetryDelay, rec.RetryCount))
		}
	}
	return true
}

// Exhausted reports whether rec failed and will not be attempted again.
func Exhausted(rec *event.HandlerRecord) bool {
	return rec.Status == event.RecordFailed
}
