package retry_test

import (
	"testing"
	"time"

	"github.com/randalmurphal/eventbus/pkg/eventbus/dispatch"
	buserrors "github.com/randalmurphal/eventbus/pkg/eventbus/errors"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/randalmurphal/eventbus/pkg/eventbus/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func pendingRecord() *event.HandlerRecord {
	return &event.HandlerRecord{EventID: "e", SubscriptionID: "s", Status: event.RecordPending}
}

func TestApply_Success(t *testing.T) {
	c := retry.NewCoordinator(retry.DefaultPolicy)
	rec := pendingRecord()
	rec.RetryCount = 1
	rec.ErrorMessage = "earlier failure"

	changed := c.Apply(rec, event.Subscription{}, nil, dispatch.Outcome{Success: true}, now)
	require.True(t, changed)
	assert.Equal(t, event.RecordCompleted, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Empty(t, rec.ErrorMessage)
	require.NotNil(t, rec.CompletedAt)
	assert.Equal(t, now, *rec.CompletedAt)
}

func TestApply_TransientSchedulesRetry(t *testing.T) {
	c := retry.NewCoordinator(retry.Policy{
		Backoff:            buserrors.BackoffPolicy{Kind: buserrors.BackoffExponential, Factor: 2},
		DefaultMaxAttempts: 5,
	})
	sub := event.Subscription{MaxRetryAttempts: 4, RetryDelay: 10 * time.Second}
	rec := pendingRecord()

	wantDelays := []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second}
	for i, d := range wantDelays {
		c.Apply(rec, sub, nil, dispatch.Outcome{Error: "busy"}, now)
		assert.Equal(t, event.RecordPending, rec.Status)
		assert.Equal(t, i+1, rec.RetryCount)
		assert.Equal(t, now.Add(d), rec.NextAttemptAt)
		assert.Equal(t, "busy", rec.ErrorMessage)
		assert.Nil(t, rec.CompletedAt)
	}

	// Fourth failure reaches the limit.
	c.Apply(rec, sub, nil, dispatch.Outcome{Error: "busy"}, now)
	assert.Equal(t, event.RecordFailed, rec.Status)
	assert.Equal(t, 4, rec.RetryCount)
	assert.True(t, retry.Exhausted(rec))

	// Terminal records are never touched again.
	assert.False(t, c.Apply(rec, sub, nil, dispatch.Outcome{Success: true}, now))
	assert.Equal(t, event.RecordFailed, rec.Status)
}

func TestApply_FixedBackoff(t *testing.T) {
	c := retry.NewCoordinator(retry.Policy{Backoff: buserrors.BackoffPolicy{Kind: buserrors.BackoffFixed}})
	sub := event.Subscription{MaxRetryAttempts: 10, RetryDelay: time.Minute}
	rec := pendingRecord()

	for i := 0; i < 3; i++ {
		c.Apply(rec, sub, nil, dispatch.Outcome{Error: "x"}, now)
		assert.Equal(t, now.Add(time.Minute), rec.NextAttemptAt)
	}
}

func TestApply_PermanentSkipsBudget(t *testing.T) {
	c := retry.NewCoordinator(retry.DefaultPolicy)
	rec := pendingRecord()

	c.Apply(rec, event.Subscription{MaxRetryAttempts: 5}, nil, dispatch.Outcome{Error: "invalid payload", Permanent: true}, now)
	assert.Equal(t, event.RecordFailed, rec.Status)
	assert.Equal(t, 0, rec.RetryCount)
	assert.Equal(t, "invalid payload", rec.ErrorMessage)
}

func TestMaxAttempts(t *testing.T) {
	c := retry.NewCoordinator(retry.Policy{DefaultMaxAttempts: 7})

	assert.Equal(t, 2, c.MaxAttempts(event.Subscription{MaxRetryAttempts: 2}, &event.Event{MaxRetries: 9}))
	assert.Equal(t, 9, c.MaxAttempts(event.Subscription{}, &event.Event{MaxRetries: 9}))
	assert.Equal(t, 7, c.MaxAttempts(event.Subscription{}, &event.Event{}))
	assert.Equal(t, 7, c.MaxAttempts(event.Subscription{}, nil))
}

func TestApply_SingleAttempt(t *testing.T) {
	c := retry.NewCoordinator(retry.DefaultPolicy)
	rec := pendingRecord()

	c.Apply(rec, event.Subscription{MaxRetryAttempts: 1}, nil, dispatch.Outcome{Error: "x"}, now)
	assert.Equal(t, event.RecordFailed, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
}
