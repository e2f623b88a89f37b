package sqlstore_test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventbus/pkg/eventbus/archive"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/randalmurphal/eventbus/pkg/eventbus/store"
	"github.com/randalmurphal/eventbus/pkg/eventbus/store/sqlstore"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	s, err := sqlstore.Open(context.Background(), sqlstore.Config{
		Driver: sqlstore.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "bus.db"),
	})
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func pendingEvent(id string, created time.Time) *event.Event {
	return &event.Event{
		ID:         id,
		Type:       "order.created",
		Source:     "test",
		Payload:    json.RawMessage(`{"id":1}`),
		TenantID:   "acme",
		Status:     event.StatusPending,
		MaxRetries: 3,
		CreatedAt:  created,
		ExpiresAt:  created.Add(24 * time.Hour),
	}
}

func claimAt(owner string, now time.Time) store.Claim {
	return store.Claim{Owner: owner, Now: now, Until: now.Add(time.Minute)}
}

func TestStore_MigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	assert.NotEmpty(t, s.Schema())
	assert.Equal(t, sqlstore.DriverSQLite, s.Driver())
}

func TestStore_InsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	evt := pendingEvent("evt-1", t0)
	evt.CompanyID = "co"
	require.NoError(t, s.InsertEvent(ctx, evt))

	got, err := s.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, evt.Type, got.Type)
	assert.Equal(t, "co", got.CompanyID)
	assert.Empty(t, got.UserID)
	assert.JSONEq(t, `{"id":1}`, string(got.Payload))
	assert.Equal(t, event.StatusPending, got.Status)
	assert.True(t, got.CreatedAt.Equal(t0))
	assert.Nil(t, got.ProcessedAt)
	assert.Nil(t, got.LockedUntil)

	_, err = s.GetEvent(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_InsertNilPayload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	evt := pendingEvent("evt-1", t0)
	evt.Payload = nil
	require.NoError(t, s.InsertEvent(ctx, evt))

	got, err := s.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Nil(t, got.Payload)
}

func TestStore_InsertRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	evt := pendingEvent("evt-1", t0)
	evt.TenantID = ""
	assert.Error(t, s.InsertEvent(context.Background(), evt))
}

func TestStore_ClaimEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertEvent(ctx, pendingEvent("evt-1", t0)))

	got, err := s.ClaimEvent(ctx, "evt-1", claimAt("w1", t0.Add(time.Second)))
	require.NoError(t, err)
	assert.Equal(t, event.StatusProcessing, got.Status)
	assert.Equal(t, "w1", got.LockedBy)
	require.NotNil(t, got.LockedUntil)

	_, err = s.ClaimEvent(ctx, "evt-1", claimAt("w2", t0.Add(time.Second)))
	assert.ErrorIs(t, err, store.ErrClaimConflict)

	_, err = s.ClaimEvent(ctx, "missing", claimAt("w2", t0))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_ClaimEventExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertEvent(ctx, pendingEvent("evt-1", t0)))

	_, err := s.ClaimEvent(ctx, "evt-1", claimAt("w1", t0.Add(25*time.Hour)))
	assert.ErrorIs(t, err, store.ErrClaimConflict)
}

func TestStore_ClaimEventSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertEvent(ctx, pendingEvent("evt-1", t0)))

	const workers = 20
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ClaimEvent(ctx, "evt-1", claimAt(fmt.Sprintf("w%d", i), t0.Add(time.Second)))
			if err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, store.ErrClaimConflict)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestStore_ClaimBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertEvent(ctx, pendingEvent("old", t0)))
	require.NoError(t, s.InsertEvent(ctx, pendingEvent("mid", t0.Add(time.Second))))
	require.NoError(t, s.InsertEvent(ctx, pendingEvent("new", t0.Add(10*time.Second))))

	now := t0.Add(5 * time.Second)
	got, err := s.ClaimBatch(ctx, claimAt("r1", now), 10)
	require.NoError(t, err)
	require.Len(t, got, 2, "events created after now are not claimed")
	assert.Equal(t, "old", got[0].ID)
	assert.Equal(t, "mid", got[1].ID)
	for _, evt := range got {
		assert.Equal(t, event.StatusProcessing, evt.Status)
		assert.Equal(t, "r1", evt.LockedBy)
	}

	// Leased rows are skipped by another claimer.
	got, err = s.ClaimBatch(ctx, claimAt("r2", now), 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	// Once the lease lapses they can be taken over.
	later := now.Add(2 * time.Minute)
	got, err = s.ClaimBatch(ctx, claimAt("r2", later), 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "r2", got[0].LockedBy)
}

func TestStore_ClaimBatchLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := range 5 {
		require.NoError(t, s.InsertEvent(ctx, pendingEvent(fmt.Sprintf("evt-%d", i), t0.Add(time.Duration(i)*time.Millisecond))))
	}

	got, err := s.ClaimBatch(ctx, claimAt("r1", t0.Add(time.Second)), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "evt-0", got[0].ID)
	assert.Equal(t, "evt-1", got[1].ID)

	got, err = s.ClaimBatch(ctx, claimAt("r1", t0.Add(time.Second)), 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_ClaimBatchSkipsExpiredAndTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expired := pendingEvent("expired", t0)
	expired.ExpiresAt = t0.Add(time.Second)
	require.NoError(t, s.InsertEvent(ctx, expired))

	done := pendingEvent("done", t0)
	require.NoError(t, s.InsertEvent(ctx, done))
	_, err := s.ClaimEvent(ctx, "done", claimAt("w", t0.Add(time.Millisecond)))
	require.NoError(t, err)
	require.NoError(t, s.FinishEvent(ctx, "done", "w", event.StatusCompleted, "", t0.Add(time.Millisecond)))

	got, err := s.ClaimBatch(ctx, claimAt("r1", t0.Add(time.Hour)), 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_ReleaseEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertEvent(ctx, pendingEvent("evt-1", t0)))
	_, err := s.ClaimEvent(ctx, "evt-1", claimAt("w1", t0.Add(time.Second)))
	require.NoError(t, err)

	assert.ErrorIs(t, s.ReleaseEvent(ctx, "evt-1", "other", true), store.ErrClaimConflict)
	require.NoError(t, s.ReleaseEvent(ctx, "evt-1", "w1", true))

	got, err := s.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, event.StatusProcessing, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.LockedBy)
	assert.Nil(t, got.LockedUntil)

	// Released events are picked up by the next batch.
	batch, err := s.ClaimBatch(ctx, claimAt("r1", t0.Add(2*time.Second)), 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
}

func TestStore_FinishEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertEvent(ctx, pendingEvent("evt-1", t0)))

	// Not claimed yet.
	err := s.FinishEvent(ctx, "evt-1", "w1", event.StatusCompleted, "", t0)
	assert.ErrorIs(t, err, store.ErrClaimConflict)

	_, err = s.ClaimEvent(ctx, "evt-1", claimAt("w1", t0.Add(time.Second)))
	require.NoError(t, err)

	assert.Error(t, s.FinishEvent(ctx, "evt-1", "w1", event.StatusPending, "", t0))

	at := t0.Add(3 * time.Second)
	require.NoError(t, s.FinishEvent(ctx, "evt-1", "w1", event.StatusFailed, "boom", at))

	got, err := s.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, event.StatusFailed, got.Status)
	assert.Equal(t, "boom", got.ErrorMessage)
	require.NotNil(t, got.ProcessedAt)
	assert.True(t, got.ProcessedAt.Equal(at))
	assert.Empty(t, got.LockedBy)

	// Terminal status never changes.
	err = s.FinishEvent(ctx, "evt-1", "w1", event.StatusCompleted, "", at.Add(time.Second))
	assert.ErrorIs(t, err, store.ErrClaimConflict)
}

func TestStore_HandlerRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertEvent(ctx, pendingEvent("evt-1", t0)))

	rec := &event.HandlerRecord{
		EventID:        "evt-1",
		SubscriptionID: "sub-1",
		Status:         event.RecordPending,
		NextAttemptAt:  t0.Add(time.Minute),
	}
	created, err := s.CreateHandlerRecord(ctx, rec)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateHandlerRecord(ctx, rec)
	require.NoError(t, err)
	assert.False(t, created, "second create is a no-op")

	// Not eligible until next_attempt_at.
	ok, err := s.StartAttempt(ctx, "evt-1", "sub-1", t0, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.StartAttempt(ctx, "evt-1", "sub-1", t0.Add(time.Minute), t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	// The attempt pushed next_attempt_at forward.
	ok, err = s.StartAttempt(ctx, "evt-1", "sub-1", t0.Add(time.Minute), t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	done := t0.Add(90 * time.Second)
	rec.Status = event.RecordCompleted
	rec.CompletedAt = &done
	rec.NextAttemptAt = done
	require.NoError(t, s.SaveHandlerRecord(ctx, rec))

	// Terminal records are never overwritten.
	again := *rec
	again.Status = event.RecordFailed
	again.ErrorMessage = "late"
	require.NoError(t, s.SaveHandlerRecord(ctx, &again))

	recs, err := s.HandlerRecords(ctx, "evt-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, event.RecordCompleted, recs[0].Status)
	assert.Empty(t, recs[0].ErrorMessage)
	require.NotNil(t, recs[0].StartedAt)
	require.NotNil(t, recs[0].CompletedAt)
	assert.True(t, recs[0].CompletedAt.Equal(done))
}

func TestStore_Subscriptions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sub := &event.Subscription{
		SubscriberName: "billing",
		HandlerName:    "on_order",
		Pattern:        "order.*",
		IsActive:       true,
		Priority:       5,
		RetryDelay:     250 * time.Millisecond,
	}
	require.NoError(t, s.UpsertSubscription(ctx, sub))
	require.NotEmpty(t, sub.ID)
	assert.Equal(t, event.DeliverySync, sub.DeliveryMode)
	assert.True(t, sub.IsActive)
	id := sub.ID

	require.NoError(t, s.SetSubscriptionActive(ctx, id, false, t0))

	// Re-registering updates routing but keeps id and active flag.
	again := &event.Subscription{
		SubscriberName: "billing",
		HandlerName:    "on_order",
		Pattern:        "order.created",
		IsActive:       true,
		Priority:       10,
	}
	require.NoError(t, s.UpsertSubscription(ctx, again))
	assert.Equal(t, id, again.ID)
	assert.False(t, again.IsActive)
	assert.Equal(t, "order.created", again.Pattern)
	assert.Equal(t, 10, again.Priority)

	got, err := s.GetSubscription(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "order.created", got.Pattern)

	active, err := s.ListSubscriptions(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := s.ListSubscriptions(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = s.GetSubscription(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.SetSubscriptionActive(ctx, "missing", true, t0), store.ErrNotFound)
}

func TestStore_SubscriptionRetryDelayRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sub := &event.Subscription{
		SubscriberName:   "a",
		HandlerName:      "h",
		Pattern:          "*.created",
		IsActive:         true,
		DeliveryMode:     event.DeliveryAsync,
		MaxRetryAttempts: 7,
		RetryDelay:       1500 * time.Millisecond,
		Filter:           `payload.total > 10`,
		CallbackAddress:  "http://h.example/cb",
		TenantID:         "acme",
	}
	require.NoError(t, s.UpsertSubscription(ctx, sub))

	got, err := s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, got.RetryDelay)
	assert.Equal(t, event.DeliveryAsync, got.DeliveryMode)
	assert.Equal(t, 7, got.MaxRetryAttempts)
	assert.Equal(t, `payload.total > 10`, got.Filter)
	assert.Equal(t, "acme", got.TenantID)
	assert.True(t, got.IsRemote())
}

func finishedEvent(t *testing.T, s *sqlstore.Store, id string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.InsertEvent(ctx, pendingEvent(id, t0)))
	_, err := s.ClaimEvent(ctx, id, claimAt("w", t0.Add(time.Millisecond)))
	require.NoError(t, err)
	require.NoError(t, s.FinishEvent(ctx, id, "w", event.StatusCompleted, "", at))
}

func TestStore_CleanupQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	finishedEvent(t, s, "old", t0.Add(time.Minute))
	finishedEvent(t, s, "recent", t0.Add(2*time.Hour))
	require.NoError(t, s.InsertEvent(ctx, pendingEvent("open", t0)))
	_, err := s.CreateHandlerRecord(ctx, &event.HandlerRecord{
		EventID: "old", SubscriptionID: "sub-1", Status: event.RecordCompleted, NextAttemptAt: t0,
	})
	require.NoError(t, err)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[event.StatusCompleted])
	assert.Equal(t, int64(1), counts[event.StatusPending])
	assert.Equal(t, int64(0), counts[event.StatusFailed])

	terminal, err := s.ListTerminal(ctx, t0.Add(time.Hour), t0.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, terminal, 1)
	assert.Equal(t, "old", terminal[0].ID)

	n, err := s.DeleteEvents(ctx, []string{"old"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recs, err := s.HandlerRecords(ctx, "old")
	require.NoError(t, err)
	assert.Empty(t, recs, "records are deleted with their event")

	// Everything is past expiry a day later, whatever its status.
	n, err = s.DeleteExpired(ctx, t0.Add(48*time.Hour), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	counts, err = s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[event.StatusPending]+counts[event.StatusCompleted])
}

func TestStore_ListTerminalIncludesExpired(t *testing.T) {
	s := newTestStore(t)
	finishedEvent(t, s, "evt-1", t0.Add(time.Minute))

	// Retention cutoff excludes it, but it expired.
	got, err := s.ListTerminal(context.Background(), t0, t0.Add(25*time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestStore_Archive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := s.Archive()

	entry := archive.Entry{Event: *pendingEvent("evt-1", t0), ArchivedAt: t0}
	entry.Event.Status = event.StatusCompleted
	require.NoError(t, a.Append(ctx, entry))
	assert.ErrorIs(t, a.Append(ctx, entry), archive.ErrAlreadyArchived)

	got, err := a.Get(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, event.StatusCompleted, got.Event.Status)

	_, err = a.Get(ctx, "missing")
	assert.ErrorIs(t, err, archive.ErrNotFound)
}

func TestStore_Closed(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.GetEvent(context.Background(), "x")
	assert.ErrorIs(t, err, store.ErrStoreClosed)
	assert.ErrorIs(t, s.Ping(context.Background()), store.ErrStoreClosed)
}

func TestStore_FastDurability(t *testing.T) {
	s, err := sqlstore.Open(context.Background(), sqlstore.Config{
		DSN:         ":memory:",
		Durability:  store.DurabilityFast,
		TablePrefix: "fast_",
	})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.InsertEvent(context.Background(), pendingEvent("evt-1", t0)))
}

func TestOpen_Errors(t *testing.T) {
	_, err := sqlstore.Open(context.Background(), sqlstore.Config{Driver: "oracle", DSN: "x"})
	assert.Error(t, err)

	_, err = sqlstore.Open(context.Background(), sqlstore.Config{Driver: sqlstore.DriverSQLite})
	assert.Error(t, err)
}
