package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	calls atomic.Int32
	delay time.Duration

	mu   sync.Mutex
	subs []event.Subscription
	err  error
}

func (f *fakeLister) ListSubscriptions(_ context.Context, activeOnly bool) ([]event.Subscription, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]event.Subscription(nil), f.subs...), nil
}

func (f *fakeLister) set(subs []event.Subscription, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = subs
	f.err = err
}

func TestSubscriptionCache_ServesWithinTTL(t *testing.T) {
	src := &fakeLister{subs: []event.Subscription{{ID: "a"}}}
	cache := NewSubscriptionCache(src, time.Minute)

	clock := time.Now()
	cache.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		subs, err := cache.Active(context.Background())
		require.NoError(t, err)
		assert.Len(t, subs, 1)
	}
	assert.Equal(t, int32(1), src.calls.Load())

	src.set([]event.Subscription{{ID: "a"}, {ID: "b"}}, nil)
	clock = clock.Add(2 * time.Minute)

	subs, err := cache.Active(context.Background())
	require.NoError(t, err)
	assert.Len(t, subs, 2)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestSubscriptionCache_Invalidate(t *testing.T) {
	src := &fakeLister{subs: []event.Subscription{{ID: "a"}}}
	cache := NewSubscriptionCache(src, time.Hour)

	_, err := cache.Active(context.Background())
	require.NoError(t, err)

	src.set(nil, nil)
	cache.Invalidate()

	subs, err := cache.Active(context.Background())
	require.NoError(t, err)
	assert.Empty(t, subs)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestSubscriptionCache_CollapsesConcurrentLoads(t *testing.T) {
	src := &fakeLister{subs: []event.Subscription{{ID: "a"}}, delay: 50 * time.Millisecond}
	cache := NewSubscriptionCache(src, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			subs, err := cache.Active(context.Background())
			assert.NoError(t, err)
			assert.Len(t, subs, 1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
}

func TestSubscriptionCache_StaleOnError(t *testing.T) {
	src := &fakeLister{subs: []event.Subscription{{ID: "a"}}}
	cache := NewSubscriptionCache(src, time.Hour)

	_, err := cache.Active(context.Background())
	require.NoError(t, err)

	src.set(nil, errors.New("connection refused"))
	cache.Invalidate()

	subs, err := cache.Active(context.Background())
	require.NoError(t, err)
	assert.Len(t, subs, 1, "previous snapshot is served while the store is down")
}

func TestSubscriptionCache_ErrorWithoutSnapshot(t *testing.T) {
	src := &fakeLister{err: errors.New("connection refused")}
	cache := NewSubscriptionCache(src, time.Hour)

	_, err := cache.Active(context.Background())
	assert.Error(t, err)
}

func TestIsUnavailable(t *testing.T) {
	assert.False(t, IsUnavailable(nil))
	assert.False(t, IsUnavailable(ErrNotFound))
	assert.True(t, IsUnavailable(ErrStoreClosed))
	assert.True(t, IsUnavailable(Unavailable("ping", errors.New("dial tcp: refused"))))
}

func TestParseDurability(t *testing.T) {
	m, err := ParseDurability("")
	require.NoError(t, err)
	assert.Equal(t, DurabilityDurable, m)

	m, err = ParseDurability("fast")
	require.NoError(t, err)
	assert.Equal(t, DurabilityFast, m)

	_, err = ParseDurability("eventual")
	assert.Error(t, err)
}
