package registry_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/randalmurphal/eventbus/pkg/eventbus/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context, *event.Event) error { return nil }

func sub(handler, pattern string, priority int) event.Subscription {
	return event.Subscription{
		ID:             "id-" + handler,
		SubscriberName: "orders",
		HandlerName:    handler,
		Pattern:        pattern,
		Priority:       priority,
		IsActive:       true,
	}
}

func handlerNames(regs []registry.Registration) []string {
	names := make([]string, len(regs))
	for i, r := range regs {
		names[i] = r.Subscription.HandlerName
	}
	return names
}

func TestFindMatching_PriorityOrder(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(sub("wildcard", "order.*", 5), noop))
	require.NoError(t, reg.Register(sub("exact", "order.created", 10), noop))
	require.NoError(t, reg.Register(sub("other", "invoice.*", 100), noop))

	got := reg.FindMatching("order.created")
	assert.Equal(t, []string{"exact", "wildcard"}, handlerNames(got))
}

func TestFindMatching_TiesKeepRegistrationOrder(t *testing.T) {
	reg := registry.New()
	for i := 0; i < 5; i++ {
		require.NoError(t, reg.Register(sub(fmt.Sprintf("h%d", i), "order.*", 1), noop))
	}
	require.NoError(t, reg.Register(sub("urgent", "*.created", 2), noop))

	got := reg.FindMatching("order.created")
	assert.Equal(t, []string{"urgent", "h0", "h1", "h2", "h3", "h4"}, handlerNames(got))
}

func TestFindMatching_InactiveExcluded(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(sub("a", "order.*", 0), noop))
	require.NoError(t, reg.Register(sub("b", "order.*", 0), noop))

	assert.True(t, reg.SetActive("id-a", false))
	assert.Equal(t, []string{"b"}, handlerNames(reg.FindMatching("order.created")))

	assert.True(t, reg.SetActive("id-a", true))
	assert.Equal(t, []string{"a", "b"}, handlerNames(reg.FindMatching("order.created")))

	assert.False(t, reg.SetActive("missing", true))
}

func TestRegister_ReplaceKeepsOrder(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(sub("a", "order.*", 0), noop))
	require.NoError(t, reg.Register(sub("b", "order.*", 0), noop))
	require.NoError(t, reg.Register(sub("a", "order.created", 0), noop))

	assert.Equal(t, 2, reg.Len())
	assert.Equal(t, []string{"a", "b"}, handlerNames(reg.FindMatching("order.created")))
	assert.Equal(t, []string{"b"}, handlerNames(reg.FindMatching("order.updated")))
}

func TestRegister_Invalid(t *testing.T) {
	reg := registry.New()
	assert.Error(t, reg.Register(sub("a", "order..*", 0), noop))
	assert.Error(t, reg.Register(sub("a", "order.*", 0), nil))
	assert.Equal(t, 0, reg.Len())
}

func TestUnregister(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(sub("a", "order.*", 0), noop))
	require.NoError(t, reg.Register(sub("b", "order.*", 0), noop))
	require.NoError(t, reg.Register(sub("c", "order.*", 0), noop))

	assert.True(t, reg.Unregister("orders/b"))
	assert.False(t, reg.Unregister("orders/b"))
	assert.Equal(t, []string{"a", "c"}, handlerNames(reg.All()))

	// Index stays consistent after removal.
	require.NoError(t, reg.Register(sub("c", "invoice.*", 0), noop))
	assert.Equal(t, 2, reg.Len())
	assert.Equal(t, []string{"a"}, handlerNames(reg.FindMatching("order.created")))
}

func TestConcurrentAccess(t *testing.T) {
	reg := registry.New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = reg.Register(sub(fmt.Sprintf("h%d", i), "order.*", i%3), noop)
		}(i)
		go func() {
			defer wg.Done()
			_ = reg.FindMatching("order.created")
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, reg.Len())
}
