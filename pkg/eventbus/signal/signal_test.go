package signal_test

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventbus/pkg/eventbus/signal"
)

func TestChannels(t *testing.T) {
	tests := []struct {
		name      string
		prefix    string
		eventType string
		want      []string
	}{
		{"three levels", "bus_events", "order.created", []string{"bus_events", "bus_events.order", "bus_events.order.created"}},
		{"deep type", "bus", "a.b.c", []string{"bus", "bus.a", "bus.a.b.c"}},
		{"single segment dedupes", "bus", "ping", []string{"bus", "bus.ping"}},
		{"default prefix", "", "order.created", []string{"bus_events", "bus_events.order", "bus_events.order.created"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, signal.Channels(tt.prefix, tt.eventType))
		})
	}
}

func recv(t *testing.T, ch <-chan signal.Signal) signal.Signal {
	t.Helper()
	select {
	case sig, ok := <-ch:
		require.True(t, ok, "channel closed")
		return sig
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for signal")
	}
	return signal.Signal{}
}

func TestLocalBus_NotifyListen(t *testing.T) {
	bus := signal.NewLocalBus(signal.DefaultLocalConfig)
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orders, err := bus.Listen(ctx, []string{"bus_events.order"})
	require.NoError(t, err)
	users, err := bus.Listen(ctx, []string{"bus_events.user"})
	require.NoError(t, err)

	require.NoError(t, bus.Notify(ctx, signal.Channels("bus_events", "order.created"), "evt-1"))

	sig := recv(t, orders)
	assert.Equal(t, "evt-1", sig.EventID)
	assert.Equal(t, "bus_events.order", sig.Channel)

	select {
	case sig := <-users:
		t.Fatalf("unexpected signal %+v", sig)
	default:
	}
}

func TestLocalBus_DropsWhenFull(t *testing.T) {
	var dropped atomic.Int32
	bus := signal.NewLocalBus(signal.LocalConfig{
		BufferSize: 1,
		OnDrop:     func(signal.Signal) { dropped.Add(1) },
	})
	defer bus.Close()
	ctx := context.Background()

	_, err := bus.Listen(ctx, []string{"c"})
	require.NoError(t, err)

	for range 3 {
		require.NoError(t, bus.Notify(ctx, []string{"c"}, "evt"))
	}
	assert.Equal(t, int32(2), dropped.Load())
}

func TestLocalBus_ContextEndsListener(t *testing.T) {
	bus := signal.NewLocalBus(signal.DefaultLocalConfig)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Listen(ctx, []string{"c"})
	require.NoError(t, err)
	assert.Equal(t, 1, bus.Listeners())

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("listener channel not closed")
	}
	assert.Eventually(t, func() bool { return bus.Listeners() == 0 }, time.Second, 10*time.Millisecond)

	// Notify after removal is harmless.
	assert.NoError(t, bus.Notify(context.Background(), []string{"c"}, "evt"))
}

func TestLocalBus_Close(t *testing.T) {
	bus := signal.NewLocalBus(signal.DefaultLocalConfig)
	ch, err := bus.Listen(context.Background(), []string{"c"})
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("listener channel not closed")
	}
	assert.ErrorIs(t, bus.Notify(context.Background(), []string{"c"}, "evt"), signal.ErrClosed)
	_, err = bus.Listen(context.Background(), []string{"c"})
	assert.ErrorIs(t, err, signal.ErrClosed)
}

func TestMulti(t *testing.T) {
	a := signal.NewLocalBus(signal.DefaultLocalConfig)
	b := signal.NewLocalBus(signal.DefaultLocalConfig)
	defer a.Close()
	ctx := context.Background()

	ch, err := a.Listen(ctx, []string{"c"})
	require.NoError(t, err)
	require.NoError(t, b.Close())

	err = signal.Multi{b, a, signal.Discard{}}.Notify(ctx, []string{"c"}, "evt-1")
	assert.ErrorIs(t, err, signal.ErrClosed)
	assert.Equal(t, "evt-1", recv(t, ch).EventID, "later notifiers still run")
}

func TestChannels_LongTypeStillListed(t *testing.T) {
	long := strings.Repeat("x", 80) + ".created"
	chans := signal.Channels("bus_events", long)
	assert.Len(t, chans, 3)
}
