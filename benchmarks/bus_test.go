package benchmarks

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/randalmurphal/eventbus/pkg/eventbus"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/randalmurphal/eventbus/pkg/eventbus/store"
	"github.com/randalmurphal/eventbus/pkg/eventbus/store/sqlstore"
	"github.com/randalmurphal/eventbus/pkg/eventbus/worker"
)

// OrderPayload is a typical small payload.
type OrderPayload struct {
	ID       string            `json:"id"`
	Total    float64           `json:"total"`
	Lines    []int             `json:"lines"`
	Metadata map[string]string `json:"metadata"`
}

func createPayload() OrderPayload {
	return OrderPayload{
		ID:    "o-1001",
		Total: 249.90,
		Lines: []int{1, 2, 3, 4, 5},
		Metadata: map[string]string{
			"channel": "web",
			"region":  "eu-west",
		},
	}
}

// BenchmarkPublish_SQLiteDurable publishes to a SQLite store with full fsync.
func BenchmarkPublish_SQLiteDurable(b *testing.B) {
	benchmarkPublish(b, store.DurabilityDurable)
}

// BenchmarkPublish_SQLiteFast publishes to a SQLite store with relaxed fsync.
func BenchmarkPublish_SQLiteFast(b *testing.B) {
	benchmarkPublish(b, store.DurabilityFast)
}

func benchmarkPublish(b *testing.B, mode store.DurabilityMode) {
	bus := createBus(b, mode, eventbus.WithSignals(nil, nil))
	ctx := context.Background()
	req := eventbus.PublishRequest{Type: "order.created", Source: "bench", TenantID: "acme", Payload: createPayload()}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := bus.Publish(ctx, req); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkReconcile_Batch50 delivers batches of 50 events to two handlers.
func BenchmarkReconcile_Batch50(b *testing.B) {
	bus := createBus(b, store.DurabilityFast,
		eventbus.WithSignals(nil, nil),
		eventbus.WithReconciler(worker.ReconcilerConfig{BatchSize: 50}),
	)
	ctx := context.Background()
	noop := func(context.Context, *event.Event) error { return nil }
	for _, sub := range []event.Subscription{
		{SubscriberName: "billing", HandlerName: "invoice", Pattern: "order.created", Priority: 10},
		{SubscriberName: "audit", HandlerName: "audit", Pattern: "order.*"},
	} {
		if _, err := bus.Subscribe(ctx, sub, noop); err != nil {
			b.Fatal(err)
		}
	}
	req := eventbus.PublishRequest{Type: "order.created", Source: "bench", TenantID: "acme", Payload: createPayload()}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		for j := 0; j < 50; j++ {
			if _, err := bus.Publish(ctx, req); err != nil {
				b.Fatal(err)
			}
		}
		// Claims only see events created strictly before now.
		time.Sleep(time.Millisecond)
		b.StartTimer()

		if _, err := bus.Reconcile(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

func createBus(b *testing.B, mode store.DurabilityMode, opts ...eventbus.Option) *eventbus.Bus {
	b.Helper()
	ctx := context.Background()
	st, err := sqlstore.Open(ctx, sqlstore.Config{
		DSN:        filepath.Join(b.TempDir(), "bench.db"),
		Durability: mode,
	})
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { st.Close() })
	if err := st.Migrate(ctx); err != nil {
		b.Fatal(err)
	}

	bus, err := eventbus.New(st, append([]eventbus.Option{eventbus.WithoutListener()}, opts...)...)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(bus.Stop)
	return bus
}
