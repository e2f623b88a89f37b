/*
Package eventbus provides a durable, multi-tenant event bus for decoupled
communication between an application core and independently deployed
modules.

# Overview

Events are committed to a SQL store before anything else happens. Two
delivery paths then race to run the subscribed handlers:

  - The live listener hears a signal for the new event, claims it, and
    runs the handlers registered in its own process.
  - The reconciler polls the store on an interval, leases unfinished
    events oldest first, and delivers them to every subscription it can
    reach, including remote callbacks.

A handler record keyed by (event, subscription) is created before each
first dispatch. Whoever creates it owns the dispatch, so the two paths
never run the same handler twice for one event.

# Basic Usage

	st, err := sqlstore.Open(ctx, sqlstore.Config{Driver: "sqlite", DSN: "bus.db"})
	if err != nil {
	    log.Fatal(err)
	}
	if err := st.Migrate(ctx); err != nil {
	    log.Fatal(err)
	}

	bus, err := eventbus.New(st)
	if err != nil {
	    log.Fatal(err)
	}

	_, err = bus.Subscribe(ctx, event.Subscription{
	    SubscriberName: "billing",
	    HandlerName:    "open-ledger",
	    Pattern:        "company.created",
	}, func(ctx context.Context, evt *event.Event) error {
	    var company struct{ ID int }
	    if err := evt.Decode(&company); err != nil {
	        return errors.Permanent(err, "decode company")
	    }
	    return openLedger(ctx, company.ID)
	})

	if err := bus.Start(ctx); err != nil {
	    log.Fatal(err)
	}
	defer bus.Stop()

	id, err := bus.Publish(ctx, eventbus.PublishRequest{
	    Type:     "company.created",
	    Source:   "core",
	    TenantID: "acme",
	    Payload:  map[string]any{"ID": 42},
	})

# Patterns

Event types and patterns are dot-segmented. A pattern segment "*" matches
exactly one event segment, and the segment counts must be equal:

	order.*        matches order.created, not order.line.added
	*.created      matches order.created and company.created

# Completion and Retries

An event completes once every matching subscription has a completed
record. It fails once every record is terminal and at least one failed.
Failed attempts are retried per subscription after a backoff until the
subscription's attempt limit; a handler returning errors.Permanent fails
at once. One subscription's failure never affects another's.

# Remote Subscriptions

SubscribeRemote registers a callback URL. The reconciler POSTs
{event_id, event_type, payload, tenant_id} and expects
{success, error}. Timeouts and connection failures are retried.

# Cleanup

Cleanup deletes expired events whatever their status, and terminal events
older than the retention window, optionally archiving them first.
*/
package eventbus
