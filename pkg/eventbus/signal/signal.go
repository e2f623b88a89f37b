// Package signal carries best-effort "event published" notifications from
// publishers to live listeners.
//
// Signals are hints. A lost signal only delays delivery until the next
// reconciliation pass, so no implementation buffers or persists them.
//
// Each event is announced on three channels so a listener can subscribe
// broadly or narrowly:
//
//	bus_events                    every event
//	bus_events.order              every event in the "order" category
//	bus_events.order.created      one event type
package signal

import (
	"context"
	"errors"
	"slices"

	"github.com/randalmurphal/eventbus/pkg/eventbus/pattern"
)

// DefaultPrefix is the global channel name and the prefix of the others.
const DefaultPrefix = "bus_events"

// ErrClosed is returned when operations are attempted on a closed bus.
var ErrClosed = errors.New("signal: closed")

// Signal announces that an event was committed.
type Signal struct {
	Channel string
	EventID string
}

// Notifier emits signals. Notify is best effort; callers log a failure and
// carry on.
type Notifier interface {
	Notify(ctx context.Context, channels []string, eventID string) error
}

// Source delivers signals for a set of channels. The returned channel is
// closed when ctx ends or the underlying connection is lost; the caller
// reconnects by calling Listen again.
type Source interface {
	Listen(ctx context.Context, channels []string) (<-chan Signal, error)
}

// Channels returns the global, category, and type channels for eventType,
// without duplicates.
func Channels(prefix, eventType string) []string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	chans := []string{
		prefix,
		prefix + pattern.Separator + pattern.Category(eventType),
		prefix + pattern.Separator + eventType,
	}
	return slices.Compact(chans)
}

// Discard is a Notifier that drops every signal, for deployments that rely
// on reconciliation alone.
type Discard struct{}

// Notify implements Notifier.
func (Discard) Notify(context.Context, []string, string) error { return nil }

// Multi fans a signal out to several notifiers and returns the first error.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, channels []string, eventID string) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, channels, eventID); err != nil && first == nil {
			first = err
		}
	}
	return first
}
