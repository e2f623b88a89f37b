// Package registry keeps the subscriptions whose handlers live in this
// process, for the live listener to route signals without a store round trip.
package registry

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/randalmurphal/eventbus/pkg/eventbus/dispatch"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/randalmurphal/eventbus/pkg/eventbus/pattern"
)

// Registration is one handler registered in this process.
type Registration struct {
	Subscription event.Subscription
	Handler      dispatch.HandlerFunc

	seq uint64
}

// Registry is an in-memory index of local subscriptions.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries []Registration
	byKey   map[string]int // subscription key -> index in entries
	nextSeq uint64
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{byKey: make(map[string]int)}
}

// Register adds sub with its handler. Registering the same
// (subscriber, handler) pair again replaces the entry but keeps its
// original registration order.
func (r *Registry) Register(sub event.Subscription, fn dispatch.HandlerFunc) error {
	if err := sub.Validate(); err != nil {
		return fmt.Errorf("register %s: %w", sub.Key(), err)
	}
	if fn == nil {
		return fmt.Errorf("register %s: nil handler", sub.Key())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if i, ok := r.byKey[sub.Key()]; ok {
		r.entries[i].Subscription = sub
		r.entries[i].Handler = fn
		return nil
	}

	r.nextSeq++
	r.byKey[sub.Key()] = len(r.entries)
	r.entries = append(r.entries, Registration{Subscription: sub, Handler: fn, seq: r.nextSeq})
	return nil
}

// Unregister removes the registration for the (subscriber, handler) key.
func (r *Registry) Unregister(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.byKey[key]
	if !ok {
		return false
	}
	r.entries = slices.Delete(r.entries, i, i+1)
	delete(r.byKey, key)
	for j := i; j < len(r.entries); j++ {
		r.byKey[r.entries[j].Subscription.Key()] = j
	}
	return true
}

// SetActive updates the active flag of the registration with subscription id.
func (r *Registry) SetActive(id string, active bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.entries {
		if r.entries[i].Subscription.ID == id {
			r.entries[i].Subscription.IsActive = active
			return true
		}
	}
	return false
}

// FindMatching returns the active registrations whose pattern matches
// eventType, highest priority first; equal priorities keep registration order.
func (r *Registry) FindMatching(eventType string) []Registration {
	r.mu.RLock()
	matched := make([]Registration, 0, len(r.entries))
	for _, reg := range r.entries {
		if reg.Subscription.IsActive && pattern.Matches(eventType, reg.Subscription.Pattern) {
			matched = append(matched, reg)
		}
	}
	r.mu.RUnlock()

	SortByPriority(matched)
	return matched
}

// All returns every registration in registration order.
func (r *Registry) All() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := slices.Clone(r.entries)
	slices.SortStableFunc(out, func(a, b Registration) int {
		return cmp.Compare(a.seq, b.seq)
	})
	return out
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// SortByPriority orders registrations by priority descending, then by
// registration order.
func SortByPriority(regs []Registration) {
	slices.SortStableFunc(regs, func(a, b Registration) int {
		if a.Subscription.Priority != b.Subscription.Priority {
			return cmp.Compare(b.Subscription.Priority, a.Subscription.Priority)
		}
		return cmp.Compare(a.seq, b.seq)
	})
}
