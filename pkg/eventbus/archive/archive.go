// Package archive keeps a write-once copy of terminal events and their
// handler records before cleanup deletes them from the live store.
package archive

import (
	"context"
	"errors"
	"time"

	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
)

// Sentinel errors for archive operations.
var (
	// ErrAlreadyArchived indicates an entry for the event exists. Entries
	// are never overwritten, so a repeated cleanup pass treats this as done.
	ErrAlreadyArchived = errors.New("event already archived")

	// ErrNotFound indicates no entry exists for the event.
	ErrNotFound = errors.New("archive entry not found")
)

// Entry is one archived event with the outcome of every handler.
type Entry struct {
	Event      event.Event           `json:"event"`
	Records    []event.HandlerRecord `json:"records"`
	ArchivedAt time.Time             `json:"archived_at"`
}

// Archive stores entries. Implementations must be safe for concurrent use.
type Archive interface {
	// Append stores entry. Returns ErrAlreadyArchived if the event is
	// already archived.
	Append(ctx context.Context, entry Entry) error

	// Get retrieves the entry for an event.
	// Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, eventID string) (*Entry, error)
}
