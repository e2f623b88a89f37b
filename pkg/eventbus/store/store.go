// Package store defines persistence for events, subscriptions, and handler
// records. The sqlstore subpackage implements it on SQLite, PostgreSQL, and
// MySQL.
package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
)

// Store persists the bus state. The store's conditional updates and
// row locks are the only mutual exclusion between workers.
// Implementations must be safe for concurrent use.
type Store interface {
	EventStore
	SubscriptionStore
	RecordStore

	// Migrate creates tables and indexes if they do not exist.
	Migrate(ctx context.Context) error

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources (connections, files).
	Close() error
}

// Claim identifies the worker taking a lease on events.
type Claim struct {
	// Owner is the lease holder, unique per worker.
	Owner string

	// Now is the claim time. Events created at or after Now are not claimed.
	Now time.Time

	// Until is when the lease lapses if the owner neither finishes nor
	// releases the event.
	Until time.Time
}

// EventStore persists events.
type EventStore interface {
	// InsertEvent stores a new pending event.
	InsertEvent(ctx context.Context, evt *event.Event) error

	// GetEvent retrieves an event.
	// Returns ErrNotFound if it doesn't exist.
	GetEvent(ctx context.Context, id string) (*event.Event, error)

	// ClaimEvent atomically moves a pending, unexpired event to processing
	// under claim. Returns ErrClaimConflict if the event is not pending
	// (or is gone) and ErrNotFound if it never existed.
	ClaimEvent(ctx context.Context, id string, claim Claim) (*event.Event, error)

	// ClaimBatch leases up to limit pending or processing events whose
	// lease is free, created before claim.Now and not yet expired,
	// oldest first. Rows locked by another claimer are skipped, not waited on.
	// Pending events move to processing.
	ClaimBatch(ctx context.Context, claim Claim, limit int) ([]*event.Event, error)

	// ReleaseEvent drops owner's lease and leaves the event processing.
	// incrementRetry adds one to the event's retry count.
	ReleaseEvent(ctx context.Context, id, owner string, incrementRetry bool) error

	// FinishEvent moves an event owned by owner to a terminal status and
	// sets processed_at. A terminal event is never changed; that case
	// returns ErrClaimConflict.
	FinishEvent(ctx context.Context, id, owner string, status event.Status, errMsg string, at time.Time) error

	// ListTerminal returns terminal events processed before cutoff or
	// expired at now, oldest first.
	ListTerminal(ctx context.Context, cutoff, now time.Time, limit int) ([]*event.Event, error)

	// DeleteEvents removes events and their handler records.
	DeleteEvents(ctx context.Context, ids []string) (int64, error)

	// DeleteExpired removes up to limit events whose expires_at is before
	// now, whatever their status, along with their handler records.
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error)

	// CountByStatus returns the number of stored events per status.
	CountByStatus(ctx context.Context) (map[event.Status]int64, error)
}

// SubscriptionStore persists subscriptions.
type SubscriptionStore interface {
	// UpsertSubscription inserts sub or updates the routing fields of the
	// existing (subscriber_name, handler_name) row. The active flag of an
	// existing row is preserved. sub.ID, CreatedAt, UpdatedAt and IsActive
	// are set from the stored row.
	UpsertSubscription(ctx context.Context, sub *event.Subscription) error

	// GetSubscription retrieves a subscription.
	// Returns ErrNotFound if it doesn't exist.
	GetSubscription(ctx context.Context, id string) (*event.Subscription, error)

	// ListSubscriptions returns subscriptions ordered by creation.
	ListSubscriptions(ctx context.Context, activeOnly bool) ([]event.Subscription, error)

	// SetSubscriptionActive activates or deactivates a subscription.
	// Returns ErrNotFound if it doesn't exist.
	SetSubscriptionActive(ctx context.Context, id string, active bool, at time.Time) error
}

// RecordStore persists handler records.
type RecordStore interface {
	// CreateHandlerRecord inserts rec unless a record for the same
	// (event, subscription) pair exists. It reports whether this call
	// created the row; only the creator may dispatch the first attempt.
	CreateHandlerRecord(ctx context.Context, rec *event.HandlerRecord) (bool, error)

	// StartAttempt takes the record for another attempt if it is pending
	// and eligible at now, pushing NextAttemptAt to until. It reports
	// whether the attempt was taken.
	StartAttempt(ctx context.Context, eventID, subscriptionID string, now, until time.Time) (bool, error)

	// SaveHandlerRecord writes the outcome of an attempt. A record that is
	// already terminal is never overwritten.
	SaveHandlerRecord(ctx context.Context, rec *event.HandlerRecord) error

	// HandlerRecords returns all records for an event.
	HandlerRecords(ctx context.Context, eventID string) ([]event.HandlerRecord, error)
}

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates a row doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrClaimConflict indicates another worker owns the row or it is
	// already past the requested state. Workers skip it silently.
	ErrClaimConflict = errors.New("claim conflict")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("store closed")

	// ErrUnavailable indicates the store could not be reached.
	ErrUnavailable = errors.New("store unavailable")
)

// IsUnavailable reports whether err means the store itself is unreachable,
// as opposed to a problem with one row.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, ErrStoreClosed) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Unavailable wraps err as ErrUnavailable.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// DurabilityMode trades crash safety for write throughput.
type DurabilityMode string

const (
	// DurabilityDurable survives a storage-engine crash once publish returns.
	DurabilityDurable DurabilityMode = "durable"

	// DurabilityFast may lose recently committed events if the storage
	// engine crashes (unlogged tables, relaxed fsync).
	DurabilityFast DurabilityMode = "fast"
)

// ParseDurability converts a configuration string to a DurabilityMode.
func ParseDurability(s string) (DurabilityMode, error) {
	switch DurabilityMode(s) {
	case DurabilityDurable, "":
		return DurabilityDurable, nil
	case DurabilityFast:
		return DurabilityFast, nil
	}
	return "", fmt.Errorf("unknown durability mode %q (want fast or durable)", s)
}
