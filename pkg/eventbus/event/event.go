package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/randalmurphal/eventbus/pkg/eventbus/pattern"
)

// Status is the lifecycle state of a published event.
type Status string

// Event statuses. An event only advances pending -> processing -> {completed, failed}.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether the status is completed or failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is allowed.
// Status never regresses; a terminal status never changes.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next.IsTerminal()
	default:
		return false
	}
}

// Event is one published occurrence with its payload and routing metadata.
//
// Tenant, company, and user identifiers are routing and isolation data only;
// handlers should not depend on them for business logic.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"event_type"`
	Source    string          `json:"event_source"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TenantID  string          `json:"tenant_id"`
	CompanyID string          `json:"company_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`

	Status       Status     `json:"status"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	CreatedAt    time.Time  `json:"created_at"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
	ExpiresAt    time.Time  `json:"expires_at"`
	ErrorMessage string     `json:"error_message,omitempty"`

	// Lease held by the worker that claimed the event. Empty when unclaimed.
	LockedBy    string     `json:"-"`
	LockedUntil *time.Time `json:"-"`
}

// Category returns the first segment of the event type.
func (e *Event) Category() string {
	return pattern.Category(e.Type)
}

// Expired reports whether the event is past its expiry at now.
func (e *Event) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s: empty payload", e.ID)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode payload of %s: %w", e.ID, err)
	}
	return nil
}

// Validate checks the invariants every stored event must satisfy.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if err := pattern.ValidateType(e.Type); err != nil {
		return fmt.Errorf("event type: %w", err)
	}
	if e.TenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if !e.Status.Valid() {
		return fmt.Errorf("invalid status %q", e.Status)
	}
	if !e.ExpiresAt.After(e.CreatedAt) {
		return fmt.Errorf("expires_at must be after created_at")
	}
	return nil
}
