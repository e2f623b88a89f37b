package event

import (
	"fmt"
	"time"

	"github.com/randalmurphal/eventbus/pkg/eventbus/pattern"
)

// DeliveryMode controls whether a worker waits for a handler before moving on.
type DeliveryMode string

const (
	// DeliverySync dispatches and records the outcome before the next subscription.
	DeliverySync DeliveryMode = "sync"

	// DeliveryAsync dispatches in the background. The outcome is still
	// recorded and still counts toward the event's completion.
	DeliveryAsync DeliveryMode = "async"
)

// Valid reports whether m is a known delivery mode.
func (m DeliveryMode) Valid() bool {
	return m == DeliverySync || m == DeliveryAsync
}

// Subscription is a registered interest in a pattern of event types plus
// the handler that should receive them.
//
// Subscriptions are identified by (SubscriberName, HandlerName); registering
// the same pair again updates the routing fields and keeps the ID.
type Subscription struct {
	ID             string `json:"id"`
	SubscriberName string `json:"subscriber_name"`
	HandlerName    string `json:"handler_name"`
	Pattern        string `json:"pattern"`

	// TenantID restricts the subscription to one tenant when set.
	TenantID string `json:"tenant_id,omitempty"`

	// Filter is an optional CEL predicate evaluated against the event.
	Filter string `json:"filter,omitempty"`

	IsActive         bool          `json:"is_active"`
	Priority         int           `json:"priority"`
	DeliveryMode     DeliveryMode  `json:"delivery_mode"`
	MaxRetryAttempts int           `json:"max_retry_attempts"`
	RetryDelay       time.Duration `json:"retry_delay"`

	// CallbackAddress selects remote delivery when set.
	CallbackAddress string `json:"callback_address,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsRemote reports whether the subscription is delivered over the network.
func (s *Subscription) IsRemote() bool {
	return s.CallbackAddress != ""
}

// AcceptsTenant reports whether the tenant filter admits tenantID.
func (s *Subscription) AcceptsTenant(tenantID string) bool {
	return s.TenantID == "" || s.TenantID == tenantID
}

// Matches reports whether the subscription routes evt, ignoring the
// CEL filter which is evaluated separately.
func (s *Subscription) Matches(evt *Event) bool {
	return s.IsActive && s.AcceptsTenant(evt.TenantID) && pattern.Matches(evt.Type, s.Pattern)
}

// Key returns the natural key of the subscription.
func (s *Subscription) Key() string {
	return s.SubscriberName + "/" + s.HandlerName
}

// Validate checks registration input.
func (s *Subscription) Validate() error {
	if s.SubscriberName == "" {
		return fmt.Errorf("subscriber name is required")
	}
	if s.HandlerName == "" {
		return fmt.Errorf("handler name is required")
	}
	if err := pattern.ValidatePattern(s.Pattern); err != nil {
		return fmt.Errorf("pattern: %w", err)
	}
	if s.DeliveryMode != "" && !s.DeliveryMode.Valid() {
		return fmt.Errorf("invalid delivery mode %q", s.DeliveryMode)
	}
	if s.MaxRetryAttempts < 0 {
		return fmt.Errorf("max retry attempts must not be negative")
	}
	if s.RetryDelay < 0 {
		return fmt.Errorf("retry delay must not be negative")
	}
	return nil
}
