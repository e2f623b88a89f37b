package eventbus

import (
	"errors"
	"fmt"
)

// Sentinel errors for publishing.
var (
	// ErrInvalidEventType indicates an empty or malformed event type.
	ErrInvalidEventType = errors.New("invalid event type")

	// ErrTenantRequired indicates a publish without a tenant id.
	ErrTenantRequired = errors.New("tenant id required")

	// ErrInvalidTTL indicates a negative time-to-live.
	ErrInvalidTTL = errors.New("ttl must be positive")

	// ErrInvalidPayload indicates a payload that is not valid JSON.
	ErrInvalidPayload = errors.New("payload must be valid JSON")
)

// Sentinel errors for subscriptions and lifecycle.
var (
	// ErrInvalidSubscription indicates registration input failed validation.
	ErrInvalidSubscription = errors.New("invalid subscription")

	// ErrHandlerInUse indicates another subscription in this process
	// already owns the handler name.
	ErrHandlerInUse = errors.New("handler name already used by another subscription")

	// ErrAlreadyStarted indicates Start was called on a running bus.
	ErrAlreadyStarted = errors.New("bus already started")
)

// PublishError reports that an event could not be committed. The event
// does not exist; the caller may publish again.
type PublishError struct {
	// EventType is the type of the rejected event.
	EventType string
	// Err is the underlying store error.
	Err error
}

// Error implements the error interface.
func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %v", e.EventType, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *PublishError) Unwrap() error {
	return e.Err
}
