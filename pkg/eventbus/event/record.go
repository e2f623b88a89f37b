package event

import "time"

// RecordStatus is the state of one subscription's handling of one event.
type RecordStatus string

const (
	RecordPending   RecordStatus = "pending"
	RecordCompleted RecordStatus = "completed"
	RecordFailed    RecordStatus = "failed"
)

// IsTerminal reports whether no further attempts will be made.
func (s RecordStatus) IsTerminal() bool {
	return s == RecordCompleted || s == RecordFailed
}

// HandlerRecord tracks the outcome for one (event, subscription) pair.
// The pair is unique; whoever creates the record owns the dispatch.
type HandlerRecord struct {
	EventID        string       `json:"event_id"`
	SubscriptionID string       `json:"subscription_id"`
	Status         RecordStatus `json:"status"`
	RetryCount     int          `json:"retry_count"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	ErrorMessage   string       `json:"error_message,omitempty"`

	// NextAttemptAt is the earliest time another attempt may start.
	// While an attempt is running it is pushed past the dispatch timeout.
	NextAttemptAt time.Time `json:"next_attempt_at"`
}

// Eligible reports whether a new attempt may start at now.
func (r *HandlerRecord) Eligible(now time.Time) bool {
	return r.Status == RecordPending && !now.Before(r.NextAttemptAt)
}
