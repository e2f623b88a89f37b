package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/randalmurphal/eventbus/pkg/eventbus/store"
)

var recordColumns = []string{
	"event_id", "subscription_id", "status", "retry_count",
	"started_at", "completed_at", "error_message", "next_attempt_at",
}

// CreateHandlerRecord implements store.RecordStore.
func (s *Store) CreateHandlerRecord(ctx context.Context, rec *event.HandlerRecord) (bool, error) {
	if s.closed.Load() {
		return false, store.ErrStoreClosed
	}
	status := rec.Status
	if status == "" {
		status = event.RecordPending
	}

	res, err := s.db.ExecContext(ctx, s.q(s.dialect.insertIgnore(s.tables.records, recordColumns)),
		rec.EventID, rec.SubscriptionID, string(status), rec.RetryCount,
		nullMicros(rec.StartedAt), nullMicros(rec.CompletedAt), rec.ErrorMessage, micros(rec.NextAttemptAt),
	)
	if err != nil {
		return false, fmt.Errorf("create handler record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create handler record: %w", err)
	}
	return n == 1, nil
}

// StartAttempt implements store.RecordStore.
func (s *Store) StartAttempt(ctx context.Context, eventID, subscriptionID string, now, until time.Time) (bool, error) {
	if s.closed.Load() {
		return false, store.ErrStoreClosed
	}
	res, err := s.db.ExecContext(ctx, s.q(fmt.Sprintf(`
		UPDATE %s
		SET started_at = ?, next_attempt_at = ?
		WHERE event_id = ? AND subscription_id = ? AND status = ? AND next_attempt_at <= ?
	`, s.tables.records)),
		micros(now), micros(until), eventID, subscriptionID, string(event.RecordPending), micros(now),
	)
	if err != nil {
		return false, fmt.Errorf("start attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("start attempt: %w", err)
	}
	return n == 1, nil
}

// SaveHandlerRecord implements store.RecordStore.
func (s *Store) SaveHandlerRecord(ctx context.Context, rec *event.HandlerRecord) error {
	if s.closed.Load() {
		return store.ErrStoreClosed
	}
	_, err := s.db.ExecContext(ctx, s.q(fmt.Sprintf(`
		UPDATE %s
		SET status = ?, retry_count = ?, started_at = COALESCE(?, started_at), completed_at = ?,
		    error_message = ?, next_attempt_at = ?
		WHERE event_id = ? AND subscription_id = ? AND status = ?
	`, s.tables.records)),
		string(rec.Status), rec.RetryCount, nullMicros(rec.StartedAt), nullMicros(rec.CompletedAt),
		rec.ErrorMessage, micros(rec.NextAttemptAt),
		rec.EventID, rec.SubscriptionID, string(event.RecordPending),
	)
	if err != nil {
		return fmt.Errorf("save handler record: %w", err)
	}
	return nil
}

// HandlerRecords implements store.RecordStore.
func (s *Store) HandlerRecords(ctx context.Context, eventID string) ([]event.HandlerRecord, error) {
	if s.closed.Load() {
		return nil, store.ErrStoreClosed
	}
	return s.handlerRecords(ctx, s.db, eventID)
}

func (s *Store) handlerRecords(ctx context.Context, ex execer, eventID string) ([]event.HandlerRecord, error) {
	rows, err := ex.QueryContext(ctx, s.q(fmt.Sprintf(`
		SELECT event_id, subscription_id, status, retry_count, started_at, completed_at,
		       error_message, next_attempt_at
		FROM %s WHERE event_id = ? ORDER BY subscription_id
	`, s.tables.records)), eventID)
	if err != nil {
		return nil, fmt.Errorf("list handler records: %w", err)
	}
	defer rows.Close()

	var recs []event.HandlerRecord
	for rows.Next() {
		var (
			rec         event.HandlerRecord
			status      string
			startedAt   sql.NullInt64
			completedAt sql.NullInt64
			nextAt      int64
		)
		if err := rows.Scan(&rec.EventID, &rec.SubscriptionID, &status, &rec.RetryCount,
			&startedAt, &completedAt, &rec.ErrorMessage, &nextAt); err != nil {
			return nil, fmt.Errorf("scan handler record: %w", err)
		}
		rec.Status = event.RecordStatus(status)
		rec.StartedAt = fromNullMicros(startedAt)
		rec.CompletedAt = fromNullMicros(completedAt)
		rec.NextAttemptAt = fromMicros(nextAt)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate handler records: %w", err)
	}
	return recs, nil
}
