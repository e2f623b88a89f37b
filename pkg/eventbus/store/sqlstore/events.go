package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/randalmurphal/eventbus/pkg/eventbus/store"
)

const eventColumns = `id, event_type, event_source, payload, tenant_id, company_id, user_id,
	status, retry_count, max_retries, created_at, processed_at, expires_at,
	error_message, locked_by, locked_until`

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*event.Event, error) {
	var (
		evt         event.Event
		status      string
		payload     []byte
		createdAt   int64
		expiresAt   int64
		processedAt sql.NullInt64
		lockedUntil sql.NullInt64
	)
	err := row.Scan(
		&evt.ID, &evt.Type, &evt.Source, &payload, &evt.TenantID, &evt.CompanyID, &evt.UserID,
		&status, &evt.RetryCount, &evt.MaxRetries, &createdAt, &processedAt, &expiresAt,
		&evt.ErrorMessage, &evt.LockedBy, &lockedUntil,
	)
	if err != nil {
		return nil, err
	}
	evt.Status = event.Status(status)
	if len(payload) > 0 {
		evt.Payload = payload
	}
	evt.CreatedAt = fromMicros(createdAt)
	evt.ExpiresAt = fromMicros(expiresAt)
	evt.ProcessedAt = fromNullMicros(processedAt)
	evt.LockedUntil = fromNullMicros(lockedUntil)
	return &evt, nil
}

func scanEvents(rows *sql.Rows) ([]*event.Event, error) {
	defer rows.Close()
	var out []*event.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// InsertEvent implements store.EventStore.
func (s *Store) InsertEvent(ctx context.Context, evt *event.Event) error {
	if s.closed.Load() {
		return store.ErrStoreClosed
	}
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	var payload []byte
	if len(evt.Payload) > 0 {
		payload = evt.Payload
	}

	_, err := s.db.ExecContext(ctx, s.q(fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.tables.events, eventColumns)),
		evt.ID, evt.Type, evt.Source, payload, evt.TenantID, evt.CompanyID, evt.UserID,
		string(evt.Status), evt.RetryCount, evt.MaxRetries, micros(evt.CreatedAt),
		nullMicros(evt.ProcessedAt), micros(evt.ExpiresAt), evt.ErrorMessage, evt.LockedBy,
		nullMicros(evt.LockedUntil),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetEvent implements store.EventStore.
func (s *Store) GetEvent(ctx context.Context, id string) (*event.Event, error) {
	if s.closed.Load() {
		return nil, store.ErrStoreClosed
	}
	return s.getEvent(ctx, s.db, id)
}

func (s *Store) getEvent(ctx context.Context, ex execer, id string) (*event.Event, error) {
	row := ex.QueryRowContext(ctx, s.q(fmt.Sprintf(
		`SELECT %s FROM %s WHERE id = ?`, eventColumns, s.tables.events)), id)
	evt, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return evt, nil
}

// ClaimEvent implements store.EventStore.
func (s *Store) ClaimEvent(ctx context.Context, id string, claim store.Claim) (*event.Event, error) {
	if s.closed.Load() {
		return nil, store.ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx, s.q(fmt.Sprintf(`
		UPDATE %s
		SET status = ?, locked_by = ?, locked_until = ?
		WHERE id = ? AND status = ? AND expires_at > ?
	`, s.tables.events)),
		string(event.StatusProcessing), claim.Owner, micros(claim.Until),
		id, string(event.StatusPending), micros(claim.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("claim event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim event: %w", err)
	}

	evt, err := s.getEvent(ctx, s.db, id)
	if err != nil {
		if n == 1 && errors.Is(err, store.ErrNotFound) {
			// Deleted between claim and read.
			return nil, store.ErrClaimConflict
		}
		return nil, err
	}
	if n == 0 || evt.LockedBy != claim.Owner {
		return nil, store.ErrClaimConflict
	}
	return evt, nil
}

// ClaimBatch implements store.EventStore.
func (s *Store) ClaimBatch(ctx context.Context, claim store.Claim, limit int) ([]*event.Event, error) {
	if s.closed.Load() {
		return nil, store.ErrStoreClosed
	}
	if limit <= 0 {
		return nil, nil
	}

	var claimed []*event.Event
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.q(fmt.Sprintf(`
			SELECT id FROM %s
			WHERE status IN (?, ?)
			  AND created_at < ?
			  AND expires_at > ?
			  AND (locked_until IS NULL OR locked_until < ?)
			ORDER BY created_at
			LIMIT ?%s
		`, s.tables.events, s.dialect.skipLocked())),
			string(event.StatusPending), string(event.StatusProcessing),
			micros(claim.Now), micros(claim.Now), micros(claim.Now), limit,
		)
		if err != nil {
			return fmt.Errorf("select claimable: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan claimable: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate claimable: %w", err)
		}

		leased := make([]string, 0, len(ids))
		for _, id := range ids {
			res, err := tx.ExecContext(ctx, s.q(fmt.Sprintf(`
				UPDATE %s
				SET status = ?, locked_by = ?, locked_until = ?
				WHERE id = ? AND status IN (?, ?)
				  AND (locked_until IS NULL OR locked_until < ?)
			`, s.tables.events)),
				string(event.StatusProcessing), claim.Owner, micros(claim.Until),
				id, string(event.StatusPending), string(event.StatusProcessing), micros(claim.Now),
			)
			if err != nil {
				return fmt.Errorf("lease event: %w", err)
			}
			if n, err := res.RowsAffected(); err != nil {
				return fmt.Errorf("lease event: %w", err)
			} else if n == 1 {
				leased = append(leased, id)
			}
		}
		if len(leased) == 0 {
			return nil
		}

		in, args := s.dialect.inClause("id", leased)
		rows, err = tx.QueryContext(ctx, s.q(fmt.Sprintf(
			`SELECT %s FROM %s WHERE %s ORDER BY created_at`, eventColumns, s.tables.events, in)), args...)
		if err != nil {
			return fmt.Errorf("load claimed: %w", err)
		}
		claimed, err = scanEvents(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	return claimed, nil
}

// ReleaseEvent implements store.EventStore.
func (s *Store) ReleaseEvent(ctx context.Context, id, owner string, incrementRetry bool) error {
	if s.closed.Load() {
		return store.ErrStoreClosed
	}
	inc := 0
	if incrementRetry {
		inc = 1
	}
	res, err := s.db.ExecContext(ctx, s.q(fmt.Sprintf(`
		UPDATE %s
		SET locked_by = '', locked_until = NULL, retry_count = retry_count + ?
		WHERE id = ? AND locked_by = ? AND status = ?
	`, s.tables.events)), inc, id, owner, string(event.StatusProcessing))
	if err != nil {
		return fmt.Errorf("release event: %w", err)
	}
	return expectOne(res, "release event")
}

// FinishEvent implements store.EventStore.
func (s *Store) FinishEvent(ctx context.Context, id, owner string, status event.Status, errMsg string, at time.Time) error {
	if s.closed.Load() {
		return store.ErrStoreClosed
	}
	if !status.IsTerminal() {
		return fmt.Errorf("finish event: %q is not a terminal status", status)
	}
	res, err := s.db.ExecContext(ctx, s.q(fmt.Sprintf(`
		UPDATE %s
		SET status = ?, processed_at = COALESCE(processed_at, ?), error_message = ?,
		    locked_by = '', locked_until = NULL
		WHERE id = ? AND locked_by = ? AND status = ?
	`, s.tables.events)), string(status), micros(at), errMsg, id, owner, string(event.StatusProcessing))
	if err != nil {
		return fmt.Errorf("finish event: %w", err)
	}
	return expectOne(res, "finish event")
}

// ListTerminal implements store.EventStore.
func (s *Store) ListTerminal(ctx context.Context, cutoff, now time.Time, limit int) ([]*event.Event, error) {
	if s.closed.Load() {
		return nil, store.ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, s.q(fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE status IN (?, ?) AND (processed_at < ? OR expires_at < ?)
		ORDER BY created_at
		LIMIT ?
	`, eventColumns, s.tables.events)),
		string(event.StatusCompleted), string(event.StatusFailed), micros(cutoff), micros(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list terminal events: %w", err)
	}
	return scanEvents(rows)
}

// DeleteEvents implements store.EventStore.
func (s *Store) DeleteEvents(ctx context.Context, ids []string) (int64, error) {
	if s.closed.Load() {
		return 0, store.ErrStoreClosed
	}
	if len(ids) == 0 {
		return 0, nil
	}
	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = s.deleteIDs(ctx, tx, ids)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	return n, nil
}

// DeleteExpired implements store.EventStore.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	if s.closed.Load() {
		return 0, store.ErrStoreClosed
	}
	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.q(fmt.Sprintf(`
			SELECT id FROM %s WHERE expires_at < ? ORDER BY expires_at LIMIT ?
		`, s.tables.events)), micros(now), limit)
		if err != nil {
			return fmt.Errorf("select expired: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan expired: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate expired: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		n, err = s.deleteIDs(ctx, tx, ids)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	return n, nil
}

// deleteIDs removes events and cascades to their handler records.
func (s *Store) deleteIDs(ctx context.Context, tx *sql.Tx, ids []string) (int64, error) {
	in, args := s.dialect.inClause("event_id", ids)
	if _, err := tx.ExecContext(ctx, s.q(fmt.Sprintf(`DELETE FROM %s WHERE %s`, s.tables.records, in)), args...); err != nil {
		return 0, fmt.Errorf("delete handler records: %w", err)
	}
	in, args = s.dialect.inClause("id", ids)
	res, err := tx.ExecContext(ctx, s.q(fmt.Sprintf(`DELETE FROM %s WHERE %s`, s.tables.events, in)), args...)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	return res.RowsAffected()
}

// CountByStatus implements store.EventStore.
func (s *Store) CountByStatus(ctx context.Context) (map[event.Status]int64, error) {
	if s.closed.Load() {
		return nil, store.ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT status, COUNT(*) FROM %s GROUP BY status`, s.tables.events))
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()

	counts := map[event.Status]int64{
		event.StatusPending:    0,
		event.StatusProcessing: 0,
		event.StatusCompleted:  0,
		event.StatusFailed:     0,
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[event.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}

func expectOne(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, store.ErrClaimConflict)
	}
	return nil
}
