package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/randalmurphal/eventbus/pkg/eventbus/archive"
	"github.com/randalmurphal/eventbus/pkg/eventbus/store"
)

var archiveColumns = []string{
	"event_id", "event_type", "tenant_id", "status", "processed_at", "archived_at", "body",
}

// Archive stores archived events in the store's event_archive table.
type Archive struct {
	s *Store
}

// Compile-time interface check.
var _ archive.Archive = (*Archive)(nil)

// Archive returns an archive backed by this store's database.
func (s *Store) Archive() *Archive {
	return &Archive{s: s}
}

// Append implements archive.Archive.
func (a *Archive) Append(ctx context.Context, entry archive.Entry) error {
	s := a.s
	if s.closed.Load() {
		return store.ErrStoreClosed
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode archive entry: %w", err)
	}

	evt := entry.Event
	res, err := s.db.ExecContext(ctx, s.q(s.dialect.insertIgnore(s.tables.archive, archiveColumns)),
		evt.ID, evt.Type, evt.TenantID, string(evt.Status), nullMicros(evt.ProcessedAt),
		micros(entry.ArchivedAt), body,
	)
	if err != nil {
		return fmt.Errorf("archive event %s: %w", evt.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("archive event %s: %w", evt.ID, err)
	}
	if n == 0 {
		return archive.ErrAlreadyArchived
	}
	return nil
}

// Get implements archive.Archive.
func (a *Archive) Get(ctx context.Context, eventID string) (*archive.Entry, error) {
	s := a.s
	if s.closed.Load() {
		return nil, store.ErrStoreClosed
	}
	var body []byte
	err := s.db.QueryRowContext(ctx, s.q(fmt.Sprintf(
		`SELECT body FROM %s WHERE event_id = ?`, s.tables.archive)), eventID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, archive.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get archive entry: %w", err)
	}

	var entry archive.Entry
	if err := json.Unmarshal(body, &entry); err != nil {
		return nil, fmt.Errorf("decode archive entry: %w", err)
	}
	return &entry, nil
}
