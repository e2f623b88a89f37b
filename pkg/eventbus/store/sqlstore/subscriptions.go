package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/randalmurphal/eventbus/pkg/eventbus/store"
)

var subscriptionColumns = []string{
	"id", "subscriber_name", "handler_name", "pattern", "tenant_id", "filter_expr",
	"is_active", "priority", "delivery_mode", "max_retry_attempts", "retry_delay_ms",
	"callback_address", "created_at", "updated_at",
}

// Routing fields refreshed when a subscription is registered again.
// id, is_active and created_at are kept from the existing row.
var subscriptionUpdateColumns = []string{
	"pattern", "tenant_id", "filter_expr", "priority", "delivery_mode",
	"max_retry_attempts", "retry_delay_ms", "callback_address", "updated_at",
}

func scanSubscription(row scanner) (event.Subscription, error) {
	var (
		sub       event.Subscription
		active    int
		mode      string
		delayMs   int64
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(
		&sub.ID, &sub.SubscriberName, &sub.HandlerName, &sub.Pattern, &sub.TenantID, &sub.Filter,
		&active, &sub.Priority, &mode, &sub.MaxRetryAttempts, &delayMs,
		&sub.CallbackAddress, &createdAt, &updatedAt,
	)
	if err != nil {
		return event.Subscription{}, err
	}
	sub.IsActive = active != 0
	sub.DeliveryMode = event.DeliveryMode(mode)
	sub.RetryDelay = time.Duration(delayMs) * time.Millisecond
	sub.CreatedAt = fromMicros(createdAt)
	sub.UpdatedAt = fromMicros(updatedAt)
	return sub, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// UpsertSubscription implements store.SubscriptionStore.
func (s *Store) UpsertSubscription(ctx context.Context, sub *event.Subscription) error {
	if s.closed.Load() {
		return store.ErrStoreClosed
	}
	if err := sub.Validate(); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}

	id := sub.ID
	if id == "" {
		id = uuid.NewString()
	}
	mode := sub.DeliveryMode
	if mode == "" {
		mode = event.DeliverySync
	}
	now := time.Now().UTC()

	query := s.dialect.upsert(s.tables.subscriptions, subscriptionColumns,
		[]string{"subscriber_name", "handler_name"}, subscriptionUpdateColumns)

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(query),
			id, sub.SubscriberName, sub.HandlerName, sub.Pattern, sub.TenantID, sub.Filter,
			boolInt(sub.IsActive), sub.Priority, string(mode), sub.MaxRetryAttempts,
			sub.RetryDelay.Milliseconds(), sub.CallbackAddress, micros(now), micros(now),
		)
		if err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx, s.q(fmt.Sprintf(
			`SELECT %s FROM %s WHERE subscriber_name = ? AND handler_name = ?`,
			strings.Join(subscriptionColumns, ", "), s.tables.subscriptions)),
			sub.SubscriberName, sub.HandlerName)
		stored, err := scanSubscription(row)
		if err != nil {
			return err
		}
		*sub = stored
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert subscription %s: %w", sub.Key(), err)
	}
	return nil
}

// GetSubscription implements store.SubscriptionStore.
func (s *Store) GetSubscription(ctx context.Context, id string) (*event.Subscription, error) {
	if s.closed.Load() {
		return nil, store.ErrStoreClosed
	}
	row := s.db.QueryRowContext(ctx, s.q(fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`,
		strings.Join(subscriptionColumns, ", "), s.tables.subscriptions)), id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return &sub, nil
}

// ListSubscriptions implements store.SubscriptionStore.
func (s *Store) ListSubscriptions(ctx context.Context, activeOnly bool) ([]event.Subscription, error) {
	if s.closed.Load() {
		return nil, store.ErrStoreClosed
	}

	query := fmt.Sprintf(`SELECT %s FROM %s`, strings.Join(subscriptionColumns, ", "), s.tables.subscriptions)
	var args []any
	if activeOnly {
		query += ` WHERE is_active = ?`
		args = append(args, 1)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		if store.IsUnavailable(err) {
			return nil, store.Unavailable("list subscriptions", err)
		}
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []event.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return subs, nil
}

// SetSubscriptionActive implements store.SubscriptionStore.
func (s *Store) SetSubscriptionActive(ctx context.Context, id string, active bool, at time.Time) error {
	if s.closed.Load() {
		return store.ErrStoreClosed
	}
	res, err := s.db.ExecContext(ctx, s.q(fmt.Sprintf(
		`UPDATE %s SET is_active = ?, updated_at = ? WHERE id = ?`, s.tables.subscriptions)),
		boolInt(active), micros(at), id)
	if err != nil {
		return fmt.Errorf("set subscription active: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set subscription active: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
