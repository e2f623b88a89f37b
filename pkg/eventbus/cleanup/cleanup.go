// Package cleanup removes finished and expired events from the live store,
// optionally copying terminal events to an archive first.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/eventbus/pkg/eventbus/archive"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/randalmurphal/eventbus/pkg/eventbus/observability"
)

// Store is the part of store.Store the cleaner uses.
type Store interface {
	ListTerminal(ctx context.Context, cutoff, now time.Time, limit int) ([]*event.Event, error)
	DeleteEvents(ctx context.Context, ids []string) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error)
	HandlerRecords(ctx context.Context, eventID string) ([]event.HandlerRecord, error)
}

// Config configures a Cleaner.
type Config struct {
	// Interval is the pause between passes of Run.
	// Default: 24 hours
	Interval time.Duration

	// Retention is how long terminal events stay after processing.
	// Default: 7 days
	Retention time.Duration

	// BatchSize bounds the rows handled per query.
	// Default: 500
	BatchSize int

	// Archive receives terminal events before they are deleted. Nil
	// deletes without archiving.
	Archive archive.Archive

	// Clock returns the current time.
	// Default: time.Now
	Clock func() time.Time

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	Interval:  24 * time.Hour,
	Retention: 7 * 24 * time.Hour,
	BatchSize: 500,
}

// Result counts the rows one pass removed.
type Result struct {
	// Archived is the number of events written to the archive.
	Archived int64

	// Deleted is the number of terminal events removed after retention.
	Deleted int64

	// Expired is the number of events removed for passing expires_at,
	// whatever their status.
	Expired int64

	Duration time.Duration
}

// Cleaner deletes old terminal events and expired events.
type Cleaner struct {
	store Store
	cfg   Config
}

// New creates a cleaner.
func New(st Store, cfg Config) *Cleaner {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig.Interval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig.Retention
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig.BatchSize
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	return &Cleaner{store: st, cfg: cfg}
}

// RunOnce runs one pass. Terminal events past retention or expiry are
// archived (if configured) and deleted, then every remaining expired event
// is deleted. An archive failure stops the pass before the unarchived
// events are deleted.
func (c *Cleaner) RunOnce(ctx context.Context) (Result, error) {
	done := observability.TimedOperation()
	now := c.cfg.Clock().UTC()
	cutoff := now.Add(-c.cfg.Retention)

	var res Result
	for {
		evts, err := c.store.ListTerminal(ctx, cutoff, now, c.cfg.BatchSize)
		if err != nil {
			return c.finish(ctx, res, done), fmt.Errorf("list terminal events: %w", err)
		}
		if len(evts) == 0 {
			break
		}

		ids, archived, archiveErr := c.archive(ctx, evts, now)
		res.Archived += archived

		n, err := c.store.DeleteEvents(ctx, ids)
		res.Deleted += n
		if err != nil {
			return c.finish(ctx, res, done), fmt.Errorf("delete terminal events: %w", err)
		}
		if archiveErr != nil {
			return c.finish(ctx, res, done), archiveErr
		}
		if len(evts) < c.cfg.BatchSize {
			break
		}
	}

	for {
		n, err := c.store.DeleteExpired(ctx, now, c.cfg.BatchSize)
		res.Expired += n
		if err != nil {
			return c.finish(ctx, res, done), fmt.Errorf("delete expired events: %w", err)
		}
		if n < int64(c.cfg.BatchSize) {
			break
		}
	}

	return c.finish(ctx, res, done), nil
}

// archive copies evts to the archive and returns the ids safe to delete.
// An event already archived by an earlier pass counts as safe.
func (c *Cleaner) archive(ctx context.Context, evts []*event.Event, now time.Time) ([]string, int64, error) {
	ids := make([]string, 0, len(evts))
	if c.cfg.Archive == nil {
		for _, evt := range evts {
			ids = append(ids, evt.ID)
		}
		return ids, 0, nil
	}

	var archived int64
	for _, evt := range evts {
		recs, err := c.store.HandlerRecords(ctx, evt.ID)
		if err != nil {
			return ids, archived, fmt.Errorf("load handler records of %s: %w", evt.ID, err)
		}
		err = c.cfg.Archive.Append(ctx, archive.Entry{Event: *evt, Records: recs, ArchivedAt: now})
		switch {
		case err == nil:
			archived++
		case errors.Is(err, archive.ErrAlreadyArchived):
		default:
			return ids, archived, fmt.Errorf("archive %s: %w", evt.ID, err)
		}
		ids = append(ids, evt.ID)
	}
	return ids, archived, nil
}

func (c *Cleaner) finish(ctx context.Context, res Result, done func() time.Duration) Result {
	res.Duration = done()
	c.cfg.Metrics.RecordCleanup(ctx, res.Archived, res.Deleted+res.Expired)
	observability.LogCleanup(c.cfg.Logger, res.Archived, res.Deleted, res.Expired, res.Duration)
	return res
}

// Run calls RunOnce every Interval until ctx ends. Failures are logged and
// retried on the next interval.
func (c *Cleaner) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
				observability.LogStorageError(c.cfg.Logger, "cleanup", err, c.cfg.Interval)
			}
		}
	}
}
