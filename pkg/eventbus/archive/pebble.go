package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
)

var entryPrefix = []byte("event/")

// PebbleOptions configures a Pebble archive.
type PebbleOptions struct {
	// Dir is the database directory. Required.
	Dir string

	// Sync forces a WAL fsync on every append.
	// Default: false (Pebble group-commits)
	Sync bool

	// PebbleOptions allows advanced tuning. Nil uses Pebble defaults.
	PebbleOptions *pebble.Options
}

// Pebble is an Archive on an embedded Pebble database, for deployments
// that want archived events off the primary database.
type Pebble struct {
	db    *pebble.DB
	write *pebble.WriteOptions

	// Serialises the existence check and write of Append.
	mu sync.Mutex
}

// Compile-time interface check.
var _ Archive = (*Pebble)(nil)

// OpenPebble opens or creates a Pebble archive.
func OpenPebble(opts PebbleOptions) (*Pebble, error) {
	if opts.Dir == "" {
		return nil, errors.New("pebble archive: dir is required")
	}
	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	db, err := pebble.Open(opts.Dir, po)
	if err != nil {
		return nil, fmt.Errorf("open pebble archive: %w", err)
	}
	write := pebble.NoSync
	if opts.Sync {
		write = pebble.Sync
	}
	return &Pebble{db: db, write: write}, nil
}

func entryKey(eventID string) []byte {
	return append(append([]byte{}, entryPrefix...), eventID...)
}

// Append implements Archive.
func (p *Pebble) Append(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := entryKey(entry.Event.ID)
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode archive entry: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	_, closer, err := p.db.Get(key)
	switch {
	case err == nil:
		closer.Close()
		return ErrAlreadyArchived
	case !errors.Is(err, pebble.ErrNotFound):
		return fmt.Errorf("check archive entry: %w", err)
	}

	if err := p.db.Set(key, value, p.write); err != nil {
		return fmt.Errorf("write archive entry: %w", err)
	}
	return nil
}

// Get implements Archive.
func (p *Pebble) Get(ctx context.Context, eventID string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	value, closer, err := p.db.Get(entryKey(eventID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read archive entry: %w", err)
	}
	defer closer.Close()

	var entry Entry
	if err := json.Unmarshal(value, &entry); err != nil {
		return nil, fmt.Errorf("decode archive entry: %w", err)
	}
	return &entry, nil
}

// Range calls fn for every entry in event id order until fn returns false.
func (p *Pebble) Range(ctx context.Context, fn func(Entry) bool) error {
	hi := append(append([]byte{}, entryPrefix...), 0xff)
	it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: entryPrefix, UpperBound: hi})
	if err != nil {
		return fmt.Errorf("iterate archive: %w", err)
	}
	defer it.Close()

	for ok := it.First(); ok; ok = it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var entry Entry
		if err := json.Unmarshal(it.Value(), &entry); err != nil {
			return fmt.Errorf("decode archive entry %s: %w", it.Key(), err)
		}
		if !fn(entry) {
			break
		}
	}
	return it.Error()
}

// Close closes the database.
func (p *Pebble) Close() error {
	return p.db.Close()
}
