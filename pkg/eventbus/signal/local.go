package signal

import (
	"context"
	"sync"
	"sync/atomic"
)

// LocalConfig configures a LocalBus.
type LocalConfig struct {
	// BufferSize is the channel buffer size per listener.
	// Default: 256
	BufferSize int

	// OnDrop is called when a signal is dropped because a listener's
	// buffer is full.
	OnDrop func(sig Signal)
}

// DefaultLocalConfig provides reasonable defaults.
var DefaultLocalConfig = LocalConfig{
	BufferSize: 256,
}

// LocalBus delivers signals between components of one process.
// It implements both Notifier and Source. Notify never blocks; a signal
// for a listener whose buffer is full is dropped.
type LocalBus struct {
	config LocalConfig

	mu        sync.RWMutex
	listeners map[uint64]*localListener
	byChannel map[string]map[uint64]*localListener

	nextID  atomic.Uint64
	closed  atomic.Bool
	closeCh chan struct{}
}

type localListener struct {
	id       uint64
	channels []string
	out      chan Signal

	// Guards out against send after close.
	mu     sync.Mutex
	closed bool
}

// Compile-time interface checks.
var (
	_ Notifier = (*LocalBus)(nil)
	_ Source   = (*LocalBus)(nil)
)

// NewLocalBus creates an in-process signal bus.
func NewLocalBus(config LocalConfig) *LocalBus {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultLocalConfig.BufferSize
	}
	return &LocalBus{
		config:    config,
		listeners: make(map[uint64]*localListener),
		byChannel: make(map[string]map[uint64]*localListener),
		closeCh:   make(chan struct{}),
	}
}

// Notify implements Notifier. A listener subscribed to several of the
// channels receives one signal per matching channel.
func (b *LocalBus) Notify(_ context.Context, channels []string, eventID string) error {
	if b.closed.Load() {
		return ErrClosed
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range channels {
		for _, l := range b.byChannel[ch] {
			l.send(Signal{Channel: ch, EventID: eventID}, b.config.OnDrop)
		}
	}
	return nil
}

// Listen implements Source.
func (b *LocalBus) Listen(ctx context.Context, channels []string) (<-chan Signal, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	l := &localListener{
		id:       b.nextID.Add(1),
		channels: channels,
		out:      make(chan Signal, b.config.BufferSize),
	}

	b.mu.Lock()
	b.listeners[l.id] = l
	for _, ch := range channels {
		if b.byChannel[ch] == nil {
			b.byChannel[ch] = make(map[uint64]*localListener)
		}
		b.byChannel[ch][l.id] = l
	}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-b.closeCh:
		}
		b.remove(l)
	}()

	return l.out, nil
}

func (b *LocalBus) remove(l *localListener) {
	b.mu.Lock()
	delete(b.listeners, l.id)
	for _, ch := range l.channels {
		delete(b.byChannel[ch], l.id)
		if len(b.byChannel[ch]) == 0 {
			delete(b.byChannel, ch)
		}
	}
	b.mu.Unlock()

	l.close()
}

// Listeners returns the number of active listeners.
func (b *LocalBus) Listeners() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Close shuts down the bus and closes every listener channel.
func (b *LocalBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(b.closeCh)
	return nil
}

func (l *localListener) send(sig Signal, onDrop func(Signal)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.out <- sig:
	default:
		if onDrop != nil {
			onDrop(sig)
		}
	}
}

func (l *localListener) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.out)
	}
}
