package signal

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	natsgo "github.com/nats-io/nats.go"
)

// NATSConfig configures a NATS signal transport.
type NATSConfig struct {
	// URL of the NATS server.
	// Default: nats.DefaultURL
	URL string

	// Conn reuses an existing connection instead of dialing URL.
	// The transport does not close a connection it did not open.
	Conn *natsgo.Conn

	// BufferSize is the signal channel buffer size per Listen call.
	// Default: 256
	BufferSize int

	Logger *slog.Logger
}

// NATS carries signals as core NATS messages. Subjects are the channel
// names; the message body is the event id.
type NATS struct {
	nc     *natsgo.Conn
	owned  bool
	buffer int
	logger *slog.Logger
	closed atomic.Bool
}

// Compile-time interface checks.
var (
	_ Notifier = (*NATS)(nil)
	_ Source   = (*NATS)(nil)
)

// NewNATS connects to NATS.
func NewNATS(config NATSConfig) (*NATS, error) {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultLocalConfig.BufferSize
	}
	n := &NATS{nc: config.Conn, buffer: config.BufferSize, logger: config.Logger}
	if n.nc == nil {
		url := config.URL
		if url == "" {
			url = natsgo.DefaultURL
		}
		nc, err := natsgo.Connect(url, natsgo.Name("eventbus-signal"), natsgo.MaxReconnects(-1))
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		n.nc = nc
		n.owned = true
	}
	return n, nil
}

// Notify implements Notifier.
func (n *NATS) Notify(_ context.Context, channels []string, eventID string) error {
	if n.closed.Load() {
		return ErrClosed
	}
	for _, ch := range channels {
		if err := n.nc.Publish(ch, []byte(eventID)); err != nil {
			return fmt.Errorf("publish %s: %w", ch, err)
		}
	}
	return nil
}

// Listen implements Source.
func (n *NATS) Listen(ctx context.Context, channels []string) (<-chan Signal, error) {
	if n.closed.Load() {
		return nil, ErrClosed
	}

	msgs := make(chan *natsgo.Msg, n.buffer)
	subs := make([]*natsgo.Subscription, 0, len(channels))
	unsubscribe := func() {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	}
	for _, ch := range channels {
		s, err := n.nc.ChanSubscribe(ch, msgs)
		if err != nil {
			unsubscribe()
			return nil, fmt.Errorf("subscribe %s: %w", ch, err)
		}
		subs = append(subs, s)
	}
	if err := n.nc.Flush(); err != nil {
		unsubscribe()
		return nil, fmt.Errorf("flush subscriptions: %w", err)
	}

	out := make(chan Signal, n.buffer)
	go func() {
		defer close(out)
		defer unsubscribe()

		check := time.NewTicker(time.Second)
		defer check.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case m := <-msgs:
				select {
				case out <- Signal{Channel: m.Subject, EventID: string(m.Data)}:
				case <-ctx.Done():
					return
				}
			case <-check.C:
				if n.nc.IsClosed() {
					if n.logger != nil {
						n.logger.Warn("nats connection closed")
					}
					return
				}
			}
		}
	}()
	return out, nil
}

// Close drains and closes the connection if NewNATS opened it.
func (n *NATS) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	if n.owned {
		return n.nc.Drain()
	}
	return nil
}
