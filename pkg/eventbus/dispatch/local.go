package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	buserrors "github.com/randalmurphal/eventbus/pkg/eventbus/errors"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
)

// LocalConfig configures in-process dispatch.
type LocalConfig struct {
	// Timeout bounds each handler call.
	// Default: 10s
	Timeout time.Duration

	// Middleware wraps every handler registered after creation, first outermost.
	Middleware []Middleware
}

// DefaultLocalConfig provides reasonable defaults.
var DefaultLocalConfig = LocalConfig{
	Timeout: 10 * time.Second,
}

// Local calls handlers registered in this process, keyed by handler name.
type Local struct {
	config LocalConfig

	mu         sync.RWMutex
	handlers   map[string]HandlerFunc
	middleware []Middleware
}

// NewLocal creates a local dispatcher.
func NewLocal(config LocalConfig) *Local {
	if config.Timeout <= 0 {
		config.Timeout = DefaultLocalConfig.Timeout
	}
	return &Local{
		config:     config,
		handlers:   make(map[string]HandlerFunc),
		middleware: append([]Middleware(nil), config.Middleware...),
	}
}

// Compile-time interface check.
var _ Dispatcher = (*Local)(nil)

// Use adds middleware that applies to subsequently registered handlers.
func (l *Local) Use(mw Middleware) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.middleware = append(l.middleware, mw)
}

// Register adds a handler under name.
func (l *Local) Register(name string, fn HandlerFunc) error {
	if name == "" {
		return fmt.Errorf("register handler: empty name")
	}
	if fn == nil {
		return fmt.Errorf("register handler %s: nil func", name)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.handlers[name]; exists {
		return fmt.Errorf("register handler %s: %w", name, ErrDuplicateHandler)
	}

	// Recovery is innermost: the rest of the chain sees a panic as an error.
	chain := append(append([]Middleware(nil), l.middleware...), RecoveryMiddleware(name))
	l.handlers[name] = ChainMiddleware(fn, chain...)
	return nil
}

// Unregister removes the handler under name.
func (l *Local) Unregister(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handlers, name)
}

// Has reports whether a handler is registered under name.
func (l *Local) Has(name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.handlers[name]
	return ok
}

// CanDispatch implements Dispatcher.
func (l *Local) CanDispatch(sub event.Subscription) bool {
	return !sub.IsRemote() && l.Has(sub.HandlerName)
}

// Dispatch implements Dispatcher. The handler runs under the configured
// timeout; if it does not return in time the call is abandoned and
// reported as a transient failure.
func (l *Local) Dispatch(ctx context.Context, sub event.Subscription, evt *event.Event) Outcome {
	start := time.Now()

	l.mu.RLock()
	fn, ok := l.handlers[sub.HandlerName]
	l.mu.RUnlock()
	if !ok {
		err := fmt.Errorf("%w: %s", ErrHandlerNotFound, sub.HandlerName)
		return OutcomeFromError(err, time.Since(start))
	}

	ctx, cancel := context.WithTimeout(ctx, l.config.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx, evt)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = &buserrors.TimeoutError{
				Operation: "handler " + sub.HandlerName,
				Duration:  l.config.Timeout.String(),
			}
		} else {
			err = buserrors.Transient(ctx.Err(), "dispatch cancelled")
		}
	}

	return OutcomeFromError(err, time.Since(start))
}
