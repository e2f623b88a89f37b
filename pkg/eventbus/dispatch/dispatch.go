// Package dispatch invokes subscription handlers, either in-process or
// over the network, and reports a uniform Outcome for both.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	buserrors "github.com/randalmurphal/eventbus/pkg/eventbus/errors"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
)

// Sentinel errors for dispatch.
var (
	// ErrHandlerNotFound indicates no local handler is registered under the name.
	ErrHandlerNotFound = errors.New("handler not found")

	// ErrDuplicateHandler indicates a handler name is already registered.
	ErrDuplicateHandler = errors.New("handler already registered")

	// ErrNoDispatcher indicates no dispatcher can serve the subscription.
	ErrNoDispatcher = errors.New("no dispatcher for subscription")
)

// Outcome is the result of one dispatch attempt.
type Outcome struct {
	Success bool
	Error   string

	// Permanent marks a failure that must not be retried.
	Permanent bool

	Duration time.Duration
}

// OutcomeFromError converts a handler error into an Outcome.
func OutcomeFromError(err error, duration time.Duration) Outcome {
	if err == nil {
		return Outcome{Success: true, Duration: duration}
	}
	return Outcome{
		Error:     err.Error(),
		Permanent: buserrors.IsPermanent(err),
		Duration:  duration,
	}
}

// Dispatcher invokes the handler behind a subscription.
// Implementations must be safe for concurrent use and must never block
// longer than their configured per-call timeout.
type Dispatcher interface {
	// Dispatch delivers evt to sub's handler. Failures, including timeouts,
	// are reported in the Outcome rather than as an error.
	Dispatch(ctx context.Context, sub event.Subscription, evt *event.Event) Outcome

	// CanDispatch reports whether this process can deliver to sub.
	CanDispatch(sub event.Subscription) bool
}

// HandlerFunc handles one event for a local subscription.
// Return errors.Permanent to stop retries for this subscription.
type HandlerFunc func(ctx context.Context, evt *event.Event) error

// Middleware wraps a HandlerFunc.
type Middleware func(HandlerFunc) HandlerFunc

// ChainMiddleware applies middleware in order, with first middleware outermost.
func ChainMiddleware(handler HandlerFunc, middleware ...Middleware) HandlerFunc {
	for i := len(middleware) - 1; i >= 0; i-- {
		handler = middleware[i](handler)
	}
	return handler
}

// HandlerError describes a failure raised while invoking a handler.
type HandlerError struct {
	EventID string
	Handler string
	Message string
	Err     error
}

// Error implements error interface.
func (e *HandlerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("event %s: handler %s: %s: %v", e.EventID, e.Handler, e.Message, e.Err)
	}
	return fmt.Sprintf("event %s: handler %s: %s", e.EventID, e.Handler, e.Message)
}

// Unwrap returns the underlying error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Router picks the local or remote dispatcher for each subscription.
// Subscriptions with a callback address go to the remote dispatcher.
type Router struct {
	local  Dispatcher
	remote Dispatcher
}

// NewRouter creates a router. Either dispatcher may be nil.
func NewRouter(local, remote Dispatcher) *Router {
	return &Router{local: local, remote: remote}
}

// Compile-time interface check.
var _ Dispatcher = (*Router)(nil)

func (r *Router) pick(sub event.Subscription) Dispatcher {
	if sub.IsRemote() {
		return r.remote
	}
	return r.local
}

// Dispatch implements Dispatcher.
func (r *Router) Dispatch(ctx context.Context, sub event.Subscription, evt *event.Event) Outcome {
	d := r.pick(sub)
	if d == nil {
		return Outcome{Error: fmt.Sprintf("%s: %s", ErrNoDispatcher, sub.Key())}
	}
	return d.Dispatch(ctx, sub, evt)
}

// CanDispatch implements Dispatcher.
func (r *Router) CanDispatch(sub event.Subscription) bool {
	d := r.pick(sub)
	return d != nil && d.CanDispatch(sub)
}
