package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
)

// RecoveryMiddleware recovers from panics in the named handler.
func RecoveryMiddleware(handler string) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, evt *event.Event) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &HandlerError{
						EventID: evt.ID,
						Handler: handler,
						Message: fmt.Sprintf("handler panic: %v", r),
					}
				}
			}()
			return next(ctx, evt)
		}
	}
}

// LoggingMiddleware logs every handler call at debug level and failures at warn.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, evt *event.Event) error {
			start := time.Now()
			err := next(ctx, evt)
			if logger == nil {
				return err
			}
			if err != nil {
				logger.Warn("handler failed",
					slog.String("event_id", evt.ID),
					slog.String("event_type", evt.Type),
					slog.Duration("duration", time.Since(start)),
					slog.String("error", err.Error()),
				)
				return err
			}
			logger.Debug("handler completed",
				slog.String("event_id", evt.ID),
				slog.String("event_type", evt.Type),
				slog.Duration("duration", time.Since(start)),
			)
			return nil
		}
	}
}
