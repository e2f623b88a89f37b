// Package observability provides structured logging, metrics, and tracing
// for the event bus.
//
// Features:
//   - Structured logging via slog
//   - Metrics via OpenTelemetry or Prometheus
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
// Every logging helper accepts a nil logger and does nothing.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds worker identity to a logger.
//
// Example:
//
//	logger = EnrichLogger(logger, "reconciler", "r-4f9c")
//	logger.Info("tick") // includes worker and owner
func EnrichLogger(logger *slog.Logger, worker, owner string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("worker", worker),
		slog.String("owner", owner),
	)
}

// LogPublish logs a committed event.
func LogPublish(logger *slog.Logger, eventID, eventType, tenantID string) {
	if logger == nil {
		return
	}
	logger.Debug("event published",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("tenant_id", tenantID),
	)
}

// LogPublishError logs a failed commit. The event does not exist.
func LogPublishError(logger *slog.Logger, eventType string, err error) {
	if logger == nil {
		return
	}
	logger.Error("publish failed",
		slog.String("event_type", eventType),
		slog.String("error", err.Error()),
	)
}

// LogSignalError logs a failed best-effort signal (non-fatal).
func LogSignalError(logger *slog.Logger, eventID string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("signal failed, event left to reconciliation",
		slog.String("event_id", eventID),
		slog.String("error", err.Error()),
	)
}

// LogDispatch logs one dispatch attempt.
func LogDispatch(logger *slog.Logger, eventID, subscription string, success bool, errMsg string, duration time.Duration) {
	if logger == nil {
		return
	}
	if success {
		logger.Debug("handler succeeded",
			slog.String("event_id", eventID),
			slog.String("subscription", subscription),
			slog.Float64("duration_ms", float64(duration.Microseconds())/1000),
		)
		return
	}
	logger.Warn("handler failed",
		slog.String("event_id", eventID),
		slog.String("subscription", subscription),
		slog.String("error", errMsg),
		slog.Float64("duration_ms", float64(duration.Microseconds())/1000),
	)
}

// LogClaimConflict logs a lost claim. This is expected when workers race.
func LogClaimConflict(logger *slog.Logger, eventID string) {
	if logger == nil {
		return
	}
	logger.Debug("claim conflict",
		slog.String("event_id", eventID),
	)
}

// LogEventFinished logs an event reaching a terminal status.
func LogEventFinished(logger *slog.Logger, eventID, status string, handlers int) {
	if logger == nil {
		return
	}
	logger.Info("event finished",
		slog.String("event_id", eventID),
		slog.String("status", status),
		slog.Int("handlers", handlers),
	)
}

// LogStorageError logs a store failure and the backoff before the next try.
func LogStorageError(logger *slog.Logger, op string, err error, backoff time.Duration) {
	if logger == nil {
		return
	}
	logger.Error("store operation failed",
		slog.String("operation", op),
		slog.String("error", err.Error()),
		slog.Duration("backoff", backoff),
	)
}

// LogCleanup logs one cleanup pass.
func LogCleanup(logger *slog.Logger, archived, deleted, expired int64, duration time.Duration) {
	if logger == nil {
		return
	}
	logger.Info("cleanup completed",
		slog.Int64("archived", archived),
		slog.Int64("deleted", deleted),
		slog.Int64("expired", expired),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	elapsed := done()
func TimedOperation() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}
