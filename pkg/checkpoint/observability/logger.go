// Package observability provides production-grade observability features
// for checkpoint stores: structured logging, metrics, and distributed
// tracing.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
)

// EnrichLogger adds checkpoint identity to a logger.
// Returns a new logger with thread_id, checkpoint_ns, and checkpoint_id fields.
func EnrichLogger(logger *slog.Logger, threadID, ns, checkpointID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("thread_id", threadID),
		slog.String("checkpoint_ns", ns),
		slog.String("checkpoint_id", checkpointID),
	)
}

// LogSetup logs a completed schema setup.
func LogSetup(logger *slog.Logger, fromVersion, toVersion int) {
	if logger == nil {
		return
	}
	logger.Info("schema setup complete",
		slog.Int("from_version", fromVersion),
		slog.Int("to_version", toVersion),
	)
}

// LogPut logs a stored checkpoint.
func LogPut(logger *slog.Logger, threadID, ns, checkpointID string, blobs int) {
	if logger == nil {
		return
	}
	logger.Debug("checkpoint stored",
		slog.String("thread_id", threadID),
		slog.String("checkpoint_ns", ns),
		slog.String("checkpoint_id", checkpointID),
		slog.Int("blobs", blobs),
	)
}

// LogPutWrites logs a stored batch of pending writes.
func LogPutWrites(logger *slog.Logger, threadID, checkpointID, taskID string, count int, upsert bool) {
	if logger == nil {
		return
	}
	logger.Debug("pending writes stored",
		slog.String("thread_id", threadID),
		slog.String("checkpoint_id", checkpointID),
		slog.String("task_id", taskID),
		slog.Int("writes", count),
		slog.Bool("upsert", upsert),
	)
}

// LogOpError logs a failed store operation.
func LogOpError(logger *slog.Logger, op string, err error) {
	if logger == nil {
		return
	}
	logger.Error("store operation failed",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
}
