package strata

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with engine-specific helpers.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithScope adds branch and space fields to the logger.
func (l *Logger) WithScope(branch, space string) *Logger {
	return &Logger{
		Logger: l.Logger.With("branch", branch, "space", space),
	}
}

// LogPut logs a versioned write.
func (l *Logger) LogPut(ctx context.Context, key string, version uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "put failed",
			"key", key,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "put completed",
			"key", key,
			"version", version,
		)
	}
}

// LogDelete logs a delete operation.
func (l *Logger) LogDelete(ctx context.Context, key string, existed bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "delete failed",
			"key", key,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "delete completed",
			"key", key,
			"existed", existed,
		)
	}
}

// LogSearch logs a vector search.
func (l *Logger) LogSearch(ctx context.Context, collection string, k, found int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"collection", collection,
			"k", k,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "search completed",
			"collection", collection,
			"k", k,
			"results", found,
		)
	}
}

// LogCommit logs a transaction commit.
func (l *Logger) LogCommit(ctx context.Context, txnID string, keys int, version uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "commit failed",
			"txn", txnID,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "commit completed",
			"txn", txnID,
			"keys", keys,
			"version", version,
		)
	}
}

// LogFork logs a branch fork.
func (l *Logger) LogFork(ctx context.Context, source, destination string, keysCopied int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "fork failed",
			"source", source,
			"destination", destination,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "fork completed",
			"source", source,
			"destination", destination,
			"keys_copied", keysCopied,
		)
	}
}

// LogRecovery logs a WAL recovery run.
func (l *Logger) LogRecovery(ctx context.Context, recordsReplayed int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "WAL recovery failed",
			"records_replayed", recordsReplayed,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "WAL recovery completed",
			"records_replayed", recordsReplayed,
		)
	}
}

// LogMaintenance logs retention or compaction runs.
func (l *Logger) LogMaintenance(ctx context.Context, op string, reclaimed int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "maintenance failed",
			"op", op,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "maintenance completed",
			"op", op,
			"reclaimed", reclaimed,
		)
	}
}
