// Package middleware provides eventsourcing.Middleware for the command path:
// logging, panic recovery, tracing, validation and authorization.
package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/plaenen/eventsourcing/pkg/eventsourcing"
)

// Logging logs command execution with timing information.
func Logging(logger *slog.Logger) eventsourcing.Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next eventsourcing.Executor) eventsourcing.Executor {
		return eventsourcing.ExecutorFunc(func(ctx context.Context, cmd *eventsourcing.Command) (int64, error) {
			start := time.Now()
			attrs := []any{
				slog.String("command_type", cmd.Name()),
				slog.String("command_id", cmd.Metadata.CommandID),
				slog.String("aggregate_id", cmd.AggregateID),
				slog.String("correlation_id", cmd.Metadata.CorrelationID),
			}

			logger.DebugContext(ctx, "executing command", attrs...)

			version, err := next.Execute(ctx, cmd)
			attrs = append(attrs, slog.Int64("duration_ms", time.Since(start).Milliseconds()))

			if err != nil {
				// Rejections are business outcomes, not failures of the system.
				level := slog.LevelError
				if eventsourcing.IsDomainError(err) {
					level = slog.LevelInfo
				}
				logger.Log(ctx, level, "command rejected", append(attrs, slog.String("error", err.Error()))...)
				return version, err
			}

			logger.InfoContext(ctx, "command executed", append(attrs, slog.Int64("version", version))...)
			return version, nil
		})
	}
}
