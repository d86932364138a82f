package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/plaenen/eventsourcing/pkg/eventsourcing"
)

// Recovery turns a panic in the handler chain into an error.
func Recovery(logger *slog.Logger) eventsourcing.Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next eventsourcing.Executor) eventsourcing.Executor {
		return eventsourcing.ExecutorFunc(func(ctx context.Context, cmd *eventsourcing.Command) (version int64, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "command handler panicked",
						slog.String("command_id", cmd.Metadata.CommandID),
						slog.String("command_type", cmd.Name()),
						slog.Any("panic", r),
						slog.String("stack_trace", string(debug.Stack())),
					)
					version, err = 0, fmt.Errorf("command handler panicked: %v", r)
				}
			}()

			return next.Execute(ctx, cmd)
		})
	}
}
