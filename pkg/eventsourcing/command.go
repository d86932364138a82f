package eventsourcing

import (
	"context"
	"fmt"
	"reflect"
)

// Command is an intent targeted at a single aggregate.
type Command struct {
	// AggregateID identifies the target aggregate
	AggregateID string

	// AggregateType selects the aggregate variant from the registry
	AggregateType string

	// Intent is the command payload, e.g. bankaccount.Deposit
	Intent any

	// ExpectedVersion, when set, pins the version the caller decided against
	ExpectedVersion *int64

	// Metadata carries tracing and idempotency information
	Metadata CommandMetadata
}

// CommandMetadata contains contextual information about a command.
type CommandMetadata struct {
	// CommandID makes event IDs deterministic for this command
	CommandID string

	// CorrelationID is propagated to every resulting event
	CorrelationID string

	// PrincipalID identifies who issued the command
	PrincipalID string
}

// Name returns the Go type name of the intent, used for logs and metrics.
func (c *Command) Name() string {
	if c.Intent == nil {
		return "unknown"
	}
	t := reflect.TypeOf(c.Intent)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}

// Validate checks the fields every command must carry.
func (c *Command) Validate() error {
	if c.AggregateID == "" {
		return fmt.Errorf("%w: aggregate id is required", ErrInvalidCommand)
	}
	if c.AggregateType == "" {
		return fmt.Errorf("%w: aggregate type is required", ErrInvalidCommand)
	}
	if c.Intent == nil {
		return fmt.Errorf("%w: intent is required", ErrInvalidCommand)
	}
	if c.ExpectedVersion != nil && *c.ExpectedVersion < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidVersion, *c.ExpectedVersion)
	}
	return nil
}

// ExpectVersion returns a pointer to v for use as Command.ExpectedVersion.
func ExpectVersion(v int64) *int64 {
	return &v
}

// Executor executes commands and returns the committed version.
type Executor interface {
	Execute(ctx context.Context, cmd *Command) (int64, error)
}

// ExecutorFunc is a function adapter for Executor.
type ExecutorFunc func(ctx context.Context, cmd *Command) (int64, error)

func (f ExecutorFunc) Execute(ctx context.Context, cmd *Command) (int64, error) {
	return f(ctx, cmd)
}

// Middleware wraps an Executor with cross-cutting behaviour.
type Middleware func(next Executor) Executor

// Chain wraps exec with middleware. The first middleware is the outermost.
func Chain(exec Executor, middleware ...Middleware) Executor {
	for i := len(middleware) - 1; i >= 0; i-- {
		exec = middleware[i](exec)
	}
	return exec
}
