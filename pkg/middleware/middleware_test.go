package middleware

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/plaenen/eventsourcing/pkg/eventsourcing"
)

type deposit struct {
	AccountID string `valid:"required"`
	Amount    string `valid:"required,numeric"`
}

type closeAccount struct {
	Reason string
}

func (c closeAccount) Validate() error {
	if c.Reason == "" {
		return errors.New("reason is required")
	}
	return nil
}

func command(intent any) *eventsourcing.Command {
	return &eventsourcing.Command{
		AggregateID:   "acct-1",
		AggregateType: "Account",
		Intent:        intent,
		Metadata: eventsourcing.CommandMetadata{
			CommandID:   "cmd-1",
			PrincipalID: "user-1",
		},
	}
}

func succeed(version int64) eventsourcing.Executor {
	return eventsourcing.ExecutorFunc(func(context.Context, *eventsourcing.Command) (int64, error) {
		return version, nil
	})
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	exec := eventsourcing.Chain(succeed(3), Validation(nil))

	version, err := exec.Execute(ctx, command(deposit{AccountID: "acct-1", Amount: "10"}))
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)

	_, err = exec.Execute(ctx, command(deposit{Amount: "10"}))
	require.ErrorIs(t, err, eventsourcing.ErrInvalidCommand)

	_, err = exec.Execute(ctx, command(&deposit{AccountID: "acct-1", Amount: "ten"}))
	require.ErrorIs(t, err, eventsourcing.ErrInvalidCommand)

	_, err = exec.Execute(ctx, command(closeAccount{}))
	require.ErrorIs(t, err, eventsourcing.ErrInvalidCommand)
	assert.Contains(t, err.Error(), "reason is required")
}

func TestRequireMetadata(t *testing.T) {
	exec := eventsourcing.Chain(succeed(1), RequireMetadata())

	cmd := command(deposit{})
	cmd.Metadata.CommandID = ""
	_, err := exec.Execute(context.Background(), cmd)
	require.ErrorIs(t, err, eventsourcing.ErrInvalidCommand)
}

func TestRecovery(t *testing.T) {
	panicking := eventsourcing.ExecutorFunc(func(context.Context, *eventsourcing.Command) (int64, error) {
		panic("boom")
	})
	exec := eventsourcing.Chain(panicking, Recovery(slog.New(slog.DiscardHandler)))

	version, err := exec.Execute(context.Background(), command(deposit{}))
	require.Error(t, err)
	assert.Zero(t, version)
	assert.Contains(t, err.Error(), "boom")
}

func TestLogging_DomainErrorIsInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	rejecting := eventsourcing.ExecutorFunc(func(context.Context, *eventsourcing.Command) (int64, error) {
		return 0, eventsourcing.NewDomainError("insufficient funds")
	})
	exec := eventsourcing.Chain(rejecting, Logging(logger))

	_, err := exec.Execute(context.Background(), command(deposit{}))
	require.True(t, eventsourcing.IsDomainError(err))
	assert.Contains(t, buf.String(), "level=INFO")
	assert.Contains(t, buf.String(), "insufficient funds")
	assert.Contains(t, buf.String(), "command_type=deposit")
}

func TestTracing(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)))

	failing := eventsourcing.ExecutorFunc(func(context.Context, *eventsourcing.Command) (int64, error) {
		return 0, eventsourcing.ErrConcurrencyExhausted
	})

	exec := eventsourcing.Chain(succeed(2), TracingWithTracer(tp.Tracer("test")))
	_, err := exec.Execute(context.Background(), command(deposit{}))
	require.NoError(t, err)

	exec = eventsourcing.Chain(failing, TracingWithTracer(tp.Tracer("test")))
	_, err = exec.Execute(context.Background(), command(deposit{}))
	require.Error(t, err)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "command.deposit", spans[0].Name)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
	assert.Equal(t, codes.Error, spans[1].Status.Code)
}

func TestAuthorization(t *testing.T) {
	authorizer := NewRoleBasedAuthorizer(
		map[string][]string{"closeAccount": {"admin"}},
		func(_ context.Context, principalID string) ([]string, error) {
			if principalID == "root" {
				return []string{"admin"}, nil
			}
			return []string{"customer"}, nil
		},
	)
	exec := eventsourcing.Chain(succeed(1), Authorization(authorizer))
	ctx := context.Background()

	_, err := exec.Execute(ctx, command(deposit{}))
	require.NoError(t, err, "commands without roles are open")

	_, err = exec.Execute(ctx, command(closeAccount{Reason: "moving"}))
	require.ErrorIs(t, err, ErrUnauthorized)

	cmd := command(closeAccount{Reason: "moving"})
	cmd.Metadata.PrincipalID = "root"
	_, err = exec.Execute(ctx, cmd)
	require.NoError(t, err)
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) eventsourcing.Middleware {
		return func(next eventsourcing.Executor) eventsourcing.Executor {
			return eventsourcing.ExecutorFunc(func(ctx context.Context, cmd *eventsourcing.Command) (int64, error) {
				order = append(order, name)
				return next.Execute(ctx, cmd)
			})
		}
	}

	exec := eventsourcing.Chain(succeed(1), mark("outer"), mark("inner"))
	_, err := exec.Execute(context.Background(), command(deposit{}))
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner"}, order)
}
