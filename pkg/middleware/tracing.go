package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/eventsourcing/pkg/eventsourcing"
	"github.com/plaenen/eventsourcing/pkg/observability"
)

// Tracing starts a span per command on the global tracer provider.
func Tracing(tracerName string) eventsourcing.Middleware {
	if tracerName == "" {
		tracerName = "github.com/plaenen/eventsourcing"
	}
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer starts a span per command on tracer.
func TracingWithTracer(tracer trace.Tracer) eventsourcing.Middleware {
	return func(next eventsourcing.Executor) eventsourcing.Executor {
		return eventsourcing.ExecutorFunc(func(ctx context.Context, cmd *eventsourcing.Command) (int64, error) {
			name := cmd.Name()

			attrs := observability.CommandAttrs(name, cmd.Metadata.CommandID)
			attrs = append(attrs,
				observability.AttrAggregateID.String(cmd.AggregateID),
				observability.AttrAggregateType.String(cmd.AggregateType),
				attribute.String("command.principal_id", cmd.Metadata.PrincipalID),
				attribute.String("command.correlation_id", cmd.Metadata.CorrelationID),
			)

			ctx, span := tracer.Start(ctx, "command."+name,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(attrs...),
			)

			version, err := next.Execute(ctx, cmd)
			if err != nil {
				span.SetAttributes(observability.ErrorAttrs(err)...)
			} else {
				span.SetAttributes(observability.AttrVersion.Int64(version))
			}
			observability.EndSpan(span, err)
			return version, err
		})
	}
}
