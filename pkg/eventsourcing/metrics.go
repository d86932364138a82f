package eventsourcing

import (
	"context"
	"time"
)

// Metrics receives instrumentation callbacks from the command handler and
// the event listener. observability.Metrics is the OpenTelemetry implementation.
type Metrics interface {
	CommandExecuted(ctx context.Context, aggregateType, command string, duration time.Duration, err error)
	ConcurrencyConflict(ctx context.Context, aggregateType string)
	EventsAppended(ctx context.Context, aggregateType string, count int)
	AggregateLoaded(ctx context.Context, aggregateType string, fromSnapshot bool)
	ProjectionApplied(ctx context.Context, projection string, duration time.Duration, err error)
	ProjectionSkipped(ctx context.Context, projection string)
	DeadLettered(ctx context.Context, projection string)
}

// NopMetrics discards all measurements.
type NopMetrics struct{}

func (NopMetrics) CommandExecuted(context.Context, string, string, time.Duration, error) {}
func (NopMetrics) ConcurrencyConflict(context.Context, string)                          {}
func (NopMetrics) EventsAppended(context.Context, string, int)                          {}
func (NopMetrics) AggregateLoaded(context.Context, string, bool)                        {}
func (NopMetrics) ProjectionApplied(context.Context, string, time.Duration, error)      {}
func (NopMetrics) ProjectionSkipped(context.Context, string)                            {}
func (NopMetrics) DeadLettered(context.Context, string)                                 {}

var _ Metrics = NopMetrics{}
