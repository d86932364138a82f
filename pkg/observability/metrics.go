package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/plaenen/eventsourcing/pkg/eventsourcing"
)

// Metrics holds the metric instruments of the command handler and the
// listener. It implements eventsourcing.Metrics.
type Metrics struct {
	// Command metrics
	CommandDuration      metric.Float64Histogram
	CommandTotal         metric.Int64Counter
	CommandErrors        metric.Int64Counter
	ConcurrencyConflicts metric.Int64Counter

	// Event metrics
	EventsAppendedTotal metric.Int64Counter

	// Aggregate metrics
	AggregateLoads metric.Int64Counter

	// Projection metrics
	ProjectionDuration metric.Float64Histogram
	ProjectionErrors   metric.Int64Counter
	ProjectionSkips    metric.Int64Counter
	DeadLetters        metric.Int64Counter
}

// NewMetrics creates all metric instruments
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CommandDuration, err = meter.Float64Histogram(
		"eventsourcing.command.duration",
		metric.WithDescription("Command execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.duration: %w", err)
	}

	m.CommandTotal, err = meter.Int64Counter(
		"eventsourcing.command.total",
		metric.WithDescription("Total commands executed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.total: %w", err)
	}

	m.CommandErrors, err = meter.Int64Counter(
		"eventsourcing.command.errors",
		metric.WithDescription("Total command errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.errors: %w", err)
	}

	m.ConcurrencyConflicts, err = meter.Int64Counter(
		"eventsourcing.command.conflicts",
		metric.WithDescription("Optimistic concurrency conflicts hit while executing commands"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.conflicts: %w", err)
	}

	m.EventsAppendedTotal, err = meter.Int64Counter(
		"eventsourcing.events.appended",
		metric.WithDescription("Total events appended to event store"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.appended: %w", err)
	}

	m.AggregateLoads, err = meter.Int64Counter(
		"eventsourcing.aggregate.loads",
		metric.WithDescription("Total aggregate loads"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating aggregate.loads: %w", err)
	}

	m.ProjectionDuration, err = meter.Float64Histogram(
		"eventsourcing.projection.duration",
		metric.WithDescription("Time to apply one event to a projection in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.duration: %w", err)
	}

	m.ProjectionErrors, err = meter.Int64Counter(
		"eventsourcing.projection.errors",
		metric.WithDescription("Projection apply failures"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.errors: %w", err)
	}

	m.ProjectionSkips, err = meter.Int64Counter(
		"eventsourcing.projection.skipped",
		metric.WithDescription("Redelivered events skipped by the checkpoint"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.skipped: %w", err)
	}

	m.DeadLetters, err = meter.Int64Counter(
		"eventsourcing.projection.dead_letters",
		metric.WithDescription("Events dead-lettered after repeated failures"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.dead_letters: %w", err)
	}

	return m, nil
}

func (m *Metrics) CommandExecuted(ctx context.Context, aggregateType, command string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		AttrAggregateType.String(aggregateType),
		AttrCommandType.String(command),
	)
	m.CommandDuration.Record(ctx, duration.Seconds(), attrs)
	m.CommandTotal.Add(ctx, 1, attrs)

	if err != nil {
		m.CommandErrors.Add(ctx, 1, metric.WithAttributes(
			AttrAggregateType.String(aggregateType),
			AttrCommandType.String(command),
			AttrErrorCode.String(errorCode(err)),
		))
	}
}

func (m *Metrics) ConcurrencyConflict(ctx context.Context, aggregateType string) {
	m.ConcurrencyConflicts.Add(ctx, 1, metric.WithAttributes(AttrAggregateType.String(aggregateType)))
}

func (m *Metrics) EventsAppended(ctx context.Context, aggregateType string, count int) {
	m.EventsAppendedTotal.Add(ctx, int64(count), metric.WithAttributes(AttrAggregateType.String(aggregateType)))
}

func (m *Metrics) AggregateLoaded(ctx context.Context, aggregateType string, fromSnapshot bool) {
	m.AggregateLoads.Add(ctx, 1, metric.WithAttributes(
		AttrAggregateType.String(aggregateType),
		AttrSnapshotHit.Bool(fromSnapshot),
	))
}

func (m *Metrics) ProjectionApplied(ctx context.Context, projection string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(AttrProjection.String(projection))
	m.ProjectionDuration.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		m.ProjectionErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) ProjectionSkipped(ctx context.Context, projection string) {
	m.ProjectionSkips.Add(ctx, 1, metric.WithAttributes(AttrProjection.String(projection)))
}

func (m *Metrics) DeadLettered(ctx context.Context, projection string) {
	m.DeadLetters.Add(ctx, 1, metric.WithAttributes(AttrProjection.String(projection)))
}

// errorCode maps an error onto a low-cardinality label.
func errorCode(err error) string {
	switch {
	case eventsourcing.IsDomainError(err):
		return "domain"
	case errors.Is(err, eventsourcing.ErrConcurrencyExhausted), errors.Is(err, eventsourcing.ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, eventsourcing.ErrTimeout):
		return "timeout"
	case errors.Is(err, eventsourcing.ErrStoreUnavailable):
		return "unavailable"
	case errors.Is(err, eventsourcing.ErrInvalidCommand):
		return "invalid"
	default:
		return "internal"
	}
}

var _ eventsourcing.Metrics = (*Metrics)(nil)
