package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	DefaultMaxConflictRetries = 5
	DefaultMaxStoreRetries    = 3
)

// StaleVersionError is returned when Command.ExpectedVersion no longer
// matches the aggregate. It is a ConcurrencyConflict that is not retried,
// because the caller decided against state that has since changed.
type StaleVersionError struct {
	AggregateID string
	Expected    int64
	Actual      int64
}

func (e *StaleVersionError) Error() string {
	return fmt.Sprintf("aggregate %s is at version %d, command expected %d", e.AggregateID, e.Actual, e.Expected)
}

func (e *StaleVersionError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// CommandHandler runs the load, decide, append cycle.
//
// Concurrent executions against one aggregate are serialized only by the
// store's version check. The loser of a race reloads, re-decides and retries
// up to the conflict bound.
type CommandHandler struct {
	store              EventStore
	registry           *Registry
	codec              Codec
	snapshots          SnapshotStore
	snapshotStrategy   SnapshotStrategy
	publisher          EventPublisher
	maxConflictRetries int
	maxStoreRetries    int
	backoff            Backoff
	timeout            time.Duration
	clock              func() time.Time
	logger             *slog.Logger
	tracer             trace.Tracer
	metrics            Metrics
}

// HandlerOption configures a CommandHandler.
type HandlerOption func(*CommandHandler)

// WithCodec sets the payload codec. Default is JSONCodec.
func WithCodec(codec Codec) HandlerOption {
	return func(h *CommandHandler) {
		h.codec = codec
	}
}

// WithSnapshots loads from and writes snapshots to store according to strategy.
func WithSnapshots(store SnapshotStore, strategy SnapshotStrategy) HandlerOption {
	return func(h *CommandHandler) {
		h.snapshots = store
		h.snapshotStrategy = strategy
	}
}

// WithEventPublisher publishes committed events in-process after each append.
// Publish failures are logged; the external change feed remains authoritative.
func WithEventPublisher(publisher EventPublisher) HandlerOption {
	return func(h *CommandHandler) {
		h.publisher = publisher
	}
}

// WithMaxConflictRetries bounds how often a conflicting command is re-decided.
func WithMaxConflictRetries(n int) HandlerOption {
	return func(h *CommandHandler) {
		h.maxConflictRetries = n
	}
}

// WithMaxStoreRetries bounds retries of transient store failures.
func WithMaxStoreRetries(n int) HandlerOption {
	return func(h *CommandHandler) {
		h.maxStoreRetries = n
	}
}

// WithBackoff sets the delay schedule between retries.
func WithBackoff(b Backoff) HandlerOption {
	return func(h *CommandHandler) {
		h.backoff = b
	}
}

// WithCommandTimeout applies a deadline to every command that has none shorter.
func WithCommandTimeout(d time.Duration) HandlerOption {
	return func(h *CommandHandler) {
		h.timeout = d
	}
}

// WithClock sets the clock used to stamp RecordedAt.
func WithClock(clock func() time.Time) HandlerOption {
	return func(h *CommandHandler) {
		h.clock = clock
	}
}

// WithHandlerLogger sets the logger.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *CommandHandler) {
		h.logger = logger
	}
}

// WithHandlerTracer sets the OpenTelemetry tracer.
func WithHandlerTracer(tracer trace.Tracer) HandlerOption {
	return func(h *CommandHandler) {
		h.tracer = tracer
	}
}

// WithHandlerMetrics sets the metrics sink.
func WithHandlerMetrics(m Metrics) HandlerOption {
	return func(h *CommandHandler) {
		h.metrics = m
	}
}

// NewCommandHandler creates a command handler over store for the aggregates in registry.
func NewCommandHandler(store EventStore, registry *Registry, opts ...HandlerOption) *CommandHandler {
	h := &CommandHandler{
		store:              store,
		registry:           registry,
		codec:              JSONCodec{},
		maxConflictRetries: DefaultMaxConflictRetries,
		maxStoreRetries:    DefaultMaxStoreRetries,
		backoff:            DefaultBackoff(),
		clock:              func() time.Time { return time.Now().UTC() },
		logger:             slog.Default(),
		tracer:             noop.NewTracerProvider().Tracer("eventsourcing"),
		metrics:            NopMetrics{},
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Execute handles cmd and returns the aggregate version after the append.
// When the command decides no events, the current version is returned.
//
// Errors: a DomainError verbatim, ErrConcurrencyExhausted, ErrTimeout,
// ErrStoreUnavailable, ErrConcurrencyConflict for a stale ExpectedVersion,
// ErrInvalidCommand or ErrUnknownAggregateType.
func (h *CommandHandler) Execute(ctx context.Context, cmd *Command) (version int64, err error) {
	if err := cmd.Validate(); err != nil {
		return 0, err
	}
	agg, err := h.registry.Lookup(cmd.AggregateType)
	if err != nil {
		return 0, err
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	ctx, span := h.tracer.Start(ctx, "command."+cmd.Name(),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("aggregate.type", cmd.AggregateType),
			attribute.String("aggregate.id", cmd.AggregateID),
			attribute.String("command.id", cmd.Metadata.CommandID),
		),
	)
	start := time.Now()
	defer func() {
		h.metrics.CommandExecuted(ctx, cmd.AggregateType, cmd.Name(), time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Int64("aggregate.version", version))
		}
		span.End()
	}()

	conflicts, storeFailures := 0, 0
	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, fmt.Errorf("%w: %w", ErrTimeout, ctxErr)
		}

		version, err = h.attempt(ctx, agg, cmd)
		if err == nil {
			return version, nil
		}
		var stale *StaleVersionError
		if IsDomainError(err) || errors.As(err, &stale) {
			return 0, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, fmt.Errorf("%w: %w", ErrTimeout, ctxErr)
		}

		var wait time.Duration
		switch {
		case errors.Is(err, ErrConcurrencyConflict):
			h.metrics.ConcurrencyConflict(ctx, cmd.AggregateType)
			if conflicts >= h.maxConflictRetries {
				h.logger.WarnContext(ctx, "concurrency retries exhausted",
					slog.String("aggregate_type", cmd.AggregateType),
					slog.String("aggregate_id", cmd.AggregateID),
					slog.Int("attempts", conflicts+1),
				)
				return 0, fmt.Errorf("%w: %s %s after %d attempts", ErrConcurrencyExhausted,
					cmd.AggregateType, cmd.AggregateID, conflicts+1)
			}
			wait = h.backoff.Delay(conflicts)
			conflicts++
			h.logger.DebugContext(ctx, "concurrency conflict, retrying",
				slog.String("aggregate_id", cmd.AggregateID),
				slog.Int("attempt", conflicts),
				slog.Duration("backoff", wait),
			)

		case errors.Is(err, ErrStoreUnavailable):
			if storeFailures >= h.maxStoreRetries {
				return 0, err
			}
			wait = h.backoff.Delay(storeFailures)
			storeFailures++
			h.logger.WarnContext(ctx, "event store unavailable, retrying",
				slog.String("aggregate_id", cmd.AggregateID),
				slog.Int("attempt", storeFailures),
				slog.String("error", err.Error()),
			)

		default:
			return 0, err
		}

		if err := Sleep(ctx, wait); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
	}
}

// attempt runs one load, decide, append cycle.
func (h *CommandHandler) attempt(ctx context.Context, agg Aggregate, cmd *Command) (int64, error) {
	state, version, sinceSnapshot, err := h.load(ctx, agg, cmd.AggregateID)
	if err != nil {
		return 0, err
	}

	if cmd.ExpectedVersion != nil && *cmd.ExpectedVersion != version {
		return version, &StaleVersionError{
			AggregateID: cmd.AggregateID,
			Expected:    *cmd.ExpectedVersion,
			Actual:      version,
		}
	}

	pending, err := agg.Decide(state, cmd)
	if err != nil {
		return version, err
	}
	if len(pending) == 0 {
		return version, nil
	}

	events, err := h.stamp(agg, cmd, version, pending)
	if err != nil {
		return 0, err
	}

	committed, err := h.store.Append(ctx, cmd.AggregateID, version, events)
	if err != nil {
		return 0, err
	}
	h.metrics.EventsAppended(ctx, agg.Type(), len(events))

	h.afterCommit(ctx, agg, state, events, sinceSnapshot+int64(len(events)))
	return committed, nil
}

// load rehydrates the aggregate, starting from the latest snapshot when available.
// It returns the state, its version and the number of events replayed on top
// of the snapshot.
func (h *CommandHandler) load(ctx context.Context, agg Aggregate, aggregateID string) (any, int64, int64, error) {
	state := agg.InitialState()
	var from int64
	fromSnapshot := false

	if snapper, ok := agg.(Snapshotter); ok && h.snapshots != nil {
		snap, err := h.snapshots.LatestSnapshot(ctx, aggregateID)
		switch {
		case err == nil:
			restored, err := snapper.UnmarshalState(snap.Data)
			if err != nil {
				h.logger.WarnContext(ctx, "ignoring unreadable snapshot",
					slog.String("aggregate_id", aggregateID),
					slog.String("error", err.Error()),
				)
				break
			}
			state, from, fromSnapshot = restored, snap.Version, true
		case errors.Is(err, ErrSnapshotNotFound):
		default:
			h.logger.WarnContext(ctx, "snapshot lookup failed, replaying full stream",
				slog.String("aggregate_id", aggregateID),
				slog.String("error", err.Error()),
			)
		}
	}

	state, version, err := Fold(agg, state, from, h.store.Load(ctx, aggregateID, from))
	if err != nil {
		return nil, 0, 0, err
	}
	h.metrics.AggregateLoaded(ctx, agg.Type(), fromSnapshot)

	return state, version, version - from, nil
}

// stamp turns pending events into events ready to append. Timestamps are
// assigned here, never inside Apply.
func (h *CommandHandler) stamp(agg Aggregate, cmd *Command, version int64, pending []PendingEvent) ([]*Event, error) {
	now := h.clock()
	events := make([]*Event, 0, len(pending))

	for i, p := range pending {
		data, err := h.codec.Marshal(p.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", p.Type, err)
		}

		v := version + int64(i) + 1
		id := GenerateEventID()
		if cmd.Metadata.CommandID != "" {
			id = GenerateDeterministicEventID(cmd.Metadata.CommandID, cmd.AggregateID, v)
		}

		events = append(events, &Event{
			ID:            id,
			AggregateID:   cmd.AggregateID,
			AggregateType: agg.Type(),
			EventType:     p.Type,
			Version:       v,
			Data:          data,
			ContentType:   h.codec.ContentType(),
			RecordedAt:    now,
			Metadata: EventMetadata{
				CausationID:   cmd.Metadata.CommandID,
				CorrelationID: cmd.Metadata.CorrelationID,
				PrincipalID:   cmd.Metadata.PrincipalID,
			},
		})
	}

	return events, nil
}

// afterCommit takes a snapshot and publishes events. Neither affects the
// outcome of the command.
func (h *CommandHandler) afterCommit(ctx context.Context, agg Aggregate, state any, events []*Event, sinceSnapshot int64) {
	last := events[len(events)-1]

	if snapper, ok := agg.(Snapshotter); ok && h.snapshots != nil && h.snapshotStrategy != nil &&
		h.snapshotStrategy.ShouldSnapshot(last.Version, sinceSnapshot) {
		if err := h.snapshot(ctx, agg, snapper, state, events); err != nil {
			h.logger.WarnContext(ctx, "snapshot failed",
				slog.String("aggregate_id", last.AggregateID),
				slog.Int64("version", last.Version),
				slog.String("error", err.Error()),
			)
		}
	}

	if h.publisher != nil {
		if err := h.publisher.Publish(ctx, events); err != nil {
			h.logger.WarnContext(ctx, "publish after commit failed",
				slog.String("aggregate_id", last.AggregateID),
				slog.Int64("version", last.Version),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (h *CommandHandler) snapshot(ctx context.Context, agg Aggregate, snapper Snapshotter, state any, events []*Event) error {
	for _, e := range events {
		next, err := agg.Apply(state, e)
		if err != nil {
			return err
		}
		state = next
	}
	data, err := snapper.MarshalState(state)
	if err != nil {
		return err
	}
	last := events[len(events)-1]
	return h.snapshots.SaveSnapshot(ctx, &Snapshot{
		AggregateID:   last.AggregateID,
		AggregateType: agg.Type(),
		Version:       last.Version,
		Data:          data,
		CreatedAt:     h.clock(),
	})
}

var _ Executor = (*CommandHandler)(nil)
