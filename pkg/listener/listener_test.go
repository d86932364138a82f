package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/plaenen/eventsourcing/pkg/eventsourcing"
	"github.com/plaenen/eventsourcing/pkg/memory"
)

// totals sums the amount of Added events per aggregate.
type totals struct {
	repo *memory.Repository[int]

	mu      sync.Mutex
	failing map[string]bool
	applied int
}

func newTotals() *totals {
	return &totals{repo: memory.NewRepository[int](), failing: make(map[string]bool)}
}

func (p *totals) Name() string         { return "totals" }
func (p *totals) EventTypes() []string { return []string{"Added"} }

func (p *totals) Apply(ctx context.Context, e *eventsourcing.Event) error {
	p.mu.Lock()
	fail := p.failing[e.ID]
	p.applied++
	p.mu.Unlock()
	if fail {
		return errors.New("read model rejected event")
	}

	var payload struct{ N int }
	if err := e.Decode(&payload); err != nil {
		return err
	}
	current, err := p.repo.Get(ctx, e.AggregateID)
	if err != nil && !errors.Is(err, eventsourcing.ErrNotFound) {
		return err
	}
	return p.repo.Save(ctx, e.AggregateID, current+payload.N)
}

func (p *totals) Reset(ctx context.Context) error {
	return p.repo.Reset(ctx)
}

func (p *totals) fail(eventID string, on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing[eventID] = on
}

func (p *totals) total(t *testing.T, aggregateID string) int {
	t.Helper()
	v, err := p.repo.Get(context.Background(), aggregateID)
	if errors.Is(err, eventsourcing.ErrNotFound) {
		return 0
	}
	require.NoError(t, err)
	return v
}

func added(aggregateID string, version int64, n int) *eventsourcing.Event {
	return &eventsourcing.Event{
		ID:            fmt.Sprintf("%s-%d", aggregateID, version),
		AggregateID:   aggregateID,
		AggregateType: "Counter",
		EventType:     "Added",
		Version:       version,
		Data:          []byte(fmt.Sprintf(`{"N":%d}`, n)),
		ContentType:   eventsourcing.ContentTypeJSON,
	}
}

type fakeDelivery struct {
	event *eventsourcing.Event
	acks  int
	nacks int
}

func (d *fakeDelivery) Event() *eventsourcing.Event { return d.event }

func (d *fakeDelivery) Ack(context.Context) error {
	d.acks++
	return nil
}

func (d *fakeDelivery) Nack(context.Context) error {
	d.nacks++
	return nil
}

func quiet() Option {
	return WithLogger(slog.New(slog.DiscardHandler))
}

func TestListener_RunAppliesEachEventOnce(t *testing.T) {
	bus := memory.NewEventBus()
	defer bus.Close()
	projection := newTotals()
	l := New(bus, memory.NewCheckpointStore(), []eventsourcing.Projection{projection}, WithWorkers(4), quiet())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	events := []*eventsourcing.Event{added("a", 1, 1), added("a", 2, 2), added("b", 1, 10)}
	require.NoError(t, bus.Publish(ctx, events))
	// At-least-once feeds redeliver; the checkpoint absorbs duplicates.
	require.NoError(t, bus.Publish(ctx, events))

	assert.Eventually(t, func() bool {
		projection.mu.Lock()
		defer projection.mu.Unlock()
		return projection.applied >= 3
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 3, projection.total(t, "a"))
	assert.Equal(t, 10, projection.total(t, "b"))

	cancel()
	require.NoError(t, <-done)
}

func TestListener_HandleSkipsProcessedEvents(t *testing.T) {
	ctx := context.Background()
	projection := newTotals()
	checkpoints := memory.NewCheckpointStore()
	l := New(memory.NewEventBus(), checkpoints, []eventsourcing.Projection{projection}, quiet())

	for range 3 {
		d := &fakeDelivery{event: added("a", 1, 5)}
		require.NoError(t, l.Handle(ctx, d))
		assert.Equal(t, 1, d.acks)
	}
	assert.Equal(t, 5, projection.total(t, "a"))

	cp, ok := checkpoints.Get("totals", "a")
	require.True(t, ok)
	assert.Equal(t, "a-1", cp.EventID)
}

func TestListener_IgnoresUnhandledTypes(t *testing.T) {
	projection := newTotals()
	l := New(memory.NewEventBus(), memory.NewCheckpointStore(), []eventsourcing.Projection{projection}, quiet())

	e := added("a", 1, 1)
	e.EventType = "Renamed"
	d := &fakeDelivery{event: e}
	require.NoError(t, l.Handle(context.Background(), d))
	assert.Equal(t, 1, d.acks)
	assert.Zero(t, projection.applied)
}

func TestListener_DeadLettersAfterMaxFailures(t *testing.T) {
	ctx := context.Background()
	projection := newTotals()
	projection.fail("a-1", true)
	sink := memory.NewDeadLetters()
	l := New(memory.NewEventBus(), memory.NewCheckpointStore(), []eventsourcing.Projection{projection},
		WithMaxFailures(5), WithDeadLetterSink(sink), quiet())

	d := &fakeDelivery{event: added("a", 1, 1)}
	for range 4 {
		require.NoError(t, l.Handle(ctx, d))
	}
	assert.Equal(t, 4, d.nacks)
	assert.Empty(t, sink.List())

	require.NoError(t, l.Handle(ctx, d))
	assert.Equal(t, 1, d.acks)

	letters := sink.List()
	require.Len(t, letters, 1)
	assert.Equal(t, "totals", letters[0].Projection)
	assert.Equal(t, "a-1", letters[0].Event.ID)
	assert.Equal(t, 5, letters[0].Attempts)
	assert.Contains(t, letters[0].Error, "rejected")

	// The aggregate is unblocked once the failing event is dead-lettered.
	next := &fakeDelivery{event: added("a", 2, 7)}
	require.NoError(t, l.Handle(ctx, next))
	assert.Equal(t, 1, next.acks)
	assert.Equal(t, 7, projection.total(t, "a"))
}

func TestListener_FailingEventBlocksItsAggregateOnly(t *testing.T) {
	ctx := context.Background()
	projection := newTotals()
	projection.fail("a-1", true)
	l := New(memory.NewEventBus(), memory.NewCheckpointStore(), []eventsourcing.Projection{projection}, quiet())

	first := &fakeDelivery{event: added("a", 1, 1)}
	require.NoError(t, l.Handle(ctx, first))
	assert.Equal(t, 1, first.nacks)

	later := &fakeDelivery{event: added("a", 2, 2)}
	require.NoError(t, l.Handle(ctx, later))
	assert.Equal(t, 1, later.nacks, "later events of a failing aggregate wait")

	other := &fakeDelivery{event: added("b", 1, 3)}
	require.NoError(t, l.Handle(ctx, other))
	assert.Equal(t, 1, other.acks)

	projection.fail("a-1", false)
	require.NoError(t, l.Handle(ctx, first))
	require.NoError(t, l.Handle(ctx, later))
	assert.Equal(t, 1, first.acks)
	assert.Equal(t, 1, later.acks)
	assert.Equal(t, 3, projection.total(t, "a"))
}

func TestListener_ReleasesAggregateSettledElsewhere(t *testing.T) {
	ctx := context.Background()
	checkpoints := memory.NewCheckpointStore()

	failingHere := newTotals()
	failingHere.fail("a-1", true)
	here := New(memory.NewEventBus(), checkpoints, []eventsourcing.Projection{failingHere}, quiet())
	there := New(memory.NewEventBus(), checkpoints, []eventsourcing.Projection{newTotals()}, quiet())

	head := &fakeDelivery{event: added("a", 1, 1)}
	require.NoError(t, here.Handle(ctx, head))
	assert.Equal(t, 1, head.nacks)

	// Another instance on the same consumer picks up the redelivery.
	require.NoError(t, there.Handle(ctx, &fakeDelivery{event: added("a", 1, 1)}))

	later := &fakeDelivery{event: added("a", 2, 2)}
	require.NoError(t, here.Handle(ctx, later))
	assert.Equal(t, 1, later.acks)
	assert.Zero(t, later.nacks)
	assert.Equal(t, 2, failingHere.total(t, "a"))
}

func TestListener_BlockTimesOut(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	projection := newTotals()
	projection.fail("a-1", true)
	l := New(memory.NewEventBus(), memory.NewCheckpointStore(), []eventsourcing.Projection{projection},
		WithBlockTimeout(time.Minute), WithClock(func() time.Time { return now }), quiet())

	require.NoError(t, l.Handle(ctx, &fakeDelivery{event: added("a", 1, 1)}))

	later := &fakeDelivery{event: added("a", 2, 2)}
	require.NoError(t, l.Handle(ctx, later))
	assert.Equal(t, 1, later.nacks)

	// The head was dead-lettered by another instance and never comes back.
	now = now.Add(time.Minute)
	require.NoError(t, l.Handle(ctx, later))
	assert.Equal(t, 1, later.acks)
	assert.Equal(t, 2, projection.total(t, "a"))
}

func TestListener_HandleSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)))
	l := New(memory.NewEventBus(), memory.NewCheckpointStore(), []eventsourcing.Projection{newTotals()},
		WithTracer(tp.Tracer("test")), quiet())

	require.NoError(t, l.Handle(context.Background(), &fakeDelivery{event: added("a", 1, 4)}))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "listener.handle", spans[0].Name)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)

	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range spans[0].Attributes {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "a-1", attrs["event.id"].AsString())
	assert.Equal(t, "Added", attrs["event.type"].AsString())
	assert.Equal(t, "a", attrs["aggregate.id"].AsString())
	assert.Equal(t, "Counter", attrs["aggregate.type"].AsString())
	assert.Equal(t, int64(1), attrs["aggregate.version"].AsInt64())
}

func TestListener_Rebuild(t *testing.T) {
	ctx := context.Background()
	store := memory.NewEventStore()
	_, err := store.Append(ctx, "a", 0, []*eventsourcing.Event{added("a", 1, 1), added("a", 2, 2)})
	require.NoError(t, err)
	_, err = store.Append(ctx, "b", 0, []*eventsourcing.Event{added("b", 1, 4)})
	require.NoError(t, err)

	projection := newTotals()
	l := New(memory.NewEventBus(), memory.NewCheckpointStore(), []eventsourcing.Projection{projection}, quiet())

	// A corrupted read model is rebuilt from the log.
	require.NoError(t, projection.repo.Save(ctx, "a", 100))

	applied, err := l.Rebuild(ctx, store, "totals")
	require.NoError(t, err)
	assert.Equal(t, 3, applied)
	assert.Equal(t, 3, projection.total(t, "a"))
	assert.Equal(t, 4, projection.total(t, "b"))

	_, err = l.Rebuild(ctx, store, "unknown")
	require.Error(t, err)
}

func TestPartition(t *testing.T) {
	assert.Equal(t, 0, partition("a", 1))
	for _, id := range []string{"a", "b", "acct-1"} {
		p := partition(id, 8)
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, 8)
		assert.Equal(t, p, partition(id, 8))
	}
}

func TestService_StartStop(t *testing.T) {
	bus := memory.NewEventBus()
	defer bus.Close()
	projection := newTotals()
	svc := NewService(New(bus, memory.NewCheckpointStore(), []eventsourcing.Projection{projection}, quiet()))

	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	require.Error(t, svc.Start(ctx))

	require.NoError(t, bus.Publish(ctx, []*eventsourcing.Event{added("a", 1, 2)}))
	assert.Eventually(t, func() bool {
		v, err := projection.repo.Get(ctx, "a")
		return err == nil && v == 2
	}, 2*time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(stopCtx))
	require.NoError(t, svc.Stop(stopCtx))
}
