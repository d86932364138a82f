package eventsourcing

import (
	"encoding/json"
	"fmt"
	"iter"
	"sort"
	"sync"
)

// Aggregate is the capability set every aggregate variant implements.
// Apply must be pure and deterministic: no I/O and no clock reads.
// Decide validates the command against folded state and either returns
// zero or more pending events or fails with a DomainError.
type Aggregate interface {
	// Type returns the aggregate type name used as the registry key.
	Type() string

	// InitialState returns the state of an aggregate with an empty stream.
	InitialState() any

	// Apply folds one committed event into state.
	Apply(state any, event *Event) (any, error)

	// Decide turns a command into new events.
	Decide(state any, cmd *Command) ([]PendingEvent, error)
}

// Snapshotter is implemented by aggregates whose state can be snapshotted.
type Snapshotter interface {
	MarshalState(state any) ([]byte, error)
	UnmarshalState(data []byte) (any, error)
}

// Definition is a typed aggregate built from plain functions.
// It satisfies Aggregate and Snapshotter.
type Definition[S any] struct {
	typ     string
	initial S
	apply   func(S, *Event) (S, error)
	decide  func(S, *Command) ([]PendingEvent, error)
}

// Define builds an aggregate variant of state type S.
func Define[S any](
	typ string,
	initial S,
	apply func(S, *Event) (S, error),
	decide func(S, *Command) ([]PendingEvent, error),
) *Definition[S] {
	return &Definition[S]{typ: typ, initial: initial, apply: apply, decide: decide}
}

func (d *Definition[S]) Type() string { return d.typ }

func (d *Definition[S]) InitialState() any { return d.initial }

func (d *Definition[S]) Apply(state any, event *Event) (any, error) {
	s, err := d.cast(state)
	if err != nil {
		return nil, err
	}
	return d.apply(s, event)
}

func (d *Definition[S]) Decide(state any, cmd *Command) ([]PendingEvent, error) {
	s, err := d.cast(state)
	if err != nil {
		return nil, err
	}
	return d.decide(s, cmd)
}

func (d *Definition[S]) MarshalState(state any) ([]byte, error) {
	s, err := d.cast(state)
	if err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

func (d *Definition[S]) UnmarshalState(data []byte) (any, error) {
	var s S
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%s: unmarshal snapshot: %w", d.typ, err)
	}
	return s, nil
}

// Replay folds a slice of events from the initial state. It is the typed
// counterpart of Fold and is mostly useful in tests.
func (d *Definition[S]) Replay(events []*Event) (S, error) {
	s := d.initial
	for _, e := range events {
		var err error
		if s, err = d.apply(s, e); err != nil {
			return s, err
		}
	}
	return s, nil
}

func (d *Definition[S]) cast(state any) (S, error) {
	s, ok := state.(S)
	if !ok {
		var zero S
		return zero, fmt.Errorf("%s: unexpected state type %T", d.typ, state)
	}
	return s, nil
}

// Fold applies a stream of events on top of state and returns the resulting
// state together with the version of the last applied event.
func Fold(agg Aggregate, state any, version int64, events iter.Seq2[*Event, error]) (any, int64, error) {
	for e, err := range events {
		if err != nil {
			return nil, version, err
		}
		if e.Version != version+1 {
			return nil, version, fmt.Errorf("%s %s: expected version %d, got %d: %w",
				agg.Type(), e.AggregateID, version+1, e.Version, ErrInvalidVersion)
		}
		next, err := agg.Apply(state, e)
		if err != nil {
			return nil, version, fmt.Errorf("apply %s v%d: %w", e.EventType, e.Version, err)
		}
		state = next
		version = e.Version
	}
	return state, version, nil
}

// Registry holds the closed set of aggregate variants keyed by type.
type Registry struct {
	mu         sync.RWMutex
	aggregates map[string]Aggregate
}

// NewRegistry creates a registry with the given aggregates.
func NewRegistry(aggregates ...Aggregate) *Registry {
	r := &Registry{aggregates: make(map[string]Aggregate)}
	for _, agg := range aggregates {
		r.Register(agg)
	}
	return r
}

// Register adds an aggregate variant. Registering the same type twice panics.
func (r *Registry) Register(agg Aggregate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.aggregates[agg.Type()]; exists {
		panic(fmt.Sprintf("aggregate already registered for type: %s", agg.Type()))
	}
	r.aggregates[agg.Type()] = agg
}

// Lookup returns the aggregate registered for typ.
func (r *Registry) Lookup(typ string) (Aggregate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agg, ok := r.aggregates[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAggregateType, typ)
	}
	return agg, nil
}

// Types returns the registered aggregate types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.aggregates))
	for t := range r.aggregates {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
