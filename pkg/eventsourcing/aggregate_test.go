package eventsourcing

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tally struct {
	Count int
}

var tallyAggregate = Define("Tally", tally{},
	func(s tally, _ *Event) (tally, error) {
		s.Count++
		return s, nil
	},
	func(tally, *Command) ([]PendingEvent, error) {
		return nil, nil
	},
)

func seq(events ...*Event) func(func(*Event, error) bool) {
	return func(yield func(*Event, error) bool) {
		for _, e := range events {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func TestFold(t *testing.T) {
	state, version, err := Fold(tallyAggregate, tallyAggregate.InitialState(), 0,
		seq(&Event{Version: 1}, &Event{Version: 2}, &Event{Version: 3}))
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)
	assert.Equal(t, tally{Count: 3}, state)
}

func TestFold_RejectsGap(t *testing.T) {
	_, _, err := Fold(tallyAggregate, tallyAggregate.InitialState(), 0,
		seq(&Event{Version: 1}, &Event{Version: 3}))
	require.ErrorIs(t, err, ErrInvalidVersion)
}

func TestFold_PropagatesReadError(t *testing.T) {
	boom := errors.New("boom")
	failing := func(yield func(*Event, error) bool) {
		yield(nil, boom)
	}
	_, _, err := Fold(tallyAggregate, tallyAggregate.InitialState(), 0, failing)
	require.ErrorIs(t, err, boom)
}

func TestDefinition_SnapshotRoundTrip(t *testing.T) {
	data, err := tallyAggregate.MarshalState(tally{Count: 7})
	require.NoError(t, err)

	state, err := tallyAggregate.UnmarshalState(data)
	require.NoError(t, err)
	assert.Equal(t, tally{Count: 7}, state)

	_, err = tallyAggregate.Apply("not a tally", &Event{Version: 1})
	require.Error(t, err)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(tallyAggregate)

	agg, err := r.Lookup("Tally")
	require.NoError(t, err)
	assert.Equal(t, "Tally", agg.Type())

	_, err = r.Lookup("Ledger")
	require.ErrorIs(t, err, ErrUnknownAggregateType)

	assert.Panics(t, func() { r.Register(tallyAggregate) })
	assert.Equal(t, []string{"Tally"}, r.Types())
}

func TestCommandName(t *testing.T) {
	assert.Equal(t, "tally", (&Command{Intent: tally{}}).Name())
	assert.Equal(t, "tally", (&Command{Intent: &tally{}}).Name())
	assert.Equal(t, "unknown", (&Command{}).Name())
}

func TestBackoff(t *testing.T) {
	b := Backoff{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, b.Delay(0))
	assert.Equal(t, 20*time.Millisecond, b.Delay(1))
	assert.Equal(t, 40*time.Millisecond, b.Delay(2))
	assert.Equal(t, 50*time.Millisecond, b.Delay(3))
	assert.Zero(t, Backoff{}.Delay(4))
}

func TestIntervalSnapshotStrategy(t *testing.T) {
	s := IntervalSnapshotStrategy{Interval: 3}
	assert.False(t, s.ShouldSnapshot(2, 2))
	assert.True(t, s.ShouldSnapshot(3, 3))
	assert.False(t, IntervalSnapshotStrategy{}.ShouldSnapshot(10, 10))
}
