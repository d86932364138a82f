package memory

import (
	"context"
	"sync"

	"github.com/plaenen/eventsourcing/pkg/eventsourcing"
)

// DeadLetters collects dead letters in memory.
type DeadLetters struct {
	mu      sync.Mutex
	letters []eventsourcing.DeadLetter
}

func NewDeadLetters() *DeadLetters {
	return &DeadLetters{}
}

func (d *DeadLetters) Send(ctx context.Context, letter eventsourcing.DeadLetter) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.letters = append(d.letters, letter)
	return nil
}

// List returns a copy of the collected letters in arrival order.
func (d *DeadLetters) List() []eventsourcing.DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]eventsourcing.DeadLetter(nil), d.letters...)
}

var _ eventsourcing.DeadLetterSink = (*DeadLetters)(nil)
