package eventsourcing

import (
	"context"
	"time"
)

// Backoff computes bounded exponential delays: BaseDelay * 2^attempt, capped at MaxDelay.
type Backoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultBackoff waits 10ms, 20ms, 40ms, ... up to one second.
func DefaultBackoff() Backoff {
	return Backoff{BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second}
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.BaseDelay <= 0 {
		return 0
	}
	d := b.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if b.MaxDelay > 0 && d >= b.MaxDelay {
			return b.MaxDelay
		}
	}
	if b.MaxDelay > 0 && d > b.MaxDelay {
		return b.MaxDelay
	}
	return d
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
