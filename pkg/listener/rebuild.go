package listener

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/plaenen/eventsourcing/pkg/eventsourcing"
)

const rebuildBatchSize = 500

// Resetter is implemented by projections that can clear their read model
// before a rebuild.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Rebuild replays the whole log through one projection. Its checkpoints are
// removed first, so every event is applied again through the same
// checkpointed path the listener uses.
func (l *Listener) Rebuild(ctx context.Context, reader eventsourcing.GlobalReader, projectionName string) (int, error) {
	var projection eventsourcing.Projection
	for _, p := range l.projections {
		if p.Name() == projectionName {
			projection = p
			break
		}
	}
	if projection == nil {
		return 0, fmt.Errorf("unknown projection %q", projectionName)
	}

	if r, ok := projection.(Resetter); ok {
		if err := r.Reset(ctx); err != nil {
			return 0, fmt.Errorf("reset %s: %w", projectionName, err)
		}
	}
	if err := l.checkpoints.Reset(ctx, projectionName); err != nil {
		return 0, fmt.Errorf("reset checkpoints of %s: %w", projectionName, err)
	}

	applied := 0
	var position int64
	for {
		batch, err := reader.ReadAll(ctx, position, rebuildBatchSize)
		if err != nil {
			return applied, fmt.Errorf("read log after %d: %w", position, err)
		}
		if len(batch) == 0 {
			break
		}

		for _, e := range batch {
			position = e.Position
			if !eventsourcing.Handles(projection, e.EventType) {
				continue
			}
			if err := l.apply(ctx, projection, e); err != nil {
				return applied, &eventsourcing.ProjectionApplyError{
					Projection: projectionName,
					EventID:    e.ID,
					Err:        err,
				}
			}
			applied++
		}
	}

	l.logger.InfoContext(ctx, "projection rebuilt",
		slog.String("projection", projectionName),
		slog.Int("events", applied),
		slog.Int64("position", position),
	)
	return applied, nil
}
