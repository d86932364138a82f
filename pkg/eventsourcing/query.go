package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// QueryHandler is the read path over a Repository. It resolves the query to
// a key, loads the read model and optionally transforms it into a view.
type QueryHandler[Q, M, V any] struct {
	repo       Repository[M]
	key        func(Q) string
	view       func(M) (V, error)
	maxRetries int
	backoff    Backoff
	logger     *slog.Logger
}

// QueryOption configures a QueryHandler.
type QueryOption func(*queryConfig)

type queryConfig struct {
	maxRetries int
	backoff    Backoff
	logger     *slog.Logger
}

// WithQueryRetries bounds retries of transient repository failures.
func WithQueryRetries(n int, backoff Backoff) QueryOption {
	return func(c *queryConfig) {
		c.maxRetries = n
		c.backoff = backoff
	}
}

// WithQueryLogger sets the logger.
func WithQueryLogger(logger *slog.Logger) QueryOption {
	return func(c *queryConfig) {
		c.logger = logger
	}
}

// NewQueryHandler creates a query handler. key maps a query to the read
// model key; view transforms the model, use Identity for a pass-through.
func NewQueryHandler[Q, M, V any](repo Repository[M], key func(Q) string, view func(M) (V, error), opts ...QueryOption) *QueryHandler[Q, M, V] {
	cfg := queryConfig{
		maxRetries: 2,
		backoff:    DefaultBackoff(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &QueryHandler[Q, M, V]{
		repo:       repo,
		key:        key,
		view:       view,
		maxRetries: cfg.maxRetries,
		backoff:    cfg.backoff,
		logger:     cfg.logger,
	}
}

// Identity is the pass-through view.
func Identity[M any](m M) (M, error) {
	return m, nil
}

// Execute runs the query. It returns ErrNotFound when the read model does
// not exist and ErrRepositoryUnavailable when storage keeps failing.
func (h *QueryHandler[Q, M, V]) Execute(ctx context.Context, query Q) (V, error) {
	var zero V
	key := h.key(query)

	for attempt := 0; ; attempt++ {
		model, err := h.repo.Get(ctx, key)
		if err == nil {
			return h.view(model)
		}
		if errors.Is(err, ErrNotFound) {
			return zero, err
		}
		if attempt >= h.maxRetries || ctx.Err() != nil {
			if !errors.Is(err, ErrRepositoryUnavailable) {
				err = fmt.Errorf("%w: %w", ErrRepositoryUnavailable, err)
			}
			return zero, err
		}

		h.logger.WarnContext(ctx, "read model lookup failed, retrying",
			slog.String("key", key),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
		if err := Sleep(ctx, h.backoff.Delay(attempt)); err != nil {
			return zero, fmt.Errorf("%w: %w", ErrRepositoryUnavailable, err)
		}
	}
}
