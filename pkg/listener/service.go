package listener

import (
	"context"
	"fmt"
	"sync"
)

// Service runs a Listener under the runner lifecycle.
type Service struct {
	listener *Listener

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan error
}

// NewService wraps l as a runner.Service.
func NewService(l *Listener) *Service {
	return &Service{listener: l}
}

func (s *Service) Name() string {
	return "listener"
}

// Start launches the listener in the background. The listener outlives ctx,
// which only bounds startup; Stop ends it.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("listener already started")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan error, 1)

	go func() {
		s.done <- s.listener.Run(runCtx)
	}()
	return nil
}

// Stop cancels the listener and waits for in-flight deliveries to finish.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("listener did not stop: %w", ctx.Err())
	}
}
