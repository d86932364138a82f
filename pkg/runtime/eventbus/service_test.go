package eventbus

import (
	"context"
	"testing"
	"time"

	natsclient "github.com/nats-io/nats.go"

	"github.com/plaenen/eventsourcing/pkg/eventsourcing"
	"github.com/plaenen/eventsourcing/pkg/runner"
)

func TestService_Lifecycle(t *testing.T) {
	t.Run("start and stop embedded", func(t *testing.T) {
		service := New(WithEmbeddedServer(t.TempDir()))
		ctx := context.Background()

		if err := service.Start(ctx); err != nil {
			t.Fatalf("failed to start service: %v", err)
		}
		if service.URL() == "" {
			t.Error("expected non-empty URL after start")
		}
		if service.EventBus() == nil {
			t.Error("expected non-nil event bus after start")
		}
		if err := service.HealthCheck(ctx); err != nil {
			t.Errorf("expected healthy service, got error: %v", err)
		}

		if err := service.Stop(ctx); err != nil {
			t.Fatalf("failed to stop service: %v", err)
		}
		if err := service.HealthCheck(ctx); err == nil {
			t.Error("expected health check to fail after stop")
		}
	})

	t.Run("stop is safe without start", func(t *testing.T) {
		if err := New().Stop(context.Background()); err != nil {
			t.Errorf("stop should not fail without start: %v", err)
		}
	})

	t.Run("accessors are empty before start", func(t *testing.T) {
		service := New()
		if service.URL() != "" {
			t.Error("expected empty URL before start")
		}
		if service.EventBus() != nil {
			t.Error("expected nil event bus before start")
		}
		if err := service.HealthCheck(context.Background()); err == nil {
			t.Error("expected health check to fail before start")
		}
	})
}

func TestService_Integration(t *testing.T) {
	service := New(WithEmbeddedServer(t.TempDir()))
	ctx := context.Background()

	if err := service.Start(ctx); err != nil {
		t.Fatalf("failed to start service: %v", err)
	}
	defer service.Stop(ctx)

	nc, err := natsclient.Connect(service.URL())
	if err != nil {
		t.Fatalf("failed to connect to NATS: %v", err)
	}
	defer nc.Close()

	bus := service.EventBus()
	err = bus.Publish(ctx, []*eventsourcing.Event{{
		ID:            "evt-1",
		AggregateID:   "acct-1",
		AggregateType: "Account",
		EventType:     "AccountOpened",
		Version:       1,
		Data:          []byte(`{}`),
		ContentType:   eventsourcing.ContentTypeJSON,
	}})
	if err != nil {
		t.Fatalf("failed to publish: %v", err)
	}

	sub, err := bus.Subscribe(ctx, eventsourcing.SubscribeOptions{Consumer: "integration"})
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}
	defer sub.Close()

	nextCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	d, err := sub.Next(nextCtx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if d.Event().ID != "evt-1" {
		t.Errorf("expected evt-1, got %s", d.Event().ID)
	}
	d.Ack(ctx)
}

func TestService_WithRunner(t *testing.T) {
	service := New(WithEmbeddedServer(t.TempDir()))
	ready := &readyService{started: make(chan struct{})}
	r := runner.New([]runner.Service{service, ready}, runner.WithSignals())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Run(ctx)
	}()

	select {
	case <-ready.started:
	case <-time.After(5 * time.Second):
		t.Fatal("services did not start")
	}
	if err := r.HealthCheck(ctx); err != nil {
		t.Errorf("runner health check failed: %v", err)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("runner returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}

// readyService signals once every service before it has started.
type readyService struct {
	started chan struct{}
}

func (s *readyService) Name() string { return "ready" }

func (s *readyService) Start(context.Context) error {
	close(s.started)
	return nil
}

func (s *readyService) Stop(context.Context) error { return nil }
