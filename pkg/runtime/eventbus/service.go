// Package eventbus runs the NATS change feed under the runner lifecycle.
//
// The service optionally starts an embedded JetStream server, connects the
// event bus to it (or to an external server) and drains the connection on
// shutdown before stopping the server.
//
// Example usage:
//
//	busService := eventbus.New(
//	    eventbus.WithConfig(nats.DefaultConfig()),
//	    eventbus.WithEmbeddedServer(dataDir),
//	    eventbus.WithLogger(logger),
//	)
//	r := runner.New([]runner.Service{busService, listenerService})
//	r.Run(ctx)
package eventbus

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/plaenen/eventsourcing/pkg/nats"
	"github.com/plaenen/eventsourcing/pkg/observability"
	"github.com/plaenen/eventsourcing/pkg/runner"
	"github.com/plaenen/eventsourcing/pkg/security/credentials"
)

// Service owns the event bus connection and, when embedded, the server.
type Service struct {
	config   nats.Config
	embedded bool
	storeDir string
	server   *nats.EmbeddedServer
	bus      *nats.EventBus
	creds    credentials.Provider
	logger   *slog.Logger
	tracer   trace.Tracer
}

// Option configures the EventBus service.
type Option func(*Service)

// WithConfig sets the NATS configuration.
func WithConfig(config nats.Config) Option {
	return func(s *Service) {
		s.config = config
	}
}

// WithEmbeddedServer starts an in-process JetStream server storing data in
// storeDir and ignores the configured URL.
func WithEmbeddedServer(storeDir string) Option {
	return func(s *Service) {
		s.embedded = true
		s.storeDir = storeDir
	}
}

// WithCredentials authenticates the bus connection.
func WithCredentials(p credentials.Provider) Option {
	return func(s *Service) {
		s.creds = p
	}
}

// WithLogger sets the logger for the service.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithTracer sets the OpenTelemetry tracer for the service.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// New creates a new EventBus service for use with runner.
func New(opts ...Option) *Service {
	s := &Service{
		config: nats.DefaultConfig(),
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("eventbus"),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Service) Name() string {
	return "eventbus"
}

// Start starts the embedded server if configured and connects the bus.
func (s *Service) Start(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "eventbus.Start")
	defer span.End()

	if s.embedded {
		srv, err := nats.StartEmbeddedServer(nats.WithStoreDir(s.storeDir))
		if err != nil {
			observability.SetSpanError(ctx, err)
			return fmt.Errorf("start embedded nats: %w", err)
		}
		s.server = srv
		s.config.URL = srv.URL()
		s.logger.DebugContext(ctx, "embedded nats started", slog.String("url", srv.URL()))
	}

	busOpts := []nats.Option{nats.WithLogger(s.logger)}
	if s.creds != nil {
		busOpts = append(busOpts, nats.WithCredentials(s.creds))
	}
	bus, err := nats.Connect(ctx, s.config, busOpts...)
	if err != nil {
		if s.server != nil {
			s.server.Shutdown()
			s.server = nil
		}
		observability.SetSpanError(ctx, err)
		return fmt.Errorf("connect event bus: %w", err)
	}
	s.bus = bus

	span.SetAttributes(
		attribute.String("nats.url", s.config.URL),
		attribute.String("stream.name", s.config.StreamName),
		attribute.Bool("nats.embedded", s.embedded),
	)
	s.logger.InfoContext(ctx, "eventbus service started",
		slog.String("url", s.config.URL),
		slog.String("stream", s.config.StreamName),
	)
	return nil
}

// Stop drains the bus, then shuts the embedded server down.
func (s *Service) Stop(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "eventbus.Stop")
	defer span.End()

	var err error
	if s.bus != nil {
		if err = s.bus.Close(ctx); err != nil {
			observability.SetSpanError(ctx, err)
			s.logger.WarnContext(ctx, "error closing event bus", slog.String("error", err.Error()))
		}
		s.bus = nil
	}

	if s.server != nil {
		s.server.Shutdown()
		s.server = nil
	}

	s.logger.InfoContext(ctx, "eventbus service stopped")
	return err
}

// HealthCheck reports whether the bus connection is up.
func (s *Service) HealthCheck(ctx context.Context) error {
	if s.bus == nil {
		return fmt.Errorf("event bus not connected")
	}
	if s.server != nil && !s.server.Running() {
		return fmt.Errorf("embedded nats server not running")
	}
	return s.bus.Healthy()
}

// EventBus returns the bus. Only available after Start succeeds.
func (s *Service) EventBus() *nats.EventBus {
	return s.bus
}

// URL returns the server URL the bus is connected to.
func (s *Service) URL() string {
	if s.bus == nil {
		return ""
	}
	return s.config.URL
}

var (
	_ runner.Service       = (*Service)(nil)
	_ runner.HealthChecker = (*Service)(nil)
)
