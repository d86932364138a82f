// Package observability wires OpenTelemetry tracing and metrics and the slog
// logger used across the module. Exporters and readers are pluggable; when
// none are configured every instrument is a no-op.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const meterName = "eventsourcing"

// Config selects the exporters behind the engine's spans and instruments.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// TraceExporter receives batched spans. Nil disables tracing.
	TraceExporter sdktrace.SpanExporter
	// TraceSampleRate is clamped to [0, 1].
	TraceSampleRate float64

	// MetricReader collects the engine metrics. Nil keeps the instruments
	// but records nothing.
	MetricReader sdkmetric.Reader

	Logger *slog.Logger
}

type Telemetry struct {
	Metrics *Metrics
	Logger  *slog.Logger

	tracers trace.TracerProvider
	closers []func(context.Context) error
}

// Init builds the providers for cfg and installs them as the otel globals.
// A nil exporter or reader leaves that signal as a no-op.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tel := &Telemetry{Logger: logger, tracers: noop.NewTracerProvider()}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("observability resource: %w", err)
	}

	if cfg.TraceExporter == nil {
		logger.Info("tracing off", "reason", "no exporter")
	} else {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(cfg.TraceExporter),
			sdktrace.WithSampler(sampler(cfg.TraceSampleRate)),
		)
		tel.tracers = tp
		tel.closers = append(tel.closers, tp.Shutdown)
		otel.SetTracerProvider(tp)
		logger.Info("tracing on", "service", cfg.ServiceName, "sample_rate", cfg.TraceSampleRate)
	}

	var mp metric.MeterProvider
	if cfg.MetricReader == nil {
		mp = sdkmetric.NewMeterProvider()
		logger.Info("metrics off", "reason", "no reader")
	} else {
		sdk := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(cfg.MetricReader))
		tel.closers = append(tel.closers, sdk.Shutdown)
		otel.SetMeterProvider(sdk)
		mp = sdk
		logger.Info("metrics on", "service", cfg.ServiceName)
	}
	if tel.Metrics, err = NewMetrics(mp.Meter(meterName)); err != nil {
		return nil, errors.Join(err, tel.Shutdown(ctx))
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tel, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		return sdktrace.NeverSample()
	case rate >= 1:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Shutdown flushes and stops every configured exporter.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if len(t.closers) == 0 {
		return nil
	}
	t.Logger.Info("observability shutting down")
	var errs []error
	for _, c := range t.closers {
		errs = append(errs, c(ctx))
	}
	return errors.Join(errs...)
}

func (t *Telemetry) Tracer(name string) trace.Tracer {
	return t.tracers.Tracer(name)
}
