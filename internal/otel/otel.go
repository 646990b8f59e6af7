// Package otel wires the OpenTelemetry SDK: OTLP push for traces and
// metrics, optional stdout exporters, and a Prometheus reader backing the
// /metrics endpoint.
package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"

	"github.com/terrpan/arena/internal/buildinfo"
)

// Config holds OpenTelemetry configuration.
type Config struct {
	// Enabled turns on OTLP push for traces and metrics.
	Enabled bool

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").  Empty
	// falls back to OTEL_EXPORTER_OTLP_ENDPOINT.
	Endpoint string

	// Insecure uses plain HTTP for OTLP export.
	Insecure bool

	// StdOut also prints traces and metrics to stdout.
	StdOut bool

	// Prometheus registers a reader with the default Prometheus registry.
	// The caller serves it with promhttp.
	Prometheus bool

	// SampleRatio is the fraction of root spans kept.  Zero or >= 1
	// samples everything.
	SampleRatio float64

	// ExportInterval is how often metrics are pushed.  Default: 10s.
	ExportInterval time.Duration

	// Provider names the compute backend and is attached to the resource.
	Provider string
}

// SetupOTelSDK configures the global tracer and meter providers and
// returns a shutdown function that flushes them.  Call it once at startup
// and defer the shutdown.
func SetupOTelSDK(ctx context.Context, serviceName string, cfg Config) (shutdown func(context.Context) error, err error) {
	var shutdownFuncs []func(context.Context) error

	shutdown = func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		return err
	}

	handleErr := func(inErr error) {
		err = errors.Join(inErr, shutdown(ctx))
	}

	if cfg.ExportInterval <= 0 {
		cfg.ExportInterval = 10 * time.Second
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(buildinfo.Version),
	}
	if cfg.Provider != "" {
		attrs = append(attrs, attribute.String("arena.provider", cfg.Provider))
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
	if err != nil {
		handleErr(err)
		return
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.Enabled {
		tracerProvider, tErr := newTraceProvider(ctx, res, cfg)
		if tErr != nil {
			handleErr(tErr)
			return
		}
		shutdownFuncs = append(shutdownFuncs, tracerProvider.Shutdown)
		otel.SetTracerProvider(tracerProvider)
	}

	if cfg.Enabled || cfg.Prometheus || cfg.StdOut {
		meterProvider, mErr := newMeterProvider(ctx, res, cfg)
		if mErr != nil {
			handleErr(mErr)
			return
		}
		shutdownFuncs = append(shutdownFuncs, meterProvider.Shutdown)
		otel.SetMeterProvider(meterProvider)
	}

	return
}

func sampler(ratio float64) trace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return trace.ParentBased(trace.AlwaysSample())
	}
	return trace.ParentBased(trace.TraceIDRatioBased(ratio))
}

func newTraceProvider(ctx context.Context, res *resource.Resource, cfg Config) (*trace.TracerProvider, error) {
	opts := []otlptracehttp.Option{}
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	traceExporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating otlp trace exporter: %w", err)
	}

	providerOpts := []trace.TracerProviderOption{
		trace.WithResource(res),
		trace.WithSampler(sampler(cfg.SampleRatio)),
		trace.WithBatcher(traceExporter, trace.WithBatchTimeout(time.Second)),
	}
	if cfg.StdOut {
		stdoutExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("creating stdout trace exporter: %w", err)
		}
		providerOpts = append(providerOpts, trace.WithBatcher(stdoutExporter, trace.WithBatchTimeout(time.Second)))
	}

	return trace.NewTracerProvider(providerOpts...), nil
}

func newMeterProvider(ctx context.Context, res *resource.Resource, cfg Config) (*metric.MeterProvider, error) {
	providerOpts := []metric.Option{metric.WithResource(res)}

	if cfg.Enabled {
		opts := []otlpmetrichttp.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		metricExporter, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("creating otlp metric exporter: %w", err)
		}
		providerOpts = append(providerOpts, metric.WithReader(
			metric.NewPeriodicReader(metricExporter, metric.WithInterval(cfg.ExportInterval))))
	}

	if cfg.StdOut {
		stdoutExporter, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("creating stdout metric exporter: %w", err)
		}
		providerOpts = append(providerOpts, metric.WithReader(
			metric.NewPeriodicReader(stdoutExporter, metric.WithInterval(cfg.ExportInterval))))
	}

	if cfg.Prometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return nil, fmt.Errorf("creating prometheus exporter: %w", err)
		}
		providerOpts = append(providerOpts, metric.WithReader(promExp))
	}

	return metric.NewMeterProvider(providerOpts...), nil
}
