package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tomesphere/voice-core/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// synthesisBuckets (ms) cover a short word up to a long sentence on a CPU engine.
var synthesisBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// setupTelemetry installs the global tracer and meter providers. The returned
// handler serves the Prometheus scrape endpoint.
func setupTelemetry(cfg config.Config, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	ctx := context.Background()
	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	tp, err := newTracerProvider(ctx, cfg.Telemetry, cfg.Environment, res, logger)
	if err != nil {
		return nil, nil, err
	}
	otel.SetTracerProvider(tp)

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry), otelprom.WithNamespace("tomesphere"))
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := newMeterProvider(res, exporter)
	otel.SetMeterProvider(mp)

	shutdown := func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
	}
	return shutdown, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

func newResource(ctx context.Context, cfg config.Config) (*resource.Resource, error) {
	attrs := resource.WithAttributes(
		semconv.ServiceName(cfg.RuntimeName),
		semconv.DeploymentEnvironmentName(cfg.Environment),
	)
	if host, err := os.Hostname(); err == nil {
		return resource.New(ctx, attrs, resource.WithAttributes(semconv.ServiceInstanceID(host)))
	}
	return resource.New(ctx, attrs)
}

func newTracerProvider(ctx context.Context, cfg config.TelemetryConfig, environment string, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	var exporter sdktrace.SpanExporter
	name := "none"
	switch {
	case strings.TrimSpace(cfg.OTLPEndpoint) != "":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(strings.TrimSpace(cfg.OTLPEndpoint))}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		exporter, name = exp, "otlp"
	case environment == "development":
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		exporter, name = exp, "stderr"
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	logger.Info("telemetry initialized", slog.String("span_exporter", name))
	return sdktrace.NewTracerProvider(opts...), nil
}

func newMeterProvider(res *resource.Resource, reader sdkmetric.Reader) *sdkmetric.MeterProvider {
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
		sdkmetric.WithView(sdkmetric.NewView(
			sdkmetric.Instrument{Name: "tts.synthesis.duration"},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: synthesisBuckets}},
		)),
	)
}
