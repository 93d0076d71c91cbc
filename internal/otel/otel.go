// Package otel wires the OpenTelemetry metrics provider. When disabled all
// instruments are no-ops.
package otel

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// MeterName is the instrumentation scope name for webcli metrics.
const MeterName = "webcli"

// Config selects the exporter.
type Config struct {
	Enabled     bool
	Exporter    string // "stdout" (default) or "otlp"
	Endpoint    string
	ServiceName string
}

// Provider wraps the meter provider with its shutdown hook.
type Provider struct {
	Meter    metric.Meter
	Metrics  *Metrics
	shutdown func(context.Context) error
}

// Setup builds the provider. A disabled config yields noop instruments.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		meter := noop.NewMeterProvider().Meter(MeterName)
		metrics, err := NewMetrics(meter)
		if err != nil {
			return nil, err
		}
		return &Provider{
			Meter:    meter,
			Metrics:  metrics,
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "webcli"
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	var exporter sdkmetric.Exporter
	switch cfg.Exporter {
	case "otlp":
		opts := []otlpmetrichttp.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.Endpoint), otlpmetrichttp.WithInsecure())
		}
		exporter, err = otlpmetrichttp.New(ctx, opts...)
	default:
		exporter, err = stdoutmetric.New(stdoutmetric.WithWriter(os.Stderr))
	}
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter(MeterName)
	metrics, err := NewMetrics(meter)
	if err != nil {
		return nil, err
	}
	return &Provider{
		Meter:    meter,
		Metrics:  metrics,
		shutdown: provider.Shutdown,
	}, nil
}

// Shutdown flushes and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.shutdown(ctx)
}
