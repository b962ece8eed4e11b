// Package observability wires structured logging and OpenTelemetry
// metrics for the platform.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// NewLogger builds the process logger. format is "text" or "json";
// level is DEBUG/INFO/WARN/ERROR.
func NewLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// Provider owns the metric pipeline.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
}

// NewProvider builds a manual-reader metric provider registered as the
// global meter provider. The worker reads instruments through Meter();
// exporting is an embedding concern.
func NewProvider(serviceName, serviceVersion string) (*Provider, error) {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	return &Provider{
		meterProvider: mp,
		meter:         mp.Meter(serviceName),
	}, nil
}

// Meter returns the platform meter.
func (p *Provider) Meter() metric.Meter { return p.meter }

// Shutdown flushes and stops the metric pipeline.
func (p *Provider) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.meterProvider.Shutdown(ctx)
}
