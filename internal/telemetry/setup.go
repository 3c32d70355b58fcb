package telemetry

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/bulkload/bulkload/internal/config"
)

// Setup installs the global MeterProvider described by cfg and returns its
// shutdown function, which flushes pending measurements. With the "none"
// exporter the no-op provider stays in place.
func Setup(cfg config.MetricsConfig, service string, w io.Writer) (func(context.Context) error, error) {
	if cfg.Exporter != "stdout" {
		return func(context.Context) error { return nil }, nil
	}

	exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create stdout metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.Interval))),
		sdkmetric.WithResource(resource.NewSchemaless(attribute.String("service.name", service))),
	)
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}
