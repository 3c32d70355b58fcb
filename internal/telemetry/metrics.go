// Package telemetry holds the OpenTelemetry instruments of the pipeline.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const MeterName = "github.com/bulkload/bulkload"

// Metrics holds the pipeline metric instruments.
type Metrics struct {
	messages      metric.Int64Counter
	rows          metric.Int64Counter
	jobs          metric.Int64Counter
	emailAttempts metric.Int64Counter
	uploads       metric.Int64Counter
}

// NewMetrics creates the instruments from mp. A nil mp uses the global provider,
// which is a no-op unless the host installs an SDK.
func NewMetrics(mp metric.MeterProvider) *Metrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(MeterName)
	m := &Metrics{}
	m.messages = counter(meter, "bulkload.messages", "Messages handled by queue and disposition", "{message}")
	m.rows = counter(meter, "bulkload.rows", "Spreadsheet rows classified by outcome", "{row}")
	m.jobs = counter(meter, "bulkload.jobs", "Jobs reaching a state", "{job}")
	m.emailAttempts = counter(meter, "bulkload.notify.attempts", "Notification delivery attempts by result", "{attempt}")
	m.uploads = counter(meter, "bulkload.uploads", "Producer submissions by result", "{upload}")
	return m
}

// Errors from instrument creation only happen with invalid names; fall back
// to an undecorated instrument like the other constructors do.
func counter(meter metric.Meter, name, desc, unit string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil {
		c, _ = meter.Int64Counter(name)
	}
	return c
}

func (m *Metrics) RecordMessage(ctx context.Context, queue, disposition string) {
	m.messages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("disposition", disposition),
	))
}

func (m *Metrics) RecordRows(ctx context.Context, accepted, rejected int) {
	m.rows.Add(ctx, int64(accepted), metric.WithAttributes(attribute.String("outcome", "accepted")))
	m.rows.Add(ctx, int64(rejected), metric.WithAttributes(attribute.String("outcome", "rejected")))
}

func (m *Metrics) RecordJobState(ctx context.Context, state string) {
	m.jobs.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

func (m *Metrics) RecordEmailAttempt(ctx context.Context, ok bool) {
	result := "failed"
	if ok {
		result = "sent"
	}
	m.emailAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) RecordUpload(ctx context.Context, result string) {
	m.uploads.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
