// Package telemetry holds the engine's OpenTelemetry instruments.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/akave-ai/hookbuffer"

// Metrics records engine counters. A nil *Metrics records nothing.
type Metrics struct {
	received   metric.Int64Counter
	flushes    metric.Int64Counter
	batchSize  metric.Int64Histogram
	dispatches metric.Int64Counter
	cancelled  metric.Int64Counter
	repoErrors metric.Int64Counter
}

// NewMetrics builds instruments on the global meter provider, so it should
// run after InitProvider when export is enabled.
func NewMetrics() *Metrics {
	return NewMetricsFrom(otel.Meter(meterName))
}

func NewMetricsFrom(meter metric.Meter) *Metrics {
	fallback := noop.Meter{}
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			otel.Handle(err)
			c, _ = fallback.Int64Counter(name)
		}
		return c
	}

	size, err := meter.Int64Histogram("hookbuffer.flush.size",
		metric.WithDescription("Messages per flushed batch"))
	if err != nil {
		otel.Handle(err)
		size, _ = fallback.Int64Histogram("hookbuffer.flush.size")
	}

	return &Metrics{
		received:   counter("hookbuffer.messages.received", "Webhook messages accepted by ingress"),
		flushes:    counter("hookbuffer.flushes", "Buckets flushed, by trigger"),
		batchSize:  size,
		dispatches: counter("hookbuffer.dispatches", "Forward attempts, by outcome"),
		cancelled:  counter("hookbuffer.messages.cancelled", "Messages cancelled before flush"),
		repoErrors: counter("hookbuffer.repository.errors", "Persistence failures, by operation"),
	}
}

func (m *Metrics) MessageReceived(ctx context.Context, parked bool) {
	if m == nil {
		return
	}
	m.received.Add(ctx, 1, metric.WithAttributes(attribute.Bool("parked", parked)))
}

func (m *Metrics) Flushed(ctx context.Context, trigger string, size int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("trigger", trigger))
	m.flushes.Add(ctx, 1, attrs)
	m.batchSize.Record(ctx, int64(size), attrs)
}

func (m *Metrics) Dispatched(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.dispatches.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) Cancelled(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.cancelled.Add(ctx, int64(n))
}

func (m *Metrics) RepositoryError(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.repoErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}
