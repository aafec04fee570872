package resilience

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics implements MetricsCollector using OpenTelemetry counters.
// Pass it in Config.Metrics to surface breaker activity through whatever
// meter provider the process has installed.
type OTelMetrics struct {
	successes    metric.Int64Counter
	failures     metric.Int64Counter
	transitions  metric.Int64Counter
	rejections   metric.Int64Counter
}

// NewOTelMetrics creates a collector on the named meter.
func NewOTelMetrics(meterName string) (*OTelMetrics, error) {
	meter := otel.Meter(meterName)

	successes, err := meter.Int64Counter("circuit_breaker.successes",
		metric.WithDescription("Successful calls recorded by circuit breakers"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("circuit_breaker.failures",
		metric.WithDescription("Failed calls recorded by circuit breakers"))
	if err != nil {
		return nil, err
	}
	transitions, err := meter.Int64Counter("circuit_breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"))
	if err != nil {
		return nil, err
	}
	rejections, err := meter.Int64Counter("circuit_breaker.rejections",
		metric.WithDescription("Calls rejected while the circuit was open"))
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		successes:   successes,
		failures:    failures,
		transitions: transitions,
		rejections:  rejections,
	}, nil
}

func (m *OTelMetrics) RecordSuccess(name string) {
	m.successes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("breaker", name)))
}

func (m *OTelMetrics) RecordFailure(name string) {
	m.failures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("breaker", name)))
}

func (m *OTelMetrics) RecordStateChange(name string, from, to string) {
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("breaker", name),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *OTelMetrics) RecordRejection(name string) {
	m.rejections.Add(context.Background(), 1, metric.WithAttributes(attribute.String("breaker", name)))
}
