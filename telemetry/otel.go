// Package telemetry adapts OpenTelemetry tracing and metrics to the
// narrow core.Telemetry interface the rest of the system consumes.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentflow-io/agentflow/core"
)

// OTel implements core.Telemetry on whatever tracer and meter providers
// the process has installed globally. With no providers installed the
// OTel SDK no-ops, so this is safe to wire unconditionally.
type OTel struct {
	tracer trace.Tracer
	meter  metric.Meter

	mu     sync.Mutex
	gauges map[string]metric.Float64Histogram
}

// New creates a telemetry adapter on the named instrumentation scope.
func New(scope string) *OTel {
	return &OTel{
		tracer: otel.Tracer(scope),
		meter:  otel.Meter(scope),
		gauges: make(map[string]metric.Float64Histogram),
	}
}

// StartSpan opens a span named after the operation.
func (t *OTel) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := t.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric records a value on a histogram instrument, creating the
// instrument lazily on first use.
func (t *OTel) RecordMetric(name string, value float64, labels map[string]string) {
	t.mu.Lock()
	hist, ok := t.gauges[name]
	if !ok {
		var err error
		hist, err = t.meter.Float64Histogram(name)
		if err != nil {
			t.mu.Unlock()
			return
		}
		t.gauges[name] = hist
	}
	t.mu.Unlock()

	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	hist.Record(context.Background(), value, metric.WithAttributes(attrs...))
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}
