// Package tracing emits an OpenTelemetry span per intercepted call and per
// finalized device sample.
package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/fxnlabs/clintercept/internal/cl"
	"github.com/fxnlabs/clintercept/internal/pipeline"
	"github.com/fxnlabs/clintercept/internal/timing"
)

const instrumentationName = "github.com/fxnlabs/clintercept"

// Emitter implements pipeline.Tracer and timing.Observer.
type Emitter struct {
	tracer   trace.Tracer
	shutdown func(context.Context) error
}

// New creates an emitter over tp. A nil provider yields an emitter whose
// spans are discarded.
func New(tp trace.TracerProvider) *Emitter {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	e := &Emitter{tracer: tp.Tracer(instrumentationName)}
	if sdk, ok := tp.(*sdktrace.TracerProvider); ok {
		e.shutdown = sdk.Shutdown
	}
	return e
}

// NewProvider builds an SDK provider that batches spans to an OTLP/HTTP
// endpoint such as "localhost:4318".
func NewProvider(ctx context.Context, serviceName, endpoint string) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

type span struct {
	s trace.Span
}

// Start opens the span for one call.
func (e *Emitter) Start(name string) pipeline.Span {
	_, s := e.tracer.Start(context.Background(), name, trace.WithSpanKind(trace.SpanKindClient))
	return span{s: s}
}

func (sp span) End(status cl.Status, cpu time.Duration) {
	sp.s.SetAttributes(
		attribute.String("cl.status", status.String()),
		attribute.Int64("cl.cpu_ns", cpu.Nanoseconds()),
	)
	if status != cl.Success {
		sp.s.SetStatus(codes.Error, status.String())
	}
	sp.s.End()
}

// ObserveSample records a finalized device sample as a span covering the
// command's device execution. The span ends when completion was observed and
// never starts before the call was made.
func (e *Emitter) ObserveSample(s timing.Sample) {
	if !s.HasDevice {
		return
	}
	end := s.Done
	if end.IsZero() {
		end = s.At.Add(s.Device)
	}
	start := end.Add(-s.Device)
	if start.Before(s.At) {
		start = s.At
		end = start.Add(s.Device)
	}
	_, sp := e.tracer.Start(context.Background(), s.Name+" device",
		trace.WithTimestamp(start),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.Int64("cl.device_ns", s.Device.Nanoseconds()),
			attribute.Int64("cl.cpu_ns", s.CPU.Nanoseconds()),
		),
	)
	sp.End(trace.WithTimestamp(end))
}

// Shutdown flushes an SDK provider. It is a no-op otherwise.
func (e *Emitter) Shutdown(ctx context.Context) error {
	if e.shutdown == nil {
		return nil
	}
	return e.shutdown(ctx)
}
