package tracing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/fxnlabs/clintercept/internal/cl"
	"github.com/fxnlabs/clintercept/internal/pipeline"
	"github.com/fxnlabs/clintercept/internal/timing"
)

var (
	_ pipeline.Tracer = (*Emitter)(nil)
	_ timing.Observer = (*Emitter)(nil)
)

func kvMap(kvs []attribute.KeyValue) map[string]string {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}

func newRecorded(t *testing.T) (*Emitter, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	e := New(tp)
	t.Cleanup(func() { require.NoError(t, e.Shutdown(context.Background())) })
	return e, rec
}

func TestEmitter_CallSpans(t *testing.T) {
	tests := []struct {
		name       string
		status     cl.Status
		wantStatus codes.Code
	}{
		{name: "success", status: cl.Success, wantStatus: codes.Unset},
		{name: "failure", status: cl.InvalidKernelArgs, wantStatus: codes.Error},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, rec := newRecorded(t)
			e.Start("clEnqueueNDRangeKernel").End(tt.status, 3*time.Microsecond)

			ended := rec.Ended()
			require.Len(t, ended, 1)
			assert.Equal(t, "clEnqueueNDRangeKernel", ended[0].Name())
			attrs := kvMap(ended[0].Attributes())
			assert.Equal(t, tt.status.String(), attrs["cl.status"])
			assert.Equal(t, "3000", attrs["cl.cpu_ns"])
			assert.Equal(t, tt.wantStatus, ended[0].Status().Code)
		})
	}
}

func TestEmitter_DeviceSamples(t *testing.T) {
	e, rec := newRecorded(t)
	at := time.Now()

	e.ObserveSample(timing.Sample{Name: "clFinish", CPU: time.Millisecond, At: at})
	assert.Empty(t, rec.Ended(), "host-only samples are covered by call spans")

	tests := []struct {
		name      string
		done      time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{name: "ends at completion", done: at.Add(5 * time.Millisecond), wantStart: at.Add(3 * time.Millisecond), wantEnd: at.Add(5 * time.Millisecond)},
		{name: "never starts before the call", done: at.Add(time.Millisecond), wantStart: at, wantEnd: at.Add(2 * time.Millisecond)},
		{name: "completion unknown", wantStart: at, wantEnd: at.Add(2 * time.Millisecond)},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e.ObserveSample(timing.Sample{Name: "clEnqueueCopyBuffer", Device: 2 * time.Millisecond, HasDevice: true, At: at, Done: tt.done})
			ended := rec.Ended()
			require.Len(t, ended, i+1)
			span := ended[i]
			assert.Equal(t, "clEnqueueCopyBuffer device", span.Name())
			assert.True(t, tt.wantStart.Equal(span.StartTime()), "start %v, want %v", span.StartTime(), tt.wantStart)
			assert.True(t, tt.wantEnd.Equal(span.EndTime()), "end %v, want %v", span.EndTime(), tt.wantEnd)
			assert.False(t, span.StartTime().Before(at))
		})
	}
}

func TestEmitter_Noop(t *testing.T) {
	e := New(nil)
	assert.NotPanics(t, func() {
		e.Start("clFlush").End(cl.Success, 0)
		e.ObserveSample(timing.Sample{Name: "x", HasDevice: true})
	})
	assert.NoError(t, e.Shutdown(context.Background()))
}
