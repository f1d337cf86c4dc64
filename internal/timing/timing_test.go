package timing

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fxnlabs/clintercept/internal/cl"
	"github.com/fxnlabs/clintercept/internal/dispatch"
	"github.com/fxnlabs/clintercept/internal/icd/soft"
)

type fixture struct {
	backend *soft.Backend
	table   *dispatch.Table
	queue   cl.CommandQueue
	src     cl.Mem
	dst     cl.Mem
}

func newFixture(t *testing.T, props cl.QueueProperties) fixture {
	t.Helper()
	b := soft.New(soft.DefaultSpec(), nil)
	devices := make([]cl.Device, 1)
	require.Equal(t, cl.Success, b.GetDeviceIDs(b.Platforms()[0], cl.DeviceTypeAll, devices, nil))
	var st cl.Status
	ctx := b.CreateContext(nil, devices, &st)
	q := b.CreateCommandQueue(ctx, devices[0], props, &st)
	src := b.CreateBuffer(ctx, cl.MemReadWrite, 256, nil, &st)
	dst := b.CreateBuffer(ctx, cl.MemReadWrite, 256, nil, &st)
	require.Equal(t, cl.Success, st)
	return fixture{backend: b, table: dispatch.New(b.Locator(), nil), queue: q, src: src, dst: dst}
}

// enqueue issues a non-blocking copy and hands its event to the recorder the
// way the pipeline does: track, then drop the caller's reference.
func (f fixture) enqueue(t *testing.T, r *Recorder, size int) {
	var ev cl.Event
	require.Equal(t, cl.Success, f.backend.EnqueueCopyBuffer(f.queue, f.src, f.dst, 0, 0, size, nil, &ev))
	require.NoError(t, r.Track("clEnqueueCopyBuffer", ev, time.Microsecond))
	require.Equal(t, cl.Success, f.backend.ReleaseEvent(ev))
}

type collector struct {
	mu      sync.Mutex
	samples []Sample
}

func (c *collector) ObserveSample(s Sample) {
	c.mu.Lock()
	c.samples = append(c.samples, s)
	c.mu.Unlock()
}

func TestRecorder_DeferredFinalization(t *testing.T) {
	f := newFixture(t, cl.QueueProfilingEnable)
	obs := &collector{}
	r := New(Options{Device: true}, NewEventSource(f.table), zaptest.NewLogger(t), obs)

	const n = 20
	for i := 0; i < n; i++ {
		f.enqueue(t, r, 8*(i+1))
	}

	r.Check()
	c := r.Counters()
	assert.Equal(t, uint64(n), c.Tracked)
	assert.Equal(t, uint64(0), c.Finalized, "nothing completes before the queue is flushed")
	assert.Equal(t, n, c.Pending)

	require.Equal(t, cl.Success, f.backend.Finish(f.queue))
	r.Check()
	c = r.Counters()
	assert.Equal(t, uint64(n), c.Finalized)
	assert.Equal(t, 0, c.Pending)
	assert.Equal(t, 0, f.backend.Live(cl.KindEvent), "every tracked event is released")

	report := r.DeviceReport()
	require.Len(t, report, 1)
	assert.Equal(t, uint64(n), report[0].Count)
	assert.Equal(t, 8*time.Nanosecond, report[0].Min)
	assert.Equal(t, 160*time.Nanosecond, report[0].Max)
	assert.Len(t, obs.samples, n)
	for _, s := range obs.samples {
		assert.True(t, s.HasDevice)
		assert.False(t, s.Done.Before(s.At), "completion is observed after the call")
	}
}

func TestRecorder_Drain(t *testing.T) {
	f := newFixture(t, cl.QueueProfilingEnable)
	r := New(Options{Device: true}, NewEventSource(f.table), zaptest.NewLogger(t))
	for i := 0; i < 5; i++ {
		f.enqueue(t, r, 16)
	}
	r.Drain()
	assert.Equal(t, Counters{Tracked: 5, Finalized: 5}, r.Counters())
}

func TestRecorder_Synchronous(t *testing.T) {
	f := newFixture(t, cl.QueueProfilingEnable)
	r := New(Options{Device: true, Synchronous: true}, NewEventSource(f.table), zaptest.NewLogger(t))
	f.enqueue(t, r, 32)
	assert.Equal(t, Counters{Tracked: 1, Finalized: 1}, r.Counters())
}

func TestRecorder_ProfilingDisabledQueue(t *testing.T) {
	f := newFixture(t, 0)
	r := New(Options{Device: true}, NewEventSource(f.table), zaptest.NewLogger(t))
	f.enqueue(t, r, 8)
	r.Drain()
	c := r.Counters()
	assert.Equal(t, uint64(0), c.Finalized)
	assert.Equal(t, uint64(1), c.Failed)
	assert.Equal(t, 0, f.backend.Live(cl.KindEvent))
}

type failingEvents struct{ EventSource }

func (failingEvents) Retain(cl.Event) error { return errors.New("boom") }

func TestRecorder_RetainFailure(t *testing.T) {
	r := New(Options{Device: true}, failingEvents{}, nil)
	assert.Error(t, r.Track("x", 1, 0))
	assert.Equal(t, uint64(1), r.Counters().Failed)
	assert.Equal(t, uint64(0), r.Counters().Tracked)
}

func TestRecorder_DisabledIsInert(t *testing.T) {
	r := New(Options{Device: true}, nil, nil)
	assert.False(t, r.DeviceEnabled())
	assert.NoError(t, r.Track("x", 1, 0))
	timer := r.StartCPU()
	assert.False(t, timer.Running())
	assert.Zero(t, timer.Stop())
	r.RecordCPU("x", time.Second)
	assert.Empty(t, r.CPUReport())
}

func TestRecorder_CPUReport(t *testing.T) {
	r := New(Options{CPU: true}, nil, nil)
	for i := 1; i <= 100; i++ {
		r.RecordCPU("clFinish", time.Duration(i)*time.Microsecond)
	}
	r.RecordCPU("clFlush", time.Microsecond)

	timer := r.StartCPU()
	assert.True(t, timer.Running())
	assert.GreaterOrEqual(t, timer.Stop(), time.Duration(0))

	report := r.CPUReport()
	require.Len(t, report, 2)
	fin := report[0]
	assert.Equal(t, "clFinish", fin.Name)
	assert.Equal(t, uint64(100), fin.Count)
	assert.Equal(t, time.Microsecond, fin.Min)
	assert.Equal(t, 100*time.Microsecond, fin.Max)
	assert.Equal(t, 50500*time.Nanosecond, fin.Mean)
	assert.Equal(t, 50*time.Microsecond, fin.P50)
	assert.Equal(t, 99*time.Microsecond, fin.P99)
	assert.InDelta(t, float64(29*time.Microsecond), float64(fin.StdDev), float64(time.Microsecond))

	assert.Zero(t, report[1].StdDev, "a single sample has no spread")
}

type panickyObserver struct{}

func (panickyObserver) ObserveSample(Sample) { panic("observer failure") }

func TestRecorder_ObserverPanicIsContained(t *testing.T) {
	obs := &collector{}
	r := New(Options{CPU: true}, nil, zaptest.NewLogger(t), panickyObserver{}, obs)
	assert.NotPanics(t, func() { r.RecordCPU("clFlush", time.Millisecond) })
	assert.Len(t, obs.samples, 1)
}
