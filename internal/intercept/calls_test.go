package intercept

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fxnlabs/clintercept/internal/cl"
	"github.com/fxnlabs/clintercept/internal/config"
	"github.com/fxnlabs/clintercept/internal/icd"
	"github.com/fxnlabs/clintercept/internal/icd/soft"
	"github.com/fxnlabs/clintercept/internal/objtrack"
	"github.com/fxnlabs/clintercept/internal/pipeline"
	"github.com/fxnlabs/clintercept/internal/timing"
)

func lookup[F any](t *testing.T, api icd.Locator, id icd.EntryPoint) F {
	t.Helper()
	fn, ok := api.Lookup(id).(F)
	require.True(t, ok, "%s has type %T", id, api.Lookup(id))
	return fn
}

// workload drives a fixed call sequence through api, failures included, and
// records every status, handle and output value.
func workload(t *testing.T, api icd.Locator) []any {
	t.Helper()
	var out []any
	rec := func(v ...any) { out = append(out, v...) }
	var st cl.Status

	getPlatformIDs := lookup[icd.GetPlatformIDsFunc](t, api, icd.GetPlatformIDs)
	var n uint32
	rec(getPlatformIDs(nil, &n), n)
	platforms := make([]cl.Platform, n)
	rec(getPlatformIDs(platforms, nil), platforms)
	rec(getPlatformIDs(nil, nil))

	name := make([]byte, 64)
	var size int
	rec(lookup[icd.GetPlatformInfoFunc](t, api, icd.GetPlatformInfo)(platforms[0], cl.PlatformName, name, &size), name, size)
	rec(lookup[icd.GetPlatformInfoFunc](t, api, icd.GetPlatformInfo)(platforms[0], cl.PlatformName, make([]byte, 2), nil))

	devices := make([]cl.Device, 1)
	rec(lookup[icd.GetDeviceIDsFunc](t, api, icd.GetDeviceIDs)(platforms[0], cl.DeviceTypeAll, devices, nil), devices)
	rec(lookup[icd.GetDeviceIDsFunc](t, api, icd.GetDeviceIDs)(platforms[0], cl.DeviceTypeAccelerator, devices, nil))

	ctx := lookup[icd.CreateContextFunc](t, api, icd.CreateContext)(nil, devices, &st)
	rec(ctx, st)
	queue := lookup[icd.CreateCommandQueueFunc](t, api, icd.CreateCommandQueue)(ctx, devices[0], 0, &st)
	rec(queue, st)

	createBuffer := lookup[icd.CreateBufferFunc](t, api, icd.CreateBuffer)
	buf := createBuffer(ctx, cl.MemReadWrite, 16, nil, &st)
	rec(buf, st)
	rec(createBuffer(ctx, cl.MemReadWrite, 0, nil, &st), st)
	rec(createBuffer(ctx, cl.MemCopyHostPtr, 16, nil, nil))

	var ev cl.Event
	rec(lookup[icd.EnqueueWriteBufferFunc](t, api, icd.EnqueueWriteBuffer)(queue, buf, false, 0, []byte("0123456789abcdef"), nil, &ev), ev)
	dst := make([]byte, 16)
	rec(lookup[icd.EnqueueReadBufferFunc](t, api, icd.EnqueueReadBuffer)(queue, buf, true, 0, dst, []cl.Event{ev}, nil), dst)
	rec(lookup[icd.WaitForEventsFunc](t, api, icd.WaitForEvents)([]cl.Event{ev}))
	status := make([]byte, 4)
	rec(lookup[icd.GetEventInfoFunc](t, api, icd.GetEventInfo)(ev, cl.EventCommandExecutionStatus, status, nil), status)
	rec(lookup[icd.ReleaseEventFunc](t, api, icd.ReleaseEvent)(ev))

	program := lookup[icd.CreateProgramWithSourceFunc](t, api, icd.CreateProgramWithSource)(ctx, []string{"__kernel void k(__global", " float* a){}"}, &st)
	rec(program, st)
	rec(lookup[icd.BuildProgramFunc](t, api, icd.BuildProgram)(program, nil, "-invalid"))
	rec(lookup[icd.BuildProgramFunc](t, api, icd.BuildProgram)(program, nil, ""))
	createKernel := lookup[icd.CreateKernelFunc](t, api, icd.CreateKernel)
	kernel := createKernel(program, "k", &st)
	rec(kernel, st)
	rec(createKernel(program, "missing", &st), st)
	rec(lookup[icd.SetKernelArgFunc](t, api, icd.SetKernelArg)(kernel, 0, cl.HandleBytes(buf)))
	rec(lookup[icd.SetKernelArgFunc](t, api, icd.SetKernelArg)(kernel, 7, cl.HandleBytes(buf)))
	rec(lookup[icd.EnqueueNDRangeKernelFunc](t, api, icd.EnqueueNDRangeKernel)(queue, kernel, 1, nil, []int{16}, nil, nil, nil))
	rec(lookup[icd.EnqueueNDRangeKernelFunc](t, api, icd.EnqueueNDRangeKernel)(queue, kernel, 4, nil, []int{16}, nil, nil, nil))
	rec(lookup[icd.FinishFunc](t, api, icd.Finish)(queue))

	rec(lookup[icd.ReleaseKernelFunc](t, api, icd.ReleaseKernel)(kernel))
	rec(lookup[icd.ReleaseProgramFunc](t, api, icd.ReleaseProgram)(program))
	rec(lookup[icd.ReleaseMemObjectFunc](t, api, icd.ReleaseMemObject)(buf))
	rec(lookup[icd.ReleaseMemObjectFunc](t, api, icd.ReleaseMemObject)(buf))
	rec(lookup[icd.ReleaseCommandQueueFunc](t, api, icd.ReleaseCommandQueue)(queue))
	rec(lookup[icd.ReleaseContextFunc](t, api, icd.ReleaseContext)(ctx))
	rec(lookup[icd.ReleaseContextFunc](t, api, icd.ReleaseContext)(ctx))
	return out
}

func TestPassthroughIsTransparent(t *testing.T) {
	direct := soft.New(soft.DefaultSpec(), nil)
	want := workload(t, direct.Locator())

	e, _ := newEngine(t, nil)
	got := workload(t, e.Locator())

	assert.Equal(t, want, got)
}

func TestConcernsDoNotChangeResults(t *testing.T) {
	// Device timing is left out: its queue profiling and timing events are
	// visible in handle numbering.
	direct := soft.New(soft.DefaultSpec(), nil)
	want := workload(t, direct.Locator())

	core, logs := observer.New(zapcore.InfoLevel)
	b := soft.New(soft.DefaultSpec(), nil)
	cfg := config.Default()
	cfg.CallLogging.Enabled = true
	cfg.Timing.CPU = true
	cfg.LeakChecking.Enabled = true
	cfg.ProgramCache.Directory = t.TempDir()
	cfg.ProgramCache.Dump = true
	cfg.Errors.Check = true
	cfg.Metrics.Enabled = true
	cfg.Tracing.Enabled = true
	e, err := New(cfg, b.Locator(), Deps{Logger: zap.NewNop(), CallLogger: zap.New(core)})
	require.NoError(t, err)

	got := workload(t, e.Locator())
	assert.Equal(t, want, got)
	assert.NotZero(t, logs.FilterMessage(">>>> clCreateBuffer").Len())
	assert.NotEmpty(t, e.Timing().CPUReport())
	assert.NotZero(t, e.Pipeline().Failures()[pipeline.ClassBackendError])
	assert.Zero(t, e.Tracker().Len(), "the workload releases everything it creates")
}

// TestLeakTracking_RetainRelease counts creation as the first reference:
// create plus N retains is balanced by N+1 releases, and only release N+2 is
// a violation. A sequence that reported a violation at release N+1 would
// contradict a creation count of one.
func TestLeakTracking_RetainRelease(t *testing.T) {
	const retains = 3
	e, b := newEngine(t, func(c *config.Config) { c.LeakChecking.Enabled = true })
	f := open(t, e)

	var st cl.Status
	buf := e.CreateBuffer(f.context, cl.MemReadWrite, 64, nil, &st)
	require.Equal(t, cl.Success, st)
	rec, ok := e.Tracker().Lookup(cl.Handle(buf))
	require.True(t, ok)
	assert.Equal(t, uint32(1), rec.Count)
	assert.Equal(t, uint64(64), rec.Size)

	for range retains {
		require.Equal(t, cl.Success, e.RetainMemObject(buf))
	}
	rec, _ = e.Tracker().Lookup(cl.Handle(buf))
	assert.Equal(t, uint32(retains+1), rec.Count)

	for range retains + 1 {
		require.Equal(t, cl.Success, e.ReleaseMemObject(buf))
	}
	_, ok = e.Tracker().Lookup(cl.Handle(buf))
	assert.False(t, ok)
	assert.Zero(t, e.Tracker().Violations())
	assert.Zero(t, b.Live(cl.KindMem))

	// The extra release fails in the backend and is the only violation.
	assert.Equal(t, cl.InvalidMemObject, e.ReleaseMemObject(buf))
	assert.Equal(t, uint64(1), e.Tracker().Violations())
	assert.Equal(t, uint64(1), e.Tracker().ViolationsByKind()[objtrack.ReleaseUnknown])
	_, ok = e.Tracker().Lookup(cl.Handle(buf))
	assert.False(t, ok)

	f.close(t, e)
	assert.Zero(t, e.Tracker().Len())
}

func TestLeakTracking_ImplicitRetains(t *testing.T) {
	// The queue holds an internal reference on its context, so the context's
	// real count stays above the shadow count until the queue goes away.
	e, b := newEngine(t, func(c *config.Config) { c.LeakChecking.Enabled = true })
	f := open(t, e)

	real, ok := b.RefCount(cl.Handle(f.context))
	require.True(t, ok)
	assert.Equal(t, uint32(2), real)

	require.Equal(t, cl.Success, e.ReleaseContext(f.context))
	_, ok = e.Tracker().Lookup(cl.Handle(f.context))
	assert.False(t, ok, "the application's reference is gone")
	assert.Equal(t, 1, b.Live(cl.KindContext))

	require.Equal(t, cl.Success, e.ReleaseCommandQueue(f.queue))
	assert.Zero(t, b.Live(cl.KindContext))
	assert.Zero(t, e.Tracker().Violations())
}

func TestLeakTracking_BypassedRelease(t *testing.T) {
	e, b := newEngine(t, func(c *config.Config) { c.LeakChecking.Enabled = true })
	f := open(t, e)

	var st cl.Status
	buf := e.CreateBuffer(f.context, cl.MemReadWrite, 8, nil, &st)
	require.Equal(t, cl.Success, e.RetainMemObject(buf))
	// A release the layer never sees.
	require.Equal(t, cl.Success, b.ReleaseMemObject(buf))

	require.Equal(t, cl.Success, e.ReleaseMemObject(buf))
	_, ok := e.Tracker().Lookup(cl.Handle(buf))
	assert.False(t, ok, "reconciled down to the real count")
	assert.Zero(t, e.Tracker().Violations())
}

func TestLeakTracking_Concurrent(t *testing.T) {
	const workers, perWorker = 8, 25
	e, _ := newEngine(t, func(c *config.Config) { c.LeakChecking.Enabled = true })
	f := open(t, e)

	var mu sync.Mutex
	seen := make(map[cl.Mem]bool)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				var st cl.Status
				m := e.CreateBuffer(f.context, cl.MemReadWrite, 4, nil, &st)
				if st != cl.Success {
					continue
				}
				mu.Lock()
				seen[m] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	mems := 0
	for _, r := range e.Tracker().Report() {
		if r.Kind == cl.KindMem {
			mems++
		}
	}
	assert.Len(t, seen, workers*perWorker)
	assert.Equal(t, workers*perWorker, mems)
	assert.Zero(t, e.Tracker().Violations())
}

func TestMissingEntryPoint(t *testing.T) {
	b := soft.New(soft.DefaultSpec(), nil)
	loc := b.Locator()
	loc.Set(icd.Flush, nil)
	loc.Set(icd.CreateSampler, nil)
	e := newEngineOver(t, loc, nil)
	f := open(t, e)

	assert.Equal(t, cl.ImplementationMissing, e.Flush(f.queue))

	st := cl.Success
	assert.Zero(t, e.CreateSampler(f.context, false, 0, 0, &st))
	assert.Equal(t, cl.ImplementationMissing, st)
	assert.Zero(t, e.CreateSampler(f.context, false, 0, 0, nil), "a nil errcode_ret is allowed")

	assert.Equal(t, uint64(3), e.Pipeline().Failures()[pipeline.ClassBackendUnavailable])
	assert.Equal(t, cl.Success, e.Finish(f.queue), "other entries are unaffected")
}

func TestErrorChecking_Abort(t *testing.T) {
	for _, check := range []bool{true, false} {
		t.Run(fmt.Sprintf("check=%v", check), func(t *testing.T) {
			b := soft.New(soft.DefaultSpec(), nil)
			var aborted []string
			cfg := config.Default()
			cfg.Errors.Check = check
			cfg.Errors.Abort = true
			e, err := New(cfg, b.Locator(), Deps{
				Logger: zap.NewNop(),
				Abort:  func(call string, _ cl.Status) { aborted = append(aborted, call) },
			})
			require.NoError(t, err)

			assert.Equal(t, cl.InvalidCommandQueue, e.Flush(0))
			assert.Equal(t, []string{"clFlush"}, aborted)
			assert.Equal(t, uint64(1), e.Pipeline().Failures()[pipeline.ClassBackendError])
		})
	}
}

func TestDeviceTiming(t *testing.T) {
	tests := []struct {
		name        string
		synchronous bool
		appEvents   bool
	}{
		{name: "deferred without application events"},
		{name: "deferred with application events", appEvents: true},
		{name: "synchronous", synchronous: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			const launches = 10
			e, b := newEngine(t, func(c *config.Config) {
				c.Timing.Device = true
				c.Timing.Synchronous = tt.synchronous
			})
			f := open(t, e)

			props := make([]byte, 8)
			require.Equal(t, cl.Success, e.GetCommandQueueInfo(f.queue, cl.QueuePropertiesInfo, props, nil))
			assert.NotZero(t, cl.QueueProperties(cl.Uint64(props))&cl.QueueProfilingEnable, "profiling is forced on")

			var st cl.Status
			buf := e.CreateBuffer(f.context, cl.MemReadWrite, 64, nil, &st)
			require.Equal(t, cl.Success, st)

			var events []cl.Event
			for range launches {
				var ev *cl.Event
				if tt.appEvents {
					ev = new(cl.Event)
				}
				// Back to back, with no synchronization in between.
				require.Equal(t, cl.Success, e.EnqueueWriteBuffer(f.queue, buf, false, 0, make([]byte, 64), nil, ev))
				if ev != nil {
					events = append(events, *ev)
				}
			}
			require.Equal(t, cl.Success, e.Finish(f.queue))
			e.Timing().Drain()

			assert.Equal(t, timing.Counters{Tracked: launches, Finalized: launches}, e.Timing().Counters())
			for _, ev := range events {
				require.Equal(t, cl.Success, e.ReleaseEvent(ev))
			}
			assert.Zero(t, b.Live(cl.KindEvent), "timing events are released")

			report := e.Timing().DeviceReport()
			require.Len(t, report, 1)
			assert.Equal(t, "clEnqueueWriteBuffer", report[0].Name)
			assert.Equal(t, uint64(launches), report[0].Count)
		})
	}
}

func TestDeviceTiming_KernelLabel(t *testing.T) {
	e, _ := newEngine(t, func(c *config.Config) { c.Timing.Device = true })
	f := open(t, e)

	var st cl.Status
	program := e.CreateProgramWithSource(f.context, []string{"__kernel void scale(__global float* a){}"}, &st)
	require.Equal(t, cl.Success, e.BuildProgram(program, nil, ""))
	kernel := e.CreateKernel(program, "scale", &st)
	require.Equal(t, cl.Success, st)
	buf := e.CreateBuffer(f.context, cl.MemReadWrite, 16, nil, &st)
	require.Equal(t, cl.Success, e.SetKernelArg(kernel, 0, cl.HandleBytes(buf)))

	require.Equal(t, cl.Success, e.EnqueueNDRangeKernel(f.queue, kernel, 1, nil, []int{4}, nil, nil, nil))
	require.Equal(t, cl.Success, e.Finish(f.queue))
	e.Timing().Drain()

	report := e.Timing().DeviceReport()
	require.Len(t, report, 1)
	assert.Equal(t, "scale", report[0].Name)
}

func TestCopyBufferOverride(t *testing.T) {
	e, _ := newEngine(t, func(c *config.Config) { c.Overrides.CopyBuffer = true })
	f := open(t, e)

	var st cl.Status
	payload := []byte("override payload")
	src := e.CreateBuffer(f.context, cl.MemCopyHostPtr, len(payload), payload, &st)
	require.Equal(t, cl.Success, st)
	dst := e.CreateBuffer(f.context, cl.MemReadWrite, len(payload), nil, &st)
	require.Equal(t, cl.Success, st)

	require.Equal(t, cl.Success, e.EnqueueCopyBuffer(f.queue, src, dst, 0, 0, len(payload), nil, nil))
	got := make([]byte, len(payload))
	require.Equal(t, cl.Success, e.EnqueueReadBuffer(f.queue, dst, true, 0, got, nil, nil))

	assert.True(t, bytes.Equal(payload, got))
	assert.Equal(t, uint64(1), e.Overrides().Stats().CopiesEmulated)
}
