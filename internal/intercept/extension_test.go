package intercept

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fxnlabs/clintercept/internal/cl"
	"github.com/fxnlabs/clintercept/internal/config"
	"github.com/fxnlabs/clintercept/internal/icd"
	"github.com/fxnlabs/clintercept/internal/icd/soft"
	"github.com/fxnlabs/clintercept/internal/pipeline"
)

func TestExtensionAddress(t *testing.T) {
	e, _ := newEngine(t, nil)
	f := open(t, e)

	tests := []struct {
		name    string
		fn      icd.Func
		wrapped bool
	}{
		{name: "global create", fn: e.GetExtensionFunctionAddress(icd.ExtCreateAcceleratorINTEL), wrapped: true},
		{name: "platform release", fn: e.GetExtensionFunctionAddressForPlatform(f.platform, icd.ExtReleaseAcceleratorINTEL), wrapped: true},
		{name: "platform queue", fn: e.GetExtensionFunctionAddressForPlatform(f.platform, icd.ExtCreateCommandQueueWithPropertiesKHR), wrapped: true},
		{name: "unknown name", fn: e.GetExtensionFunctionAddress("clFrobnicateVENDOR")},
		{name: "unknown platform", fn: e.GetExtensionFunctionAddressForPlatform(cl.Platform(0xdead), icd.ExtCreateAcceleratorINTEL)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.wrapped {
				assert.Nil(t, tt.fn)
				return
			}
			require.NotNil(t, tt.fn)
		})
	}
	assert.IsType(t, icd.CreateAcceleratorINTELFunc(nil), tests[0].fn)
	assert.IsType(t, icd.ReleaseAcceleratorINTELFunc(nil), tests[1].fn)
	assert.IsType(t, icd.CreateCommandQueueWithPropertiesKHRFunc(nil), tests[2].fn)
}

func TestAcceleratorLifecycle(t *testing.T) {
	e, b := newEngine(t, func(c *config.Config) { c.LeakChecking.Enabled = true })
	f := open(t, e)

	create, ok := e.GetExtensionFunctionAddressForPlatform(f.platform, icd.ExtCreateAcceleratorINTEL).(icd.CreateAcceleratorINTELFunc)
	require.True(t, ok)
	retain, ok := e.GetExtensionFunctionAddress(icd.ExtRetainAcceleratorINTEL).(icd.RetainAcceleratorINTELFunc)
	require.True(t, ok)
	release, ok := e.GetExtensionFunctionAddress(icd.ExtReleaseAcceleratorINTEL).(icd.ReleaseAcceleratorINTELFunc)
	require.True(t, ok)

	var st cl.Status
	acc := create(f.context, 0, []byte("motion estimation"), &st)
	require.Equal(t, cl.Success, st)
	rec, ok := e.Tracker().Lookup(cl.Handle(acc))
	require.True(t, ok)
	assert.Equal(t, cl.KindAccelerator, rec.Kind)
	assert.Equal(t, uint64(len("motion estimation")), rec.Size)

	require.Equal(t, cl.Success, retain(acc))
	rec, _ = e.Tracker().Lookup(cl.Handle(acc))
	assert.Equal(t, uint32(2), rec.Count)
	require.Equal(t, cl.Success, release(acc))
	require.Equal(t, cl.Success, release(acc))
	_, ok = e.Tracker().Lookup(cl.Handle(acc))
	assert.False(t, ok)
	assert.Zero(t, b.Live(cl.KindAccelerator))

	assert.Equal(t, cl.InvalidAcceleratorINTEL, release(acc))
	assert.Equal(t, uint64(1), e.Tracker().Violations())

	// An empty descriptor is rejected by the implementation and not tracked.
	assert.Zero(t, create(f.context, 0, nil, &st))
	assert.Equal(t, cl.InvalidValue, st)
	f.close(t, e)
	assert.Zero(t, e.Tracker().Len())
}

func TestQueueWithPropertiesKHR(t *testing.T) {
	tests := []struct {
		name      string
		device    bool
		profiling bool
	}{
		{name: "untouched", device: false, profiling: false},
		{name: "device timing forces profiling", device: true, profiling: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newEngine(t, func(c *config.Config) { c.Timing.Device = tt.device })
			f := open(t, e)

			var st cl.Status
			props := cl.Properties{cl.QueuePropertiesProperty, uint64(cl.QueueOutOfOrderExecModeEnable)}
			q := e.CreateCommandQueueWithPropertiesKHR(f.context, f.device, props, &st)
			require.Equal(t, cl.Success, st)

			v := make([]byte, 8)
			require.Equal(t, cl.Success, e.GetCommandQueueInfo(q, cl.QueuePropertiesInfo, v, nil))
			got := cl.QueueProperties(cl.Uint64(v))
			assert.NotZero(t, got&cl.QueueOutOfOrderExecModeEnable, "application properties are kept")
			assert.Equal(t, tt.profiling, got&cl.QueueProfilingEnable != 0)
			assert.Equal(t, []uint64{cl.QueuePropertiesProperty, uint64(cl.QueueOutOfOrderExecModeEnable)}, []uint64(props),
				"the caller's list is not modified")

			require.Equal(t, cl.Success, e.ReleaseCommandQueue(q))
			f.close(t, e)
		})
	}
}

func TestExtensionUnavailable(t *testing.T) {
	spec := soft.DefaultSpec()
	spec.Platforms[0].Extensions = nil
	b := soft.New(spec, zaptest.NewLogger(t))
	e := newEngineOver(t, b.Locator(), nil)
	f := open(t, e)

	assert.Nil(t, e.GetExtensionFunctionAddress(icd.ExtCreateAcceleratorINTEL))

	st := cl.Success
	assert.Zero(t, e.CreateAcceleratorINTEL(f.context, 0, []byte{1}, &st))
	assert.Equal(t, cl.ImplementationMissing, st)
	assert.Equal(t, cl.ImplementationMissing, e.RetainAcceleratorINTEL(cl.Accelerator(0x1234)))
	assert.Zero(t, e.CreateCommandQueueWithPropertiesKHR(f.context, f.device, nil, &st))
	assert.Equal(t, cl.ImplementationMissing, st)
	assert.Equal(t, uint64(3), e.Pipeline().Failures()[pipeline.ClassExtensionUnavailable])

	// Absence is cached: a second attempt asks the implementation nothing.
	queries := e.Dispatch().Stats().ExtensionQueries
	assert.Zero(t, e.CreateAcceleratorINTEL(f.context, 0, []byte{1}, nil))
	assert.Equal(t, queries, e.Dispatch().Stats().ExtensionQueries)
	f.close(t, e)
}
