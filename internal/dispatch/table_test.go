package dispatch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fxnlabs/clintercept/internal/cl"
	"github.com/fxnlabs/clintercept/internal/icd"
	"github.com/fxnlabs/clintercept/internal/icd/soft"
)

// countingLocator counts extension queries and makes them slow enough for
// concurrent first uses to overlap.
type countingLocator struct {
	icd.Locator
	queries atomic.Int64
}

func (c *countingLocator) ExtensionFunctionAddressForPlatform(pf cl.Platform, name string) icd.Func {
	c.queries.Add(1)
	time.Sleep(10 * time.Millisecond)
	return c.Locator.ExtensionFunctionAddressForPlatform(pf, name)
}

func (c *countingLocator) ExtensionFunctionAddress(name string) icd.Func {
	c.queries.Add(1)
	time.Sleep(10 * time.Millisecond)
	return c.Locator.ExtensionFunctionAddress(name)
}

func TestTable_Core(t *testing.T) {
	backend := soft.New(soft.DefaultSpec(), nil)
	loc := backend.Locator()
	loc.Set(icd.Flush, nil)

	table := New(loc, zaptest.NewLogger(t))

	finish, err := Resolve[icd.FinishFunc](table, icd.Finish)
	require.NoError(t, err)
	assert.NotNil(t, finish)

	_, err = Resolve[icd.FlushFunc](table, icd.Flush)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Equal(t, Absent, table.Entry(icd.Flush).State)

	_, err = Resolve[icd.FlushFunc](table, icd.Finish)
	assert.ErrorIs(t, err, ErrBackendUnavailable, "wrong function type")

	assert.Equal(t, Absent, table.Entry(icd.NumEntryPoints).State)

	stats := table.Stats()
	assert.Equal(t, int(icd.NumEntryPoints)-1, stats.CoreResolved)
	assert.Equal(t, 1, stats.CoreAbsent)
}

func TestTable_ExtensionResolvedOnce(t *testing.T) {
	backend := soft.New(soft.DefaultSpec(), nil)
	loc := &countingLocator{Locator: backend.Locator()}
	table := New(loc, zaptest.NewLogger(t))
	pf := backend.Platforms()[0]

	const goroutines = 64
	var wg sync.WaitGroup
	results := make([]icd.Func, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fn, err := table.Extension(pf, icd.ExtCreateAcceleratorINTEL)
			assert.NoError(t, err)
			results[i] = fn
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), loc.queries.Load())
	for _, fn := range results {
		_, ok := fn.(icd.CreateAcceleratorINTELFunc)
		assert.True(t, ok)
	}

	_, err := ResolveExtension[icd.RetainAcceleratorINTELFunc](table, pf, icd.ExtRetainAcceleratorINTEL)
	require.NoError(t, err)
	assert.Equal(t, int64(2), loc.queries.Load())
}

func TestTable_ExtensionNegativeCache(t *testing.T) {
	backend := soft.New(soft.DefaultSpec(), nil)
	loc := &countingLocator{Locator: backend.Locator()}
	table := New(loc, nil)

	for i := 0; i < 3; i++ {
		_, err := table.Extension(0, "clMissingExtensionFOO")
		assert.ErrorIs(t, err, ErrExtensionUnavailable)
	}
	assert.Equal(t, int64(1), loc.queries.Load())

	_, err := ResolveExtension[icd.RetainAcceleratorINTELFunc](table, 0, icd.ExtCreateAcceleratorINTEL)
	assert.ErrorIs(t, err, ErrExtensionUnavailable, "wrong function type")

	stats := table.Stats()
	assert.Equal(t, 1, stats.ExtensionAbsent)
	assert.Equal(t, 1, stats.ExtensionResolved)
	assert.Equal(t, uint64(2), stats.ExtensionQueries)
}

func TestTable_NilLocator(t *testing.T) {
	table := New(nil, nil)
	_, err := table.Core(icd.GetPlatformIDs)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	_, err = table.Extension(1, icd.ExtRetainAcceleratorINTEL)
	assert.ErrorIs(t, err, ErrExtensionUnavailable)
}

func TestTable_ScopeWalk(t *testing.T) {
	backend := soft.New(soft.DefaultSpec(), nil)
	table := New(backend.Locator(), zaptest.NewLogger(t))
	pf := backend.Platforms()[0]

	devices := make([]cl.Device, 1)
	require.Equal(t, cl.Success, backend.GetDeviceIDs(pf, cl.DeviceTypeAll, devices, nil))
	var st cl.Status
	ctx := backend.CreateContext(nil, devices, &st)
	q := backend.CreateCommandQueue(ctx, devices[0], 0, &st)
	mem := backend.CreateBuffer(ctx, cl.MemReadWrite, 16, nil, &st)
	prog := backend.CreateProgramWithSource(ctx, []string{"kernel void k() {}"}, &st)
	require.Equal(t, cl.Success, backend.BuildProgram(prog, nil, ""))
	k := backend.CreateKernel(prog, "k", &st)
	require.Equal(t, cl.Success, st)

	tests := []struct {
		name  string
		query func() (cl.Platform, error)
	}{
		{"device", func() (cl.Platform, error) { return table.PlatformOfDevice(devices[0]) }},
		{"context", func() (cl.Platform, error) { return table.PlatformOfContext(ctx) }},
		{"queue", func() (cl.Platform, error) { return table.PlatformOfQueue(q) }},
		{"mem", func() (cl.Platform, error) { return table.PlatformOfMem(mem) }},
		{"program", func() (cl.Platform, error) { return table.PlatformOfProgram(prog) }},
		{"kernel", func() (cl.Platform, error) { return table.PlatformOfKernel(k) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.query()
			require.NoError(t, err)
			assert.Equal(t, pf, got)
		})
	}

	assert.Equal(t, 2, table.Stats().Scopes)
	assert.True(t, table.KnowsContext(ctx))
	table.ForgetContext(ctx)
	assert.Equal(t, 1, table.Stats().Scopes)
	assert.False(t, table.KnowsContext(ctx))

	_, err := table.PlatformOfQueue(cl.CommandQueue(0xdead))
	assert.ErrorIs(t, err, cl.InvalidCommandQueue)
}
