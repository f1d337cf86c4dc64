//go:build integration

package integration

import (
	"bytes"
	"context"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/fxnlabs/clintercept/fixtures"
	"github.com/fxnlabs/clintercept/internal/cl"
	"github.com/fxnlabs/clintercept/internal/config"
	"github.com/fxnlabs/clintercept/internal/icd"
	"github.com/fxnlabs/clintercept/internal/icd/soft"
	"github.com/fxnlabs/clintercept/internal/intercept"
	"github.com/fxnlabs/clintercept/internal/override"
	"github.com/fxnlabs/clintercept/internal/override/emulators"
)

func newApp(t *testing.T, cfg *config.Config, reports io.Writer) (*fxtest.App, *intercept.Engine, *soft.Backend) {
	var e *intercept.Engine
	var b *soft.Backend
	app := fxtest.New(t,
		fx.Supply(cfg),
		fx.Provide(
			func() *zap.Logger { return zaptest.NewLogger(t) },
			func(log *zap.Logger) *soft.Backend { return soft.New(soft.DefaultSpec(), log) },
			func(b *soft.Backend) icd.Locator { return b.Locator() },
			func(cfg *config.Config, log *zap.Logger, loc icd.Locator) (*intercept.Engine, error) {
				return intercept.New(cfg, loc, intercept.Deps{Logger: log})
			},
		),
		fx.Invoke(func(lc fx.Lifecycle, e *intercept.Engine) {
			lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return e.Shutdown(ctx, reports) }})
		}),
		fx.Populate(&e, &b),
	)
	return app, e, b
}

func check(t *testing.T, st cl.Status) {
	t.Helper()
	require.Equal(t, cl.Success, st)
}

// TestEmulatedKernels_EndToEnd runs the bundled kernels from several
// goroutines with every concern on and checks results, metrics and reports.
func TestEmulatedKernels_EndToEnd(t *testing.T) {
	const workers, dim = 4, 8
	cfg := config.Default()
	cfg.Timing.CPU = true
	cfg.Timing.Device = true
	cfg.LeakChecking.Enabled = true
	cfg.Errors.Check = true
	cfg.Overrides.Kernels = true
	cfg.Overrides.CopyBuffer = true
	cfg.Metrics.Enabled = true
	cfg.ProgramCache.Directory = t.TempDir()
	cfg.ProgramCache.Dump = true

	var reports bytes.Buffer
	app, e, b := newApp(t, cfg, &reports)
	app.RequireStart()

	platforms := make([]cl.Platform, 1)
	check(t, e.GetPlatformIDs(platforms, nil))
	devices := make([]cl.Device, 1)
	check(t, e.GetDeviceIDs(platforms[0], cl.DeviceTypeAll, devices, nil))

	var st cl.Status
	ctx := e.CreateContext(nil, devices, &st)
	check(t, st)
	program := e.CreateProgramWithSource(ctx, []string{fixtures.DemoKernels}, &st)
	check(t, st)
	check(t, e.BuildProgram(program, nil, "-cl-mad-enable"))

	a := make([]float32, dim*dim)
	bm := make([]float32, dim*dim)
	for i := range a {
		a[i] = float32(i % 3)
		bm[i] = float32(i%4) - 1
	}
	want := make([]float32, dim*dim)
	for r := 0; r < dim; r++ {
		for c := 0; c < dim; c++ {
			var sum float32
			for k := 0; k < dim; k++ {
				sum += a[r*dim+k] * bm[k*dim+c]
			}
			want[r*dim+c] = sum
		}
	}

	var wg sync.WaitGroup
	results := make([][]float32, workers)
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var st cl.Status
			queue := e.CreateCommandQueue(ctx, devices[0], 0, &st)
			if st != cl.Success {
				return
			}
			defer e.ReleaseCommandQueue(queue)
			bufA := e.CreateBuffer(ctx, cl.MemCopyHostPtr, 4*len(a), emulators.Float32Bytes(a...), &st)
			bufB := e.CreateBuffer(ctx, cl.MemCopyHostPtr, 4*len(bm), emulators.Float32Bytes(bm...), &st)
			bufC := e.CreateBuffer(ctx, cl.MemReadWrite, 4*len(a), nil, &st)
			out := e.CreateBuffer(ctx, cl.MemReadWrite, 4*len(a), nil, &st)
			defer func() {
				for _, m := range []cl.Mem{bufA, bufB, bufC, out} {
					e.ReleaseMemObject(m)
				}
			}()

			kernel := e.CreateKernel(program, override.KernelMatMulF32, &st)
			if st != cl.Success {
				return
			}
			defer e.ReleaseKernel(kernel)
			u := cl.Uint32Bytes(dim)
			for i, arg := range [][]byte{cl.HandleBytes(bufA), cl.HandleBytes(bufB), cl.HandleBytes(bufC), u, u, u} {
				e.SetKernelArg(kernel, uint32(i), arg)
			}
			if e.EnqueueNDRangeKernel(queue, kernel, 2, nil, []int{dim, dim}, nil, nil, nil) != cl.Success {
				return
			}
			if e.EnqueueCopyBuffer(queue, bufC, out, 0, 0, 4*len(a), nil, nil) != cl.Success {
				return
			}
			raw := make([]byte, 4*len(a))
			if e.EnqueueReadBuffer(queue, out, true, 0, raw, nil, nil) != cl.Success {
				return
			}
			e.Finish(queue)
			got := make([]float32, len(a))
			for i := range got {
				got[i] = math.Float32frombits(cl.Uint32(raw[4*i:]))
			}
			results[w] = got
		}()
	}
	wg.Wait()

	for w, got := range results {
		require.NotNil(t, got, "worker %d failed", w)
		assert.InDeltaSlice(t, want, got, 1e-4)
	}
	check(t, e.ReleaseProgram(program))
	check(t, e.ReleaseContext(ctx))
	assert.Zero(t, e.Tracker().Len())
	assert.Zero(t, b.Live(cl.KindMem))
	assert.Equal(t, uint64(workers), e.Overrides().Stats().KernelsEmulated)
	assert.Equal(t, uint64(workers), e.Overrides().Stats().CopiesEmulated)

	e.Timing().Drain()
	srv := httptest.NewServer(e.Metrics().Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `clintercept_calls_total{call="clEnqueueNDRangeKernel",status="CL_SUCCESS"} 4`)
	assert.Contains(t, string(body), `clintercept_device_duration_seconds_count{command="matmul_f32"} 4`)

	app.RequireStop()
	assert.Contains(t, reports.String(), "No leaks detected.")
	assert.Contains(t, reports.String(), "Device Performance Timing Results")
	assert.Contains(t, reports.String(), "Overrides: 4 copies emulated, 4 kernels emulated, 0 fallbacks")
}
