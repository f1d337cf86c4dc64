package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gonum.org/v1/gonum/mat"

	"github.com/fxnlabs/clintercept/fixtures"
	"github.com/fxnlabs/clintercept/internal/cl"
	"github.com/fxnlabs/clintercept/internal/config"
	"github.com/fxnlabs/clintercept/internal/icd"
	"github.com/fxnlabs/clintercept/internal/icd/soft"
	"github.com/fxnlabs/clintercept/internal/intercept"
	"github.com/fxnlabs/clintercept/internal/override"
	"github.com/fxnlabs/clintercept/internal/override/emulators"
)

type demoOptions struct {
	Size       int
	Iterations int
	// Leak leaves one buffer unreleased so the leak report has content.
	Leak bool
}

// reportWriter receives the shutdown reports.
type reportWriter struct{ io.Writer }

func demoCommand(st *state) *cli.Command {
	return &cli.Command{
		Name:  "demo",
		Usage: "Run the bundled kernels through the layer over the soft backend and print the reports",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "size", Value: 16, Usage: "matrix dimension `N`; vectors hold N*N elements"},
			&cli.IntFlag{Name: "iterations", Value: 4, Usage: "launches per kernel"},
			&cli.BoolFlag{Name: "leak", Usage: "leave one buffer unreleased"},
		},
		Action: func(c *cli.Context) error {
			opts := demoOptions{
				Size:       c.Int("size"),
				Iterations: c.Int("iterations"),
				Leak:       c.Bool("leak"),
			}
			if opts.Size <= 0 || opts.Iterations <= 0 {
				return errors.New("size and iterations must be positive")
			}
			return runDemoApp(c.Context, st.cfg, st.log, opts, c.App.Writer)
		},
	}
}

func demoModule(cfg *config.Config, log *zap.Logger, out io.Writer) fx.Option {
	return fx.Options(
		fx.Supply(cfg, log, reportWriter{out}),
		fx.Provide(newBackend, newLocator, newEngine),
		fx.Invoke(serveMetrics, writeReportsOnStop),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			l := &fxevent.ZapLogger{Logger: log.Named("fx")}
			l.UseLogLevel(zapcore.DebugLevel)
			return l
		}),
	)
}

func newBackend(log *zap.Logger) *soft.Backend {
	return soft.New(soft.DefaultSpec(), log.Named("soft"))
}

func newLocator(b *soft.Backend) icd.Locator {
	return b.Locator()
}

func newEngine(cfg *config.Config, log *zap.Logger, locator icd.Locator) (*intercept.Engine, error) {
	return intercept.New(cfg, locator, intercept.Deps{Logger: log})
}

// serveMetrics exposes /metrics for the lifetime of the app when metrics are
// on and a listen address is configured.
func serveMetrics(lc fx.Lifecycle, cfg *config.Config, e *intercept.Engine, log *zap.Logger) {
	m := e.Metrics()
	if m == nil || cfg.Metrics.Listen == "" {
		return
	}
	srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			log.Info("serving metrics", zap.String("address", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

func writeReportsOnStop(lc fx.Lifecycle, e *intercept.Engine, w reportWriter) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return e.Shutdown(ctx, w)
		},
	})
}

func runDemoApp(ctx context.Context, cfg *config.Config, log *zap.Logger, opts demoOptions, out io.Writer) error {
	var e *intercept.Engine
	app := fx.New(demoModule(cfg, log, out), fx.Populate(&e))
	if err := app.Err(); err != nil {
		return err
	}
	startCtx, cancel := context.WithTimeout(ctx, app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	res, runErr := runDemo(e, opts)
	if runErr == nil {
		log.Info("demo finished",
			zap.Int("launches", res.Launches),
			zap.Bool("verified", res.Verified),
			zap.Bool("copy_verified", res.CopyVerified))
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), app.StopTimeout())
	defer cancelStop()
	return errors.Join(runErr, app.Stop(stopCtx))
}

type demoResult struct {
	Launches int
	// Verified is set when kernel results were checked. The soft device does
	// not run kernel bodies, so only emulated kernels produce results.
	Verified     bool
	CopyVerified bool
}

func check(what string, st cl.Status) error {
	if st == cl.Success {
		return nil
	}
	return fmt.Errorf("%s: %w", what, st)
}

// session owns the objects of one demo run.
type session struct {
	e       *intercept.Engine
	context cl.Context
	queue   cl.CommandQueue
	mems    []cl.Mem
	kernels []cl.Kernel
}

func (s *session) buffer(flags cl.MemFlags, size int, host []byte) (cl.Mem, error) {
	var st cl.Status
	m := s.e.CreateBuffer(s.context, flags, size, host, &st)
	if err := check("creating buffer", st); err != nil {
		return 0, err
	}
	s.mems = append(s.mems, m)
	return m, nil
}

func (s *session) kernel(program cl.Program, name string, args ...[]byte) (cl.Kernel, error) {
	var st cl.Status
	k := s.e.CreateKernel(program, name, &st)
	if err := check("creating kernel "+name, st); err != nil {
		return 0, err
	}
	s.kernels = append(s.kernels, k)
	for i, a := range args {
		if err := check(fmt.Sprintf("setting argument %d of %s", i, name), s.e.SetKernelArg(k, uint32(i), a)); err != nil {
			return 0, err
		}
	}
	return k, nil
}

func (s *session) read(m cl.Mem, n int) ([]float32, error) {
	raw := make([]byte, 4*n)
	if err := check("reading buffer", s.e.EnqueueReadBuffer(s.queue, m, true, 0, raw, nil, nil)); err != nil {
		return nil, err
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(cl.Uint32(raw[4*i:]))
	}
	return out, nil
}

// close releases everything except the first keep buffers.
func (s *session) close(keep int) {
	for _, k := range s.kernels {
		s.e.ReleaseKernel(k)
	}
	for i, m := range s.mems {
		if i < keep {
			continue
		}
		s.e.ReleaseMemObject(m)
	}
}

func runDemo(e *intercept.Engine, opts demoOptions) (demoResult, error) {
	var res demoResult
	var n uint32
	if err := check("querying platforms", e.GetPlatformIDs(nil, &n)); err != nil {
		return res, err
	}
	if n == 0 {
		return res, errors.New("no platforms available")
	}
	platforms := make([]cl.Platform, n)
	if err := check("querying platforms", e.GetPlatformIDs(platforms, nil)); err != nil {
		return res, err
	}
	devices := make([]cl.Device, 1)
	if err := check("querying devices", e.GetDeviceIDs(platforms[0], cl.DeviceTypeAll, devices, nil)); err != nil {
		return res, err
	}

	var st cl.Status
	clctx := e.CreateContext(nil, devices, &st)
	if err := check("creating context", st); err != nil {
		return res, err
	}
	defer e.ReleaseContext(clctx)
	queue := e.CreateCommandQueue(clctx, devices[0], 0, &st)
	if err := check("creating queue", st); err != nil {
		return res, err
	}
	defer e.ReleaseCommandQueue(queue)

	program := e.CreateProgramWithSource(clctx, []string{fixtures.DemoKernels}, &st)
	if err := check("creating program", st); err != nil {
		return res, err
	}
	defer e.ReleaseProgram(program)
	if st := e.BuildProgram(program, nil, ""); st != cl.Success {
		buildLog, _ := cl.QueryString(func(v []byte, s *int) cl.Status {
			return e.GetProgramBuildInfo(program, devices[0], cl.ProgramBuildLog, v, s)
		})
		return res, fmt.Errorf("building demo kernels: %w: %s", st, buildLog)
	}

	s := &session{e: e, context: clctx, queue: queue}
	keep := 0
	if opts.Leak {
		keep = 1
	}
	defer func() { s.close(keep) }()

	dim := opts.Size
	count := dim * dim
	a := make([]float32, count)
	b := make([]float32, count)
	for i := range a {
		a[i] = float32(i%7) - 3
		b[i] = float32(i%5) + 0.5
	}

	// The scratch buffer is created first so --leak keeps it.
	scratch, err := s.buffer(cl.MemReadWrite, 4*count, nil)
	if err != nil {
		return res, err
	}
	bufA, err := s.buffer(cl.MemReadOnly|cl.MemCopyHostPtr, 4*count, emulators.Float32Bytes(a...))
	if err != nil {
		return res, err
	}
	bufB, err := s.buffer(cl.MemReadOnly|cl.MemCopyHostPtr, 4*count, emulators.Float32Bytes(b...))
	if err != nil {
		return res, err
	}
	sum, err := s.buffer(cl.MemReadWrite, 4*count, nil)
	if err != nil {
		return res, err
	}
	product, err := s.buffer(cl.MemReadWrite, 4*count, nil)
	if err != nil {
		return res, err
	}

	add, err := s.kernel(program, override.KernelVectorAddF32, cl.HandleBytes(bufA), cl.HandleBytes(bufB), cl.HandleBytes(sum))
	if err != nil {
		return res, err
	}
	u := cl.Uint32Bytes(uint32(dim))
	matmul, err := s.kernel(program, override.KernelMatMulF32, cl.HandleBytes(bufA), cl.HandleBytes(bufB), cl.HandleBytes(product), u, u, u)
	if err != nil {
		return res, err
	}

	var last cl.Event
	for i := range opts.Iterations {
		var ev *cl.Event
		if i == opts.Iterations-1 {
			ev = &last
		}
		if err := check("launching vector add", e.EnqueueNDRangeKernel(queue, add, 1, nil, []int{count}, nil, nil, ev)); err != nil {
			return res, err
		}
		if err := check("launching matmul", e.EnqueueNDRangeKernel(queue, matmul, 2, nil, []int{dim, dim}, nil, nil, nil)); err != nil {
			return res, err
		}
		res.Launches += 2
	}
	if err := check("waiting", e.WaitForEvents([]cl.Event{last})); err != nil {
		return res, err
	}
	e.ReleaseEvent(last)

	if err := check("copying", e.EnqueueCopyBuffer(queue, sum, scratch, 0, 0, 4*count, nil, nil)); err != nil {
		return res, err
	}
	if err := check("finishing", e.Finish(queue)); err != nil {
		return res, err
	}

	gotSum, err := s.read(sum, count)
	if err != nil {
		return res, err
	}
	gotCopy, err := s.read(scratch, count)
	if err != nil {
		return res, err
	}
	res.CopyVerified = equalFloats(gotSum, gotCopy, 0)
	if !res.CopyVerified {
		return res, errors.New("copied buffer differs from its source")
	}

	if e.Overrides().KernelsEnabled() {
		gotProduct, err := s.read(product, count)
		if err != nil {
			return res, err
		}
		wantSum := make([]float32, count)
		for i := range wantSum {
			wantSum[i] = a[i] + b[i]
		}
		if !equalFloats(gotSum, wantSum, 1e-6) {
			return res, errors.New("vector add result is wrong")
		}
		if !equalFloats(gotProduct, multiply(a, b, dim), 1e-3) {
			return res, errors.New("matrix product is wrong")
		}
		res.Verified = true
	}
	return res, nil
}

// multiply is the reference product of two row-major dim×dim matrices.
func multiply(a, b []float32, dim int) []float32 {
	var c mat.Dense
	c.Mul(mat.NewDense(dim, dim, widen(a)), mat.NewDense(dim, dim, widen(b)))
	out := make([]float32, 0, dim*dim)
	for _, v := range c.RawMatrix().Data {
		out = append(out, float32(v))
	}
	return out
}

func widen(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func equalFloats(got, want []float32, tol float64) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if math.Abs(float64(got[i]-want[i])) > tol*math.Max(1, math.Abs(float64(want[i]))) {
			return false
		}
	}
	return true
}
