// Package intercept is the layer's entry surface. An Engine owns every
// instrumentation component and exposes one trampoline per API function with
// the same shape as the real function it forwards to.
package intercept

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fxnlabs/clintercept/internal/cl"
	"github.com/fxnlabs/clintercept/internal/config"
	"github.com/fxnlabs/clintercept/internal/dispatch"
	"github.com/fxnlabs/clintercept/internal/icd"
	"github.com/fxnlabs/clintercept/internal/icd/soft"
	"github.com/fxnlabs/clintercept/internal/logger"
	"github.com/fxnlabs/clintercept/internal/metrics"
	"github.com/fxnlabs/clintercept/internal/objtrack"
	"github.com/fxnlabs/clintercept/internal/override"
	"github.com/fxnlabs/clintercept/internal/pipeline"
	"github.com/fxnlabs/clintercept/internal/progcache"
	"github.com/fxnlabs/clintercept/internal/report"
	"github.com/fxnlabs/clintercept/internal/timing"
	"github.com/fxnlabs/clintercept/internal/tracing"
)

// Deps are optional collaborators of an Engine. Zero values are built from
// the configuration.
type Deps struct {
	Logger         *zap.Logger
	CallLogger     *zap.Logger
	TracerProvider trace.TracerProvider
	Metrics        *metrics.Metrics
	// Abort replaces the fatal exit used when errors.abort is set.
	Abort func(call string, status cl.Status)
}

// Engine is the process-wide state of the layer.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	table     *dispatch.Table
	tracker   *objtrack.Tracker
	cache     *progcache.Cache
	timing    *timing.Recorder
	overrides *override.Overrides
	pipe      *pipeline.Pipeline
	metrics   *metrics.Metrics
	tracer    *tracing.Emitter

	shutdownOnce sync.Once
}

// New builds an engine forwarding to locator.
func New(cfg *config.Config, locator icd.Locator, deps Deps) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	log := deps.Logger
	if log == nil {
		var err error
		log, err = logger.New(cfg.Logger.Verbosity)
		if err != nil {
			return nil, fmt.Errorf("building logger: %w", err)
		}
	}
	log = log.Named("clintercept")

	callLogger := deps.CallLogger
	if callLogger == nil && cfg.CallLogging.Enabled {
		var err error
		callLogger, err = logger.NewCallLogger(cfg.CallLogging.File)
		if err != nil {
			return nil, fmt.Errorf("building call logger: %w", err)
		}
	}

	e := &Engine{
		cfg:    cfg,
		logger: log,
		table:  dispatch.New(locator, log),
	}

	if cfg.LeakChecking.Enabled {
		e.tracker = objtrack.New(log)
	}
	e.cache = progcache.New(progcache.Options{
		Dir:      cfg.ProgramCache.Directory,
		Dump:     cfg.ProgramCache.Dump,
		Inject:   cfg.ProgramCache.Inject,
		MemoSize: cfg.ProgramCache.MemoSize,
		MemoTTL:  cfg.ProgramCache.MemoTTL,
	}, log)
	e.overrides = override.New(override.Options{
		CopyBuffer:  cfg.Overrides.CopyBuffer,
		Kernels:     cfg.Overrides.Kernels,
		KernelNames: cfg.Overrides.KernelNames,
	}, e.table, log)

	var observers []timing.Observer
	pipeDeps := pipeline.Deps{Logger: log, CallLogger: callLogger}

	if cfg.Metrics.Enabled {
		e.metrics = deps.Metrics
		if e.metrics == nil {
			e.metrics = metrics.NewMetrics(cfg.Metrics.Namespace)
		}
		observers = append(observers, e.metrics)
		pipeDeps.Observer = e.metrics
	}
	if cfg.Tracing.Enabled {
		tp := deps.TracerProvider
		if tp == nil && cfg.Tracing.Endpoint != "" {
			sdk, err := tracing.NewProvider(context.Background(), cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
			if err != nil {
				return nil, fmt.Errorf("building tracer provider: %w", err)
			}
			tp = sdk
		}
		e.tracer = tracing.New(tp)
		observers = append(observers, e.tracer)
		pipeDeps.Tracer = e.tracer
	}

	events := timing.NewEventSource(e.table)
	e.timing = timing.New(timing.Options{
		CPU:         cfg.Timing.CPU,
		Device:      cfg.Timing.Device,
		Synchronous: cfg.Timing.Synchronous,
		MaxSamples:  cfg.Timing.MaxSamples,
	}, events, log, observers...)
	pipeDeps.Timing = e.timing
	pipeDeps.Events = events

	e.pipe = pipeline.New(pipeline.Options{
		CallLogging:   cfg.CallLogging.Enabled,
		ErrorChecking: cfg.Errors.Check,
		AbortOnError:  cfg.Errors.Abort,
		Abort:         deps.Abort,
	}, pipeDeps)

	log.Info("intercept layer initialized",
		zap.Bool("call_logging", cfg.CallLogging.Enabled),
		zap.Bool("cpu_timing", cfg.Timing.CPU),
		zap.Bool("device_timing", cfg.Timing.Device),
		zap.Bool("leak_checking", cfg.LeakChecking.Enabled),
		zap.Bool("dump", e.cache.DumpEnabled()),
		zap.Bool("inject", e.cache.InjectEnabled()))
	return e, nil
}

var (
	global     *Engine
	globalErr  error
	globalOnce sync.Once

	// DefaultLocator supplies the real implementation for Get when Init was
	// never called.
	DefaultLocator = func() icd.Locator {
		return soft.New(soft.DefaultSpec(), nil).Locator()
	}
)

// Init creates the process-wide engine from the file named by
// CLINTERCEPT_CONFIG. Only the first call has any effect.
func Init(locator icd.Locator, deps Deps) (*Engine, error) {
	return initWith(func() icd.Locator { return locator }, deps)
}

// Get returns the process-wide engine, creating it over DefaultLocator on
// first use.
func Get() (*Engine, error) {
	return initWith(DefaultLocator, Deps{})
}

// initWith builds the locator only on the call that creates the engine.
func initWith(locator func() icd.Locator, deps Deps) (*Engine, error) {
	globalOnce.Do(func() {
		cfg, err := config.FromEnv()
		if err != nil {
			globalErr = fmt.Errorf("loading %s: %w", config.EnvConfig, err)
			return
		}
		global, globalErr = New(cfg, locator(), deps)
	})
	return global, globalErr
}

// Config returns the active configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// Dispatch returns the dispatch resolution table.
func (e *Engine) Dispatch() *dispatch.Table { return e.table }

// Tracker returns the object tracker, or nil when leak checking is off.
func (e *Engine) Tracker() *objtrack.Tracker { return e.tracker }

// Cache returns the program cache.
func (e *Engine) Cache() *progcache.Cache { return e.cache }

// Timing returns the timing recorder.
func (e *Engine) Timing() *timing.Recorder { return e.timing }

// Overrides returns the software overrides.
func (e *Engine) Overrides() *override.Overrides { return e.overrides }

// Pipeline returns the instrumentation pipeline.
func (e *Engine) Pipeline() *pipeline.Pipeline { return e.pipe }

// Metrics returns the exported metrics, or nil when they are off.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Report collects the shutdown report sources.
func (e *Engine) Report() report.Report {
	return report.Report{
		Tracker:   e.tracker,
		Timing:    e.timing,
		Cache:     e.cache,
		Overrides: e.overrides,
		Failures:  e.pipe.Failures(),
	}
}

// Shutdown finalizes outstanding device samples and writes the reports to
// the configured directory, or to w when no directory is set. Later calls
// do nothing.
func (e *Engine) Shutdown(ctx context.Context, w io.Writer) error {
	var errs []error
	e.shutdownOnce.Do(func() {
		e.timing.Drain()
		if e.metrics != nil && e.tracker != nil {
			e.metrics.SetLiveObjects(liveByKind(e.tracker))
		}

		r := e.Report()
		if dir := e.cfg.Report.Directory; dir != "" {
			paths, err := r.WriteFiles(dir)
			errs = append(errs, err)
			e.logger.Info("wrote reports", zap.Strings("files", paths))
		} else if w != nil {
			if e.cfg.Report.Banner {
				_, err := io.WriteString(w, report.Banner("clintercept"))
				errs = append(errs, err)
			}
			errs = append(errs, r.WriteAll(w))
		}

		if e.tracer != nil {
			errs = append(errs, e.tracer.Shutdown(ctx))
		}
		_ = e.logger.Sync()
	})
	return errors.Join(errs...)
}

func liveByKind(t *objtrack.Tracker) map[cl.ObjectKind]int {
	out := make(map[cl.ObjectKind]int)
	for _, r := range t.Report() {
		out[r.Kind]++
	}
	return out
}
