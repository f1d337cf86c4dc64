// Package pipeline runs the fixed instrumentation sequence around every
// intercepted call: logging, timing, dispatch, error checking and the exit
// hook. Instrumentation never changes the status or outputs of a call.
package pipeline

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fxnlabs/clintercept/internal/cl"
	"github.com/fxnlabs/clintercept/internal/timing"
)

// Span is one traced call.
type Span interface {
	End(status cl.Status, cpu time.Duration)
}

// Tracer opens a span per call.
type Tracer interface {
	Start(name string) Span
}

// Observer receives per-call outcomes, typically for metrics.
type Observer interface {
	ObserveCall(name string, status cl.Status, d time.Duration)
	ObserveFailure(class Class)
}

// Options configures a Pipeline.
type Options struct {
	CallLogging   bool
	ErrorChecking bool
	AbortOnError  bool
	// Abort ends the process after a failed call when AbortOnError is set.
	// The default logs at fatal level.
	Abort func(call string, status cl.Status)
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	opts     Options
	logger   *zap.Logger
	calls    *zap.Logger
	timing   *timing.Recorder
	events   timing.EventSource
	tracer   Tracer
	observer Observer

	seq atomic.Uint64

	mu       sync.Mutex
	failures map[Class]uint64
}

// Deps are the collaborators of a Pipeline. Every field is optional.
type Deps struct {
	Logger     *zap.Logger
	CallLogger *zap.Logger
	Timing     *timing.Recorder
	Events     timing.EventSource
	Tracer     Tracer
	Observer   Observer
}

// New creates a pipeline.
func New(opts Options, deps Deps) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.CallLogger == nil {
		deps.CallLogger = deps.Logger.Named("calls")
	}
	if deps.Timing == nil {
		deps.Timing = timing.New(timing.Options{}, nil, deps.Logger)
	}
	p := &Pipeline{
		opts:     opts,
		logger:   deps.Logger.Named("pipeline"),
		calls:    deps.CallLogger,
		timing:   deps.Timing,
		events:   deps.Events,
		tracer:   deps.Tracer,
		observer: deps.Observer,
		failures: make(map[Class]uint64),
	}
	if p.opts.Abort == nil {
		p.opts.Abort = func(call string, status cl.Status) {
			p.logger.Fatal("aborting after failed call", zap.String("call", call), zap.Stringer("status", status))
		}
	}
	return p
}

// Timing returns the recorder used for CPU and device timing.
func (p *Pipeline) Timing() *timing.Recorder { return p.timing }

// Invocation describes one call to run through the pipeline.
type Invocation[R any] struct {
	Name string
	// Args formats the arguments. It only runs when call logging is on.
	Args func() string
	// Event is the application's event out-parameter, nil when it passed none.
	Event *cl.Event
	// Timed marks commands that produce an event and can be device timed.
	Timed bool
	// Label names the device-timing sample. It defaults to Name.
	Label string
	// Override may handle the call instead of the real implementation.
	Override func(ev *cl.Event) (R, bool)
	Real     func(ev *cl.Event) R
	Status   func(R) cl.Status
	// Exit runs after a dispatched call, for lifetime tracking and dumping.
	Exit func(R)
	// Result formats the outcome for the exit log line.
	Result func(R) string
}

// Run performs the instrumentation sequence around exactly one dispatch and
// returns the dispatched result unchanged.
func Run[R any](p *Pipeline, inv Invocation[R]) R {
	c := &Call{Name: inv.Name, p: p}
	p.enter(c, inv.Args)

	var span Span
	if p.tracer != nil {
		p.guard(c, "tracing", func() { span = p.tracer.Start(c.Name) })
	}
	timer := p.timing.StartCPU()

	ev := inv.Event
	var local cl.Event
	if inv.Timed && ev == nil && p.timing.DeviceEnabled() {
		ev = &local
	}

	var res R
	handled := false
	if inv.Override != nil {
		p.guard(c, "override", func() { res, handled = inv.Override(ev) })
	}
	if !handled {
		res = inv.Real(ev)
	}
	c.advance(PhaseDispatched)
	cpu := timer.Stop()

	status := cl.Success
	if inv.Status != nil {
		status = inv.Status(res)
	}

	if timer.Running() {
		p.guard(c, "cpu timing", func() { p.timing.RecordCPU(c.Name, cpu) })
	}
	if inv.Timed && ev != nil && *ev != 0 && status == cl.Success {
		label := inv.Label
		if label == "" {
			label = c.Name
		}
		p.guard(c, "device timing", func() {
			if err := p.timing.Track(label, *ev, cpu); err != nil {
				p.Report(&Failure{Class: ClassInstrumentationFailure, Call: c.Name, Detail: "device timing", Cause: err})
			}
		})
	}
	if local != 0 && p.events != nil {
		p.guard(c, "event release", func() {
			if err := p.events.Release(local); err != nil {
				p.Report(&Failure{Class: ClassInstrumentationFailure, Call: c.Name, Detail: "releasing timing event", Cause: err})
			}
		})
	}

	if (p.opts.ErrorChecking || p.opts.AbortOnError) && status != cl.Success {
		p.Report(&Failure{Class: ClassBackendError, Call: c.Name, Status: status})
		if p.opts.AbortOnError {
			p.opts.Abort(c.Name, status)
		}
	}

	if inv.Exit != nil {
		p.guard(c, "exit hook", func() { inv.Exit(res) })
	}
	c.advance(PhaseExited)
	if p.callLogging() {
		formatted := ""
		if inv.Result != nil {
			p.guard(c, "result formatting", func() { formatted = inv.Result(res) })
		}
		p.exit(c, status, formatted)
	}

	if span != nil {
		p.guard(c, "tracing", func() { span.End(status, cpu) })
	}
	if p.observer != nil {
		p.guard(c, "observer", func() { p.observer.ObserveCall(c.Name, status, cpu) })
	}
	return res
}

func (p *Pipeline) callLogging() bool {
	return p.opts.CallLogging && p.calls.Core().Enabled(zap.InfoLevel)
}

func (p *Pipeline) enter(c *Call, args func() string) {
	c.advance(PhaseEntered)
	if !p.callLogging() {
		return
	}
	c.Seq = p.seq.Add(1)
	formatted := ""
	if args != nil {
		p.guard(c, "argument formatting", func() { formatted = args() })
	}
	p.calls.Info(">>>> "+c.Name, zap.Uint64("seq", c.Seq), zap.String("args", formatted))
}

func (p *Pipeline) exit(c *Call, status cl.Status, result string) {
	fields := []zap.Field{zap.Uint64("seq", c.Seq), zap.Stringer("status", status)}
	if result != "" {
		fields = append(fields, zap.String("result", result))
	}
	p.calls.Info("<<<< "+c.Name, fields...)
}

// guard runs one concern with panic isolation.
func (p *Pipeline) guard(c *Call, concern string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.Report(&Failure{
				Class:  ClassInstrumentationFailure,
				Call:   c.Name,
				Detail: concern,
				Cause:  fmt.Errorf("panic: %v", r),
			})
		}
	}()
	fn()
}

// Report records a failure that was absorbed by the layer.
func (p *Pipeline) Report(err error) {
	class := Classify(err)
	p.mu.Lock()
	p.failures[class]++
	p.mu.Unlock()

	switch class {
	case ClassCacheMiss:
		p.logger.Debug("program cache miss", zap.Error(err))
	case ClassBackendError:
		p.logger.Warn("call failed", zap.Error(err))
	default:
		p.logger.Warn("layer failure", zap.String("class", string(class)), zap.Error(err))
	}
	if p.observer != nil {
		func() {
			defer func() { _ = recover() }()
			p.observer.ObserveFailure(class)
		}()
	}
}

// Missing reports an unresolved entry point and returns the status the
// application sees instead of a call.
func (p *Pipeline) Missing(name string, err error) cl.Status {
	p.Report(&Failure{Class: Classify(err), Call: name, Cause: err})
	return cl.ImplementationMissing
}

// Failures returns the absorbed failures counted by class.
func (p *Pipeline) Failures() map[Class]uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[Class]uint64, len(p.failures))
	for k, v := range p.failures {
		out[k] = v
	}
	return out
}
