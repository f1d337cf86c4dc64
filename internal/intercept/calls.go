package intercept

import (
	"fmt"
	"strings"

	"github.com/fxnlabs/clintercept/internal/cl"
	"github.com/fxnlabs/clintercept/internal/dispatch"
	"github.com/fxnlabs/clintercept/internal/icd"
	"github.com/fxnlabs/clintercept/internal/objtrack"
	"github.com/fxnlabs/clintercept/internal/pipeline"
)

func statusOf(st cl.Status) cl.Status { return st }

// run dispatches a call whose only result is its status.
func (e *Engine) run(id icd.EntryPoint, format func() string, real func() cl.Status, exit func(cl.Status)) cl.Status {
	return pipeline.Run(e.pipe, pipeline.Invocation[cl.Status]{
		Name:   id.String(),
		Args:   format,
		Real:   func(*cl.Event) cl.Status { return real() },
		Status: statusOf,
		Exit:   exit,
	})
}

// created is the outcome of a creation call.
type created[H ~uintptr] struct {
	handle H
	status cl.Status
}

// creation describes a call returning a new object and its errcode_ret.
type creation[H ~uintptr] struct {
	name string
	kind cl.ObjectKind
	size uint64
	args func() string
	// override may produce the object without the real call, for example
	// from a cached program artifact.
	override func() (H, cl.Status, bool)
	real     func(errcodeRet *cl.Status) H
	// exit runs after a successful creation.
	exit func(H)
}

// create runs c through the pipeline. The real function always receives an
// errcode slot; its value is copied to errcodeRet when the caller passed one.
func create[H ~uintptr](e *Engine, c creation[H], errcodeRet *cl.Status) H {
	inv := pipeline.Invocation[created[H]]{
		Name: c.name,
		Args: c.args,
		Real: func(*cl.Event) created[H] {
			var st cl.Status
			h := c.real(&st)
			return created[H]{handle: h, status: st}
		},
		Status: func(r created[H]) cl.Status { return r.status },
		Exit: func(r created[H]) {
			if r.status != cl.Success || r.handle == 0 {
				return
			}
			e.allocated(cl.Handle(r.handle), c.kind, c.size)
			if c.exit != nil {
				c.exit(r.handle)
			}
		},
		Result: func(r created[H]) string { return "handle = " + hx(r.handle) },
	}
	if c.override != nil {
		inv.Override = func(*cl.Event) (created[H], bool) {
			h, st, ok := c.override()
			return created[H]{handle: h, status: st}, ok
		}
	}
	out := pipeline.Run(e.pipe, inv)
	if errcodeRet != nil {
		*errcodeRet = out.status
	}
	return out.handle
}

func (e *Engine) allocated(h cl.Handle, kind cl.ObjectKind, size uint64) {
	if e.tracker == nil {
		return
	}
	e.tracker.OnAllocate(h, kind, objtrack.CaptureSite(1), size)
}

// retain forwards a retain and mirrors it in the tracker.
func retain[H ~uintptr](e *Engine, id icd.EntryPoint, kind cl.ObjectKind, h H, real func(H) cl.Status) cl.Status {
	return e.run(id,
		func() string { return args(kind.String(), hx(h)) },
		func() cl.Status { return real(h) },
		func(st cl.Status) { e.retained(cl.Handle(h), kind, st) })
}

// retained mirrors a retain. A failed retain of a handle the tracker never
// saw is still a violation.
func (e *Engine) retained(h cl.Handle, kind cl.ObjectKind, st cl.Status) {
	if e.tracker == nil {
		return
	}
	if _, live := e.tracker.Lookup(h); st == cl.Success || !live {
		e.tracker.OnRetain(h, kind)
	}
}

// released mirrors a release like retained.
func (e *Engine) released(h cl.Handle, kind cl.ObjectKind, st cl.Status) {
	if e.tracker == nil {
		return
	}
	if _, live := e.tracker.Lookup(h); st == cl.Success || !live {
		e.tracker.OnRelease(h, kind)
	}
}

// lifetime describes the layer state attached to one object kind.
type lifetime[H ~uintptr] struct {
	kind cl.ObjectKind
	// refCount reads the real reference count without going through the
	// pipeline.
	refCount func(H) (uint32, bool)
	// forget drops layer state on the final release. It is nil when the
	// layer holds nothing for h.
	forget func(H)
}

// release forwards a release. The real count observed just before the call
// reconciles the shadow count and detects the final release.
func release[H ~uintptr](e *Engine, id icd.EntryPoint, h H, lt lifetime[H], real func(H) cl.Status) cl.Status {
	var before uint32
	known := false
	if lt.refCount != nil && (e.tracker != nil || lt.forget != nil) {
		before, known = lt.refCount(h)
	}
	return e.run(id,
		func() string { return args(lt.kind.String(), hx(h)) },
		func() cl.Status { return real(h) },
		func(st cl.Status) {
			if st == cl.Success && known && e.tracker != nil {
				e.tracker.Reconcile(cl.Handle(h), before)
			}
			e.released(cl.Handle(h), lt.kind, st)
			if st == cl.Success && known && before == 1 && lt.forget != nil {
				lt.forget(h)
			}
		})
}

// refCounter builds a direct reference-count query over an info function.
func refCounter[H ~uintptr, F ~func(H, cl.Info, []byte, *int) cl.Status](e *Engine, id icd.EntryPoint, param cl.Info) func(H) (uint32, bool) {
	return func(h H) (uint32, bool) {
		fn, err := dispatch.Resolve[F](e.table, id)
		if err != nil {
			return 0, false
		}
		n, st := cl.QueryUint32(func(v []byte, s *int) cl.Status { return fn(h, param, v, s) })
		return n, st == cl.Success
	}
}

// command describes an enqueued command that reports an event.
type command struct {
	id       icd.EntryPoint
	label    string
	args     func() string
	event    *cl.Event
	override func(ev *cl.Event) (cl.Status, bool)
	real     func(ev *cl.Event) cl.Status
}

// enqueue runs a device-timed command. Events returned to the application
// are tracked like any other created object.
func (e *Engine) enqueue(c command) cl.Status {
	app := c.event
	return pipeline.Run(e.pipe, pipeline.Invocation[cl.Status]{
		Name:     c.id.String(),
		Args:     c.args,
		Event:    c.event,
		Timed:    true,
		Label:    c.label,
		Override: c.override,
		Real:     c.real,
		Status:   statusOf,
		Exit: func(st cl.Status) {
			if st == cl.Success && app != nil && *app != 0 {
				e.allocated(cl.Handle(*app), cl.KindEvent, 0)
			}
		},
		Result: func(cl.Status) string {
			if app == nil {
				return ""
			}
			return "event = " + hx(*app)
		},
	})
}

// args formats name/value pairs for the call log.
func args(pairs ...any) string {
	var b strings.Builder
	for i := 0; i+1 < len(pairs); i += 2 {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%v = %v", pairs[i], pairs[i+1])
	}
	return b.String()
}

func hx[H ~uintptr](h H) string {
	if h == 0 {
		return "NULL"
	}
	return fmt.Sprintf("%#x", uintptr(h))
}

func hxs[H ~uintptr](hs []H) string {
	parts := make([]string, len(hs))
	for i, h := range hs {
		parts[i] = hx(h)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func param(p cl.Info) string { return fmt.Sprintf("%#06x", uint32(p)) }
