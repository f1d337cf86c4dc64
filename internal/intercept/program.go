package intercept

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fxnlabs/clintercept/internal/cl"
	"github.com/fxnlabs/clintercept/internal/dispatch"
	"github.com/fxnlabs/clintercept/internal/icd"
	"github.com/fxnlabs/clintercept/internal/pipeline"
	"github.com/fxnlabs/clintercept/internal/progcache"
)

// hashing reports whether program payloads need a cache key.
func (e *Engine) hashing() bool {
	return e.cache.DumpEnabled() || e.cache.InjectEnabled()
}

// CreateProgramWithSource hashes the concatenated fragments. With injection
// on, a cached binary or replacement source for that hash is used instead of
// the application's source.
func (e *Engine) CreateProgramWithSource(context cl.Context, fragments []string, errcodeRet *cl.Status) cl.Program {
	fn, err := dispatch.Resolve[icd.CreateProgramWithSourceFunc](e.table, icd.CreateProgramWithSource)
	if err != nil {
		setErr(errcodeRet, e.pipe.Missing(icd.CreateProgramWithSource.String(), err))
		return 0
	}
	hashed := e.hashing()
	var key progcache.Key
	if hashed {
		key = e.cache.KeySource(fragments)
	}
	injected := false
	c := creation[cl.Program]{
		name: icd.CreateProgramWithSource.String(),
		kind: cl.KindProgram,
		args: func() string {
			a := args("context", hx(context), "count", len(fragments))
			if hashed {
				a += ", " + args("hash", key)
			}
			return a
		},
		real: func(st *cl.Status) cl.Program { return fn(context, fragments, st) },
		exit: func(p cl.Program) {
			if !hashed {
				return
			}
			e.cache.Attach(p, key, injected)
			e.cache.DumpSource(key, strings.Join(fragments, ""))
		},
	}
	if e.cache.InjectEnabled() {
		c.override = func() (cl.Program, cl.Status, bool) {
			if p, st, ok := e.injectBinaries(context, key); ok {
				injected = true
				return p, st, true
			}
			src, err := e.cache.InjectedSource(key)
			if err != nil {
				e.pipe.Report(cacheFailure(icd.CreateProgramWithSource, key, err))
				return 0, 0, false
			}
			var st cl.Status
			p := fn(context, []string{src}, &st)
			if st != cl.Success {
				e.pipe.Report(&pipeline.Failure{Class: pipeline.ClassCacheCorrupt, Call: icd.CreateProgramWithSource.String(),
					Status: st, Detail: "injected source for " + key.String() + " was rejected"})
				return 0, 0, false
			}
			injected = true
			e.logger.Info("injected program source", zap.Stringer("key", key))
			return p, st, true
		}
	}
	return create(e, c, errcodeRet)
}

// CreateProgramWithBinary hashes the binaries of every device together.
func (e *Engine) CreateProgramWithBinary(context cl.Context, devices []cl.Device, binaries [][]byte, binaryStatus []cl.Status, errcodeRet *cl.Status) cl.Program {
	fn, err := dispatch.Resolve[icd.CreateProgramWithBinaryFunc](e.table, icd.CreateProgramWithBinary)
	if err != nil {
		setErr(errcodeRet, e.pipe.Missing(icd.CreateProgramWithBinary.String(), err))
		return 0
	}
	hashed := e.hashing()
	var key progcache.Key
	if hashed {
		key = e.cache.KeyBinaries(binaries)
	}
	injected := false
	c := creation[cl.Program]{
		name: icd.CreateProgramWithBinary.String(),
		kind: cl.KindProgram,
		args: func() string {
			a := args("context", hx(context), "devices", hxs(devices))
			if hashed {
				a += ", " + args("hash", key)
			}
			return a
		},
		real: func(st *cl.Status) cl.Program { return fn(context, devices, binaries, binaryStatus, st) },
		exit: func(p cl.Program) {
			if !hashed {
				return
			}
			e.cache.Attach(p, key, injected)
			e.cache.DumpBinaries(key, binaries)
		},
	}
	if e.cache.InjectEnabled() {
		c.override = func() (cl.Program, cl.Status, bool) {
			bins, err := e.cache.InjectedBinaries(key, len(devices))
			if err != nil {
				e.pipe.Report(cacheFailure(icd.CreateProgramWithBinary, key, err))
				return 0, 0, false
			}
			var st cl.Status
			p := fn(context, devices, bins, binaryStatus, &st)
			if st != cl.Success {
				e.pipe.Report(&pipeline.Failure{Class: pipeline.ClassCacheCorrupt, Call: icd.CreateProgramWithBinary.String(),
					Status: st, Detail: "injected binaries for " + key.String() + " were rejected"})
				return 0, 0, false
			}
			injected = true
			return p, st, true
		}
	}
	return create(e, c, errcodeRet)
}

// CreateProgramWithIL prefers a cached binary, then a cached IL module.
func (e *Engine) CreateProgramWithIL(context cl.Context, il []byte, errcodeRet *cl.Status) cl.Program {
	fn, err := dispatch.Resolve[icd.CreateProgramWithILFunc](e.table, icd.CreateProgramWithIL)
	if err != nil {
		setErr(errcodeRet, e.pipe.Missing(icd.CreateProgramWithIL.String(), err))
		return 0
	}
	hashed := e.hashing()
	var key progcache.Key
	if hashed {
		key = e.cache.KeyIL(il)
	}
	injected := false
	c := creation[cl.Program]{
		name: icd.CreateProgramWithIL.String(),
		kind: cl.KindProgram,
		args: func() string {
			a := args("context", hx(context), "length", len(il))
			if hashed {
				a += ", " + args("hash", key)
			}
			return a
		},
		real: func(st *cl.Status) cl.Program { return fn(context, il, st) },
		exit: func(p cl.Program) {
			if !hashed {
				return
			}
			e.cache.Attach(p, key, injected)
			e.cache.DumpIL(key, il)
		},
	}
	if e.cache.InjectEnabled() {
		c.override = func() (cl.Program, cl.Status, bool) {
			if p, st, ok := e.injectBinaries(context, key); ok {
				injected = true
				return p, st, true
			}
			mod, err := e.cache.InjectedIL(key)
			if err != nil {
				e.pipe.Report(cacheFailure(icd.CreateProgramWithIL, key, err))
				return 0, 0, false
			}
			var st cl.Status
			p := fn(context, mod, &st)
			if st != cl.Success {
				e.pipe.Report(&pipeline.Failure{Class: pipeline.ClassCacheCorrupt, Call: icd.CreateProgramWithIL.String(),
					Status: st, Detail: "injected IL for " + key.String() + " was rejected"})
				return 0, 0, false
			}
			injected = true
			return p, st, true
		}
	}
	return create(e, c, errcodeRet)
}

// injectBinaries creates a program for every device of context from the
// binaries cached under key.
func (e *Engine) injectBinaries(context cl.Context, key progcache.Key) (cl.Program, cl.Status, bool) {
	devices, err := e.contextDevices(context)
	if err != nil {
		e.pipe.Report(&pipeline.Failure{Class: pipeline.ClassInstrumentationFailure, Call: icd.CreateProgramWithBinary.String(), Detail: "context devices", Cause: err})
		return 0, 0, false
	}
	bins, err := e.cache.InjectedBinaries(key, len(devices))
	if err != nil {
		e.pipe.Report(cacheFailure(icd.CreateProgramWithBinary, key, err))
		return 0, 0, false
	}
	fn, err := dispatch.Resolve[icd.CreateProgramWithBinaryFunc](e.table, icd.CreateProgramWithBinary)
	if err != nil {
		e.pipe.Report(err)
		return 0, 0, false
	}
	var st cl.Status
	p := fn(context, devices, bins, nil, &st)
	if st != cl.Success {
		e.pipe.Report(&pipeline.Failure{Class: pipeline.ClassCacheCorrupt, Call: icd.CreateProgramWithBinary.String(),
			Status: st, Detail: "injected binaries for " + key.String() + " were rejected"})
		return 0, 0, false
	}
	e.logger.Info("injected program binaries", zap.Stringer("key", key), zap.Int("devices", len(devices)))
	return p, st, true
}

func cacheFailure(id icd.EntryPoint, key progcache.Key, err error) error {
	return &pipeline.Failure{Class: pipeline.Classify(err), Call: id.String(), Detail: key.String(), Cause: err}
}

func (e *Engine) contextDevices(context cl.Context) ([]cl.Device, error) {
	fn, err := dispatch.Resolve[icd.GetContextInfoFunc](e.table, icd.GetContextInfo)
	if err != nil {
		return nil, err
	}
	hs, st := cl.QueryHandles(func(v []byte, s *int) cl.Status { return fn(context, cl.ContextDevices, v, s) })
	if st != cl.Success {
		return nil, st
	}
	devices := make([]cl.Device, len(hs))
	for i, h := range hs {
		devices[i] = cl.Device(h)
	}
	return devices, nil
}

func (e *Engine) RetainProgram(program cl.Program) cl.Status {
	fn, err := dispatch.Resolve[icd.RetainProgramFunc](e.table, icd.RetainProgram)
	if err != nil {
		return e.pipe.Missing(icd.RetainProgram.String(), err)
	}
	return retain(e, icd.RetainProgram, cl.KindProgram, program, fn)
}

func (e *Engine) ReleaseProgram(program cl.Program) cl.Status {
	fn, err := dispatch.Resolve[icd.ReleaseProgramFunc](e.table, icd.ReleaseProgram)
	if err != nil {
		return e.pipe.Missing(icd.ReleaseProgram.String(), err)
	}
	lt := lifetime[cl.Program]{
		kind:     cl.KindProgram,
		refCount: refCounter[cl.Program, icd.GetProgramInfoFunc](e, icd.GetProgramInfo, cl.ProgramReferenceCount),
	}
	if _, ok := e.cache.Lookup(program); ok {
		lt.forget = e.cache.Forget
	}
	return release(e, icd.ReleaseProgram, program, lt, fn)
}

// BuildProgram records the build options against the program's key and,
// with dumping on, writes the options and the resulting device binaries.
func (e *Engine) BuildProgram(program cl.Program, devices []cl.Device, options string) cl.Status {
	fn, err := dispatch.Resolve[icd.BuildProgramFunc](e.table, icd.BuildProgram)
	if err != nil {
		return e.pipe.Missing(icd.BuildProgram.String(), err)
	}
	return e.run(icd.BuildProgram,
		func() string {
			a := args("program", hx(program), "devices", hxs(devices), "options", fmt.Sprintf("%q", options))
			if info, ok := e.cache.Lookup(program); ok {
				a += ", " + args("hash", info.Key, "program_number", info.Number)
			}
			return a
		},
		func() cl.Status { return fn(program, devices, options) },
		func(st cl.Status) {
			info, ok := e.cache.RecordBuild(program, options)
			if !ok {
				return
			}
			e.cache.DumpOptions(info.Key, info.OptionsHash, options)
			if st == cl.Success && e.cache.DumpEnabled() {
				e.dumpProgramBinaries(program, info.Key)
			}
		})
}

func (e *Engine) dumpProgramBinaries(program cl.Program, key progcache.Key) {
	fn, err := dispatch.Resolve[icd.GetProgramInfoFunc](e.table, icd.GetProgramInfo)
	if err != nil {
		e.pipe.Report(err)
		return
	}
	query := func(p cl.Info) cl.InfoQuery {
		return func(v []byte, s *int) cl.Status { return fn(program, p, v, s) }
	}
	sizes, st := cl.QueryBytes(query(cl.ProgramBinarySizes))
	if st != cl.Success {
		e.pipe.Report(&pipeline.Failure{Class: pipeline.ClassInstrumentationFailure, Call: icd.BuildProgram.String(),
			Status: st, Detail: "reading binary sizes"})
		return
	}
	all, st := cl.QueryBytes(query(cl.ProgramBinaries))
	if st != cl.Success {
		e.pipe.Report(&pipeline.Failure{Class: pipeline.ClassInstrumentationFailure, Call: icd.BuildProgram.String(),
			Status: st, Detail: "reading binaries"})
		return
	}
	e.cache.DumpBinaries(key, cl.SplitBinaries(all, cl.Uint64s(sizes)))
}

func (e *Engine) GetProgramInfo(program cl.Program, p cl.Info, value []byte, sizeRet *int) cl.Status {
	fn, err := dispatch.Resolve[icd.GetProgramInfoFunc](e.table, icd.GetProgramInfo)
	if err != nil {
		return e.pipe.Missing(icd.GetProgramInfo.String(), err)
	}
	return e.run(icd.GetProgramInfo,
		func() string { return args("program", hx(program), "param_name", param(p)) },
		func() cl.Status { return fn(program, p, value, sizeRet) }, nil)
}

func (e *Engine) GetProgramBuildInfo(program cl.Program, device cl.Device, p cl.Info, value []byte, sizeRet *int) cl.Status {
	fn, err := dispatch.Resolve[icd.GetProgramBuildInfoFunc](e.table, icd.GetProgramBuildInfo)
	if err != nil {
		return e.pipe.Missing(icd.GetProgramBuildInfo.String(), err)
	}
	return e.run(icd.GetProgramBuildInfo,
		func() string { return args("program", hx(program), "device", hx(device), "param_name", param(p)) },
		func() cl.Status { return fn(program, device, p, value, sizeRet) }, nil)
}

func (e *Engine) CreateKernel(program cl.Program, name string, errcodeRet *cl.Status) cl.Kernel {
	fn, err := dispatch.Resolve[icd.CreateKernelFunc](e.table, icd.CreateKernel)
	if err != nil {
		setErr(errcodeRet, e.pipe.Missing(icd.CreateKernel.String(), err))
		return 0
	}
	return create(e, creation[cl.Kernel]{
		name: icd.CreateKernel.String(),
		kind: cl.KindKernel,
		args: func() string { return args("program", hx(program), "kernel_name", name) },
		real: func(st *cl.Status) cl.Kernel { return fn(program, name, st) },
		exit: func(k cl.Kernel) { e.overrides.TrackKernel(k, name) },
	}, errcodeRet)
}

func (e *Engine) RetainKernel(kernel cl.Kernel) cl.Status {
	fn, err := dispatch.Resolve[icd.RetainKernelFunc](e.table, icd.RetainKernel)
	if err != nil {
		return e.pipe.Missing(icd.RetainKernel.String(), err)
	}
	return retain(e, icd.RetainKernel, cl.KindKernel, kernel, fn)
}

func (e *Engine) ReleaseKernel(kernel cl.Kernel) cl.Status {
	fn, err := dispatch.Resolve[icd.ReleaseKernelFunc](e.table, icd.ReleaseKernel)
	if err != nil {
		return e.pipe.Missing(icd.ReleaseKernel.String(), err)
	}
	lt := lifetime[cl.Kernel]{
		kind:     cl.KindKernel,
		refCount: refCounter[cl.Kernel, icd.GetKernelInfoFunc](e, icd.GetKernelInfo, cl.KernelReferenceCount),
	}
	if e.overrides.KernelsEnabled() {
		lt.forget = e.overrides.ForgetKernel
	}
	return release(e, icd.ReleaseKernel, kernel, lt, fn)
}

func (e *Engine) SetKernelArg(kernel cl.Kernel, index uint32, value []byte) cl.Status {
	fn, err := dispatch.Resolve[icd.SetKernelArgFunc](e.table, icd.SetKernelArg)
	if err != nil {
		return e.pipe.Missing(icd.SetKernelArg.String(), err)
	}
	return e.run(icd.SetKernelArg,
		func() string { return args("kernel", hx(kernel), "index", index, "size", len(value)) },
		func() cl.Status { return fn(kernel, index, value) },
		func(st cl.Status) {
			if st == cl.Success {
				e.overrides.SetArg(kernel, index, value)
			}
		})
}

func (e *Engine) GetKernelInfo(kernel cl.Kernel, p cl.Info, value []byte, sizeRet *int) cl.Status {
	fn, err := dispatch.Resolve[icd.GetKernelInfoFunc](e.table, icd.GetKernelInfo)
	if err != nil {
		return e.pipe.Missing(icd.GetKernelInfo.String(), err)
	}
	return e.run(icd.GetKernelInfo,
		func() string { return args("kernel", hx(kernel), "param_name", param(p)) },
		func() cl.Status { return fn(kernel, p, value, sizeRet) }, nil)
}

// EnqueueNDRangeKernel may be served by a kernel emulator. Device samples
// are named after the kernel function.
func (e *Engine) EnqueueNDRangeKernel(queue cl.CommandQueue, kernel cl.Kernel, workDim uint32, globalOffset, globalSize, localSize []int, waitList []cl.Event, event *cl.Event) cl.Status {
	fn, err := dispatch.Resolve[icd.EnqueueNDRangeKernelFunc](e.table, icd.EnqueueNDRangeKernel)
	if err != nil {
		return e.pipe.Missing(icd.EnqueueNDRangeKernel.String(), err)
	}
	c := command{
		id:    icd.EnqueueNDRangeKernel,
		event: event,
		args: func() string {
			return args("queue", hx(queue), "kernel", hx(kernel), "work_dim", workDim,
				"global_work_offset", globalOffset, "global_work_size", globalSize, "local_work_size", localSize,
				"event_wait_list", hxs(waitList))
		},
		real: func(ev *cl.Event) cl.Status {
			return fn(queue, kernel, workDim, globalOffset, globalSize, localSize, waitList, ev)
		},
	}
	if e.timing.DeviceEnabled() {
		c.label = e.kernelName(kernel)
	}
	if e.overrides.KernelsEnabled() {
		c.override = func(ev *cl.Event) (cl.Status, bool) {
			return e.overrides.NDRangeKernel(queue, kernel, workDim, globalOffset, globalSize, localSize, waitList, ev)
		}
	}
	return e.enqueue(c)
}

func (e *Engine) kernelName(kernel cl.Kernel) string {
	fn, err := dispatch.Resolve[icd.GetKernelInfoFunc](e.table, icd.GetKernelInfo)
	if err != nil {
		return ""
	}
	name, st := cl.QueryString(func(v []byte, s *int) cl.Status { return fn(kernel, cl.KernelFunctionName, v, s) })
	if st != cl.Success {
		return ""
	}
	return name
}
