package intercept

import (
	"github.com/fxnlabs/clintercept/internal/cl"
	"github.com/fxnlabs/clintercept/internal/dispatch"
	"github.com/fxnlabs/clintercept/internal/icd"
	"github.com/fxnlabs/clintercept/internal/pipeline"
)

// GetExtensionFunctionAddress returns the layer's wrapper for known
// extensions the implementation provides, and the real address otherwise.
func (e *Engine) GetExtensionFunctionAddress(name string) icd.Func {
	fn, err := dispatch.Resolve[icd.GetExtensionFunctionAddressFunc](e.table, icd.GetExtensionFunctionAddress)
	if err != nil {
		e.pipe.Missing(icd.GetExtensionFunctionAddress.String(), err)
		return nil
	}
	return pipeline.Run(e.pipe, pipeline.Invocation[icd.Func]{
		Name:   icd.GetExtensionFunctionAddress.String(),
		Args:   func() string { return args("func_name", name) },
		Real:   func(*cl.Event) icd.Func { return e.wrapExtension(name, fn(name)) },
		Result: extensionResult,
	})
}

func (e *Engine) GetExtensionFunctionAddressForPlatform(platform cl.Platform, name string) icd.Func {
	fn, err := dispatch.Resolve[icd.GetExtensionFunctionAddressForPlatformFunc](e.table, icd.GetExtensionFunctionAddressForPlatform)
	if err != nil {
		e.pipe.Missing(icd.GetExtensionFunctionAddressForPlatform.String(), err)
		return nil
	}
	return pipeline.Run(e.pipe, pipeline.Invocation[icd.Func]{
		Name:   icd.GetExtensionFunctionAddressForPlatform.String(),
		Args:   func() string { return args("platform", hx(platform), "func_name", name) },
		Real:   func(*cl.Event) icd.Func { return e.wrapExtension(name, fn(platform, name)) },
		Result: extensionResult,
	})
}

func extensionResult(fn icd.Func) string {
	if fn == nil {
		return "NULL"
	}
	return "found"
}

// wrapExtension substitutes a known extension with the engine's trampoline,
// which resolves the real function through the dispatch table per platform.
func (e *Engine) wrapExtension(name string, real icd.Func) icd.Func {
	if real == nil {
		return nil
	}
	switch name {
	case icd.ExtCreateAcceleratorINTEL:
		return icd.CreateAcceleratorINTELFunc(e.CreateAcceleratorINTEL)
	case icd.ExtRetainAcceleratorINTEL:
		return icd.RetainAcceleratorINTELFunc(e.RetainAcceleratorINTEL)
	case icd.ExtReleaseAcceleratorINTEL:
		return icd.ReleaseAcceleratorINTELFunc(e.ReleaseAcceleratorINTEL)
	case icd.ExtCreateCommandQueueWithPropertiesKHR:
		return icd.CreateCommandQueueWithPropertiesKHRFunc(e.CreateCommandQueueWithPropertiesKHR)
	}
	return real
}

// platformOf returns the platform owning context, or the zero platform so
// the global query is used when it cannot be determined.
func (e *Engine) platformOf(context cl.Context) cl.Platform {
	pf, err := e.table.PlatformOfContext(context)
	if err != nil {
		e.logger.Debug("falling back to the global extension query")
		return 0
	}
	return pf
}

func (e *Engine) CreateAcceleratorINTEL(context cl.Context, acceleratorType uint32, descriptor []byte, errcodeRet *cl.Status) cl.Accelerator {
	fn, err := dispatch.ResolveExtension[icd.CreateAcceleratorINTELFunc](e.table, e.platformOf(context), icd.ExtCreateAcceleratorINTEL)
	if err != nil {
		setErr(errcodeRet, e.pipe.Missing(icd.ExtCreateAcceleratorINTEL, err))
		return 0
	}
	return create(e, creation[cl.Accelerator]{
		name: icd.ExtCreateAcceleratorINTEL,
		kind: cl.KindAccelerator,
		size: uint64(len(descriptor)),
		args: func() string {
			return args("context", hx(context), "accelerator_type", acceleratorType, "descriptor_size", len(descriptor))
		},
		real: func(st *cl.Status) cl.Accelerator { return fn(context, acceleratorType, descriptor, st) },
	}, errcodeRet)
}

// Accelerators carry no query for their context, so retain and release
// resolve through the global extension query.
func (e *Engine) RetainAcceleratorINTEL(accelerator cl.Accelerator) cl.Status {
	fn, err := dispatch.ResolveExtension[icd.RetainAcceleratorINTELFunc](e.table, 0, icd.ExtRetainAcceleratorINTEL)
	if err != nil {
		return e.pipe.Missing(icd.ExtRetainAcceleratorINTEL, err)
	}
	return pipeline.Run(e.pipe, pipeline.Invocation[cl.Status]{
		Name:   icd.ExtRetainAcceleratorINTEL,
		Args:   func() string { return args(cl.KindAccelerator.String(), hx(accelerator)) },
		Real:   func(*cl.Event) cl.Status { return fn(accelerator) },
		Status: statusOf,
		Exit:   func(st cl.Status) { e.retained(cl.Handle(accelerator), cl.KindAccelerator, st) },
	})
}

func (e *Engine) ReleaseAcceleratorINTEL(accelerator cl.Accelerator) cl.Status {
	fn, err := dispatch.ResolveExtension[icd.ReleaseAcceleratorINTELFunc](e.table, 0, icd.ExtReleaseAcceleratorINTEL)
	if err != nil {
		return e.pipe.Missing(icd.ExtReleaseAcceleratorINTEL, err)
	}
	return pipeline.Run(e.pipe, pipeline.Invocation[cl.Status]{
		Name:   icd.ExtReleaseAcceleratorINTEL,
		Args:   func() string { return args(cl.KindAccelerator.String(), hx(accelerator)) },
		Real:   func(*cl.Event) cl.Status { return fn(accelerator) },
		Status: statusOf,
		Exit:   func(st cl.Status) { e.released(cl.Handle(accelerator), cl.KindAccelerator, st) },
	})
}

// CreateCommandQueueWithPropertiesKHR enables profiling through the property
// list when device timing is on.
func (e *Engine) CreateCommandQueueWithPropertiesKHR(context cl.Context, device cl.Device, properties cl.Properties, errcodeRet *cl.Status) cl.CommandQueue {
	fn, err := dispatch.ResolveExtension[icd.CreateCommandQueueWithPropertiesKHRFunc](e.table, e.platformOf(context), icd.ExtCreateCommandQueueWithPropertiesKHR)
	if err != nil {
		setErr(errcodeRet, e.pipe.Missing(icd.ExtCreateCommandQueueWithPropertiesKHR, err))
		return 0
	}
	if e.timing.DeviceEnabled() {
		props, _ := properties.Lookup(cl.QueuePropertiesProperty)
		properties = properties.With(cl.QueuePropertiesProperty, props|uint64(cl.QueueProfilingEnable))
	}
	return create(e, creation[cl.CommandQueue]{
		name: icd.ExtCreateCommandQueueWithPropertiesKHR,
		kind: cl.KindCommandQueue,
		args: func() string { return args("context", hx(context), "device", hx(device), "properties", properties) },
		real: func(st *cl.Status) cl.CommandQueue { return fn(context, device, properties, st) },
	}, errcodeRet)
}
