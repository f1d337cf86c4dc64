package intercept

import (
	"github.com/fxnlabs/clintercept/internal/cl"
	"github.com/fxnlabs/clintercept/internal/dispatch"
	"github.com/fxnlabs/clintercept/internal/icd"
	"github.com/fxnlabs/clintercept/internal/pipeline"
)

func (e *Engine) GetPlatformIDs(platforms []cl.Platform, numPlatforms *uint32) cl.Status {
	fn, err := dispatch.Resolve[icd.GetPlatformIDsFunc](e.table, icd.GetPlatformIDs)
	if err != nil {
		return e.pipe.Missing(icd.GetPlatformIDs.String(), err)
	}
	return pipeline.Run(e.pipe, pipeline.Invocation[cl.Status]{
		Name:   icd.GetPlatformIDs.String(),
		Args:   func() string { return args("num_entries", len(platforms)) },
		Real:   func(*cl.Event) cl.Status { return fn(platforms, numPlatforms) },
		Status: statusOf,
		Result: func(cl.Status) string {
			if numPlatforms == nil {
				return ""
			}
			return args("num_platforms", *numPlatforms)
		},
	})
}

func (e *Engine) GetPlatformInfo(platform cl.Platform, p cl.Info, value []byte, sizeRet *int) cl.Status {
	fn, err := dispatch.Resolve[icd.GetPlatformInfoFunc](e.table, icd.GetPlatformInfo)
	if err != nil {
		return e.pipe.Missing(icd.GetPlatformInfo.String(), err)
	}
	return e.run(icd.GetPlatformInfo,
		func() string { return args("platform", hx(platform), "param_name", param(p)) },
		func() cl.Status { return fn(platform, p, value, sizeRet) }, nil)
}

func (e *Engine) GetDeviceIDs(platform cl.Platform, deviceType cl.DeviceType, devices []cl.Device, numDevices *uint32) cl.Status {
	fn, err := dispatch.Resolve[icd.GetDeviceIDsFunc](e.table, icd.GetDeviceIDs)
	if err != nil {
		return e.pipe.Missing(icd.GetDeviceIDs.String(), err)
	}
	return pipeline.Run(e.pipe, pipeline.Invocation[cl.Status]{
		Name:   icd.GetDeviceIDs.String(),
		Args:   func() string { return args("platform", hx(platform), "device_type", deviceType, "num_entries", len(devices)) },
		Real:   func(*cl.Event) cl.Status { return fn(platform, deviceType, devices, numDevices) },
		Status: statusOf,
		Result: func(cl.Status) string {
			if numDevices == nil {
				return ""
			}
			return args("num_devices", *numDevices)
		},
	})
}

func (e *Engine) GetDeviceInfo(device cl.Device, p cl.Info, value []byte, sizeRet *int) cl.Status {
	fn, err := dispatch.Resolve[icd.GetDeviceInfoFunc](e.table, icd.GetDeviceInfo)
	if err != nil {
		return e.pipe.Missing(icd.GetDeviceInfo.String(), err)
	}
	return e.run(icd.GetDeviceInfo,
		func() string { return args("device", hx(device), "param_name", param(p)) },
		func() cl.Status { return fn(device, p, value, sizeRet) }, nil)
}

// Root devices are owned by the implementation, so device retains and
// releases are forwarded without tracking.
func (e *Engine) RetainDevice(device cl.Device) cl.Status {
	fn, err := dispatch.Resolve[icd.RetainDeviceFunc](e.table, icd.RetainDevice)
	if err != nil {
		return e.pipe.Missing(icd.RetainDevice.String(), err)
	}
	return e.run(icd.RetainDevice,
		func() string { return args("device", hx(device)) },
		func() cl.Status { return fn(device) }, nil)
}

func (e *Engine) ReleaseDevice(device cl.Device) cl.Status {
	fn, err := dispatch.Resolve[icd.ReleaseDeviceFunc](e.table, icd.ReleaseDevice)
	if err != nil {
		return e.pipe.Missing(icd.ReleaseDevice.String(), err)
	}
	return e.run(icd.ReleaseDevice,
		func() string { return args("device", hx(device)) },
		func() cl.Status { return fn(device) }, nil)
}

func (e *Engine) CreateContext(properties cl.Properties, devices []cl.Device, errcodeRet *cl.Status) cl.Context {
	fn, err := dispatch.Resolve[icd.CreateContextFunc](e.table, icd.CreateContext)
	if err != nil {
		setErr(errcodeRet, e.pipe.Missing(icd.CreateContext.String(), err))
		return 0
	}
	return create(e, creation[cl.Context]{
		name: icd.CreateContext.String(),
		kind: cl.KindContext,
		args: func() string { return args("properties", properties, "devices", hxs(devices)) },
		real: func(st *cl.Status) cl.Context { return fn(properties, devices, st) },
	}, errcodeRet)
}

func (e *Engine) RetainContext(context cl.Context) cl.Status {
	fn, err := dispatch.Resolve[icd.RetainContextFunc](e.table, icd.RetainContext)
	if err != nil {
		return e.pipe.Missing(icd.RetainContext.String(), err)
	}
	return retain(e, icd.RetainContext, cl.KindContext, context, fn)
}

func (e *Engine) ReleaseContext(context cl.Context) cl.Status {
	fn, err := dispatch.Resolve[icd.ReleaseContextFunc](e.table, icd.ReleaseContext)
	if err != nil {
		return e.pipe.Missing(icd.ReleaseContext.String(), err)
	}
	lt := lifetime[cl.Context]{
		kind:     cl.KindContext,
		refCount: refCounter[cl.Context, icd.GetContextInfoFunc](e, icd.GetContextInfo, cl.ContextReferenceCount),
	}
	if e.table.KnowsContext(context) {
		lt.forget = e.table.ForgetContext
	}
	return release(e, icd.ReleaseContext, context, lt, fn)
}

func (e *Engine) GetContextInfo(context cl.Context, p cl.Info, value []byte, sizeRet *int) cl.Status {
	fn, err := dispatch.Resolve[icd.GetContextInfoFunc](e.table, icd.GetContextInfo)
	if err != nil {
		return e.pipe.Missing(icd.GetContextInfo.String(), err)
	}
	return e.run(icd.GetContextInfo,
		func() string { return args("context", hx(context), "param_name", param(p)) },
		func() cl.Status { return fn(context, p, value, sizeRet) }, nil)
}

func setErr(errcodeRet *cl.Status, st cl.Status) {
	if errcodeRet != nil {
		*errcodeRet = st
	}
}
