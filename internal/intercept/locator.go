package intercept

import (
	"github.com/fxnlabs/clintercept/internal/cl"
	"github.com/fxnlabs/clintercept/internal/icd"
)

// engineLocator presents an engine's trampolines as a real implementation,
// so applications and further layers can be pointed at it.
type engineLocator struct {
	e    *Engine
	core map[icd.EntryPoint]icd.Func
}

// Locator returns the engine's trampolines. Entry points the real
// implementation lacks are still present and report implementation-missing.
func (e *Engine) Locator() icd.Locator {
	return &engineLocator{e: e, core: map[icd.EntryPoint]icd.Func{
		icd.GetPlatformIDs:          icd.GetPlatformIDsFunc(e.GetPlatformIDs),
		icd.GetPlatformInfo:         icd.GetPlatformInfoFunc(e.GetPlatformInfo),
		icd.GetDeviceIDs:            icd.GetDeviceIDsFunc(e.GetDeviceIDs),
		icd.GetDeviceInfo:           icd.GetDeviceInfoFunc(e.GetDeviceInfo),
		icd.RetainDevice:            icd.RetainDeviceFunc(e.RetainDevice),
		icd.ReleaseDevice:           icd.ReleaseDeviceFunc(e.ReleaseDevice),
		icd.CreateContext:           icd.CreateContextFunc(e.CreateContext),
		icd.RetainContext:           icd.RetainContextFunc(e.RetainContext),
		icd.ReleaseContext:          icd.ReleaseContextFunc(e.ReleaseContext),
		icd.GetContextInfo:          icd.GetContextInfoFunc(e.GetContextInfo),
		icd.CreateCommandQueue:      icd.CreateCommandQueueFunc(e.CreateCommandQueue),
		icd.RetainCommandQueue:      icd.RetainCommandQueueFunc(e.RetainCommandQueue),
		icd.ReleaseCommandQueue:     icd.ReleaseCommandQueueFunc(e.ReleaseCommandQueue),
		icd.GetCommandQueueInfo:     icd.GetCommandQueueInfoFunc(e.GetCommandQueueInfo),
		icd.CreateBuffer:            icd.CreateBufferFunc(e.CreateBuffer),
		icd.RetainMemObject:         icd.RetainMemObjectFunc(e.RetainMemObject),
		icd.ReleaseMemObject:        icd.ReleaseMemObjectFunc(e.ReleaseMemObject),
		icd.GetMemObjectInfo:        icd.GetMemObjectInfoFunc(e.GetMemObjectInfo),
		icd.CreateSampler:           icd.CreateSamplerFunc(e.CreateSampler),
		icd.RetainSampler:           icd.RetainSamplerFunc(e.RetainSampler),
		icd.ReleaseSampler:          icd.ReleaseSamplerFunc(e.ReleaseSampler),
		icd.GetSamplerInfo:          icd.GetSamplerInfoFunc(e.GetSamplerInfo),
		icd.CreateProgramWithSource: icd.CreateProgramWithSourceFunc(e.CreateProgramWithSource),
		icd.CreateProgramWithBinary: icd.CreateProgramWithBinaryFunc(e.CreateProgramWithBinary),
		icd.CreateProgramWithIL:     icd.CreateProgramWithILFunc(e.CreateProgramWithIL),
		icd.RetainProgram:           icd.RetainProgramFunc(e.RetainProgram),
		icd.ReleaseProgram:          icd.ReleaseProgramFunc(e.ReleaseProgram),
		icd.BuildProgram:            icd.BuildProgramFunc(e.BuildProgram),
		icd.GetProgramInfo:          icd.GetProgramInfoFunc(e.GetProgramInfo),
		icd.GetProgramBuildInfo:     icd.GetProgramBuildInfoFunc(e.GetProgramBuildInfo),
		icd.CreateKernel:            icd.CreateKernelFunc(e.CreateKernel),
		icd.RetainKernel:            icd.RetainKernelFunc(e.RetainKernel),
		icd.ReleaseKernel:           icd.ReleaseKernelFunc(e.ReleaseKernel),
		icd.SetKernelArg:            icd.SetKernelArgFunc(e.SetKernelArg),
		icd.GetKernelInfo:           icd.GetKernelInfoFunc(e.GetKernelInfo),
		icd.WaitForEvents:           icd.WaitForEventsFunc(e.WaitForEvents),
		icd.GetEventInfo:            icd.GetEventInfoFunc(e.GetEventInfo),
		icd.RetainEvent:             icd.RetainEventFunc(e.RetainEvent),
		icd.ReleaseEvent:            icd.ReleaseEventFunc(e.ReleaseEvent),
		icd.GetEventProfilingInfo:   icd.GetEventProfilingInfoFunc(e.GetEventProfilingInfo),
		icd.Flush:                   icd.FlushFunc(e.Flush),
		icd.Finish:                  icd.FinishFunc(e.Finish),
		icd.EnqueueReadBuffer:       icd.EnqueueReadBufferFunc(e.EnqueueReadBuffer),
		icd.EnqueueWriteBuffer:      icd.EnqueueWriteBufferFunc(e.EnqueueWriteBuffer),
		icd.EnqueueCopyBuffer:       icd.EnqueueCopyBufferFunc(e.EnqueueCopyBuffer),
		icd.EnqueueNDRangeKernel:    icd.EnqueueNDRangeKernelFunc(e.EnqueueNDRangeKernel),

		icd.GetExtensionFunctionAddress:            icd.GetExtensionFunctionAddressFunc(e.GetExtensionFunctionAddress),
		icd.GetExtensionFunctionAddressForPlatform: icd.GetExtensionFunctionAddressForPlatformFunc(e.GetExtensionFunctionAddressForPlatform),
	}}
}

func (l *engineLocator) Lookup(id icd.EntryPoint) icd.Func {
	return l.core[id]
}

func (l *engineLocator) ExtensionFunctionAddress(name string) icd.Func {
	return l.e.GetExtensionFunctionAddress(name)
}

func (l *engineLocator) ExtensionFunctionAddressForPlatform(platform cl.Platform, name string) icd.Func {
	return l.e.GetExtensionFunctionAddressForPlatform(platform, name)
}
