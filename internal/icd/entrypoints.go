package icd

import "fmt"

// EntryPoint identifies a function of the fixed core table.
type EntryPoint int

const (
	GetPlatformIDs EntryPoint = iota
	GetPlatformInfo
	GetDeviceIDs
	GetDeviceInfo
	RetainDevice
	ReleaseDevice
	CreateContext
	RetainContext
	ReleaseContext
	GetContextInfo
	CreateCommandQueue
	RetainCommandQueue
	ReleaseCommandQueue
	GetCommandQueueInfo
	CreateBuffer
	RetainMemObject
	ReleaseMemObject
	GetMemObjectInfo
	CreateSampler
	RetainSampler
	ReleaseSampler
	GetSamplerInfo
	CreateProgramWithSource
	CreateProgramWithBinary
	CreateProgramWithIL
	RetainProgram
	ReleaseProgram
	BuildProgram
	GetProgramInfo
	GetProgramBuildInfo
	CreateKernel
	RetainKernel
	ReleaseKernel
	SetKernelArg
	GetKernelInfo
	WaitForEvents
	GetEventInfo
	RetainEvent
	ReleaseEvent
	GetEventProfilingInfo
	Flush
	Finish
	EnqueueReadBuffer
	EnqueueWriteBuffer
	EnqueueCopyBuffer
	EnqueueNDRangeKernel
	GetExtensionFunctionAddress
	GetExtensionFunctionAddressForPlatform

	// NumEntryPoints is the size of the core table.
	NumEntryPoints
)

var entryPointNames = [NumEntryPoints]string{
	GetPlatformIDs:                         "clGetPlatformIDs",
	GetPlatformInfo:                        "clGetPlatformInfo",
	GetDeviceIDs:                           "clGetDeviceIDs",
	GetDeviceInfo:                          "clGetDeviceInfo",
	RetainDevice:                           "clRetainDevice",
	ReleaseDevice:                          "clReleaseDevice",
	CreateContext:                          "clCreateContext",
	RetainContext:                          "clRetainContext",
	ReleaseContext:                         "clReleaseContext",
	GetContextInfo:                         "clGetContextInfo",
	CreateCommandQueue:                     "clCreateCommandQueue",
	RetainCommandQueue:                     "clRetainCommandQueue",
	ReleaseCommandQueue:                    "clReleaseCommandQueue",
	GetCommandQueueInfo:                    "clGetCommandQueueInfo",
	CreateBuffer:                           "clCreateBuffer",
	RetainMemObject:                        "clRetainMemObject",
	ReleaseMemObject:                       "clReleaseMemObject",
	GetMemObjectInfo:                       "clGetMemObjectInfo",
	CreateSampler:                          "clCreateSampler",
	RetainSampler:                          "clRetainSampler",
	ReleaseSampler:                         "clReleaseSampler",
	GetSamplerInfo:                         "clGetSamplerInfo",
	CreateProgramWithSource:                "clCreateProgramWithSource",
	CreateProgramWithBinary:                "clCreateProgramWithBinary",
	CreateProgramWithIL:                    "clCreateProgramWithIL",
	RetainProgram:                          "clRetainProgram",
	ReleaseProgram:                         "clReleaseProgram",
	BuildProgram:                           "clBuildProgram",
	GetProgramInfo:                         "clGetProgramInfo",
	GetProgramBuildInfo:                    "clGetProgramBuildInfo",
	CreateKernel:                           "clCreateKernel",
	RetainKernel:                           "clRetainKernel",
	ReleaseKernel:                          "clReleaseKernel",
	SetKernelArg:                           "clSetKernelArg",
	GetKernelInfo:                          "clGetKernelInfo",
	WaitForEvents:                          "clWaitForEvents",
	GetEventInfo:                           "clGetEventInfo",
	RetainEvent:                            "clRetainEvent",
	ReleaseEvent:                           "clReleaseEvent",
	GetEventProfilingInfo:                  "clGetEventProfilingInfo",
	Flush:                                  "clFlush",
	Finish:                                 "clFinish",
	EnqueueReadBuffer:                      "clEnqueueReadBuffer",
	EnqueueWriteBuffer:                     "clEnqueueWriteBuffer",
	EnqueueCopyBuffer:                      "clEnqueueCopyBuffer",
	EnqueueNDRangeKernel:                   "clEnqueueNDRangeKernel",
	GetExtensionFunctionAddress:            "clGetExtensionFunctionAddress",
	GetExtensionFunctionAddressForPlatform: "clGetExtensionFunctionAddressForPlatform",
}

func (e EntryPoint) String() string {
	if e >= 0 && e < NumEntryPoints {
		return entryPointNames[e]
	}
	return fmt.Sprintf("EntryPoint(%d)", int(e))
}

// EntryPoints lists every core entry point in table order.
func EntryPoints() []EntryPoint {
	out := make([]EntryPoint, NumEntryPoints)
	for i := range out {
		out[i] = EntryPoint(i)
	}
	return out
}

// LookupEntryPoint maps an API function name to its core entry point.
func LookupEntryPoint(name string) (EntryPoint, bool) {
	for i, n := range entryPointNames {
		if n == name {
			return EntryPoint(i), true
		}
	}
	return 0, false
}

// Extension entry points known to the layer. Their addresses are only
// available through the extension-address queries.
const (
	ExtCreateAcceleratorINTEL              = "clCreateAcceleratorINTEL"
	ExtRetainAcceleratorINTEL              = "clRetainAcceleratorINTEL"
	ExtReleaseAcceleratorINTEL             = "clReleaseAcceleratorINTEL"
	ExtCreateCommandQueueWithPropertiesKHR = "clCreateCommandQueueWithPropertiesKHR"
)

// KnownExtensions lists the extension functions the layer wraps.
var KnownExtensions = []string{
	ExtCreateAcceleratorINTEL,
	ExtRetainAcceleratorINTEL,
	ExtReleaseAcceleratorINTEL,
	ExtCreateCommandQueueWithPropertiesKHR,
}
