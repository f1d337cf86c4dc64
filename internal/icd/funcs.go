package icd

import "github.com/fxnlabs/clintercept/internal/cl"

// Func is a resolved function of the real implementation. Its dynamic type is
// one of the *Func types below; a nil Func means "not provided".
type Func any

// Core table signatures. Slices carry the C (count, pointer) pairs; pointer
// out-parameters stay pointers so callers keep the C optionality.
type (
	GetPlatformIDsFunc  func(platforms []cl.Platform, numPlatforms *uint32) cl.Status
	GetPlatformInfoFunc func(platform cl.Platform, param cl.Info, value []byte, sizeRet *int) cl.Status
	GetDeviceIDsFunc    func(platform cl.Platform, deviceType cl.DeviceType, devices []cl.Device, numDevices *uint32) cl.Status
	GetDeviceInfoFunc   func(device cl.Device, param cl.Info, value []byte, sizeRet *int) cl.Status
	RetainDeviceFunc    func(device cl.Device) cl.Status
	ReleaseDeviceFunc   func(device cl.Device) cl.Status

	CreateContextFunc  func(properties cl.Properties, devices []cl.Device, errcodeRet *cl.Status) cl.Context
	RetainContextFunc  func(context cl.Context) cl.Status
	ReleaseContextFunc func(context cl.Context) cl.Status
	GetContextInfoFunc func(context cl.Context, param cl.Info, value []byte, sizeRet *int) cl.Status

	CreateCommandQueueFunc  func(context cl.Context, device cl.Device, properties cl.QueueProperties, errcodeRet *cl.Status) cl.CommandQueue
	RetainCommandQueueFunc  func(queue cl.CommandQueue) cl.Status
	ReleaseCommandQueueFunc func(queue cl.CommandQueue) cl.Status
	GetCommandQueueInfoFunc func(queue cl.CommandQueue, param cl.Info, value []byte, sizeRet *int) cl.Status

	CreateBufferFunc     func(context cl.Context, flags cl.MemFlags, size int, hostPtr []byte, errcodeRet *cl.Status) cl.Mem
	RetainMemObjectFunc  func(mem cl.Mem) cl.Status
	ReleaseMemObjectFunc func(mem cl.Mem) cl.Status
	GetMemObjectInfoFunc func(mem cl.Mem, param cl.Info, value []byte, sizeRet *int) cl.Status

	CreateSamplerFunc  func(context cl.Context, normalizedCoords bool, addressingMode, filterMode uint32, errcodeRet *cl.Status) cl.Sampler
	RetainSamplerFunc  func(sampler cl.Sampler) cl.Status
	ReleaseSamplerFunc func(sampler cl.Sampler) cl.Status
	GetSamplerInfoFunc func(sampler cl.Sampler, param cl.Info, value []byte, sizeRet *int) cl.Status

	CreateProgramWithSourceFunc func(context cl.Context, strings []string, errcodeRet *cl.Status) cl.Program
	CreateProgramWithBinaryFunc func(context cl.Context, devices []cl.Device, binaries [][]byte, binaryStatus []cl.Status, errcodeRet *cl.Status) cl.Program
	CreateProgramWithILFunc     func(context cl.Context, il []byte, errcodeRet *cl.Status) cl.Program
	RetainProgramFunc           func(program cl.Program) cl.Status
	ReleaseProgramFunc          func(program cl.Program) cl.Status
	BuildProgramFunc            func(program cl.Program, devices []cl.Device, options string) cl.Status
	GetProgramInfoFunc          func(program cl.Program, param cl.Info, value []byte, sizeRet *int) cl.Status
	GetProgramBuildInfoFunc     func(program cl.Program, device cl.Device, param cl.Info, value []byte, sizeRet *int) cl.Status

	CreateKernelFunc  func(program cl.Program, name string, errcodeRet *cl.Status) cl.Kernel
	RetainKernelFunc  func(kernel cl.Kernel) cl.Status
	ReleaseKernelFunc func(kernel cl.Kernel) cl.Status
	SetKernelArgFunc  func(kernel cl.Kernel, index uint32, value []byte) cl.Status
	GetKernelInfoFunc func(kernel cl.Kernel, param cl.Info, value []byte, sizeRet *int) cl.Status

	WaitForEventsFunc         func(events []cl.Event) cl.Status
	GetEventInfoFunc          func(event cl.Event, param cl.Info, value []byte, sizeRet *int) cl.Status
	RetainEventFunc           func(event cl.Event) cl.Status
	ReleaseEventFunc          func(event cl.Event) cl.Status
	GetEventProfilingInfoFunc func(event cl.Event, param cl.Info, value []byte, sizeRet *int) cl.Status

	FlushFunc  func(queue cl.CommandQueue) cl.Status
	FinishFunc func(queue cl.CommandQueue) cl.Status

	EnqueueReadBufferFunc    func(queue cl.CommandQueue, buffer cl.Mem, blocking bool, offset int, dst []byte, waitList []cl.Event, event *cl.Event) cl.Status
	EnqueueWriteBufferFunc   func(queue cl.CommandQueue, buffer cl.Mem, blocking bool, offset int, src []byte, waitList []cl.Event, event *cl.Event) cl.Status
	EnqueueCopyBufferFunc    func(queue cl.CommandQueue, src, dst cl.Mem, srcOffset, dstOffset, size int, waitList []cl.Event, event *cl.Event) cl.Status
	EnqueueNDRangeKernelFunc func(queue cl.CommandQueue, kernel cl.Kernel, workDim uint32, globalOffset, globalSize, localSize []int, waitList []cl.Event, event *cl.Event) cl.Status

	GetExtensionFunctionAddressFunc            func(name string) Func
	GetExtensionFunctionAddressForPlatformFunc func(platform cl.Platform, name string) Func
)

// Extension signatures.
type (
	CreateAcceleratorINTELFunc              func(context cl.Context, acceleratorType uint32, descriptor []byte, errcodeRet *cl.Status) cl.Accelerator
	RetainAcceleratorINTELFunc              func(accelerator cl.Accelerator) cl.Status
	ReleaseAcceleratorINTELFunc             func(accelerator cl.Accelerator) cl.Status
	CreateCommandQueueWithPropertiesKHRFunc func(context cl.Context, device cl.Device, properties cl.Properties, errcodeRet *cl.Status) cl.CommandQueue
)
