package cl

import "fmt"

// Status is the API's integer return code.
type Status int32

const (
	Success                    Status = 0
	DeviceNotFound             Status = -1
	DeviceNotAvailable         Status = -2
	CompilerNotAvailable       Status = -3
	MemObjectAllocationFailure Status = -4
	OutOfResources             Status = -5
	OutOfHostMemory            Status = -6
	ProfilingInfoNotAvailable  Status = -7
	MemCopyOverlap             Status = -8
	BuildProgramFailure        Status = -11
	InvalidValue               Status = -30
	InvalidDeviceType          Status = -31
	InvalidPlatform            Status = -32
	InvalidDevice              Status = -33
	InvalidContext             Status = -34
	InvalidQueueProperties     Status = -35
	InvalidCommandQueue        Status = -36
	InvalidHostPtr             Status = -37
	InvalidMemObject           Status = -38
	InvalidSampler             Status = -41
	InvalidBinary              Status = -42
	InvalidBuildOptions        Status = -43
	InvalidProgram             Status = -44
	InvalidProgramExecutable   Status = -45
	InvalidKernelName          Status = -46
	InvalidKernel              Status = -48
	InvalidArgIndex            Status = -49
	InvalidArgValue            Status = -50
	InvalidArgSize             Status = -51
	InvalidKernelArgs          Status = -52
	InvalidWorkDimension       Status = -53
	InvalidEventWaitList       Status = -57
	InvalidEvent               Status = -58
	InvalidOperation           Status = -59
	InvalidBufferSize          Status = -61
	InvalidGlobalWorkSize      Status = -63
	InvalidProperty            Status = -64
	InvalidAcceleratorINTEL    Status = -1094
)

// ImplementationMissing is returned by an entry point whose real function
// could not be resolved.
const ImplementationMissing = InvalidOperation

var statusNames = map[Status]string{
	Success:                    "CL_SUCCESS",
	DeviceNotFound:             "CL_DEVICE_NOT_FOUND",
	DeviceNotAvailable:         "CL_DEVICE_NOT_AVAILABLE",
	CompilerNotAvailable:       "CL_COMPILER_NOT_AVAILABLE",
	MemObjectAllocationFailure: "CL_MEM_OBJECT_ALLOCATION_FAILURE",
	OutOfResources:             "CL_OUT_OF_RESOURCES",
	OutOfHostMemory:            "CL_OUT_OF_HOST_MEMORY",
	ProfilingInfoNotAvailable:  "CL_PROFILING_INFO_NOT_AVAILABLE",
	MemCopyOverlap:             "CL_MEM_COPY_OVERLAP",
	BuildProgramFailure:        "CL_BUILD_PROGRAM_FAILURE",
	InvalidValue:               "CL_INVALID_VALUE",
	InvalidDeviceType:          "CL_INVALID_DEVICE_TYPE",
	InvalidPlatform:            "CL_INVALID_PLATFORM",
	InvalidDevice:              "CL_INVALID_DEVICE",
	InvalidContext:             "CL_INVALID_CONTEXT",
	InvalidQueueProperties:     "CL_INVALID_QUEUE_PROPERTIES",
	InvalidCommandQueue:        "CL_INVALID_COMMAND_QUEUE",
	InvalidHostPtr:             "CL_INVALID_HOST_PTR",
	InvalidMemObject:           "CL_INVALID_MEM_OBJECT",
	InvalidSampler:             "CL_INVALID_SAMPLER",
	InvalidBinary:              "CL_INVALID_BINARY",
	InvalidBuildOptions:        "CL_INVALID_BUILD_OPTIONS",
	InvalidProgram:             "CL_INVALID_PROGRAM",
	InvalidProgramExecutable:   "CL_INVALID_PROGRAM_EXECUTABLE",
	InvalidKernelName:          "CL_INVALID_KERNEL_NAME",
	InvalidKernel:              "CL_INVALID_KERNEL",
	InvalidArgIndex:            "CL_INVALID_ARG_INDEX",
	InvalidArgValue:            "CL_INVALID_ARG_VALUE",
	InvalidArgSize:             "CL_INVALID_ARG_SIZE",
	InvalidKernelArgs:          "CL_INVALID_KERNEL_ARGS",
	InvalidWorkDimension:       "CL_INVALID_WORK_DIMENSION",
	InvalidEventWaitList:       "CL_INVALID_EVENT_WAIT_LIST",
	InvalidEvent:               "CL_INVALID_EVENT",
	InvalidOperation:           "CL_INVALID_OPERATION",
	InvalidBufferSize:          "CL_INVALID_BUFFER_SIZE",
	InvalidGlobalWorkSize:      "CL_INVALID_GLOBAL_WORK_SIZE",
	InvalidProperty:            "CL_INVALID_PROPERTY",
	InvalidAcceleratorINTEL:    "CL_INVALID_ACCELERATOR_INTEL",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", int32(s))
}

// Error lets a non-success Status travel as an error inside the layer.
func (s Status) Error() string {
	return s.String()
}

// OK reports whether s is CL_SUCCESS.
func (s Status) OK() bool {
	return s == Success
}
