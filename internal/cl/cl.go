// Package cl holds the vocabulary of the intercepted compute API: opaque
// handles, status codes, info parameters and the little-endian codecs used to
// move info values through byte slices, the way the C API does.
package cl

import "fmt"

// Handle is an opaque identity for an object owned by the real backend.
// The zero Handle is the API's null object.
type Handle uintptr

type (
	Platform     Handle
	Device       Handle
	Context      Handle
	CommandQueue Handle
	Mem          Handle
	Program      Handle
	Kernel       Handle
	Event        Handle
	Sampler      Handle
	Accelerator  Handle
)

// ObjectKind classifies a handle for tracking and reporting.
type ObjectKind uint8

const (
	KindUnknown ObjectKind = iota
	KindPlatform
	KindDevice
	KindContext
	KindCommandQueue
	KindMem
	KindProgram
	KindKernel
	KindEvent
	KindSampler
	KindAccelerator
)

var kindNames = [...]string{
	KindUnknown:      "unknown",
	KindPlatform:     "cl_platform_id",
	KindDevice:       "cl_device_id",
	KindContext:      "cl_context",
	KindCommandQueue: "cl_command_queue",
	KindMem:          "cl_mem",
	KindProgram:      "cl_program",
	KindKernel:       "cl_kernel",
	KindEvent:        "cl_event",
	KindSampler:      "cl_sampler",
	KindAccelerator:  "cl_accelerator_intel",
}

func (k ObjectKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("ObjectKind(%d)", uint8(k))
}

// Info is an info-query parameter name.
type Info uint32

// DeviceType is the device type bitfield.
type DeviceType uint64

const (
	DeviceTypeDefault     DeviceType = 1 << 0
	DeviceTypeCPU         DeviceType = 1 << 1
	DeviceTypeGPU         DeviceType = 1 << 2
	DeviceTypeAccelerator DeviceType = 1 << 3
	DeviceTypeAll         DeviceType = 0xFFFFFFFF
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeDefault:
		return "CL_DEVICE_TYPE_DEFAULT"
	case DeviceTypeCPU:
		return "CL_DEVICE_TYPE_CPU"
	case DeviceTypeGPU:
		return "CL_DEVICE_TYPE_GPU"
	case DeviceTypeAccelerator:
		return "CL_DEVICE_TYPE_ACCELERATOR"
	case DeviceTypeAll:
		return "CL_DEVICE_TYPE_ALL"
	}
	return fmt.Sprintf("DeviceType(%#x)", uint64(t))
}

// QueueProperties is the command-queue properties bitfield.
type QueueProperties uint64

const (
	QueueOutOfOrderExecModeEnable QueueProperties = 1 << 0
	QueueProfilingEnable          QueueProperties = 1 << 1
)

// MemFlags is the memory-object flags bitfield.
type MemFlags uint64

const (
	MemReadWrite    MemFlags = 1 << 0
	MemWriteOnly    MemFlags = 1 << 1
	MemReadOnly     MemFlags = 1 << 2
	MemUseHostPtr   MemFlags = 1 << 3
	MemAllocHostPtr MemFlags = 1 << 4
	MemCopyHostPtr  MemFlags = 1 << 5
)

// Properties is a key/value property list (context or queue properties),
// stored as pairs without the C terminator.
type Properties []uint64

// Lookup returns the value stored for key.
func (p Properties) Lookup(key uint64) (uint64, bool) {
	for i := 0; i+1 < len(p); i += 2 {
		if p[i] == key {
			return p[i+1], true
		}
	}
	return 0, false
}

// With returns a copy of p with key set to value.
func (p Properties) With(key, value uint64) Properties {
	out := make(Properties, 0, len(p)+2)
	found := false
	for i := 0; i+1 < len(p); i += 2 {
		if p[i] == key {
			out = append(out, key, value)
			found = true
			continue
		}
		out = append(out, p[i], p[i+1])
	}
	if !found {
		out = append(out, key, value)
	}
	return out
}

// ExecutionStatus is an event's command execution status.
type ExecutionStatus int32

const (
	Complete  ExecutionStatus = 0
	Running   ExecutionStatus = 1
	Submitted ExecutionStatus = 2
	Queued    ExecutionStatus = 3
)

// CommandType identifies the command an event belongs to.
type CommandType uint32

const (
	CommandNDRangeKernel CommandType = 0x11F0
	CommandReadBuffer    CommandType = 0x11F3
	CommandWriteBuffer   CommandType = 0x11F4
	CommandCopyBuffer    CommandType = 0x11F5
	CommandUser          CommandType = 0x1204
)

// Build status values reported by CL_PROGRAM_BUILD_STATUS.
const (
	BuildSuccess    int32 = 0
	BuildNone       int32 = -1
	BuildError      int32 = -2
	BuildInProgress int32 = -3
)
