package cl

import (
	"bytes"
	"encoding/binary"
)

// Platform info.
const (
	PlatformProfile    Info = 0x0900
	PlatformVersion    Info = 0x0901
	PlatformName       Info = 0x0902
	PlatformVendor     Info = 0x0903
	PlatformExtensions Info = 0x0904
)

// Device info.
const (
	DeviceTypeInfo        Info = 0x1000
	DeviceMaxComputeUnits Info = 0x1002
	DeviceGlobalMemSize   Info = 0x101F
	DeviceName            Info = 0x102B
	DeviceVendor          Info = 0x102C
	DeviceExtensions      Info = 0x1030
	DevicePlatform        Info = 0x1031
	DeviceReferenceCount  Info = 0x1047
)

// Context info and properties.
const (
	ContextReferenceCount Info = 0x1080
	ContextDevices        Info = 0x1081
	ContextNumDevices     Info = 0x1083

	ContextPlatformProperty uint64 = 0x1084
)

// Command queue info and properties.
const (
	QueueContext        Info = 0x1090
	QueueDevice         Info = 0x1091
	QueueReferenceCount Info = 0x1092
	QueuePropertiesInfo Info = 0x1093

	QueuePropertiesProperty uint64 = 0x1093
)

// Memory object info.
const (
	MemFlagsInfo      Info = 0x1101
	MemSize           Info = 0x1102
	MemReferenceCount Info = 0x1105
	MemContext        Info = 0x1106
)

// Sampler info.
const (
	SamplerReferenceCount Info = 0x1150
	SamplerContext        Info = 0x1151
)

// Program info and build info.
const (
	ProgramReferenceCount Info = 0x1160
	ProgramContext        Info = 0x1161
	ProgramNumDevices     Info = 0x1162
	ProgramDevices        Info = 0x1163
	ProgramSource         Info = 0x1164
	ProgramBinarySizes    Info = 0x1165
	ProgramBinaries       Info = 0x1166
	ProgramNumKernels     Info = 0x1167
	ProgramKernelNames    Info = 0x1168
	ProgramIL             Info = 0x1169

	ProgramBuildStatus  Info = 0x1181
	ProgramBuildOptions Info = 0x1182
	ProgramBuildLog     Info = 0x1183
)

// Kernel info.
const (
	KernelFunctionName   Info = 0x1190
	KernelNumArgs        Info = 0x1191
	KernelReferenceCount Info = 0x1192
	KernelContext        Info = 0x1193
	KernelProgram        Info = 0x1194
)

// Event info and profiling info.
const (
	EventCommandQueue           Info = 0x11D0
	EventCommandType            Info = 0x11D1
	EventReferenceCount         Info = 0x11D2
	EventCommandExecutionStatus Info = 0x11D3
	EventContext                Info = 0x11D4

	ProfilingCommandQueued Info = 0x1280
	ProfilingCommandSubmit Info = 0x1281
	ProfilingCommandStart  Info = 0x1282
	ProfilingCommandEnd    Info = 0x1283
)

// WriteInfo copies src into value following the info-query contract: a nil
// value only reports the size, a short value is CL_INVALID_VALUE.
func WriteInfo(src, value []byte, sizeRet *int) Status {
	if value != nil {
		if len(value) < len(src) {
			return InvalidValue
		}
		copy(value, src)
	}
	if sizeRet != nil {
		*sizeRet = len(src)
	}
	return Success
}

// InfoQuery is a bound info query: the caller supplies the value buffer and
// the size pointer, everything else is already captured.
type InfoQuery func(value []byte, sizeRet *int) Status

// QueryBytes runs q twice, first for the size and then for the value.
func QueryBytes(q InfoQuery) ([]byte, Status) {
	var size int
	if st := q(nil, &size); st != Success {
		return nil, st
	}
	buf := make([]byte, size)
	if size == 0 {
		return buf, Success
	}
	if st := q(buf, nil); st != Success {
		return nil, st
	}
	return buf, Success
}

// QueryUint32 reads a 32-bit info value.
func QueryUint32(q InfoQuery) (uint32, Status) {
	buf := make([]byte, 4)
	if st := q(buf, nil); st != Success {
		return 0, st
	}
	return binary.LittleEndian.Uint32(buf), Success
}

// QueryUint64 reads a 64-bit info value.
func QueryUint64(q InfoQuery) (uint64, Status) {
	buf := make([]byte, 8)
	if st := q(buf, nil); st != Success {
		return 0, st
	}
	return binary.LittleEndian.Uint64(buf), Success
}

// QueryString reads a NUL-terminated string info value.
func QueryString(q InfoQuery) (string, Status) {
	buf, st := QueryBytes(q)
	if st != Success {
		return "", st
	}
	return String(buf), Success
}

// QueryHandles reads an array of handles.
func QueryHandles(q InfoQuery) ([]Handle, Status) {
	buf, st := QueryBytes(q)
	if st != Success {
		return nil, st
	}
	return Handles(buf), Success
}

// Uint32Bytes encodes v.
func Uint32Bytes(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

// Uint64Bytes encodes v.
func Uint64Bytes(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

// StringBytes encodes s with a trailing NUL, as string queries do.
func StringBytes(s string) []byte {
	out := make([]byte, len(s)+1)
	copy(out, s)
	return out
}

// HandleBytes encodes a list of handles.
func HandleBytes[H ~uintptr](hs ...H) []byte {
	out := make([]byte, 0, 8*len(hs))
	for _, h := range hs {
		out = binary.LittleEndian.AppendUint64(out, uint64(h))
	}
	return out
}

// Uint64sBytes encodes a list of 64-bit values.
func Uint64sBytes(vs ...uint64) []byte {
	out := make([]byte, 0, 8*len(vs))
	for _, v := range vs {
		out = binary.LittleEndian.AppendUint64(out, v)
	}
	return out
}

// Uint32 decodes the first four bytes of b.
func Uint32(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// Uint64 decodes the first eight bytes of b.
func Uint64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// Uint64s decodes an array of 64-bit values.
func Uint64s(b []byte) []uint64 {
	out := make([]uint64, 0, len(b)/8)
	for i := 0; i+8 <= len(b); i += 8 {
		out = append(out, binary.LittleEndian.Uint64(b[i:]))
	}
	return out
}

// Handles decodes an array of handles.
func Handles(b []byte) []Handle {
	vs := Uint64s(b)
	out := make([]Handle, len(vs))
	for i, v := range vs {
		out[i] = Handle(v)
	}
	return out
}

// String decodes a NUL-terminated string.
func String(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// SplitBinaries splits the concatenated CL_PROGRAM_BINARIES value using the
// sizes reported by CL_PROGRAM_BINARY_SIZES.
func SplitBinaries(b []byte, sizes []uint64) [][]byte {
	out := make([][]byte, 0, len(sizes))
	off := uint64(0)
	for _, n := range sizes {
		if off+n > uint64(len(b)) {
			out = append(out, nil)
			continue
		}
		out = append(out, b[off:off+n])
		off += n
	}
	return out
}
