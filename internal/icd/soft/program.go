package soft

import (
	"bytes"
	"encoding/binary"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/fxnlabs/clintercept/internal/cl"
)

// Binary and IL containers produced and accepted by the backend. Both wrap
// the program source so a program can be rebuilt from either.
var (
	binaryMagic = []byte("CLIB\x00")
	ilMagic     = binary.LittleEndian.AppendUint32(nil, 0x07230203)
)

var kernelPattern = regexp.MustCompile(`(?:__)?kernel\s+void\s+([A-Za-z_]\w*)\s*\(([^)]*)\)`)

// EncodeBinary returns the device binary the backend produces for source.
func EncodeBinary(source string) []byte {
	return append(append([]byte(nil), binaryMagic...), source...)
}

// EncodeIL returns an IL module wrapping source.
func EncodeIL(source string) []byte {
	return append(append([]byte(nil), ilMagic...), source...)
}

func decodeBinary(b []byte) (string, bool) {
	if !bytes.HasPrefix(b, binaryMagic) {
		return "", false
	}
	return string(b[len(binaryMagic):]), true
}

func decodeIL(b []byte) (string, bool) {
	if !bytes.HasPrefix(b, ilMagic) {
		return "", false
	}
	return string(b[len(ilMagic):]), true
}

type kernelSig struct {
	name  string
	nargs uint32
}

func parseKernels(source string) []kernelSig {
	var out []kernelSig
	for _, m := range kernelPattern.FindAllStringSubmatch(source, -1) {
		args := strings.TrimSpace(m[2])
		var n uint32
		if args != "" && args != "void" {
			n = uint32(strings.Count(args, ",") + 1)
		}
		out = append(out, kernelSig{name: m[1], nargs: n})
	}
	return out
}

type program struct {
	refCounted
	context     cl.Context
	devices     []cl.Device
	source      string
	il          []byte
	status      int32
	options     string
	log         string
	kernels     []kernelSig
	liveKernels int
}

type kernel struct {
	refCounted
	program cl.Program
	context cl.Context
	sig     kernelSig
	args    map[uint32][]byte
}

func (b *Backend) newProgramLocked(ch cl.Context, devices []cl.Device, source string, il []byte, status int32) cl.Program {
	p := &program{
		refCounted: refCounted{kind: cl.KindProgram, refs: 1},
		context:    ch,
		devices:    devices,
		source:     source,
		il:         il,
		status:     status,
	}
	if status == cl.BuildSuccess {
		p.kernels = parseKernels(source)
	}
	b.retainLocked(cl.Handle(ch))
	return cl.Program(b.insertLocked(p))
}

// CreateProgramWithSource concatenates the source fragments into a program.
func (b *Backend) CreateProgramWithSource(ch cl.Context, fragments []string, errcodeRet *cl.Status) cl.Program {
	if len(fragments) == 0 {
		setErr(errcodeRet, cl.InvalidValue)
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := lookup[*context](b, cl.Handle(ch))
	if !ok {
		setErr(errcodeRet, cl.InvalidContext)
		return 0
	}
	setErr(errcodeRet, cl.Success)
	return b.newProgramLocked(ch, c.devices, strings.Join(fragments, ""), nil, cl.BuildNone)
}

// CreateProgramWithBinary loads per-device binaries. Binaries are prebuilt.
func (b *Backend) CreateProgramWithBinary(ch cl.Context, devices []cl.Device, binaries [][]byte, binaryStatus []cl.Status, errcodeRet *cl.Status) cl.Program {
	if len(devices) == 0 || len(binaries) != len(devices) {
		setErr(errcodeRet, cl.InvalidValue)
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := lookup[*context](b, cl.Handle(ch))
	if !ok {
		setErr(errcodeRet, cl.InvalidContext)
		return 0
	}
	var source string
	failed := false
	for i, dh := range devices {
		st := cl.Success
		src, ok := decodeBinary(binaries[i])
		switch {
		case !containsDevice(c.devices, dh):
			setErr(errcodeRet, cl.InvalidDevice)
			return 0
		case !ok:
			st = cl.InvalidBinary
			failed = true
		case i > 0 && src != source:
			st = cl.InvalidBinary
			failed = true
		default:
			source = src
		}
		if i < len(binaryStatus) {
			binaryStatus[i] = st
		}
	}
	if failed {
		setErr(errcodeRet, cl.InvalidBinary)
		return 0
	}
	setErr(errcodeRet, cl.Success)
	return b.newProgramLocked(ch, append([]cl.Device(nil), devices...), source, nil, cl.BuildSuccess)
}

// CreateProgramWithIL loads an IL module.
func (b *Backend) CreateProgramWithIL(ch cl.Context, il []byte, errcodeRet *cl.Status) cl.Program {
	source, ok := decodeIL(il)
	if !ok {
		setErr(errcodeRet, cl.InvalidValue)
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := lookup[*context](b, cl.Handle(ch))
	if !ok {
		setErr(errcodeRet, cl.InvalidContext)
		return 0
	}
	setErr(errcodeRet, cl.Success)
	return b.newProgramLocked(ch, c.devices, source, append([]byte(nil), il...), cl.BuildNone)
}

// RetainProgram increments the program reference count.
func (b *Backend) RetainProgram(ph cl.Program) cl.Status {
	return b.retainKind(cl.Handle(ph), cl.KindProgram, cl.InvalidProgram)
}

// ReleaseProgram decrements the program reference count.
func (b *Backend) ReleaseProgram(ph cl.Program) cl.Status {
	return b.releaseKind(cl.Handle(ph), cl.KindProgram, cl.InvalidProgram)
}

// BuildProgram "compiles" the program: it validates options and source and
// extracts the kernel signatures.
func (b *Backend) BuildProgram(ph cl.Program, devices []cl.Device, options string) cl.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := lookup[*program](b, cl.Handle(ph))
	if !ok {
		return cl.InvalidProgram
	}
	for _, dh := range devices {
		if !containsDevice(p.devices, dh) {
			return cl.InvalidDevice
		}
	}
	if p.liveKernels > 0 {
		return cl.InvalidOperation
	}
	if strings.Contains(options, "-invalid") {
		return cl.InvalidBuildOptions
	}
	p.options = options
	if i := strings.Index(p.source, "#error"); i >= 0 {
		line, _, _ := strings.Cut(p.source[i:], "\n")
		p.status = cl.BuildError
		p.log = "error: " + strings.TrimSpace(strings.TrimPrefix(line, "#error"))
		p.kernels = nil
		b.logger.Debug("build failed", zap.Uintptr("program", uintptr(ph)), zap.String("log", p.log))
		return cl.BuildProgramFailure
	}
	p.status = cl.BuildSuccess
	p.log = ""
	p.kernels = parseKernels(p.source)
	return cl.Success
}

// GetProgramInfo answers program queries.
func (b *Backend) GetProgramInfo(ph cl.Program, param cl.Info, value []byte, sizeRet *int) cl.Status {
	b.mu.Lock()
	p, ok := lookup[*program](b, cl.Handle(ph))
	var snapshot program
	if ok {
		snapshot = *p
	}
	b.mu.Unlock()
	if !ok {
		return cl.InvalidProgram
	}
	built := snapshot.status == cl.BuildSuccess
	var src []byte
	switch param {
	case cl.ProgramReferenceCount:
		src = cl.Uint32Bytes(snapshot.refs)
	case cl.ProgramContext:
		src = cl.HandleBytes(snapshot.context)
	case cl.ProgramNumDevices:
		src = cl.Uint32Bytes(uint32(len(snapshot.devices)))
	case cl.ProgramDevices:
		src = cl.HandleBytes(snapshot.devices...)
	case cl.ProgramSource:
		if snapshot.il != nil {
			src = cl.StringBytes("")
		} else {
			src = cl.StringBytes(snapshot.source)
		}
	case cl.ProgramIL:
		src = snapshot.il
	case cl.ProgramBinarySizes:
		sizes := make([]uint64, len(snapshot.devices))
		if built {
			for i := range sizes {
				sizes[i] = uint64(len(EncodeBinary(snapshot.source)))
			}
		}
		src = cl.Uint64sBytes(sizes...)
	case cl.ProgramBinaries:
		if built {
			for range snapshot.devices {
				src = append(src, EncodeBinary(snapshot.source)...)
			}
		}
	case cl.ProgramNumKernels:
		if !built {
			return cl.InvalidProgramExecutable
		}
		src = cl.Uint64Bytes(uint64(len(snapshot.kernels)))
	case cl.ProgramKernelNames:
		if !built {
			return cl.InvalidProgramExecutable
		}
		names := make([]string, len(snapshot.kernels))
		for i, k := range snapshot.kernels {
			names[i] = k.name
		}
		src = cl.StringBytes(strings.Join(names, ";"))
	default:
		return cl.InvalidValue
	}
	return cl.WriteInfo(src, value, sizeRet)
}

// GetProgramBuildInfo answers per-device build queries.
func (b *Backend) GetProgramBuildInfo(ph cl.Program, dh cl.Device, param cl.Info, value []byte, sizeRet *int) cl.Status {
	b.mu.Lock()
	p, ok := lookup[*program](b, cl.Handle(ph))
	var snapshot program
	if ok {
		snapshot = *p
	}
	b.mu.Unlock()
	if !ok {
		return cl.InvalidProgram
	}
	if !containsDevice(snapshot.devices, dh) {
		return cl.InvalidDevice
	}
	var src []byte
	switch param {
	case cl.ProgramBuildStatus:
		src = cl.Uint32Bytes(uint32(snapshot.status))
	case cl.ProgramBuildOptions:
		src = cl.StringBytes(snapshot.options)
	case cl.ProgramBuildLog:
		src = cl.StringBytes(snapshot.log)
	default:
		return cl.InvalidValue
	}
	return cl.WriteInfo(src, value, sizeRet)
}

// CreateKernel creates a kernel object for a built program. The kernel holds
// an internal reference on its program.
func (b *Backend) CreateKernel(ph cl.Program, name string, errcodeRet *cl.Status) cl.Kernel {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := lookup[*program](b, cl.Handle(ph))
	if !ok {
		setErr(errcodeRet, cl.InvalidProgram)
		return 0
	}
	if p.status != cl.BuildSuccess {
		setErr(errcodeRet, cl.InvalidProgramExecutable)
		return 0
	}
	for _, sig := range p.kernels {
		if sig.name != name {
			continue
		}
		k := &kernel{
			refCounted: refCounted{kind: cl.KindKernel, refs: 1},
			program:    ph,
			context:    p.context,
			sig:        sig,
			args:       make(map[uint32][]byte),
		}
		b.retainLocked(cl.Handle(ph))
		p.liveKernels++
		setErr(errcodeRet, cl.Success)
		return cl.Kernel(b.insertLocked(k))
	}
	setErr(errcodeRet, cl.InvalidKernelName)
	return 0
}

// RetainKernel increments the kernel reference count.
func (b *Backend) RetainKernel(kh cl.Kernel) cl.Status {
	return b.retainKind(cl.Handle(kh), cl.KindKernel, cl.InvalidKernel)
}

// ReleaseKernel decrements the kernel reference count.
func (b *Backend) ReleaseKernel(kh cl.Kernel) cl.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	k, ok := lookup[*kernel](b, cl.Handle(kh))
	if !ok {
		return cl.InvalidKernel
	}
	if k.refs == 1 {
		if p, ok := lookup[*program](b, cl.Handle(k.program)); ok {
			p.liveKernels--
		}
	}
	b.releaseLocked(cl.Handle(kh))
	return cl.Success
}

// SetKernelArg stores an argument value. Buffers are passed as their handle
// bytes, like the C API passes a cl_mem by pointer.
func (b *Backend) SetKernelArg(kh cl.Kernel, index uint32, value []byte) cl.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	k, ok := lookup[*kernel](b, cl.Handle(kh))
	if !ok {
		return cl.InvalidKernel
	}
	if index >= k.sig.nargs {
		return cl.InvalidArgIndex
	}
	if len(value) == 0 {
		return cl.InvalidArgSize
	}
	k.args[index] = append([]byte(nil), value...)
	return cl.Success
}

// GetKernelInfo answers kernel queries.
func (b *Backend) GetKernelInfo(kh cl.Kernel, param cl.Info, value []byte, sizeRet *int) cl.Status {
	b.mu.Lock()
	k, ok := lookup[*kernel](b, cl.Handle(kh))
	var refs uint32
	if ok {
		refs = k.refs
	}
	b.mu.Unlock()
	if !ok {
		return cl.InvalidKernel
	}
	var src []byte
	switch param {
	case cl.KernelFunctionName:
		src = cl.StringBytes(k.sig.name)
	case cl.KernelNumArgs:
		src = cl.Uint32Bytes(k.sig.nargs)
	case cl.KernelReferenceCount:
		src = cl.Uint32Bytes(refs)
	case cl.KernelContext:
		src = cl.HandleBytes(k.context)
	case cl.KernelProgram:
		src = cl.HandleBytes(k.program)
	default:
		return cl.InvalidValue
	}
	return cl.WriteInfo(src, value, sizeRet)
}

// EnqueueNDRangeKernel validates a launch and records its event. The kernel
// body does not run on this device.
func (b *Backend) EnqueueNDRangeKernel(qh cl.CommandQueue, kh cl.Kernel, workDim uint32, globalOffset, globalSize, localSize []int, waitList []cl.Event, ev *cl.Event) cl.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := lookup[*queue](b, cl.Handle(qh))
	if !ok {
		return cl.InvalidCommandQueue
	}
	k, ok := lookup[*kernel](b, cl.Handle(kh))
	if !ok {
		return cl.InvalidKernel
	}
	if k.context != q.context {
		return cl.InvalidContext
	}
	if workDim < 1 || workDim > 3 || len(globalSize) != int(workDim) {
		return cl.InvalidWorkDimension
	}
	if (globalOffset != nil && len(globalOffset) != int(workDim)) || (localSize != nil && len(localSize) != int(workDim)) {
		return cl.InvalidValue
	}
	if uint32(len(k.args)) != k.sig.nargs {
		return cl.InvalidKernelArgs
	}
	items := uint64(1)
	for _, g := range globalSize {
		if g <= 0 {
			return cl.InvalidGlobalWorkSize
		}
		items *= uint64(g)
	}
	if st := b.waitListLocked(waitList); st != cl.Success {
		return st
	}
	b.debugCommand("ndrange", zap.String("kernel", k.sig.name), zap.Uint64("items", items))
	b.submitLocked(q, qh, cl.CommandNDRangeKernel, items, false, ev)
	return cl.Success
}

type accelerator struct {
	refCounted
	context    cl.Context
	descriptor []byte
	accelType  uint32
}

// CreateAcceleratorINTEL creates an accelerator object.
func (b *Backend) CreateAcceleratorINTEL(ch cl.Context, acceleratorType uint32, descriptor []byte, errcodeRet *cl.Status) cl.Accelerator {
	if len(descriptor) == 0 {
		setErr(errcodeRet, cl.InvalidValue)
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := lookup[*context](b, cl.Handle(ch)); !ok {
		setErr(errcodeRet, cl.InvalidContext)
		return 0
	}
	a := &accelerator{
		refCounted: refCounted{kind: cl.KindAccelerator, refs: 1},
		context:    ch,
		descriptor: append([]byte(nil), descriptor...),
		accelType:  acceleratorType,
	}
	b.retainLocked(cl.Handle(ch))
	setErr(errcodeRet, cl.Success)
	return cl.Accelerator(b.insertLocked(a))
}

// RetainAcceleratorINTEL increments the accelerator reference count.
func (b *Backend) RetainAcceleratorINTEL(ah cl.Accelerator) cl.Status {
	return b.retainKind(cl.Handle(ah), cl.KindAccelerator, cl.InvalidAcceleratorINTEL)
}

// ReleaseAcceleratorINTEL decrements the accelerator reference count.
func (b *Backend) ReleaseAcceleratorINTEL(ah cl.Accelerator) cl.Status {
	return b.releaseKind(cl.Handle(ah), cl.KindAccelerator, cl.InvalidAcceleratorINTEL)
}
