// Package soft is a CPU implementation of the core table. It behaves like a
// vendor library with real reference counts, implicit internal retains and
// asynchronous event completion, which makes it both the reference backend
// of the CLI demo and the "real implementation" in tests.
//
// Kernel bodies are not executed; only their effects on object state are.
package soft

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fxnlabs/clintercept/internal/cl"
	"github.com/fxnlabs/clintercept/internal/icd"
)

// Well-known extension strings that enable extension entry points.
const (
	ExtensionAccelerator       = "cl_intel_accelerator"
	ExtensionQueueWithProperty = "cl_khr_create_command_queue"
)

// DeviceSpec describes one simulated device.
type DeviceSpec struct {
	Name          string
	Type          cl.DeviceType
	ComputeUnits  uint32
	GlobalMemSize uint64
}

// PlatformSpec describes one simulated platform.
type PlatformSpec struct {
	Name       string
	Vendor     string
	Version    string
	Extensions []string
	Devices    []DeviceSpec
}

// Spec describes the whole simulated installation.
type Spec struct {
	Platforms []PlatformSpec
}

// DefaultSpec returns a single CPU platform with one device and every
// extension the layer knows about.
func DefaultSpec() Spec {
	return Spec{Platforms: []PlatformSpec{{
		Name:       "Soft Compute Platform",
		Vendor:     "clintercept",
		Version:    "OpenCL 3.0 soft",
		Extensions: []string{ExtensionAccelerator, ExtensionQueueWithProperty},
		Devices: []DeviceSpec{{
			Name:          fmt.Sprintf("CPU (%s)", runtime.GOARCH),
			Type:          cl.DeviceTypeCPU,
			ComputeUnits:  uint32(runtime.NumCPU()),
			GlobalMemSize: 8 * 1024 * 1024 * 1024, // 8GB
		}},
	}}}
}

type refCounted struct {
	kind cl.ObjectKind
	refs uint32
}

func (r *refCounted) counted() *refCounted { return r }

type object interface {
	counted() *refCounted
}

// Backend is the software implementation. Create it with New.
type Backend struct {
	mu        sync.Mutex
	next      cl.Handle
	objects   map[cl.Handle]object
	platforms []cl.Platform
	epoch     time.Time
	logger    *zap.Logger
	locator   *icd.TableLocator
}

// New creates a backend for spec.
func New(spec Spec, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Backend{
		next:    0x1000,
		objects: make(map[cl.Handle]object),
		epoch:   time.Now(),
		logger:  logger.Named("soft"),
	}
	for _, ps := range spec.Platforms {
		p := &platform{refCounted: refCounted{kind: cl.KindPlatform, refs: 1}, spec: ps}
		ph := cl.Platform(b.insert(p))
		for _, ds := range ps.Devices {
			d := &device{refCounted: refCounted{kind: cl.KindDevice, refs: 1}, spec: ds, platform: ph}
			p.devices = append(p.devices, cl.Device(b.insert(d)))
		}
		b.platforms = append(b.platforms, ph)
	}
	b.locator = b.buildLocator()
	b.logger.Info("soft backend initialized", zap.Int("platforms", len(b.platforms)))
	return b
}

// Locator exposes the backend's function table.
func (b *Backend) Locator() *icd.TableLocator {
	return b.locator
}

// Platforms returns the platform handles in creation order.
func (b *Backend) Platforms() []cl.Platform {
	return append([]cl.Platform(nil), b.platforms...)
}

// RefCount reports the real reference count of h, or false when h is not
// alive. Tests use it to compare against the shadow counts.
func (b *Backend) RefCount(h cl.Handle) (uint32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.objects[h]
	if !ok {
		return 0, false
	}
	return o.counted().refs, true
}

// Live returns the number of live objects of kind.
func (b *Backend) Live(kind cl.ObjectKind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, o := range b.objects {
		if o.counted().kind == kind {
			n++
		}
	}
	return n
}

func (b *Backend) buildLocator() *icd.TableLocator {
	loc := icd.NewTableLocator(map[icd.EntryPoint]icd.Func{
		icd.GetPlatformIDs:          icd.GetPlatformIDsFunc(b.GetPlatformIDs),
		icd.GetPlatformInfo:         icd.GetPlatformInfoFunc(b.GetPlatformInfo),
		icd.GetDeviceIDs:            icd.GetDeviceIDsFunc(b.GetDeviceIDs),
		icd.GetDeviceInfo:           icd.GetDeviceInfoFunc(b.GetDeviceInfo),
		icd.RetainDevice:            icd.RetainDeviceFunc(b.RetainDevice),
		icd.ReleaseDevice:           icd.ReleaseDeviceFunc(b.ReleaseDevice),
		icd.CreateContext:           icd.CreateContextFunc(b.CreateContext),
		icd.RetainContext:           icd.RetainContextFunc(b.RetainContext),
		icd.ReleaseContext:          icd.ReleaseContextFunc(b.ReleaseContext),
		icd.GetContextInfo:          icd.GetContextInfoFunc(b.GetContextInfo),
		icd.CreateCommandQueue:      icd.CreateCommandQueueFunc(b.CreateCommandQueue),
		icd.RetainCommandQueue:      icd.RetainCommandQueueFunc(b.RetainCommandQueue),
		icd.ReleaseCommandQueue:     icd.ReleaseCommandQueueFunc(b.ReleaseCommandQueue),
		icd.GetCommandQueueInfo:     icd.GetCommandQueueInfoFunc(b.GetCommandQueueInfo),
		icd.CreateBuffer:            icd.CreateBufferFunc(b.CreateBuffer),
		icd.RetainMemObject:         icd.RetainMemObjectFunc(b.RetainMemObject),
		icd.ReleaseMemObject:        icd.ReleaseMemObjectFunc(b.ReleaseMemObject),
		icd.GetMemObjectInfo:        icd.GetMemObjectInfoFunc(b.GetMemObjectInfo),
		icd.CreateSampler:           icd.CreateSamplerFunc(b.CreateSampler),
		icd.RetainSampler:           icd.RetainSamplerFunc(b.RetainSampler),
		icd.ReleaseSampler:          icd.ReleaseSamplerFunc(b.ReleaseSampler),
		icd.GetSamplerInfo:          icd.GetSamplerInfoFunc(b.GetSamplerInfo),
		icd.CreateProgramWithSource: icd.CreateProgramWithSourceFunc(b.CreateProgramWithSource),
		icd.CreateProgramWithBinary: icd.CreateProgramWithBinaryFunc(b.CreateProgramWithBinary),
		icd.CreateProgramWithIL:     icd.CreateProgramWithILFunc(b.CreateProgramWithIL),
		icd.RetainProgram:           icd.RetainProgramFunc(b.RetainProgram),
		icd.ReleaseProgram:          icd.ReleaseProgramFunc(b.ReleaseProgram),
		icd.BuildProgram:            icd.BuildProgramFunc(b.BuildProgram),
		icd.GetProgramInfo:          icd.GetProgramInfoFunc(b.GetProgramInfo),
		icd.GetProgramBuildInfo:     icd.GetProgramBuildInfoFunc(b.GetProgramBuildInfo),
		icd.CreateKernel:            icd.CreateKernelFunc(b.CreateKernel),
		icd.RetainKernel:            icd.RetainKernelFunc(b.RetainKernel),
		icd.ReleaseKernel:           icd.ReleaseKernelFunc(b.ReleaseKernel),
		icd.SetKernelArg:            icd.SetKernelArgFunc(b.SetKernelArg),
		icd.GetKernelInfo:           icd.GetKernelInfoFunc(b.GetKernelInfo),
		icd.WaitForEvents:           icd.WaitForEventsFunc(b.WaitForEvents),
		icd.GetEventInfo:            icd.GetEventInfoFunc(b.GetEventInfo),
		icd.RetainEvent:             icd.RetainEventFunc(b.RetainEvent),
		icd.ReleaseEvent:            icd.ReleaseEventFunc(b.ReleaseEvent),
		icd.GetEventProfilingInfo:   icd.GetEventProfilingInfoFunc(b.GetEventProfilingInfo),
		icd.Flush:                   icd.FlushFunc(b.Flush),
		icd.Finish:                  icd.FinishFunc(b.Finish),
		icd.EnqueueReadBuffer:       icd.EnqueueReadBufferFunc(b.EnqueueReadBuffer),
		icd.EnqueueWriteBuffer:      icd.EnqueueWriteBufferFunc(b.EnqueueWriteBuffer),
		icd.EnqueueCopyBuffer:       icd.EnqueueCopyBufferFunc(b.EnqueueCopyBuffer),
		icd.EnqueueNDRangeKernel:    icd.EnqueueNDRangeKernelFunc(b.EnqueueNDRangeKernel),
	})
	loc.Set(icd.GetExtensionFunctionAddress, icd.GetExtensionFunctionAddressFunc(loc.ExtensionFunctionAddress))
	loc.Set(icd.GetExtensionFunctionAddressForPlatform, icd.GetExtensionFunctionAddressForPlatformFunc(loc.ExtensionFunctionAddressForPlatform))

	for _, ph := range b.platforms {
		p := b.objects[cl.Handle(ph)].(*platform)
		for _, ext := range p.spec.Extensions {
			switch ext {
			case ExtensionAccelerator:
				loc.SetExtension(ph, icd.ExtCreateAcceleratorINTEL, icd.CreateAcceleratorINTELFunc(b.CreateAcceleratorINTEL))
				loc.SetExtension(ph, icd.ExtRetainAcceleratorINTEL, icd.RetainAcceleratorINTELFunc(b.RetainAcceleratorINTEL))
				loc.SetExtension(ph, icd.ExtReleaseAcceleratorINTEL, icd.ReleaseAcceleratorINTELFunc(b.ReleaseAcceleratorINTEL))
			case ExtensionQueueWithProperty:
				loc.SetExtension(ph, icd.ExtCreateCommandQueueWithPropertiesKHR, icd.CreateCommandQueueWithPropertiesKHRFunc(b.CreateCommandQueueWithPropertiesKHR))
			}
		}
	}
	return loc
}

// insert registers o and returns its new handle. Callers must not hold mu.
func (b *Backend) insert(o object) cl.Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.insertLocked(o)
}

func (b *Backend) insertLocked(o object) cl.Handle {
	h := b.next
	b.next += 0x10
	b.objects[h] = o
	return h
}

// lookup returns the live object h as a T.
func lookup[T object](b *Backend, h cl.Handle) (T, bool) {
	var zero T
	if h == 0 {
		return zero, false
	}
	o, ok := b.objects[h]
	if !ok {
		return zero, false
	}
	t, ok := o.(T)
	return t, ok
}

func (b *Backend) retainLocked(h cl.Handle) {
	if o, ok := b.objects[h]; ok {
		o.counted().refs++
	}
}

// releaseLocked drops one reference and destroys the object at zero,
// releasing the implicit references it held on its parents.
func (b *Backend) releaseLocked(h cl.Handle) {
	o, ok := b.objects[h]
	if !ok {
		return
	}
	rc := o.counted()
	if rc.refs > 0 {
		rc.refs--
	}
	if rc.refs > 0 {
		return
	}
	delete(b.objects, h)
	switch v := o.(type) {
	case *queue:
		b.releaseLocked(cl.Handle(v.context))
	case *buffer:
		b.releaseLocked(cl.Handle(v.context))
	case *sampler:
		b.releaseLocked(cl.Handle(v.context))
	case *program:
		b.releaseLocked(cl.Handle(v.context))
	case *kernel:
		b.releaseLocked(cl.Handle(v.program))
	case *accelerator:
		b.releaseLocked(cl.Handle(v.context))
	}
}

func (b *Backend) refCountLocked(h cl.Handle) uint32 {
	if o, ok := b.objects[h]; ok {
		return o.counted().refs
	}
	return 0
}

// now is the simulated device clock in nanoseconds.
func (b *Backend) now() uint64 {
	return uint64(time.Since(b.epoch).Nanoseconds())
}

func setErr(errcodeRet *cl.Status, st cl.Status) {
	if errcodeRet != nil {
		*errcodeRet = st
	}
}
