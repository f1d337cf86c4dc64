// Package override holds the software implementations that can stand in for
// real calls: data-transfer emulation and host emulation of known kernels.
// An override either handles a call completely or leaves it to the real
// implementation.
package override

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fxnlabs/clintercept/internal/cl"
	"github.com/fxnlabs/clintercept/internal/dispatch"
	"github.com/fxnlabs/clintercept/internal/icd"
	"github.com/fxnlabs/clintercept/internal/override/emulators"
)

// Emulator runs one kernel on the host.
type Emulator interface {
	Execute(l *emulators.Launch, log *zap.Logger) error
}

// Built-in kernel names.
const (
	KernelMatMulF32    = "matmul_f32"
	KernelVectorAddF32 = "vector_add_f32"
)

// NewEmulator returns the emulator registered for a kernel name.
func NewEmulator(kernelName string) (Emulator, error) {
	switch kernelName {
	case KernelMatMulF32:
		return &emulators.MatrixMultiplicationEmulator{}, nil
	case KernelVectorAddF32:
		return &emulators.VectorAddEmulator{}, nil
	default:
		return nil, fmt.Errorf("no emulator for kernel %q", kernelName)
	}
}

// Options selects the enabled overrides.
type Options struct {
	CopyBuffer bool
	Kernels    bool
	// KernelNames restricts kernel emulation; empty means every built-in.
	KernelNames []string
}

type kernelState struct {
	name string
	args map[uint32][]byte
}

// Stats counts override activity.
type Stats struct {
	CopiesEmulated  uint64
	KernelsEmulated uint64
	Fallbacks       uint64
}

// Overrides is safe for concurrent use.
type Overrides struct {
	opts    Options
	allowed map[string]bool
	table   *dispatch.Table
	logger  *zap.Logger

	mu      sync.Mutex
	kernels map[cl.Kernel]*kernelState

	copies, launches, fallbacks atomic.Uint64
}

// New creates the override set. Real transfers go through table.
func New(opts Options, table *dispatch.Table, logger *zap.Logger) *Overrides {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Overrides{
		opts:    opts,
		table:   table,
		logger:  logger.Named("override"),
		kernels: make(map[cl.Kernel]*kernelState),
	}
	if len(opts.KernelNames) > 0 {
		o.allowed = make(map[string]bool, len(opts.KernelNames))
		for _, n := range opts.KernelNames {
			o.allowed[n] = true
		}
	}
	return o
}

// CopyBufferEnabled reports whether buffer copies are emulated.
func (o *Overrides) CopyBufferEnabled() bool { return o.opts.CopyBuffer }

// KernelsEnabled reports whether kernel emulation is on.
func (o *Overrides) KernelsEnabled() bool { return o.opts.Kernels }

// TrackKernel remembers the function name of a created kernel.
func (o *Overrides) TrackKernel(k cl.Kernel, name string) {
	if !o.opts.Kernels {
		return
	}
	o.mu.Lock()
	o.kernels[k] = &kernelState{name: name, args: make(map[uint32][]byte)}
	o.mu.Unlock()
}

// SetArg records a kernel argument set by the application.
func (o *Overrides) SetArg(k cl.Kernel, index uint32, value []byte) {
	if !o.opts.Kernels {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.kernels[k]; ok {
		s.args[index] = append([]byte(nil), value...)
	}
}

// ForgetKernel drops a kernel on its final release.
func (o *Overrides) ForgetKernel(k cl.Kernel) {
	o.mu.Lock()
	delete(o.kernels, k)
	o.mu.Unlock()
}

// Stats returns the override counters.
func (o *Overrides) Stats() Stats {
	return Stats{
		CopiesEmulated:  o.copies.Load(),
		KernelsEmulated: o.launches.Load(),
		Fallbacks:       o.fallbacks.Load(),
	}
}

// CopyBuffer emulates a buffer copy with a blocking read into host memory
// followed by a blocking write. The write produces the command's event.
func (o *Overrides) CopyBuffer(queue cl.CommandQueue, src, dst cl.Mem, srcOffset, dstOffset, size int, waitList []cl.Event, event *cl.Event) (cl.Status, bool) {
	if !o.opts.CopyBuffer {
		return 0, false
	}
	if src == dst && srcOffset < dstOffset+size && dstOffset < srcOffset+size {
		o.fallbacks.Add(1)
		return 0, false
	}
	read, err := dispatch.Resolve[icd.EnqueueReadBufferFunc](o.table, icd.EnqueueReadBuffer)
	if err != nil {
		o.fallbacks.Add(1)
		return 0, false
	}
	write, err := dispatch.Resolve[icd.EnqueueWriteBufferFunc](o.table, icd.EnqueueWriteBuffer)
	if err != nil {
		o.fallbacks.Add(1)
		return 0, false
	}
	staging := make([]byte, size)
	if st := read(queue, src, true, srcOffset, staging, waitList, nil); st != cl.Success {
		return st, true
	}
	st := write(queue, dst, true, dstOffset, staging, nil, event)
	if st == cl.Success {
		o.copies.Add(1)
	}
	return st, true
}

// NDRangeKernel runs a launch on the host when the kernel has an emulator.
// Launches with a global offset are left to the real implementation.
func (o *Overrides) NDRangeKernel(queue cl.CommandQueue, kernel cl.Kernel, workDim uint32, globalOffset, globalSize, localSize []int, waitList []cl.Event, event *cl.Event) (cl.Status, bool) {
	if !o.opts.Kernels {
		return 0, false
	}
	o.mu.Lock()
	state, ok := o.kernels[kernel]
	var name string
	var args map[uint32][]byte
	if ok {
		name = state.name
		args = make(map[uint32][]byte, len(state.args))
		for i, v := range state.args {
			args[i] = v
		}
	}
	o.mu.Unlock()
	if !ok || (o.allowed != nil && !o.allowed[name]) {
		return 0, false
	}
	for _, off := range globalOffset {
		if off != 0 {
			return 0, false
		}
	}
	emu, err := NewEmulator(name)
	if err != nil {
		return 0, false
	}

	read, err := dispatch.Resolve[icd.EnqueueReadBufferFunc](o.table, icd.EnqueueReadBuffer)
	if err != nil {
		o.fallbacks.Add(1)
		return 0, false
	}
	write, err := dispatch.Resolve[icd.EnqueueWriteBufferFunc](o.table, icd.EnqueueWriteBuffer)
	if err != nil {
		o.fallbacks.Add(1)
		return 0, false
	}
	memSize, err := dispatch.Resolve[icd.GetMemObjectInfoFunc](o.table, icd.GetMemObjectInfo)
	if err != nil {
		o.fallbacks.Add(1)
		return 0, false
	}

	// Outputs are staged and written back only once the emulator succeeds,
	// so a failed emulation leaves device memory untouched for the real call.
	pendingWait := waitList
	outputs := map[uint32][]byte{}
	var order []uint32
	launch := &emulators.Launch{
		GlobalSize: append([]int(nil), globalSize...),
		Args:       args,
		ReadBuffer: func(index uint32) ([]byte, error) {
			mem, err := memArg(args, index)
			if err != nil {
				return nil, err
			}
			size, st := cl.QueryUint64(func(v []byte, s *int) cl.Status { return memSize(mem, cl.MemSize, v, s) })
			if st != cl.Success {
				return nil, fmt.Errorf("size of argument %d: %w", index, st)
			}
			buf := make([]byte, size)
			if st := read(queue, mem, true, 0, buf, pendingWait, nil); st != cl.Success {
				return nil, fmt.Errorf("reading argument %d: %w", index, st)
			}
			pendingWait = nil
			return buf, nil
		},
		WriteBuffer: func(index uint32, data []byte) error {
			if _, err := memArg(args, index); err != nil {
				return err
			}
			if _, seen := outputs[index]; !seen {
				order = append(order, index)
			}
			outputs[index] = data
			return nil
		},
	}
	if err := emu.Execute(launch, o.logger); err != nil {
		o.fallbacks.Add(1)
		o.logger.Warn("kernel emulation failed, using the real kernel", zap.String("kernel", name), zap.Error(err))
		return 0, false
	}
	if len(order) == 0 {
		o.fallbacks.Add(1)
		return 0, false
	}
	for i, index := range order {
		mem, _ := memArg(args, index)
		var ev *cl.Event
		if i == len(order)-1 {
			ev = event
		}
		if st := write(queue, mem, true, 0, outputs[index], pendingWait, ev); st != cl.Success {
			return st, true
		}
		pendingWait = nil
	}
	o.launches.Add(1)
	return cl.Success, true
}

func memArg(args map[uint32][]byte, index uint32) (cl.Mem, error) {
	v, ok := args[index]
	if !ok || len(v) != 8 {
		return 0, fmt.Errorf("argument %d is not a buffer", index)
	}
	mem := cl.Mem(cl.Uint64(v))
	if mem == 0 {
		return 0, fmt.Errorf("argument %d is a null buffer", index)
	}
	return mem, nil
}
