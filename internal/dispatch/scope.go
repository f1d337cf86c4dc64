package dispatch

import (
	"fmt"
	"sync"

	"github.com/fxnlabs/clintercept/internal/cl"
	"github.com/fxnlabs/clintercept/internal/icd"
)

// scopeCache memoizes which platform a context or device belongs to.
// Contexts are forgotten on their final release since handles get reused.
type scopeCache struct {
	mu       sync.RWMutex
	contexts map[cl.Context]cl.Platform
	devices  map[cl.Device]cl.Platform
}

func (c *scopeCache) init() {
	c.contexts = make(map[cl.Context]cl.Platform)
	c.devices = make(map[cl.Device]cl.Platform)
}

func (c *scopeCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.contexts) + len(c.devices)
}

// PlatformOfDevice returns the platform owning device.
func (t *Table) PlatformOfDevice(device cl.Device) (cl.Platform, error) {
	t.scopes.mu.RLock()
	pf, ok := t.scopes.devices[device]
	t.scopes.mu.RUnlock()
	if ok {
		return pf, nil
	}
	info, err := Resolve[icd.GetDeviceInfoFunc](t, icd.GetDeviceInfo)
	if err != nil {
		return 0, err
	}
	h, err := firstHandle(func(v []byte, s *int) cl.Status { return info(device, cl.DevicePlatform, v, s) })
	if err != nil {
		return 0, fmt.Errorf("platform of device %#x: %w", uintptr(device), err)
	}
	pf = cl.Platform(h)
	t.scopes.mu.Lock()
	t.scopes.devices[device] = pf
	t.scopes.mu.Unlock()
	return pf, nil
}

// PlatformOfContext returns the platform owning context, through its first
// device.
func (t *Table) PlatformOfContext(context cl.Context) (cl.Platform, error) {
	t.scopes.mu.RLock()
	pf, ok := t.scopes.contexts[context]
	t.scopes.mu.RUnlock()
	if ok {
		return pf, nil
	}
	info, err := Resolve[icd.GetContextInfoFunc](t, icd.GetContextInfo)
	if err != nil {
		return 0, err
	}
	h, err := firstHandle(func(v []byte, s *int) cl.Status { return info(context, cl.ContextDevices, v, s) })
	if err != nil {
		return 0, fmt.Errorf("devices of context %#x: %w", uintptr(context), err)
	}
	pf, err = t.PlatformOfDevice(cl.Device(h))
	if err != nil {
		return 0, err
	}
	t.scopes.mu.Lock()
	t.scopes.contexts[context] = pf
	t.scopes.mu.Unlock()
	return pf, nil
}

// KnowsContext reports whether the platform of context is memoized.
func (t *Table) KnowsContext(context cl.Context) bool {
	t.scopes.mu.RLock()
	defer t.scopes.mu.RUnlock()
	_, ok := t.scopes.contexts[context]
	return ok
}

// ForgetContext drops the memoized platform of context.
func (t *Table) ForgetContext(context cl.Context) {
	t.scopes.mu.Lock()
	delete(t.scopes.contexts, context)
	t.scopes.mu.Unlock()
}

// PlatformOfQueue returns the platform owning queue.
func (t *Table) PlatformOfQueue(queue cl.CommandQueue) (cl.Platform, error) {
	info, err := Resolve[icd.GetCommandQueueInfoFunc](t, icd.GetCommandQueueInfo)
	if err != nil {
		return 0, err
	}
	return t.platformVia(icd.GetCommandQueueInfo, func(v []byte, s *int) cl.Status {
		return info(queue, cl.QueueContext, v, s)
	})
}

// PlatformOfProgram returns the platform owning program.
func (t *Table) PlatformOfProgram(program cl.Program) (cl.Platform, error) {
	info, err := Resolve[icd.GetProgramInfoFunc](t, icd.GetProgramInfo)
	if err != nil {
		return 0, err
	}
	return t.platformVia(icd.GetProgramInfo, func(v []byte, s *int) cl.Status {
		return info(program, cl.ProgramContext, v, s)
	})
}

// PlatformOfKernel returns the platform owning kernel.
func (t *Table) PlatformOfKernel(kernel cl.Kernel) (cl.Platform, error) {
	info, err := Resolve[icd.GetKernelInfoFunc](t, icd.GetKernelInfo)
	if err != nil {
		return 0, err
	}
	return t.platformVia(icd.GetKernelInfo, func(v []byte, s *int) cl.Status {
		return info(kernel, cl.KernelContext, v, s)
	})
}

// PlatformOfMem returns the platform owning mem.
func (t *Table) PlatformOfMem(mem cl.Mem) (cl.Platform, error) {
	info, err := Resolve[icd.GetMemObjectInfoFunc](t, icd.GetMemObjectInfo)
	if err != nil {
		return 0, err
	}
	return t.platformVia(icd.GetMemObjectInfo, func(v []byte, s *int) cl.Status {
		return info(mem, cl.MemContext, v, s)
	})
}

// platformVia asks an object for its context and walks up from there.
func (t *Table) platformVia(id icd.EntryPoint, contextQuery cl.InfoQuery) (cl.Platform, error) {
	h, err := firstHandle(contextQuery)
	if err != nil {
		return 0, fmt.Errorf("context via %s: %w", id, err)
	}
	return t.PlatformOfContext(cl.Context(h))
}

func firstHandle(q cl.InfoQuery) (cl.Handle, error) {
	hs, st := cl.QueryHandles(q)
	if st != cl.Success {
		return 0, st
	}
	if len(hs) == 0 || hs[0] == 0 {
		return 0, cl.InvalidValue
	}
	return hs[0], nil
}
