// Package icd describes the real implementation the layer forwards to: the
// fixed core table, the extension-address queries and the Go signatures of
// every function in them.
package icd

import (
	"sync"

	"github.com/fxnlabs/clintercept/internal/cl"
)

// Locator is the sole source of ground-truth execution.
//
// Implementation notes:
//   - Lookup must return values whose dynamic type is the matching *Func type
//     (GetDeviceInfo -> GetDeviceInfoFunc); anything else is treated as missing
//   - Extension queries may be slow; callers cache their results
//   - All methods must be safe for concurrent use
type Locator interface {
	// Lookup returns the core function for id, or nil when the backend does
	// not provide it.
	Lookup(id EntryPoint) Func

	// ExtensionFunctionAddress is the global extension query.
	ExtensionFunctionAddress(name string) Func

	// ExtensionFunctionAddressForPlatform is the per-platform extension query.
	ExtensionFunctionAddressForPlatform(platform cl.Platform, name string) Func
}

// TableLocator is a Locator assembled from explicit function values.
type TableLocator struct {
	mu     sync.RWMutex
	core   map[EntryPoint]Func
	global map[string]Func
	perPF  map[cl.Platform]map[string]Func
}

// NewTableLocator creates a locator over the given core functions.
func NewTableLocator(core map[EntryPoint]Func) *TableLocator {
	t := &TableLocator{
		core:   make(map[EntryPoint]Func, len(core)),
		global: make(map[string]Func),
		perPF:  make(map[cl.Platform]map[string]Func),
	}
	for id, fn := range core {
		t.core[id] = fn
	}
	return t
}

// Set replaces a core function; a nil fn removes it.
func (t *TableLocator) Set(id EntryPoint, fn Func) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fn == nil {
		delete(t.core, id)
		return
	}
	t.core[id] = fn
}

// SetExtension registers an extension function. A zero platform registers it
// for the global query.
func (t *TableLocator) SetExtension(platform cl.Platform, name string, fn Func) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if platform == 0 {
		t.global[name] = fn
		return
	}
	m, ok := t.perPF[platform]
	if !ok {
		m = make(map[string]Func)
		t.perPF[platform] = m
	}
	m[name] = fn
}

// Lookup implements Locator.
func (t *TableLocator) Lookup(id EntryPoint) Func {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.core[id]
}

// ExtensionFunctionAddress implements Locator.
func (t *TableLocator) ExtensionFunctionAddress(name string) Func {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if fn, ok := t.global[name]; ok {
		return fn
	}
	// The global query finds the function on any platform, like an ICD loader.
	for _, m := range t.perPF {
		if fn, ok := m[name]; ok {
			return fn
		}
	}
	return nil
}

// ExtensionFunctionAddressForPlatform implements Locator.
func (t *TableLocator) ExtensionFunctionAddressForPlatform(platform cl.Platform, name string) Func {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if m, ok := t.perPF[platform]; ok {
		return m[name]
	}
	return nil
}
