// Package dispatch is the dispatch resolution table: it maps every core
// entry point and every (platform, extension) pair to the real function that
// implements it.
package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fxnlabs/clintercept/internal/cl"
	"github.com/fxnlabs/clintercept/internal/icd"
)

var (
	// ErrBackendUnavailable means the real implementation lacks a core entry.
	ErrBackendUnavailable = errors.New("backend entry point unavailable")
	// ErrExtensionUnavailable means an extension function could not be resolved.
	ErrExtensionUnavailable = errors.New("extension function unavailable")
)

// State is the resolution state of an entry.
type State uint8

const (
	Unresolved State = iota
	Resolved
	Absent
)

func (s State) String() string {
	switch s {
	case Resolved:
		return "resolved"
	case Absent:
		return "absent"
	}
	return "unresolved"
}

// Entry is one slot of the table. Fn is only meaningful when Resolved.
type Entry struct {
	State State
	Fn    icd.Func
}

type extKey struct {
	platform cl.Platform
	name     string
}

func (k extKey) String() string {
	return fmt.Sprintf("%x/%s", uintptr(k.platform), k.name)
}

// Table is safe for concurrent use. Core entries are immutable after New;
// extension entries move from Unresolved to Resolved or Absent exactly once.
type Table struct {
	locator icd.Locator
	logger  *zap.Logger

	core [icd.NumEntryPoints]Entry

	mu    sync.RWMutex
	ext   map[extKey]Entry
	group singleflight.Group

	queries atomic.Uint64

	scopes scopeCache
}

// New resolves the whole core table from locator.
func New(locator icd.Locator, logger *zap.Logger) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Table{
		locator: locator,
		logger:  logger.Named("dispatch"),
		ext:     make(map[extKey]Entry),
	}
	t.scopes.init()
	var missing []string
	for _, id := range icd.EntryPoints() {
		var fn icd.Func
		if locator != nil {
			fn = locator.Lookup(id)
		}
		if fn == nil {
			t.core[id] = Entry{State: Absent}
			missing = append(missing, id.String())
			continue
		}
		t.core[id] = Entry{State: Resolved, Fn: fn}
	}
	if len(missing) > 0 {
		t.logger.Warn("real implementation is missing core entry points", zap.Strings("entries", missing))
	}
	return t
}

// Entry returns the core slot for id.
func (t *Table) Entry(id icd.EntryPoint) Entry {
	if id < 0 || id >= icd.NumEntryPoints {
		return Entry{State: Absent}
	}
	return t.core[id]
}

// Core returns the real function for id.
func (t *Table) Core(id icd.EntryPoint) (icd.Func, error) {
	e := t.Entry(id)
	if e.State != Resolved {
		return nil, fmt.Errorf("%s: %w", id, ErrBackendUnavailable)
	}
	return e.Fn, nil
}

// Extension returns the real extension function name for platform. A zero
// platform uses the global query. Each pair is queried at most once, even
// under concurrent first use; absence is cached too.
func (t *Table) Extension(platform cl.Platform, name string) (icd.Func, error) {
	key := extKey{platform: platform, name: name}
	if e, ok := t.cachedExtension(key); ok {
		return extensionResult(key, e)
	}
	v, _, _ := t.group.Do(key.String(), func() (any, error) {
		// A caller that lost the race may arrive after the winner stored.
		if e, ok := t.cachedExtension(key); ok {
			return e, nil
		}
		e := t.resolveExtension(key)
		t.mu.Lock()
		t.ext[key] = e
		t.mu.Unlock()
		return e, nil
	})
	return extensionResult(key, v.(Entry))
}

func (t *Table) cachedExtension(key extKey) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.ext[key]
	return e, ok
}

func (t *Table) resolveExtension(key extKey) Entry {
	if t.locator == nil {
		return Entry{State: Absent}
	}
	t.queries.Add(1)
	var fn icd.Func
	if key.platform == 0 {
		fn = t.locator.ExtensionFunctionAddress(key.name)
	} else {
		fn = t.locator.ExtensionFunctionAddressForPlatform(key.platform, key.name)
	}
	if fn == nil {
		t.logger.Debug("extension not provided", zap.String("name", key.name), zap.Uintptr("platform", uintptr(key.platform)))
		return Entry{State: Absent}
	}
	t.logger.Debug("extension resolved", zap.String("name", key.name), zap.Uintptr("platform", uintptr(key.platform)))
	return Entry{State: Resolved, Fn: fn}
}

func extensionResult(key extKey, e Entry) (icd.Func, error) {
	if e.State != Resolved {
		return nil, fmt.Errorf("%s: %w", key, ErrExtensionUnavailable)
	}
	return e.Fn, nil
}

// Resolve returns the core function for id as its concrete type. A value of
// the wrong type counts as unavailable.
func Resolve[F any](t *Table, id icd.EntryPoint) (F, error) {
	var zero F
	fn, err := t.Core(id)
	if err != nil {
		return zero, err
	}
	f, ok := fn.(F)
	if !ok {
		return zero, fmt.Errorf("%s has type %T: %w", id, fn, ErrBackendUnavailable)
	}
	return f, nil
}

// ResolveExtension is Resolve for extension functions.
func ResolveExtension[F any](t *Table, platform cl.Platform, name string) (F, error) {
	var zero F
	fn, err := t.Extension(platform, name)
	if err != nil {
		return zero, err
	}
	f, ok := fn.(F)
	if !ok {
		return zero, fmt.Errorf("%s has type %T: %w", name, fn, ErrExtensionUnavailable)
	}
	return f, nil
}

// Stats summarizes the table.
type Stats struct {
	CoreResolved      int
	CoreAbsent        int
	ExtensionResolved int
	ExtensionAbsent   int
	ExtensionQueries  uint64
	Scopes            int
}

// Stats returns a snapshot of the table's state.
func (t *Table) Stats() Stats {
	var s Stats
	for _, e := range t.core {
		if e.State == Resolved {
			s.CoreResolved++
		} else {
			s.CoreAbsent++
		}
	}
	t.mu.RLock()
	for _, e := range t.ext {
		if e.State == Resolved {
			s.ExtensionResolved++
		} else {
			s.ExtensionAbsent++
		}
	}
	t.mu.RUnlock()
	s.ExtensionQueries = t.queries.Load()
	s.Scopes = t.scopes.len()
	return s
}
