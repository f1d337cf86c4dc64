// Package objtrack keeps shadow reference counts for objects created through
// the layer so leaks and misuse can be reported.
//
// The backend can retain and release objects internally without going
// through the layer, so a shadow count is only an approximation of the real
// one. Divergence is logged, never treated as fatal, and counts are clamped at
// zero.
package objtrack

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fxnlabs/clintercept/internal/cl"
)

// ViolationKind classifies a tracking violation.
type ViolationKind string

const (
	DoubleAllocate ViolationKind = "double_allocate"
	RetainUnknown  ViolationKind = "retain_unknown"
	ReleaseUnknown ViolationKind = "release_unknown"
)

// Record is the shadow state of one live object.
type Record struct {
	Handle  cl.Handle
	Kind    cl.ObjectKind
	Site    Site
	Count   uint32
	Size    uint64
	Created time.Time
}

// Tracker is safe for concurrent use. One mutex orders every operation, so
// per-handle updates are applied in the order the application issued them.
type Tracker struct {
	mu         sync.Mutex
	records    map[cl.Handle]*Record
	violations atomic.Uint64
	byKind     map[ViolationKind]uint64
	logger     *zap.Logger
}

// New creates an empty tracker.
func New(logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		records: make(map[cl.Handle]*Record),
		byKind:  make(map[ViolationKind]uint64),
		logger:  logger.Named("objtrack"),
	}
}

// OnAllocate records a successful creation with count one. An existing live
// record for the same handle is a violation; the new object replaces it.
func (t *Tracker) OnAllocate(h cl.Handle, kind cl.ObjectKind, site Site, size uint64) {
	if h == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.records[h]; ok {
		t.violationLocked(DoubleAllocate, h, old.Kind,
			zap.Uint32("shadow_count", old.Count), zap.Stringer("previous_site", old.Site))
	}
	t.records[h] = &Record{
		Handle:  h,
		Kind:    kind,
		Site:    site,
		Count:   1,
		Size:    size,
		Created: time.Now(),
	}
}

// OnRetain increments the shadow count of h.
func (t *Tracker) OnRetain(h cl.Handle, kind cl.ObjectKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[h]
	if !ok {
		t.violationLocked(RetainUnknown, h, kind)
		return
	}
	r.Count++
}

// OnRelease decrements the shadow count of h and drops the record at zero.
func (t *Tracker) OnRelease(h cl.Handle, kind cl.ObjectKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[h]
	if !ok {
		t.violationLocked(ReleaseUnknown, h, kind)
		return
	}
	if r.Count > 0 {
		r.Count--
	}
	if r.Count == 0 {
		delete(t.records, h)
	}
}

// Reconcile compares the shadow count of h against the backend's count
// observed just before a release. A backend count above the shadow count is
// expected (implicit retains); one below it means a release bypassed the
// layer. Only the latter is logged.
func (t *Tracker) Reconcile(h cl.Handle, real uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[h]
	if !ok || real >= r.Count {
		return
	}
	t.logger.Info("shadow reference count diverged",
		zap.Stringer("kind", r.Kind),
		zap.String("handle", fmt.Sprintf("%#x", uintptr(h))),
		zap.Uint32("shadow_count", r.Count),
		zap.Uint32("real_count", real))
	r.Count = real
}

func (t *Tracker) violationLocked(kind ViolationKind, h cl.Handle, objKind cl.ObjectKind, fields ...zap.Field) {
	t.violations.Add(1)
	t.byKind[kind]++
	t.logger.Warn("tracking violation", append([]zap.Field{
		zap.String("violation", string(kind)),
		zap.Stringer("kind", objKind),
		zap.String("handle", fmt.Sprintf("%#x", uintptr(h))),
	}, fields...)...)
}

// Lookup returns a copy of the live record for h.
func (t *Tracker) Lookup(h cl.Handle) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[h]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Len returns the number of live records.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Violations returns the total number of tracking violations.
func (t *Tracker) Violations() uint64 {
	return t.violations.Load()
}

// ViolationsByKind returns a copy of the per-kind violation counts.
func (t *Tracker) ViolationsByKind() map[ViolationKind]uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[ViolationKind]uint64, len(t.byKind))
	for k, v := range t.byKind {
		out[k] = v
	}
	return out
}

// Report returns every outstanding record ordered by kind, then handle.
func (t *Tracker) Report() []Record {
	t.mu.Lock()
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, *r)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Handle < out[j].Handle
	})
	return out
}

// WriteReport writes the leak report: one section per object kind with its
// outstanding handles and creation sites.
func (t *Tracker) WriteReport(w io.Writer) error {
	records := t.Report()
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No leaks detected.")
		return err
	}
	if _, err := fmt.Fprintf(w, "Possible leaks: %d object(s)\n", len(records)); err != nil {
		return err
	}
	for i := 0; i < len(records); {
		kind := records[i].Kind
		j := i
		for j < len(records) && records[j].Kind == kind {
			j++
		}
		if _, err := fmt.Fprintf(w, "\n%s: %d\n", kind, j-i); err != nil {
			return err
		}
		for _, r := range records[i:j] {
			line := fmt.Sprintf("  %#x refs=%d", uintptr(r.Handle), r.Count)
			if r.Size > 0 {
				line += fmt.Sprintf(" size=%d", r.Size)
			}
			if _, err := fmt.Fprintf(w, "%s created at %s\n", line, r.Site); err != nil {
				return err
			}
		}
		i = j
	}
	return nil
}
