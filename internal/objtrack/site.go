package objtrack

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// maxFrames bounds the captured creation stack.
const maxFrames = 16

// layerPrefix marks frames that belong to the interception layer itself and
// are skipped when naming a creation site.
const layerPrefix = "github.com/fxnlabs/clintercept/internal/"

// Site identifies a deduplicated creation stack. The zero Site is unknown.
type Site uint64

type stack struct {
	pcs []uintptr
}

// depot stores each distinct stack once, keyed by its hash.
var depot sync.Map // Site -> *stack

// CaptureSite records the caller's stack and returns its identity. skip is
// the number of additional frames to drop above CaptureSite's caller.
func CaptureSite(skip int) Site {
	var pcs [maxFrames]uintptr
	n := runtime.Callers(2+skip, pcs[:])
	if n == 0 {
		return 0
	}
	site := Site(hashPCs(pcs[:n]))
	if site == 0 {
		site = 1
	}
	if _, ok := depot.Load(site); !ok {
		depot.Store(site, &stack{pcs: append([]uintptr(nil), pcs[:n]...)})
	}
	return site
}

func hashPCs(pcs []uintptr) uint64 {
	d := xxhash.New()
	var buf [8]byte
	for _, pc := range pcs {
		binary.LittleEndian.PutUint64(buf[:], uint64(pc))
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}

// Frames returns the symbolized stack of s.
func (s Site) Frames() []runtime.Frame {
	v, ok := depot.Load(s)
	if !ok {
		return nil
	}
	var out []runtime.Frame
	frames := runtime.CallersFrames(v.(*stack).pcs)
	for {
		f, more := frames.Next()
		if f.PC != 0 {
			out = append(out, f)
		}
		if !more {
			break
		}
	}
	return out
}

// Caller is the first frame outside the interception layer. Test files count
// as application code.
func (s Site) Caller() (runtime.Frame, bool) {
	for _, f := range s.Frames() {
		if strings.HasPrefix(f.Function, "runtime.") {
			continue
		}
		if strings.HasPrefix(f.Function, layerPrefix) && !strings.HasSuffix(f.File, "_test.go") {
			continue
		}
		return f, true
	}
	return runtime.Frame{}, false
}

func (s Site) String() string {
	f, ok := s.Caller()
	if !ok {
		return "<unknown>"
	}
	return fmt.Sprintf("%s (%s:%d)", f.Function, f.File, f.Line)
}
