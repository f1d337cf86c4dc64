package pipeline

import (
	"errors"
	"strings"

	"github.com/fxnlabs/clintercept/internal/cl"
	"github.com/fxnlabs/clintercept/internal/dispatch"
	"github.com/fxnlabs/clintercept/internal/progcache"
)

// Class categorizes a failure inside the layer. Only ClassBackendError ever
// reaches the application, and then only as the real call's own status.
type Class string

const (
	ClassBackendUnavailable     Class = "backend_unavailable"
	ClassExtensionUnavailable   Class = "extension_unavailable"
	ClassTrackingViolation      Class = "tracking_violation"
	ClassCacheMiss              Class = "cache_miss"
	ClassCacheCorrupt           Class = "cache_corrupt"
	ClassBackendError           Class = "backend_error"
	ClassInstrumentationFailure Class = "instrumentation_failure"
)

// Classes lists every class in report order.
var Classes = []Class{
	ClassBackendUnavailable,
	ClassExtensionUnavailable,
	ClassTrackingViolation,
	ClassCacheMiss,
	ClassCacheCorrupt,
	ClassBackendError,
	ClassInstrumentationFailure,
}

// Failure is the structured error recorded by the pipeline.
type Failure struct {
	Class  Class
	Call   string
	Status cl.Status
	Detail string
	Cause  error
}

// Error implements the error interface.
func (f *Failure) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(f.Class))
	b.WriteByte(']')
	if f.Call != "" {
		b.WriteByte(' ')
		b.WriteString(f.Call)
	}
	if f.Status != cl.Success {
		b.WriteString(" returned ")
		b.WriteString(f.Status.String())
	}
	if f.Detail != "" {
		b.WriteString(": ")
		b.WriteString(f.Detail)
	}
	if f.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(f.Cause.Error())
		b.WriteByte(')')
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (f *Failure) Unwrap() error {
	return f.Cause
}

// Is reports whether target is a Failure of the same class.
func (f *Failure) Is(target error) bool {
	if t, ok := target.(*Failure); ok {
		return f.Class == t.Class
	}
	return false
}

// Classify maps an error from any layer component onto a Class.
func Classify(err error) Class {
	var f *Failure
	if errors.As(err, &f) {
		return f.Class
	}
	switch {
	case errors.Is(err, dispatch.ErrBackendUnavailable):
		return ClassBackendUnavailable
	case errors.Is(err, dispatch.ErrExtensionUnavailable):
		return ClassExtensionUnavailable
	case errors.Is(err, progcache.ErrCacheMiss):
		return ClassCacheMiss
	case errors.Is(err, progcache.ErrCacheCorrupt):
		return ClassCacheCorrupt
	}
	var st cl.Status
	if errors.As(err, &st) {
		return ClassBackendError
	}
	return ClassInstrumentationFailure
}
