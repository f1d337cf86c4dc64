package pipeline

import (
	"fmt"
)

// Phase is the position of one call in its instrumentation sequence.
type Phase uint8

const (
	PhaseNotStarted Phase = iota
	PhaseEntered
	PhaseDispatched
	PhaseExited
)

func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "not_started"
	case PhaseEntered:
		return "entered"
	case PhaseDispatched:
		return "dispatched"
	case PhaseExited:
		return "exited"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// Call tracks one in-flight intercepted call. A call only moves forward one
// phase at a time; it is owned by the goroutine making the call.
type Call struct {
	Name string
	Seq  uint64

	phase Phase
	p     *Pipeline
}

// Phase returns the current phase.
func (c *Call) Phase() Phase { return c.phase }

// advance moves the call to the next phase. Any other transition is reported
// as an instrumentation failure and leaves the phase unchanged.
func (c *Call) advance(to Phase) bool {
	if to != c.phase+1 {
		c.p.Report(&Failure{
			Class:  ClassInstrumentationFailure,
			Call:   c.Name,
			Detail: fmt.Sprintf("illegal phase transition %s -> %s", c.phase, to),
		})
		return false
	}
	c.phase = to
	return true
}
