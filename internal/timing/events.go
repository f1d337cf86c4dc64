package timing

import (
	"fmt"

	"github.com/fxnlabs/clintercept/internal/cl"
	"github.com/fxnlabs/clintercept/internal/dispatch"
	"github.com/fxnlabs/clintercept/internal/icd"
)

// realEvents answers EventSource queries with direct real calls. They bypass
// the instrumentation so timing never observes itself.
type realEvents struct {
	table *dispatch.Table
}

// NewEventSource returns an EventSource backed by the dispatch table.
func NewEventSource(table *dispatch.Table) EventSource {
	return &realEvents{table: table}
}

func statusErr(st cl.Status) error {
	if st == cl.Success {
		return nil
	}
	return st
}

func (e *realEvents) Retain(ev cl.Event) error {
	fn, err := dispatch.Resolve[icd.RetainEventFunc](e.table, icd.RetainEvent)
	if err != nil {
		return err
	}
	return statusErr(fn(ev))
}

func (e *realEvents) Release(ev cl.Event) error {
	fn, err := dispatch.Resolve[icd.ReleaseEventFunc](e.table, icd.ReleaseEvent)
	if err != nil {
		return err
	}
	return statusErr(fn(ev))
}

func (e *realEvents) Complete(ev cl.Event) (bool, error) {
	fn, err := dispatch.Resolve[icd.GetEventInfoFunc](e.table, icd.GetEventInfo)
	if err != nil {
		return false, err
	}
	v, st := cl.QueryUint32(func(b []byte, s *int) cl.Status { return fn(ev, cl.EventCommandExecutionStatus, b, s) })
	if st != cl.Success {
		return false, st
	}
	status := cl.ExecutionStatus(int32(v))
	if status < 0 {
		return false, fmt.Errorf("command failed with status %d", int32(status))
	}
	return status == cl.Complete, nil
}

func (e *realEvents) Wait(ev cl.Event) error {
	fn, err := dispatch.Resolve[icd.WaitForEventsFunc](e.table, icd.WaitForEvents)
	if err != nil {
		return err
	}
	return statusErr(fn([]cl.Event{ev}))
}

func (e *realEvents) Profile(ev cl.Event) (uint64, uint64, error) {
	fn, err := dispatch.Resolve[icd.GetEventProfilingInfoFunc](e.table, icd.GetEventProfilingInfo)
	if err != nil {
		return 0, 0, err
	}
	query := func(param cl.Info) (uint64, error) {
		v, st := cl.QueryUint64(func(b []byte, s *int) cl.Status { return fn(ev, param, b, s) })
		if st == cl.ProfilingInfoNotAvailable {
			return 0, fmt.Errorf("%w: %v", ErrNotProfiled, st)
		}
		return v, statusErr(st)
	}
	start, err := query(cl.ProfilingCommandStart)
	if err != nil {
		return 0, 0, err
	}
	end, err := query(cl.ProfilingCommandEnd)
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}
