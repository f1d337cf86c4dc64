package intercept

import (
	"github.com/fxnlabs/clintercept/internal/cl"
	"github.com/fxnlabs/clintercept/internal/dispatch"
	"github.com/fxnlabs/clintercept/internal/icd"
)

// CreateCommandQueue enables profiling on the queue when device timing is
// on; device durations are read from the events it produces.
func (e *Engine) CreateCommandQueue(context cl.Context, device cl.Device, properties cl.QueueProperties, errcodeRet *cl.Status) cl.CommandQueue {
	fn, err := dispatch.Resolve[icd.CreateCommandQueueFunc](e.table, icd.CreateCommandQueue)
	if err != nil {
		setErr(errcodeRet, e.pipe.Missing(icd.CreateCommandQueue.String(), err))
		return 0
	}
	if e.timing.DeviceEnabled() {
		properties |= cl.QueueProfilingEnable
	}
	return create(e, creation[cl.CommandQueue]{
		name: icd.CreateCommandQueue.String(),
		kind: cl.KindCommandQueue,
		args: func() string {
			return args("context", hx(context), "device", hx(device), "properties", param(cl.Info(properties)))
		},
		real: func(st *cl.Status) cl.CommandQueue { return fn(context, device, properties, st) },
	}, errcodeRet)
}

func (e *Engine) RetainCommandQueue(queue cl.CommandQueue) cl.Status {
	fn, err := dispatch.Resolve[icd.RetainCommandQueueFunc](e.table, icd.RetainCommandQueue)
	if err != nil {
		return e.pipe.Missing(icd.RetainCommandQueue.String(), err)
	}
	return retain(e, icd.RetainCommandQueue, cl.KindCommandQueue, queue, fn)
}

func (e *Engine) ReleaseCommandQueue(queue cl.CommandQueue) cl.Status {
	fn, err := dispatch.Resolve[icd.ReleaseCommandQueueFunc](e.table, icd.ReleaseCommandQueue)
	if err != nil {
		return e.pipe.Missing(icd.ReleaseCommandQueue.String(), err)
	}
	return release(e, icd.ReleaseCommandQueue, queue, lifetime[cl.CommandQueue]{
		kind:     cl.KindCommandQueue,
		refCount: refCounter[cl.CommandQueue, icd.GetCommandQueueInfoFunc](e, icd.GetCommandQueueInfo, cl.QueueReferenceCount),
	}, fn)
}

func (e *Engine) GetCommandQueueInfo(queue cl.CommandQueue, p cl.Info, value []byte, sizeRet *int) cl.Status {
	fn, err := dispatch.Resolve[icd.GetCommandQueueInfoFunc](e.table, icd.GetCommandQueueInfo)
	if err != nil {
		return e.pipe.Missing(icd.GetCommandQueueInfo.String(), err)
	}
	return e.run(icd.GetCommandQueueInfo,
		func() string { return args("queue", hx(queue), "param_name", param(p)) },
		func() cl.Status { return fn(queue, p, value, sizeRet) }, nil)
}

func (e *Engine) CreateBuffer(context cl.Context, flags cl.MemFlags, size int, hostPtr []byte, errcodeRet *cl.Status) cl.Mem {
	fn, err := dispatch.Resolve[icd.CreateBufferFunc](e.table, icd.CreateBuffer)
	if err != nil {
		setErr(errcodeRet, e.pipe.Missing(icd.CreateBuffer.String(), err))
		return 0
	}
	return create(e, creation[cl.Mem]{
		name: icd.CreateBuffer.String(),
		kind: cl.KindMem,
		size: uint64(max(size, 0)),
		args: func() string {
			return args("context", hx(context), "flags", param(cl.Info(flags)), "size", size, "host_ptr", len(hostPtr) > 0)
		},
		real: func(st *cl.Status) cl.Mem { return fn(context, flags, size, hostPtr, st) },
	}, errcodeRet)
}

func (e *Engine) RetainMemObject(mem cl.Mem) cl.Status {
	fn, err := dispatch.Resolve[icd.RetainMemObjectFunc](e.table, icd.RetainMemObject)
	if err != nil {
		return e.pipe.Missing(icd.RetainMemObject.String(), err)
	}
	return retain(e, icd.RetainMemObject, cl.KindMem, mem, fn)
}

func (e *Engine) ReleaseMemObject(mem cl.Mem) cl.Status {
	fn, err := dispatch.Resolve[icd.ReleaseMemObjectFunc](e.table, icd.ReleaseMemObject)
	if err != nil {
		return e.pipe.Missing(icd.ReleaseMemObject.String(), err)
	}
	return release(e, icd.ReleaseMemObject, mem, lifetime[cl.Mem]{
		kind:     cl.KindMem,
		refCount: refCounter[cl.Mem, icd.GetMemObjectInfoFunc](e, icd.GetMemObjectInfo, cl.MemReferenceCount),
	}, fn)
}

func (e *Engine) GetMemObjectInfo(mem cl.Mem, p cl.Info, value []byte, sizeRet *int) cl.Status {
	fn, err := dispatch.Resolve[icd.GetMemObjectInfoFunc](e.table, icd.GetMemObjectInfo)
	if err != nil {
		return e.pipe.Missing(icd.GetMemObjectInfo.String(), err)
	}
	return e.run(icd.GetMemObjectInfo,
		func() string { return args("memobj", hx(mem), "param_name", param(p)) },
		func() cl.Status { return fn(mem, p, value, sizeRet) }, nil)
}

func (e *Engine) CreateSampler(context cl.Context, normalizedCoords bool, addressingMode, filterMode uint32, errcodeRet *cl.Status) cl.Sampler {
	fn, err := dispatch.Resolve[icd.CreateSamplerFunc](e.table, icd.CreateSampler)
	if err != nil {
		setErr(errcodeRet, e.pipe.Missing(icd.CreateSampler.String(), err))
		return 0
	}
	return create(e, creation[cl.Sampler]{
		name: icd.CreateSampler.String(),
		kind: cl.KindSampler,
		args: func() string {
			return args("context", hx(context), "normalized_coords", normalizedCoords,
				"addressing_mode", param(cl.Info(addressingMode)), "filter_mode", param(cl.Info(filterMode)))
		},
		real: func(st *cl.Status) cl.Sampler { return fn(context, normalizedCoords, addressingMode, filterMode, st) },
	}, errcodeRet)
}

func (e *Engine) RetainSampler(sampler cl.Sampler) cl.Status {
	fn, err := dispatch.Resolve[icd.RetainSamplerFunc](e.table, icd.RetainSampler)
	if err != nil {
		return e.pipe.Missing(icd.RetainSampler.String(), err)
	}
	return retain(e, icd.RetainSampler, cl.KindSampler, sampler, fn)
}

func (e *Engine) ReleaseSampler(sampler cl.Sampler) cl.Status {
	fn, err := dispatch.Resolve[icd.ReleaseSamplerFunc](e.table, icd.ReleaseSampler)
	if err != nil {
		return e.pipe.Missing(icd.ReleaseSampler.String(), err)
	}
	return release(e, icd.ReleaseSampler, sampler, lifetime[cl.Sampler]{
		kind:     cl.KindSampler,
		refCount: refCounter[cl.Sampler, icd.GetSamplerInfoFunc](e, icd.GetSamplerInfo, cl.SamplerReferenceCount),
	}, fn)
}

func (e *Engine) GetSamplerInfo(sampler cl.Sampler, p cl.Info, value []byte, sizeRet *int) cl.Status {
	fn, err := dispatch.Resolve[icd.GetSamplerInfoFunc](e.table, icd.GetSamplerInfo)
	if err != nil {
		return e.pipe.Missing(icd.GetSamplerInfo.String(), err)
	}
	return e.run(icd.GetSamplerInfo,
		func() string { return args("sampler", hx(sampler), "param_name", param(p)) },
		func() cl.Status { return fn(sampler, p, value, sizeRet) }, nil)
}

// WaitForEvents finalizes device samples whose events completed meanwhile.
func (e *Engine) WaitForEvents(events []cl.Event) cl.Status {
	fn, err := dispatch.Resolve[icd.WaitForEventsFunc](e.table, icd.WaitForEvents)
	if err != nil {
		return e.pipe.Missing(icd.WaitForEvents.String(), err)
	}
	return e.run(icd.WaitForEvents,
		func() string { return args("events", hxs(events)) },
		func() cl.Status { return fn(events) },
		func(cl.Status) { e.timing.Check() })
}

func (e *Engine) GetEventInfo(event cl.Event, p cl.Info, value []byte, sizeRet *int) cl.Status {
	fn, err := dispatch.Resolve[icd.GetEventInfoFunc](e.table, icd.GetEventInfo)
	if err != nil {
		return e.pipe.Missing(icd.GetEventInfo.String(), err)
	}
	return e.run(icd.GetEventInfo,
		func() string { return args("event", hx(event), "param_name", param(p)) },
		func() cl.Status { return fn(event, p, value, sizeRet) }, nil)
}

func (e *Engine) RetainEvent(event cl.Event) cl.Status {
	fn, err := dispatch.Resolve[icd.RetainEventFunc](e.table, icd.RetainEvent)
	if err != nil {
		return e.pipe.Missing(icd.RetainEvent.String(), err)
	}
	return retain(e, icd.RetainEvent, cl.KindEvent, event, fn)
}

func (e *Engine) ReleaseEvent(event cl.Event) cl.Status {
	fn, err := dispatch.Resolve[icd.ReleaseEventFunc](e.table, icd.ReleaseEvent)
	if err != nil {
		return e.pipe.Missing(icd.ReleaseEvent.String(), err)
	}
	return release(e, icd.ReleaseEvent, event, lifetime[cl.Event]{
		kind:     cl.KindEvent,
		refCount: refCounter[cl.Event, icd.GetEventInfoFunc](e, icd.GetEventInfo, cl.EventReferenceCount),
	}, fn)
}

func (e *Engine) GetEventProfilingInfo(event cl.Event, p cl.Info, value []byte, sizeRet *int) cl.Status {
	fn, err := dispatch.Resolve[icd.GetEventProfilingInfoFunc](e.table, icd.GetEventProfilingInfo)
	if err != nil {
		return e.pipe.Missing(icd.GetEventProfilingInfo.String(), err)
	}
	return e.run(icd.GetEventProfilingInfo,
		func() string { return args("event", hx(event), "param_name", param(p)) },
		func() cl.Status { return fn(event, p, value, sizeRet) }, nil)
}

func (e *Engine) Flush(queue cl.CommandQueue) cl.Status {
	fn, err := dispatch.Resolve[icd.FlushFunc](e.table, icd.Flush)
	if err != nil {
		return e.pipe.Missing(icd.Flush.String(), err)
	}
	return e.run(icd.Flush,
		func() string { return args("queue", hx(queue)) },
		func() cl.Status { return fn(queue) }, nil)
}

// Finish finalizes device samples whose events completed meanwhile.
func (e *Engine) Finish(queue cl.CommandQueue) cl.Status {
	fn, err := dispatch.Resolve[icd.FinishFunc](e.table, icd.Finish)
	if err != nil {
		return e.pipe.Missing(icd.Finish.String(), err)
	}
	return e.run(icd.Finish,
		func() string { return args("queue", hx(queue)) },
		func() cl.Status { return fn(queue) },
		func(cl.Status) { e.timing.Check() })
}

func (e *Engine) EnqueueReadBuffer(queue cl.CommandQueue, buffer cl.Mem, blocking bool, offset int, dst []byte, waitList []cl.Event, event *cl.Event) cl.Status {
	fn, err := dispatch.Resolve[icd.EnqueueReadBufferFunc](e.table, icd.EnqueueReadBuffer)
	if err != nil {
		return e.pipe.Missing(icd.EnqueueReadBuffer.String(), err)
	}
	return e.enqueue(command{
		id:    icd.EnqueueReadBuffer,
		event: event,
		args: func() string {
			return args("queue", hx(queue), "buffer", hx(buffer), "blocking", blocking,
				"offset", offset, "cb", len(dst), "event_wait_list", hxs(waitList))
		},
		real: func(ev *cl.Event) cl.Status { return fn(queue, buffer, blocking, offset, dst, waitList, ev) },
	})
}

func (e *Engine) EnqueueWriteBuffer(queue cl.CommandQueue, buffer cl.Mem, blocking bool, offset int, src []byte, waitList []cl.Event, event *cl.Event) cl.Status {
	fn, err := dispatch.Resolve[icd.EnqueueWriteBufferFunc](e.table, icd.EnqueueWriteBuffer)
	if err != nil {
		return e.pipe.Missing(icd.EnqueueWriteBuffer.String(), err)
	}
	return e.enqueue(command{
		id:    icd.EnqueueWriteBuffer,
		event: event,
		args: func() string {
			return args("queue", hx(queue), "buffer", hx(buffer), "blocking", blocking,
				"offset", offset, "cb", len(src), "event_wait_list", hxs(waitList))
		},
		real: func(ev *cl.Event) cl.Status { return fn(queue, buffer, blocking, offset, src, waitList, ev) },
	})
}

// EnqueueCopyBuffer may be served by the copy emulation.
func (e *Engine) EnqueueCopyBuffer(queue cl.CommandQueue, src, dst cl.Mem, srcOffset, dstOffset, size int, waitList []cl.Event, event *cl.Event) cl.Status {
	fn, err := dispatch.Resolve[icd.EnqueueCopyBufferFunc](e.table, icd.EnqueueCopyBuffer)
	if err != nil {
		return e.pipe.Missing(icd.EnqueueCopyBuffer.String(), err)
	}
	c := command{
		id:    icd.EnqueueCopyBuffer,
		event: event,
		args: func() string {
			return args("queue", hx(queue), "src_buffer", hx(src), "dst_buffer", hx(dst),
				"src_offset", srcOffset, "dst_offset", dstOffset, "cb", size, "event_wait_list", hxs(waitList))
		},
		real: func(ev *cl.Event) cl.Status { return fn(queue, src, dst, srcOffset, dstOffset, size, waitList, ev) },
	}
	if e.overrides.CopyBufferEnabled() {
		c.override = func(ev *cl.Event) (cl.Status, bool) {
			return e.overrides.CopyBuffer(queue, src, dst, srcOffset, dstOffset, size, waitList, ev)
		}
	}
	return e.enqueue(c)
}
