package soft

import (
	"go.uber.org/zap"

	"github.com/fxnlabs/clintercept/internal/cl"
)

type queue struct {
	refCounted
	context    cl.Context
	device     cl.Device
	properties cl.QueueProperties
	pending    []cl.Event
}

type buffer struct {
	refCounted
	context cl.Context
	flags   cl.MemFlags
	data    []byte
}

type sampler struct {
	refCounted
	context cl.Context
}

type event struct {
	refCounted
	queue    cl.CommandQueue
	context  cl.Context
	command  cl.CommandType
	status   cl.ExecutionStatus
	profiled bool
	queued   uint64
	submit   uint64
	start    uint64
	end      uint64
	cost     uint64
}

// CreateCommandQueue creates a queue on device.
func (b *Backend) CreateCommandQueue(ch cl.Context, dh cl.Device, properties cl.QueueProperties, errcodeRet *cl.Status) cl.CommandQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := lookup[*context](b, cl.Handle(ch))
	if !ok {
		setErr(errcodeRet, cl.InvalidContext)
		return 0
	}
	if !containsDevice(c.devices, dh) {
		setErr(errcodeRet, cl.InvalidDevice)
		return 0
	}
	if properties&^(cl.QueueOutOfOrderExecModeEnable|cl.QueueProfilingEnable) != 0 {
		setErr(errcodeRet, cl.InvalidQueueProperties)
		return 0
	}
	q := &queue{
		refCounted: refCounted{kind: cl.KindCommandQueue, refs: 1},
		context:    ch,
		device:     dh,
		properties: properties,
	}
	b.retainLocked(cl.Handle(ch))
	setErr(errcodeRet, cl.Success)
	return cl.CommandQueue(b.insertLocked(q))
}

// CreateCommandQueueWithPropertiesKHR is the property-list queue constructor.
func (b *Backend) CreateCommandQueueWithPropertiesKHR(ch cl.Context, dh cl.Device, properties cl.Properties, errcodeRet *cl.Status) cl.CommandQueue {
	props, _ := properties.Lookup(cl.QueuePropertiesProperty)
	return b.CreateCommandQueue(ch, dh, cl.QueueProperties(props), errcodeRet)
}

// RetainCommandQueue increments the queue reference count.
func (b *Backend) RetainCommandQueue(qh cl.CommandQueue) cl.Status {
	return b.retainKind(cl.Handle(qh), cl.KindCommandQueue, cl.InvalidCommandQueue)
}

// ReleaseCommandQueue completes outstanding work and drops one reference.
func (b *Backend) ReleaseCommandQueue(qh cl.CommandQueue) cl.Status {
	if st := b.Flush(qh); st != cl.Success {
		return st
	}
	return b.releaseKind(cl.Handle(qh), cl.KindCommandQueue, cl.InvalidCommandQueue)
}

// GetCommandQueueInfo answers queue queries.
func (b *Backend) GetCommandQueueInfo(qh cl.CommandQueue, param cl.Info, value []byte, sizeRet *int) cl.Status {
	b.mu.Lock()
	q, ok := lookup[*queue](b, cl.Handle(qh))
	var refs uint32
	if ok {
		refs = q.refs
	}
	b.mu.Unlock()
	if !ok {
		return cl.InvalidCommandQueue
	}
	var src []byte
	switch param {
	case cl.QueueContext:
		src = cl.HandleBytes(q.context)
	case cl.QueueDevice:
		src = cl.HandleBytes(q.device)
	case cl.QueueReferenceCount:
		src = cl.Uint32Bytes(refs)
	case cl.QueuePropertiesInfo:
		src = cl.Uint64Bytes(uint64(q.properties))
	default:
		return cl.InvalidValue
	}
	return cl.WriteInfo(src, value, sizeRet)
}

// Flush completes every command submitted to the queue.
func (b *Backend) Flush(qh cl.CommandQueue) cl.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := lookup[*queue](b, cl.Handle(qh))
	if !ok {
		return cl.InvalidCommandQueue
	}
	for _, eh := range q.pending {
		b.completeLocked(eh)
	}
	q.pending = nil
	return cl.Success
}

// Finish is Flush; commands have no latency beyond their simulated cost.
func (b *Backend) Finish(qh cl.CommandQueue) cl.Status {
	return b.Flush(qh)
}

// CreateBuffer allocates a buffer, honoring the host pointer flags.
func (b *Backend) CreateBuffer(ch cl.Context, flags cl.MemFlags, size int, hostPtr []byte, errcodeRet *cl.Status) cl.Mem {
	if size <= 0 {
		setErr(errcodeRet, cl.InvalidBufferSize)
		return 0
	}
	needsHost := flags&(cl.MemUseHostPtr|cl.MemCopyHostPtr) != 0
	if needsHost != (hostPtr != nil) || (needsHost && len(hostPtr) < size) {
		setErr(errcodeRet, cl.InvalidHostPtr)
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := lookup[*context](b, cl.Handle(ch)); !ok {
		setErr(errcodeRet, cl.InvalidContext)
		return 0
	}
	data := make([]byte, size)
	if needsHost {
		copy(data, hostPtr)
	}
	m := &buffer{
		refCounted: refCounted{kind: cl.KindMem, refs: 1},
		context:    ch,
		flags:      flags,
		data:       data,
	}
	b.retainLocked(cl.Handle(ch))
	setErr(errcodeRet, cl.Success)
	return cl.Mem(b.insertLocked(m))
}

// RetainMemObject increments the buffer reference count.
func (b *Backend) RetainMemObject(mh cl.Mem) cl.Status {
	return b.retainKind(cl.Handle(mh), cl.KindMem, cl.InvalidMemObject)
}

// ReleaseMemObject decrements the buffer reference count.
func (b *Backend) ReleaseMemObject(mh cl.Mem) cl.Status {
	return b.releaseKind(cl.Handle(mh), cl.KindMem, cl.InvalidMemObject)
}

// GetMemObjectInfo answers buffer queries.
func (b *Backend) GetMemObjectInfo(mh cl.Mem, param cl.Info, value []byte, sizeRet *int) cl.Status {
	b.mu.Lock()
	m, ok := lookup[*buffer](b, cl.Handle(mh))
	var refs uint32
	if ok {
		refs = m.refs
	}
	b.mu.Unlock()
	if !ok {
		return cl.InvalidMemObject
	}
	var src []byte
	switch param {
	case cl.MemFlagsInfo:
		src = cl.Uint64Bytes(uint64(m.flags))
	case cl.MemSize:
		src = cl.Uint64Bytes(uint64(len(m.data)))
	case cl.MemReferenceCount:
		src = cl.Uint32Bytes(refs)
	case cl.MemContext:
		src = cl.HandleBytes(m.context)
	default:
		return cl.InvalidValue
	}
	return cl.WriteInfo(src, value, sizeRet)
}

// CreateSampler creates a sampler. The sampling state itself is not modeled.
func (b *Backend) CreateSampler(ch cl.Context, normalizedCoords bool, addressingMode, filterMode uint32, errcodeRet *cl.Status) cl.Sampler {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := lookup[*context](b, cl.Handle(ch)); !ok {
		setErr(errcodeRet, cl.InvalidContext)
		return 0
	}
	s := &sampler{refCounted: refCounted{kind: cl.KindSampler, refs: 1}, context: ch}
	b.retainLocked(cl.Handle(ch))
	setErr(errcodeRet, cl.Success)
	return cl.Sampler(b.insertLocked(s))
}

// RetainSampler increments the sampler reference count.
func (b *Backend) RetainSampler(sh cl.Sampler) cl.Status {
	return b.retainKind(cl.Handle(sh), cl.KindSampler, cl.InvalidSampler)
}

// ReleaseSampler decrements the sampler reference count.
func (b *Backend) ReleaseSampler(sh cl.Sampler) cl.Status {
	return b.releaseKind(cl.Handle(sh), cl.KindSampler, cl.InvalidSampler)
}

// GetSamplerInfo answers sampler queries.
func (b *Backend) GetSamplerInfo(sh cl.Sampler, param cl.Info, value []byte, sizeRet *int) cl.Status {
	if param == cl.SamplerReferenceCount {
		return b.refInfo(cl.Handle(sh), cl.KindSampler, cl.InvalidSampler, value, sizeRet)
	}
	b.mu.Lock()
	s, ok := lookup[*sampler](b, cl.Handle(sh))
	b.mu.Unlock()
	if !ok {
		return cl.InvalidSampler
	}
	if param != cl.SamplerContext {
		return cl.InvalidValue
	}
	return cl.WriteInfo(cl.HandleBytes(s.context), value, sizeRet)
}

// EnqueueReadBuffer copies buffer contents into dst.
func (b *Backend) EnqueueReadBuffer(qh cl.CommandQueue, mh cl.Mem, blocking bool, offset int, dst []byte, waitList []cl.Event, ev *cl.Event) cl.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, m, st := b.transferTargetsLocked(qh, mh, offset, len(dst), waitList)
	if st != cl.Success {
		return st
	}
	copy(dst, m.data[offset:offset+len(dst)])
	b.submitLocked(q, qh, cl.CommandReadBuffer, uint64(len(dst)), blocking, ev)
	return cl.Success
}

// EnqueueWriteBuffer copies src into the buffer.
func (b *Backend) EnqueueWriteBuffer(qh cl.CommandQueue, mh cl.Mem, blocking bool, offset int, src []byte, waitList []cl.Event, ev *cl.Event) cl.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, m, st := b.transferTargetsLocked(qh, mh, offset, len(src), waitList)
	if st != cl.Success {
		return st
	}
	copy(m.data[offset:], src)
	b.submitLocked(q, qh, cl.CommandWriteBuffer, uint64(len(src)), blocking, ev)
	return cl.Success
}

// EnqueueCopyBuffer copies between two buffers of the queue's context.
func (b *Backend) EnqueueCopyBuffer(qh cl.CommandQueue, srcH, dstH cl.Mem, srcOffset, dstOffset, size int, waitList []cl.Event, ev *cl.Event) cl.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, src, st := b.transferTargetsLocked(qh, srcH, srcOffset, size, waitList)
	if st != cl.Success {
		return st
	}
	dst, ok := lookup[*buffer](b, cl.Handle(dstH))
	if !ok {
		return cl.InvalidMemObject
	}
	if dst.context != q.context {
		return cl.InvalidContext
	}
	if dstOffset < 0 || dstOffset+size > len(dst.data) {
		return cl.InvalidValue
	}
	if srcH == dstH && srcOffset < dstOffset+size && dstOffset < srcOffset+size {
		return cl.MemCopyOverlap
	}
	copy(dst.data[dstOffset:dstOffset+size], src.data[srcOffset:srcOffset+size])
	b.submitLocked(q, qh, cl.CommandCopyBuffer, uint64(size), false, ev)
	return cl.Success
}

func (b *Backend) transferTargetsLocked(qh cl.CommandQueue, mh cl.Mem, offset, size int, waitList []cl.Event) (*queue, *buffer, cl.Status) {
	q, ok := lookup[*queue](b, cl.Handle(qh))
	if !ok {
		return nil, nil, cl.InvalidCommandQueue
	}
	m, ok := lookup[*buffer](b, cl.Handle(mh))
	if !ok {
		return nil, nil, cl.InvalidMemObject
	}
	if m.context != q.context {
		return nil, nil, cl.InvalidContext
	}
	if offset < 0 || size < 0 || offset+size > len(m.data) {
		return nil, nil, cl.InvalidValue
	}
	if st := b.waitListLocked(waitList); st != cl.Success {
		return nil, nil, st
	}
	return q, m, cl.Success
}

// waitListLocked validates and completes a command's dependencies.
func (b *Backend) waitListLocked(waitList []cl.Event) cl.Status {
	for _, eh := range waitList {
		if _, ok := lookup[*event](b, cl.Handle(eh)); !ok {
			return cl.InvalidEventWaitList
		}
	}
	for _, eh := range waitList {
		b.completeLocked(eh)
	}
	return cl.Success
}

// submitLocked records a command. The command's effect has already been
// applied; the event models only status and profiling. A nil ev means the
// caller does not want an event and no event object is created.
func (b *Backend) submitLocked(q *queue, qh cl.CommandQueue, command cl.CommandType, cost uint64, blocking bool, ev *cl.Event) {
	if ev == nil {
		return
	}
	now := b.now()
	e := &event{
		refCounted: refCounted{kind: cl.KindEvent, refs: 1},
		queue:      qh,
		context:    q.context,
		command:    command,
		status:     cl.Submitted,
		profiled:   q.properties&cl.QueueProfilingEnable != 0,
		queued:     now,
		submit:     now,
		// One nanosecond per byte or work-item, at least one.
		cost: max(cost, 1),
	}
	eh := cl.Event(b.insertLocked(e))
	*ev = eh
	if blocking {
		b.completeLocked(eh)
		return
	}
	// The queue's pending list holds a reference until completion.
	b.retainLocked(cl.Handle(eh))
	q.pending = append(q.pending, eh)
}

func (b *Backend) completeLocked(eh cl.Event) {
	e, ok := lookup[*event](b, cl.Handle(eh))
	if !ok || e.status == cl.Complete {
		return
	}
	e.start = b.now()
	e.end = e.start + e.cost
	e.status = cl.Complete
	if q, ok := lookup[*queue](b, cl.Handle(e.queue)); ok {
		for i, p := range q.pending {
			if p == eh {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				b.releaseLocked(cl.Handle(eh))
				break
			}
		}
	}
}

// WaitForEvents blocks until every event is complete.
func (b *Backend) WaitForEvents(events []cl.Event) cl.Status {
	if len(events) == 0 {
		return cl.InvalidValue
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, eh := range events {
		if _, ok := lookup[*event](b, cl.Handle(eh)); !ok {
			return cl.InvalidEvent
		}
	}
	for _, eh := range events {
		b.completeLocked(eh)
	}
	return cl.Success
}

// GetEventInfo answers event queries.
func (b *Backend) GetEventInfo(eh cl.Event, param cl.Info, value []byte, sizeRet *int) cl.Status {
	b.mu.Lock()
	e, ok := lookup[*event](b, cl.Handle(eh))
	var snapshot event
	if ok {
		snapshot = *e
	}
	b.mu.Unlock()
	if !ok {
		return cl.InvalidEvent
	}
	var src []byte
	switch param {
	case cl.EventCommandQueue:
		src = cl.HandleBytes(snapshot.queue)
	case cl.EventContext:
		src = cl.HandleBytes(snapshot.context)
	case cl.EventCommandType:
		src = cl.Uint32Bytes(uint32(snapshot.command))
	case cl.EventReferenceCount:
		src = cl.Uint32Bytes(snapshot.refs)
	case cl.EventCommandExecutionStatus:
		src = cl.Uint32Bytes(uint32(snapshot.status))
	default:
		return cl.InvalidValue
	}
	return cl.WriteInfo(src, value, sizeRet)
}

// RetainEvent increments the event reference count.
func (b *Backend) RetainEvent(eh cl.Event) cl.Status {
	return b.retainKind(cl.Handle(eh), cl.KindEvent, cl.InvalidEvent)
}

// ReleaseEvent decrements the event reference count.
func (b *Backend) ReleaseEvent(eh cl.Event) cl.Status {
	return b.releaseKind(cl.Handle(eh), cl.KindEvent, cl.InvalidEvent)
}

// GetEventProfilingInfo reports the four command timestamps. They are only
// available for completed commands on profiling-enabled queues.
func (b *Backend) GetEventProfilingInfo(eh cl.Event, param cl.Info, value []byte, sizeRet *int) cl.Status {
	b.mu.Lock()
	e, ok := lookup[*event](b, cl.Handle(eh))
	var snapshot event
	if ok {
		snapshot = *e
	}
	b.mu.Unlock()
	if !ok {
		return cl.InvalidEvent
	}
	if !snapshot.profiled || snapshot.status != cl.Complete {
		return cl.ProfilingInfoNotAvailable
	}
	var ts uint64
	switch param {
	case cl.ProfilingCommandQueued:
		ts = snapshot.queued
	case cl.ProfilingCommandSubmit:
		ts = snapshot.submit
	case cl.ProfilingCommandStart:
		ts = snapshot.start
	case cl.ProfilingCommandEnd:
		ts = snapshot.end
	default:
		return cl.InvalidValue
	}
	return cl.WriteInfo(cl.Uint64Bytes(ts), value, sizeRet)
}

func containsDevice(devices []cl.Device, d cl.Device) bool {
	for _, x := range devices {
		if x == d {
			return true
		}
	}
	return false
}

func (b *Backend) debugCommand(name string, fields ...zap.Field) {
	b.logger.Debug(name, fields...)
}
