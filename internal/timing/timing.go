// Package timing measures the host-side latency of intercepted calls and the
// device-side duration of the commands they enqueue.
package timing

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/fxnlabs/clintercept/internal/cl"
)

// Sample is one measurement. Device samples also carry the host latency of
// the call that enqueued the command.
type Sample struct {
	Name      string
	CPU       time.Duration
	Device    time.Duration
	HasDevice bool
	// At is when the call was made; Done is when device completion was
	// observed, zero for host-only samples.
	At        time.Time
	Done      time.Time
}

// Observer receives every sample as it is produced.
type Observer interface {
	ObserveSample(Sample)
}

// EventSource is the subset of the real API device timing needs.
type EventSource interface {
	Retain(ev cl.Event) error
	Release(ev cl.Event) error
	Complete(ev cl.Event) (bool, error)
	Wait(ev cl.Event) error
	Profile(ev cl.Event) (start, end uint64, err error)
}

// Options configures a Recorder.
type Options struct {
	CPU         bool
	Device      bool
	Synchronous bool
	// MaxSamples bounds the samples kept per identity for percentiles.
	MaxSamples int
}

type pending struct {
	name  string
	event cl.Event
	cpu   time.Duration
	at    time.Time
}

// Recorder is safe for concurrent use.
type Recorder struct {
	opts      Options
	events    EventSource
	observers []Observer
	logger    *zap.Logger

	mu      sync.Mutex
	pending []pending
	cpu     map[string]*Stats
	device  map[string]*Stats

	tracked, finalized, failed atomic.Uint64
}

// New creates a recorder. events may be nil when device timing is off.
func New(opts Options, events EventSource, logger *zap.Logger, observers ...Observer) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = 4096
	}
	if events == nil && opts.Device {
		logger.Warn("device timing needs an event source; disabled")
		opts.Device = false
	}
	return &Recorder{
		opts:      opts,
		events:    events,
		observers: observers,
		logger:    logger.Named("timing"),
		cpu:       make(map[string]*Stats),
		device:    make(map[string]*Stats),
	}
}

// CPUEnabled reports whether host latency is measured.
func (r *Recorder) CPUEnabled() bool { return r.opts.CPU }

// DeviceEnabled reports whether device durations are measured.
func (r *Recorder) DeviceEnabled() bool { return r.opts.Device }

// CPUTimer measures one call. Timers are per call, so start and stop always
// nest.
type CPUTimer struct {
	start time.Time
	on    bool
}

// StartCPU starts a timer; it is inert when CPU timing is off.
func (r *Recorder) StartCPU() CPUTimer {
	if !r.opts.CPU {
		return CPUTimer{}
	}
	return CPUTimer{start: time.Now(), on: true}
}

// Stop returns the elapsed time on the monotonic clock.
func (t CPUTimer) Stop() time.Duration {
	if !t.on {
		return 0
	}
	return time.Since(t.start)
}

// Running reports whether the timer measures anything.
func (t CPUTimer) Running() bool { return t.on }

// RecordCPU aggregates a host latency sample.
func (r *Recorder) RecordCPU(name string, d time.Duration) {
	if !r.opts.CPU {
		return
	}
	s := Sample{Name: name, CPU: d, At: time.Now()}
	r.mu.Lock()
	statsFor(r.cpu, name).add(d, r.opts.MaxSamples)
	r.mu.Unlock()
	r.notify(s)
}

// Track registers a device-timed command. The event is retained until the
// sample is finalized, so callers may release their own reference at once.
func (r *Recorder) Track(name string, ev cl.Event, cpu time.Duration) error {
	if !r.opts.Device || ev == 0 {
		return nil
	}
	if err := r.events.Retain(ev); err != nil {
		r.failed.Add(1)
		return err
	}
	r.tracked.Add(1)
	p := pending{name: name, event: ev, cpu: cpu, at: time.Now()}
	if r.opts.Synchronous {
		if err := r.events.Wait(ev); err != nil {
			r.drop(p, err)
			return err
		}
		r.finalize(p)
		return nil
	}
	r.mu.Lock()
	r.pending = append(r.pending, p)
	r.mu.Unlock()
	return nil
}

// Check finalizes every pending command whose event has completed. It never
// blocks on the device.
func (r *Recorder) Check() {
	if !r.opts.Device {
		return
	}
	r.mu.Lock()
	all := r.pending
	r.pending = nil
	r.mu.Unlock()

	var keep []pending
	for _, p := range all {
		done, err := r.events.Complete(p.event)
		switch {
		case err != nil:
			r.drop(p, err)
		case done:
			r.finalize(p)
		default:
			keep = append(keep, p)
		}
	}
	if len(keep) > 0 {
		r.mu.Lock()
		r.pending = append(keep, r.pending...)
		r.mu.Unlock()
	}
}

// Drain waits for and finalizes every pending command.
func (r *Recorder) Drain() {
	if !r.opts.Device {
		return
	}
	r.mu.Lock()
	all := r.pending
	r.pending = nil
	r.mu.Unlock()
	for _, p := range all {
		if err := r.events.Wait(p.event); err != nil {
			r.drop(p, err)
			continue
		}
		r.finalize(p)
	}
}

func (r *Recorder) finalize(p pending) {
	start, end, err := r.events.Profile(p.event)
	if err != nil {
		r.drop(p, err)
		return
	}
	r.release(p)
	var d time.Duration
	if end > start {
		d = time.Duration(end - start)
	}
	s := Sample{Name: p.name, CPU: p.cpu, Device: d, HasDevice: true, At: p.at, Done: time.Now()}
	r.mu.Lock()
	statsFor(r.device, p.name).add(d, r.opts.MaxSamples)
	r.mu.Unlock()
	r.finalized.Add(1)
	r.notify(s)
}

func (r *Recorder) drop(p pending, err error) {
	r.failed.Add(1)
	r.logger.Warn("device timing sample dropped", zap.String("name", p.name), zap.Error(err))
	r.release(p)
}

func (r *Recorder) release(p pending) {
	if err := r.events.Release(p.event); err != nil {
		r.logger.Debug("releasing timed event", zap.Error(err))
	}
}

func (r *Recorder) notify(s Sample) {
	for _, o := range r.observers {
		func() {
			defer func() {
				if v := recover(); v != nil {
					r.logger.Error("timing observer panicked", zap.Any("panic", v))
				}
			}()
			o.ObserveSample(s)
		}()
	}
}

// Counters summarizes device-timing bookkeeping.
type Counters struct {
	Tracked   uint64
	Finalized uint64
	Failed    uint64
	Pending   int
}

// Counters returns a snapshot.
func (r *Recorder) Counters() Counters {
	r.mu.Lock()
	n := len(r.pending)
	r.mu.Unlock()
	return Counters{
		Tracked:   r.tracked.Load(),
		Finalized: r.finalized.Load(),
		Failed:    r.failed.Load(),
		Pending:   n,
	}
}

// Stats aggregates samples of one identity.
type Stats struct {
	Name    string
	Count   uint64
	Total   time.Duration
	Min     time.Duration
	Max     time.Duration
	samples []float64
}

func statsFor(m map[string]*Stats, name string) *Stats {
	s, ok := m[name]
	if !ok {
		s = &Stats{Name: name}
		m[name] = s
	}
	return s
}

func (s *Stats) add(d time.Duration, limit int) {
	if s.Count == 0 || d < s.Min {
		s.Min = d
	}
	if d > s.Max {
		s.Max = d
	}
	s.Count++
	s.Total += d
	if len(s.samples) < limit {
		s.samples = append(s.samples, float64(d))
	}
}

// Summary is the reported form of Stats.
type Summary struct {
	Name   string
	Count  uint64
	Total  time.Duration
	Min    time.Duration
	Max    time.Duration
	Mean   time.Duration
	StdDev time.Duration
	P50    time.Duration
	P90    time.Duration
	P99    time.Duration
}

func (s *Stats) summary() Summary {
	out := Summary{Name: s.Name, Count: s.Count, Total: s.Total, Min: s.Min, Max: s.Max}
	if s.Count > 0 {
		out.Mean = s.Total / time.Duration(s.Count)
	}
	if len(s.samples) == 0 {
		return out
	}
	x := append([]float64(nil), s.samples...)
	sort.Float64s(x)
	_, std := stat.MeanStdDev(x, nil)
	if len(x) > 1 {
		out.StdDev = time.Duration(std)
	}
	out.P50 = time.Duration(stat.Quantile(0.50, stat.Empirical, x, nil))
	out.P90 = time.Duration(stat.Quantile(0.90, stat.Empirical, x, nil))
	out.P99 = time.Duration(stat.Quantile(0.99, stat.Empirical, x, nil))
	return out
}

// CPUReport summarizes host latencies ordered by total time, descending.
func (r *Recorder) CPUReport() []Summary {
	return r.report(r.cpu)
}

// DeviceReport summarizes device durations ordered by total time, descending.
func (r *Recorder) DeviceReport() []Summary {
	return r.report(r.device)
}

func (r *Recorder) report(m map[string]*Stats) []Summary {
	r.mu.Lock()
	out := make([]Summary, 0, len(m))
	for _, s := range m {
		out = append(out, s.summary())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// ErrNotProfiled is returned by event sources for events whose queue did not
// enable profiling.
var ErrNotProfiled = errors.New("event has no profiling information")
