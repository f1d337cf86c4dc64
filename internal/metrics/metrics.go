package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fxnlabs/clintercept/internal/cl"
	"github.com/fxnlabs/clintercept/internal/pipeline"
	"github.com/fxnlabs/clintercept/internal/timing"
)

// Metrics exports intercepted-call activity. It implements both
// pipeline.Observer and timing.Observer.
type Metrics struct {
	Registry *prometheus.Registry

	Calls           *prometheus.CounterVec
	CallDuration    *prometheus.HistogramVec
	DeviceDuration  *prometheus.HistogramVec
	Failures        *prometheus.CounterVec
	LiveObjects     *prometheus.GaugeVec
	ScrapeResponses *prometheus.CounterVec
}

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "clintercept"
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		Calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "The total number of intercepted calls by entry point and status",
		}, []string{"call", "status"}),
		CallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Host-side latency of intercepted calls",
			Buckets:   prometheus.ExponentialBuckets(1e-7, 4, 12), // 100ns to ~0.4s
		}, []string{"call"}),
		DeviceDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "device_duration_seconds",
			Help:      "Device execution time of enqueued commands",
			Buckets:   prometheus.ExponentialBuckets(1e-7, 4, 12),
		}, []string{"command"}),
		Failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "layer_failures_total",
			Help:      "Failures absorbed by the layer by class",
		}, []string{"class"}),
		LiveObjects: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_objects",
			Help:      "Tracked objects that have not been released, by kind",
		}, []string{"kind"}),
		ScrapeResponses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scrape_responses_total",
			Help:      "The total number of metrics endpoint responses",
		}, []string{"endpoint", "status_code"}),
	}
}

// ObserveCall counts a finished call and its host latency.
func (m *Metrics) ObserveCall(name string, status cl.Status, d time.Duration) {
	m.Calls.WithLabelValues(name, status.String()).Inc()
	if d > 0 {
		m.CallDuration.WithLabelValues(name).Observe(d.Seconds())
	}
}

// ObserveFailure counts an absorbed failure.
func (m *Metrics) ObserveFailure(class pipeline.Class) {
	m.Failures.WithLabelValues(string(class)).Inc()
}

// ObserveSample records device samples. Host samples are already covered
// by ObserveCall.
func (m *Metrics) ObserveSample(s timing.Sample) {
	if s.HasDevice {
		m.DeviceDuration.WithLabelValues(s.Name).Observe(s.Device.Seconds())
	}
}

// SetLiveObjects publishes the tracker's outstanding objects per kind.
func (m *Metrics) SetLiveObjects(counts map[cl.ObjectKind]int) {
	m.LiveObjects.Reset()
	for kind, n := range counts {
		m.LiveObjects.WithLabelValues(kind.String()).Set(float64(n))
	}
}
