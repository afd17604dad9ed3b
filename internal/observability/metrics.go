// Package observability exposes Prometheus metrics and component health for
// the trading core.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the core's Prometheus metrics on a private registry.
// A nil *Metrics is a valid no-op.
type Metrics struct {
	namespace string
	registry  *prometheus.Registry
	factory   promauto.Factory

	LoopFailures    *prometheus.CounterVec
	LoopEscalations *prometheus.CounterVec
	LoopRestarts    *prometheus.CounterVec
	LoopDuration    *prometheus.HistogramVec
	Paused          prometheus.Gauge
}

// NewMetrics creates the registry with the supervisor metrics and the Go
// runtime collectors.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "tradecore"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		namespace: namespace,
		registry:  reg,
		factory:   f,
		LoopFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "loop_failures_total",
			Help:      "Loop iterations that returned an error or panicked",
		}, []string{"loop"}),
		LoopEscalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "loop_escalations_total",
			Help:      "Times a loop reached the consecutive failure threshold",
		}, []string{"loop"}),
		LoopRestarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "service_restarts_total",
			Help:      "Long-running services restarted after exiting",
		}, []string{"service"}),
		LoopDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one loop iteration",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60},
		}, []string{"loop"}),
		Paused: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entries_paused",
			Help:      "1 while new entries are paused",
		}),
	}
}

// CounterFunc exposes a monotonically increasing value read at scrape time,
// typically a field of a component's Stats().
func (m *Metrics) CounterFunc(subsystem, name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn)
}

// GaugeFunc exposes a value read at scrape time.
func (m *Metrics) GaugeFunc(subsystem, name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn)
}

// LabeledCounterFunc exposes a map of labelled counters (for example denials
// per gate) read at scrape time.
func (m *Metrics) LabeledCounterFunc(subsystem, name, help, label string, fn func() map[string]int64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(&mapCollector{
		desc: prometheus.NewDesc(prometheus.BuildFQName(m.namespace, subsystem, name), help, []string{label}, nil),
		fn:   fn,
	})
}

func (m *Metrics) LoopFailed(loop string) {
	if m == nil {
		return
	}
	m.LoopFailures.WithLabelValues(loop).Inc()
}

func (m *Metrics) LoopEscalated(loop string) {
	if m == nil {
		return
	}
	m.LoopEscalations.WithLabelValues(loop).Inc()
}

func (m *Metrics) ServiceRestarted(service string) {
	if m == nil {
		return
	}
	m.LoopRestarts.WithLabelValues(service).Inc()
}

func (m *Metrics) ObserveTick(loop string, seconds float64) {
	if m == nil {
		return
	}
	m.LoopDuration.WithLabelValues(loop).Observe(seconds)
}

func (m *Metrics) SetPaused(paused bool) {
	if m == nil {
		return
	}
	v := 0.0
	if paused {
		v = 1
	}
	m.Paused.Set(v)
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type mapCollector struct {
	desc *prometheus.Desc
	fn   func() map[string]int64
}

func (c *mapCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *mapCollector) Collect(ch chan<- prometheus.Metric) {
	for k, v := range c.fn() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(v), k)
	}
}
