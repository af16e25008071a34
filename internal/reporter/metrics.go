package reporter

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the reporter pool's counters as Prometheus collectors,
// registering a small fixed set of counters/gauges against a
// caller-supplied registry rather than the global default one.
type Metrics struct {
	success *prometheus.GaugeVec
	failure *prometheus.GaugeVec
	ignored *prometheus.GaugeVec
	delay   *prometheus.GaugeVec
	latency *prometheus.GaugeVec
	queueLen prometheus.GaugeFunc
}

// NewMetrics registers the reporter pool's gauges against reg and returns a
// handle that Refresh keeps in sync.
func NewMetrics(reg *prometheus.Registry, p *Pool, queueLenFn func() int) *Metrics {
	m := &Metrics{
		success: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "alpamon", Subsystem: "reporter", Name: "success_total",
			Help: "Successful outbound HTTP deliveries per reporter worker.",
		}, []string{"worker"}),
		failure: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "alpamon", Subsystem: "reporter", Name: "failure_total",
			Help: "Failed outbound HTTP deliveries per reporter worker.",
		}, []string{"worker"}),
		ignored: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "alpamon", Subsystem: "reporter", Name: "ignored_total",
			Help: "Dropped entries (expired, full queue, or exhausted retries) per worker.",
		}, []string{"worker"}),
		delay: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "alpamon", Subsystem: "reporter", Name: "delay_seconds",
			Help: "Exponentially-smoothed delivery delay per worker.",
		}, []string{"worker"}),
		latency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "alpamon", Subsystem: "reporter", Name: "latency_seconds",
			Help: "Exponentially-smoothed HTTP round-trip latency per worker.",
		}, []string{"worker"}),
	}
	m.queueLen = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "alpamon", Name: "queue_length",
		Help: "Current number of entries pending delivery.",
	}, func() float64 { return float64(queueLenFn()) })

	reg.MustRegister(m.success, m.failure, m.ignored, m.delay, m.latency, m.queueLen)
	return m
}

// Refresh copies the pool's current counters into the registered gauges.
// Call periodically (e.g. on scrape, or from a ticker) since prometheus
// gauges aren't push-updated by the workers themselves.
func (m *Metrics) Refresh(p *Pool) {
	for i, c := range p.Stats() {
		label := workerName(i)
		m.success.WithLabelValues(label).Set(float64(c.Success))
		m.failure.WithLabelValues(label).Set(float64(c.Failure))
		m.ignored.WithLabelValues(label).Set(float64(c.Ignored))
		m.delay.WithLabelValues(label).Set(c.Delay)
		m.latency.WithLabelValues(label).Set(c.Latency)
	}
}
