// Package metrics holds the Prometheus instruments of the metering engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Cycles          *prometheus.CounterVec
	CycleDuration   prometheus.Histogram
	PortsUpdated    prometheus.Counter
	PortsSkipped    prometheus.Counter
	LimitActions    *prometheus.CounterVec
	JobsDispatched  *prometheus.CounterVec
	BillingRequests *prometheus.CounterVec
}

// New registers the instruments with reg. A nil *Metrics is valid and records nothing.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portmeter",
			Name:      "cycles_total",
			Help:      "Metering cycles run, by result.",
		}, []string{"result"}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "portmeter",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one metering cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		PortsUpdated: f.NewCounter(prometheus.CounterOpts{
			Namespace: "portmeter",
			Name:      "ports_updated_total",
			Help:      "Port usage rows written by the ledger.",
		}),
		PortsSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "portmeter",
			Name:      "ports_skipped_total",
			Help:      "Counter lines for ports that could not be resolved.",
		}),
		LimitActions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portmeter",
			Name:      "limit_actions_total",
			Help:      "Limit actions that changed state, by kind.",
		}, []string{"kind"}),
		JobsDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portmeter",
			Name:      "jobs_dispatched_total",
			Help:      "Jobs handed to the queue, by job and result.",
		}, []string{"job", "result"}),
		BillingRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portmeter",
			Name:      "billing_requests_total",
			Help:      "Billing API calls, by endpoint and result.",
		}, []string{"endpoint", "result"}),
	}
}

func (m *Metrics) CycleFinished(result string, seconds float64) {
	if m == nil {
		return
	}
	m.Cycles.WithLabelValues(result).Inc()
	m.CycleDuration.Observe(seconds)
}

func (m *Metrics) PortUpdated() {
	if m != nil {
		m.PortsUpdated.Inc()
	}
}

func (m *Metrics) PortSkipped() {
	if m != nil {
		m.PortsSkipped.Inc()
	}
}

func (m *Metrics) LimitApplied(kind string) {
	if m != nil {
		m.LimitActions.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) JobDispatched(job string, err error) {
	if m != nil {
		m.JobsDispatched.WithLabelValues(job, result(err)).Inc()
	}
}

func (m *Metrics) BillingRequest(endpoint, res string) {
	if m != nil {
		m.BillingRequests.WithLabelValues(endpoint, res).Inc()
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
