package capture

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports worker counters to prometheus.
type Metrics struct {
	enqueued   prometheus.Counter
	rejected   prometheus.Counter
	outcomes   *prometheus.CounterVec
	retries    prometheus.Counter
	queueDepth prometheus.Gauge
	drains     prometheus.Counter
}

// NewMetrics registers the worker metrics on registerer, or on the default registerer when nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &Metrics{
		enqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "triggeredavg_capture_requests_enqueued_total",
			Help: "Total number of capture requests accepted into the queue.",
		}),
		rejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "triggeredavg_capture_requests_rejected_total",
			Help: "Total number of capture requests rejected because the queue was full.",
		}),
		outcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triggeredavg_capture_requests_completed_total",
				Help: "Total number of capture requests leaving the queue, by outcome.",
			},
			[]string{"outcome"}, // succeeded, too_old, invalid, expired
		),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Name: "triggeredavg_capture_retries_total",
			Help: "Total number of retries of requests whose window was not yet complete.",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "triggeredavg_capture_queue_depth",
			Help: "Number of capture requests waiting in the queue.",
		}),
		drains: factory.NewCounter(prometheus.CounterOpts{
			Name: "triggeredavg_capture_update_notifications_total",
			Help: "Total number of coalesced data-updated notifications.",
		}),
	}
}

// The methods below tolerate a nil receiver so the worker can run without metrics.

func (m *Metrics) observeEnqueued(depth int) {
	if m == nil {
		return
	}
	m.enqueued.Inc()
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) observeRejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}

func (m *Metrics) observeOutcome(state State, depth int) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(state.String()).Inc()
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) observeRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) observeNotification() {
	if m == nil {
		return
	}
	m.drains.Inc()
}
