// Package metrics exposes router counters to Prometheus. A nil *Metrics is
// valid and records nothing, so components can take one unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wamprouter"

// Metrics holds the router's collectors.
type Metrics struct {
	sessions        prometheus.Gauge
	publications    *prometheus.CounterVec
	eventsDelivered prometheus.Counter
	calls           *prometheus.CounterVec
	framesDropped   prometheus.Counter
	rejectedJoins   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration, which tests use to get isolated collectors.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Sessions currently joined to a realm.",
		}),
		publications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publications_total",
			Help:      "Publications accepted by the broker.",
		}, []string{"realm"}),
		eventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Outbound frames accepted by session send queues.",
		}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Finished calls by outcome.",
		}, []string{"realm", "outcome"}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Outbound frames dropped because a session's send buffer was full.",
		}),
		rejectedJoins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_joins_total",
			Help:      "HELLOs answered with ABORT, by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.sessions, m.publications, m.eventsDelivered, m.calls, m.framesDropped, m.rejectedJoins}
}

// RegisterQueueDepth exports fn as the routing loop's queue depth.
func (m *Metrics) RegisterQueueDepth(reg prometheus.Registerer, fn func() float64) error {
	if m == nil || reg == nil {
		return nil
	}
	return reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "loop_queue_depth",
		Help:      "Tasks waiting on the routing loop.",
	}, fn))
}

func (m *Metrics) RecordSessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) RecordSessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

func (m *Metrics) RecordPublication(realm string) {
	if m == nil {
		return
	}
	m.publications.WithLabelValues(realm).Inc()
}

// RecordDelivered counts n frames handed to session queues.
func (m *Metrics) RecordDelivered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsDelivered.Add(float64(n))
}

func (m *Metrics) RecordCall(realm, outcome string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(realm, outcome).Inc()
}

func (m *Metrics) RecordDroppedFrame() {
	if m == nil {
		return
	}
	m.framesDropped.Inc()
}

func (m *Metrics) RecordRejectedJoin(reason string) {
	if m == nil {
		return
	}
	m.rejectedJoins.WithLabelValues(reason).Inc()
}
