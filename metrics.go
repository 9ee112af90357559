package changes

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "changes_feed"

// Metrics records feed activity as Prometheus metrics.
// A nil *Metrics records nothing.
type Metrics struct {
	events       prometheus.Counter
	heartbeats   prometheus.Counter
	stalls       prometheus.Counter
	active       prometheus.Gauge
	terminations *prometheus.CounterVec
}

// NewMetrics creates feed metrics and registers them on reg.
// Pass the same Metrics to every feed with WithMetrics.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		events: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_total",
			Help:      "Change events queued by feed readers.",
		}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeat lines received.",
		}),
		stalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "queue_full_total",
			Help:      "Times a reader found its queue full and waited for consumers.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active",
			Help:      "Feeds whose reader is running.",
		}),
		terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "terminations_total",
			Help:      "Feeds stopped, by reason.",
		}, []string{"reason"}),
	}

	for _, c := range []prometheus.Collector{m.events, m.heartbeats, m.stalls, m.active, m.terminations} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) feedStarted() {
	if m == nil {
		return
	}
	m.active.Inc()
}

func (m *Metrics) feedTerminated(reason Reason) {
	if m == nil {
		return
	}
	m.active.Dec()
	m.terminations.WithLabelValues(reason.String()).Inc()
}

func (m *Metrics) event() {
	if m == nil {
		return
	}
	m.events.Inc()
}

func (m *Metrics) heartbeat() {
	if m == nil {
		return
	}
	m.heartbeats.Inc()
}

func (m *Metrics) queueFull() {
	if m == nil {
		return
	}
	m.stalls.Inc()
}
