package broker

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the broker's Prometheus metrics, on their own registry.
type Metrics struct {
	active   prometheus.Gauge
	opened   prometheus.Counter
	registry *prometheus.Registry
}

func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "broker"
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipes_active",
			Help:      "Number of pipe ids currently bound",
		}),
		opened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipes_opened_total",
			Help:      "Total number of pipes opened",
		}),
	}
	m.registry.MustRegister(m.active, m.opened)
	return m
}

func (m *Metrics) pipeOpened() {
	m.opened.Inc()
	m.active.Inc()
}

func (m *Metrics) pipeReleased() {
	m.active.Dec()
}

// Registry returns the registry served on /metrics. Callers may register more collectors on it.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
