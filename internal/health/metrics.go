package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for health probes.
type Metrics struct {
	checksTotal *prometheus.CounterVec
	checkStatus *prometheus.GaugeVec
}

// NewMetrics registers the health metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		checksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "health",
				Name:      "probes_total",
				Help:      "Total number of health probes served",
			},
			[]string{"type"},
		),
		checkStatus: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "gateway",
				Subsystem: "health",
				Name:      "check_status",
				Help:      "Current dependency check status (1=healthy, 0=unhealthy)",
			},
			[]string{"check"},
		),
	}
	for _, kind := range []string{"liveness", "readiness", "startup"} {
		m.checksTotal.WithLabelValues(kind)
	}
	return m
}

func (m *Metrics) observeCheck(name string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	m.checkStatus.WithLabelValues(name).Set(v)
}
