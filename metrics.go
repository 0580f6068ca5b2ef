package dynload

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics of a Manager. A nil *Metrics records nothing.
type Metrics struct {
	loads       *prometheus.CounterVec
	unloads     prometheus.Counter
	modules     prometheus.Gauge
	relocations *prometheus.CounterVec
	gotBytes    prometheus.Histogram
}

func NewMetrics(r prometheus.Registerer) *Metrics {
	return &Metrics{
		loads: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "dynload_loads_total",
			Help: "Module loads by result.",
		}, []string{"result"}),
		unloads: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "dynload_unloads_total",
			Help: "Modules unloaded.",
		}),
		modules: promauto.With(r).NewGauge(prometheus.GaugeOpts{
			Name: "dynload_modules",
			Help: "Modules currently loaded.",
		}),
		relocations: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "dynload_relocations_total",
			Help: "Relocation records applied by machine.",
		}, []string{"machine"}),
		gotBytes: promauto.With(r).NewHistogram(prometheus.HistogramOpts{
			Name:    "dynload_got_bytes",
			Help:    "GOT bytes reserved per loaded module.",
			Buckets: prometheus.ExponentialBuckets(16, 4, 7),
		}),
	}
}

func (m *Metrics) load(err error) {
	if m == nil {
		return
	}
	m.loads.WithLabelValues(Kind(err)).Inc()
	if err == nil {
		m.modules.Inc()
	}
}

func (m *Metrics) unload() {
	if m == nil {
		return
	}
	m.unloads.Inc()
	m.modules.Dec()
}

func (m *Metrics) relocated(machine string, n int, got uint64) {
	if m == nil {
		return
	}
	m.relocations.WithLabelValues(machine).Add(float64(n))
	m.gotBytes.Observe(float64(got))
}
