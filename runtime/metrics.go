package runtime

import (
	"time"

	"github.com/paulbellamy/ratecounter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	triggers *prometheus.CounterVec
	segments prometheus.Counter
	rows     prometheus.Counter
	duration prometheus.Histogram
	rate     *ratecounter.RateCounter
}

func newMetrics(registerer prometheus.Registerer) *metrics {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	factory := promauto.With(registerer)
	m := &metrics{
		triggers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hunt_triggers_total",
			Help: "Triggers evaluated, by statement kind and outcome.",
		}, []string{"kind", "status"}),
		segments: factory.NewCounter(prometheus.CounterOpts{
			Name: "hunt_segments_executed_total",
			Help: "Graph segments executed across all triggers.",
		}),
		rows: factory.NewCounter(prometheus.CounterOpts{
			Name: "hunt_rows_materialized_total",
			Help: "Rows materialized by segment execution.",
		}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "hunt_trigger_duration_seconds",
			Help:    "Wall time of the resolve-compile-execute pipeline.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		rate: ratecounter.NewRateCounter(time.Second),
	}
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "hunt_rows_materialized_per_second",
		Help: "Recent row materialization rate.",
	}, func() float64 { return float64(m.rate.Rate()) })
	return m
}

func (m *metrics) observeRows(n int) {
	m.rows.Add(float64(n))
	m.rate.Incr(int64(n))
}

func (m *metrics) observeTrigger(kind string, err error, elapsed time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.triggers.WithLabelValues(kind, status).Inc()
	m.duration.Observe(elapsed.Seconds())
}
