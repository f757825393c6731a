package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the supervisor's Prometheus collectors.
type Metrics struct {
	JobsLaunched       prometheus.Counter
	JobsFinished       *prometheus.CounterVec
	WorkersRunning     prometheus.Gauge
	JobDuration        prometheus.Histogram
	StoreWriteFailures prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsLaunched: f.NewCounter(prometheus.CounterOpts{
			Namespace: "netwatch",
			Name:      "jobs_launched_total",
			Help:      "Report jobs launched.",
		}),
		JobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netwatch",
			Name:      "jobs_finished_total",
			Help:      "Report jobs that reached a terminal status.",
		}, []string{"status"}),
		WorkersRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "netwatch",
			Name:      "workers_running",
			Help:      "Analysis worker processes currently running.",
		}),
		JobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "netwatch",
			Name:      "job_duration_seconds",
			Help:      "Wall time from launch to terminal status.",
			Buckets:   []float64{1, 5, 10, 20, 30, 60, 120, 300, 600},
		}),
		StoreWriteFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "netwatch",
			Name:      "store_write_failures_total",
			Help:      "Job record writes that failed after all retries.",
		}),
	}
}
