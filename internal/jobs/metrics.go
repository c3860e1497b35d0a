package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's Prometheus collectors.
type Metrics struct {
	queued     *prometheus.CounterVec
	finished   *prometheus.CounterVec
	dispatched *prometheus.CounterVec
	collected  *prometheus.CounterVec
	runSeconds *prometheus.HistogramVec
	stuck      prometheus.Gauge
	deleted    prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil
// reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		queued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "visionjobs",
			Name:      "jobs_queued_total",
			Help:      "Jobs created by queue requests, by job name.",
		}, []string{"job_name"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "visionjobs",
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal status.",
		}, []string{"job_name", "status", "reason"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "visionjobs",
			Name:      "work_units_submitted_total",
			Help:      "Work units handed to the compute pool.",
		}, []string{"job_name", "result"}),
		collected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "visionjobs",
			Name:      "work_units_collected_total",
			Help:      "Work unit states seen by the result collector.",
		}, []string{"status"}),
		runSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "visionjobs",
			Name:      "tracked_run_duration_seconds",
			Help:      "Duration of scheduler, collector and registrar runs.",
		}, []string{"run"}),
		stuck: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "visionjobs",
			Name:      "stuck_jobs",
			Help:      "Jobs reported by the last stuck job sweep.",
		}),
		deleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "visionjobs",
			Name:      "jobs_deleted_total",
			Help:      "Old jobs removed by the cleanup sweep.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.queued, m.finished, m.dispatched, m.collected, m.runSeconds, m.stuck, m.deleted)
	}
	return m
}
