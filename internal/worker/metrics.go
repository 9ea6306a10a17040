package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pool- and worker-level Prometheus instruments. One
// Metrics is shared by a pool and every worker it spawns; tests construct
// one per pool with their own registry so parallel pools never collide on
// registration.
type Metrics struct {
	LiveWorkers          prometheus.Gauge
	WorkerRestartsTotal  prometheus.Counter
	ClaimsTotal          prometheus.Counter
	ClaimedJobsTotal     prometheus.Counter
	JobsCompletedTotal   prometheus.Counter
	JobsFailedTotal      prometheus.Counter
	ProfilesSampledTotal prometheus.Counter
}

// NewMetrics registers the instruments with reg (prometheus.DefaultRegisterer
// when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		LiveWorkers: f.NewGauge(prometheus.GaugeOpts{
			Name: "pdoflow_pool_live_workers",
			Help: "Workers currently in the running state.",
		}),
		WorkerRestartsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pdoflow_pool_worker_restarts_total",
			Help: "Dead worker slots respawned by upkeep.",
		}),
		ClaimsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pdoflow_claims_total",
			Help: "Non-empty claim transactions committed.",
		}),
		ClaimedJobsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pdoflow_claimed_jobs_total",
			Help: "Job records claimed across all workers.",
		}),
		JobsCompletedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pdoflow_jobs_completed_total",
			Help: "Job records that finished successfully.",
		}),
		JobsFailedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pdoflow_jobs_failed_total",
			Help: "Job record execution failures, including resolution failures.",
		}),
		ProfilesSampledTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pdoflow_profiles_sampled_total",
			Help: "Job records executed under the CPU profiler.",
		}),
	}
}
