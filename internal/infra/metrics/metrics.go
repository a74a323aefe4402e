package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/model"
)

const namespace = "purchases"

// Registry holds the collectors of one process.
type Registry struct {
	reg *prometheus.Registry

	transitions    *prometheus.CounterVec
	jobRuns        *prometheus.CounterVec
	jobItems       *prometheus.CounterVec
	reconcileStats *prometheus.GaugeVec
	reconcileDiff  prometheus.Gauge
	reconcileAt    prometheus.Gauge
}

func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Purchase status transitions by target status.",
		}, []string{"status"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Worker job runs by job and outcome.",
		}, []string{"job", "outcome"}),
		jobItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_items_total",
			Help:      "Items handled by worker jobs by job and outcome.",
		}, []string{"job", "outcome"}),
		reconcileStats: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconciliation",
			Name:      "count",
			Help:      "Counts from the latest reconciliation run.",
		}, []string{"kind"}),
		reconcileDiff: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconciliation",
			Name:      "diff",
			Help:      "Diff of the latest reconciliation run.",
		}),
		reconcileAt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconciliation",
			Name:      "last_run_timestamp_seconds",
			Help:      "Finish time of the latest reconciliation run.",
		}),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.transitions,
		r.jobRuns,
		r.jobItems,
		r.reconcileStats,
		r.reconcileDiff,
		r.reconcileAt,
	)
	return r
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

func (r *Registry) ObservePurchaseTransition(status string) {
	r.transitions.WithLabelValues(status).Inc()
}

func (r *Registry) ObserveJobRun(job string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.jobRuns.WithLabelValues(job, outcome).Inc()
}

func (r *Registry) ObserveJobItems(job, outcome string, n int) {
	if n <= 0 {
		return
	}
	r.jobItems.WithLabelValues(job, outcome).Add(float64(n))
}

func (r *Registry) ObserveReconciliation(run model.ReconciliationRun) {
	r.reconcileStats.WithLabelValues("paid").Set(float64(run.PaidCount))
	r.reconcileStats.WithLabelValues("credited").Set(float64(run.CreditedCount))
	r.reconcileStats.WithLabelValues("stale_paid_uncredited").Set(float64(run.StalePaidUncreditedCount))
	r.reconcileStats.WithLabelValues("amount_mismatch").Set(float64(run.AmountMismatchCount))
	r.reconcileDiff.Set(float64(run.DiffCount))
	r.reconcileAt.Set(float64(run.FinishedAt.Unix()))
}
