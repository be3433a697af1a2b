package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	executions        *prometheus.CounterVec
	dedupedExecutions prometheus.Counter
	executionDuration prometheus.Histogram
	stalenessChecks   *prometheus.CounterVec
	discardedComputes prometheus.Counter
	prewarms          prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		executions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "querygrid",
			Name:      "engine_executions_total",
			Help:      "Executions by outcome.",
		}, []string{"outcome"}),
		dedupedExecutions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "querygrid",
			Name:      "engine_deduped_executions_total",
			Help:      "Executions that joined an identical in-flight execution.",
		}),
		executionDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "querygrid",
			Name:      "engine_execution_duration_seconds",
			Help:      "Wall time of one execution, fetch through merge.",
			Buckets:   prometheus.DefBuckets,
		}),
		stalenessChecks: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "querygrid",
			Name:      "engine_staleness_checks_total",
			Help:      "Per-partition staleness decisions.",
		}, []string{"result"}),
		discardedComputes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "querygrid",
			Name:      "engine_discarded_computes_total",
			Help:      "Local computations discarded because a newer one was issued.",
		}),
		prewarms: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "querygrid",
			Name:      "engine_prewarms_total",
			Help:      "Background cache prewarm runs started.",
		}),
	}
}
