package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	tasks                  *prometheus.CounterVec
	taskDuration           *prometheus.HistogramVec
	partitionFetches       prometheus.Counter
	partitionFetchFailures prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		tasks: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "querygrid",
			Name:      "worker_tasks_total",
			Help:      "Tasks handled by the execution worker.",
		}, []string{"kind"}),
		taskDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "querygrid",
			Name:      "worker_task_duration_seconds",
			Help:      "Wall time spent handling one task.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		partitionFetches: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "querygrid",
			Name:      "worker_partition_fetches_total",
			Help:      "Partitions fetched from the remote endpoint.",
		}),
		partitionFetchFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "querygrid",
			Name:      "worker_partition_fetch_failures_total",
			Help:      "Partition fetches that failed after retries.",
		}),
	}
}
