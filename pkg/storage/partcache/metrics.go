package partcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	puts        prometheus.Counter
	hits        prometheus.Counter
	misses      prometheus.Counter
	storedBytes prometheus.Counter
	ioErrors    prometheus.Counter
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	return &Metrics{
		puts: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Namespace: "querygrid",
			Name:      "partcache_puts_total",
			Help:      "Partitions written to the cache.",
		}),
		hits: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Namespace: "querygrid",
			Name:      "partcache_hits_total",
			Help:      "Partition reads that found an entry.",
		}),
		misses: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Namespace: "querygrid",
			Name:      "partcache_misses_total",
			Help:      "Partition reads that found nothing.",
		}),
		storedBytes: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Namespace: "querygrid",
			Name:      "partcache_stored_bytes_total",
			Help:      "Compressed bytes written to the cache.",
		}),
		ioErrors: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Namespace: "querygrid",
			Name:      "partcache_io_errors_total",
			Help:      "Cache operations that failed or hit corrupt entries.",
		}),
	}
}
