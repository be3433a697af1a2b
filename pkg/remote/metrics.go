package remote

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	requestDuration *prometheus.HistogramVec
	payloadBytes    *prometheus.CounterVec
	failures        *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	return &Metrics{
		requestDuration: promauto.With(registerer).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "querygrid",
			Name:      "remote_request_duration_seconds",
			Help:      "Duration of requests to remote query endpoints.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status_code", "host"}),
		payloadBytes: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Namespace: "querygrid",
			Name:      "remote_sent_bytes_total",
			Help:      "Request bytes sent to remote query endpoints.",
		}, []string{"host"}),
		failures: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Namespace: "querygrid",
			Name:      "remote_failures_total",
			Help:      "Requests that exhausted retries or failed fatally.",
		}, []string{"host"}),
	}
}
