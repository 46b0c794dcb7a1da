package llm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qualcode",
		Subsystem: "llm",
		Name:      "requests_total",
		Help:      "Chat requests by namespace and outcome (ok, error, cache).",
	}, []string{"namespace", "outcome"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "qualcode",
		Subsystem: "llm",
		Name:      "request_duration_seconds",
		Help:      "Latency of chat requests that reached the provider.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"namespace"})
)
