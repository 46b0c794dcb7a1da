package consolidate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qualcode",
		Subsystem: "consolidate",
		Name:      "chunks_total",
		Help:      "Chunks processed per stage, by outcome (ok, retry).",
	}, []string{"stage", "outcome"})

	codesMerged = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qualcode",
		Subsystem: "consolidate",
		Name:      "codes_merged_total",
		Help:      "Codes absorbed into another code, per stage.",
	}, []string{"stage"})

	liveCodes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "qualcode",
		Subsystem: "consolidate",
		Name:      "live_codes",
		Help:      "Live codes after the most recent iteration.",
	})
)
