package crawler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fhirhub",
			Subsystem: "crawler",
			Name:      "runs_total",
			Help:      "Total number of crawler runs started.",
		},
	)
	itemCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fhirhub",
			Subsystem: "crawler",
			Name:      "items_total",
			Help:      "Total number of feed items seen, by disposition.",
		},
		[]string{"status"},
	)
	bytesCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fhirhub",
			Subsystem: "crawler",
			Name:      "archive_bytes_total",
			Help:      "Total archive bytes fetched from feeds.",
		},
	)
	runDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fhirhub",
			Subsystem: "crawler",
			Name:      "run_duration_seconds",
			Help:      "The duration of crawler runs.",
		},
	)
)
