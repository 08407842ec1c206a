package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fhirhub",
			Subsystem: "registry",
			Name:      "runs_total",
			Help:      "Total number of registry crawls started.",
		},
	)
	probeCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fhirhub",
			Subsystem: "registry",
			Name:      "probes_total",
			Help:      "Total number of server version probes, by outcome.",
		},
		[]string{"outcome"},
	)
	resolveCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fhirhub",
			Subsystem: "registry",
			Name:      "resolves_total",
			Help:      "Total number of resolution queries answered.",
		},
	)
)
