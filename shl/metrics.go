package shl

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	createCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fhirhub",
			Subsystem: "shl",
			Name:      "manifests_created_total",
			Help:      "Total number of manifests created.",
		},
	)
	accessCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fhirhub",
			Subsystem: "shl",
			Name:      "accesses_total",
			Help:      "Total number of successful manifest accesses.",
		},
	)
	signCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fhirhub",
			Subsystem: "shl",
			Name:      "signatures_total",
			Help:      "Total number of VHL signatures produced.",
		},
	)
)
