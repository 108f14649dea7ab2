package rstate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recoveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "shardlog",
		Subsystem: "state",
		Name:      "recovery_duration_seconds",
		Help:      "Time from recovery start until the state is published.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"state", "role"})

	appliedEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shardlog",
		Subsystem: "state",
		Name:      "applied_entries_total",
		Help:      "Entries applied by followers after recovery.",
	}, []string{"state"})
)
