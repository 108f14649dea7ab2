package shard

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ddlTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shardlog",
		Subsystem: "shard",
		Name:      "ddl_total",
		Help:      "Shard DDL operations by result.",
	}, []string{"database", "op", "result"})

	followerApplyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shardlog",
		Subsystem: "shard",
		Name:      "follower_apply_failures_total",
		Help:      "Committed DDL entries that failed to apply on a follower.",
	}, []string{"database"})
)
