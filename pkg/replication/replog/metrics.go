package replog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	appendEntriesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shardlog",
		Subsystem: "replication",
		Name:      "append_entries_sent_total",
		Help:      "AppendEntries responses received by leaders, by error code",
	}, []string{"log", "code"})

	appendEntriesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shardlog",
		Subsystem: "replication",
		Name:      "append_entries_received_total",
		Help:      "AppendEntries requests handled by followers, by error code",
	}, []string{"log", "code"})

	insertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shardlog",
		Subsystem: "replication",
		Name:      "inserts_total",
		Help:      "Entries inserted by leaders",
	}, []string{"log"})

	commitIndexGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "shardlog",
		Subsystem: "replication",
		Name:      "commit_index",
		Help:      "Current commit index",
	}, []string{"log"})

	roleChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shardlog",
		Subsystem: "replication",
		Name:      "role_changes_total",
		Help:      "Participant swaps, by new role",
	}, []string{"log", "role"})
)
