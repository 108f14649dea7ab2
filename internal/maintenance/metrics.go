package maintenance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dirtyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shardlog",
		Subsystem: "maintenance",
		Name:      "dirty_total",
		Help:      "Number of times local shard state was marked dirty.",
	}, []string{"database"})

	syncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shardlog",
		Subsystem: "maintenance",
		Name:      "sync_runs_total",
		Help:      "Number of dirty-sync passes by result.",
	}, []string{"result"})
)
