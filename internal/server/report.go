package server

import (
	"context"
	"time"

	"github.com/shardlog/shardlog/pkg/replication/types"
	"github.com/shardlog/shardlog/pkg/shard"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// SyncReport 最近一次对齐时本地分片的状态
type SyncReport struct {
	Version   uint64                   `json:"version"`
	Time      time.Time                `json:"time"`
	Databases map[string]*DatabaseSync `json:"databases"`
}

type DatabaseSync struct {
	Role        types.ParticipantRole `json:"role"`
	Term        types.LogTerm         `json:"term"`
	CommitIndex types.LogIndex        `json:"commit_index"`
	Shards      []shard.ShardID       `json:"shards"`
}

// syncLocalState 收集本地分片，作为上报给集群协调层的当前状态
func (s *Server) syncLocalState(ctx context.Context) error {
	report := &SyncReport{
		Version:   s.tracker.Version(),
		Time:      time.Now(),
		Databases: make(map[string]*DatabaseSync),
	}
	var errs error
	for _, name := range s.databaseNames() {
		if err := ctx.Err(); err != nil {
			return err
		}
		db, ok := s.database(name)
		if !ok {
			continue
		}
		shards, err := s.vocbase.Shards(name)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		status := db.log.GetQuickStatus()
		report.Databases[name] = &DatabaseSync{
			Role:        status.Role,
			Term:        status.Term,
			CommitIndex: status.CommitIndex,
			Shards:      shards,
		}
	}
	if errs != nil {
		return errs
	}
	s.reportMu.Lock()
	s.report = report
	s.reportMu.Unlock()
	s.Debug("local state synced", zap.Uint64("version", report.Version), zap.Int("databases", len(report.Databases)))
	return nil
}

func (s *Server) lastReport() *SyncReport {
	s.reportMu.RLock()
	defer s.reportMu.RUnlock()
	return s.report
}
