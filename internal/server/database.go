package server

import (
	"github.com/shardlog/shardlog/internal/maintenance"
	"github.com/shardlog/shardlog/pkg/replication/replog"
	"github.com/shardlog/shardlog/pkg/replication/rpc"
	"github.com/shardlog/shardlog/pkg/replication/rstate"
	"github.com/shardlog/shardlog/pkg/replication/types"
	"github.com/shardlog/shardlog/pkg/shard"
	"go.uber.org/zap"
)

// database 一个数据库对应一个复制日志和一个分片状态机
type database struct {
	name     string
	log      *replog.ReplicatedLog
	state    *shard.ReplicatedShardState
	executor *maintenance.Executor
}

func (s *Server) openDatabase(name string) (*database, error) {
	methods, err := s.logStore.Methods(name)
	if err != nil {
		return nil, err
	}
	rep := s.opts.Replication
	log := replog.New(methods,
		replog.WithLogID(name),
		replog.WithScheduler(s.sched),
		replog.WithNetwork(rpc.NewClient(name, peerResolver{s}, s.sched)),
		replog.WithMaxEntriesPerBatch(rep.MaxEntriesPerBatch),
		replog.WithRetryDelay(rep.RetryDelay),
		replog.WithMaxRetryDelay(rep.MaxRetryDelay),
		replog.WithRequestTimeout(rep.RequestTimeout),
		replog.WithHeartbeatInterval(rep.HeartbeatInterval),
	)

	executor := maintenance.NewExecutor(name, s.vocbase, s.locks, s.tracker)
	factory := shard.NewShardFactory(name, executor, s.vocbase, s.snapshots)
	st := s.opts.State
	state := shard.NewReplicatedShardState(factory,
		rstate.WithName(name),
		rstate.WithScheduler(s.sched),
		rstate.WithRetryDelay(st.RetryDelay),
		rstate.WithRecoveryTimeout(st.RecoveryTimeout),
		rstate.WithApplyTimeout(st.ApplyTimeout),
	)
	if err = state.Connect(log); err != nil {
		log.Close()
		return nil, err
	}
	s.Info("database opened", databaseField(name))
	return &database{name: name, log: log, state: state, executor: executor}, nil
}

func (d *database) close() {
	_ = d.state.Disconnect()
	d.log.Close()
}

// leaderID 当前已知的领导，未配置时为空
func (d *database) leaderID() types.ParticipantID {
	return d.log.GetQuickStatus().Leader
}

// AppendEntriesHandler 供rpc.Handler按日志ID查找
func (s *Server) AppendEntriesHandler(logID string) (replog.AppendEntriesHandler, bool) {
	db, ok := s.database(logID)
	if !ok {
		return nil, false
	}
	return db.log, true
}

type peerResolver struct {
	s *Server
}

func (p peerResolver) PeerAddr(id types.ParticipantID) (string, bool) {
	return p.s.opts.PeerAddr(string(id))
}

func databaseField(name string) zap.Field {
	return zap.String("database", name)
}
