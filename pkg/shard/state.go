package shard

import (
	"context"
	"fmt"
	"sync"

	"github.com/shardlog/shardlog/pkg/future"
	"github.com/shardlog/shardlog/pkg/replication/rstate"
	"github.com/shardlog/shardlog/pkg/replication/types"
	"github.com/shardlog/shardlog/pkg/rlog"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ShardInfo 一个分片的描述，用于快照
type ShardInfo struct {
	ID             ShardID        `json:"id"`
	Collection     CollectionID   `json:"collection"`
	CollectionType CollectionType `json:"type"`
	Properties     Properties     `json:"properties"`
}

// SnapshotSource 从领导处读取分片列表
type SnapshotSource interface {
	Shards(ctx context.Context, leader types.ParticipantID, database string) ([]ShardInfo, error)
}

// ShardCore 分片状态机的持久部分，集合本身保存在本地注册表中
type ShardCore struct {
	handler *ShardHandler
}

func (c *ShardCore) Handler() *ShardHandler {
	return c.handler
}

type ShardFactory struct {
	database  string
	executor  MaintenanceActionExecutor
	registry  CollectionRegistry
	snapshots SnapshotSource
}

// NewShardFactory snapshots为nil时跟随者以本地注册表为准
func NewShardFactory(database string, executor MaintenanceActionExecutor, registry CollectionRegistry, snapshots SnapshotSource) *ShardFactory {
	return &ShardFactory{database: database, executor: executor, registry: registry, snapshots: snapshots}
}

func (f *ShardFactory) ConstructCore() *ShardCore {
	return &ShardCore{handler: NewShardHandler(f.database, f.executor, f.registry)}
}

func (f *ShardFactory) ConstructLeader(core *ShardCore, stream rstate.LeaderStream[*ShardEntry]) *ShardLeader {
	return &ShardLeader{
		core:    core,
		stream:  stream,
		lastApp: future.Resolved(struct{}{}),
		Log:     rlog.NewRLog(fmt.Sprintf("ShardLeader[%s]", f.database)),
	}
}

func (f *ShardFactory) ConstructFollower(core *ShardCore, stream rstate.FollowerStream[*ShardEntry]) *ShardFollower {
	return &ShardFollower{
		core:      core,
		stream:    stream,
		registry:  f.registry,
		snapshots: f.snapshots,
		Log:       rlog.NewRLog(fmt.Sprintf("ShardFollower[%s]", f.database)),
	}
}

// ReplicatedShardState 一个数据库的分片状态机
type ReplicatedShardState = rstate.ReplicatedState[*ShardEntry, *ShardCore, *ShardLeader, *ShardFollower]

func NewReplicatedShardState(factory *ShardFactory, opt ...rstate.Option) *ReplicatedShardState {
	return rstate.NewReplicatedState[*ShardEntry, *ShardCore, *ShardLeader, *ShardFollower](factory, EntryCodec{}, opt...)
}

// applyAll 逐条应用，失败只记录不重试
func applyAll(ctx context.Context, log rlog.Log, handler *ShardHandler, entries []rstate.Entry[*ShardEntry], resigned *atomic.Bool) error {
	for _, e := range entries {
		if resigned.Load() {
			return ErrStateResigned
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := handler.Apply(ctx, e.Payload); err != nil {
			followerApplyFailures.WithLabelValues(handler.Database()).Inc()
			log.Warn("apply shard entry failed", zap.Uint64("index", uint64(e.Index)), zap.String("entry", e.Payload.String()), zap.Error(err))
		}
	}
	return nil
}

// ShardLeader 领导侧：DDL先写入日志，提交后按顺序在本地应用
type ShardLeader struct {
	core   *ShardCore
	stream rstate.LeaderStream[*ShardEntry]

	mu       sync.Mutex
	lastApp  *future.Future[struct{}] // 上一条日志的本地应用
	resigned atomic.Bool

	rlog.Log
}

func (l *ShardLeader) RecoverEntries(ctx context.Context, entries []rstate.Entry[*ShardEntry]) error {
	l.Info("recover shard entries", zap.Int("entries", len(entries)))
	return applyAll(ctx, l.Log, l.core.handler, entries, &l.resigned)
}

func (l *ShardLeader) Resign() {
	l.resigned.Store(true)
}

// Replicate 写入一条DDL，提交并在本地应用后完成，结果为本地应用的结果
func (l *ShardLeader) Replicate(e *ShardEntry) *future.Future[struct{}] {
	l.mu.Lock()
	if l.resigned.Load() {
		l.mu.Unlock()
		return future.Failed[struct{}](ErrStateResigned)
	}
	index, err := l.stream.Insert(e, true)
	if err != nil {
		l.mu.Unlock()
		return future.Failed[struct{}](err)
	}
	prev := l.lastApp
	done := future.New[struct{}]()
	l.lastApp = done
	l.mu.Unlock()

	l.stream.WaitFor(index).Then(func(_ types.LogIndex, err error) {
		prev.Then(func(struct{}, error) {
			if err != nil {
				done.Reject(err)
				return
			}
			if l.resigned.Load() {
				done.Reject(ErrStateResigned)
				return
			}
			applyErr := l.core.handler.Apply(context.Background(), e)
			l.stream.Release(index)
			if applyErr != nil {
				done.Reject(applyErr)
				return
			}
			done.Resolve(struct{}{})
		})
	})
	return done
}

func (l *ShardLeader) replicateAndWait(ctx context.Context, e *ShardEntry) error {
	_, err := l.Replicate(e).Wait(ctx)
	return err
}

func (l *ShardLeader) EnsureShard(ctx context.Context, shard ShardID, typ CollectionType, props Properties) error {
	return l.replicateAndWait(ctx, NewEnsureShardEntry(shard, typ, props))
}

func (l *ShardLeader) DropShard(ctx context.Context, shard ShardID) error {
	return l.replicateAndWait(ctx, NewDropShardEntry(shard))
}

func (l *ShardLeader) DropAllShards(ctx context.Context) error {
	return l.replicateAndWait(ctx, NewDropAllShardsEntry())
}

func (l *ShardLeader) ModifyShard(ctx context.Context, shard ShardID, collection CollectionID, props Properties) error {
	return l.replicateAndWait(ctx, NewModifyShardEntry(shard, collection, props))
}

// ShardFollower 跟随侧：已提交的日志逐条应用
type ShardFollower struct {
	core      *ShardCore
	stream    rstate.FollowerStream[*ShardEntry]
	registry  CollectionRegistry
	snapshots SnapshotSource
	resigned  atomic.Bool

	rlog.Log
}

// AcquireSnapshot 以领导的分片列表为准，补建缺少的分片并删除多余的分片
func (f *ShardFollower) AcquireSnapshot(ctx context.Context, leader types.ParticipantID, index types.LogIndex) error {
	if f.snapshots == nil {
		f.Info("no snapshot source, keep local shards", zap.String("leader", string(leader)), zap.Uint64("index", uint64(index)))
		return nil
	}
	handler := f.core.handler
	remote, err := f.snapshots.Shards(ctx, leader, handler.Database())
	if err != nil {
		return err
	}
	local, err := f.registry.Shards(handler.Database())
	if err != nil {
		return err
	}
	wanted := make(map[ShardID]struct{}, len(remote))
	for _, s := range remote {
		wanted[s.ID] = struct{}{}
		if err = handler.EnsureShard(ctx, s.ID, s.CollectionType, s.Properties); err != nil {
			return err
		}
	}
	for _, id := range local {
		if _, ok := wanted[id]; ok {
			continue
		}
		if err = handler.DropShard(ctx, id); err != nil {
			return err
		}
	}
	f.Info("snapshot acquired", zap.String("leader", string(leader)), zap.Uint64("index", uint64(index)), zap.Int("shards", len(remote)))
	return nil
}

func (f *ShardFollower) ApplyEntries(ctx context.Context, entries []rstate.Entry[*ShardEntry]) error {
	return applyAll(ctx, f.Log, f.core.handler, entries, &f.resigned)
}

func (f *ShardFollower) Resign() {
	f.resigned.Store(true)
}

func (f *ShardFollower) CommitIndex() types.LogIndex {
	return f.stream.CommitIndex()
}
