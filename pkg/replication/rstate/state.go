package rstate

import (
	"context"

	"github.com/shardlog/shardlog/pkg/future"
	"github.com/shardlog/shardlog/pkg/replication/types"
)

// Entry 解码后的应用日志
type Entry[E any] struct {
	Index   types.LogIndex
	Payload E
}

// EntryCodec 应用日志与日志负载之间的编解码
type EntryCodec[E any] interface {
	Encode(entry E) ([]byte, error)
	Decode(data []byte) (E, error)
}

// LeaderState 领导侧的应用状态，恢复完成前不会对外暴露
type LeaderState[E any] interface {
	// RecoverEntries 回放建立领导时已提交的全部应用日志
	RecoverEntries(ctx context.Context, entries []Entry[E]) error
	Resign()
}

// FollowerState 跟随侧的应用状态
type FollowerState[E any] interface {
	// AcquireSnapshot 从领导处获取截至index的状态
	AcquireSnapshot(ctx context.Context, leader types.ParticipantID, index types.LogIndex) error
	// ApplyEntries 按顺序应用新提交的日志
	ApplyEntries(ctx context.Context, entries []Entry[E]) error
	Resign()
}

// Factory 描述一种应用状态机：持久状态容器以及领导/跟随两种包装
type Factory[E any, C any, L LeaderState[E], F FollowerState[E]] interface {
	ConstructCore() C
	ConstructLeader(core C, stream LeaderStream[E]) L
	ConstructFollower(core C, stream FollowerStream[E]) F
}

// LeaderStream 领导包装写日志的通道
type LeaderStream[E any] interface {
	// Insert 写入一条日志，返回分配的下标
	Insert(entry E, waitForSync bool) (types.LogIndex, error)
	// WaitFor 等待index提交
	WaitFor(index types.LogIndex) *future.Future[types.LogIndex]
	// Release 状态机已应用到index
	Release(index types.LogIndex)
}

// FollowerStream 跟随包装查看日志进度的通道
type FollowerStream[E any] interface {
	CommitIndex() types.LogIndex
	Release(index types.LogIndex)
}
