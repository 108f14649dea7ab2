package storage

import (
	"errors"

	"github.com/shardlog/shardlog/pkg/replication/types"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrNotContiguous  = errors.New("entries are not contiguous with the log")
	ErrClosed         = errors.New("storage closed")
	ErrIndexCompacted = errors.New("index has been compacted")
)

// Methods 日志存储接口，Leader/Follower 通过它持久化日志与状态元数据
// 存储始终至少保留最后一条日志，以便重启后能恢复最后的任期和下标
type Methods interface {
	// Append 追加日志，第一条日志的下标必须等于最后一条日志下标+1（空日志时任意）
	Append(entries []types.LogEntry, waitForSync bool) error
	// Read 读取 [first, end) 范围内的日志，超出存储范围的部分被忽略
	Read(first, end types.LogIndex) ([]types.LogEntry, error)
	// Entry 读取指定下标的日志
	Entry(index types.LogIndex) (types.LogEntry, error)
	// LastEntry 最后一条日志的任期与下标，空日志时返回零值
	LastEntry() (types.TermIndexPair, error)
	// FirstIndex 第一条日志的下标，空日志时返回0
	FirstIndex() (types.LogIndex, error)
	// RemoveFront 删除下标小于stop的日志（最后一条日志除外）
	RemoveFront(stop types.LogIndex) error
	// RemoveBack 删除下标大于等于start的日志
	RemoveBack(start types.LogIndex) error
	// ReadMetadata 读取状态元数据，不存在时返回 ErrNotFound
	ReadMetadata() (*types.PersistedStateInfo, error)
	UpdateMetadata(info *types.PersistedStateInfo) error
	// ReadReleaseIndex 状态机最后释放的下标，从未写入时返回0
	ReadReleaseIndex() (types.LogIndex, error)
	UpdateReleaseIndex(index types.LogIndex) error
}
