package replog

import (
	"github.com/shardlog/shardlog/pkg/replication/types"
)

// Participant 日志当前的活跃角色，只有 *Leader 和 *Follower 两种实现
type Participant interface {
	Term() types.LogTerm
	Role() types.ParticipantRole
	CommitIndex() types.LogIndex
	// FirstIndex 本地可读的第一条日志下标
	FirstIndex() (types.LogIndex, error)
	// ReadCommitted 读取 [first, end) 中已提交的日志
	ReadCommitted(first, end types.LogIndex) ([]types.LogEntry, error)
	Resign()

	participant()
}

func (*Leader) participant()   {}
func (*Follower) participant() {}

// StateHandle 状态机与日志的绑定点，日志通过它通知角色变更与提交进度
// 回调在日志的锁内执行，实现方不能在回调中同步调用 ReplicatedLog 的方法，Connection 只能调用 UpdateLocalState、Release 和 ReleaseIndex
type StateHandle interface {
	BecomeLeader(conn *Connection, leader *Leader)
	BecomeFollower(conn *Connection, follower *Follower)
	// DropRole 当前角色被替换或连接断开
	DropRole()
	// CommitIndexUpdated 当前角色的提交下标前进
	CommitIndexUpdated(index types.LogIndex)
}
