package rstate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shardlog/shardlog/pkg/replication/replog"
	"github.com/shardlog/shardlog/pkg/replication/types"
	"github.com/shardlog/shardlog/pkg/rlog"
	"go.uber.org/zap"
)

// StateManager 把应用状态机接到复制日志上。
// 日志每挂上一个新角色，管理器先回放已提交的日志，回放完成后才发布领导或跟随包装。
// 它实现 replog.StateHandle，角色回调在日志的锁内执行，因此这里只记录状态并把耗时工作交给调度器。
type StateManager[E any, C any, L LeaderState[E], F FollowerState[E]] struct {
	factory Factory[E, C, L, F]
	codec   EntryCodec[E]
	opts    *Options

	mu          sync.Mutex
	epoch       uint64 // 每次角色变化加一，旧epoch的任务直接丢弃
	conn        *replog.Connection
	role        types.ParticipantRole
	state       ManagerState
	logLeader   *replog.Leader
	logFollower *replog.Follower
	leader      L
	hasLeader   bool
	follower    F
	hasFollower bool
	applied     types.LogIndex // 跨角色保留，恢复从它之后开始
	applying    bool           // 跟随者的应用任务正在运行

	rlog.Log
}

var _ replog.StateHandle = (*StateManager[any, any, LeaderState[any], FollowerState[any]])(nil)

func NewStateManager[E any, C any, L LeaderState[E], F FollowerState[E]](factory Factory[E, C, L, F], codec EntryCodec[E], opts *Options) *StateManager[E, C, L, F] {
	return &StateManager[E, C, L, F]{
		factory: factory,
		codec:   codec,
		opts:    opts,
		Log:     rlog.NewRLog(fmt.Sprintf("StateManager[%s]", opts.Name)),
	}
}

func (m *StateManager[E, C, L, F]) BecomeLeader(conn *replog.Connection, leader *replog.Leader) {
	m.mu.Lock()
	teardown := m.resetLocked()
	ep := m.epoch
	m.conn = conn
	m.role = types.RoleLeader
	m.state = ManagerStateWaitForLeadership
	m.logLeader = leader
	m.mu.Unlock()
	teardown()

	m.Info("become leader, wait for leadership", zap.Uint64("term", uint64(leader.Term())))
	leader.WaitForLeadership().Then(func(commitIndex types.LogIndex, err error) {
		if err != nil {
			return
		}
		m.opts.Scheduler.Queue(func() {
			m.recoverLeader(ep, commitIndex)
		})
	})
}

func (m *StateManager[E, C, L, F]) BecomeFollower(conn *replog.Connection, follower *replog.Follower) {
	m.mu.Lock()
	teardown := m.resetLocked()
	ep := m.epoch
	m.conn = conn
	m.role = types.RoleFollower
	m.state = ManagerStateWaitForTerm
	m.logFollower = follower
	m.mu.Unlock()
	teardown()

	m.Info("become follower, wait for term", zap.Uint64("term", uint64(follower.Term())), zap.String("leader", string(follower.Leader())))
	follower.WaitForTermEstablished().Then(func(_ struct{}, err error) {
		if err != nil {
			return
		}
		m.opts.Scheduler.Queue(func() {
			m.recoverFollower(ep)
		})
	})
}

func (m *StateManager[E, C, L, F]) DropRole() {
	m.mu.Lock()
	teardown := m.resetLocked()
	m.conn = nil
	m.mu.Unlock()
	teardown()
}

// CommitIndexUpdated 跟随者有新的提交时触发应用
func (m *StateManager[E, C, L, F]) CommitIndexUpdated(index types.LogIndex) {
	m.mu.Lock()
	if m.role != types.RoleFollower || !m.hasFollower || m.applying || index <= m.applied {
		m.mu.Unlock()
		return
	}
	m.applying = true
	ep := m.epoch
	m.mu.Unlock()
	m.opts.Scheduler.Queue(func() {
		m.applyFollowerEntries(ep)
	})
}

// resetLocked 进入新的epoch，返回的函数让已发布的包装退出
func (m *StateManager[E, C, L, F]) resetLocked() func() {
	m.epoch++
	var (
		leader      L
		follower    F
		hadLeader   = m.hasLeader
		hadFollower = m.hasFollower
	)
	if hadLeader {
		leader = m.leader
	}
	if hadFollower {
		follower = m.follower
	}
	var zeroL L
	var zeroF F
	m.leader, m.hasLeader = zeroL, false
	m.follower, m.hasFollower = zeroF, false
	m.logLeader = nil
	m.logFollower = nil
	m.role = types.RoleUnconfigured
	m.state = ManagerStateIdle
	m.applying = false
	return func() {
		if hadLeader {
			leader.Resign()
		}
		if hadFollower {
			follower.Resign()
		}
	}
}

func (m *StateManager[E, C, L, F]) current(ep uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ep == m.epoch
}

func (m *StateManager[E, C, L, F]) retryLater(ep uint64, name string, fn func()) {
	m.opts.Scheduler.QueueDelayed(name, m.opts.RetryDelay, func() {
		if m.current(ep) {
			fn()
		}
	})
}

// resumeIndexLocked 已应用的最大下标，取本地记录与日志持久化的释放下标中较大者
func (m *StateManager[E, C, L, F]) resumeIndexLocked() types.LogIndex {
	if m.conn == nil {
		return m.applied
	}
	return max(m.applied, m.conn.ReleaseIndex())
}

// recoverLeader 回放上次应用之后、建立领导时已提交的日志，完成后发布领导包装
func (m *StateManager[E, C, L, F]) recoverLeader(ep uint64, commitIndex types.LogIndex) {
	m.mu.Lock()
	if ep != m.epoch || m.logLeader == nil {
		m.mu.Unlock()
		return
	}
	logLeader, conn := m.logLeader, m.conn
	resume := m.resumeIndexLocked()
	m.state = ManagerStateRecovery
	m.mu.Unlock()

	start := time.Now()
	entries, err := readEntries(logLeader, m.codec, resume+1, commitIndex)
	if err != nil {
		m.Error("read entries for leader recovery failed", zap.Error(err))
		m.retryLater(ep, "leader-recovery", func() { m.recoverLeader(ep, commitIndex) })
		return
	}

	core := m.factory.ConstructCore()
	wrapper := m.factory.ConstructLeader(core, &leaderStream[E]{leader: logLeader, conn: conn, codec: m.codec})
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.RecoveryTimeout)
	err = wrapper.RecoverEntries(ctx, entries)
	cancel()
	if err != nil {
		wrapper.Resign()
		m.Error("leader recovery failed, will retry", zap.Int("entries", len(entries)), zap.Error(err))
		m.retryLater(ep, "leader-recovery", func() { m.recoverLeader(ep, commitIndex) })
		return
	}

	m.mu.Lock()
	if ep != m.epoch {
		m.mu.Unlock()
		wrapper.Resign()
		return
	}
	conn.UpdateLocalState(logLeader.Term(), types.LocalStateOperational)
	m.leader, m.hasLeader = wrapper, true
	m.applied = max(commitIndex, resume)
	m.state = ManagerStateServiceAvailable
	m.mu.Unlock()

	conn.Release(commitIndex)
	recoveryDuration.WithLabelValues(m.opts.Name, "leader").Observe(time.Since(start).Seconds())
	m.Info("leader recovered", zap.Uint64("term", uint64(logLeader.Term())), zap.Int("entries", len(entries)), zap.Uint64("commitIndex", uint64(commitIndex)))
}

// recoverFollower 必要时先获取快照，再应用已提交的日志，最后发布跟随包装
func (m *StateManager[E, C, L, F]) recoverFollower(ep uint64) {
	m.mu.Lock()
	if ep != m.epoch || m.logFollower == nil {
		m.mu.Unlock()
		return
	}
	logFollower, conn := m.logFollower, m.conn
	resume := m.resumeIndexLocked()
	m.mu.Unlock()

	start := time.Now()
	core := m.factory.ConstructCore()
	wrapper := m.factory.ConstructFollower(core, &followerStream[E]{follower: logFollower, conn: conn})
	from := resume + 1

	if !logFollower.SnapshotAvailable() {
		m.setState(ep, ManagerStateAcquiringSnapshot)
		leader, err := logFollower.StartSnapshot()
		if err != nil {
			wrapper.Resign()
			m.Error("start snapshot failed", zap.Error(err))
			m.retryLater(ep, "follower-recovery", func() { m.recoverFollower(ep) })
			return
		}
		index := logFollower.CommitIndex()
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.RecoveryTimeout)
		err = wrapper.AcquireSnapshot(ctx, leader, index)
		cancel()
		if ferr := logFollower.FinishSnapshot(leader, err); err == nil {
			err = ferr
		}
		if err != nil {
			wrapper.Resign()
			m.Warn("acquire snapshot failed, will retry", zap.String("leader", string(leader)), zap.Uint64("index", uint64(index)), zap.Error(err))
			m.retryLater(ep, "follower-recovery", func() { m.recoverFollower(ep) })
			return
		}
		from = index + 1
	}

	m.setState(ep, ManagerStateRecovery)
	commitIndex := logFollower.CommitIndex()
	entries, err := readEntries(logFollower, m.codec, from, commitIndex)
	if err == nil && len(entries) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.RecoveryTimeout)
		err = wrapper.ApplyEntries(ctx, entries)
		cancel()
	}
	if err != nil {
		wrapper.Resign()
		m.Error("follower recovery failed, will retry", zap.Error(err))
		m.retryLater(ep, "follower-recovery", func() { m.recoverFollower(ep) })
		return
	}

	m.mu.Lock()
	if ep != m.epoch {
		m.mu.Unlock()
		wrapper.Resign()
		return
	}
	conn.UpdateLocalState(logFollower.Term(), types.LocalStateOperational)
	m.follower, m.hasFollower = wrapper, true
	m.applied = max(commitIndex, from-1)
	m.state = ManagerStateServiceAvailable
	m.applying = true
	m.mu.Unlock()

	conn.Release(max(commitIndex, from-1))
	recoveryDuration.WithLabelValues(m.opts.Name, "follower").Observe(time.Since(start).Seconds())
	m.Info("follower recovered", zap.Uint64("term", uint64(logFollower.Term())), zap.Int("entries", len(entries)), zap.Uint64("commitIndex", uint64(commitIndex)))

	// 回放期间可能又有新的提交
	m.applyFollowerEntries(ep)
}

func (m *StateManager[E, C, L, F]) setState(ep uint64, state ManagerState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ep == m.epoch {
		m.state = state
	}
}

// applyFollowerEntries 顺序应用新提交的日志，直到追上提交下标
func (m *StateManager[E, C, L, F]) applyFollowerEntries(ep uint64) {
	for {
		m.mu.Lock()
		if ep != m.epoch || !m.hasFollower {
			m.mu.Unlock()
			return
		}
		logFollower, wrapper, conn := m.logFollower, m.follower, m.conn
		from := m.applied + 1
		commitIndex := logFollower.CommitIndex()
		if commitIndex < from {
			m.applying = false
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		entries, err := readEntries(logFollower, m.codec, from, commitIndex)
		if err == nil && len(entries) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), m.opts.ApplyTimeout)
			err = wrapper.ApplyEntries(ctx, entries)
			cancel()
		}
		if err != nil {
			m.Error("apply entries failed, will retry", zap.Uint64("from", uint64(from)), zap.Uint64("to", uint64(commitIndex)), zap.Error(err))
			m.retryLater(ep, "follower-apply", func() { m.applyFollowerEntries(ep) })
			return
		}
		appliedEntries.WithLabelValues(m.opts.Name).Add(float64(len(entries)))

		m.mu.Lock()
		if ep != m.epoch {
			m.mu.Unlock()
			return
		}
		m.applied = commitIndex
		m.mu.Unlock()
		conn.Release(commitIndex)
	}
}

// GetStatus 角色挂上后即可用，与恢复是否完成无关
func (m *StateManager[E, C, L, F]) GetStatus() (StateStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.role {
	case types.RoleLeader:
		return &LeaderStatus{
			Term:         m.logLeader.Term(),
			ManagerState: m.state,
			CommitIndex:  m.logLeader.CommitIndex(),
		}, true
	case types.RoleFollower:
		return &FollowerStatus{
			Term:         m.logFollower.Term(),
			Leader:       m.logFollower.Leader(),
			ManagerState: m.state,
			AppliedIndex: m.applied,
		}, true
	}
	return nil, false
}

// GetLeader 恢复完成前返回false
func (m *StateManager[E, C, L, F]) GetLeader() (L, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leader, m.hasLeader
}

// GetFollower 恢复完成前返回false
func (m *StateManager[E, C, L, F]) GetFollower() (F, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.follower, m.hasFollower
}
