package replog

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/sasha-s/go-deadlock"
	"github.com/shardlog/shardlog/pkg/future"
	"github.com/shardlog/shardlog/pkg/replication/storage"
	"github.com/shardlog/shardlog/pkg/replication/types"
	"github.com/shardlog/shardlog/pkg/rlog"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ReplicatedLog 持有唯一的活跃参与者，配置变更时原子地替换
type ReplicatedLog struct {
	storage storage.Methods
	opts    *Options

	mu          deadlock.Mutex
	participant Participant
	generation  uint64 // 每次挂上新参与者加一，用于过滤旧参与者的回调
	spec        types.TermSpecification
	handle      StateHandle
	conn        *Connection
	closed      bool

	stateMu        sync.Mutex
	localState     types.LocalState
	localStateTerm types.LogTerm

	releaseMu sync.Mutex // 串行化释放下标的持久化
	release   atomic.Uint64
	rlog.Log
}

func New(store storage.Methods, opt ...Option) *ReplicatedLog {
	opts := NewOptions(opt...)
	r := &ReplicatedLog{
		storage: store,
		opts:    opts,
		Log:     rlog.NewRLog(fmt.Sprintf("ReplicatedLog[%s]", opts.LogID)),
	}
	release, err := store.ReadReleaseIndex()
	if err != nil {
		r.Error("read release index failed, replay from the first entry", zap.Error(err))
	} else {
		r.release.Store(uint64(release))
	}
	return r
}

func (r *ReplicatedLog) ID() string {
	return r.opts.LogID
}

// UpdateConfig 根据任期指定构造领导或跟随者替换当前参与者
// 旧任期返回 ErrStaleTerm；同任期同领导时领导只更新参与者配置
func (r *ReplicatedLog) UpdateConfig(spec types.TermSpecification, config *types.ParticipantsConfig, myself types.ParticipantID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrLogClosed
	}
	if r.participant != nil {
		if spec.Term < r.spec.Term {
			return fmt.Errorf("%w: %d < %d", ErrStaleTerm, spec.Term, r.spec.Term)
		}
		if spec.Term == r.spec.Term {
			if spec.Leader != r.spec.Leader {
				return fmt.Errorf("%w: term %d leader %s", ErrInvalidTermSpecification, spec.Term, r.spec.Leader)
			}
			if leader, ok := r.participant.(*Leader); ok && config.Generation > leader.Config().Generation {
				_, err := leader.UpdateParticipantsConfig(config)
				return err
			}
			return nil
		}
	}

	r.detachLocked()

	var (
		p   Participant
		err error
	)
	r.generation++
	generation := r.generation
	opts := r.opts.withHooks(func(index types.LogIndex) { r.notifyCommit(generation, index) }, r.releaseIndex)
	if myself == spec.Leader {
		p, err = NewLeader(myself, spec.Term, config, r.storage, opts)
	} else {
		p, err = NewFollower(myself, spec, r.storage, opts)
	}
	if err != nil {
		r.Error("create participant failed", zap.Uint64("term", uint64(spec.Term)), zap.Error(err))
		return errors.Wrap(err, "create participant")
	}
	r.participant = p
	r.spec = spec
	r.setLocalState(spec.Term, types.LocalStateRecovery)
	roleChanges.WithLabelValues(r.opts.LogID, p.Role().String()).Inc()
	r.Info("participant attached", zap.String("role", p.Role().String()), zap.Uint64("term", uint64(spec.Term)), zap.String("leader", string(spec.Leader)))
	r.announceLocked()
	return nil
}

// detachLocked 旧参与者完全退出后才会挂上新参与者
func (r *ReplicatedLog) detachLocked() {
	if r.participant == nil {
		return
	}
	r.participant.Resign()
	r.participant = nil
	if r.handle != nil {
		r.handle.DropRole()
	}
	r.setLocalState(0, types.LocalStateUnconfigured)
}

func (r *ReplicatedLog) announceLocked() {
	if r.handle == nil || r.participant == nil {
		return
	}
	switch p := r.participant.(type) {
	case *Leader:
		r.handle.BecomeLeader(r.conn, p)
	case *Follower:
		r.handle.BecomeFollower(r.conn, p)
	}
}

func (r *ReplicatedLog) notifyCommit(generation uint64, index types.LogIndex) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generation != generation || r.participant == nil || r.handle == nil {
		return
	}
	r.handle.CommitIndexUpdated(index)
}

func (r *ReplicatedLog) releaseIndex() types.LogIndex {
	return types.LogIndex(r.release.Load())
}

func (r *ReplicatedLog) setLocalState(term types.LogTerm, state types.LocalState) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.localState = state
	r.localStateTerm = term
}

// GetParticipant 当前参与者，未配置时为nil
func (r *ReplicatedLog) GetParticipant() Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.participant
}

func (r *ReplicatedLog) GetLeader() (*Leader, error) {
	switch p := r.GetParticipant().(type) {
	case *Leader:
		return p, nil
	case nil:
		return nil, ErrNotConfigured
	default:
		return nil, ErrNotLeader
	}
}

func (r *ReplicatedLog) GetFollower() (*Follower, error) {
	switch p := r.GetParticipant().(type) {
	case *Follower:
		return p, nil
	case nil:
		return nil, ErrNotConfigured
	default:
		return nil, ErrNotFollower
	}
}

// AppendEntries 转发给当前的跟随者
func (r *ReplicatedLog) AppendEntries(req *types.AppendEntriesRequest) *future.Future[*types.AppendEntriesResponse] {
	f, err := r.GetFollower()
	if err != nil {
		return future.Failed[*types.AppendEntriesResponse](err)
	}
	return f.AppendEntries(req)
}

// GetQuickStatus 非阻塞的状态快照
func (r *ReplicatedLog) GetQuickStatus() types.QuickStatus {
	r.mu.Lock()
	p := r.participant
	spec := r.spec
	r.mu.Unlock()

	status := types.QuickStatus{}
	if p == nil {
		return status
	}
	status.Role = p.Role()
	status.Term = p.Term()
	status.CommitIndex = p.CommitIndex()
	switch v := p.(type) {
	case *Leader:
		status.Leader = v.ID()
		status.LeadershipEstablished = v.LeadershipEstablished()
		status.SnapshotAvailable = true
	case *Follower:
		status.Leader = v.Leader()
		status.SnapshotAvailable = v.SnapshotAvailable()
	}

	r.stateMu.Lock()
	status.LocalState = types.LocalStateRecovery
	if r.localStateTerm == spec.Term {
		status.LocalState = r.localState
	}
	r.stateMu.Unlock()
	return status
}

// Connect 绑定状态机，同一时刻只能绑定一个
func (r *ReplicatedLog) Connect(handle StateHandle) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrLogClosed
	}
	if r.handle != nil {
		r.Panic("state handle already connected")
	}
	r.handle = handle
	r.conn = &Connection{log: r, handle: handle}
	r.announceLocked()
	return r.conn, nil
}

func (r *ReplicatedLog) disconnect(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != c {
		return
	}
	r.handle.DropRole()
	r.handle = nil
	r.conn = nil
	if r.participant != nil {
		r.setLocalState(r.spec.Term, types.LocalStateRecovery)
	}
}

// Close 退出当前参与者并断开状态机
func (r *ReplicatedLog) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.detachLocked()
	r.handle = nil
	r.conn = nil
}

// Connection 状态机与日志之间的连接，Close 后状态机与日志解绑
type Connection struct {
	log    *ReplicatedLog
	handle StateHandle
	once   sync.Once
	closed atomic.Bool
}

func (c *Connection) Close() {
	c.once.Do(func() {
		c.closed.Store(true)
		c.log.disconnect(c)
	})
}

func (c *Connection) Closed() bool {
	return c.closed.Load()
}

// UpdateLocalState 状态机报告本地状态，只对当前任期生效
func (c *Connection) UpdateLocalState(term types.LogTerm, state types.LocalState) {
	if c.closed.Load() {
		return
	}
	r := c.log
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if r.localStateTerm != term {
		return
	}
	r.localState = state
}

// Release 状态机已应用到index，之前的日志可以被压缩；释放下标会被持久化，重启后恢复从它之后开始
func (c *Connection) Release(index types.LogIndex) {
	if c.closed.Load() {
		return
	}
	r := c.log
	r.releaseMu.Lock()
	defer r.releaseMu.Unlock()
	if uint64(index) <= r.release.Load() {
		return
	}
	if err := r.storage.UpdateReleaseIndex(index); err != nil {
		r.Warn("persist release index failed", zap.Uint64("index", uint64(index)), zap.Error(err))
	}
	r.release.Store(uint64(index))
}

// ReleaseIndex 状态机最后释放的下标，跨角色和重启保留
func (c *Connection) ReleaseIndex() types.LogIndex {
	return c.log.releaseIndex()
}
