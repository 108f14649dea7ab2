package replog

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shardlog/shardlog/pkg/future"
	"github.com/shardlog/shardlog/pkg/replication/storage"
	"github.com/shardlog/shardlog/pkg/replication/types"
	"github.com/shardlog/shardlog/pkg/rlog"
	"github.com/shardlog/shardlog/pkg/scheduler"
	"go.uber.org/zap"
)

type Follower struct {
	id      types.ParticipantID
	storage storage.Methods
	opts    *Options
	serial  *scheduler.Serial

	mu              sync.Mutex
	term            types.LogTerm
	leader          types.ParticipantID
	commitIndex     types.LogIndex
	lastMessageID   types.MessageID
	info            *types.PersistedStateInfo
	resigned        bool
	termEstablished *future.Future[struct{}]
	waiters         []*commitWaiter

	rlog.Log
}

func NewFollower(id types.ParticipantID, spec types.TermSpecification, store storage.Methods, opts *Options) (*Follower, error) {
	info, err := store.ReadMetadata()
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, errors.Wrap(err, "read state metadata")
		}
		info = &types.PersistedStateInfo{
			StateID:  uuid.NewString(),
			Snapshot: types.SnapshotInfo{Status: types.SnapshotMissing},
		}
	}
	info.Specification = spec
	if err = store.UpdateMetadata(info); err != nil {
		return nil, errors.Wrap(err, "persist state metadata")
	}
	f := &Follower{
		id:              id,
		storage:         store,
		opts:            opts,
		serial:          scheduler.NewSerial(opts.Scheduler),
		term:            spec.Term,
		leader:          spec.Leader,
		info:            info,
		termEstablished: future.New[struct{}](),
		Log:             rlog.NewRLog(fmt.Sprintf("Follower[%s:%s]", opts.LogID, id)),
	}
	f.Info("become follower", zap.Uint64("term", uint64(spec.Term)), zap.String("leader", string(spec.Leader)), zap.String("snapshot", info.Snapshot.Status.String()))
	return f, nil
}

// AppendEntries 处理领导的追加请求，请求按到达顺序逐个处理
func (f *Follower) AppendEntries(req *types.AppendEntriesRequest) *future.Future[*types.AppendEntriesResponse] {
	result := future.New[*types.AppendEntriesResponse]()
	f.serial.Submit(func() {
		resp := f.handleAppendEntries(req)
		appendEntriesReceived.WithLabelValues(f.opts.LogID, resp.ErrorCode.String()).Inc()
		result.Resolve(resp)
	})
	return result
}

func (f *Follower) handleAppendEntries(req *types.AppendEntriesRequest) *types.AppendEntriesResponse {
	f.mu.Lock()
	term := f.term
	if f.resigned {
		f.mu.Unlock()
		return types.NewErrorResponse(term, req.MessageID, types.ErrorCodeParticipantResigned, "follower resigned")
	}
	if req.Term < f.term {
		f.mu.Unlock()
		f.Debug("reject request from old term", zap.Uint64("reqTerm", uint64(req.Term)), zap.Uint64("term", uint64(term)))
		return types.NewErrorResponse(term, req.MessageID, types.ErrorCodeLostTerm, fmt.Sprintf("term %d is older than %d", req.Term, term))
	}
	if req.Term > f.term {
		f.Info("adopt newer term", zap.Uint64("term", uint64(req.Term)), zap.String("leader", string(req.LeaderID)))
		f.term = req.Term
		f.leader = req.LeaderID
		f.lastMessageID = 0
		term = f.term
	} else if f.leader == "" {
		f.leader = req.LeaderID
	} else if f.leader != req.LeaderID {
		leader := f.leader
		f.mu.Unlock()
		return types.NewErrorResponse(term, req.MessageID, types.ErrorCodeInvalidLeaderID, fmt.Sprintf("leader of term %d is %s", term, leader))
	}
	if req.MessageID <= f.lastMessageID {
		f.mu.Unlock()
		return types.NewErrorResponse(term, req.MessageID, types.ErrorCodeMessageOutdated, "message outdated")
	}
	commitIndex := f.commitIndex
	f.mu.Unlock()

	first, err := f.storage.FirstIndex()
	if err != nil {
		return f.persistenceFailure(term, req, err)
	}
	last, err := f.storage.LastEntry()
	if err != nil {
		return f.persistenceFailure(term, req, err)
	}

	if resp := f.checkPrevLogEntry(term, req, first, last); resp != nil {
		return resp
	}

	toAppend, err := f.discardConflicts(req.Entries, first, last, commitIndex)
	if err != nil {
		return f.persistenceFailure(term, req, err)
	}
	if len(toAppend) > 0 {
		waitForSync := req.WaitForSync
		for _, e := range toAppend {
			waitForSync = waitForSync || e.WaitForSync
		}
		if err = f.storage.Append(toAppend, waitForSync); err != nil {
			return f.persistenceFailure(term, req, err)
		}
		if err = f.checkSnapshotAfterAppend(toAppend); err != nil {
			return f.persistenceFailure(term, req, err)
		}
	}

	// 只有与领导一致的部分才能提交
	verified := req.PrevLogEntry.Index
	if n := len(req.Entries); n > 0 {
		verified = req.Entries[n-1].Index()
	}

	f.mu.Lock()
	f.lastMessageID = req.MessageID
	newCommit := min(req.LeaderCommit, verified)
	commitChanged := newCommit > f.commitIndex
	if commitChanged {
		f.commitIndex = newCommit
	}
	commitIndex = f.commitIndex
	snapshotAvailable := f.info.Snapshot.Status == types.SnapshotCompleted
	waiters := f.takeWaitersLocked(commitIndex)
	f.mu.Unlock()

	f.termEstablished.Resolve(struct{}{})
	for _, w := range waiters {
		w.f.Resolve(commitIndex)
	}
	if commitChanged {
		commitIndexGauge.WithLabelValues(f.opts.LogID).Set(float64(commitIndex))
		f.opts.onCommit(commitIndex)
	}

	f.compact(req.LowestIndexToKeep, commitIndex)

	return types.NewSuccessResponse(term, req.MessageID, snapshotAvailable)
}

// checkPrevLogEntry 日志匹配检查，不匹配时返回失败响应
func (f *Follower) checkPrevLogEntry(term types.LogTerm, req *types.AppendEntriesRequest, first types.LogIndex, last types.TermIndexPair) *types.AppendEntriesResponse {
	prev := req.PrevLogEntry
	if prev.Index == 0 {
		if len(req.Entries) > 0 && !last.IsZero() && req.Entries[0].Index() > last.Index+1 {
			resp := types.NewErrorResponse(term, req.MessageID, types.ErrorCodeNoPrevLogMatch, "gap between local log and entries")
			resp.ConflictIndex = last.Index + 1
			return resp
		}
		return nil
	}
	if prev.Index > last.Index {
		resp := types.NewErrorResponse(term, req.MessageID, types.ErrorCodeNoPrevLogMatch, fmt.Sprintf("prev %s is beyond local last %s", prev, last))
		resp.ConflictIndex = last.Index + 1
		return resp
	}
	// 已压缩的日志一定是已提交的，与领导一致
	if prev.Index < first {
		return nil
	}
	local, err := f.storage.Entry(prev.Index)
	if err != nil {
		return f.persistenceFailure(term, req, err)
	}
	if local.Term() != prev.Term {
		resp := types.NewErrorResponse(term, req.MessageID, types.ErrorCodeNoPrevLogMatch, fmt.Sprintf("local term at %d is %d, expected %d", prev.Index, local.Term(), prev.Term))
		resp.ConflictIndex = prev.Index
		return resp
	}
	return nil
}

// discardConflicts 跳过本地已有的日志，遇到冲突时截断本地日志，返回需要追加的部分
func (f *Follower) discardConflicts(entries []types.LogEntry, first types.LogIndex, last types.TermIndexPair, commitIndex types.LogIndex) ([]types.LogEntry, error) {
	for i, e := range entries {
		if e.Index() < first {
			continue
		}
		if e.Index() > last.Index {
			return entries[i:], nil
		}
		local, err := f.storage.Entry(e.Index())
		if err != nil {
			return nil, err
		}
		if local.Term() == e.Term() {
			continue
		}
		if e.Index() <= commitIndex {
			f.Panic("conflicting entry at or below commit index", zap.Uint64("index", uint64(e.Index())), zap.Uint64("commitIndex", uint64(commitIndex)))
		}
		f.Info("truncate conflicting suffix", zap.Uint64("index", uint64(e.Index())), zap.Uint64("localTerm", uint64(local.Term())), zap.Uint64("term", uint64(e.Term())))
		if err = f.storage.RemoveBack(e.Index()); err != nil {
			return nil, err
		}
		return entries[i:], nil
	}
	return nil, nil
}

// checkSnapshotAfterAppend 新任期的领导与快照假定的领导不同时，未完成的快照失效
func (f *Follower) checkSnapshotAfterAppend(appended []types.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	changed := false
	for _, e := range appended {
		if e.Meta == nil {
			continue
		}
		if e.Meta.Participants != nil && e.Meta.Participants.Generation > f.info.Generation {
			f.info.Generation = e.Meta.Participants.Generation
			changed = true
		}
		if e.Meta.Type != types.MetaFirstEntryOfTerm {
			continue
		}
		f.info.Specification = types.TermSpecification{Term: e.Term(), Leader: e.Meta.Leader}
		changed = true
		if f.info.Snapshot.Status == types.SnapshotInProgress && f.info.Snapshot.Leader != e.Meta.Leader {
			f.Warn("invalidate snapshot, leader changed", zap.String("snapshotLeader", string(f.info.Snapshot.Leader)), zap.String("leader", string(e.Meta.Leader)))
			f.info.Snapshot.Status = types.SnapshotInvalidated
			f.info.Snapshot.Timestamp = time.Now().UnixMilli()
		}
	}
	if !changed {
		return nil
	}
	return f.storage.UpdateMetadata(f.info)
}

func (f *Follower) compact(lowestIndexToKeep, commitIndex types.LogIndex) {
	stop := min(lowestIndexToKeep, commitIndex+1, f.opts.releaseIndex()+1)
	first, err := f.storage.FirstIndex()
	if err != nil || stop <= first {
		return
	}
	if err = f.storage.RemoveFront(stop); err != nil {
		f.Warn("compact log failed", zap.Uint64("stop", uint64(stop)), zap.Error(err))
	}
}

func (f *Follower) persistenceFailure(term types.LogTerm, req *types.AppendEntriesRequest, err error) *types.AppendEntriesResponse {
	f.Error("append entries failed", zap.String("req", req.String()), zap.Error(err))
	return types.NewErrorResponse(term, req.MessageID, types.ErrorCodePersistenceFailure, err.Error())
}

func (f *Follower) takeWaitersLocked(commitIndex types.LogIndex) []*commitWaiter {
	var ready []*commitWaiter
	remain := f.waiters[:0]
	for _, w := range f.waiters {
		if w.index <= commitIndex {
			ready = append(ready, w)
		} else {
			remain = append(remain, w)
		}
	}
	f.waiters = remain
	return ready
}

// WaitFor 等待提交下标达到index，返回当时的提交下标
func (f *Follower) WaitFor(index types.LogIndex) *future.Future[types.LogIndex] {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resigned {
		return future.Failed[types.LogIndex](ErrParticipantResigned)
	}
	if f.commitIndex >= index {
		return future.Resolved(f.commitIndex)
	}
	w := &commitWaiter{index: index, f: future.New[types.LogIndex]()}
	f.waiters = append(f.waiters, w)
	return w.f
}

// WaitForTermEstablished 第一次成功追加后完成
func (f *Follower) WaitForTermEstablished() *future.Future[struct{}] {
	return f.termEstablished
}

func (f *Follower) TermEstablished() bool {
	return f.termEstablished.Ready()
}

func (f *Follower) Term() types.LogTerm {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.term
}

func (f *Follower) Leader() types.ParticipantID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leader
}

func (f *Follower) Role() types.ParticipantRole {
	return types.RoleFollower
}

func (f *Follower) CommitIndex() types.LogIndex {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commitIndex
}

func (f *Follower) FirstIndex() (types.LogIndex, error) {
	return f.storage.FirstIndex()
}

func (f *Follower) ReadCommitted(first, end types.LogIndex) ([]types.LogEntry, error) {
	end = min(end, f.CommitIndex()+1)
	return f.storage.Read(first, end)
}

// Snapshot 当前快照信息
func (f *Follower) Snapshot() types.SnapshotInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info.Snapshot
}

func (f *Follower) SnapshotAvailable() bool {
	return f.Snapshot().Status == types.SnapshotCompleted
}

// StartSnapshot 记录在当前领导下开始获取快照
func (f *Follower) StartSnapshot() (types.ParticipantID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.info.Snapshot = types.SnapshotInfo{
		Status:    types.SnapshotInProgress,
		Timestamp: time.Now().UnixMilli(),
		Leader:    f.leader,
	}
	return f.leader, f.storage.UpdateMetadata(f.info)
}

// FinishSnapshot 快照获取结束，只有仍处于同一领导下的 InProgress 快照才会被标记完成
func (f *Follower) FinishSnapshot(leader types.ParticipantID, snapshotErr error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.info.Snapshot.Status != types.SnapshotInProgress || f.info.Snapshot.Leader != leader {
		return ErrSnapshotStateChanged
	}
	f.info.Snapshot.Timestamp = time.Now().UnixMilli()
	if snapshotErr != nil {
		f.info.Snapshot.Status = types.SnapshotInvalidated
		f.info.Snapshot.Error = snapshotErr.Error()
	} else {
		f.info.Snapshot.Status = types.SnapshotCompleted
		f.info.Snapshot.Error = ""
	}
	return f.storage.UpdateMetadata(f.info)
}

func (f *Follower) Resign() {
	f.mu.Lock()
	if f.resigned {
		f.mu.Unlock()
		return
	}
	f.resigned = true
	waiters := f.waiters
	f.waiters = nil
	f.mu.Unlock()

	f.termEstablished.Reject(ErrParticipantResigned)
	for _, w := range waiters {
		w.f.Reject(ErrParticipantResigned)
	}
	f.Info("follower resigned")
}

type commitWaiter struct {
	index types.LogIndex
	f     *future.Future[types.LogIndex]
}
