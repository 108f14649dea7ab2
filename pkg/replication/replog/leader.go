package replog

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shardlog/shardlog/pkg/future"
	"github.com/shardlog/shardlog/pkg/replication/storage"
	"github.com/shardlog/shardlog/pkg/replication/types"
	"github.com/shardlog/shardlog/pkg/rlog"
	"github.com/shardlog/shardlog/pkg/scheduler"
	"github.com/valyala/fastrand"
	"go.uber.org/zap"
)

type Leader struct {
	id      types.ParticipantID
	term    types.LogTerm
	storage storage.Methods
	opts    *Options
	serial  *scheduler.Serial // 本地持久化
	idGen   *snowflake.Node

	mu               sync.Mutex
	config           *types.ParticipantsConfig
	lastAssigned     types.TermIndexPair // 已分配的最后一条日志
	persisted        types.TermIndexPair // 已持久化的最后一条日志
	pending          []types.LogEntry    // 已分配但未持久化
	persistRetry     scheduler.WorkHandle
	commitIndex      types.LogIndex
	firstIndexOfTerm types.LogIndex
	followers        map[types.ParticipantID]*followerProgress
	waiters          []*commitWaiter
	established      *future.Future[types.LogIndex]
	resigned         bool

	rlog.Log
}

// followerProgress 领导记录的单个跟随者复制进度
type followerProgress struct {
	id                types.ParticipantID
	lastAcked         types.TermIndexPair
	nextPrev          types.TermIndexPair
	sentCommit        types.LogIndex
	inFlight          bool
	lastErrorCode     types.AppendEntriesErrorCode
	snapshotAvailable bool
	failures          int
	retry             scheduler.WorkHandle
	heartbeat         scheduler.WorkHandle
	heartbeatDue      bool
	stopped           bool // 收到LostTerm后不再发送
}

// stop 取消等待中的重试和心跳
func (fp *followerProgress) cancelTimers() {
	if fp.retry != nil {
		fp.retry.Cancel()
		fp.retry = nil
	}
	if fp.heartbeat != nil {
		fp.heartbeat.Cancel()
		fp.heartbeat = nil
	}
}

func NewLeader(id types.ParticipantID, term types.LogTerm, config *types.ParticipantsConfig, store storage.Methods, opts *Options) (*Leader, error) {
	idGen, err := snowflake.NewNode(snowflakeNodeID(id))
	if err != nil {
		return nil, err
	}
	last, err := store.LastEntry()
	if err != nil {
		return nil, errors.Wrap(err, "read last entry")
	}
	if last.Term > term {
		return nil, fmt.Errorf("%w: local log has term %d, leader term %d", ErrStaleTerm, last.Term, term)
	}
	if err = initLeaderMetadata(store, types.TermSpecification{Term: term, Leader: id}, config); err != nil {
		return nil, err
	}

	l := &Leader{
		id:           id,
		term:         term,
		storage:      store,
		opts:         opts,
		serial:       scheduler.NewSerial(opts.Scheduler),
		idGen:        idGen,
		config:       config,
		lastAssigned: last,
		persisted:    last,
		followers:    make(map[types.ParticipantID]*followerProgress),
		established:  future.New[types.LogIndex](),
		Log:          rlog.NewRLog(fmt.Sprintf("Leader[%s:%s]", opts.LogID, id)),
	}
	for pid := range config.Participants {
		if pid != id {
			l.followers[pid] = &followerProgress{id: pid, nextPrev: last}
		}
	}

	// 新任期的第一条日志
	l.firstIndexOfTerm = last.Index + 1
	l.appendLocked(types.NewMetaEntry(types.NewTermIndexPair(term, l.firstIndexOfTerm), &types.MetaPayload{
		Type:         types.MetaFirstEntryOfTerm,
		Leader:       id,
		Participants: config,
	}))
	l.Info("become leader", zap.Uint64("term", uint64(term)), zap.Uint64("firstIndexOfTerm", uint64(l.firstIndexOfTerm)), zap.Int("followers", len(l.followers)), zap.Int("quorum", config.QuorumSize()))
	return l, nil
}

// initLeaderMetadata 领导的本地状态即为权威状态
func initLeaderMetadata(store storage.Methods, spec types.TermSpecification, config *types.ParticipantsConfig) error {
	info, err := store.ReadMetadata()
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return errors.Wrap(err, "read state metadata")
		}
		info = &types.PersistedStateInfo{
			StateID: uuid.NewString(),
			Snapshot: types.SnapshotInfo{
				Status:    types.SnapshotCompleted,
				Timestamp: time.Now().UnixMilli(),
				Leader:    spec.Leader,
			},
		}
	}
	info.Specification = spec
	info.Generation = config.Generation
	return errors.Wrap(store.UpdateMetadata(info), "persist state metadata")
}

func snowflakeNodeID(id types.ParticipantID) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int64(h.Sum32() % 1024)
}

// appendLocked 分配好下标的日志加入待持久化队列
func (l *Leader) appendLocked(e types.LogEntry) {
	l.pending = append(l.pending, e)
	l.lastAssigned = e.TermIndex
	l.serial.Submit(l.persistPending)
}

// Insert 写入一条应用日志，返回分配的下标
func (l *Leader) Insert(payload []byte, waitForSync bool) (types.LogIndex, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.resigned {
		return 0, ErrParticipantResigned
	}
	ti := types.NewTermIndexPair(l.term, l.lastAssigned.Index+1)
	l.appendLocked(types.NewPayloadEntry(ti, payload, waitForSync || l.config.Config.WaitForSync))
	insertsTotal.WithLabelValues(l.opts.LogID).Inc()
	return ti.Index, nil
}

// UpdateParticipantsConfig 任期内变更参与者，写入配置变更日志
func (l *Leader) UpdateParticipantsConfig(config *types.ParticipantsConfig) (types.LogIndex, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.resigned {
		return 0, ErrParticipantResigned
	}
	if config.Generation <= l.config.Generation {
		return 0, fmt.Errorf("%w: generation %d is not newer than %d", ErrStaleTerm, config.Generation, l.config.Generation)
	}
	for pid := range config.Participants {
		if pid == l.id {
			continue
		}
		if _, ok := l.followers[pid]; !ok {
			l.followers[pid] = &followerProgress{id: pid, nextPrev: l.persisted}
		}
	}
	for pid, fp := range l.followers {
		if !config.Contains(pid) {
			fp.cancelTimers()
			delete(l.followers, pid)
		}
	}
	l.config = config
	ti := types.NewTermIndexPair(l.term, l.lastAssigned.Index+1)
	l.appendLocked(types.NewMetaEntry(ti, &types.MetaPayload{
		Type:         types.MetaUpdateParticipantsConfig,
		Leader:       l.id,
		Participants: config,
	}))
	l.Info("update participants config", zap.Uint64("generation", config.Generation), zap.Int("participants", len(config.Participants)))
	return ti.Index, nil
}

// persistPending 在serial中执行，一次持久化所有待写日志
func (l *Leader) persistPending() {
	l.mu.Lock()
	if l.resigned || len(l.pending) == 0 {
		l.mu.Unlock()
		return
	}
	batch := append([]types.LogEntry(nil), l.pending...)
	l.mu.Unlock()

	waitForSync := false
	for _, e := range batch {
		waitForSync = waitForSync || e.WaitForSync
	}
	if err := l.storage.Append(batch, waitForSync); err != nil {
		l.Error("persist entries failed, will retry", zap.Uint64("from", uint64(batch[0].Index())), zap.Int("count", len(batch)), zap.Error(err))
		l.mu.Lock()
		if !l.resigned {
			l.persistRetry = l.opts.Scheduler.QueueDelayed("leader-persist", l.opts.RetryDelay, func() {
				l.serial.Submit(l.persistPending)
			})
		}
		l.mu.Unlock()
		return
	}

	l.mu.Lock()
	l.pending = l.pending[len(batch):]
	l.persisted = batch[len(batch)-1].TermIndex
	changed := l.updateCommitIndexLocked()
	l.mu.Unlock()

	l.afterCommitChange(changed)
	l.replicateAll()
}

// updateCommitIndexLocked 按法定人数计算提交下标，只提交当前任期的日志
func (l *Leader) updateCommitIndexLocked() bool {
	quorum := l.config.QuorumSize()
	acked := make([]types.LogIndex, 0, len(l.followers)+1)
	acked = append(acked, l.persisted.Index)
	forcedLimit := types.LogIndex(^uint64(0))
	for pid, fp := range l.followers {
		flags := l.config.Participants[pid]
		if flags.Forced && fp.lastAcked.Index < forcedLimit {
			forcedLimit = fp.lastAcked.Index
		}
		if flags.Excluded {
			continue
		}
		acked = append(acked, fp.lastAcked.Index)
	}
	if quorum <= 0 || quorum > len(acked) {
		return false
	}
	sort.Slice(acked, func(i, j int) bool { return acked[i] > acked[j] })
	candidate := min(acked[quorum-1], forcedLimit)
	if candidate < l.firstIndexOfTerm || candidate <= l.commitIndex {
		return false
	}
	l.commitIndex = candidate
	return true
}

func (l *Leader) afterCommitChange(changed bool) {
	if !changed {
		return
	}
	l.mu.Lock()
	commitIndex := l.commitIndex
	var ready []*commitWaiter
	remain := l.waiters[:0]
	for _, w := range l.waiters {
		if w.index <= commitIndex {
			ready = append(ready, w)
		} else {
			remain = append(remain, w)
		}
	}
	l.waiters = remain
	l.mu.Unlock()

	if commitIndex >= l.firstIndexOfTerm && l.established.Resolve(commitIndex) {
		l.Info("leadership established", zap.Uint64("commitIndex", uint64(commitIndex)))
	}
	for _, w := range ready {
		w.f.Resolve(commitIndex)
	}
	commitIndexGauge.WithLabelValues(l.opts.LogID).Set(float64(commitIndex))
	l.opts.onCommit(commitIndex)
	l.compact()
}

func (l *Leader) replicateAll() {
	l.mu.Lock()
	ids := make([]types.ParticipantID, 0, len(l.followers))
	for pid := range l.followers {
		ids = append(ids, pid)
	}
	l.mu.Unlock()
	for _, pid := range ids {
		l.sendAppendEntries(pid)
	}
}

func (l *Leader) sendAppendEntries(pid types.ParticipantID) {
	l.mu.Lock()
	fp, ok := l.followers[pid]
	if !ok || l.resigned || fp.inFlight || fp.stopped {
		l.mu.Unlock()
		return
	}
	// 没有新日志且跟随者已知最新提交下标时只等待心跳
	if !fp.heartbeatDue && fp.lastErrorCode == types.ErrorCodeNone && fp.nextPrev == l.persisted && fp.sentCommit == l.commitIndex && !fp.lastAcked.IsZero() {
		l.scheduleHeartbeatLocked(fp)
		l.mu.Unlock()
		return
	}
	if fp.retry != nil {
		fp.retry.Cancel()
		fp.retry = nil
	}
	fp.heartbeatDue = false
	if fp.heartbeat != nil {
		fp.heartbeat.Cancel()
		fp.heartbeat = nil
	}
	fp.inFlight = true
	prev := fp.nextPrev
	persisted := l.persisted.Index
	req := &types.AppendEntriesRequest{
		Term:              l.term,
		LeaderID:          l.id,
		LeaderCommit:      l.commitIndex,
		LowestIndexToKeep: l.lowestIndexToKeepLocked(),
		MessageID:         types.MessageID(l.idGen.Generate().Int64()),
		WaitForSync:       l.config.Config.WaitForSync,
	}
	l.mu.Unlock()

	first, err := l.storage.FirstIndex()
	if err == nil && prev.Index > 0 && prev.Index+1 < first {
		// 跟随者需要的日志已被压缩，从第一条可用日志开始发送
		prev = types.TermIndexPair{}
	}
	from := prev.Index + 1
	if prev.IsZero() && first > 0 {
		from = first
	}
	end := min(persisted+1, from+types.LogIndex(l.opts.MaxEntriesPerBatch))
	var entries []types.LogEntry
	if err == nil && from < end {
		entries, err = l.storage.Read(from, end)
	}
	if err != nil {
		l.Error("read entries for replication failed", zap.String("follower", string(pid)), zap.Error(err))
		l.handleResponse(pid, req, nil, err)
		return
	}
	req.PrevLogEntry = prev
	req.Entries = entries

	ctx, cancel := context.WithTimeout(context.Background(), l.opts.RequestTimeout)
	l.opts.Network.AppendEntries(ctx, pid, req).Then(func(resp *types.AppendEntriesResponse, err error) {
		cancel()
		l.opts.Scheduler.Queue(func() {
			l.handleResponse(pid, req, resp, err)
		})
	})
}

// scheduleHeartbeatLocked 跟随者空闲时延迟发送一次心跳，每个跟随者最多一个
func (l *Leader) scheduleHeartbeatLocked(fp *followerProgress) {
	if l.opts.HeartbeatInterval <= 0 || fp.heartbeat != nil {
		return
	}
	pid := fp.id
	fp.heartbeat = l.opts.Scheduler.QueueDelayed("heartbeat-"+string(pid), l.opts.HeartbeatInterval, func() {
		l.mu.Lock()
		if cur, ok := l.followers[pid]; !ok || cur != fp || l.resigned {
			l.mu.Unlock()
			return
		}
		fp.heartbeat = nil
		fp.heartbeatDue = true
		l.mu.Unlock()
		l.sendAppendEntries(pid)
	})
}

func (l *Leader) handleResponse(pid types.ParticipantID, req *types.AppendEntriesRequest, resp *types.AppendEntriesResponse, err error) {
	code := types.ErrorCodeCommunicationError
	if err == nil {
		code = resp.ErrorCode
	}
	appendEntriesSent.WithLabelValues(l.opts.LogID, code.String()).Inc()

	l.mu.Lock()
	fp, ok := l.followers[pid]
	if !ok || l.resigned {
		l.mu.Unlock()
		return
	}
	fp.inFlight = false
	fp.lastErrorCode = code
	if err == nil {
		fp.snapshotAvailable = resp.SnapshotAvailable
	}

	switch code {
	case types.ErrorCodeNone:
		fp.failures = 0
		acked := req.PrevLogEntry
		if n := len(req.Entries); n > 0 {
			acked = req.Entries[n-1].TermIndex
		}
		if fp.lastAcked.Less(acked) {
			fp.lastAcked = acked
		}
		fp.nextPrev = acked
		fp.sentCommit = req.LeaderCommit
		changed := l.updateCommitIndexLocked()
		l.mu.Unlock()
		l.afterCommitChange(changed)
		l.sendAppendEntries(pid)
		return
	case types.ErrorCodeNoPrevLogMatch:
		prevIndex := req.PrevLogEntry.Index
		if prevIndex > 0 {
			prevIndex--
		}
		if resp.ConflictIndex > 0 && resp.ConflictIndex-1 < prevIndex {
			prevIndex = resp.ConflictIndex - 1
		}
		l.mu.Unlock()
		prev := types.TermIndexPair{}
		if prevIndex > 0 {
			e, rerr := l.storage.Entry(prevIndex)
			if rerr == nil {
				prev = e.TermIndex
			}
		}
		l.Debug("log mismatch, retry with earlier entry", zap.String("follower", string(pid)), zap.String("prev", prev.String()))
		l.mu.Lock()
		fp.nextPrev = prev
		l.mu.Unlock()
		l.sendAppendEntries(pid)
		return
	case types.ErrorCodeMessageOutdated:
		l.mu.Unlock()
		l.sendAppendEntries(pid)
		return
	case types.ErrorCodeLostTerm:
		fp.stopped = true
		l.mu.Unlock()
		l.Warn("follower has a newer term, stop replicating to it", zap.String("follower", string(pid)), zap.Uint64("followerTerm", uint64(resp.Term)))
		return
	}

	fp.failures++
	delay := l.retryDelay(fp.failures)
	fp.retry = l.opts.Scheduler.QueueDelayed("replicate-"+string(pid), delay, func() {
		l.sendAppendEntries(pid)
	})
	l.mu.Unlock()
	l.Warn("append entries failed, retry later", zap.String("follower", string(pid)), zap.String("code", code.String()), zap.Duration("delay", delay), zap.Error(err))
}

// retryDelay 指数退避加随机抖动
func (l *Leader) retryDelay(failures int) time.Duration {
	delay := l.opts.RetryDelay << min(failures-1, 6)
	if delay > l.opts.MaxRetryDelay {
		delay = l.opts.MaxRetryDelay
	}
	jitter := time.Duration(fastrand.Uint32n(uint32(delay/time.Millisecond)+1)) * time.Millisecond / 2
	return delay/2 + jitter
}

// lowestIndexToKeepLocked 所有跟随者都已确认且本地状态机已释放的日志之前都可以压缩
func (l *Leader) lowestIndexToKeepLocked() types.LogIndex {
	keep := min(l.opts.releaseIndex()+1, l.commitIndex+1)
	for _, fp := range l.followers {
		keep = min(keep, fp.lastAcked.Index+1)
	}
	return keep
}

func (l *Leader) compact() {
	l.mu.Lock()
	stop := l.lowestIndexToKeepLocked()
	l.mu.Unlock()
	first, err := l.storage.FirstIndex()
	if err != nil || stop <= first {
		return
	}
	if err = l.storage.RemoveFront(stop); err != nil {
		l.Warn("compact log failed", zap.Uint64("stop", uint64(stop)), zap.Error(err))
	}
}

// WaitFor 等待提交下标达到index
func (l *Leader) WaitFor(index types.LogIndex) *future.Future[types.LogIndex] {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.resigned {
		return future.Failed[types.LogIndex](ErrParticipantResigned)
	}
	if l.commitIndex >= index {
		return future.Resolved(l.commitIndex)
	}
	w := &commitWaiter{index: index, f: future.New[types.LogIndex]()}
	l.waiters = append(l.waiters, w)
	return w.f
}

// WaitForLeadership 第一条日志提交后完成，结果为当时的提交下标
func (l *Leader) WaitForLeadership() *future.Future[types.LogIndex] {
	return l.established
}

func (l *Leader) LeadershipEstablished() bool {
	return l.established.Ready()
}

func (l *Leader) ID() types.ParticipantID {
	return l.id
}

func (l *Leader) Term() types.LogTerm {
	return l.term
}

func (l *Leader) Role() types.ParticipantRole {
	return types.RoleLeader
}

func (l *Leader) CommitIndex() types.LogIndex {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commitIndex
}

func (l *Leader) Config() *types.ParticipantsConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.config
}

func (l *Leader) FirstIndex() (types.LogIndex, error) {
	return l.storage.FirstIndex()
}

func (l *Leader) ReadCommitted(first, end types.LogIndex) ([]types.LogEntry, error) {
	end = min(end, l.CommitIndex()+1)
	return l.storage.Read(first, end)
}

// FollowerStatus 单个跟随者的复制状态
type FollowerStatus struct {
	ID                types.ParticipantID `json:"id"`
	LastAcked         types.TermIndexPair `json:"last_acked"`
	LastErrorCode     string              `json:"last_error_code"`
	SnapshotAvailable bool                `json:"snapshot_available"`
	Failures          int                 `json:"failures"`
}

func (l *Leader) FollowerStatuses() []FollowerStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]FollowerStatus, 0, len(l.followers))
	for _, fp := range l.followers {
		out = append(out, FollowerStatus{
			ID:                fp.id,
			LastAcked:         fp.lastAcked,
			LastErrorCode:     fp.lastErrorCode.String(),
			SnapshotAvailable: fp.snapshotAvailable,
			Failures:          fp.failures,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (l *Leader) Resign() {
	l.mu.Lock()
	if l.resigned {
		l.mu.Unlock()
		return
	}
	l.resigned = true
	waiters := l.waiters
	l.waiters = nil
	for _, fp := range l.followers {
		fp.cancelTimers()
	}
	if l.persistRetry != nil {
		l.persistRetry.Cancel()
	}
	l.mu.Unlock()

	l.established.Reject(ErrParticipantResigned)
	for _, w := range waiters {
		w.f.Reject(ErrParticipantResigned)
	}
	l.Info("leader resigned")
}
