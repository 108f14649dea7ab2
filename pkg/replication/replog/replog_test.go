package replog_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shardlog/shardlog/pkg/replication/replog"
	"github.com/shardlog/shardlog/pkg/replication/storage"
	"github.com/shardlog/shardlog/pkg/replication/types"
	"github.com/shardlog/shardlog/pkg/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCluster struct {
	sched    *scheduler.ManualScheduler
	network  *replog.LocalNetwork
	logs     map[types.ParticipantID]*replog.ReplicatedLog
	storages map[types.ParticipantID]*storage.MemoryMethods
}

func newTestCluster(t *testing.T, ids ...types.ParticipantID) *testCluster {
	t.Helper()
	c := &testCluster{
		sched:    scheduler.NewManualScheduler(),
		network:  replog.NewLocalNetwork(),
		logs:     make(map[types.ParticipantID]*replog.ReplicatedLog),
		storages: make(map[types.ParticipantID]*storage.MemoryMethods),
	}
	for _, id := range ids {
		store := storage.NewMemoryMethods()
		lg := replog.New(store, replog.WithLogID("test-"+string(id)), replog.WithScheduler(c.sched), replog.WithNetwork(c.network))
		c.storages[id] = store
		c.logs[id] = lg
		c.network.Register(id, lg)
	}
	return c
}

// assign 按任期指定领导配置所有参与者
func (c *testCluster) assign(t *testing.T, term types.LogTerm, leader types.ParticipantID, config *types.ParticipantsConfig) {
	t.Helper()
	spec := types.TermSpecification{Term: term, Leader: leader}
	for id, lg := range c.logs {
		require.NoError(t, lg.UpdateConfig(spec, config, id))
	}
}

func (c *testCluster) entries(t *testing.T, id types.ParticipantID) []types.LogEntry {
	t.Helper()
	last, err := c.storages[id].LastEntry()
	require.NoError(t, err)
	entries, err := c.storages[id].Read(1, last.Index+1)
	require.NoError(t, err)
	return entries
}

func newConfig(ids ...types.ParticipantID) *types.ParticipantsConfig {
	return types.NewParticipantsConfig(1, types.LogConfig{}, ids...)
}

func TestSingleLeaderEstablishesLeadership(t *testing.T) {
	c := newTestCluster(t, "A")
	lg := c.logs["A"]
	assert.Equal(t, types.RoleUnconfigured, lg.GetQuickStatus().Role)
	assert.Equal(t, types.LocalStateUnconfigured, lg.GetQuickStatus().LocalState)

	c.assign(t, 1, "A", newConfig("A"))
	status := lg.GetQuickStatus()
	assert.Equal(t, types.RoleLeader, status.Role)
	assert.False(t, status.LeadershipEstablished)

	c.sched.RunAll()
	status = lg.GetQuickStatus()
	assert.True(t, status.LeadershipEstablished)
	assert.Equal(t, types.LocalStateRecovery, status.LocalState)
	assert.Equal(t, types.LogIndex(1), status.CommitIndex)

	entries := c.entries(t, "A")
	require.Len(t, entries, 1)
	require.True(t, entries[0].IsMeta())
	assert.Equal(t, types.MetaFirstEntryOfTerm, entries[0].Meta.Type)
	assert.True(t, entries[0].WaitForSync)
}

func TestLeaderReplicatesToFollowers(t *testing.T) {
	c := newTestCluster(t, "A", "B", "C")
	c.assign(t, 1, "A", newConfig("A", "B", "C"))
	c.sched.RunAll()

	leader, err := c.logs["A"].GetLeader()
	require.NoError(t, err)
	require.True(t, leader.LeadershipEstablished())

	for i := 0; i < 5; i++ {
		_, err := leader.Insert([]byte(fmt.Sprintf("v%d", i)), false)
		require.NoError(t, err)
	}
	done := leader.WaitFor(6)
	c.sched.RunAll()
	commit, err := done.Get()
	require.NoError(t, err)
	assert.Equal(t, types.LogIndex(6), commit)

	want := c.entries(t, "A")
	require.Len(t, want, 6)
	for _, id := range []types.ParticipantID{"B", "C"} {
		assert.Equal(t, want, c.entries(t, id), "log of %s", id)
		follower, err := c.logs[id].GetFollower()
		require.NoError(t, err)
		assert.Equal(t, types.LogIndex(6), follower.CommitIndex())
		assert.True(t, follower.TermEstablished())
	}
}

func TestLeaderRetriesUnreachableFollower(t *testing.T) {
	c := newTestCluster(t, "A", "B", "C")
	c.network.Block("C")
	c.assign(t, 1, "A", newConfig("A", "B", "C"))
	c.sched.RunAll()

	leader, err := c.logs["A"].GetLeader()
	require.NoError(t, err)
	// A和B构成多数派
	assert.True(t, leader.LeadershipEstablished())
	_, err = leader.Insert([]byte("x"), true)
	require.NoError(t, err)
	c.sched.RunAll()
	assert.Equal(t, types.LogIndex(2), leader.CommitIndex())
	assert.Empty(t, c.entries(t, "C"))

	c.network.Unblock("C")
	c.sched.Advance(time.Second * 10)
	c.sched.RunAll()
	assert.Equal(t, c.entries(t, "A"), c.entries(t, "C"))

	for _, fs := range leader.FollowerStatuses() {
		assert.Equal(t, types.LogIndex(2), fs.LastAcked.Index, "follower %s", fs.ID)
	}
}

func TestHeartbeatEstablishesTermOfRestartedFollower(t *testing.T) {
	c := newTestCluster(t, "A", "B")
	cfg := newConfig("A", "B")
	c.assign(t, 1, "A", cfg)
	c.sched.RunAll()
	leader, err := c.logs["A"].GetLeader()
	require.NoError(t, err)
	require.True(t, leader.LeadershipEstablished())

	// B重启后被重新指定为同一任期的跟随者，领导没有新的写入
	restarted := replog.New(c.storages["B"], replog.WithLogID("test-B"), replog.WithScheduler(c.sched), replog.WithNetwork(c.network))
	c.logs["B"] = restarted
	c.network.Register("B", restarted)
	require.NoError(t, restarted.UpdateConfig(types.TermSpecification{Term: 1, Leader: "A"}, cfg, "B"))
	c.sched.RunAll()

	follower, err := restarted.GetFollower()
	require.NoError(t, err)
	assert.False(t, follower.TermEstablished())

	c.sched.Advance(time.Second)
	c.sched.RunAll()
	assert.True(t, follower.TermEstablished())
	assert.Equal(t, leader.CommitIndex(), follower.CommitIndex())
}

func TestWriteConcernBlocksCommit(t *testing.T) {
	c := newTestCluster(t, "A", "B", "C")
	c.network.Block("B")
	c.network.Block("C")
	cfg := types.NewParticipantsConfig(1, types.LogConfig{WriteConcern: 2}, "A", "B", "C")
	c.assign(t, 1, "A", cfg)
	c.sched.RunAll()

	assert.False(t, c.logs["A"].GetQuickStatus().LeadershipEstablished)
	assert.Equal(t, types.LogIndex(0), c.logs["A"].GetQuickStatus().CommitIndex)

	c.network.Unblock("C")
	c.sched.Advance(time.Second * 10)
	c.sched.RunAll()
	assert.True(t, c.logs["A"].GetQuickStatus().LeadershipEstablished)
}

func TestLeaderChangeKeepsLogsConsistent(t *testing.T) {
	c := newTestCluster(t, "A", "B", "C")
	cfg := newConfig("A", "B", "C")
	c.assign(t, 1, "A", cfg)
	c.sched.RunAll()
	leader, err := c.logs["A"].GetLeader()
	require.NoError(t, err)
	_, err = leader.Insert([]byte("term1"), false)
	require.NoError(t, err)
	c.sched.RunAll()

	c.assign(t, 2, "B", cfg)
	c.sched.RunAll()
	_, err = c.logs["A"].GetLeader()
	assert.ErrorIs(t, err, replog.ErrNotLeader)

	newLeader, err := c.logs["B"].GetLeader()
	require.NoError(t, err)
	assert.True(t, newLeader.LeadershipEstablished())
	_, err = newLeader.Insert([]byte("term2"), false)
	require.NoError(t, err)
	c.sched.RunAll()

	want := c.entries(t, "B")
	require.Len(t, want, 4)
	assert.Equal(t, types.NewTermIndexPair(2, 3), want[2].TermIndex)
	assert.Equal(t, want, c.entries(t, "A"))
	assert.Equal(t, want, c.entries(t, "C"))

	// 旧领导的等待者在退位时失败
	_, err = leader.WaitFor(100).Get()
	assert.ErrorIs(t, err, replog.ErrParticipantResigned)
}

func TestUpdateConfigStaleTerm(t *testing.T) {
	c := newTestCluster(t, "A")
	lg := c.logs["A"]
	require.NoError(t, lg.UpdateConfig(types.TermSpecification{Term: 3, Leader: "A"}, newConfig("A"), "A"))

	err := lg.UpdateConfig(types.TermSpecification{Term: 2, Leader: "A"}, newConfig("A"), "A")
	assert.ErrorIs(t, err, replog.ErrStaleTerm)

	err = lg.UpdateConfig(types.TermSpecification{Term: 3, Leader: "B"}, newConfig("A", "B"), "A")
	assert.ErrorIs(t, err, replog.ErrInvalidTermSpecification)

	// 同任期同领导是幂等的
	p := lg.GetParticipant()
	require.NoError(t, lg.UpdateConfig(types.TermSpecification{Term: 3, Leader: "A"}, newConfig("A"), "A"))
	assert.Same(t, p, lg.GetParticipant())
}

func TestUpdateParticipantsConfigWithinTerm(t *testing.T) {
	c := newTestCluster(t, "A", "B")
	cfg := newConfig("A")
	spec := types.TermSpecification{Term: 1, Leader: "A"}
	require.NoError(t, c.logs["A"].UpdateConfig(spec, cfg, "A"))
	c.sched.RunAll()

	require.NoError(t, c.logs["B"].UpdateConfig(spec, cfg, "B"))
	next := cfg.WithParticipant("B", types.ParticipantFlags{})
	require.NoError(t, c.logs["A"].UpdateConfig(spec, next, "A"))
	c.sched.RunAll()

	entries := c.entries(t, "A")
	require.Len(t, entries, 2)
	assert.Equal(t, types.MetaUpdateParticipantsConfig, entries[1].Meta.Type)
	assert.Equal(t, entries, c.entries(t, "B"))
	assert.Equal(t, types.LogIndex(2), c.logs["A"].GetQuickStatus().CommitIndex)
}

type recordingHandle struct {
	events []string
	conn   *replog.Connection
}

func (h *recordingHandle) BecomeLeader(conn *replog.Connection, leader *replog.Leader) {
	h.conn = conn
	h.events = append(h.events, fmt.Sprintf("leader:%d", leader.Term()))
}

func (h *recordingHandle) BecomeFollower(conn *replog.Connection, follower *replog.Follower) {
	h.conn = conn
	h.events = append(h.events, fmt.Sprintf("follower:%d", follower.Term()))
}

func (h *recordingHandle) DropRole() {
	h.events = append(h.events, "drop")
}

func (h *recordingHandle) CommitIndexUpdated(index types.LogIndex) {
	h.events = append(h.events, fmt.Sprintf("commit:%d", index))
}

func TestConnectionLifecycle(t *testing.T) {
	c := newTestCluster(t, "A")
	lg := c.logs["A"]
	h := &recordingHandle{}
	conn, err := lg.Connect(h)
	require.NoError(t, err)

	assert.Panics(t, func() {
		_, _ = lg.Connect(&recordingHandle{})
	})

	c.assign(t, 1, "A", newConfig("A"))
	c.sched.RunAll()
	conn.UpdateLocalState(1, types.LocalStateOperational)
	assert.Equal(t, types.LocalStateOperational, lg.GetQuickStatus().LocalState)

	// 旧任期的状态报告被忽略
	c.assign(t, 2, "A", newConfig("A"))
	conn.UpdateLocalState(1, types.LocalStateOperational)
	assert.Equal(t, types.LocalStateRecovery, lg.GetQuickStatus().LocalState)
	c.sched.RunAll()

	conn.Close()
	conn.Close()
	assert.True(t, conn.Closed())
	assert.Equal(t, []string{"leader:1", "commit:1", "drop", "leader:2", "commit:2", "drop"}, h.events)

	// 断开后可以重新连接
	h2 := &recordingHandle{}
	_, err = lg.Connect(h2)
	require.NoError(t, err)
	assert.Equal(t, []string{"leader:2"}, h2.events)
}

func newTestFollower(t *testing.T, sched scheduler.Scheduler, store storage.Methods, term types.LogTerm, leader types.ParticipantID) *replog.Follower {
	t.Helper()
	f, err := replog.NewFollower("F", types.TermSpecification{Term: term, Leader: leader}, store, replog.NewOptions(replog.WithScheduler(sched)))
	require.NoError(t, err)
	return f
}

func appendEntries(t *testing.T, sched *scheduler.ManualScheduler, f *replog.Follower, req *types.AppendEntriesRequest) *types.AppendEntriesResponse {
	t.Helper()
	fut := f.AppendEntries(req)
	sched.RunAll()
	resp, err := fut.Get()
	require.NoError(t, err)
	return resp
}

func firstEntryOfTerm(term types.LogTerm, index types.LogIndex, leader types.ParticipantID) types.LogEntry {
	return types.NewMetaEntry(types.NewTermIndexPair(term, index), &types.MetaPayload{Type: types.MetaFirstEntryOfTerm, Leader: leader})
}

func payloads(term types.LogTerm, from, to types.LogIndex) []types.LogEntry {
	var out []types.LogEntry
	for i := from; i <= to; i++ {
		out = append(out, types.NewPayloadEntry(types.NewTermIndexPair(term, i), []byte{byte(term), byte(i)}, false))
	}
	return out
}

func TestFollowerRejectsOldTermAndOutdatedMessages(t *testing.T) {
	sched := scheduler.NewManualScheduler()
	f := newTestFollower(t, sched, storage.NewMemoryMethods(), 2, "A")

	resp := appendEntries(t, sched, f, &types.AppendEntriesRequest{Term: 1, LeaderID: "A", MessageID: 1})
	assert.Equal(t, types.ErrorCodeLostTerm, resp.ErrorCode)
	assert.Equal(t, types.LogTerm(2), resp.Term)

	resp = appendEntries(t, sched, f, &types.AppendEntriesRequest{Term: 2, LeaderID: "X", MessageID: 1})
	assert.Equal(t, types.ErrorCodeInvalidLeaderID, resp.ErrorCode)

	resp = appendEntries(t, sched, f, &types.AppendEntriesRequest{Term: 2, LeaderID: "A", MessageID: 5, Entries: []types.LogEntry{firstEntryOfTerm(2, 1, "A")}})
	require.True(t, resp.IsSuccess())
	assert.False(t, resp.SnapshotAvailable)

	resp = appendEntries(t, sched, f, &types.AppendEntriesRequest{Term: 2, LeaderID: "A", MessageID: 5, PrevLogEntry: types.NewTermIndexPair(2, 1)})
	assert.Equal(t, types.ErrorCodeMessageOutdated, resp.ErrorCode)

	// 更高的任期被接受
	resp = appendEntries(t, sched, f, &types.AppendEntriesRequest{Term: 3, LeaderID: "B", MessageID: 1, PrevLogEntry: types.NewTermIndexPair(2, 1)})
	require.True(t, resp.IsSuccess())
	assert.Equal(t, types.LogTerm(3), f.Term())
	assert.Equal(t, types.ParticipantID("B"), f.Leader())
}

func TestFollowerLogMatching(t *testing.T) {
	sched := scheduler.NewManualScheduler()
	store := storage.NewMemoryMethods()
	f := newTestFollower(t, sched, store, 1, "A")

	entries := append([]types.LogEntry{firstEntryOfTerm(1, 1, "A")}, payloads(1, 2, 4)...)
	resp := appendEntries(t, sched, f, &types.AppendEntriesRequest{Term: 1, LeaderID: "A", MessageID: 1, LeaderCommit: 2, Entries: entries})
	require.True(t, resp.IsSuccess())
	assert.Equal(t, types.LogIndex(2), f.CommitIndex())

	// prev超出本地日志
	resp = appendEntries(t, sched, f, &types.AppendEntriesRequest{Term: 1, LeaderID: "A", MessageID: 2, PrevLogEntry: types.NewTermIndexPair(1, 9)})
	assert.Equal(t, types.ErrorCodeNoPrevLogMatch, resp.ErrorCode)
	assert.Equal(t, types.LogIndex(5), resp.ConflictIndex)

	// prev任期不一致
	resp = appendEntries(t, sched, f, &types.AppendEntriesRequest{Term: 1, LeaderID: "A", MessageID: 3, PrevLogEntry: types.NewTermIndexPair(0, 3)})
	assert.Equal(t, types.ErrorCodeNoPrevLogMatch, resp.ErrorCode)
	assert.Equal(t, types.LogIndex(3), resp.ConflictIndex)

	// 新任期领导覆盖未提交的冲突后缀
	replacement := append([]types.LogEntry{firstEntryOfTerm(2, 3, "B")}, payloads(2, 4, 4)...)
	resp = appendEntries(t, sched, f, &types.AppendEntriesRequest{
		Term: 2, LeaderID: "B", MessageID: 1, PrevLogEntry: types.NewTermIndexPair(1, 2), LeaderCommit: 4, Entries: replacement,
	})
	require.True(t, resp.IsSuccess())
	last, err := store.LastEntry()
	require.NoError(t, err)
	assert.Equal(t, types.NewTermIndexPair(2, 4), last)
	assert.Equal(t, types.LogIndex(4), f.CommitIndex())

	// 重复的请求不会改变日志
	resp = appendEntries(t, sched, f, &types.AppendEntriesRequest{
		Term: 2, LeaderID: "B", MessageID: 2, PrevLogEntry: types.NewTermIndexPair(1, 2), LeaderCommit: 4, Entries: replacement,
	})
	require.True(t, resp.IsSuccess())
	got, err := store.Read(1, 5)
	require.NoError(t, err)
	assert.Equal(t, append(entries[:2:2], replacement...), got)
}

func TestFollowerCommitsEntriesFromCompactedLeader(t *testing.T) {
	sched := scheduler.NewManualScheduler()
	store := storage.NewMemoryMethods()
	f := newTestFollower(t, sched, store, 1, "A")

	// 领导已压缩到5，空日志的跟随者从5开始接收
	resp := appendEntries(t, sched, f, &types.AppendEntriesRequest{Term: 1, LeaderID: "A", MessageID: 1, LeaderCommit: 6, Entries: payloads(1, 5, 6)})
	require.True(t, resp.IsSuccess())
	assert.Equal(t, types.LogIndex(6), f.CommitIndex())

	first, err := store.FirstIndex()
	require.NoError(t, err)
	assert.Equal(t, types.LogIndex(5), first)

	// 只有领导已提交且本地一致的部分才能提交
	resp = appendEntries(t, sched, f, &types.AppendEntriesRequest{Term: 1, LeaderID: "A", MessageID: 2, PrevLogEntry: types.NewTermIndexPair(1, 6), LeaderCommit: 20, Entries: payloads(1, 7, 8)})
	require.True(t, resp.IsSuccess())
	assert.Equal(t, types.LogIndex(8), f.CommitIndex())
}

func TestFollowersReceivingSameStreamHaveIdenticalLogs(t *testing.T) {
	sched := scheduler.NewManualScheduler()
	stores := []*storage.MemoryMethods{storage.NewMemoryMethods(), storage.NewMemoryMethods()}
	followers := make([]*replog.Follower, 0, len(stores))
	for _, s := range stores {
		followers = append(followers, newTestFollower(t, sched, s, 1, "A"))
	}
	stream := []*types.AppendEntriesRequest{
		{Term: 1, LeaderID: "A", MessageID: 1, Entries: []types.LogEntry{firstEntryOfTerm(1, 1, "A")}},
		{Term: 1, LeaderID: "A", MessageID: 2, PrevLogEntry: types.NewTermIndexPair(1, 1), LeaderCommit: 1, Entries: payloads(1, 2, 5)},
		{Term: 1, LeaderID: "A", MessageID: 3, PrevLogEntry: types.NewTermIndexPair(1, 3), LeaderCommit: 3, Entries: payloads(1, 4, 7)},
		{Term: 1, LeaderID: "A", MessageID: 4, PrevLogEntry: types.NewTermIndexPair(1, 9), LeaderCommit: 7},
	}
	for _, req := range stream {
		for _, f := range followers {
			appendEntries(t, sched, f, req)
		}
	}
	a, err := stores[0].Read(1, 100)
	require.NoError(t, err)
	b, err := stores[1].Read(1, 100)
	require.NoError(t, err)
	assert.Len(t, a, 7)
	assert.Equal(t, a, b)
	assert.Equal(t, followers[0].CommitIndex(), followers[1].CommitIndex())
}

type failingStorage struct {
	*storage.MemoryMethods
	failAppend bool
}

func (s *failingStorage) Append(entries []types.LogEntry, waitForSync bool) error {
	if s.failAppend {
		return errors.New("disk full")
	}
	return s.MemoryMethods.Append(entries, waitForSync)
}

func TestFollowerPersistenceFailure(t *testing.T) {
	sched := scheduler.NewManualScheduler()
	store := &failingStorage{MemoryMethods: storage.NewMemoryMethods()}
	f := newTestFollower(t, sched, store, 1, "A")

	resp := appendEntries(t, sched, f, &types.AppendEntriesRequest{Term: 1, LeaderID: "A", MessageID: 1, LeaderCommit: 1, Entries: []types.LogEntry{firstEntryOfTerm(1, 1, "A")}})
	require.True(t, resp.IsSuccess())

	store.failAppend = true
	resp = appendEntries(t, sched, f, &types.AppendEntriesRequest{Term: 1, LeaderID: "A", MessageID: 2, PrevLogEntry: types.NewTermIndexPair(1, 1), LeaderCommit: 3, Entries: payloads(1, 2, 3)})
	assert.Equal(t, types.ErrorCodePersistenceFailure, resp.ErrorCode)
	assert.Equal(t, types.LogIndex(1), f.CommitIndex())
	last, err := store.LastEntry()
	require.NoError(t, err)
	assert.Equal(t, types.LogIndex(1), last.Index)

	// 领导重试同样的内容即可成功
	store.failAppend = false
	resp = appendEntries(t, sched, f, &types.AppendEntriesRequest{Term: 1, LeaderID: "A", MessageID: 3, PrevLogEntry: types.NewTermIndexPair(1, 1), LeaderCommit: 3, Entries: payloads(1, 2, 3)})
	require.True(t, resp.IsSuccess())
	assert.Equal(t, types.LogIndex(3), f.CommitIndex())
}

func TestFollowerInvalidatesUnconfirmedSnapshot(t *testing.T) {
	sched := scheduler.NewManualScheduler()
	store := storage.NewMemoryMethods()
	require.NoError(t, store.UpdateMetadata(&types.PersistedStateInfo{
		StateID:  "s",
		Snapshot: types.SnapshotInfo{Status: types.SnapshotInProgress, Leader: "A"},
	}))
	f := newTestFollower(t, sched, store, 2, "B")

	resp := appendEntries(t, sched, f, &types.AppendEntriesRequest{Term: 2, LeaderID: "B", MessageID: 1, Entries: []types.LogEntry{firstEntryOfTerm(2, 1, "B")}})
	require.True(t, resp.IsSuccess())
	assert.False(t, resp.SnapshotAvailable)
	assert.Equal(t, types.SnapshotInvalidated, f.Snapshot().Status)

	info, err := store.ReadMetadata()
	require.NoError(t, err)
	assert.Equal(t, types.SnapshotInvalidated, info.Snapshot.Status)
	assert.Equal(t, types.TermSpecification{Term: 2, Leader: "B"}, info.Specification)

	// 已失效的快照不能被标记完成
	assert.ErrorIs(t, f.FinishSnapshot("A", nil), replog.ErrSnapshotStateChanged)
}

func TestFollowerKeepsSnapshotOfSameLeader(t *testing.T) {
	sched := scheduler.NewManualScheduler()
	store := storage.NewMemoryMethods()
	f := newTestFollower(t, sched, store, 1, "A")
	leader, err := f.StartSnapshot()
	require.NoError(t, err)
	assert.Equal(t, types.ParticipantID("A"), leader)

	resp := appendEntries(t, sched, f, &types.AppendEntriesRequest{Term: 1, LeaderID: "A", MessageID: 1, Entries: []types.LogEntry{firstEntryOfTerm(1, 1, "A")}})
	require.True(t, resp.IsSuccess())
	assert.Equal(t, types.SnapshotInProgress, f.Snapshot().Status)

	require.NoError(t, f.FinishSnapshot("A", nil))
	assert.True(t, f.SnapshotAvailable())
}

func TestFollowerScenarioSingleFirstEntry(t *testing.T) {
	c := newTestCluster(t, "B")
	require.NoError(t, c.storages["B"].UpdateMetadata(&types.PersistedStateInfo{
		StateID:  "s",
		Snapshot: types.SnapshotInfo{Status: types.SnapshotCompleted},
	}))
	lg := c.logs["B"]
	require.NoError(t, lg.UpdateConfig(types.TermSpecification{Term: 1, Leader: "OTHER"}, newConfig("OTHER", "B"), "B"))

	fut := lg.AppendEntries(&types.AppendEntriesRequest{
		Term:      1,
		LeaderID:  "OTHER",
		MessageID: 1,
		Entries:   []types.LogEntry{firstEntryOfTerm(1, 1, "OTHER")},
	})
	c.sched.RunAll()
	resp, err := fut.Get()
	require.NoError(t, err)
	assert.True(t, resp.IsSuccess())
	assert.True(t, resp.SnapshotAvailable)
	assert.Equal(t, types.RoleFollower, lg.GetQuickStatus().Role)
}

func TestFollowerCompaction(t *testing.T) {
	c := newTestCluster(t, "B")
	lg := c.logs["B"]
	h := &recordingHandle{}
	conn, err := lg.Connect(h)
	require.NoError(t, err)
	require.NoError(t, lg.UpdateConfig(types.TermSpecification{Term: 1, Leader: "A"}, newConfig("A", "B"), "B"))

	entries := append([]types.LogEntry{firstEntryOfTerm(1, 1, "A")}, payloads(1, 2, 6)...)
	lg.AppendEntries(&types.AppendEntriesRequest{Term: 1, LeaderID: "A", MessageID: 1, LeaderCommit: 6, Entries: entries})
	c.sched.RunAll()

	// 状态机只释放到3
	conn.Release(3)
	lg.AppendEntries(&types.AppendEntriesRequest{Term: 1, LeaderID: "A", MessageID: 2, PrevLogEntry: types.NewTermIndexPair(1, 6), LeaderCommit: 6, LowestIndexToKeep: 6})
	c.sched.RunAll()
	first, err := c.storages["B"].FirstIndex()
	require.NoError(t, err)
	assert.Equal(t, types.LogIndex(4), first)

	// 已压缩的prev视为匹配
	fut := lg.AppendEntries(&types.AppendEntriesRequest{Term: 1, LeaderID: "A", MessageID: 3, PrevLogEntry: types.NewTermIndexPair(1, 2), LeaderCommit: 6, Entries: payloads(1, 3, 7)})
	c.sched.RunAll()
	resp, err := fut.Get()
	require.NoError(t, err)
	assert.True(t, resp.IsSuccess())
	last, err := c.storages["B"].LastEntry()
	require.NoError(t, err)
	assert.Equal(t, types.LogIndex(7), last.Index)
}
