package rstate_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shardlog/shardlog/pkg/future"
	"github.com/shardlog/shardlog/pkg/replication/replog"
	"github.com/shardlog/shardlog/pkg/replication/rstate"
	"github.com/shardlog/shardlog/pkg/replication/storage"
	"github.com/shardlog/shardlog/pkg/replication/types"
	"github.com/shardlog/shardlog/pkg/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

type stringCodec struct{}

func (stringCodec) Encode(s string) ([]byte, error) {
	return []byte(s), nil
}

func (stringCodec) Decode(b []byte) (string, error) {
	if len(b) == 0 {
		return "", errors.New("empty payload")
	}
	return string(b), nil
}

type testCore struct {
	mu     sync.Mutex
	values []string
}

func (c *testCore) add(v ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = append(c.values, v...)
}

func (c *testCore) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.values...)
}

type testLeader struct {
	core     *testCore
	stream   rstate.LeaderStream[string]
	fail     error
	resigned atomic.Bool
}

func (l *testLeader) RecoverEntries(_ context.Context, entries []rstate.Entry[string]) error {
	if l.fail != nil {
		return l.fail
	}
	for _, e := range entries {
		l.core.add(e.Payload)
	}
	return nil
}

func (l *testLeader) Resign() {
	l.resigned.Store(true)
}

// Write 写入并在提交后应用
func (l *testLeader) Write(v string) *future.Future[types.LogIndex] {
	idx, err := l.stream.Insert(v, false)
	if err != nil {
		return future.Failed[types.LogIndex](err)
	}
	return future.Map(l.stream.WaitFor(idx), func(types.LogIndex) (types.LogIndex, error) {
		l.core.add(v)
		l.stream.Release(idx)
		return idx, nil
	})
}

type testFollower struct {
	core           *testCore
	stream         rstate.FollowerStream[string]
	snapshotLeader types.ParticipantID
	snapshots      int
	resigned       atomic.Bool
}

func (f *testFollower) AcquireSnapshot(_ context.Context, leader types.ParticipantID, _ types.LogIndex) error {
	f.snapshotLeader = leader
	f.snapshots++
	return nil
}

func (f *testFollower) ApplyEntries(_ context.Context, entries []rstate.Entry[string]) error {
	for _, e := range entries {
		f.core.add(e.Payload)
	}
	return nil
}

func (f *testFollower) Resign() {
	f.resigned.Store(true)
}

type testFactory struct {
	mu              sync.Mutex
	leaders         []*testLeader
	followers       []*testFollower
	recoverFailures int
}

func (f *testFactory) ConstructCore() *testCore {
	return &testCore{}
}

func (f *testFactory) ConstructLeader(core *testCore, stream rstate.LeaderStream[string]) *testLeader {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := &testLeader{core: core, stream: stream}
	if f.recoverFailures > 0 {
		f.recoverFailures--
		l.fail = errors.New("recovery failed")
	}
	f.leaders = append(f.leaders, l)
	return l
}

func (f *testFactory) ConstructFollower(core *testCore, stream rstate.FollowerStream[string]) *testFollower {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl := &testFollower{core: core, stream: stream}
	f.followers = append(f.followers, fl)
	return fl
}

type testState = rstate.ReplicatedState[string, *testCore, *testLeader, *testFollower]

func newTestState(factory *testFactory, sched scheduler.Scheduler) *testState {
	return rstate.NewReplicatedState[string, *testCore, *testLeader, *testFollower](factory, stringCodec{},
		rstate.WithName("test"), rstate.WithScheduler(sched), rstate.WithRetryDelay(time.Millisecond*100))
}

func leaderSpec(term types.LogTerm, leader types.ParticipantID) types.TermSpecification {
	return types.TermSpecification{Term: term, Leader: leader}
}

func TestLeaderRecoveryGating(t *testing.T) {
	sched := scheduler.NewManualScheduler()
	lg := replog.New(storage.NewMemoryMethods(), replog.WithScheduler(sched))
	factory := &testFactory{}
	st := newTestState(factory, sched)
	require.NoError(t, st.Connect(lg))
	assert.ErrorIs(t, st.Connect(lg), rstate.ErrAlreadyConnected)

	_, ok := st.GetStatus()
	assert.False(t, ok)

	require.NoError(t, lg.UpdateConfig(leaderSpec(1, "A"), types.NewParticipantsConfig(1, types.LogConfig{}, "A"), "A"))
	status, ok := st.GetStatus()
	require.True(t, ok)
	require.IsType(t, &rstate.LeaderStatus{}, status)
	assert.Equal(t, rstate.ManagerStateWaitForLeadership, status.(*rstate.LeaderStatus).ManagerState)
	_, ok = st.GetLeader()
	assert.False(t, ok)
	assert.Equal(t, types.LocalStateRecovery, lg.GetQuickStatus().LocalState)

	published := false
	for sched.RunOnce() {
		qs := lg.GetQuickStatus()
		_, hasLeader := st.GetLeader()
		if hasLeader {
			require.Equal(t, types.LocalStateOperational, qs.LocalState)
			published = true
		} else {
			require.False(t, published, "leader disappeared after publication")
		}
		if qs.LocalState == types.LocalStateOperational {
			require.True(t, qs.LeadershipEstablished)
		}
	}
	require.True(t, published)

	status, ok = st.GetStatus()
	require.True(t, ok)
	assert.Equal(t, rstate.ManagerStateServiceAvailable, status.(*rstate.LeaderStatus).ManagerState)
	assert.Equal(t, types.RoleLeader, status.Role())
	require.Len(t, factory.leaders, 1)
	assert.Empty(t, factory.leaders[0].core.snapshot())
}

func TestLeaderRecoversCommittedEntries(t *testing.T) {
	sched := scheduler.NewManualScheduler()
	store := storage.NewMemoryMethods()
	require.NoError(t, store.Append([]types.LogEntry{
		types.NewMetaEntry(types.NewTermIndexPair(1, 1), &types.MetaPayload{Type: types.MetaFirstEntryOfTerm, Leader: "A"}),
		types.NewPayloadEntry(types.NewTermIndexPair(1, 2), []byte("a"), false),
		types.NewPayloadEntry(types.NewTermIndexPair(1, 3), []byte("b"), false),
		types.NewPayloadEntry(types.NewTermIndexPair(1, 4), []byte("c"), false),
	}, false))
	lg := replog.New(store, replog.WithScheduler(sched))
	factory := &testFactory{}
	st := newTestState(factory, sched)
	require.NoError(t, st.Connect(lg))
	require.NoError(t, lg.UpdateConfig(leaderSpec(2, "A"), types.NewParticipantsConfig(1, types.LogConfig{}, "A"), "A"))
	sched.RunAll()

	leader, ok := st.GetLeader()
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b", "c"}, leader.core.snapshot())

	w := leader.Write("d")
	sched.RunAll()
	idx, err := w.Get()
	require.NoError(t, err)
	assert.Equal(t, types.LogIndex(6), idx)
	assert.Equal(t, []string{"a", "b", "c", "d"}, leader.core.snapshot())
}

func TestLeaderRecoveryRetriesAfterFailure(t *testing.T) {
	sched := scheduler.NewManualScheduler()
	lg := replog.New(storage.NewMemoryMethods(), replog.WithScheduler(sched))
	factory := &testFactory{recoverFailures: 1}
	st := newTestState(factory, sched)
	require.NoError(t, st.Connect(lg))
	require.NoError(t, lg.UpdateConfig(leaderSpec(1, "A"), types.NewParticipantsConfig(1, types.LogConfig{}, "A"), "A"))

	sched.RunAll()
	_, ok := st.GetLeader()
	assert.False(t, ok)
	assert.Equal(t, types.LocalStateRecovery, lg.GetQuickStatus().LocalState)
	require.Len(t, factory.leaders, 1)
	assert.True(t, factory.leaders[0].resigned.Load())

	sched.Advance(time.Second)
	sched.RunAll()
	_, ok = st.GetLeader()
	assert.True(t, ok)
	assert.Len(t, factory.leaders, 2)
	assert.Equal(t, types.LocalStateOperational, lg.GetQuickStatus().LocalState)
}

func TestStaleRecoveryIsDropped(t *testing.T) {
	sched := scheduler.NewManualScheduler()
	lg := replog.New(storage.NewMemoryMethods(), replog.WithScheduler(sched))
	factory := &testFactory{}
	st := newTestState(factory, sched)
	require.NoError(t, st.Connect(lg))
	cfg := types.NewParticipantsConfig(1, types.LogConfig{}, "A")
	require.NoError(t, lg.UpdateConfig(leaderSpec(1, "A"), cfg, "A"))
	require.NoError(t, lg.UpdateConfig(leaderSpec(2, "A"), cfg, "A"))
	sched.RunAll()

	// 第一个任期的领导在建立前就被替换，不会恢复
	require.Len(t, factory.leaders, 1)
	status, ok := st.GetStatus()
	require.True(t, ok)
	assert.Equal(t, types.LogTerm(2), status.(*rstate.LeaderStatus).Term)
	_, ok = st.GetLeader()
	assert.True(t, ok)
}

type stateCluster struct {
	sched    *scheduler.ManualScheduler
	network  *replog.LocalNetwork
	logs     map[types.ParticipantID]*replog.ReplicatedLog
	storages map[types.ParticipantID]*storage.MemoryMethods
	states   map[types.ParticipantID]*testState
	factory  map[types.ParticipantID]*testFactory
}

func newStateCluster(t *testing.T, ids ...types.ParticipantID) *stateCluster {
	t.Helper()
	c := &stateCluster{
		sched:    scheduler.NewManualScheduler(),
		network:  replog.NewLocalNetwork(),
		logs:     make(map[types.ParticipantID]*replog.ReplicatedLog),
		storages: make(map[types.ParticipantID]*storage.MemoryMethods),
		states:   make(map[types.ParticipantID]*testState),
		factory:  make(map[types.ParticipantID]*testFactory),
	}
	for _, id := range ids {
		c.start(t, id, storage.NewMemoryMethods())
	}
	return c
}

// start 在给定存储上启动参与者，已存在时相当于重启
func (c *stateCluster) start(t *testing.T, id types.ParticipantID, store *storage.MemoryMethods) {
	t.Helper()
	lg := replog.New(store, replog.WithLogID(string(id)), replog.WithScheduler(c.sched), replog.WithNetwork(c.network))
	c.network.Register(id, lg)
	factory := &testFactory{}
	st := newTestState(factory, c.sched)
	require.NoError(t, st.Connect(lg))
	c.logs[id], c.storages[id], c.states[id], c.factory[id] = lg, store, st, factory
}

func (c *stateCluster) assign(t *testing.T, term types.LogTerm, leader types.ParticipantID, cfg *types.ParticipantsConfig) {
	t.Helper()
	for id, lg := range c.logs {
		require.NoError(t, lg.UpdateConfig(leaderSpec(term, leader), cfg, id))
	}
}

func TestFollowerRecoveryAcquiresSnapshot(t *testing.T) {
	c := newStateCluster(t, "A", "B")
	cfg := types.NewParticipantsConfig(1, types.LogConfig{}, "A", "B")
	c.assign(t, 1, "A", cfg)

	status, ok := c.states["B"].GetStatus()
	require.True(t, ok)
	require.IsType(t, &rstate.FollowerStatus{}, status)
	assert.Equal(t, rstate.ManagerStateWaitForTerm, status.(*rstate.FollowerStatus).ManagerState)
	assert.Equal(t, types.ParticipantID("A"), status.(*rstate.FollowerStatus).Leader)
	_, ok = c.states["B"].GetFollower()
	assert.False(t, ok)

	c.sched.RunAll()
	follower, ok := c.states["B"].GetFollower()
	require.True(t, ok)
	assert.Equal(t, 1, follower.snapshots)
	assert.Equal(t, types.ParticipantID("A"), follower.snapshotLeader)
	qs := c.logs["B"].GetQuickStatus()
	assert.True(t, qs.SnapshotAvailable)
	assert.Equal(t, types.LocalStateOperational, qs.LocalState)

	leader, ok := c.states["A"].GetLeader()
	require.True(t, ok)
	w1 := leader.Write("x")
	w2 := leader.Write("y")
	c.sched.RunAll()
	_, err := w1.Get()
	require.NoError(t, err)
	_, err = w2.Get()
	require.NoError(t, err)

	assert.Equal(t, []string{"x", "y"}, leader.core.snapshot())
	assert.Equal(t, []string{"x", "y"}, follower.core.snapshot())
	status, ok = c.states["B"].GetStatus()
	require.True(t, ok)
	assert.Equal(t, types.LogIndex(3), status.(*rstate.FollowerStatus).AppliedIndex)
	assert.Equal(t, rstate.ManagerStateServiceAvailable, status.(*rstate.FollowerStatus).ManagerState)
}

func TestRoleChangeResignsPublishedWrappers(t *testing.T) {
	c := newStateCluster(t, "A", "B")
	cfg := types.NewParticipantsConfig(1, types.LogConfig{}, "A", "B")
	c.assign(t, 1, "A", cfg)
	c.sched.RunAll()

	oldLeader, ok := c.states["A"].GetLeader()
	require.True(t, ok)
	oldFollower, ok := c.states["B"].GetFollower()
	require.True(t, ok)

	c.assign(t, 2, "B", cfg)
	assert.True(t, oldLeader.resigned.Load())
	assert.True(t, oldFollower.resigned.Load())
	_, ok = c.states["A"].GetLeader()
	assert.False(t, ok)
	_, ok = c.states["B"].GetFollower()
	assert.False(t, ok)
	_, ok = c.states["B"].GetLeader()
	assert.False(t, ok)

	c.sched.RunAll()
	_, ok = c.states["B"].GetLeader()
	assert.True(t, ok)
	_, ok = c.states["A"].GetFollower()
	assert.True(t, ok)
	// 快照已完成，新的跟随包装不再获取快照
	require.Len(t, c.factory["A"].followers, 1)
	assert.Equal(t, 0, c.factory["A"].followers[0].snapshots)
}

func TestDisconnectDropsState(t *testing.T) {
	sched := scheduler.NewManualScheduler()
	lg := replog.New(storage.NewMemoryMethods(), replog.WithScheduler(sched))
	factory := &testFactory{}
	st := newTestState(factory, sched)
	require.NoError(t, st.Connect(lg))
	require.NoError(t, lg.UpdateConfig(leaderSpec(1, "A"), types.NewParticipantsConfig(1, types.LogConfig{}, "A"), "A"))
	sched.RunAll()
	leader, ok := st.GetLeader()
	require.True(t, ok)

	require.NoError(t, st.Disconnect())
	assert.ErrorIs(t, st.Disconnect(), rstate.ErrNotConnected)
	assert.True(t, leader.resigned.Load())
	_, ok = st.GetStatus()
	assert.False(t, ok)
	assert.Equal(t, types.LocalStateRecovery, lg.GetQuickStatus().LocalState)

	// 重新连接后重新恢复
	require.NoError(t, st.Connect(lg))
	_, ok = st.GetLeader()
	assert.False(t, ok)
	sched.RunAll()
	_, ok = st.GetLeader()
	assert.True(t, ok)
	assert.Len(t, factory.leaders, 2)
}

func TestRecoveryResumesAfterReleasedIndex(t *testing.T) {
	sched := scheduler.NewManualScheduler()
	store := storage.NewMemoryMethods()
	lg := replog.New(store, replog.WithScheduler(sched))
	factory := &testFactory{}
	st := newTestState(factory, sched)
	require.NoError(t, st.Connect(lg))
	cfg := types.NewParticipantsConfig(1, types.LogConfig{}, "A")
	require.NoError(t, lg.UpdateConfig(leaderSpec(1, "A"), cfg, "A"))
	sched.RunAll()

	leader, ok := st.GetLeader()
	require.True(t, ok)
	w1, w2 := leader.Write("a"), leader.Write("b")
	// 已提交但未释放，换任期后需要回放
	idx, err := leader.stream.Insert("c", false)
	require.NoError(t, err)
	sched.RunAll()
	for _, w := range []*future.Future[types.LogIndex]{w1, w2} {
		_, err = w.Get()
		require.NoError(t, err)
	}
	assert.Equal(t, types.LogIndex(4), idx)
	assert.Equal(t, types.LogIndex(4), lg.GetQuickStatus().CommitIndex)

	require.NoError(t, lg.UpdateConfig(leaderSpec(2, "A"), cfg, "A"))
	sched.RunAll()
	leader, ok = st.GetLeader()
	require.True(t, ok)
	require.Len(t, factory.leaders, 2)
	assert.Equal(t, []string{"c"}, leader.core.snapshot())

	// 重启后从持久化的释放下标之后恢复
	released, err := store.ReadReleaseIndex()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, released, idx)

	restarted := replog.New(store, replog.WithScheduler(sched))
	restartedFactory := &testFactory{}
	restartedState := newTestState(restartedFactory, sched)
	require.NoError(t, restartedState.Connect(restarted))
	require.NoError(t, restarted.UpdateConfig(leaderSpec(3, "A"), cfg, "A"))
	sched.RunAll()
	leader, ok = restartedState.GetLeader()
	require.True(t, ok)
	assert.Empty(t, leader.core.snapshot())
	assert.Equal(t, types.LocalStateOperational, restarted.GetQuickStatus().LocalState)
}

func TestFollowerReattachSkipsAppliedEntries(t *testing.T) {
	c := newStateCluster(t, "A", "B")
	cfg := types.NewParticipantsConfig(1, types.LogConfig{}, "A", "B")
	c.assign(t, 1, "A", cfg)
	c.sched.RunAll()

	leader, ok := c.states["A"].GetLeader()
	require.True(t, ok)
	w := leader.Write("x")
	c.sched.RunAll()
	_, err := w.Get()
	require.NoError(t, err)
	follower, ok := c.states["B"].GetFollower()
	require.True(t, ok)
	require.Equal(t, []string{"x"}, follower.core.snapshot())

	c.assign(t, 2, "A", cfg)
	c.sched.RunAll()
	follower, ok = c.states["B"].GetFollower()
	require.True(t, ok)
	require.Len(t, c.factory["B"].followers, 2)
	assert.Empty(t, follower.core.snapshot())
	assert.Equal(t, 0, follower.snapshots)

	leader, ok = c.states["A"].GetLeader()
	require.True(t, ok)
	w = leader.Write("y")
	c.sched.RunAll()
	_, err = w.Get()
	require.NoError(t, err)
	assert.Equal(t, []string{"y"}, follower.core.snapshot())
}

func TestRestartedFollowerBecomesOperationalWithoutWrites(t *testing.T) {
	c := newStateCluster(t, "A", "B")
	cfg := types.NewParticipantsConfig(1, types.LogConfig{}, "A", "B")
	c.assign(t, 1, "A", cfg)
	c.sched.RunAll()
	leader, ok := c.states["A"].GetLeader()
	require.True(t, ok)
	w := leader.Write("x")
	c.sched.RunAll()
	_, err := w.Get()
	require.NoError(t, err)

	c.start(t, "B", c.storages["B"])
	require.NoError(t, c.logs["B"].UpdateConfig(leaderSpec(1, "A"), cfg, "B"))
	c.sched.RunAll()
	assert.NotEqual(t, types.LocalStateOperational, c.logs["B"].GetQuickStatus().LocalState)

	// 领导空闲，由心跳确立任期
	c.sched.Advance(time.Second)
	c.sched.RunAll()
	assert.Equal(t, types.LocalStateOperational, c.logs["B"].GetQuickStatus().LocalState)
	follower, ok := c.states["B"].GetFollower()
	require.True(t, ok)
	assert.Empty(t, follower.core.snapshot())
	assert.Equal(t, 0, follower.snapshots)
}
