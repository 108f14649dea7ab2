package rstate

import (
	"sync"

	"github.com/shardlog/shardlog/pkg/replication/replog"
)

// ReplicatedState 应用状态机对外的入口
type ReplicatedState[E any, C any, L LeaderState[E], F FollowerState[E]] struct {
	manager *StateManager[E, C, L, F]

	mu   sync.Mutex
	conn *replog.Connection
}

func NewReplicatedState[E any, C any, L LeaderState[E], F FollowerState[E]](factory Factory[E, C, L, F], codec EntryCodec[E], opt ...Option) *ReplicatedState[E, C, L, F] {
	return &ReplicatedState[E, C, L, F]{
		manager: NewStateManager(factory, codec, NewOptions(opt...)),
	}
}

func (s *ReplicatedState[E, C, L, F]) StateHandle() replog.StateHandle {
	return s.manager
}

// Connect 绑定到日志，当前角色会立即开始恢复
func (s *ReplicatedState[E, C, L, F]) Connect(log *replog.ReplicatedLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && !s.conn.Closed() {
		return ErrAlreadyConnected
	}
	conn, err := log.Connect(s.manager)
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

// Disconnect 解绑后所有进行中的恢复和应用任务都会被丢弃
func (s *ReplicatedState[E, C, L, F]) Disconnect() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	conn.Close()
	return nil
}

func (s *ReplicatedState[E, C, L, F]) GetStatus() (StateStatus, bool) {
	return s.manager.GetStatus()
}

func (s *ReplicatedState[E, C, L, F]) GetLeader() (L, bool) {
	return s.manager.GetLeader()
}

func (s *ReplicatedState[E, C, L, F]) GetFollower() (F, bool) {
	return s.manager.GetFollower()
}
