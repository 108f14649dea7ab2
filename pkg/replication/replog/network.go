package replog

import (
	"context"
	"fmt"
	"sync"

	"github.com/shardlog/shardlog/pkg/future"
	"github.com/shardlog/shardlog/pkg/replication/types"
)

// NetworkClient 领导向跟随者发送AppendEntries
type NetworkClient interface {
	AppendEntries(ctx context.Context, to types.ParticipantID, req *types.AppendEntriesRequest) *future.Future[*types.AppendEntriesResponse]
}

// AppendEntriesHandler 接收AppendEntries的一端，ReplicatedLog 实现了该接口
type AppendEntriesHandler interface {
	AppendEntries(req *types.AppendEntriesRequest) *future.Future[*types.AppendEntriesResponse]
}

// LocalNetwork 进程内网络，用于测试和单机多副本
type LocalNetwork struct {
	mu       sync.RWMutex
	handlers map[types.ParticipantID]AppendEntriesHandler
	blocked  map[types.ParticipantID]bool
}

func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		handlers: make(map[types.ParticipantID]AppendEntriesHandler),
		blocked:  make(map[types.ParticipantID]bool),
	}
}

func (n *LocalNetwork) Register(id types.ParticipantID, h AppendEntriesHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = h
}

// Block 发往id的请求都以通信错误失败
func (n *LocalNetwork) Block(id types.ParticipantID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked[id] = true
}

func (n *LocalNetwork) Unblock(id types.ParticipantID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.blocked, id)
}

func (n *LocalNetwork) AppendEntries(ctx context.Context, to types.ParticipantID, req *types.AppendEntriesRequest) *future.Future[*types.AppendEntriesResponse] {
	n.mu.RLock()
	h, ok := n.handlers[to]
	blocked := n.blocked[to]
	n.mu.RUnlock()
	if !ok || blocked {
		return future.Failed[*types.AppendEntriesResponse](fmt.Errorf("participant %s unreachable", to))
	}
	if err := ctx.Err(); err != nil {
		return future.Failed[*types.AppendEntriesResponse](err)
	}
	return h.AppendEntries(req)
}
