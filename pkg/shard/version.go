package shard

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

// VersionTracker 进程级的脏版本计数，每次影响DDL的调用加一
type VersionTracker struct {
	version atomic.Uint64

	mu      sync.Mutex
	changed chan struct{}
}

func NewVersionTracker() *VersionTracker {
	return &VersionTracker{changed: make(chan struct{})}
}

var defaultTracker = NewVersionTracker()

// DefaultVersionTracker 进程内共享的计数器
func DefaultVersionTracker() *VersionTracker {
	return defaultTracker
}

func (v *VersionTracker) Increment() uint64 {
	n := v.version.Inc()
	v.mu.Lock()
	close(v.changed)
	v.changed = make(chan struct{})
	v.mu.Unlock()
	return n
}

func (v *VersionTracker) Version() uint64 {
	return v.version.Load()
}

// WaitForChange 等待版本超过since，返回新版本
func (v *VersionTracker) WaitForChange(ctx context.Context, since uint64) (uint64, error) {
	for {
		v.mu.Lock()
		ch := v.changed
		v.mu.Unlock()
		if cur := v.version.Load(); cur > since {
			return cur, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return v.version.Load(), ctx.Err()
		}
	}
}
