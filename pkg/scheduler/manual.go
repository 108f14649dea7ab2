package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/shardlog/shardlog/pkg/future"
)

// ManualScheduler 手动驱动的单线程调度器，任务只在 RunOnce/RunAll 时执行，时间只在 Advance 时前进
type ManualScheduler struct {
	mu      sync.Mutex
	now     time.Time
	queue   []func()
	delayed []*manualTimer
	seq     uint64
}

func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{now: time.Unix(0, 0)}
}

func (m *ManualScheduler) Queue(fn func()) {
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
}

func (m *ManualScheduler) QueueDelayed(name string, delay time.Duration, fn func()) WorkHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{m: m, name: name, deadline: m.now.Add(delay), seq: m.seq, fn: fn}
	m.delayed = append(m.delayed, t)
	return t
}

func (m *ManualScheduler) DelayedFuture(delay time.Duration, name string) *future.Future[struct{}] {
	return delayedFuture(m, delay, name)
}

// RunOnce 执行队首任务，队列为空时返回false
func (m *ManualScheduler) RunOnce() bool {
	m.mu.Lock()
	if len(m.queue) == 0 {
		m.mu.Unlock()
		return false
	}
	fn := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	m.mu.Unlock()

	fn()
	return true
}

// RunAll 执行任务直到队列为空（包括执行过程中新加入的任务），返回执行的任务数
func (m *ManualScheduler) RunAll() int {
	n := 0
	for m.RunOnce() {
		n++
	}
	return n
}

// Advance 推进时钟，到期的延迟任务按到期顺序进入队列
func (m *ManualScheduler) Advance(d time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)

	due := make([]*manualTimer, 0)
	remain := m.delayed[:0]
	for _, t := range m.delayed {
		if !t.deadline.After(m.now) {
			due = append(due, t)
		} else {
			remain = append(remain, t)
		}
	}
	m.delayed = remain
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].seq < due[j].seq
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	for _, t := range due {
		t.fired = true
		m.queue = append(m.queue, t.fn)
	}
	return len(due)
}

// Pending 队列中等待执行的任务数
func (m *ManualScheduler) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// DelayedCount 尚未到期的延迟任务数
func (m *ManualScheduler) DelayedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.delayed)
}

func (m *ManualScheduler) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

type manualTimer struct {
	m        *ManualScheduler
	name     string
	deadline time.Time
	seq      uint64
	fn       func()
	fired    bool
}

func (t *manualTimer) Cancel() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.fired {
		return false
	}
	for i, d := range t.m.delayed {
		if d == t {
			t.m.delayed = append(t.m.delayed[:i], t.m.delayed[i+1:]...)
			t.fired = true
			return true
		}
	}
	return false
}
