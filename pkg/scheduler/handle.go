package scheduler

import "go.uber.org/atomic"

// immediateHandle 零延迟任务的句柄，任务开始执行前仍可取消
type immediateHandle struct {
	state atomic.Int32 // 0: 等待 1: 已执行 2: 已取消
}

func (h *immediateHandle) start() bool {
	return h.state.CompareAndSwap(0, 1)
}

func (h *immediateHandle) Cancel() bool {
	return h.state.CompareAndSwap(0, 2)
}
