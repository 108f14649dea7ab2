// Package scheduler 异步任务调度，复制日志与状态机的所有异步续体都通过 Scheduler 执行
package scheduler

import (
	"time"

	"github.com/shardlog/shardlog/pkg/future"
)

type Scheduler interface {
	// Queue 尽快执行fn
	Queue(fn func())
	// QueueDelayed 延迟delay后执行fn，返回的句柄可以取消尚未执行的任务
	QueueDelayed(name string, delay time.Duration, fn func()) WorkHandle
	// DelayedFuture 延迟delay后完成的Future
	DelayedFuture(delay time.Duration, name string) *future.Future[struct{}]
}

type WorkHandle interface {
	// Cancel 取消任务，任务已执行或已取消时返回false
	Cancel() bool
}

func delayedFuture(s Scheduler, delay time.Duration, name string) *future.Future[struct{}] {
	f := future.New[struct{}]()
	s.QueueDelayed(name, delay, func() {
		f.Resolve(struct{}{})
	})
	return f
}
