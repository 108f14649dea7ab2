package scheduler

import (
	"fmt"
	"time"

	"github.com/RussellLuo/timingwheel"
	"github.com/panjf2000/ants/v2"
	"github.com/shardlog/shardlog/pkg/future"
	"github.com/shardlog/shardlog/pkg/rlog"
	"go.uber.org/zap"
)

// PoolScheduler 基于协程池和时间轮的调度器
type PoolScheduler struct {
	pool        *ants.Pool
	timingWheel *timingwheel.TimingWheel
	opts        *Options
	rlog.Log
}

func NewPoolScheduler(opt ...Option) (*PoolScheduler, error) {
	s := &PoolScheduler{
		opts: NewOptions(opt...),
		Log:  rlog.NewRLog("scheduler"),
	}
	pool, err := ants.NewPool(s.opts.PoolSize, ants.WithPanicHandler(func(err interface{}) {
		s.Error("scheduled task panic", zap.Any("err", err), zap.Stack("stack"))
	}))
	if err != nil {
		return nil, err
	}
	s.pool = pool
	s.timingWheel = timingwheel.NewTimingWheel(s.opts.Tick, s.opts.WheelSize)
	return s, nil
}

func (s *PoolScheduler) Start() {
	s.timingWheel.Start()
}

func (s *PoolScheduler) Stop() {
	s.timingWheel.Stop()
	s.pool.Release()
}

func (s *PoolScheduler) Queue(fn func()) {
	if err := s.pool.Submit(fn); err != nil {
		s.Warn("submit task failed, task dropped", zap.Error(err))
	}
}

func (s *PoolScheduler) QueueDelayed(name string, delay time.Duration, fn func()) WorkHandle {
	if delay <= 0 {
		h := &immediateHandle{}
		s.Queue(func() {
			if h.start() {
				fn()
			}
		})
		return h
	}
	t := s.timingWheel.AfterFunc(delay, func() {
		s.Queue(fn)
	})
	return &timerHandle{name: name, timer: t}
}

func (s *PoolScheduler) DelayedFuture(delay time.Duration, name string) *future.Future[struct{}] {
	return delayedFuture(s, delay, name)
}

// Running 当前运行中的任务数
func (s *PoolScheduler) Running() int {
	return s.pool.Running()
}

type timerHandle struct {
	name  string
	timer *timingwheel.Timer
}

func (t *timerHandle) Cancel() bool {
	return t.timer.Stop()
}

func (t *timerHandle) String() string {
	return fmt.Sprintf("delayed[%s]", t.name)
}
