package maintenance

import (
	"context"
	"time"

	"github.com/lni/goutils/syncutil"
	"github.com/shardlog/shardlog/pkg/rlog"
	"github.com/shardlog/shardlog/pkg/shard"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// SyncFunc 把本地状态与集群配置对齐
type SyncFunc func(ctx context.Context) error

// Syncer 脏版本变化后执行一次对齐，两次对齐之间至少间隔interval
type Syncer struct {
	tracker  *shard.VersionTracker
	interval time.Duration
	fn       SyncFunc

	synced  atomic.Uint64
	stopper *syncutil.Stopper
	ctx     context.Context
	cancel  context.CancelFunc
	rlog.Log
}

func NewSyncer(tracker *shard.VersionTracker, interval time.Duration, fn SyncFunc) *Syncer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Syncer{
		tracker:  tracker,
		interval: interval,
		fn:       fn,
		stopper:  syncutil.NewStopper(),
		ctx:      ctx,
		cancel:   cancel,
		Log:      rlog.NewRLog("Syncer"),
	}
}

func (s *Syncer) Start() {
	s.stopper.RunWorker(s.loop)
}

func (s *Syncer) Stop() {
	s.cancel()
	s.stopper.Stop()
}

// SyncedVersion 最近一次成功对齐时的脏版本
func (s *Syncer) SyncedVersion() uint64 {
	return s.synced.Load()
}

func (s *Syncer) loop() {
	var since uint64
	for {
		version, err := s.tracker.WaitForChange(s.ctx, since)
		if err != nil {
			return
		}
		start := time.Now()
		if err = s.fn(s.ctx); err != nil {
			syncRuns.WithLabelValues("error").Inc()
			s.Warn("sync failed", zap.Uint64("version", version), zap.Error(err))
		} else {
			syncRuns.WithLabelValues("ok").Inc()
			since = version
			s.synced.Store(version)
			s.Debug("synced", zap.Uint64("version", version), zap.Duration("cost", time.Since(start)))
		}
		select {
		case <-time.After(s.interval):
		case <-s.stopper.ShouldStop():
			return
		}
	}
}
