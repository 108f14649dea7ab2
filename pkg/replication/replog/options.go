package replog

import (
	"time"

	"github.com/shardlog/shardlog/pkg/replication/types"
	"github.com/shardlog/shardlog/pkg/scheduler"
)

type Options struct {
	// LogID 日志标识，用于存储key、日志前缀和监控
	LogID string
	// Scheduler 所有异步任务在此执行
	Scheduler scheduler.Scheduler
	// Network 领导发送AppendEntries使用
	Network NetworkClient
	// MaxEntriesPerBatch 每次AppendEntries最多携带的日志数
	MaxEntriesPerBatch int
	// RetryDelay 复制失败后的初始重试间隔
	RetryDelay time.Duration
	// MaxRetryDelay 重试间隔上限
	MaxRetryDelay time.Duration
	// RequestTimeout 单次AppendEntries超时
	RequestTimeout time.Duration
	// HeartbeatInterval 跟随者空闲时领导发送空AppendEntries的间隔，0表示不发送
	HeartbeatInterval time.Duration

	// 以下由 ReplicatedLog 为每个参与者设置
	onCommit     func(types.LogIndex)
	releaseIndex func() types.LogIndex
}

func NewOptions(opt ...Option) *Options {
	opts := &Options{
		LogID:              "default",
		MaxEntriesPerBatch: 1000,
		RetryDelay:         time.Millisecond * 100,
		MaxRetryDelay:      time.Second * 5,
		RequestTimeout:     time.Second * 5,
		HeartbeatInterval:  time.Second,
		onCommit:           func(types.LogIndex) {},
		releaseIndex:       func() types.LogIndex { return 0 },
	}
	for _, o := range opt {
		o(opts)
	}
	return opts
}

type Option func(opts *Options)

func WithLogID(id string) Option {
	return func(opts *Options) {
		opts.LogID = id
	}
}

func WithScheduler(s scheduler.Scheduler) Option {
	return func(opts *Options) {
		opts.Scheduler = s
	}
}

func WithNetwork(n NetworkClient) Option {
	return func(opts *Options) {
		opts.Network = n
	}
}

func WithMaxEntriesPerBatch(n int) Option {
	return func(opts *Options) {
		opts.MaxEntriesPerBatch = n
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(opts *Options) {
		opts.RetryDelay = d
	}
}

func WithMaxRetryDelay(d time.Duration) Option {
	return func(opts *Options) {
		opts.MaxRetryDelay = d
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(opts *Options) {
		opts.RequestTimeout = d
	}
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(opts *Options) {
		opts.HeartbeatInterval = d
	}
}

// withHooks 复制一份选项并设置参与者回调
func (o *Options) withHooks(onCommit func(types.LogIndex), releaseIndex func() types.LogIndex) *Options {
	cp := *o
	cp.onCommit = onCommit
	cp.releaseIndex = releaseIndex
	return &cp
}
