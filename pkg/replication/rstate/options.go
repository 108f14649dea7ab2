package rstate

import (
	"time"

	"github.com/shardlog/shardlog/pkg/scheduler"
)

type Options struct {
	Name            string              // 状态机名称，用于日志
	Scheduler       scheduler.Scheduler // 恢复和应用任务在此执行
	RetryDelay      time.Duration       // 恢复失败后的重试间隔
	RecoveryTimeout time.Duration       // 单次回放或获取快照的超时
	ApplyTimeout    time.Duration       // 单批应用的超时
}

func NewOptions(opt ...Option) *Options {
	opts := &Options{
		Name:            "state",
		RetryDelay:      time.Millisecond * 500,
		RecoveryTimeout: time.Minute,
		ApplyTimeout:    time.Second * 30,
	}
	for _, o := range opt {
		o(opts)
	}
	return opts
}

type Option func(opts *Options)

func WithName(name string) Option {
	return func(opts *Options) {
		opts.Name = name
	}
}

func WithScheduler(s scheduler.Scheduler) Option {
	return func(opts *Options) {
		opts.Scheduler = s
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(opts *Options) {
		opts.RetryDelay = d
	}
}

func WithRecoveryTimeout(d time.Duration) Option {
	return func(opts *Options) {
		opts.RecoveryTimeout = d
	}
}

func WithApplyTimeout(d time.Duration) Option {
	return func(opts *Options) {
		opts.ApplyTimeout = d
	}
}
