package scheduler

import "time"

type Options struct {
	// PoolSize 协程池大小
	PoolSize int
	// Tick 时间轮精度
	Tick time.Duration
	// WheelSize 时间轮槽数
	WheelSize int64
}

func NewOptions(opt ...Option) *Options {
	opts := &Options{
		PoolSize:  1024,
		Tick:      time.Millisecond * 10,
		WheelSize: 100,
	}
	for _, o := range opt {
		o(opts)
	}
	return opts
}

type Option func(opts *Options)

func WithPoolSize(size int) Option {
	return func(opts *Options) {
		opts.PoolSize = size
	}
}

func WithTick(tick time.Duration) Option {
	return func(opts *Options) {
		opts.Tick = tick
	}
}

func WithWheelSize(size int64) Option {
	return func(opts *Options) {
		opts.WheelSize = size
	}
}
