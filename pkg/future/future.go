// Package future 提供一次性完成的异步结果，所有异步边界（追加、复制往返、恢复回放、维护操作）都返回 Future
package future

import (
	"context"
	"sync"
)

type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	value     T
	err       error
	resolved  bool
	callbacks []func(T, error)
}

func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved 返回已完成的 Future
func Resolved[T any](v T) *Future[T] {
	f := New[T]()
	f.Resolve(v)
	return f
}

// Failed 返回已失败的 Future
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Reject(err)
	return f
}

// Resolve 设置结果，只有第一次调用生效，返回是否生效
func (f *Future[T]) Resolve(v T) bool {
	return f.complete(v, nil)
}

// Reject 设置错误，只有第一次调用生效，返回是否生效
func (f *Future[T]) Reject(err error) bool {
	var zero T
	return f.complete(zero, err)
}

func (f *Future[T]) complete(v T, err error) bool {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return false
	}
	f.value = v
	f.err = err
	f.resolved = true
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(v, err)
	}
	return true
}

// Then 注册完成回调。已完成时在调用方goroutine内立即执行，否则在完成方goroutine内执行
func (f *Future[T]) Then(cb func(T, error)) {
	f.mu.Lock()
	if !f.resolved {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	v, err := f.value, f.err
	f.mu.Unlock()
	cb(v, err)
}

func (f *Future[T]) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Get 返回结果，未完成时返回 ErrNotReady
func (f *Future[T]) Get() (T, error) {
	if !f.Ready() {
		var zero T
		return zero, ErrNotReady
	}
	return f.value, f.err
}

// Wait 阻塞直到完成或ctx结束
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Map 将结果转换为另一个类型的 Future
func Map[T, R any](f *Future[T], fn func(T) (R, error)) *Future[R] {
	out := New[R]()
	f.Then(func(v T, err error) {
		if err != nil {
			out.Reject(err)
			return
		}
		r, err := fn(v)
		if err != nil {
			out.Reject(err)
			return
		}
		out.Resolve(r)
	})
	return out
}
