package keylock

import (
	"sync"
	"time"

	"github.com/lni/goutils/syncutil"
	"go.uber.org/atomic"
)

const (
	defaultCleanInterval = 10 * time.Minute //默认10分钟清理一次
)

// KeyLock 按关键字加锁，同一个关键字的调用串行执行
type KeyLock struct {
	locks         map[string]*innerLock //关键字锁map
	cleanInterval time.Duration         //定时清除时间间隔
	stopper       *syncutil.Stopper
	mutex         sync.RWMutex //全局读写锁
}

func NewKeyLock() *KeyLock {
	return NewKeyLockWithInterval(defaultCleanInterval)
}

func NewKeyLockWithInterval(cleanInterval time.Duration) *KeyLock {
	return &KeyLock{
		locks:         make(map[string]*innerLock),
		cleanInterval: cleanInterval,
		stopper:       syncutil.NewStopper(),
	}
}

// Lock 根据关键字加锁
func (l *KeyLock) Lock(key string) {
	l.mutex.RLock()
	keyLock, ok := l.locks[key]
	if ok {
		keyLock.add()
	}
	l.mutex.RUnlock()
	if !ok {
		l.mutex.Lock()
		keyLock, ok = l.locks[key]
		if !ok {
			keyLock = &innerLock{}
			l.locks[key] = keyLock
		}
		keyLock.add()
		l.mutex.Unlock()
	}
	keyLock.Lock()
}

// Unlock 根据关键字解锁
func (l *KeyLock) Unlock(key string) {
	l.mutex.RLock()
	keyLock, ok := l.locks[key]
	if ok {
		keyLock.done()
	}
	l.mutex.RUnlock()
	if ok {
		keyLock.Unlock()
	}
}

// Clean 清理空闲锁
func (l *KeyLock) Clean() {
	l.mutex.Lock()
	for k, v := range l.locks {
		if v.count.Load() == 0 {
			delete(l.locks, k)
		}
	}
	l.mutex.Unlock()
}

// Len 当前持有的锁数量
func (l *KeyLock) Len() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return len(l.locks)
}

// StartCleanLoop 开启清理协程
func (l *KeyLock) StartCleanLoop() {
	l.stopper.RunWorker(l.cleanLoop)
}

// StopCleanLoop 停止清理协程并等待退出
func (l *KeyLock) StopCleanLoop() {
	l.stopper.Stop()
}

func (l *KeyLock) cleanLoop() {
	ticker := time.NewTicker(l.cleanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Clean()
		case <-l.stopper.ShouldStop():
			return
		}
	}
}

type innerLock struct {
	count atomic.Int64
	sync.Mutex
}

func (il *innerLock) add() {
	il.count.Inc()
}

func (il *innerLock) done() {
	il.count.Dec()
}
