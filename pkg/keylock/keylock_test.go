package keylock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSameKeyIsSerialized(t *testing.T) {
	l := NewKeyLock()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Lock("k")
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			l.Unlock("k")
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestCleanRemovesIdleLocks(t *testing.T) {
	l := NewKeyLock()
	l.Lock("a")
	l.Lock("b")
	l.Unlock("b")
	l.Clean()
	assert.Equal(t, 1, l.Len())
	l.Unlock("a")
	l.Clean()
	assert.Equal(t, 0, l.Len())
}

func TestCleanLoop(t *testing.T) {
	l := NewKeyLockWithInterval(5 * time.Millisecond)
	l.StartCleanLoop()
	defer l.StopCleanLoop()
	l.Lock("a")
	l.Unlock("a")
	assert.Eventually(t, func() bool { return l.Len() == 0 }, time.Second, 5*time.Millisecond)
}
