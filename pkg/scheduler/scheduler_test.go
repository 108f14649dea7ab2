package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shardlog/shardlog/pkg/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualSchedulerQueue(t *testing.T) {
	s := scheduler.NewManualScheduler()
	var order []int
	s.Queue(func() {
		order = append(order, 1)
		s.Queue(func() { order = append(order, 3) })
	})
	s.Queue(func() { order = append(order, 2) })

	assert.Equal(t, 2, s.Pending())
	assert.True(t, s.RunOnce())
	assert.Equal(t, []int{1}, order)
	assert.Equal(t, 2, s.RunAll())
	assert.Equal(t, []int{1, 2, 3}, order)
	assert.False(t, s.RunOnce())
}

func TestManualSchedulerDelayed(t *testing.T) {
	s := scheduler.NewManualScheduler()
	var fired []string
	s.QueueDelayed("b", time.Second*2, func() { fired = append(fired, "b") })
	s.QueueDelayed("a", time.Second, func() { fired = append(fired, "a") })
	h := s.QueueDelayed("c", time.Second, func() { fired = append(fired, "c") })

	assert.True(t, h.Cancel())
	assert.False(t, h.Cancel())

	assert.Equal(t, 0, s.Advance(time.Millisecond*500))
	s.RunAll()
	assert.Empty(t, fired)

	assert.Equal(t, 2, s.Advance(time.Second*2))
	s.RunAll()
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, 0, s.DelayedCount())
}

func TestManualSchedulerDelayedFuture(t *testing.T) {
	s := scheduler.NewManualScheduler()
	f := s.DelayedFuture(time.Second, "wait")
	s.RunAll()
	assert.False(t, f.Ready())
	s.Advance(time.Second)
	s.RunAll()
	assert.True(t, f.Ready())
}

func TestSerialKeepsOrder(t *testing.T) {
	s := scheduler.NewManualScheduler()
	serial := scheduler.NewSerial(s)
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		serial.Submit(func() { order = append(order, i) })
	}
	// 只排入一个drain任务
	assert.Equal(t, 1, s.Pending())
	s.RunAll()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestPoolScheduler(t *testing.T) {
	s, err := scheduler.NewPoolScheduler(scheduler.WithPoolSize(4), scheduler.WithTick(time.Millisecond))
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	var wg sync.WaitGroup
	wg.Add(2)
	s.Queue(wg.Done)
	s.QueueDelayed("delayed", time.Millisecond*5, wg.Done)
	wg.Wait()

	canceled := make(chan struct{}, 1)
	h := s.QueueDelayed("canceled", time.Second, func() { canceled <- struct{}{} })
	assert.True(t, h.Cancel())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*2)
	defer cancel()
	_, err = s.DelayedFuture(time.Millisecond*5, "future").Wait(ctx)
	require.NoError(t, err)
	assert.Len(t, canceled, 0)
}
