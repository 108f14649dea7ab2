package scheduler

import "sync"

// Serial 在 Scheduler 之上按提交顺序逐个执行任务，同一时刻最多只有一个任务在运行
type Serial struct {
	sched   Scheduler
	mu      sync.Mutex
	tasks   []func()
	running bool
}

func NewSerial(sched Scheduler) *Serial {
	return &Serial{sched: sched}
}

func (s *Serial) Submit(fn func()) {
	s.mu.Lock()
	s.tasks = append(s.tasks, fn)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	s.sched.Queue(s.drain)
}

func (s *Serial) drain() {
	for {
		s.mu.Lock()
		if len(s.tasks) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		fn := s.tasks[0]
		s.tasks[0] = nil
		s.tasks = s.tasks[1:]
		s.mu.Unlock()
		fn()
	}
}
