// Package schedule provides the small task scheduler used for per-stream
// timers: the 60 s heartbeat and the stream-end timeout. Tasks observe
// cancellation at their next firing; Cancel and Stop never block on a
// running task.
package schedule

import (
	"sync"
	"time"
)

// TaskID identifies a scheduled task.
type TaskID uint64

// Scheduler runs one-shot and periodic tasks on timer goroutines.
type Scheduler struct {
	mu      sync.Mutex
	nextID  TaskID
	tasks   map[TaskID]*time.Timer
	stopped bool
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{tasks: make(map[TaskID]*time.Timer)}
}

// After schedules fn to run once after d. The returned id can be passed to
// Cancel until the task has fired.
func (s *Scheduler) After(d time.Duration, fn func()) TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0
	}

	s.nextID++
	id := s.nextID
	s.tasks[id] = time.AfterFunc(d, func() {
		if !s.take(id) {
			return
		}
		fn()
	})
	return id
}

// Every schedules fn to run every d until cancelled.
func (s *Scheduler) Every(d time.Duration, fn func()) TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0
	}

	s.nextID++
	id := s.nextID

	var tick func()
	tick = func() {
		s.mu.Lock()
		if _, ok := s.tasks[id]; !ok || s.stopped {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		fn()

		s.mu.Lock()
		if _, ok := s.tasks[id]; ok && !s.stopped {
			s.tasks[id] = time.AfterFunc(d, tick)
		}
		s.mu.Unlock()
	}

	s.tasks[id] = time.AfterFunc(d, tick)
	return id
}

// take removes a one-shot task that is about to run. It reports false when
// the task was cancelled before firing.
func (s *Scheduler) take(id TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return false
	}
	delete(s.tasks, id)
	return !s.stopped
}

// Cancel stops the task with the given id. Cancelling an unknown or already
// fired task is a no-op.
func (s *Scheduler) Cancel(id TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.Stop()
		delete(s.tasks, id)
	}
}

// Stop cancels every task and refuses new ones.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, t := range s.tasks {
		t.Stop()
		delete(s.tasks, id)
	}
}
