package cache

import "sync"

// Scheduler runs deferred work. Schedule must invoke fn exactly once, later,
// and never synchronously from within Schedule.
type Scheduler interface {
	Schedule(fn func())
}

// SchedulerFunc adapts a function to the Scheduler interface.
type SchedulerFunc func(fn func())

// Schedule calls f(fn).
func (f SchedulerFunc) Schedule(fn func()) { f(fn) }

// AsyncScheduler runs each callback on its own goroutine.
type AsyncScheduler struct{}

// Schedule starts fn on a new goroutine.
func (AsyncScheduler) Schedule(fn func()) { go fn() }

// ManualScheduler queues callbacks until Flush is called. It suits hosts that
// drain deferred work at frame boundaries, and deterministic tests.
type ManualScheduler struct {
	mu    sync.Mutex
	queue []func()
}

// Schedule enqueues fn.
func (s *ManualScheduler) Schedule(fn func()) {
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
}

// Pending returns the number of queued callbacks.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Flush runs queued callbacks in FIFO order, including ones queued while
// flushing, until the queue is empty. It returns how many ran.
func (s *ManualScheduler) Flush() int {
	n := 0
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return n
		}
		fn := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		fn()
		n++
	}
}

// Host makes a staged write visible to readers. Publish must call commit
// exactly once, when the write has become the committed state. It is never
// called while the cache lock is held, so calling commit synchronously is fine.
type Host interface {
	Publish(commit func())
}

// HostFunc adapts a function to the Host interface.
type HostFunc func(commit func())

// Publish calls f(commit).
func (f HostFunc) Publish(commit func()) { f(commit) }

// SyncHost commits every staged write immediately.
type SyncHost struct{}

// Publish calls commit.
func (SyncHost) Publish(commit func()) { commit() }

// schedulerHost defers commits to a Scheduler; it is the default Host.
type schedulerHost struct{ s Scheduler }

func (h schedulerHost) Publish(commit func()) { h.s.Schedule(commit) }
