// Package lru implements the recency list used by the resource cache.
//
// The list is circular and doubly linked, but it lives in an arena: entries
// are slots in a dense slice, links are slot indices, and deleted slots are
// recycled through a free list. A Handle carries the slot generation, so a
// handle that outlived its entry is detected instead of aliasing a new one.
//
// Eviction is deferred. Access never deletes anything itself; when the list
// grows past its limit it asks the Scheduler to run one cleanup sweep later.
package lru

import (
	"errors"
	"fmt"
)

// ErrDeleted is the panic value raised when a deleted entry is accessed or updated.
var ErrDeleted = errors.New("lru: entry was deleted")

// ErrOnDeletePanic wraps a panic recovered from an onDelete callback.
var ErrOnDeletePanic = errors.New("lru: onDelete panicked")

// Scheduler runs a callback later, exactly once, off the caller's stack.
type Scheduler interface {
	Schedule(fn func())
}

// Handle references an entry in a List. The zero Handle is never valid.
type Handle struct {
	idx int32
	gen uint32
}

const nilIdx int32 = -1

type slot[T any] struct {
	value    T
	onDelete func()
	prev     int32
	next     int32
	gen      uint32
	live     bool
}

// Option configures a List.
type Option func(*options)

type options struct {
	onError func(error)
}

// WithErrorHandler receives errors from deferred sweeps (a panicking onDelete).
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) { o.onError = fn }
}

// List is a bounded recency list. It is not safe for concurrent use: callers
// serialize every method, and the Scheduler must run the cleanup callback
// under the same serialization.
type List[T any] struct {
	slots []slot[T]
	free  []int32
	head  int32 // MRU; slots[head].prev is the LRU tail
	size  int
	limit int

	cleanupScheduled bool
	sched            Scheduler
	opt              options
}

// New returns an empty list that keeps at most limit entries after a sweep.
func New[T any](limit int, s Scheduler, opts ...Option) *List[T] {
	if s == nil {
		panic("lru: nil Scheduler")
	}
	if limit < 0 {
		limit = 0
	}
	l := &List[T]{head: nilIdx, limit: limit, sched: s}
	for _, o := range opts {
		o(&l.opt)
	}
	return l
}

// Add inserts value at the head and returns its handle.
// It does not schedule a cleanup.
func (l *List[T]) Add(value T, onDelete func()) Handle {
	idx := l.alloc()
	s := &l.slots[idx]
	s.value = value
	s.onDelete = onDelete
	s.live = true
	l.linkHead(idx)
	l.size++
	return Handle{idx: idx, gen: s.gen}
}

// Update replaces the value of h without changing recency.
func (l *List[T]) Update(h Handle, value T) {
	l.slots[l.mustLive(h)].value = value
}

// Access moves h to the head and returns its value. If the list is over its
// limit afterwards, one deferred cleanup is scheduled.
func (l *List[T]) Access(h Handle) T {
	idx := l.mustLive(h)
	if idx != l.head {
		if l.slots[l.head].prev == idx {
			// tail becomes head by rotating the ring
			l.head = idx
		} else {
			l.unlink(idx)
			l.linkHead(idx)
		}
	}
	l.scheduleCleanupIfNeeded()
	return l.slots[idx].value
}

// Contains reports whether h still refers to a live entry.
func (l *List[T]) Contains(h Handle) bool {
	if h.gen == 0 || h.idx < 0 || int(h.idx) >= len(l.slots) {
		return false
	}
	s := &l.slots[h.idx]
	return s.live && s.gen == h.gen
}

// Len returns the number of live entries.
func (l *List[T]) Len() int { return l.size }

// Limit returns the current capacity.
func (l *List[T]) Limit() int { return l.limit }

// SetLimit changes the capacity and schedules a cleanup if the list is now over it.
func (l *List[T]) SetLimit(limit int) {
	if limit < 0 {
		limit = 0
	}
	l.limit = limit
	l.scheduleCleanupIfNeeded()
}

// Purge deletes every entry, least recently used first.
// It stops at the first onDelete that panics and returns the wrapped panic.
func (l *List[T]) Purge() error {
	return l.deleteLeastRecentlyUsed(0)
}

// Values walks the list from MRU to LRU. Intended for tests and diagnostics.
func (l *List[T]) Values() []T {
	out := make([]T, 0, l.size)
	if l.head == nilIdx {
		return out
	}
	for i, idx := 0, l.head; i < l.size; i, idx = i+1, l.slots[idx].next {
		out = append(out, l.slots[idx].value)
	}
	return out
}

// -------------------- internals --------------------

func (l *List[T]) scheduleCleanupIfNeeded() {
	if l.cleanupScheduled || l.size <= l.limit {
		return
	}
	l.cleanupScheduled = true
	l.sched.Schedule(l.cleanUp)
}

// cleanUp runs from the scheduler. Size and limit may have changed since it
// was scheduled, so they are re-read here.
func (l *List[T]) cleanUp() {
	l.cleanupScheduled = false
	if err := l.deleteLeastRecentlyUsed(l.limit); err != nil && l.opt.onError != nil {
		l.opt.onError(err)
	}
}

func (l *List[T]) deleteLeastRecentlyUsed(target int) error {
	for l.size > target && l.head != nilIdx {
		tail := l.slots[l.head].prev
		onDelete := l.release(tail)
		if err := call(onDelete); err != nil {
			return err
		}
	}
	return nil
}

// release unlinks idx, frees the slot and returns its onDelete.
func (l *List[T]) release(idx int32) func() {
	s := &l.slots[idx]
	onDelete := s.onDelete
	l.unlink(idx)
	l.size--

	var zero T
	s.value = zero
	s.onDelete = nil
	s.live = false
	s.gen++
	l.free = append(l.free, idx)
	return onDelete
}

func (l *List[T]) alloc() int32 {
	if n := len(l.free); n > 0 {
		idx := l.free[n-1]
		l.free = l.free[:n-1]
		return idx
	}
	l.slots = append(l.slots, slot[T]{gen: 1, prev: nilIdx, next: nilIdx})
	return int32(len(l.slots) - 1)
}

func (l *List[T]) linkHead(idx int32) {
	s := &l.slots[idx]
	if l.head == nilIdx {
		s.prev, s.next = idx, idx
		l.head = idx
		return
	}
	first := &l.slots[l.head]
	last := first.prev
	s.next = l.head
	s.prev = last
	l.slots[last].next = idx
	first.prev = idx
	l.head = idx
}

func (l *List[T]) unlink(idx int32) {
	s := &l.slots[idx]
	if s.next == idx {
		// only entry
		l.head = nilIdx
	} else {
		l.slots[s.prev].next = s.next
		l.slots[s.next].prev = s.prev
		if l.head == idx {
			l.head = s.next
		}
	}
	s.prev, s.next = nilIdx, nilIdx
}

func (l *List[T]) mustLive(h Handle) int32 {
	if !l.Contains(h) {
		panic(ErrDeleted)
	}
	return h.idx
}

func call(fn func()) (err error) {
	if fn == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrOnDeletePanic, r)
		}
	}()
	fn()
	return nil
}
