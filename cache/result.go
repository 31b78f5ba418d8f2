package cache

import (
	"context"
	"sync"
)

// Status is the lifecycle state of a Result.
type Status int32

const (
	// StatusPending: no value yet; the result carries a Suspender.
	StatusPending Status = iota
	// StatusUnobservable: a value was delivered but nobody has read it yet.
	StatusUnobservable
	// StatusResolved: the value has been read at least once.
	StatusResolved
	// StatusRejected: the source failed; the error is terminal for this result.
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusUnobservable:
		return "unobservable"
	case StatusResolved:
		return "resolved"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Result is the cached outcome for one key. A Pending result is settled in
// place exactly once; later values for the same key arrive as new Results.
type Result[V any] struct {
	mu        sync.Mutex
	status    Status
	value     V
	err       error
	suspender *Suspender
}

func newPending[V any]() *Result[V] {
	return &Result[V]{status: StatusPending, suspender: newSuspender()}
}

func newUnobservable[V any](v V) *Result[V] {
	return &Result[V]{status: StatusUnobservable, value: v}
}

func newRejected[V any](err error) *Result[V] {
	return &Result[V]{status: StatusRejected, err: err}
}

// Status returns the current state.
func (r *Result[V]) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// settle moves a Pending result to Unobservable and returns the resume
// callbacks to run once no lock is held. Panics if already settled.
func (r *Result[V]) settle(v V) []func() {
	r.mu.Lock()
	if r.status != StatusPending {
		r.mu.Unlock()
		panic(ErrAlreadySettled)
	}
	r.status = StatusUnobservable
	r.value = v
	r.mu.Unlock()
	return r.suspender.wake()
}

// fail moves a Pending result to Rejected. Panics if already settled.
func (r *Result[V]) fail(err error) []func() {
	r.mu.Lock()
	if r.status != StatusPending {
		r.mu.Unlock()
		panic(ErrAlreadySettled)
	}
	r.status = StatusRejected
	r.err = err
	r.mu.Unlock()
	return r.suspender.wake()
}

// observe reads the result, promoting Unobservable to Resolved.
func (r *Result[V]) observe() Reading[V] {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.status {
	case StatusPending:
		return Reading[V]{State: StatePending, Suspender: r.suspender}
	case StatusRejected:
		return Reading[V]{State: StateFailed, Err: r.err}
	case StatusUnobservable:
		r.status = StatusResolved
	}
	return Reading[V]{State: StateReady, Value: r.value}
}

// State is the outcome of a read.
type State int

const (
	// StatePending: the value is not available; wait on the Suspender and read again.
	StatePending State = iota
	// StateReady: Value holds the result.
	StateReady
	// StateFailed: Err holds the error the source delivered.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Reading is what Read returns: exactly one of Value, Err or Suspender is meaningful,
// according to State.
type Reading[V any] struct {
	State     State
	Value     V
	Err       error
	Suspender *Suspender
}

// Ready reports whether Value is valid.
func (r Reading[V]) Ready() bool { return r.State == StateReady }

// Suspender signals "retry later". It completes when the pending result it
// belongs to settles, with either a value or an error, or is evicted.
type Suspender struct {
	mu      sync.Mutex
	done    chan struct{}
	resumes []func()
	woken   bool
}

func newSuspender() *Suspender {
	return &Suspender{done: make(chan struct{})}
}

// Then queues resume to run when the result settles, or runs it immediately
// if it already has.
func (s *Suspender) Then(resume func()) {
	s.mu.Lock()
	if !s.woken {
		s.resumes = append(s.resumes, resume)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	resume()
}

// Done is closed when the result settles.
func (s *Suspender) Done() <-chan struct{} { return s.done }

// Wait blocks until the result settles or ctx is done.
func (s *Suspender) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wake closes Done and hands back the queued resumes.
func (s *Suspender) wake() []func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.woken {
		return nil
	}
	s.woken = true
	close(s.done)
	resumes := s.resumes
	s.resumes = nil
	return resumes
}
