package cache

import (
	"context"
	"sync"
)

// Source is what a LoadFunc returns. It must implement Observable[V] or
// Thenable[V]; when it implements both, it is treated as an Observable.
type Source[V any] interface{}

// LoadFunc starts fetching the value for an input. It is called at most once
// per key while a subscription for that key is alive.
type LoadFunc[I any, V any] func(in I) Source[V]

// Thenable is a one-shot asynchronous value. Then registers handlers; exactly
// one of them is called, once. Handlers may run synchronously inside Then.
type Thenable[V any] interface {
	Then(onValue func(V), onError func(error))
}

// Observer receives the deliveries of an Observable. Nil fields are ignored.
type Observer[V any] struct {
	Next     func(V)
	Error    func(error)
	Complete func()
}

// Subscription cancels an Observable subscription.
type Subscription interface {
	Unsubscribe()
}

// SubscriptionFunc adapts a function to the Subscription interface.
type SubscriptionFunc func()

// Unsubscribe calls f.
func (f SubscriptionFunc) Unsubscribe() { f() }

// Observable is a source that can deliver many values over time.
type Observable[V any] interface {
	Subscribe(o Observer[V]) Subscription
}

// ---- Promise ----

// Promise is a Thenable settled by Resolve or Reject.
// All methods are safe for concurrent use.
type Promise[V any] struct {
	mu       sync.Mutex
	settled  bool
	value    V
	err      error
	done     chan struct{}
	handlers []promiseHandler[V]
}

type promiseHandler[V any] struct {
	onValue func(V)
	onError func(error)
}

// NewPromise returns an unsettled promise.
func NewPromise[V any]() *Promise[V] {
	return &Promise[V]{done: make(chan struct{})}
}

// Resolved returns a promise already fulfilled with v.
func Resolved[V any](v V) *Promise[V] {
	p := NewPromise[V]()
	p.Resolve(v)
	return p
}

// Rejected returns a promise already failed with err.
func Rejected[V any](err error) *Promise[V] {
	p := NewPromise[V]()
	p.Reject(err)
	return p
}

// Resolve fulfils the promise. It reports false if it was already settled.
func (p *Promise[V]) Resolve(v V) bool {
	return p.settle(v, nil)
}

// Reject fails the promise. It reports false if it was already settled.
// A nil err fulfils the promise with the zero value.
func (p *Promise[V]) Reject(err error) bool {
	var zero V
	return p.settle(zero, err)
}

// Then registers handlers. If the promise is settled they run before Then returns.
func (p *Promise[V]) Then(onValue func(V), onError func(error)) {
	h := promiseHandler[V]{onValue: onValue, onError: onError}
	p.mu.Lock()
	if !p.settled {
		p.handlers = append(p.handlers, h)
		p.mu.Unlock()
		return
	}
	v, err := p.value, p.err
	p.mu.Unlock()
	h.call(v, err)
}

// Await blocks until the promise settles or ctx is done.
func (p *Promise[V]) Await(ctx context.Context) (V, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

func (p *Promise[V]) settle(v V, err error) bool {
	p.mu.Lock()
	if p.settled {
		p.mu.Unlock()
		return false
	}
	p.settled = true
	p.value, p.err = v, err
	handlers := p.handlers
	p.handlers = nil
	close(p.done)
	p.mu.Unlock()

	for _, h := range handlers {
		h.call(v, err)
	}
	return true
}

func (h promiseHandler[V]) call(v V, err error) {
	if err != nil {
		if h.onError != nil {
			h.onError(err)
		}
		return
	}
	if h.onValue != nil {
		h.onValue(v)
	}
}

var _ Thenable[int] = (*Promise[int])(nil)

// ---- Stream ----

// Stream is a hot Observable. New subscribers immediately receive the latest
// value (or the terminal error/completion) and then every later delivery.
// All methods are safe for concurrent use.
type Stream[V any] struct {
	mu        sync.Mutex
	observers map[uint64]Observer[V]
	nextID    uint64

	hasValue bool
	last     V
	err      error
	done     bool
}

// NewStream returns a stream with no value and no subscribers.
func NewStream[V any]() *Stream[V] {
	return &Stream[V]{observers: make(map[uint64]Observer[V])}
}

// Subscribe registers o and replays the current state to it.
func (s *Stream[V]) Subscribe(o Observer[V]) Subscription {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if !s.done {
		s.observers[id] = o
	}
	hasValue, last, err, done := s.hasValue, s.last, s.err, s.done
	s.mu.Unlock()

	if hasValue && o.Next != nil {
		o.Next(last)
	}
	switch {
	case err != nil && o.Error != nil:
		o.Error(err)
	case done && err == nil && o.Complete != nil:
		o.Complete()
	}
	return SubscriptionFunc(func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	})
}

// Next delivers v to every subscriber. Ignored after Error or Complete.
func (s *Stream[V]) Next(v V) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.hasValue, s.last = true, v
	obs := s.snapshotLocked()
	s.mu.Unlock()

	for _, o := range obs {
		if o.Next != nil {
			o.Next(v)
		}
	}
}

// Error delivers err and terminates the stream.
func (s *Stream[V]) Error(err error) {
	obs, ok := s.terminate(err)
	if !ok {
		return
	}
	for _, o := range obs {
		if o.Error != nil {
			o.Error(err)
		}
	}
}

// Complete terminates the stream without an error.
func (s *Stream[V]) Complete() {
	obs, ok := s.terminate(nil)
	if !ok {
		return
	}
	for _, o := range obs {
		if o.Complete != nil {
			o.Complete()
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (s *Stream[V]) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers)
}

func (s *Stream[V]) terminate(err error) ([]Observer[V], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil, false
	}
	s.done, s.err = true, err
	obs := s.snapshotLocked()
	clear(s.observers)
	return obs, true
}

func (s *Stream[V]) snapshotLocked() []Observer[V] {
	obs := make([]Observer[V], 0, len(s.observers))
	for _, o := range s.observers {
		obs = append(obs, o)
	}
	return obs
}

var _ Observable[int] = (*Stream[int])(nil)
