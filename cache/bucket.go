package cache

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/IvanBrykalov/rescache/internal/util"
	"github.com/IvanBrykalov/rescache/lru"
)

// bucket is the per-resource state inside a Cache. Every field is guarded by
// the cache lock.
//
// Invariant: every key in subs also has an entry (a subscription never
// outlives the data it feeds). The reverse does not hold.
type bucket[K comparable, V any] struct {
	c    *Cache
	name string

	entries  map[K]lru.Handle
	subs     map[K]*subscription
	interest map[K]int // mounted consumers per key
	store    *store[K, V]
}

// subscription tracks the single live fetch for a key. handle stays nil for
// thenables and until an observable's Subscribe returns.
type subscription struct {
	handle   Subscription
	disposed bool
}

func newBucket[K comparable, V any](c *Cache, name string) *bucket[K, V] {
	return &bucket[K, V]{
		c:        c,
		name:     name,
		entries:  make(map[K]lru.Handle),
		subs:     make(map[K]*subscription),
		interest: make(map[K]int),
		store:    newStore[K, V](),
	}
}

// accessLocked returns the result for key and, when no subscription exists
// yet, a freshly claimed one the caller must start outside the lock.
func (b *bucket[K, V]) accessLocked(key K) (*Result[V], *subscription) {
	res := b.resultLocked(key)
	if _, ok := b.subs[key]; ok {
		return res, nil
	}
	s := &subscription{}
	b.subs[key] = s
	return res, s
}

func (b *bucket[K, V]) resultLocked(key K) *Result[V] {
	list := b.c.list

	// A staged write wins over the cached entry. Reading it before commit is
	// safe: the commit will store the same object.
	if cs := b.store.read(util.PartitionBit(key)); cs != nil {
		if res, ok := cs.lookup(key); ok {
			if h, ok := b.entries[key]; ok {
				list.Access(h)
			} else {
				b.addLocked(key, res)
			}
			b.c.stats.hit()
			return res
		}
	}

	if h, ok := b.entries[key]; ok {
		b.c.stats.hit()
		return list.Access(h).(*Result[V])
	}

	b.c.stats.miss()
	res := newPending[V]()
	b.addLocked(key, res)
	return res
}

func (b *bucket[K, V]) addLocked(key K, res *Result[V]) {
	var h lru.Handle
	h = b.c.insertLocked(res, func() { b.evictedLocked(key, h, res) })
	b.entries[key] = h
}

// evictedLocked is the onDelete of an entry; the list calls it under the
// cache lock. Bookkeeping is dropped here, the unsubscribe runs after unlock.
//
// res is the result the entry was created with. A commit only ever replaces
// it once it has settled, so if it is still pending it is the evicted value:
// its waiters are resumed so they read again and start a fresh load.
func (b *bucket[K, V]) evictedLocked(key K, h lru.Handle, res *Result[V]) {
	if cur, ok := b.entries[key]; !ok || cur != h {
		return
	}
	delete(b.entries, key)
	if s, ok := b.subs[key]; ok {
		delete(b.subs, key)
		b.disposeLocked(s)
	}
	if res.Status() == StatusPending {
		for _, fn := range res.suspender.wake() {
			b.c.later(fn)
		}
	}
	b.c.stats.evict(b.c.reason)
}

func (b *bucket[K, V]) disposeLocked(s *subscription) {
	s.disposed = true
	if s.handle == nil {
		return
	}
	h := s.handle
	s.handle = nil
	b.c.stats.dispose()
	b.c.later(h.Unsubscribe)
}

// ---- source delivery (called from loader goroutines, lock not held) ----

// start wires src to res. s was claimed under the lock by accessLocked.
func (b *bucket[K, V]) start(s *subscription, res *Result[V], key K, src Source[V]) {
	onValue := func(v V) { b.deliver(s, res, key, v, nil) }
	onError := func(err error) { b.deliver(s, res, key, *new(V), err) }

	switch src := src.(type) {
	case Observable[V]:
		var delivered atomic.Bool
		h, err := subscribe(src, Observer[V]{
			Next:  func(v V) { delivered.Store(true); onValue(v) },
			Error: func(err error) { delivered.Store(true); onError(err) },
			Complete: func() {
				if !delivered.Load() {
					onError(ErrCompletedEmpty)
				}
			},
		})
		if err != nil {
			onError(err)
		}
		b.attach(s, h)
	case Thenable[V]:
		src.Then(onValue, onError)
	default:
		onError(fmt.Errorf("%w: %T", ErrUnsupportedSource, src))
	}
}

// deliver applies one value or error from a source. The first delivery while
// res is still pending settles it in place; later ones are staged as new results.
func (b *bucket[K, V]) deliver(s *subscription, res *Result[V], key K, v V, err error) {
	c := b.c
	c.mu.Lock()
	if s.disposed {
		c.unlock()
		return
	}
	if err != nil {
		c.stats.loadError()
	}

	if res.Status() == StatusPending {
		var resumes []func()
		if err != nil {
			resumes = res.fail(err)
		} else {
			resumes = res.settle(v)
		}
		for _, fn := range resumes {
			c.later(fn)
		}
	} else {
		next := newUnobservable(v)
		if err != nil {
			next = newRejected[V](err)
		}
		b.stageLocked(key, next)
	}
	c.unlock()
}

// attach records the handle returned by Subscribe. If the subscription was
// disposed while Subscribe ran, the handle is released right away.
func (b *bucket[K, V]) attach(s *subscription, h Subscription) {
	if h == nil {
		return
	}
	c := b.c
	c.mu.Lock()
	if s.disposed {
		c.stats.dispose()
		c.later(h.Unsubscribe)
	} else {
		s.handle = h
	}
	c.unlock()
}

// ---- staging and commit ----

func (b *bucket[K, V]) stageLocked(key K, res *Result[V]) {
	cs := b.store.stage(key, res)
	host := b.c.opt.Host
	b.c.later(func() { host.Publish(func() { b.commit(cs) }) })
}

// commit makes cs the visible state. A batch superseded by a later stage is
// dropped; the later batch already contains its writes.
func (b *bucket[K, V]) commit(cs *changeSet[K, V]) {
	c := b.c
	c.mu.Lock()
	if !b.store.current(cs) {
		c.stats.commit(false)
		c.unlock()
		return
	}
	owners := make([]commitOwner, len(cs.keys))
	for i, key := range cs.keys {
		res := cs.results[key]
		if h, ok := b.entries[key]; ok {
			c.list.Update(h, res)
			c.list.Access(h)
		} else {
			b.addLocked(key, res)
		}
		owners[i] = commitOwner{entry: b.entries[key], sub: b.subs[key]}
	}
	b.store.clear()
	c.stats.commit(true)
	for _, fn := range b.store.matching(cs.bits) {
		c.later(fn)
	}
	c.unlock()

	// Readers notified above may have promoted the new results; only results
	// nobody read, on keys nobody is mounted on, release their subscription.
	// The key may have been evicted and loaded again while unlocked: a
	// subscription or entry other than the one committed above is left alone.
	c.mu.Lock()
	for i, key := range cs.keys {
		if cs.results[key].Status() == StatusResolved || b.interest[key] > 0 {
			continue
		}
		own := owners[i]
		if own.sub == nil || b.entries[key] != own.entry {
			continue
		}
		if s, ok := b.subs[key]; ok && s == own.sub {
			delete(b.subs, key)
			b.disposeLocked(s)
			c.log.Debug("rescache: released idle subscription",
				slog.String("resource", b.name), slog.Any("key", key))
		}
	}
	c.unlock()
}

// commitOwner is what a key held right after a commit applied its write.
type commitOwner struct {
	entry lru.Handle
	sub   *subscription
}

// subscribe calls src.Subscribe, turning a panic into an error.
func subscribe[V any](src Observable[V], o Observer[V]) (h Subscription, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrLoadPanic, r)
		}
	}()
	return src.Subscribe(o), nil
}
