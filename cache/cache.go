package cache

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/IvanBrykalov/rescache/lru"
)

// Cache owns the recency list shared by every resource bound to it and the
// per-resource buckets. All methods are safe for concurrent use.
//
// One mutex serializes every mutation of the list, the buckets and their
// snapshot stores. User code (load functions, Subscribe/Unsubscribe, resume
// and change callbacks, Host.Publish) never runs while it is held: such calls
// are queued and run, each isolated with recover, after the lock is released.
type Cache struct {
	mu       sync.Mutex
	list     *lru.List[any]
	buckets  map[uint64]any // resource id -> *bucket[K, V]
	deferred []func()
	reason   EvictReason // reason reported for evictions in progress

	opt   Options
	log   *slog.Logger
	stats counters
}

// New constructs a cache with the provided Options.
// Defaults:
//   - Limit <= 0    -> DefaultLimit
//   - nil Scheduler -> AsyncScheduler
//   - nil Host      -> commits scheduled on the Scheduler
//   - nil Metrics   -> NoopMetrics
//   - nil Logger    -> discard
func New(opt Options) *Cache {
	if opt.Limit <= 0 {
		opt.Limit = DefaultLimit
	}
	if opt.Scheduler == nil {
		opt.Scheduler = AsyncScheduler{}
	}
	if opt.Host == nil {
		opt.Host = schedulerHost{s: opt.Scheduler}
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.Logger == nil {
		opt.Logger = slog.New(slog.DiscardHandler)
	}

	c := &Cache{
		buckets: make(map[uint64]any),
		opt:     opt,
		log:     opt.Logger,
		stats:   counters{m: opt.Metrics},
	}
	c.list = lru.New[any](opt.Limit, lockedScheduler{c: c}, lru.WithErrorHandler(c.sweepFailed))
	return c
}

var defaultCache = New(Options{})

// Default returns the process-wide cache used by resources created without WithCache.
func Default() *Cache { return defaultCache }

// SetGlobalCacheLimit changes the entry limit of the default cache.
func SetGlobalCacheLimit(n int) { defaultCache.SetLimit(n) }

// Purge evicts every entry of the default cache.
func Purge() error { return defaultCache.Purge() }

// SetLimit changes the entry limit. Shrinking below the current size
// schedules a deferred sweep; nothing is evicted synchronously.
func (c *Cache) SetLimit(n int) {
	c.mu.Lock()
	c.list.SetLimit(n)
	c.unlock()
}

// Limit returns the current entry limit.
func (c *Cache) Limit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Limit()
}

// Len returns the number of resident entries across all resources.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

// Purge synchronously evicts every entry, least recently used first, and
// unsubscribes their live subscriptions.
func (c *Cache) Purge() error {
	c.mu.Lock()
	c.reason = EvictPurge
	err := c.list.Purge()
	c.reason = EvictCapacity
	c.stats.m.Size(c.list.Len())
	c.unlock()
	if err != nil {
		c.log.Warn("rescache: purge stopped early", slog.Any("error", err))
	}
	return err
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	s := c.stats.snapshot()
	s.Entries = c.Len()
	return s
}

// ---- locking helpers ----

// unlock releases c.mu and then runs the callbacks queued while it was held.
func (c *Cache) unlock() {
	fns := c.deferred
	c.deferred = nil
	c.mu.Unlock()
	for _, fn := range fns {
		c.call(fn)
	}
}

// later queues fn to run after the lock is released. mu must be held.
func (c *Cache) later(fn func()) {
	c.deferred = append(c.deferred, fn)
}

// call runs user code, converting a panic into a logged error.
func (c *Cache) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn("rescache: callback failed",
				slog.Any("error", fmt.Errorf("%w: %v", ErrCallbackPanic, r)))
		}
	}()
	fn()
}

// insertLocked adds value to the recency list and touches it, so a cache
// that only ever misses still schedules sweeps.
func (c *Cache) insertLocked(value any, onDelete func()) lru.Handle {
	h := c.list.Add(value, onDelete)
	c.list.Access(h)
	c.stats.m.Size(c.list.Len())
	return h
}

func (c *Cache) sweepFailed(err error) {
	c.log.Warn("rescache: eviction sweep stopped early", slog.Any("error", err))
}

// lockedScheduler runs the list's deferred sweep under the cache lock.
type lockedScheduler struct{ c *Cache }

func (s lockedScheduler) Schedule(fn func()) {
	c := s.c
	c.opt.Scheduler.Schedule(func() {
		c.mu.Lock()
		fn()
		c.stats.m.Size(c.list.Len())
		c.unlock()
	})
}
