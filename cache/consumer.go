package cache

import "github.com/IvanBrykalov/rescache/internal/util"

// Consumer is a long-lived reader of a resource, such as a mounted view.
// Keys it reads stay subscribed while it is open, and onChange runs after
// every commit that touches the partitions of those keys (false positives
// are possible; re-read to see what changed).
type Consumer[I any, K comparable, V any] struct {
	r        *Resource[I, K, V]
	onChange func()

	// guarded by the cache lock
	keys   map[K]struct{}
	mask   uint32
	obsID  uint64
	closed bool
}

// NewConsumer returns an open consumer. onChange may be nil.
func (r *Resource[I, K, V]) NewConsumer(onChange func()) *Consumer[I, K, V] {
	return &Consumer[I, K, V]{r: r, onChange: onChange, keys: make(map[K]struct{})}
}

// Read is Resource.Read that also keeps the key's subscription alive until Close.
func (c *Consumer[I, K, V]) Read(in I) Reading[V] {
	return c.r.access(in, c).observe()
}

// Preload is Resource.Preload that also records interest in the key.
func (c *Consumer[I, K, V]) Preload(in I) {
	c.r.access(in, c)
}

// Close drops interest in every key read through c and stops change
// notifications. Idle subscriptions are released by the next update to their key.
func (c *Consumer[I, K, V]) Close() {
	cc := c.r.cache
	cc.mu.Lock()
	defer cc.unlock()
	if c.closed {
		return
	}
	c.closed = true
	if len(c.keys) == 0 {
		return
	}
	b := c.r.bucketLocked()
	for key := range c.keys {
		if b.interest[key]--; b.interest[key] <= 0 {
			delete(b.interest, key)
		}
	}
	if c.obsID != 0 {
		b.store.unobserve(c.obsID)
	}
	c.keys = nil
}

func (c *Consumer[I, K, V]) trackLocked(b *bucket[K, V], key K) {
	if c.closed {
		return
	}
	if _, ok := c.keys[key]; ok {
		return
	}
	c.keys[key] = struct{}{}
	b.interest[key]++

	bit := util.PartitionBit(key)
	switch {
	case c.obsID == 0:
		c.obsID = b.store.observe(bit, c.notify)
	case c.mask&bit == 0:
		b.store.widen(c.obsID, bit)
	}
	c.mask |= bit
}

func (c *Consumer[I, K, V]) notify() {
	if c.onChange != nil {
		c.onChange()
	}
}
