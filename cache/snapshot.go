package cache

import "github.com/IvanBrykalov/rescache/internal/util"

// changeSet is an immutable batch of staged results for one resource.
// Extending a batch always produces a new changeSet; a batch handed to a
// reader or a pending commit is never modified.
type changeSet[K comparable, V any] struct {
	keys    []K // staging order
	results map[K]*Result[V]
	bits    uint32
}

func (cs *changeSet[K, V]) lookup(key K) (*Result[V], bool) {
	r, ok := cs.results[key]
	return r, ok
}

// with returns a new batch that layers key→res over cs (cs may be nil).
func (cs *changeSet[K, V]) with(key K, res *Result[V]) *changeSet[K, V] {
	next := &changeSet[K, V]{bits: util.PartitionBit(key)}
	if cs == nil {
		next.keys = []K{key}
		next.results = map[K]*Result[V]{key: res}
		return next
	}

	next.bits |= cs.bits
	next.results = make(map[K]*Result[V], len(cs.results)+1)
	for k, r := range cs.results {
		next.results[k] = r
	}
	next.keys = cs.keys
	if _, seen := cs.results[key]; !seen {
		next.keys = append(cs.keys[:len(cs.keys):len(cs.keys)], key)
	}
	next.results[key] = res
	return next
}

type observer struct {
	mask   uint32
	notify func()
}

// store is the per-resource snapshot cell: the staged batch awaiting commit
// plus a registry of readers filtered by partition mask.
// Guarded by the owning Cache's lock.
type store[K comparable, V any] struct {
	staged    *changeSet[K, V]
	observers map[uint64]*observer
	nextID    uint64
}

func newStore[K comparable, V any]() *store[K, V] {
	return &store[K, V]{observers: make(map[uint64]*observer)}
}

// read returns the staged batch if it touches any partition in mask.
func (s *store[K, V]) read(mask uint32) *changeSet[K, V] {
	if s.staged == nil || s.staged.bits&mask == 0 {
		return nil
	}
	return s.staged
}

// stage layers key→res over the staged batch and returns the new batch.
func (s *store[K, V]) stage(key K, res *Result[V]) *changeSet[K, V] {
	s.staged = s.staged.with(key, res)
	return s.staged
}

// current reports whether cs is still the latest staged batch.
func (s *store[K, V]) current(cs *changeSet[K, V]) bool { return s.staged == cs }

func (s *store[K, V]) clear() { s.staged = nil }

func (s *store[K, V]) observe(mask uint32, notify func()) uint64 {
	s.nextID++
	s.observers[s.nextID] = &observer{mask: mask, notify: notify}
	return s.nextID
}

func (s *store[K, V]) widen(id uint64, mask uint32) {
	if o, ok := s.observers[id]; ok {
		o.mask |= mask
	}
}

func (s *store[K, V]) unobserve(id uint64) { delete(s.observers, id) }

// matching returns the callbacks of observers whose mask intersects bits.
func (s *store[K, V]) matching(bits uint32) []func() {
	var fns []func()
	for _, o := range s.observers {
		if o.mask&bits != 0 && o.notify != nil {
			fns = append(fns, o.notify)
		}
	}
	return fns
}
