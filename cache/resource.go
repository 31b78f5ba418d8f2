package cache

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
)

// ResourceOption configures a Resource.
type ResourceOption func(*resourceConfig)

type resourceConfig struct {
	cache *Cache
	name  string
}

// WithCache binds the resource to c instead of the default cache.
func WithCache(c *Cache) ResourceOption {
	return func(rc *resourceConfig) {
		if c != nil {
			rc.cache = c
		}
	}
}

// WithName labels the resource in log records.
func WithName(name string) ResourceOption {
	return func(rc *resourceConfig) { rc.name = name }
}

var resourceIDs atomic.Uint64

// Resource is a named asynchronous data source whose values are cached per
// key. Inputs of type I are mapped to keys of type K by the hash function.
// All methods are safe for concurrent use.
type Resource[I any, K comparable, V any] struct {
	id    uint64
	name  string
	cache *Cache
	load  LoadFunc[I, V]
	hash  func(I) K

	checkInput bool
	warnOnce   sync.Once
}

// NewResource creates a resource keyed by its input. In Development mode a
// non-primitive input logs a warning once: without a hash function, distinct
// compound inputs only share entries when they compare equal.
func NewResource[I comparable, V any](load LoadFunc[I, V], opts ...ResourceOption) *Resource[I, I, V] {
	r := newResource(load, func(in I) I { return in }, opts)
	r.checkInput = true
	return r
}

// NewResourceWithHash creates a resource whose cache key is hash(input).
func NewResourceWithHash[I any, K comparable, V any](load LoadFunc[I, V], hash func(I) K, opts ...ResourceOption) *Resource[I, K, V] {
	if hash == nil {
		panic("cache: nil hash function")
	}
	return newResource(load, hash, opts)
}

func newResource[I any, K comparable, V any](load LoadFunc[I, V], hash func(I) K, opts []ResourceOption) *Resource[I, K, V] {
	if load == nil {
		panic("cache: nil load function")
	}
	rc := resourceConfig{cache: Default()}
	for _, o := range opts {
		o(&rc)
	}
	id := resourceIDs.Add(1)
	if rc.name == "" {
		rc.name = fmt.Sprintf("resource-%d", id)
	}
	return &Resource[I, K, V]{
		id:    id,
		name:  rc.name,
		cache: rc.cache,
		load:  load,
		hash:  hash,
	}
}

// Name returns the resource label.
func (r *Resource[I, K, V]) Name() string { return r.name }

// Read returns the cached outcome for in, starting a load on first use.
// A pending reading carries a Suspender; wait on it and read again.
// The first successful read of a delivered value marks it Resolved.
func (r *Resource[I, K, V]) Read(in I) Reading[V] {
	return r.access(in, nil).observe()
}

// Preload warms the cache for in. It never reports errors.
func (r *Resource[I, K, V]) Preload(in I) {
	r.access(in, nil)
}

// Get reads in, waiting for pending values until ctx is done.
func (r *Resource[I, K, V]) Get(ctx context.Context, in I) (V, error) {
	for {
		rd := r.Read(in)
		switch rd.State {
		case StateReady:
			return rd.Value, nil
		case StateFailed:
			var zero V
			return zero, rd.Err
		}
		if err := rd.Suspender.Wait(ctx); err != nil {
			var zero V
			return zero, err
		}
	}
}

// access resolves the result for in and starts the load if this call claimed
// the key's subscription. con, when set, records interest in the key.
func (r *Resource[I, K, V]) access(in I, con *Consumer[I, K, V]) *Result[V] {
	key := r.keyOf(in)
	c := r.cache

	c.mu.Lock()
	b := r.bucketLocked()
	res, s := b.accessLocked(key)
	if con != nil {
		con.trackLocked(b, key)
	}
	c.unlock()

	if s != nil {
		c.stats.load()
		src, err := r.invoke(in)
		if err != nil {
			b.deliver(s, res, key, *new(V), err)
		} else {
			b.start(s, res, key, src)
		}
	}
	return res
}

func (r *Resource[I, K, V]) invoke(in I) (src Source[V], err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrLoadPanic, p)
		}
	}()
	return r.load(in), nil
}

func (r *Resource[I, K, V]) keyOf(in I) K {
	if r.checkInput && r.cache.opt.Development && !isPrimitive(in) {
		r.warnOnce.Do(func() {
			r.cache.log.Warn("rescache: non-primitive input used as key without a hash function",
				slog.String("resource", r.name),
				slog.String("type", fmt.Sprintf("%T", in)))
		})
	}
	return r.hash(in)
}

// bucketLocked returns this resource's bucket, creating it on first use.
func (r *Resource[I, K, V]) bucketLocked() *bucket[K, V] {
	if b, ok := r.cache.buckets[r.id]; ok {
		return b.(*bucket[K, V])
	}
	b := newBucket[K, V](r.cache, r.name)
	r.cache.buckets[r.id] = b
	return b
}

func isPrimitive(v any) bool {
	switch reflect.ValueOf(v).Kind() {
	case reflect.Invalid, reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}
