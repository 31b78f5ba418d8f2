package cache

import "log/slog"

// DefaultLimit is the entry limit used when Options.Limit is not positive.
const DefaultLimit = 500

// EvictReason explains why an entry was removed.
type EvictReason int

const (
	// EvictCapacity: removed by a deferred sweep because the cache was over its limit.
	EvictCapacity EvictReason = iota
	// EvictPurge: removed by an explicit Purge.
	EvictPurge
)

// String returns a stable label value for r.
func (r EvictReason) String() string {
	switch r {
	case EvictCapacity:
		return "capacity"
	case EvictPurge:
		return "purge"
	default:
		return "unknown"
	}
}

// Metrics exposes cache-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	Hit()
	Miss()
	Evict(reason EvictReason)
	Size(entries int)
	// Load is called once per load function invocation.
	Load()
	// LoadError is called for every error delivered by a source.
	LoadError()
	// Commit is called for every staged batch that reaches commit;
	// applied is false when a later batch superseded it.
	Commit(applied bool)
	// Dispose is called when a live subscription is unsubscribed.
	Dispose()
}

// Options configures a Cache. Zero values are safe;
// defaults are applied in New():
//   - Limit <= 0     => DefaultLimit
//   - nil Scheduler  => AsyncScheduler
//   - nil Host       => commits run through the Scheduler
//   - nil Metrics    => NoopMetrics
//   - nil Logger     => discard
type Options struct {
	// Limit is the entry count kept after an eviction sweep.
	Limit int

	// Scheduler runs deferred work (eviction sweeps, and commits with the default Host).
	Scheduler Scheduler

	// Host makes staged writes visible by calling the commit it is handed.
	Host Host

	// Observability
	Metrics Metrics
	Logger  *slog.Logger

	// Development enables advisory warnings, such as non-primitive inputs
	// passed to a resource that has no hash function.
	Development bool
}
