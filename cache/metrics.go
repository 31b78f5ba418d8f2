package cache

import "sync/atomic"

// NoopMetrics is a drop-in Metrics implementation that does nothing.
// It is safe for concurrent use and intended as the default when
// no observability backend is configured.
type NoopMetrics struct{}

func (NoopMetrics) Hit()              {}
func (NoopMetrics) Miss()             {}
func (NoopMetrics) Evict(EvictReason) {}
func (NoopMetrics) Size(int)          {}
func (NoopMetrics) Load()             {}
func (NoopMetrics) LoadError()        {}
func (NoopMetrics) Commit(bool)       {}
func (NoopMetrics) Dispose()          {}

// Ensure NoopMetrics implements the Metrics interface at compile time.
var _ Metrics = NoopMetrics{}

// Stats is a point-in-time copy of a cache's counters.
type Stats struct {
	Hits       int64
	Misses     int64
	Loads      int64
	LoadErrors int64
	Evictions  int64
	Commits    int64
	Superseded int64
	Disposals  int64
	Entries    int
}

// counters keeps the cache's own tallies and forwards every signal to Metrics.
type counters struct {
	m Metrics

	hits       atomic.Int64
	misses     atomic.Int64
	loads      atomic.Int64
	loadErrors atomic.Int64
	evictions  atomic.Int64
	commits    atomic.Int64
	superseded atomic.Int64
	disposals  atomic.Int64
}

func (c *counters) hit()       { c.hits.Add(1); c.m.Hit() }
func (c *counters) miss()      { c.misses.Add(1); c.m.Miss() }
func (c *counters) load()      { c.loads.Add(1); c.m.Load() }
func (c *counters) loadError() { c.loadErrors.Add(1); c.m.LoadError() }
func (c *counters) dispose()   { c.disposals.Add(1); c.m.Dispose() }

func (c *counters) evict(r EvictReason) {
	c.evictions.Add(1)
	c.m.Evict(r)
}

func (c *counters) commit(applied bool) {
	if applied {
		c.commits.Add(1)
	} else {
		c.superseded.Add(1)
	}
	c.m.Commit(applied)
}

func (c *counters) snapshot() Stats {
	return Stats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Loads:      c.loads.Load(),
		LoadErrors: c.loadErrors.Load(),
		Evictions:  c.evictions.Load(),
		Commits:    c.commits.Load(),
		Superseded: c.superseded.Load(),
		Disposals:  c.disposals.Load(),
	}
}

// MultiMetrics fans every signal out to each of its members, e.g. a
// Prometheus and an OpenTelemetry adapter side by side.
type MultiMetrics []Metrics

func (mm MultiMetrics) Hit() {
	for _, m := range mm {
		m.Hit()
	}
}

func (mm MultiMetrics) Miss() {
	for _, m := range mm {
		m.Miss()
	}
}

func (mm MultiMetrics) Evict(r EvictReason) {
	for _, m := range mm {
		m.Evict(r)
	}
}

func (mm MultiMetrics) Size(entries int) {
	for _, m := range mm {
		m.Size(entries)
	}
}

func (mm MultiMetrics) Load() {
	for _, m := range mm {
		m.Load()
	}
}

func (mm MultiMetrics) LoadError() {
	for _, m := range mm {
		m.LoadError()
	}
}

func (mm MultiMetrics) Commit(applied bool) {
	for _, m := range mm {
		m.Commit(applied)
	}
}

func (mm MultiMetrics) Dispose() {
	for _, m := range mm {
		m.Dispose()
	}
}

var _ Metrics = MultiMetrics(nil)
