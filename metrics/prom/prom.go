package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/rescache/cache"
)

// Adapter implements cache.Metrics and exports Prometheus counters/gauges.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	hits       prometheus.Counter
	misses     prometheus.Counter
	evicts     *prometheus.CounterVec
	sizeEnt    prometheus.Gauge
	loads      prometheus.Counter
	loadErrors prometheus.Counter
	commits    *prometheus.CounterVec
	disposals  prometheus.Counter
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		})
	}
	a := &Adapter{
		hits:   counter("hits_total", "Reads served by a cached or staged result"),
		misses: counter("misses_total", "Reads that created a pending entry"),
		evicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "evictions_total",
				Help:        "Cache evictions by reason",
				ConstLabels: constLabels,
			},
			[]string{"reason"},
		),
		sizeEnt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "size_entries",
			Help:        "Number of resident entries",
			ConstLabels: constLabels,
		}),
		loads:      counter("loads_total", "Load function invocations"),
		loadErrors: counter("load_errors_total", "Errors delivered by sources"),
		commits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "commits_total",
				Help:        "Staged batches reaching commit, by outcome",
				ConstLabels: constLabels,
			},
			[]string{"result"},
		),
		disposals: counter("disposals_total", "Live subscriptions cancelled"),
	}
	reg.MustRegister(a.hits, a.misses, a.evicts, a.sizeEnt, a.loads, a.loadErrors, a.commits, a.disposals)
	return a
}

// Hit increments the hit counter.
func (a *Adapter) Hit() { a.hits.Inc() }

// Miss increments the miss counter.
func (a *Adapter) Miss() { a.misses.Inc() }

// Evict increments the eviction counter with a reason label.
func (a *Adapter) Evict(r cache.EvictReason) {
	a.evicts.WithLabelValues(r.String()).Inc()
}

// Size updates the resident entries gauge.
func (a *Adapter) Size(entries int) { a.sizeEnt.Set(float64(entries)) }

func (a *Adapter) Load()      { a.loads.Inc() }
func (a *Adapter) LoadError() { a.loadErrors.Inc() }
func (a *Adapter) Dispose()   { a.disposals.Inc() }

// Commit counts a batch as applied or superseded.
func (a *Adapter) Commit(applied bool) {
	result := "superseded"
	if applied {
		result = "applied"
	}
	a.commits.WithLabelValues(result).Inc()
}

// Compile-time check: ensure Adapter implements cache.Metrics.
var _ cache.Metrics = (*Adapter)(nil)
