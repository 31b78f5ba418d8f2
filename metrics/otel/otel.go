// Package otel exports cache.Metrics signals as OpenTelemetry instruments.
package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/IvanBrykalov/rescache/cache"
)

// Adapter implements cache.Metrics on top of a metric.Meter.
// Cache hooks carry no context, so measurements are recorded with context.Background().
type Adapter struct {
	hits       metric.Int64Counter
	misses     metric.Int64Counter
	evictions  metric.Int64Counter
	size       metric.Int64Gauge
	loads      metric.Int64Counter
	loadErrors metric.Int64Counter
	commits    metric.Int64Counter
	disposals  metric.Int64Counter

	// attribute sets are precomputed so hot paths do not allocate
	capacity, purge     metric.AddOption
	applied, superseded metric.AddOption
}

// New creates the instruments on meter (nil => the global "rescache" meter).
func New(meter metric.Meter) (*Adapter, error) {
	if meter == nil {
		meter = otel.Meter("rescache")
	}
	a := &Adapter{
		capacity:   metric.WithAttributeSet(attribute.NewSet(attribute.String("reason", cache.EvictCapacity.String()))),
		purge:      metric.WithAttributeSet(attribute.NewSet(attribute.String("reason", cache.EvictPurge.String()))),
		applied:    metric.WithAttributeSet(attribute.NewSet(attribute.String("result", "applied"))),
		superseded: metric.WithAttributeSet(attribute.NewSet(attribute.String("result", "superseded"))),
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&a.hits, "rescache_hits_total", "Reads served by a cached or staged result"},
		{&a.misses, "rescache_misses_total", "Reads that created a pending entry"},
		{&a.evictions, "rescache_evictions_total", "Cache evictions by reason"},
		{&a.loads, "rescache_loads_total", "Load function invocations"},
		{&a.loadErrors, "rescache_load_errors_total", "Errors delivered by sources"},
		{&a.commits, "rescache_commits_total", "Staged batches reaching commit, by outcome"},
		{&a.disposals, "rescache_disposals_total", "Live subscriptions cancelled"},
	}
	for _, c := range counters {
		var err error
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}

	var err error
	a.size, err = meter.Int64Gauge("rescache_size_entries",
		metric.WithDescription("Number of resident entries"))
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Adapter) Hit()       { a.hits.Add(context.Background(), 1) }
func (a *Adapter) Miss()      { a.misses.Add(context.Background(), 1) }
func (a *Adapter) Load()      { a.loads.Add(context.Background(), 1) }
func (a *Adapter) LoadError() { a.loadErrors.Add(context.Background(), 1) }
func (a *Adapter) Dispose()   { a.disposals.Add(context.Background(), 1) }

func (a *Adapter) Evict(r cache.EvictReason) {
	opt := a.capacity
	if r == cache.EvictPurge {
		opt = a.purge
	}
	a.evictions.Add(context.Background(), 1, opt)
}

func (a *Adapter) Size(entries int) {
	a.size.Record(context.Background(), int64(entries))
}

func (a *Adapter) Commit(applied bool) {
	opt := a.superseded
	if applied {
		opt = a.applied
	}
	a.commits.Add(context.Background(), 1, opt)
}

var _ cache.Metrics = (*Adapter)(nil)
