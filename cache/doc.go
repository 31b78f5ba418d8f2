// Package cache provides a bounded, concurrency-safe cache of asynchronous
// resources. Callers read values by key; a read never blocks but returns a
// Reading that is Ready, Failed, or Pending with a Suspender to wait on.
//
// Design
//
//   - Resources: a Resource pairs a LoadFunc with a key function. The load
//     returns a Source, either a one-shot Thenable (Promise, Go, GoLimited)
//     or a live Observable (Stream). At most one load runs per key at a time.
//
//   - Results: the first value or error a source delivers settles the pending
//     result in place and resumes its waiters. Every later delivery is staged
//     as a new result and becomes visible when it is committed.
//
//   - Staging: staged writes form an immutable batch per resource. Readers see
//     the staged value immediately; the Host decides when the batch commits.
//     A batch superseded by a later one is dropped at commit time.
//
//   - Eviction: all resources bound to a Cache share one LRU list with an
//     entry limit. Going over the limit schedules a single deferred sweep on
//     the Scheduler; nothing is evicted synchronously by a read. Evicted keys
//     have their subscriptions cancelled.
//
//   - Consumers: a Consumer keeps the keys it reads subscribed until Close and
//     is notified after commits that touch them. After Close, the next update
//     to an unread key releases its subscription.
//
//   - Metrics: Options.Metrics receives Hit/Miss/Evict/Size and load, commit
//     and disposal signals. NoopMetrics is used by default; see metrics/prom
//     and metrics/otel for exporters.
//
// Basic usage
//
//	users := cache.NewResource[int, User](func(id int) cache.Source[User] {
//	    return cache.Go(ctx, func(ctx context.Context) (User, error) {
//	        return db.LoadUser(ctx, id)
//	    })
//	})
//	u, err := users.Get(ctx, 42) // waits for the first load
//
// Non-blocking reads
//
//	switch rd := users.Read(42); rd.State {
//	case cache.StateReady:
//	    render(rd.Value)
//	case cache.StateFailed:
//	    renderError(rd.Err)
//	case cache.StatePending:
//	    rd.Suspender.Then(rerender)
//	}
//
// Live values
//
//	prices := cache.NewResource[string, float64](func(sym string) cache.Source[float64] {
//	    return feed.Stream(sym) // *cache.Stream[float64]
//	})
//	view := prices.NewConsumer(rerender)
//	defer view.Close()
//
// Thread-safety
//
// All exported methods are safe for concurrent use. User code (loads,
// Subscribe/Unsubscribe, resumes, change notifications, Host.Publish) is never
// called while the cache lock is held, and panics in it are recovered.
package cache
