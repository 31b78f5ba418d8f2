package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/rescache/internal/util"
)

// newManualCache returns a cache whose sweeps run only on Flush and whose
// staged writes commit immediately.
func newManualCache(limit int) (*Cache, *ManualScheduler) {
	s := &ManualScheduler{}
	return New(Options{Limit: limit, Scheduler: s, Host: SyncHost{}}), s
}

// promiseLoader hands out one unsettled promise per load call and lets the
// test settle the latest one for a key.
type promiseLoader[K comparable, V any] struct {
	mu    sync.Mutex
	calls map[K]int
	last  map[K]*Promise[V]
}

func newPromiseLoader[K comparable, V any]() *promiseLoader[K, V] {
	return &promiseLoader[K, V]{calls: make(map[K]int), last: make(map[K]*Promise[V])}
}

func (l *promiseLoader[K, V]) load(k K) Source[V] {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[k]++
	p := NewPromise[V]()
	l.last[k] = p
	return p
}

func (l *promiseLoader[K, V]) resolve(k K, v V) {
	l.mu.Lock()
	p := l.last[k]
	l.mu.Unlock()
	p.Resolve(v)
}

func (l *promiseLoader[K, V]) reject(k K, err error) {
	l.mu.Lock()
	p := l.last[k]
	l.mu.Unlock()
	p.Reject(err)
}

func (l *promiseLoader[K, V]) callsFor(k K) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[k]
}

// streamLoader creates one Stream per key and counts load calls.
type streamLoader[K comparable, V any] struct {
	mu      sync.Mutex
	calls   int
	streams map[K]*Stream[V]
}

func newStreamLoader[K comparable, V any]() *streamLoader[K, V] {
	return &streamLoader[K, V]{streams: make(map[K]*Stream[V])}
}

func (l *streamLoader[K, V]) load(k K) Source[V] {
	return l.stream(k, true)
}

func (l *streamLoader[K, V]) stream(k K, count bool) *Stream[V] {
	l.mu.Lock()
	defer l.mu.Unlock()
	if count {
		l.calls++
	}
	s, ok := l.streams[k]
	if !ok {
		s = NewStream[V]()
		l.streams[k] = s
	}
	return s
}

func (l *streamLoader[K, V]) loadCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// Limit 3, five keys: the deferred sweep evicts the two least recently used.
// Evicted keys load again, survivors are served from cache.
func TestCache_DeferredEvictionLRU(t *testing.T) {
	t.Parallel()

	c, sched := newManualCache(3)
	l := newPromiseLoader[int, string]()
	r := NewResource[int, string](l.load, WithCache(c))

	for k := 1; k <= 5; k++ {
		require.Equal(t, StatePending, r.Read(k).State)
		l.resolve(k, fmt.Sprintf("v%d", k))
		require.Equal(t, fmt.Sprintf("v%d", k), r.Read(k).Value)
	}

	require.Equal(t, 5, c.Len(), "nothing is evicted synchronously")
	require.Equal(t, 1, sched.Pending(), "one sweep scheduled")

	sched.Flush()
	require.Equal(t, 3, c.Len())
	require.EqualValues(t, 2, c.Stats().Evictions)

	for k := 3; k <= 5; k++ {
		rd := r.Read(k)
		require.True(t, rd.Ready())
		assert.Equal(t, fmt.Sprintf("v%d", k), rd.Value)
		assert.Equal(t, 1, l.callsFor(k))
	}
	for k := 1; k <= 2; k++ {
		rd := r.Read(k)
		assert.Equal(t, StatePending, rd.State)
		assert.NotNil(t, rd.Suspender)
		assert.Equal(t, 2, l.callsFor(k))
	}
}

// Evicting a key that is still loading resumes its waiters; the next read
// starts a new load and the stale delivery is dropped.
func TestCache_EvictPendingWakesWaiters(t *testing.T) {
	t.Parallel()

	c, sched := newManualCache(1)
	l := newPromiseLoader[int, string]()
	r := NewResource[int, string](l.load, WithCache(c))

	sp := r.Read(1).Suspender
	require.NotNil(t, sp)
	var resumed atomic.Bool
	sp.Then(func() { resumed.Store(true) })

	r.Preload(2)
	sched.Flush()
	require.True(t, resumed.Load())
	require.NoError(t, sp.Wait(context.Background()))

	l.resolve(1, "stale")
	require.Equal(t, StatePending, r.Read(1).State)
	require.Equal(t, 2, l.callsFor(1))
	l.resolve(1, "fresh")
	require.Equal(t, "fresh", r.Read(1).Value)
}

// A rejected load is returned by every read until the key is overwritten.
func TestCache_RejectionIsSticky(t *testing.T) {
	t.Parallel()

	c, _ := newManualCache(8)
	boom := errors.New("boom")
	var calls atomic.Int32
	r := NewResource[string, int](func(string) Source[int] {
		calls.Add(1)
		return Rejected[int](boom)
	}, WithCache(c))

	for i := 0; i < 3; i++ {
		rd := r.Read("k")
		require.Equal(t, StateFailed, rd.State)
		require.ErrorIs(t, rd.Err, boom)
	}
	_, err := r.Get(context.Background(), "k")
	require.ErrorIs(t, err, boom)
	require.EqualValues(t, 1, calls.Load())
	require.EqualValues(t, 1, c.Stats().LoadErrors)
}

// Two consumers share one subscription. It survives while either is open and
// is released by the first update after both close.
func TestCache_SharedSubscriptionLifecycle(t *testing.T) {
	t.Parallel()

	c, _ := newManualCache(8)
	l := newStreamLoader[string, int]()
	r := NewResource[string, int](l.load, WithCache(c))

	a := r.NewConsumer(nil)
	b := r.NewConsumer(nil)
	require.Equal(t, StatePending, a.Read("k").State)
	require.Equal(t, StatePending, b.Read("k").State)

	s := l.stream("k", false)
	require.Equal(t, 1, l.loadCalls())
	require.Equal(t, 1, s.Subscribers())

	s.Next(1)
	require.Equal(t, 1, a.Read("k").Value)
	require.Equal(t, 1, b.Read("k").Value)

	a.Close()
	s.Next(2)
	require.Equal(t, 1, s.Subscribers(), "b still mounted")
	require.Equal(t, 2, b.Read("k").Value)

	b.Close()
	require.Equal(t, 1, s.Subscribers(), "close alone does not dispose")
	s.Next(3)
	require.Equal(t, 0, s.Subscribers(), "idle subscription released on update")
	require.EqualValues(t, 1, c.Stats().Disposals)

	// The last value is still cached; reading it subscribes again.
	require.Equal(t, 3, r.Read("k").Value)
	require.Equal(t, 2, l.loadCalls())
}

// Preload followed by Read loads once, and Preload never reports a failure.
func TestCache_PreloadThenRead(t *testing.T) {
	t.Parallel()

	c, _ := newManualCache(8)
	l := newPromiseLoader[string, string]()
	r := NewResource[string, string](l.load, WithCache(c))

	r.Preload("a")
	r.Preload("a")
	l.resolve("a", "A")
	require.Equal(t, "A", r.Read("a").Value)
	require.Equal(t, 1, l.callsFor("a"))

	require.NotPanics(t, func() {
		r.Preload("bad")
		l.reject("bad", errors.New("nope"))
		r.Preload("bad")
	})
	require.Equal(t, StateFailed, r.Read("bad").State)
	require.Equal(t, 1, l.callsFor("bad"))
}

// Concurrent Get calls for the same key should trigger the load once.
func TestCache_Get_SingleLoad(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	c := New(Options{Limit: 64})
	r := NewResource[string, string](func(k string) Source[string] {
		calls.Add(1)
		return Go(context.Background(), func(context.Context) (string, error) {
			time.Sleep(5 * time.Millisecond) // simulate I/O
			return "v:" + k, nil
		})
	}, WithCache(c))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var g errgroup.Group
	for i := 0; i < 64; i++ {
		g.Go(func() error {
			v, err := r.Get(ctx, "k")
			if err != nil {
				return err
			}
			if v != "v:k" {
				return fmt.Errorf("got %q", v)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("load must run exactly once, got %d", got)
	}
}

func TestCache_Get_ContextDone(t *testing.T) {
	t.Parallel()

	c, _ := newManualCache(8)
	l := newPromiseLoader[int, int]()
	r := NewResource[int, int](l.load, WithCache(c))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := r.Get(ctx, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The load keeps going; a later Get sees its value.
	l.resolve(1, 7)
	v, err := r.Get(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 7, v)
}

// Reading a delivered value promotes it once; further reads keep it Resolved.
func TestCache_PromotionIsIdempotent(t *testing.T) {
	t.Parallel()

	c, _ := newManualCache(8)
	r := NewResource[string, int](func(string) Source[int] { return Resolved(5) }, WithCache(c))

	res := r.access("k", nil)
	require.Equal(t, StatusUnobservable, res.Status())

	for i := 0; i < 3; i++ {
		require.Equal(t, 5, r.Read("k").Value)
		require.Equal(t, StatusResolved, res.Status())
	}
}

// Staged writes are visible before commit; of two batches only the latest commits.
func TestCache_SupersededCommit(t *testing.T) {
	t.Parallel()

	var commits []func()
	c := New(Options{
		Limit:     8,
		Scheduler: &ManualScheduler{},
		Host:      HostFunc(func(commit func()) { commits = append(commits, commit) }),
	})
	l := newStreamLoader[string, int]()
	r := NewResource[string, int](l.load, WithCache(c))

	r.Preload("k")
	s := l.stream("k", false)
	s.Next(1)
	require.Equal(t, 1, r.Read("k").Value)

	s.Next(2)
	s.Next(3)
	require.Len(t, commits, 2)
	require.Equal(t, 3, r.Read("k").Value, "staged write is read before commit")

	for _, commit := range commits {
		commit()
	}
	st := c.Stats()
	require.EqualValues(t, 1, st.Commits)
	require.EqualValues(t, 1, st.Superseded)
	require.Equal(t, 3, r.Read("k").Value)
	require.Equal(t, 1, c.Len())
}

// A key evicted and loaded again while a commit is releasing idle
// subscriptions keeps its fresh subscription, so the new load still settles.
func TestCache_ReloadDuringCommitKeepsSubscription(t *testing.T) {
	t.Parallel()

	c, _ := newManualCache(8)
	var mu sync.Mutex
	var feeds []*Stream[string]
	r := NewResource[int, string](func(int) Source[string] {
		mu.Lock()
		defer mu.Unlock()
		s := NewStream[string]()
		feeds = append(feeds, s)
		return s
	}, WithCache(c))
	feed := func(i int) *Stream[string] {
		mu.Lock()
		defer mu.Unlock()
		return feeds[i]
	}

	// other shares key 1's partition, so the consumer hears about its commits
	// without being mounted on key 1 itself.
	other := 2
	for util.PartitionBit(other) != util.PartitionBit(1) {
		other++
	}

	var reloaded atomic.Bool
	con := r.NewConsumer(func() {
		if reloaded.CompareAndSwap(false, true) {
			_ = c.Purge()
			r.Preload(1)
		}
	})
	defer con.Close()

	require.Equal(t, StatePending, r.Read(1).State)
	con.Read(other)
	first := feed(0)
	first.Next("a")
	require.Equal(t, "a", r.Read(1).Value)

	first.Next("b") // staged, committed, consumer purges and reloads key 1
	require.True(t, reloaded.Load())
	require.Zero(t, first.Subscribers())

	fresh := feed(2)
	require.Equal(t, 1, fresh.Subscribers(), "fresh load must stay subscribed")
	fresh.Next("c")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := r.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "c", v)
}

// An error after a value replaces it: every read fails, before and after the
// commit, until the source sends a new value.
func TestCache_ErrorAfterValue(t *testing.T) {
	t.Parallel()

	var commits []func()
	c := New(Options{
		Limit:     8,
		Scheduler: &ManualScheduler{},
		Host:      HostFunc(func(commit func()) { commits = append(commits, commit) }),
	})
	src := &manualObservable[int]{}
	var calls atomic.Int32
	r := NewResource[string, int](func(string) Source[int] {
		calls.Add(1)
		return src
	}, WithCache(c))
	con := r.NewConsumer(nil)
	defer con.Close()

	require.Equal(t, StatePending, con.Read("k").State)
	src.next(1)
	require.Equal(t, 1, con.Read("k").Value)

	boom := errors.New("boom")
	src.fail(boom)
	require.Len(t, commits, 1)
	for i := 0; i < 2; i++ {
		rd := con.Read("k")
		require.Equal(t, StateFailed, rd.State)
		require.ErrorIs(t, rd.Err, boom)
	}

	commits[0]()
	require.EqualValues(t, 1, c.Stats().Commits)
	for i := 0; i < 2; i++ {
		rd := r.Read("k")
		require.Equal(t, StateFailed, rd.State)
		require.ErrorIs(t, rd.Err, boom)
	}
	require.EqualValues(t, 1, c.Stats().LoadErrors)

	src.next(2)
	require.Len(t, commits, 2)
	require.Equal(t, 2, con.Read("k").Value)
	commits[1]()
	require.Equal(t, 2, r.Read("k").Value)
	require.EqualValues(t, 1, calls.Load())
}

// Consumers are notified after commits touching the keys they read.
func TestConsumer_OnChange(t *testing.T) {
	t.Parallel()

	c, _ := newManualCache(8)
	l := newStreamLoader[string, int]()
	r := NewResource[string, int](l.load, WithCache(c))

	var changes atomic.Int32
	con := r.NewConsumer(func() { changes.Add(1) })
	defer con.Close()

	con.Read("k")
	s := l.stream("k", false)
	s.Next(1) // settles in place, no commit
	require.Equal(t, 1, con.Read("k").Value)
	require.EqualValues(t, 0, changes.Load())

	s.Next(2)
	require.EqualValues(t, 1, changes.Load())
	require.Equal(t, 2, con.Read("k").Value)

	con.Close()
	s.Next(3)
	require.EqualValues(t, 1, changes.Load(), "closed consumer is not notified")
}

func TestCache_CompletedWithoutValue(t *testing.T) {
	t.Parallel()

	c, _ := newManualCache(8)
	r := NewResource[string, int](func(string) Source[int] {
		s := NewStream[int]()
		s.Complete()
		return s
	}, WithCache(c))

	rd := r.Read("k")
	require.Equal(t, StateFailed, rd.State)
	require.ErrorIs(t, rd.Err, ErrCompletedEmpty)
}

func TestCache_UnsupportedSourceAndPanics(t *testing.T) {
	t.Parallel()

	c, _ := newManualCache(8)
	bad := NewResource[string, int](func(string) Source[int] { return 42 }, WithCache(c))
	rd := bad.Read("k")
	require.Equal(t, StateFailed, rd.State)
	require.ErrorIs(t, rd.Err, ErrUnsupportedSource)

	panicky := NewResource[string, int](func(string) Source[int] { panic("kaput") }, WithCache(c))
	rd = panicky.Read("k")
	require.Equal(t, StateFailed, rd.State)
	require.ErrorIs(t, rd.Err, ErrLoadPanic)
}

// Resources bound to one cache share its limit.
func TestCache_ResourcesShareLimit(t *testing.T) {
	t.Parallel()

	c, sched := newManualCache(2)
	users := NewResource[int, string](func(k int) Source[string] { return Resolved(fmt.Sprint("u", k)) }, WithCache(c))
	posts := NewResource[int, string](func(k int) Source[string] { return Resolved(fmt.Sprint("p", k)) }, WithCache(c))

	require.Equal(t, "u1", users.Read(1).Value)
	require.Equal(t, "p1", posts.Read(1).Value)
	require.Equal(t, "u2", users.Read(2).Value)
	sched.Flush()

	require.Equal(t, 2, c.Len())
	_, ok := bucketOf(c, users).entries[1]
	require.False(t, ok, "users/1 was least recently used")
}

func TestCache_SetLimitShrinks(t *testing.T) {
	t.Parallel()

	c, sched := newManualCache(10)
	r := NewResource[int, int](func(k int) Source[int] { return Resolved(k) }, WithCache(c))
	for k := 0; k < 6; k++ {
		r.Preload(k)
	}
	require.Zero(t, sched.Pending())

	c.SetLimit(4)
	require.Equal(t, 4, c.Limit())
	require.Equal(t, 6, c.Len())
	sched.Flush()
	require.Equal(t, 4, c.Len())
}

func TestCache_PurgeUnsubscribes(t *testing.T) {
	t.Parallel()

	c, _ := newManualCache(8)
	l := newStreamLoader[int, int]()
	r := NewResource[int, int](l.load, WithCache(c))
	for k := 0; k < 3; k++ {
		r.Preload(k)
	}
	require.NoError(t, c.Purge())
	require.Zero(t, c.Len())
	for k := 0; k < 3; k++ {
		assert.Zero(t, l.stream(k, false).Subscribers())
	}
	require.EqualValues(t, 3, c.Stats().Evictions)

	// Next read starts over.
	require.Equal(t, StatePending, r.Read(0).State)
	require.Equal(t, 4, l.loadCalls())
}

// A panicking Unsubscribe is logged and does not break the cache.
func TestCache_DisposalPanicIsolated(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	c := New(Options{
		Limit:     8,
		Scheduler: &ManualScheduler{},
		Host:      SyncHost{},
		Logger:    slog.New(slog.NewTextHandler(&syncWriter{w: &buf}, nil)),
	})
	r := NewResource[int, int](func(int) Source[int] { return panicOnUnsubscribe{} }, WithCache(c))
	r.Preload(1)
	r.Preload(2)

	require.NoError(t, c.Purge())
	require.Zero(t, c.Len())
	require.Contains(t, buf.String(), "callback failed")
	require.Equal(t, 2, strings.Count(buf.String(), ErrCallbackPanic.Error()))
}

// manualObservable hands every value or error to all its observers. Unlike
// Stream it keeps delivering after an error.
type manualObservable[V any] struct {
	mu  sync.Mutex
	obs []Observer[V]
}

func (m *manualObservable[V]) Subscribe(o Observer[V]) Subscription {
	m.mu.Lock()
	m.obs = append(m.obs, o)
	m.mu.Unlock()
	return SubscriptionFunc(func() {})
}

func (m *manualObservable[V]) observers() []Observer[V] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Observer[V](nil), m.obs...)
}

func (m *manualObservable[V]) next(v V) {
	for _, o := range m.observers() {
		o.Next(v)
	}
}

func (m *manualObservable[V]) fail(err error) {
	for _, o := range m.observers() {
		o.Error(err)
	}
}

type panicOnUnsubscribe struct{}

func (panicOnUnsubscribe) Subscribe(Observer[int]) Subscription {
	return SubscriptionFunc(func() { panic("unsubscribe") })
}

func TestCache_DevelopmentWarnsOnCompoundInput(t *testing.T) {
	t.Parallel()

	type point struct{ X, Y int }

	var buf bytes.Buffer
	c := New(Options{
		Limit:       8,
		Scheduler:   &ManualScheduler{},
		Development: true,
		Logger:      slog.New(slog.NewTextHandler(&syncWriter{w: &buf}, nil)),
	})
	r := NewResource[point, int](func(p point) Source[int] { return Resolved(p.X + p.Y) }, WithCache(c), WithName("points"))
	require.Equal(t, 3, r.Read(point{1, 2}).Value)
	require.Equal(t, 7, r.Read(point{3, 4}).Value)
	require.Equal(t, 1, strings.Count(buf.String(), "non-primitive input"))
	require.Contains(t, buf.String(), "resource=points")

	ok := NewResource[string, int](func(string) Source[int] { return Resolved(1) }, WithCache(c))
	buf.Reset()
	ok.Read("plain")
	require.Empty(t, buf.String())
}

func TestResourceWithHash(t *testing.T) {
	t.Parallel()

	type query struct {
		Table string
		IDs   []int
	}
	c, _ := newManualCache(8)
	var calls atomic.Int32
	r := NewResourceWithHash[query, string, int](
		func(q query) Source[int] { calls.Add(1); return Resolved(len(q.IDs)) },
		func(q query) string { return fmt.Sprint(q.Table, q.IDs) },
		WithCache(c),
	)
	require.Equal(t, 2, r.Read(query{"users", []int{1, 2}}).Value)
	require.Equal(t, 2, r.Read(query{"users", []int{1, 2}}).Value)
	require.EqualValues(t, 1, calls.Load())
}

func TestCache_Defaults(t *testing.T) {
	c := New(Options{})
	require.Equal(t, DefaultLimit, c.Limit())
	require.NotNil(t, Default())
	r := NewResource[string, string](func(k string) Source[string] { return Resolved(k) })
	require.Equal(t, "x", r.Read("x").Value)
	require.NoError(t, Purge())
}

// ---- helpers ----

func bucketOf[I any, K comparable, V any](c *Cache, r *Resource[I, K, V]) *bucket[K, V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return r.bucketLocked()
}

type syncWriter struct {
	mu sync.Mutex
	w  *bytes.Buffer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
