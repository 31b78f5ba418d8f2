package cache

import (
	"context"
	"math/rand"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"
)

// A mixed workload of concurrent Get/Preload/consumer reads, live updates and
// purges on a small cache. Should pass under `-race` without detector reports,
// and every live key must still be readable afterwards.
func TestRace_Mixed(t *testing.T) {
	c := New(Options{Limit: 64})

	var mu sync.Mutex
	streams := make(map[string]*Stream[int])
	stream := func(k string) *Stream[int] {
		mu.Lock()
		defer mu.Unlock()
		s, ok := streams[k]
		if !ok {
			s = NewStream[int]()
			streams[k] = s
		}
		return s
	}

	static := NewResource[string, string](func(k string) Source[string] {
		return Go(context.Background(), func(context.Context) (string, error) {
			return "v:" + k, nil
		})
	}, WithCache(c))
	live := NewResource[string, int](func(k string) Source[int] { return stream(k) }, WithCache(c))

	workers := 4 * runtime.GOMAXPROCS(0)
	keyspace := 256
	deadline := time.Now().Add(time.Second)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(id int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)*9973))
			con := live.NewConsumer(func() {})
			defer con.Close()

			for time.Now().Before(deadline) {
				k := "k:" + strconv.Itoa(r.Intn(keyspace))
				switch r.Intn(100) {
				case 0: // ~1%: Purge
					_ = c.Purge()
				case 1, 2, 3, 4, 5, 6, 7, 8, 9, 10: // ~10%: push a live value
					stream(k).Next(r.Int())
				case 11, 12, 13, 14, 15, 16, 17, 18, 19, 20: // ~10%: consumer read
					con.Read(k)
				case 21, 22, 23, 24, 25: // ~5%: Preload
					live.Preload(k)
				default: // Get
					ctx, cancel := context.WithTimeout(context.Background(), time.Second)
					if v, err := static.Get(ctx, k); err != nil || v != "v:"+k {
						t.Errorf("Get %s = %q, %v", k, v, err)
					}
					cancel()
				}
			}
		}(w)
	}
	wg.Wait()

	// Every live key must still settle: a subscription lost during the churn
	// would leave its result pending.
	mu.Lock()
	final := make(map[string]*Stream[int], len(streams))
	for k, s := range streams {
		final[k] = s
	}
	mu.Unlock()
	for _, s := range final {
		s.Next(-1)
	}
	for k := range final {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if _, err := live.Get(ctx, k); err != nil {
			t.Errorf("live %s did not settle: %v", k, err)
		}
		cancel()
	}
}
