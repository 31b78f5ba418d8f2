package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/rescache/cache"
)

type streamFlags struct {
	symbols  int
	interval time.Duration
	duration time.Duration
}

func newStreamCmd(a *app) *cobra.Command {
	f := &streamFlags{}
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Watch live values through a consumer",
		Long: `stream publishes a random walk per symbol on a Stream source and prints every
value a mounted consumer observes after a commit.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStream(cmd, a, f)
		},
	}
	cmd.Flags().IntVar(&f.symbols, "symbols", 3, "number of live symbols")
	cmd.Flags().DurationVar(&f.interval, "interval", 100*time.Millisecond, "publish interval per symbol")
	cmd.Flags().DurationVar(&f.duration, "duration", 2*time.Second, "how long to watch")
	return cmd
}

func runStream(cmd *cobra.Command, a *app, f *streamFlags) error {
	if f.symbols < 1 || f.interval <= 0 {
		return fmt.Errorf("--symbols and --interval must be positive")
	}

	c := cache.New(cache.Options{Limit: a.cfg.Limit, Logger: a.log, Development: a.cfg.Development})
	feeds := make([]*cache.Stream[float64], f.symbols)
	names := make([]string, f.symbols)
	for i := range feeds {
		feeds[i] = cache.NewStream[float64]()
		names[i] = fmt.Sprintf("SYM%d", i)
	}
	byName := make(map[string]*cache.Stream[float64], len(names))
	for i, n := range names {
		byName[n] = feeds[i]
	}
	prices := cache.NewResource[string, float64](func(sym string) cache.Source[float64] {
		if s, ok := byName[sym]; ok {
			return s
		}
		return cache.Rejected[float64](fmt.Errorf("unknown symbol %q", sym))
	}, cache.WithCache(c), cache.WithName("prices"))

	changed := make(chan struct{}, 1)
	signal := func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}
	view := prices.NewConsumer(signal)
	defer view.Close()
	for _, n := range names {
		view.Preload(n)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), f.duration)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for i, s := range feeds {
		g.Go(func() error {
			r := rand.New(rand.NewSource(int64(i) + 1))
			price := 100.0
			t := time.NewTicker(f.interval)
			defer t.Stop()
			for {
				s.Next(price)
				select {
				case <-gctx.Done():
					return nil
				case <-t.C:
					price += r.NormFloat64()
				}
			}
		})
	}

	out := cmd.OutOrStdout()
	last := make(map[string]float64, len(names))
	updates := 0
	render := func() {
		for _, n := range names {
			rd := view.Read(n)
			switch rd.State {
			case cache.StatePending:
				rd.Suspender.Then(signal)
				continue
			case cache.StateFailed:
				fmt.Fprintf(out, "%s error: %v\n", n, rd.Err)
				continue
			}
			if v, ok := last[n]; ok && v == rd.Value {
				continue
			}
			last[n] = rd.Value
			updates++
			fmt.Fprintf(out, "%s %.2f\n", n, rd.Value)
		}
	}

	render()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-changed:
			render()
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	render()

	st := c.Stats()
	fmt.Fprintf(out, "updates=%d commits=%d superseded=%d loads=%d\n", updates, st.Commits, st.Superseded, st.Loads)
	return nil
}
