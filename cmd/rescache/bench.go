package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/rescache/cache"
	omet "github.com/IvanBrykalov/rescache/metrics/otel"
	pmet "github.com/IvanBrykalov/rescache/metrics/prom"
)

type benchFlags struct {
	limit    int
	workers  int
	duration time.Duration
	readPct  int

	keys    int
	zipfS   float64
	zipfV   float64
	seed    int64
	preload int

	latency     time.Duration
	concurrency int64

	pprofAddr    string
	metricsAddr  string
	otelInterval time.Duration
}

func newBenchCmd(a *app) *cobra.Command {
	f := &benchFlags{}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a Zipf-distributed read workload against one resource",
		Long: `bench reads keys drawn from a Zipf distribution. Non-blocking reads count
ready vs pending results; the rest block in Get until the value arrives.
Loads sleep for --latency and are admitted through a pool of --concurrency slots.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("limit") {
				f.limit = a.cfg.Limit
			}
			if !cmd.Flags().Changed("latency") {
				f.latency = a.cfg.LoadLatency
			}
			if !cmd.Flags().Changed("concurrency") {
				f.concurrency = a.cfg.LoadConcurrency
			}
			if !cmd.Flags().Changed("http") {
				f.metricsAddr = a.cfg.MetricsAddr
			}
			return runBench(cmd, a, f)
		},
	}

	fl := cmd.Flags()
	fl.IntVar(&f.limit, "limit", 0, "cache entry limit (default RESCACHE_LIMIT)")
	fl.IntVar(&f.workers, "workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
	fl.DurationVar(&f.duration, "duration", 10*time.Second, "benchmark duration")
	fl.IntVar(&f.readPct, "reads", 80, "non-blocking read percentage [0..100]; the rest use Get")
	fl.IntVar(&f.keys, "keys", 100_000, "keyspace size")
	fl.Float64Var(&f.zipfS, "zipf-s", 1.1, "Zipf s > 1 (skew)")
	fl.Float64Var(&f.zipfV, "zipf-v", 1.0, "Zipf v")
	fl.Int64Var(&f.seed, "seed", time.Now().UnixNano(), "random seed")
	fl.IntVar(&f.preload, "preload", -1, "keys to preload (-1 = limit/2)")
	fl.DurationVar(&f.latency, "latency", 0, "simulated load latency (default RESCACHE_LOAD_LATENCY)")
	fl.Int64Var(&f.concurrency, "concurrency", 0, "max concurrent loads (default RESCACHE_LOAD_CONCURRENCY)")
	fl.StringVar(&f.pprofAddr, "pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
	fl.StringVar(&f.metricsAddr, "http", "", "serve Prometheus metrics at addr; empty = disabled (default RESCACHE_METRICS_ADDR)")
	fl.DurationVar(&f.otelInterval, "otel-interval", 0, "also export OpenTelemetry metrics to stderr at this interval; 0 = disabled")
	return cmd
}

func runBench(cmd *cobra.Command, a *app, f *benchFlags) error {
	if f.keys < 1 {
		return fmt.Errorf("--keys must be positive, got %d", f.keys)
	}
	if f.zipfS <= 1 || f.zipfV < 1 {
		return fmt.Errorf("--zipf-s must be > 1 and --zipf-v >= 1")
	}
	workers := max(f.workers, 1)
	log := a.log

	// ---- pprof server (on DefaultServeMux) ----
	if f.pprofAddr != "" {
		go func() {
			log.Info("pprof: serving", slog.String("addr", f.pprofAddr))
			if err := http.ListenAndServe(f.pprofAddr, nil); err != nil {
				log.Warn("pprof server stopped", slog.Any("error", err))
			}
		}()
	}

	// ---- Prometheus metrics (own registry, own mux) ----
	reg := prometheus.NewRegistry()
	metrics := cache.MultiMetrics{pmet.New(reg, "rescache", "bench", nil)}
	if f.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: f.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info("metrics: serving", slog.String("addr", f.metricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("metrics server stopped", slog.Any("error", err))
			}
		}()
		defer func() { _ = srv.Close() }()
	}

	// ---- OpenTelemetry (optional, periodic stdout export) ----
	if f.otelInterval > 0 {
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(cmd.ErrOrStderr()))
		if err != nil {
			return fmt.Errorf("otel exporter: %w", err)
		}
		provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(f.otelInterval))))
		defer func() { _ = provider.Shutdown(context.Background()) }()
		om, err := omet.New(provider.Meter("rescache/bench"))
		if err != nil {
			return fmt.Errorf("otel metrics: %w", err)
		}
		metrics = append(metrics, om)
	}

	// ---- Build cache and resource ----
	c := cache.New(cache.Options{
		Limit:       f.limit,
		Metrics:     metrics,
		Logger:      log,
		Development: a.cfg.Development,
	})
	pool := cache.NewPool(f.concurrency)
	latency := f.latency
	res := cache.NewResource[uint64, string](func(k uint64) cache.Source[string] {
		return cache.GoLimited(context.Background(), pool, func(ctx context.Context) (string, error) {
			if latency > 0 {
				t := time.NewTimer(latency)
				defer t.Stop()
				select {
				case <-t.C:
				case <-ctx.Done():
					return "", ctx.Err()
				}
			}
			return "v" + strconv.FormatUint(k, 10), nil
		})
	}, cache.WithCache(c), cache.WithName("bench"))

	pl := f.preload
	if pl < 0 {
		pl = c.Limit() / 2
	}
	for i := 0; i < pl; i++ {
		res.Preload(uint64(i))
	}

	// ---- Load generation ----
	var reads, ready, pending, failed, gets, total atomic.Uint64
	ctx, cancel := context.WithTimeout(cmd.Context(), f.duration)
	defer cancel()

	keysMax := uint64(f.keys - 1)
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		id := w
		g.Go(func() error {
			// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			r := rand.New(rand.NewSource(f.seed + int64(id)*9973))
			zipf := rand.NewZipf(r, f.zipfS, f.zipfV, keysMax)

			for gctx.Err() == nil {
				total.Add(1)
				k := zipf.Uint64()
				if int(r.Int31n(100)) < f.readPct {
					reads.Add(1)
					switch res.Read(k).State {
					case cache.StateReady:
						ready.Add(1)
					case cache.StatePending:
						pending.Add(1)
					case cache.StateFailed:
						failed.Add(1)
					}
					continue
				}
				gets.Add(1)
				if _, err := res.Get(gctx, k); err != nil && gctx.Err() == nil {
					return fmt.Errorf("get %d: %w", k, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	// ---- Report ----
	out := cmd.OutOrStdout()
	ops := total.Load()
	readsN := reads.Load()
	readyRate := 0.0
	if readsN > 0 {
		readyRate = float64(ready.Load()) / float64(readsN) * 100
	}
	st := c.Stats()
	fmt.Fprintf(out, "limit=%d workers=%d keys=%d latency=%v concurrency=%d dur=%v seed=%d\n",
		c.Limit(), workers, f.keys, latency, f.concurrency, elapsed.Round(time.Millisecond), f.seed)
	fmt.Fprintf(out, "ops=%d (%.0f ops/s)  reads=%d  gets=%d\n",
		ops, float64(ops)/elapsed.Seconds(), readsN, gets.Load())
	fmt.Fprintf(out, "ready=%d  pending=%d  failed=%d  ready-rate=%.2f%%\n",
		ready.Load(), pending.Load(), failed.Load(), readyRate)
	fmt.Fprintf(out, "hits=%d  misses=%d  loads=%d  evictions=%d  entries=%d\n",
		st.Hits, st.Misses, st.Loads, st.Evictions, st.Entries)
	return nil
}
