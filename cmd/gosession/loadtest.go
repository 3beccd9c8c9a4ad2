package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	goSession "github.com/MrEthical07/goSession"
	"github.com/MrEthical07/goSession/authtest"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type loadtestOptions struct {
	requests    int
	concurrency int
	expireEvery int
	redisAddr   string
}

func newLoadtestCmd(a *app) *cobra.Command {
	opts := loadtestOptions{}
	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Drive concurrent requests through one session against an in-process auth server",
		Long: `loadtest starts an in-process auth server, signs in once and sends requests from
many goroutines while periodically invalidating every access token. It reports
latency percentiles and how many refresh exchanges the server actually saw.

The session is kept in redis: --redis-addr, REDIS_ADDR, or an embedded miniredis.`,
		RunE: a.runE(func(cmd *cobra.Command, _ []string) error {
			if opts.requests <= 0 || opts.concurrency <= 0 {
				return fmt.Errorf("requests and concurrency must be > 0")
			}
			opts.redisAddr = a.v.GetString("store.redis_addr")
			if opts.redisAddr == "" {
				opts.redisAddr = os.Getenv("REDIS_ADDR")
			}
			stats, err := runLoadtest(cmd.Context(), a, opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			printStats(cmd.OutOrStdout(), stats)
			return nil
		}),
	}
	cmd.Flags().IntVar(&opts.requests, "requests", 20000, "total requests")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 64, "concurrent workers")
	cmd.Flags().IntVar(&opts.expireEvery, "expire-every", 2000, "invalidate access tokens every N requests (0 disables)")
	return cmd
}

type loadtestStats struct {
	phaseStats
	refreshCalls int64
	authRetries  uint64
	joined       uint64
	reused       uint64
	expired      bool
}

func runLoadtest(ctx context.Context, a *app, opts loadtestOptions, out io.Writer) (loadtestStats, error) {
	const username, password = "loadtest", "loadtest-password"

	srv := authtest.Start(authtest.WithUser(authtest.User{Username: username, Password: password}))
	defer srv.Close()

	addr := opts.redisAddr
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return loadtestStats{}, fmt.Errorf("start miniredis: %w", err)
		}
		defer mr.Close()
		addr = mr.Addr()
		fmt.Fprintf(out, "using miniredis at %s\n", addr)
	} else {
		fmt.Fprintf(out, "using redis at %s\n", addr)
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	defer rdb.Close()

	cfg := goSession.DefaultConfig()
	cfg.HTTP.BaseURL = srv.URL
	cfg.Store.Backend = goSession.StoreRedis
	cfg.Store.RedisNamespace = "loadtest"
	client, err := goSession.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithHTTPClient(srv.Client()).
		WithLogger(a.logger).
		Build()
	if err != nil {
		return loadtestStats{}, err
	}
	defer client.Close()

	if _, err := client.Login(ctx, goSession.LoginIdentity{Username: username, Password: password}); err != nil {
		return loadtestStats{}, fmt.Errorf("login: %w", err)
	}

	var (
		cursor    atomic.Int64
		failures  atomic.Int64
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, opts.requests)
	)

	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()
	for w := 0; w < opts.concurrency; w++ {
		g.Go(func() error {
			for {
				i := cursor.Add(1) - 1
				if i >= int64(opts.requests) {
					return nil
				}
				if opts.expireEvery > 0 && i > 0 && i%int64(opts.expireEvery) == 0 {
					srv.ExpireAccessTokens()
				}
				t0 := time.Now()
				_, err := client.Do(gctx, goSession.Get("/resumes/"))
				d := time.Since(t0)
				if err != nil {
					failures.Add(1)
					if client.State() == goSession.StateExpired {
						return fmt.Errorf("session expired during loadtest: %w", err)
					}
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		})
	}
	err = g.Wait()
	total := time.Since(start)

	m := client.Metrics()
	stats := loadtestStats{
		phaseStats:   computeStats(total, latencies, failures.Load()),
		refreshCalls: srv.RefreshCalls(),
		authRetries:  m.Value(goSession.MetricAuthRetry),
		joined:       m.Value(goSession.MetricRefreshJoined),
		reused:       m.Value(goSession.MetricRefreshReused),
		expired:      client.State() == goSession.StateExpired,
	}
	return stats, err
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total, failures: failures}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(w io.Writer, s loadtestStats) {
	fmt.Fprintln(w, "---- results ----")
	fmt.Fprintf(w, "requests: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
	fmt.Fprintf(w, "refresh: server_calls=%d retries=%d joined=%d reused=%d expired=%v\n",
		s.refreshCalls, s.authRetries, s.joined, s.reused, s.expired)
}
