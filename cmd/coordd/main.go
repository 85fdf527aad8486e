// Command coordd serves the keyword lookup and billing webhook endpoints on
// top of the coordination primitives.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/manenim/keyword-coord/internal/config"
	"github.com/manenim/keyword-coord/internal/httpapi"
	"github.com/manenim/keyword-coord/pkg/cache"
	"github.com/manenim/keyword-coord/pkg/idempotency"
	"github.com/manenim/keyword-coord/pkg/identity"
	"github.com/manenim/keyword-coord/pkg/lock"
	"github.com/manenim/keyword-coord/pkg/metrics"
	"github.com/manenim/keyword-coord/pkg/ratelimit"
	"github.com/manenim/keyword-coord/pkg/store"
	"github.com/manenim/keyword-coord/pkg/usage"
)

func main() {
	cfg, err := config.ParseEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "coordd: %v\n", err)
		os.Exit(2)
	}
	lvl, _ := cfg.Level()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("coordd: exiting", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rec := metrics.NewPrometheus(reg, "keyword_coord")

	var (
		s      store.Store = store.Unconfigured{}
		pinger httpapi.Pinger
	)
	if cfg.StoreConfigured() {
		r, err := store.NewRedisFromURL(cfg.RedisURL,
			store.WithPrefix(cfg.KeyPrefix),
			store.WithTimeout(cfg.StoreTimeout),
			store.WithRecorder(rec),
		)
		if err != nil {
			return err
		}
		defer r.Close()
		if err := r.Ping(ctx); err != nil {
			// Keep serving: every primitive reports the store as unavailable
			// and applies its own failure policy until it comes back.
			logger.Warn("coordd: store not reachable at startup", "error", err)
		}
		s, pinger = r, r
	} else {
		logger.Warn("coordd: no store configured, coordination calls will fail as unavailable")
	}

	locks := lock.New(s, lock.WithTTL(cfg.LockTTL), lock.WithLogger(logger), lock.WithRecorder(rec))
	registry := identity.New(s, locks,
		identity.WithWait(cfg.RegistryWait, 25*time.Millisecond),
		identity.WithLogger(logger),
		identity.WithRecorder(rec),
	)

	limiterOpts := []ratelimit.Option{
		ratelimit.WithLogger(logger),
		ratelimit.WithRecorder(rec),
		ratelimit.WithFailOpenUnconfigured(),
	}
	if cfg.RateLimitFailOpen {
		limiterOpts = append(limiterOpts, ratelimit.WithFailOpen())
	}
	clientIP, err := ratelimit.NewClientIPResolver(cfg.TrustedProxies)
	if err != nil {
		return err
	}

	srv := httpapi.New(httpapi.Config{
		Limiter:  ratelimit.New(s, limiterOpts...),
		ClientIP: clientIP,
		Registry: registry,
		Meter:    usage.New(s, usage.WithLogger(logger), usage.WithRecorder(rec)),
		Ledger: idempotency.New(s,
			idempotency.WithTTL(cfg.IdempotencyTTL),
			idempotency.WithLogger(logger),
			idempotency.WithRecorder(rec),
		),
		Cache: cache.New(s,
			cache.WithWriteDeadline(cfg.CacheWriteDeadline),
			cache.WithLogger(logger),
			cache.WithRecorder(rec),
		),
		Source:      demoSource{},
		Billing:     httpapi.RegistryBilling{Registry: registry},
		RateLimit:   ratelimit.Limit{PerWindow: cfg.RateLimitPerWindow, Window: cfg.RateLimitWindow},
		QuotaWindow: usage.Monthly,
		Quota:       cfg.MonthlyQuota,
		CacheTTL:    cfg.CacheTTL,
		Store:       pinger,
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:      logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("coordd: listening", "addr", cfg.HTTPAddr, "store_configured", cfg.StoreConfigured())
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// demoSource stands in for a keyword-data provider.
type demoSource struct{}

func (demoSource) Keywords(_ context.Context, query string) (json.RawMessage, string, error) {
	suggestions := []string{query, query + " tools", query + " tips", "best " + query, query + " for beginners"}
	data, err := json.Marshal(suggestions)
	if err != nil {
		return nil, "", err
	}
	return data, "demo", nil
}
