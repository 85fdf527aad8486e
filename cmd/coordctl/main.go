// Command coordctl inspects and repairs coordination state in the shared
// store: stuck locks, usage counters and idempotency markers.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/manenim/keyword-coord/internal/config"
	"github.com/manenim/keyword-coord/pkg/clock"
	"github.com/manenim/keyword-coord/pkg/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(openFromEnv, clock.Real{}).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "coordctl:", err)
		os.Exit(1)
	}
}

// opener returns the store to operate on and a function releasing it.
type opener func(ctx context.Context) (store.Store, func(), error)

func openFromEnv(ctx context.Context) (store.Store, func(), error) {
	cfg, err := config.ParseEnv()
	if err != nil {
		return nil, nil, err
	}
	if !cfg.StoreConfigured() {
		return nil, nil, errors.New("KWC_REDIS_URL is not set")
	}
	r, err := store.NewRedisFromURL(cfg.RedisURL,
		store.WithPrefix(cfg.KeyPrefix),
		store.WithTimeout(cfg.StoreTimeout),
	)
	if err != nil {
		return nil, nil, err
	}
	if err := r.Ping(ctx); err != nil {
		_ = r.Close()
		return nil, nil, err
	}
	return r, func() { _ = r.Close() }, nil
}
