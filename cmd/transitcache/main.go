package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"transit-cache/internal/config"
	"transit-cache/internal/db"
	"transit-cache/internal/metrics"
	"transit-cache/internal/nextbus"
	"transit-cache/internal/provider"
	"transit-cache/internal/publisher"
	"transit-cache/internal/resolver"
)

var rootCmd = &cobra.Command{
	Use:           "transitcache",
	Short:         "Lazy fill-through cache for NextBus transit data",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		cancel()
		log.Fatalf("%s: %v", os.Args[0], err)
	}
}

// app is the cache stack shared by every command.
type app struct {
	cfg   *config.Config
	store *db.Store
	feed  *nextbus.Client
	res   *resolver.Resolver
	prov  *provider.Provider
}

// openApp loads configuration, opens the store and wires the resolver and
// provider. Notifications go to notify, which may be nil.
func openApp(ctx context.Context, mcol *metrics.Collector, notify resolver.Notifier) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	return openAppWith(ctx, cfg, mcol, notify)
}

func openAppWith(ctx context.Context, cfg *config.Config, mcol *metrics.Collector, notify resolver.Notifier) (*app, error) {
	store, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, err
	}

	if notify == nil {
		notify = publisher.NewFanout(mcol)
	}
	feed := nextbus.NewClient(cfg.NextbusURL, cfg.RemoteTimeout)
	res, err := resolver.New(store, feed, cfg.ScopeMemoSize, notify, mcol)
	if err != nil {
		store.Close()
		return nil, err
	}
	log.Printf("cache ready (%s)", store.Dialect())
	return &app{
		cfg:   cfg,
		store: store,
		feed:  feed,
		res:   res,
		prov:  provider.New(store, res, feed, notify),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		log.Printf("db close: %v", err)
	}
}
