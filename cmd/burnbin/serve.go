package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"burnbin/pkg/clock"
	"burnbin/svc/api"
	"burnbin/svc/cache"
	"burnbin/svc/db"
	"burnbin/svc/lim"
	"burnbin/svc/svc"
	"burnbin/svc/util"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	c, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	defer c.Wipe()
	util.Info().
		Str("environment", c.Environment).
		Bool("test_mode", c.TestMode).
		Msg("starting burnbin")

	store := db.NewHandle(ctx, c.DatabaseURL.Value(), storeOptions(c))
	defer store.Close()

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(ctx, c)
		if err != nil {
			if c.Environment == "production" {
				return errors.Wrap(err, "redis required in production")
			}
			util.Warn().Err(err).Msg("redis unavailable, using local state only")
			rdb = nil
		} else {
			util.Info().Msg("redis connected")
			defer rdb.Close()
		}
	}

	tomb, err := cache.NewTombstones(c.TombstoneCacheSize, c.TombstoneTTL)
	if err != nil {
		return errors.Wrap(err, "create tombstone cache")
	}

	limiter, err := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.RateLimit.ConservativeLimit, rdb, c.TrustedProxies)
	if err != nil {
		return errors.Wrap(err, "create rate limiter")
	}
	defer limiter.Stop()
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	var shared svc.ExhaustedSet
	if rdb != nil {
		shared = rdb
	}
	pasteSvc := svc.NewPaste(store, tomb, shared, clock.System{}, c)

	var cleanerDone <-chan struct{}
	switch {
	case c.TestMode:
		// Pastes created under a pinned request clock must not be swept by
		// wall time.
		util.Info().Msg("cleanup worker disabled in test mode")
	case c.CleanupInterval == 0:
		util.Info().Msg("cleanup worker disabled")
	default:
		cleanerDone, err = svc.StartCleaner(ctx, store, c.CleanupInterval, clock.System{})
		if err != nil {
			return errors.Wrap(err, "start cleanup worker")
		}
	}

	server := api.NewServer(c, pasteSvc, limiter, store, rdb)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case err := <-serverErr:
		if err != nil {
			return errors.Wrap(err, "server failed")
		}
	case sig := <-sigCh:
		util.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	cancel()
	if cleanerDone != nil {
		select {
		case <-cleanerDone:
		case <-shutdownCtx.Done():
			util.Warn().Msg("cleanup worker did not stop in time")
		}
	}
	pasteSvc.Shutdown()
	util.Info().Msg("shutdown complete")
	return nil
}
