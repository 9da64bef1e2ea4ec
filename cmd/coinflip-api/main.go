package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/starfariii/coinflip1/internal/api"
	"github.com/starfariii/coinflip1/internal/auth"
	"github.com/starfariii/coinflip1/internal/coinflip"
	"github.com/starfariii/coinflip1/internal/config"
	"github.com/starfariii/coinflip1/internal/notify"
	"github.com/starfariii/coinflip1/internal/storage"
	"github.com/starfariii/coinflip1/internal/sweeper"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadAPIFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	backend, err := storage.Open(ctx, cfg.StoreConfig, "coinflip-api")
	if err != nil {
		logger.Error("store open failed", "store", cfg.Store, "err", err)
		os.Exit(1)
	}
	defer backend.Close()

	hub := notify.NewHub(logger)
	defer hub.Close()

	g, gctx := errgroup.WithContext(ctx)

	// With postgres every process publishes through NOTIFY and this process
	// listens, so settlements from the worker reach local subscribers too.
	var notifier coinflip.Notifier = hub
	if backend.Pool != nil {
		bridge := notify.NewPGBridge(backend.Pool, cfg.NotifyChannel, hub, logger)
		notifier = bridge
		g.Go(func() error { return bridge.Run(gctx) })
	}

	// Announce only what this process settles; peers announce their own.
	if cfg.Discord.Enabled() {
		announcer, err := notify.NewAnnouncer(cfg.Discord.WebhookID, cfg.Discord.WebhookToken, cfg.Discord.MinValue, backend.Store, logger)
		if err != nil {
			logger.Error("discord announcer init failed", "err", err)
			os.Exit(1)
		}
		notifier = notify.Multi{notifier, announcer}
		g.Go(func() error {
			announcer.Run(gctx)
			return nil
		})
	}

	gameSvc := coinflip.NewService(backend.Store, notifier, logger, coinflip.WithSettleDelay(cfg.SettleDelay))
	defer gameSvc.Close()

	if cfg.SeedCatalog {
		if err := gameSvc.SeedCatalog(ctx); err != nil {
			logger.Error("seed catalog failed", "err", err)
			os.Exit(1)
		}
	}

	if cfg.EmbeddedSweep {
		sweep, err := sweeper.New(gameSvc, cfg.SweepEvery, cfg.SweepBatch, logger)
		if err != nil {
			logger.Error("sweeper init failed", "err", err)
			os.Exit(1)
		}
		sweep.Start()
		defer func() { _ = sweep.Stop() }()
	}

	server := api.New(cfg, logger, authProvider(cfg), gameSvc, hub)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Event streams never finish on their own; closing the hub ends them.
	httpServer.RegisterOnShutdown(hub.Close)

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		logger.Info("coinflip api listening", "addr", cfg.Addr, "store", cfg.Store, "auth", cfg.AuthMode)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
	logger.Info("coinflip api stopped")
}

func authProvider(cfg config.APIConfig) auth.Provider {
	if cfg.AuthMode == config.AuthDev {
		return auth.NewDevProvider(cfg.DevAuthSecret)
	}
	var provider auth.Provider = auth.NewSupabaseClient(cfg.SupabaseURL, cfg.SupabaseAnonKey)
	if cfg.SupabaseJWTSecret != "" {
		provider = auth.NewJWTVerifier(cfg.SupabaseJWTSecret, provider)
	}
	return provider
}
