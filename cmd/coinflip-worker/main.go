package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/starfariii/coinflip1/internal/coinflip"
	"github.com/starfariii/coinflip1/internal/config"
	"github.com/starfariii/coinflip1/internal/notify"
	"github.com/starfariii/coinflip1/internal/storage"
	"github.com/starfariii/coinflip1/internal/sweeper"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWorkerFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	backend, err := storage.Open(ctx, cfg.StoreConfig, "coinflip-worker")
	if err != nil {
		logger.Error("store open failed", "store", cfg.Store, "err", err)
		os.Exit(1)
	}
	defer backend.Close()

	hub := notify.NewHub(logger)
	defer hub.Close()

	// The worker only publishes; API processes listen and fan out to clients.
	var notifier coinflip.Notifier = hub
	if backend.Pool != nil {
		notifier = notify.NewPGBridge(backend.Pool, cfg.NotifyChannel, hub, logger)
	}

	// Run-once exits right after the sweep, so it does not announce.
	var announcer *notify.Announcer
	if cfg.Discord.Enabled() && !cfg.RunOnce {
		announcer, err = notify.NewAnnouncer(cfg.Discord.WebhookID, cfg.Discord.WebhookToken, cfg.Discord.MinValue, backend.Store, logger)
		if err != nil {
			logger.Error("discord announcer init failed", "err", err)
			os.Exit(1)
		}
		notifier = notify.Multi{notifier, announcer}
	}

	// The worker never schedules timers itself; it only recovers due matches.
	svc := coinflip.NewService(backend.Store, notifier, logger)
	defer svc.Close()

	if cfg.SeedCatalog {
		if err := svc.SeedCatalog(ctx); err != nil {
			logger.Error("seed catalog failed", "err", err)
			os.Exit(1)
		}
	}

	sweep, err := sweeper.New(svc, cfg.SweepEvery, cfg.SweepBatch, logger)
	if err != nil {
		logger.Error("sweeper init failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = sweep.Stop() }()

	if cfg.RunOnce {
		n, err := sweep.RunOnce(ctx)
		if err != nil {
			logger.Error("sweep failed", "err", err, "settled", n)
			os.Exit(1)
		}
		logger.Info("worker run-once completed", "settled", n)
		return
	}

	if announcer != nil {
		go announcer.Run(ctx)
	}

	sweep.Start()
	logger.Info("worker started", "sweep_every", cfg.SweepEvery.String(), "batch", cfg.SweepBatch, "store", cfg.Store)
	<-ctx.Done()
	logger.Info("worker shutdown")
}
