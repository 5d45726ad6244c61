package main

import (
	"context"
	"errors"
	"fmt"
	"html"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/deziikuoo/Lillyalbaab-Social/internal/activity"
	"github.com/deziikuoo/Lillyalbaab-Social/internal/cache"
	"github.com/deziikuoo/Lillyalbaab-Social/internal/config"
	"github.com/deziikuoo/Lillyalbaab-Social/internal/logging"
	"github.com/deziikuoo/Lillyalbaab-Social/internal/poller"
	"github.com/deziikuoo/Lillyalbaab-Social/internal/server"
	"github.com/deziikuoo/Lillyalbaab-Social/internal/source"
	"github.com/deziikuoo/Lillyalbaab-Social/internal/storage"
	"github.com/deziikuoo/Lillyalbaab-Social/internal/telegram"
)

func main() {
	if err := run(); err != nil {
		logging.Error("fatal", "err", err)
		logging.Close()
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logging.Init(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	}); err != nil {
		return err
	}
	defer logging.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	store, err := storage.NewStorage(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize %s storage: %w", cfg.Storage.Type, err)
	}
	defer store.Close()
	logging.Info("storage ready", "type", cfg.Storage.Type)

	dedup := cache.New(store, logging.WithPrefix("cache"))
	src := source.NewProfileSource(cfg.Source, nil, logging.WithPrefix("source"))

	var channel poller.Channel = telegram.Disabled{}
	if cfg.TelegramEnabled() {
		bot := telegram.NewClient(cfg.Telegram, nil, logging.WithPrefix("telegram"))
		checkTelegram(ctx, bot, cfg)
		channel = bot
	} else {
		logging.Warn("telegram is not configured, new stories will stay pending",
			"env", "TELEGRAM_BOT_TOKEN, TELEGRAM_CHANNEL_ID")
	}

	engine := poller.NewEngine(src, dedup, channel,
		activity.NewTracker(cfg.Polling.IntervalUnit),
		poller.EngineConfig{
			FetchTimeout: cfg.Polling.FetchTimeout,
			ProfileURL:   src.ProfileURL,
		},
		logging.WithPrefix("poller"),
	)

	supervisor := poller.NewSupervisor(engine, poller.SupervisorConfig{
		WarmupDelay:     cfg.Polling.WarmupDelay,
		RestartDelay:    cfg.Polling.RestartDelay,
		ErrorRetryDelay: cfg.Polling.ErrorRetryDelay,
		HealthInterval:  cfg.Polling.HealthInterval,
		SweepInterval:   cfg.Polling.SweepInterval,
		Retention:       cfg.Polling.Retention,
	}, logging.WithPrefix("poller"))

	if target := cfg.Polling.Target; target != "" {
		if cfg.Polling.AutoStart {
			if _, err := supervisor.Start(target); err != nil {
				return fmt.Errorf("failed to start polling: %w", err)
			}
		} else if _, err := supervisor.SetTarget(target); err != nil {
			return err
		}
	} else {
		logging.Info("no target configured, waiting for POST /target")
	}

	httpServer := server.NewServer(cfg.Server, supervisor, dedup, logging.WithPrefix("server"))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return httpServer.Start()
	})

	g.Go(func() error {
		return supervisor.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logging.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.Info("shutdown complete")
	return nil
}

// checkTelegram logs bot configuration problems and sends the optional
// startup notice. Failures here never stop the service.
func checkTelegram(ctx context.Context, bot *telegram.Client, cfg *config.Config) {
	checkCtx, cancel := context.WithTimeout(ctx, cfg.Telegram.RequestTimeout)
	defer cancel()

	info, err := bot.Validate(checkCtx)
	if err != nil {
		logging.Error("telegram validation failed", "err", err)
		return
	}
	logging.Info("telegram ready", "bot", info.BotUsername, "chat", info.ChatTitle, "chat_type", info.ChatType)

	if !cfg.Telegram.StartupNotice {
		return
	}
	text := "Story relay started"
	if cfg.Polling.Target != "" {
		text = fmt.Sprintf("Story relay started, watching <b>@%s</b>", html.EscapeString(cfg.Polling.Target))
	}
	if _, err := bot.SendText(checkCtx, text); err != nil {
		logging.Warn("startup notice failed", "err", err)
	}
}
