// Package main contains the entrypoint for the ad-moderation bot daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/iraniu/adsbot/internal/config"
	"github.com/iraniu/adsbot/internal/conversation"
	"github.com/iraniu/adsbot/internal/database"
	"github.com/iraniu/adsbot/internal/dispatch"
	"github.com/iraniu/adsbot/internal/httpapi"
	"github.com/iraniu/adsbot/internal/lock"
	"github.com/iraniu/adsbot/internal/logger"
	"github.com/iraniu/adsbot/internal/submission"
	"github.com/iraniu/adsbot/internal/supervisor"
	"github.com/iraniu/adsbot/internal/telegram"
	"github.com/iraniu/adsbot/internal/worker"

	_ "modernc.org/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run wires all components, blocks until shutdown and returns the process
// exit code.
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat == "json")
	log.Info("Logger initialized", "level", cfg.LogLevel, "format", cfg.LogFormat)

	db, err := database.NewDB(cfg.DBPath)
	if err != nil {
		log.Error("Failed to open database", "path", cfg.DBPath, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	locks, err := newLockStore(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to connect to lock store", "error", err)
		return 1
	}

	client := telegram.NewClient(cfg.TelegramAPIBaseURL, log)

	subs := submission.NewService(store, log)
	engine := conversation.NewEngine(subs, subs, log)
	dispatcher := dispatch.New(client, store, locks, engine, log)

	sup := supervisor.New(client, store, dispatcher, supervisor.Options{
		TickInterval:         cfg.SupervisorInterval,
		WebhookCheckInterval: cfg.WebhookCheckInterval,
		HeartbeatThreshold:   cfg.HeartbeatThreshold,
		ShutdownGracePeriod:  cfg.ShutdownGracePeriod,
		Worker: worker.Options{
			PollTimeout:          cfg.PollTimeout,
			PollLimit:            cfg.PollLimit,
			MaxConsecutiveErrors: cfg.MaxConsecutiveErrors,
		},
	}, log)

	api := httpapi.New(store, client, dispatcher, cfg.WebhookBaseURL, log)
	httpServer := &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sup.Run(gctx)
	})

	g.Go(func() error {
		log.Info("HTTP server listening", "addr", cfg.HTTPListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	log.Info("Bot daemon started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Daemon stopped due to error", "error", err)
		return 1
	}

	log.Info("Daemon stopped gracefully")
	return 0
}

// newLockStore picks redis when configured so multiple nodes can share the
// dedup lock, and falls back to the in-process store otherwise.
func newLockStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (lock.Store, error) {
	if cfg.RedisAddr == "" {
		log.Info("Using in-process dedup lock store")
		return lock.NewMemoryStore(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, err
	}

	log.Info("Using redis dedup lock store", "addr", cfg.RedisAddr)
	return lock.NewRedisStore(client), nil
}
