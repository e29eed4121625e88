package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crm-wa/internal/ai"
	"crm-wa/internal/cache"
	"crm-wa/internal/config"
	"crm-wa/internal/dedup"
	"crm-wa/internal/httpserver"
	"crm-wa/internal/ingest"
	"crm-wa/internal/logging"
	"crm-wa/internal/metrics"
	"crm-wa/internal/notify"
	"crm-wa/internal/quota"
	"crm-wa/internal/repo"
	"crm-wa/internal/responder"
	"crm-wa/internal/session"
	"crm-wa/internal/wameow"
	"crm-wa/migrations"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting crm-wa", "env", cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	var store repo.Store
	if cfg.DatabaseURL != "" {
		store, err = repo.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
	} else {
		logger.Info("DATABASE_URL not set, using sqlite", "path", cfg.SQLitePath)
		store, err = repo.NewSQLite(ctx, cfg.SQLitePath, logger)
	}
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer store.Close()

	if err := store.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	redisClient := cache.New(cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		UseTLS:   cfg.RedisTLS,
	}, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("failed closing redis", "error", err)
		}
	}()

	var claims dedup.Cache
	redisUp := redisClient.Ping(ctx) == nil
	if redisUp {
		claims = dedup.NewRedis(redisClient, cfg.DedupWindow, logger)
	} else {
		logger.Warn("redis unavailable, using in-memory dedup", "addr", cfg.RedisAddr)
		claims = dedup.NewMemory(cfg.DedupWindow)
	}

	hub := notify.NewHub(0)
	ledger := quota.New(store, metricRegistry, logger)

	dialer, err := wameow.NewDialer(wameow.Config{
		StoreDir: cfg.SessionStoreDir,
		LogLevel: cfg.WhatsAppLogLevel,
	}, logger, metricRegistry)
	if err != nil {
		return fmt.Errorf("init wa dialer: %w", err)
	}

	manager := session.NewManager(dialer, store, hub, metricRegistry, logger, session.Config{
		ConnectTimeout: cfg.ConnectTimeout,
		SendTimeout:    cfg.SendTimeout,
		QRValidity:     cfg.QRValidity,
		StaleAfter:     cfg.SessionStaleAfter,
		TagSetCapacity: cfg.SentTagSetCapacity,
	})
	if redisUp {
		manager.SetQRMirror(redisClient)
	}

	aiClient := ai.New(ai.Config{
		BaseURL: cfg.AIBaseURL,
		APIKey:  cfg.AIAPIKey,
		Model:   cfg.AIModel,
		Timeout: cfg.AITimeout,
	}, logger, metricRegistry)

	autoReply := responder.New(store, ledger, aiClient, manager, hub, metricRegistry, logger, responder.Config{
		HistoryDepth:        cfg.HistoryDepth,
		DefaultSystemPrompt: cfg.AISystemPrompt,
	})

	pipeline := ingest.New(store, claims, hub, metricRegistry, logger)
	pipeline.SetResponder(autoReply)
	manager.SetMessageProcessor(pipeline)

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Dependencies{
		Manager: manager,
		Store:   store,
		Ledger:  ledger,
		Hub:     hub,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	manager.Shutdown(shutdownCtx)

	return nil
}
