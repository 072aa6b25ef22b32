package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"checkin-platform/internal/audit"
	"checkin-platform/internal/auth"
	"checkin-platform/internal/calls"
	"checkin-platform/internal/config"
	"checkin-platform/internal/dispatch"
	"checkin-platform/internal/httpapi"
	"checkin-platform/internal/orchestration"
	"checkin-platform/internal/queue"
	"checkin-platform/internal/reporting"
	"checkin-platform/internal/settings"
	"checkin-platform/pkg/logger"
	"checkin-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	provider, err := orchestration.NewLiveKitProvider(orchestration.LiveKitConfig{
		URL:       cfg.LiveKit.URL,
		APIKey:    cfg.LiveKit.APIKey,
		APISecret: cfg.LiveKit.APISecret,
	})
	if err != nil {
		log.Error("orchestration init failed", "err", err)
		os.Exit(1)
	}

	// Stores and services
	queueStore := queue.NewPostgresStore(db)
	callStore := calls.NewPostgresStore(db)
	settingsProvider := settings.NewPostgresProvider(db)
	trail := audit.NewService(audit.NewPostgresRepo(db))
	tracker := calls.NewTracker(callStore, log)
	reports := reporting.NewService(reporting.NewPostgresRepo(callStore))

	reconciler := dispatch.NewReconciler(queueStore, settingsProvider, cfg.Dispatch.MaxAttempts, log)
	dispatcher := dispatch.NewDispatcher(
		queueStore,
		settingsProvider,
		tracker,
		provider,
		reconciler,
		trail,
		rdb,
		dispatch.Config{
			PollInterval:   cfg.Dispatch.PollInterval,
			SessionTimeout: cfg.Dispatch.SessionTimeout,
			MaxAttempts:    cfg.Dispatch.MaxAttempts,
			StaleAfter:     cfg.Dispatch.StaleAfter,
			GuardTTL:       cfg.Dispatch.GuardTTL,
		},
		log,
	)

	// Background dispatch loop
	go dispatcher.Run(rootCtx)

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	handlers := httpapi.Handlers{
		Auth:       authManager,
		Dispatcher: dispatcher,
		Queue:      queueStore,
		Calls:      callStore,
		Settings:   settingsProvider,
		Reports:    reports,
	}
	webhook := orchestration.StatusWebhookHandler{Tracker: tracker}

	registerRoutes(r, handlers, webhook, auth.RequireAccessToken(authManager))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
