package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/ultra-agency/ultra/internal/accounts"
	"github.com/ultra-agency/ultra/internal/app"
	"github.com/ultra-agency/ultra/internal/audit"
	"github.com/ultra-agency/ultra/internal/auth"
	"github.com/ultra-agency/ultra/internal/documents"
	"github.com/ultra-agency/ultra/internal/matches"
	"github.com/ultra-agency/ultra/internal/messages"
	"github.com/ultra-agency/ultra/internal/observability"
	"github.com/ultra-agency/ultra/internal/platform/cache"
	"github.com/ultra-agency/ultra/internal/platform/db"
	"github.com/ultra-agency/ultra/internal/rbac"
	"github.com/ultra-agency/ultra/internal/realtime"
	"github.com/ultra-agency/ultra/internal/rewards"
	"github.com/ultra-agency/ultra/internal/schedules"
	"github.com/ultra-agency/ultra/internal/shared"
	"github.com/ultra-agency/ultra/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN, 0)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	secretBox, err := accounts.NewSecretBox(cfg.SecretBoxKey)
	if err != nil {
		logger.Error("init secret box", slog.Any("error", err))
		os.Exit(1)
	}
	store, err := documents.NewDiskStorage(cfg.DocumentsDir)
	if err != nil {
		logger.Error("init document storage", slog.Any("error", err))
		os.Exit(1)
	}

	sessionManager := shared.NewSessionManager(redisClient, "ultra_session", cfg.SessionSecret, cfg.SessionTTL, cfg.SessionIdleTimeout, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	metrics := observability.NewMetrics()

	auditLogger := shared.NewAuditLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)
	feed := realtime.NewFeed(redisClient, logger)
	summaryCache := realtime.NewCache(redisClient, "ultra", cfg.CacheTTL)

	redisOpts, err := cache.QueueOptions(cfg.RedisAddr)
	if err != nil {
		logger.Error("queue options", slog.Any("error", err))
		os.Exit(1)
	}
	jobClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	authService := auth.NewService(auth.NewRepository(dbpool))
	accountService := accounts.NewService(accounts.NewRepository(dbpool), secretBox, auditLogger, feed, logger)
	rbacMiddleware := rbac.Middleware{Loader: accountService, Logger: logger, Observer: metrics}

	scheduleService := schedules.NewService(schedules.NewRepository(dbpool), accountService, auditLogger, feed, logger)
	rewardService := rewards.NewService(rewards.NewRepository(dbpool), accountService, summaryCache, auditLogger, feed, logger)
	matchService := matches.NewService(matches.NewRepository(dbpool), accountService, auditLogger, feed, logger)
	messageService := messages.NewService(messages.NewRepository(dbpool), accountService, idempotencyStore, feed, logger)
	documentService := documents.NewService(documents.NewRepository(dbpool), store, accountService, jobClient, auditLogger, feed, logger)
	rewardService.UseCounters(rewards.Counters{
		Accounts:  accountService,
		Schedules: scheduleService,
		Documents: documentService,
		Messages:  messageService,
	})

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		SessionManager:   sessionManager,
		CSRFManager:      csrfManager,
		RBACMiddleware:   rbacMiddleware,
		Metrics:          metrics,
		AuthHandler:      auth.NewHandler(logger, authService, sessionManager, csrfManager),
		AccountsHandler:  accounts.NewHandler(logger, accountService, rbacMiddleware),
		AuditHandler:     audit.NewHandler(logger, audit.NewService(audit.NewRepository(dbpool), logger)),
		SchedulesHandler: schedules.NewHandler(logger, scheduleService),
		RewardsHandler:   rewards.NewHandler(logger, rewardService),
		MatchesHandler:   matches.NewHandler(logger, matchService),
		MessagesHandler:  messages.NewHandler(logger, messageService),
		DocumentsHandler: documents.NewHandler(logger, documentService),
		RealtimeHandler:  realtime.NewHandler(feed, logger),
		JobHandler:       jobs.NewHandler(inspector, logger),
	})

	server := &http.Server{
		Addr:              cfg.AppAddr,
		Handler:           router,
		ReadTimeout:       cfg.AppReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.AppWriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
