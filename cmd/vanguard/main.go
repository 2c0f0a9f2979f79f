package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/vanguard-airsoft/vanguard/internal/account"
	"github.com/vanguard-airsoft/vanguard/internal/admin"
	"github.com/vanguard-airsoft/vanguard/internal/app"
	"github.com/vanguard-airsoft/vanguard/internal/auth"
	"github.com/vanguard-airsoft/vanguard/internal/guard"
	"github.com/vanguard-airsoft/vanguard/internal/observability"
	"github.com/vanguard-airsoft/vanguard/internal/platform/db"
	"github.com/vanguard-airsoft/vanguard/internal/profiles"
	"github.com/vanguard-airsoft/vanguard/internal/reconcile"
	"github.com/vanguard-airsoft/vanguard/internal/shared"
	"github.com/vanguard-airsoft/vanguard/jobs"
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

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, "vanguard_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)

	authRepo := auth.NewRepository(dbpool)
	provider := auth.NewProvider(authRepo, auth.ProviderConfig{
		Issuer:         cfg.JWTIssuer,
		SigningSecret:  []byte(cfg.JWTSecret),
		AccessTTL:      cfg.AccessTTL,
		RefreshTTL:     cfg.RefreshTTL,
		OAuthProviders: cfg.OAuthProviderList(),
	}, logger)

	profileStore := profiles.NewStore(dbpool)
	feed := profiles.NewFeed(redisClient, logger)

	metrics := observability.NewMetrics()

	core := reconcile.NewCore(provider, profileStore, reconcile.FeedAdapter{Feed: feed}, logger)
	g := guard.Guard{Core: core, Logger: logger, LoginPath: "/auth/login", HomePath: "/"}

	auditLogger := shared.NewAuditLogger(dbpool)
	jobsClient := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	adminService := admin.NewService(profileStore, auditLogger, feed, jobsClient, logger)
	adminHandler := admin.NewHandler(logger, adminService, g)
	accountHandler := account.NewHandler(logger, core, sessionManager, g)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		SessionManager: sessionManager,
		CSRFManager:    csrfManager,
		AccountHandler: accountHandler,
		AdminHandler:   adminHandler,
		Guard:          g,
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return core.Run(groupCtx)
	})

	group.Go(func() error {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.AppRequestTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("shutdown", slog.Any("error", err))
		os.Exit(1)
	}
}
