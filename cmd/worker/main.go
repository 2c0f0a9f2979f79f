package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/vanguard-airsoft/vanguard/internal/app"
	"github.com/vanguard-airsoft/vanguard/internal/auth"
	jobmetrics "github.com/vanguard-airsoft/vanguard/internal/jobs"
	"github.com/vanguard-airsoft/vanguard/internal/platform/db"
	"github.com/vanguard-airsoft/vanguard/internal/profiles"
	"github.com/vanguard-airsoft/vanguard/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	feed := profiles.NewFeed(redisClient, logger)
	authRepo := auth.NewRepository(dbpool)
	metrics := jobmetrics.NewMetrics(nil)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskRoleDriftScan, Handler: jobs.NewDriftScanHandler(dbpool, feed, metrics, logger)},
			{Type: jobs.TaskTokenPrune, Handler: jobs.NewTokenPruneHandler(authRepo, metrics, logger)},
			{Type: jobs.TaskRoleNotify, Handler: jobs.NewRoleNotifyHandler(metrics, logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "@every 1h", Task: jobs.NewRoleDriftScanTask()},
			{Spec: "@daily", Task: jobs.NewTokenPruneTask()},
		},
	})
	if err != nil {
		logger.Error("build worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
