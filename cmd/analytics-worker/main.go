package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/streamfair-backend/internal/analytics"
	"github.com/angelmondragon/streamfair-backend/pkg/bigquery"
	"github.com/angelmondragon/streamfair-backend/pkg/config"
	"github.com/angelmondragon/streamfair-backend/pkg/logger"
	"github.com/angelmondragon/streamfair-backend/pkg/pubsub"
	"github.com/angelmondragon/streamfair-backend/pkg/redis"
)

func main() {
	ctx := context.Background()
	logg := logger.New(logger.Options{ServiceName: "analytics-worker"})

	_ = godotenv.Load()

	cfg, err := config.Load()
	requireResource(ctx, logg, "config", err)

	cfg.Service.Kind = "analytics-worker"

	logg = logger.New(logger.Options{
		ServiceName: "analytics-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	var deduper analytics.Deduper
	if cfg.Redis.Enabled() {
		redisClient, err := redis.New(ctx, cfg.Redis, logg)
		requireResource(ctx, logg, "redis", err)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logg.Error(ctx, "failed to close redis client", err)
			}
		}()
		deduper = redisClient
	} else {
		logg.Warn(ctx, "redis not configured; duplicate deliveries rely on bigquery insert ids")
	}

	pubsubClient, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
	requireResource(ctx, logg, "pubsub", err)
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logg.Error(ctx, "failed to close pubsub client", err)
		}
	}()

	subscription, err := pubsubClient.Subscription(ctx, cfg.PubSub.AnalyticsSubscription)
	requireResource(ctx, logg, "analytics subscription", err)

	bqClient, err := bigquery.NewClient(ctx, cfg.GCP, cfg.BigQuery, logg)
	requireResource(ctx, logg, "bigquery client", err)
	defer func() {
		if err := bqClient.Close(); err != nil {
			logg.Error(ctx, "failed to close bigquery client", err)
		}
	}()

	schema, err := analytics.WatchFactsSchema()
	requireResource(ctx, logg, "watch facts schema", err)
	requireResource(ctx, logg, "watch facts table", bqClient.EnsureTable(ctx, cfg.BigQuery.WatchFactsTable, schema))

	writer, err := analytics.NewBigQueryWriter(bqClient, cfg.BigQuery.WatchFactsTable, analytics.RetryPolicy{
		MaxAttempts: cfg.Analytics.InsertMaxAttempts,
	})
	requireResource(ctx, logg, "analytics bigquery writer", err)

	consumer, err := analytics.NewConsumer(analytics.ConsumerParams{
		Subscription: subscription,
		Writer:       writer,
		Deduper:      deduper,
		DedupeTTL:    cfg.Analytics.DedupeTTL,
		Logger:       logg,
	})
	requireResource(ctx, logg, "analytics consumer", err)

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx = logg.WithFields(runCtx, map[string]any{
		"env":          cfg.App.Env,
		"serviceKind":  cfg.Service.Kind,
		"subscription": cfg.PubSub.AnalyticsSubscription,
	})
	logg.Info(runCtx, "analytics worker ready")

	if err := consumer.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(runCtx, "analytics worker failed", err)
		os.Exit(1)
	}
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
