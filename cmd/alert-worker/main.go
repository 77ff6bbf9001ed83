// Package main 预算告警消费者入口（alert-worker）
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"content-pipeline-api/internal/config"
	"content-pipeline-api/internal/domain/service"
	"content-pipeline-api/internal/infrastructure/messaging"
	"content-pipeline-api/internal/infrastructure/persistence/redis"
	"content-pipeline-api/pkg/logger"
	"content-pipeline-api/pkg/tracer"
)

const dlqAlertThreshold = 100

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := tracer.Init(ctx, tracer.Config{
		ServiceName:    cfg.App.Name + "-alert-worker",
		ServiceVersion: cfg.App.Version,
		Environment:    cfg.App.Env,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SampleRate:     cfg.Observability.Tracing.SampleRate,
		Enabled:        cfg.Observability.Tracing.Enabled,
	})
	if err != nil {
		logger.Fatal(ctx, "failed to init tracer", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	redisClient, err := redis.NewClient(&cfg.Cache.Redis)
	if err != nil {
		logger.Fatal(ctx, "failed to init redis", err)
	}
	defer func() { _ = redisClient.Close() }()

	streamCfg := cfg.Messaging.RedisStream
	consumer := messaging.NewConsumer(redisClient.Redis(), messaging.ConsumerConfig{
		Stream:        messaging.StreamCostAlert,
		Group:         messaging.AlertWorkerGroup(streamCfg.ConsumerGroupPrefix),
		ConsumerName:  hostnameConsumerName(),
		BlockTimeout:  streamCfg.BlockTimeout,
		ClaimInterval: streamCfg.ClaimInterval,
		RetryLimit:    streamCfg.RetryLimit,
		Backoff:       messaging.BackoffFromConfig(streamCfg.RetryBackoff),
	})

	consumer.RegisterHandler(messaging.TypeBudgetAlert, messaging.AlertHandler(
		func(ctx context.Context, event service.AlertEvent) error {
			logger.Warn(ctx, "budget alert received",
				"kind", event.Kind,
				"threshold", event.Threshold,
				"daily_cost", event.DailyCost,
				"message", event.Message,
				"fired_at", time.Unix(event.FiredAt, 0).UTC().Format(time.RFC3339),
			)
			return nil
		},
	))

	if err := consumer.Start(ctx); err != nil {
		logger.Fatal(ctx, "failed to start consumer", err)
	}
	go consumer.MonitorDLQ(ctx, dlqAlertThreshold, time.Minute)

	log := logger.FromContext(ctx)
	log.Info("alert-worker started", "stream", string(messaging.StreamCostAlert))

	<-ctx.Done()

	log.Info("alert-worker shutting down")
	consumer.Stop()
}

func hostnameConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
