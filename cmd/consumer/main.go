package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coupon-service/config"
	"coupon-service/internal/broker"
	"coupon-service/internal/redisclient"
	"coupon-service/internal/store"
	"coupon-service/internal/util"
	"coupon-service/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env, cfg.Observ.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting persistence consumer", zap.String("config", cfg.String()))

	tp, err := util.InitTracer(util.ServiceName+"-consumer", cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()

	placement, err := cfg.Placement()
	if err != nil {
		logger.Fatal("Invalid shard configuration", zap.Error(err))
	}

	results, err := store.NewShardedStore(cfg.Shards.URLs, placement)
	if err != nil {
		logger.Fatal("Failed to connect to shards", zap.Error(err))
	}
	defer results.Close()

	if err := results.EnsureSchema(context.Background()); err != nil {
		logger.Fatal("Failed to apply schema", zap.Error(err))
	}

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()

	retry := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	defer retry.Close()
	deadLetter := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.DeadLetterTopic)
	defer deadLetter.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := worker.NewKafkaPool(cfg.Kafka.Workers, broker.ConsumerConfig{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.Topic,
		GroupID:  cfg.Kafka.ConsumerGroup,
		Prefetch: cfg.Kafka.Prefetch,
	}, retry, deadLetter, results, redisClient, worker.Options{MaxRetries: cfg.Kafka.MaxRetries})
	pool.Start(ctx)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Observ.PrometheusPort),
		Handler: metricsMux,
	}
	go func() {
		logger.Info("Serving metrics", zap.String("port", cfg.Observ.PrometheusPort))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("Persistence workers started",
		zap.Int("workers", cfg.Kafka.Workers),
		zap.String("placement", placement.Name()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down consumer...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Error stopping metrics server", zap.Error(err))
	}

	cancel()
	if err := pool.Stop(); err != nil {
		logger.Warn("Error stopping persistence workers", zap.Error(err))
	}
	logger.Info("Consumer exited")
}
