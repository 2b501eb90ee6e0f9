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
	"coupon-service/internal/api"
	"coupon-service/internal/broker"
	"coupon-service/internal/redisclient"
	"coupon-service/internal/service"
	"coupon-service/internal/store"
	"coupon-service/internal/util"
	"coupon-service/internal/worker"

	"github.com/gin-gonic/gin"
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
	logger.Info("Starting coupon service", zap.String("config", cfg.String()))

	tp, err := util.InitTracer(util.ServiceName, cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
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

	ctx := context.Background()
	if err := results.EnsureSchema(ctx); err != nil {
		logger.Fatal("Failed to apply schema", zap.Error(err))
	}
	logger.Info("Shards connected", zap.String("placement", placement.Name()))

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	seedStock(ctx, redisClient, cfg.Business.SeedStock)

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.Topic))

	grabService := service.NewGrabService(redisClient, broker.NewEventPublisher(producer), service.GrabOptions{
		Timeout:            cfg.Business.GrabTimeout,
		PublishFailedGrabs: cfg.Business.PublishFailedGrabs,
	})
	queryService := service.NewQueryService(results, redisClient, service.CacheOptions{
		TTL:      cfg.Business.CacheTTL,
		Jitter:   cfg.Business.CacheTTLJitter,
		EmptyTTL: cfg.Business.CacheEmptyTTL,
	})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var pool *worker.Pool
	if cfg.Server.RunWorkers {
		deadLetter := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.DeadLetterTopic)
		defer deadLetter.Close()

		pool = worker.NewKafkaPool(cfg.Kafka.Workers, broker.ConsumerConfig{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			GroupID:  cfg.Kafka.ConsumerGroup,
			Prefetch: cfg.Kafka.Prefetch,
		}, producer, deadLetter, results, redisClient, worker.Options{MaxRetries: cfg.Kafka.MaxRetries})
		pool.Start(workerCtx)
		logger.Info("Persistence workers started", zap.Int("workers", cfg.Kafka.Workers))
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(grabService, queryService, map[string]api.ReadinessCheck{
		"redis":  redisClient.Ping,
		"shards": results.Ping,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if pool != nil {
		if err := pool.Stop(); err != nil {
			logger.Warn("Error stopping persistence workers", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}

// seedStock provisions configured coupons without touching existing counters
func seedStock(ctx context.Context, client *redisclient.Client, seed map[int64]int64) {
	logger := util.GetLogger()
	for couponID, quantity := range seed {
		created, err := client.ProvisionStockIfAbsent(ctx, couponID, quantity)
		if err != nil {
			logger.Error("Failed to seed stock", zap.Int64("coupon_id", couponID), zap.Error(err))
			continue
		}
		if created {
			logger.Info("Stock seeded", zap.Int64("coupon_id", couponID), zap.Int64("quantity", quantity))
		}
	}
}
