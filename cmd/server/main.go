package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"checkout-engine/config"
	"checkout-engine/internal/api"
	"checkout-engine/internal/broker"
	"checkout-engine/internal/redisclient"
	"checkout-engine/internal/service"
	"checkout-engine/internal/store"
	"checkout-engine/internal/util"
	"checkout-engine/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting checkout engine",
		zap.String("env", cfg.Server.Env),
		zap.String("port", cfg.Server.Port))

	if cfg.Observ.JaegerEndpoint != "" {
		tp, err := util.InitTracer("checkout-engine", cfg.Observ.JaegerEndpoint, cfg.Observ.TraceSampleRatio)
		if err != nil {
			logger.Fatal("Failed to initialize tracer", zap.Error(err))
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logger.Error("Error shutting down tracer", zap.Error(err))
			}
		}()
	}

	repo, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer repo.Close()

	var idempotency service.IdempotencyCache
	var redisClient *redisclient.Client
	if cfg.Redis.Addr != "" {
		redisClient, err = redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		idempotency = redisClient
		logger.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))
	}

	cartService := service.NewCartService(repo)
	checkoutService := service.NewCheckoutService(repo, idempotency, cfg.Checkout.IdempotencyTTL)
	orderService := service.NewOrderService(repo)
	paymentService := service.NewPaymentService(repo)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	var workers sync.WaitGroup

	var paymentWorker *worker.PaymentWorker
	if len(cfg.Kafka.Brokers) > 0 {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrderEvents)
		defer producer.Close()

		relay := worker.NewOutboxRelay(repo, producer, cfg.Checkout.OutboxPollInterval, cfg.Checkout.OutboxBatchSize)
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := relay.Start(workerCtx); err != nil && err != context.Canceled {
				logger.Error("Outbox relay error", zap.Error(err))
			}
		}()

		paymentConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPaymentEvents, cfg.Kafka.ConsumerGroup)
		paymentWorker = worker.NewPaymentWorker(paymentConsumer, paymentService)
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := paymentWorker.Start(workerCtx); err != nil && err != context.Canceled {
				logger.Error("Payment worker error", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("No Kafka brokers configured, outbox events stay in the database")
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(cartService, checkoutService, orderService)
	handler.AddReadinessCheck("database", repo.Ping)
	if redisClient != nil {
		handler.AddReadinessCheck("redis", redisClient.Ping)
	}
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

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Checkout.ShutdownGracePeriod)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	workers.Wait()
	if paymentWorker != nil {
		if err := paymentWorker.Stop(); err != nil {
			logger.Error("Error stopping payment worker", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}

// openStore returns the configured backend, migrating Postgres when asked
func openStore(cfg *config.Config, logger *zap.Logger) (store.Repository, error) {
	switch cfg.Database.Driver {
	case "memory":
		logger.Warn("Using in-memory store, data is lost on exit")
		return store.NewMemoryStore(cfg.Checkout.LockTimeout), nil

	case "postgres", "":
		db, err := store.NewStore(cfg.Database.URL, store.WithLockTimeout(cfg.Checkout.LockTimeout))
		if err != nil {
			return nil, err
		}
		if cfg.Database.AutoMigrate {
			if err := db.RunMigrations(); err != nil {
				db.Close()
				return nil, err
			}
			logger.Info("Database migrations applied")
		}
		logger.Info("Database connected")
		return db, nil
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
}
