package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"fulfillment-service/config"
	"fulfillment-service/internal/api"
	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/clock"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"
	"fulfillment-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const serviceName = "fulfillment-service"

func main() {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, serviceName); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting fulfillment service")

	tp, err := util.InitTracer(serviceName, cfg.Observ.JaegerEndpoint)
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

	db, err := store.NewStore(cfg.Database.URL, cfg.Database.MaxOpenConns)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	if cfg.Database.ApplySchema {
		if err := db.ApplySchema(context.Background()); err != nil {
			logger.Fatal("Failed to apply schema", zap.Error(err))
		}
	}

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Stock.CacheTTL)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	locator := redisClient.Warehouses(cfg.Stock.WarehouseRadiusKM)
	for _, site := range cfg.Stock.WarehouseSites {
		if err := locator.Register(context.Background(), site.ID, site.Lat, site.Lng); err != nil {
			logger.Fatal("Failed to register warehouse", zap.Int64("warehouse_id", site.ID), zap.Error(err))
		}
	}

	dispatchProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicDispatch)
	defer dispatchProducer.Close()
	alertProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicAlerts)
	defer alertProducer.Close()
	notificationProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications)
	defer notificationProducer.Close()
	publisher := broker.NewEventPublisher(dispatchProducer, alertProducer, notificationProducer)

	stockCache := service.NewStockCache(redisClient, db, nil)
	reservations := service.NewReservationCoordinator(db, stockCache, service.ReservationConfig{
		ResyncTimeout:     cfg.Stock.ResyncTimeout,
		ResyncConcurrency: cfg.Stock.ResyncConcurrency,
	}, nil)
	allocator := service.NewFIFOAllocator(db, db, nil)
	assigner := service.NewDispatchAssigner(db, db, db, publisher, publisher, service.DispatchConfig{
		MaxActiveJobsPerCourier: cfg.Dispatch.MaxActiveJobsPerCourier,
		CandidateLimit:          cfg.Dispatch.CandidateLimit,
	}, nil)
	retries := service.NewAssignmentRetryScheduler(db, db, db, assigner, publisher, clock.NewSystem(), service.RetryConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		Delay:       cfg.Retry.Delay,
		ClaimBatch:  cfg.Retry.ClaimBatch,
		ClaimLease:  cfg.Retry.ClaimLease,
		Parallelism: cfg.Retry.Parallelism,
	}, nil)
	flow := service.NewOrderFlow(db, reservations, allocator, assigner, retries, locator, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orderConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.ConsumerGroup)
	orderWorker := worker.NewOrderWorker(orderConsumer, flow, db)
	retryWorker := worker.NewRetryWorker(retries, cfg.Retry.PollInterval)

	workers, workerCtx := errgroup.WithContext(ctx)
	workers.Go(func() error { return orderWorker.Start(workerCtx) })
	workers.Go(func() error { return retryWorker.Start(workerCtx) })

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(map[string]api.Pinger{
		"postgres": db,
		"redis":    redisClient,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// A worker that dies takes the process down with it.
	<-workerCtx.Done()
	stop()
	logger.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	if err := workers.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Worker exited with error", zap.Error(err))
	}
	if err := orderWorker.Stop(); err != nil {
		logger.Warn("Failed to close order consumer", zap.Error(err))
	}

	if err := assigner.Drain(shutdownCtx); err != nil {
		logger.Warn("Pending courier notifications abandoned", zap.Error(err))
	}
	if err := reservations.Drain(shutdownCtx); err != nil {
		logger.Warn("Pending cache resyncs abandoned", zap.Error(err))
	}

	logger.Info("Server exited")
}
