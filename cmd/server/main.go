package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"payswitch/config"
	"payswitch/internal/adapter"
	"payswitch/internal/alert"
	"payswitch/internal/api"
	"payswitch/internal/broker"
	"payswitch/internal/notify"
	"payswitch/internal/redisclient"
	"payswitch/internal/service"
	"payswitch/internal/store"
	"payswitch/internal/util"
	"payswitch/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := util.InitLogger(util.LogConfig{
		Env:     cfg.Server.Env,
		Level:   cfg.Observ.LogLevel,
		Service: cfg.Observ.ServiceName,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting payswitch", zap.String("env", cfg.Server.Env))

	tp, err := util.InitTracer(util.TracingConfig{
		ServiceName:    cfg.Observ.ServiceName,
		Env:            cfg.Server.Env,
		JaegerEndpoint: cfg.Observ.JaegerEndpoint,
		SampleRatio:    cfg.Observ.SampleRatio,
	})
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

	db, err := store.NewStore(cfg.Database.URL, store.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	if !cfg.Database.SkipMigrate {
		if err := db.Migrate(); err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
	}

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	alertProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicAlerts)
	defer alertProducer.Close()
	logger.Info("Kafka producers initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	alerter := alert.NewDispatcher(cfg.Alert.PerMinute, cfg.Alert.Burst,
		alert.NewLogSink(logger.Named("alert")),
		alert.NewKafkaSink(alertProducer),
	)
	defer alerter.Wait()

	registry := adapter.NewRegistry()
	registry.Register(adapter.SandboxCode, adapter.NewSandbox)
	gatewayClient := &http.Client{Timeout: cfg.Business.AdapterTimeout}
	registry.Register(adapter.GatewayCode, func() adapter.SupplierAdapter {
		return adapter.NewGateway(gatewayClient)
	})
	logger.Info("Supplier adapters registered", zap.Strings("codes", registry.Codes()))

	strategy, err := service.ParseStrategy(cfg.Business.Strategy)
	if err != nil {
		logger.Fatal("Invalid selection strategy", zap.Error(err))
	}

	notifyCfg := notify.DefaultConfig()
	notifyCfg.BaseBackoff = cfg.Notify.BaseBackoff
	notifyCfg.MaxBackoff = cfg.Notify.MaxBackoff
	notifyCfg.MaxAttempts = cfg.Notify.MaxAttempts
	notifyCfg.FailureThreshold = cfg.Notify.FailureThreshold
	notifyCfg.FailureWindow = cfg.Notify.FailureWindow
	notifyCfg.BreakerCooldown = cfg.Notify.BreakerCooldown
	notifyCfg.SlowThreshold = cfg.Notify.SlowThreshold
	notifyCfg.SlowWindow = cfg.Notify.SlowWindow
	notifyCfg.RequestTimeout = cfg.Notify.RequestTimeout
	notifyCfg.SuccessToken = cfg.Notify.SuccessToken
	notifyCfg.FirstDelay = cfg.Notify.FirstDelay
	notifyCfg.GracePeriod = cfg.Notify.GracePeriod

	notifyClient := &http.Client{Timeout: cfg.Notify.RequestTimeout}
	engine := notify.NewEngine(redisClient, db, notifyClient, alerter, notifyCfg)

	validator := service.NewChannelValidator(db)
	selector := service.NewChannelSelector(redisClient, strategy)
	executor := service.NewPaymentExecutor(registry, alerter, util.NewChannelMonitor(), cfg.Business.AdapterTimeout)

	orderService, err := service.NewOrderService(db, db, redisClient, validator, selector, executor,
		eventPublisher, engine, alerter, service.OrderConfig{
			LeaseTTL:        cfg.Business.LeaseTTL,
			OrderTTL:        cfg.Business.OrderTTL,
			ExistsCacheTTL:  cfg.Business.ExistsCacheTTL,
			ProductCacheTTL: cfg.Business.ProductCacheTTL,
			ProductMissTTL:  cfg.Business.ProductMissTTL,
		})
	if err != nil {
		logger.Fatal("Failed to create order service", zap.Error(err))
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	var workers sync.WaitGroup

	orderConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.ConsumerGroup)
	orderWorker := worker.NewOrderEventWorker(orderConsumer, db, engine)
	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := orderWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Order event worker error", zap.Error(err))
		}
	}()

	delivery := worker.NewDeliveryWorker(engine, cfg.Notify.Concurrency, cfg.Notify.IdleSleep)
	workers.Add(1)
	go func() {
		defer workers.Done()
		delivery.Start(workerCtx)
	}()

	background := worker.NewBackgroundTasks(engine, orderService, worker.Intervals{
		Promote:     cfg.Notify.PromoteInterval,
		Sweep:       cfg.Notify.SweepInterval,
		Expire:      cfg.Business.ExpireInterval,
		QueueStats:  cfg.Notify.StatsInterval,
		ExpireBatch: cfg.Business.ExpireBatch,
	})
	background.StartAll(workerCtx)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.Auth.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN is empty, admin routes are locked")
	}

	router := gin.New()
	handler := api.NewHandler(orderService, db, engine, db,
		api.Config{AdminToken: cfg.Auth.AdminToken, SupplierToken: cfg.Auth.SupplierToken},
		api.ReadinessCheck{Name: "postgres", Check: db.Ping},
		api.ReadinessCheck{Name: "redis", Check: redisClient.Ping},
	)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := orderWorker.Stop(); err != nil {
		logger.Error("Error stopping order event worker", zap.Error(err))
	}
	workers.Wait()
	background.Wait()

	logger.Info("Server exited")
}
