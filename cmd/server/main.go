package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crosslogic/deploy-control-plane/internal/auth"
	"github.com/crosslogic/deploy-control-plane/internal/billing"
	"github.com/crosslogic/deploy-control-plane/internal/cipher"
	"github.com/crosslogic/deploy-control-plane/internal/config"
	"github.com/crosslogic/deploy-control-plane/internal/deployments"
	"github.com/crosslogic/deploy-control-plane/internal/gateway"
	"github.com/crosslogic/deploy-control-plane/internal/idempotency"
	"github.com/crosslogic/deploy-control-plane/internal/notify"
	"github.com/crosslogic/deploy-control-plane/internal/provisioner"
	"github.com/crosslogic/deploy-control-plane/internal/scheduler"
	"github.com/crosslogic/deploy-control-plane/internal/store"
	"github.com/crosslogic/deploy-control-plane/pkg/cache"
	"github.com/crosslogic/deploy-control-plane/pkg/database"
	"github.com/crosslogic/deploy-control-plane/pkg/events"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting deploy control plane")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("connected to database")

	var redisCache *cache.Cache
	if cfg.Redis.Enabled() {
		redisCache, err = cache.NewCache(cfg.Redis)
		if err != nil {
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		}
		defer redisCache.Close()
		logger.Info("connected to Redis")
	} else {
		logger.Warn("REDIS_HOST not set; idempotency fast path disabled, falling back to store-only dedup")
	}

	eventBus := events.NewBus(logger)
	logger.Info("initialized event bus")

	cph, err := cipher.New(cfg.Security.EncryptionPassphrase)
	if err != nil {
		logger.Fatal("failed to initialize cipher", zap.Error(err))
	}

	dataStore := store.NewPostgres(db)

	checkoutGuard := idempotency.NewCheckoutGuard(dataStore, redisCache, 30*time.Second)
	webhookGuard := idempotency.NewWebhookGuard(dataStore, redisCache, 5*time.Minute)

	authResolver, err := auth.New(cfg.Security, cfg.Billing.DefaultTenantID)
	if err != nil {
		logger.Fatal("failed to initialize auth resolver", zap.Error(err))
	}

	paymentGateway := billing.NewStripeGateway(cfg.Billing.StripeSecretKey)
	stateMachine := billing.NewStateMachine(dataStore, eventBus, logger)
	checkoutService := billing.NewCheckoutService(dataStore, cph, paymentGateway, stateMachine, cfg.Billing)
	bridge := billing.NewBridge(dataStore, cph, stateMachine, logger)
	webhookHandler := billing.NewWebhookHandler(cfg.Billing.StripeWebhookSecret, dataStore, webhookGuard, stateMachine, bridge, cfg.Billing, logger)
	logger.Info("initialized billing components")

	deploymentService := deployments.New(dataStore, cph, eventBus)

	if cfg.Notify.Enabled() {
		adapter := notify.NewWebhookAdapter(cfg.Notify.URL, cfg.Notify.Secret, cfg.Notify.Method, nil, logger)
		notify.RegisterHooks(eventBus, adapter)
		logger.Info("registered outbound notification webhook")
	}

	var rateLimiter *gateway.RateLimiter
	if redisCache != nil {
		rateLimiter = gateway.NewRateLimiter(redisCache, logger, 60)
	} else {
		logger.Warn("rate limiting disabled: no Redis configured")
	}

	gw := gateway.NewGateway(gateway.Deps{
		Store:          dataStore,
		Cache:          redisCache,
		Logger:         logger,
		AuthResolver:   authResolver,
		RateLimiter:    rateLimiter,
		Checkout:       checkoutService,
		CheckoutGuard:  checkoutGuard,
		WebhookHandler: webhookHandler,
		Bridge:         bridge,
		Deployments:    deploymentService,
		AdminToken:     cfg.Security.AdminToken,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopHealthMetrics := make(chan struct{})
	gw.StartHealthMetrics(stopHealthMetrics)

	var sched *scheduler.Scheduler
	if cfg.Worker.Enabled {
		provisionerClient := provisioner.NewSimulated(logger)
		sched = scheduler.New(dataStore, provisionerClient, cph, eventBus, logger, cfg.Worker.TickInterval, cfg.Worker.LeaseMs)
		sched.Start(ctx)
		logger.Info("started deployment scheduler",
			zap.Duration("tick_interval", cfg.Worker.TickInterval),
			zap.Int64("lease_ms", cfg.Worker.LeaseMs),
		)
	} else {
		logger.Warn("WORKER_ENABLED=false; deployments will not be provisioned")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	close(stopHealthMetrics)
	if sched != nil {
		sched.Stop()
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}
