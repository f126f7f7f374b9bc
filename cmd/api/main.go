package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carserv/carserv-platform/internal/api/router"
	"github.com/carserv/carserv-platform/internal/app/bootstrap"
	"github.com/carserv/carserv-platform/internal/appointments"
	"github.com/carserv/carserv-platform/internal/catalog"
	appconfig "github.com/carserv/carserv-platform/internal/config"
	"github.com/carserv/carserv-platform/internal/events"
	"github.com/carserv/carserv-platform/internal/observability/metrics"
	"github.com/carserv/carserv-platform/internal/payments"
	"github.com/carserv/carserv-platform/internal/refunds"
	"github.com/carserv/carserv-platform/internal/slots"
	"github.com/carserv/carserv-platform/internal/subscriptions"
	"github.com/carserv/carserv-platform/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting carserv API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	registry := prometheus.NewRegistry()
	settlementMetrics := metrics.NewSettlementMetrics(registry)

	outbox := events.NewOutboxStore(pool)
	processed := events.NewProcessedStore(pool)
	catalogRepo := catalog.NewRepository(pool)
	slotLedger := slots.NewLedger(pool)
	subsRepo := subscriptions.NewRepository(pool)
	apptRepo := appointments.NewRepository(pool)
	intentRepo := payments.NewRepository(pool)
	refundRepo := refunds.NewRepository(pool)

	refunder, err := bootstrap.BuildRefunder(cfg, logger)
	if err != nil {
		logger.Error("failed to build refund gateway", "error", err)
		os.Exit(1)
	}
	refundService := refunds.NewService(pool, refundRepo, apptRepo, intentRepo, refunder, outbox, settlementMetrics, logger)

	appointmentService := appointments.NewService(pool, apptRepo, catalogRepo, slotLedger, subsRepo, outbox, refundRepo, settlementMetrics, logger)

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	velocity := payments.NewVelocityChecker(redisClient, payments.VelocityConfig{
		Enabled:        cfg.PaymentVelocityEnabled,
		MaxPerCustomer: cfg.MaxIntentsPerCustomer,
		Window:         cfg.IntentVelocityWindow,
	}, logger)

	paymentService := payments.NewService(pool, intentRepo, apptRepo, velocity, outbox, settlementMetrics, logger, payments.ServiceConfig{
		DefaultCurrency: cfg.DefaultCurrency,
		IntentExpiry:    cfg.PaymentIntentExpiry,
		GatewayName:     cfg.GatewayProvider,
	})

	var webhookHandler *payments.WebhookHandler
	gateway, err := bootstrap.BuildPaymentGateway(cfg, logger)
	if err != nil {
		logger.Error("failed to build payment gateway", "error", err)
		os.Exit(1)
	}
	if gateway != nil {
		webhookHandler = payments.NewWebhookHandler(paymentService, gateway, processed, logger)
	}

	// Outbox delivery to the notification queue runs alongside the API so
	// booking and payment events reach downstream consumers without a
	// separate deployment.
	if cfg.NotificationQueueURL != "" {
		awsCfg, err := bootstrap.LoadAWSConfig(ctx, cfg)
		if err != nil {
			logger.Error("failed to load AWS config", "error", err)
			os.Exit(1)
		}
		sqsClient := sqs.NewFromConfig(awsCfg)
		deliverer := events.NewDeliverer(outbox, events.NewSQSDeliveryHandler(sqsClient, cfg.NotificationQueueURL), logger).
			WithInterval(cfg.OutboxDeliverInterval)
		go deliverer.Start(ctx)
	}

	routerCfg := &router.Config{
		Logger:              logger,
		AppointmentsHandler: appointments.NewHandler(appointmentService, logger),
		PaymentsHandler:     payments.NewHandler(paymentService, logger),
		PaymentsWebhook:     webhookHandler,
		RefundsHandler:      refunds.NewHandler(refundService, logger),
		MetricsHandler:      promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
	}
	r := router.New(routerCfg)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
