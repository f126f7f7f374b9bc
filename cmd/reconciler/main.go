package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/carserv/carserv-platform/internal/app/bootstrap"
	"github.com/carserv/carserv-platform/internal/appointments"
	"github.com/carserv/carserv-platform/internal/catalog"
	appconfig "github.com/carserv/carserv-platform/internal/config"
	"github.com/carserv/carserv-platform/internal/events"
	"github.com/carserv/carserv-platform/internal/observability/metrics"
	"github.com/carserv/carserv-platform/internal/payments"
	"github.com/carserv/carserv-platform/internal/reconcile"
	"github.com/carserv/carserv-platform/internal/refunds"
	"github.com/carserv/carserv-platform/internal/slots"
	"github.com/carserv/carserv-platform/internal/subscriptions"
	"github.com/carserv/carserv-platform/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.DatabaseURL == "" {
		logger.Error("reconciler requires DATABASE_URL")
		os.Exit(1)
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	settlementMetrics := metrics.NewSettlementMetrics(prometheus.NewRegistry())

	outbox := events.NewOutboxStore(pool)
	apptRepo := appointments.NewRepository(pool)
	intentRepo := payments.NewRepository(pool)
	refundRepo := refunds.NewRepository(pool)

	refunder, err := bootstrap.BuildRefunder(cfg, logger)
	if err != nil {
		logger.Error("failed to build refund gateway", "error", err)
		os.Exit(1)
	}
	refundService := refunds.NewService(pool, refundRepo, apptRepo, intentRepo, refunder, outbox, settlementMetrics, logger)

	appointmentService := appointments.NewService(
		pool, apptRepo,
		catalog.NewRepository(pool),
		slots.NewLedger(pool),
		subscriptions.NewRepository(pool),
		outbox, refundRepo, settlementMetrics, logger,
	)

	sweeper := reconcile.NewSweeper(
		apptRepo,
		appointmentService,
		intentRepo,
		refundService,
		reconcile.NewStore(pool),
		settlementMetrics,
		logger,
	).
		WithPendingTimeout(cfg.PendingBookingTimeout).
		WithInterval(cfg.ReconcileInterval).
		WithBatchSize(cfg.ReconcileBatchSize)

	go sweeper.Run(ctx)
	logger.Info("reconciler running",
		"interval", cfg.ReconcileInterval.String(),
		"pending_timeout", cfg.PendingBookingTimeout.String(),
	)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("reconciler shutting down")
	cancel()
	time.Sleep(2 * time.Second)
}
