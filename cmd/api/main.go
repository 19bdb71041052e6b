package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/carebill-backend/internal/api/rest"
	"github.com/davidleathers/carebill-backend/internal/domain/values"
	"github.com/davidleathers/carebill-backend/internal/infrastructure/cache"
	"github.com/davidleathers/carebill-backend/internal/infrastructure/config"
	"github.com/davidleathers/carebill-backend/internal/infrastructure/database"
	"github.com/davidleathers/carebill-backend/internal/infrastructure/events"
	"github.com/davidleathers/carebill-backend/internal/infrastructure/gateway"
	"github.com/davidleathers/carebill-backend/internal/infrastructure/repository"
	"github.com/davidleathers/carebill-backend/internal/infrastructure/telemetry"
	"github.com/davidleathers/carebill-backend/internal/service/billing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("failed to load config", zap.Error(err))
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		zap.NewExample().Fatal("failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, &cfg.Telemetry, "carebill-api", cfg.Version, cfg.Environment)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	pool, err := database.Connect(ctx, &cfg.Database, logger)
	if err != nil {
		return err
	}
	defer pool.Close()
	go database.LogStats(ctx, pool, logger, time.Minute)

	idempotency, err := cache.NewIdempotencyCache(&cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer idempotency.Close()

	publisher, err := events.NewRabbitMQPublisher(&cfg.RabbitMQ, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	reviewThreshold, err := values.NewMoneyFromString(cfg.Billing.RefundReviewThreshold, cfg.Billing.Currency)
	if err != nil {
		return err
	}

	invoices := repository.NewInvoiceRepository(pool)
	payments := repository.NewPaymentRepository(pool)
	refunds := repository.NewRefundRepository(pool)
	claims := repository.NewClaimRepository(pool)
	txMgr := repository.NewTxManager(pool)
	gw := gateway.NewClient(&cfg.Gateway, logger)
	metrics := promMetrics{}

	invoiceSvc := billing.NewInvoiceService(invoices, publisher, metrics, logger)
	paymentSvc := billing.NewPaymentService(payments, invoices, gw, publisher, idempotency, txMgr, metrics, logger)
	refundSvc := billing.NewRefundService(refunds, payments, invoices, gw, publisher, txMgr, metrics, reviewThreshold, logger)
	claimSvc := billing.NewClaimService(claims, invoices, publisher, txMgr, metrics, logger)

	go overdueSweep(ctx, invoiceSvc, cfg.Billing.OverdueSweepInterval, logger)

	mux := http.NewServeMux()
	rest.NewHandler(rest.Services{
		Invoices: invoiceSvc,
		Payments: paymentSvc,
		Refunds:  refundSvc,
		Claims:   claimSvc,
	}).RegisterRoutes(mux)
	rest.RegisterHealthRoutes(mux, map[string]rest.HealthChecker{
		"postgres": pool.Ping,
		"redis":    idempotency.Ping,
	})
	mux.Handle("GET /metrics", metricsHandler())

	handler := rest.Chain(mux,
		rest.Recovery(logger),
		rest.RequestID(),
		rest.Logging(logger),
		rest.Instrument(recordHTTPRequest),
	)

	server := rest.NewServer(&cfg.Server, handler, logger)
	return server.Run(ctx)
}

// overdueSweep periodically flags pending invoices whose due date has
// passed. Conflicts with concurrent writers are skipped and picked up by
// the next sweep.
func overdueSweep(ctx context.Context, invoiceSvc *billing.InvoiceService, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := invoiceSvc.MarkOverdue(ctx, time.Now())
			if err != nil {
				logger.Warn("overdue sweep failed", zap.Error(err))
				continue
			}
			if count > 0 {
				logger.Info("overdue sweep completed", zap.Int("invoices_flagged", count))
			}
		}
	}
}
