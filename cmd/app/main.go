// File: cmd/app/main.go
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crm-billing-core/internal/config"
	payAdapters "crm-billing-core/internal/infra/adapters/payment"
	pg "crm-billing-core/internal/infra/db/postgres"
	"crm-billing-core/internal/infra/logging"
	"crm-billing-core/internal/infra/metrics"
	red "crm-billing-core/internal/infra/redis"
	"crm-billing-core/internal/infra/sched"
	"crm-billing-core/internal/infra/security"
	"crm-billing-core/internal/infra/web"
	"crm-billing-core/internal/infra/worker"
	"crm-billing-core/internal/usecase"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (noop gateway, console logging)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("developer mode enabled")
	}
	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)

	// ---- Postgres ----
	pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, 10)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connect failed")
	}
	defer pool.Close()
	go pg.ReportPoolStats(ctx, pool, 15*time.Second)

	// ---- Redis ----
	redisClient, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connect failed")
	}
	rateLimiter := red.NewRateLimiter(redisClient)
	locker := red.NewLocker(redisClient)
	tokenCache := red.NewTokenCache(redisClient)

	// ---- Repositories ----
	paymentRepo := pg.NewPaymentRepo(pool)
	subRepo := pg.NewSubscriptionRepo(pool)
	companyRepo := pg.NewCompanyRepo(pool)
	planRepo := pg.NewPlanRepo(pool)
	auditRepo := pg.NewAuditRepo(pool)
	txm := pg.NewTxManager(pool)

	// ---- Gateways & verification ----
	gateways, err := payAdapters.BuildRegistry(cfg.Payments, tokenCache, cfg.Runtime.Dev)
	if err != nil {
		logger.Fatal().Err(err).Msg("gateway registry build failed")
	}
	logger.Info().Strs("gateways", gateways.Names()).Msg("payment gateways enabled")
	verifier := security.NewVerifier(cfg.Payments, logger)

	// ---- Use cases ----
	ledger := usecase.NewLedger(paymentRepo, logger)
	activator := usecase.NewActivationUseCase(subRepo, companyRepo, paymentRepo, txm, logger)
	reconciler := usecase.NewReconcileUseCase(gateways, verifier, ledger, activator, auditRepo, txm, locker, logger)
	checkout := usecase.NewCheckoutUseCase(subRepo, planRepo, gateways, ledger, cfg.Server, cfg.Exchange, logger)
	status := usecase.NewStatusUseCase(subRepo, paymentRepo, reconciler, logger)

	// ---- Background workers ----
	pool2 := worker.NewPool(cfg.Reconciler.Workers, logger)
	pool2.Start(ctx)
	defer pool2.Stop()

	staleWorker := sched.NewStalePaymentWorker(reconciler, paymentRepo, pool2, cfg.Reconciler, logger)
	go staleWorker.Start(ctx)

	if cfg.Reconciler.RetryEnabled {
		retryWorker := sched.NewActivationRetryWorker(activator, 5*time.Minute, 100, logger)
		go retryWorker.Start(ctx)
	}

	// ---- HTTP server ----
	srv := web.NewServer(cfg.Server, cfg.RateLimit, checkout, reconciler, status, gateways, rateLimiter, logger)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
			cancel()
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigc:
		logger.Info().Msg("shutdown requested")
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
}
