package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/tutorly/tutorly/cmd/tutorly/cli"
	"github.com/tutorly/tutorly/internal/app"
	"github.com/tutorly/tutorly/internal/booking"
	"github.com/tutorly/tutorly/internal/directory"
	"github.com/tutorly/tutorly/internal/ledgeraudit"
	"github.com/tutorly/tutorly/internal/notify"
	"github.com/tutorly/tutorly/internal/observability"
	"github.com/tutorly/tutorly/internal/platform/db"
	"github.com/tutorly/tutorly/internal/rbac"
	"github.com/tutorly/tutorly/internal/readableid"
	"github.com/tutorly/tutorly/internal/wallet"
	"github.com/tutorly/tutorly/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		os.Exit(runJobsCommand(ctx, redisOpts, os.Args[2:]))
	}

	pool, err := db.New(ctx, cfg.Postgres("tutorly-api"))
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	metrics := observability.NewMetrics()
	checker := rbac.NewChecker()
	rbacMiddleware := rbac.Middleware{Checker: checker, Logger: logger}
	ids := readableid.NewAllocator(readableid.NewRepository(pool))

	walletRepo := wallet.NewRepository(pool)
	walletService := wallet.NewService(walletRepo, ids, cfg.WalletCurrency, logger)
	auditEngine := ledgeraudit.NewEngine(walletRepo, ledgeraudit.NewStore(pool), logger, metrics.Jobs())

	bookingService := booking.NewService(
		booking.NewRepository(pool),
		directory.NewRepository(pool),
		checker,
		ids,
		notify.NewGateway(notify.NewRepository(pool)),
		cfg.Booking(),
		logger,
	)

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("asynq inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		DB:                 pool,
		BookingHandler:     booking.NewHandler(logger, bookingService, metrics),
		WalletHandler:      wallet.NewHandler(logger, walletService, rbacMiddleware),
		LedgerAuditHandler: ledgeraudit.NewHandler(logger, auditEngine, rbacMiddleware),
		PermissionsHandler: rbac.NewPermissionsHandler(checker),
		JobHandler:         jobs.NewHandler(inspector, logger),
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

func runJobsCommand(ctx context.Context, redisOpts asynq.RedisClientOpt, args []string) int {
	client := jobs.NewClient(redisOpts)
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		_ = client.Close()
		_ = inspector.Close()
	}()
	return cli.NewJobsCLI(client, inspector).Command(ctx, args, cli.Options{})
}
