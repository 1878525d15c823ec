package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/tutorly/tutorly/internal/app"
	"github.com/tutorly/tutorly/internal/booking"
	"github.com/tutorly/tutorly/internal/directory"
	jobmetrics "github.com/tutorly/tutorly/internal/jobs"
	"github.com/tutorly/tutorly/internal/ledgeraudit"
	"github.com/tutorly/tutorly/internal/notify"
	"github.com/tutorly/tutorly/internal/platform/cache"
	"github.com/tutorly/tutorly/internal/platform/db"
	"github.com/tutorly/tutorly/internal/rbac"
	"github.com/tutorly/tutorly/internal/readableid"
	"github.com/tutorly/tutorly/internal/vacation"
	"github.com/tutorly/tutorly/internal/wallet"
	"github.com/tutorly/tutorly/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	pool, err := db.New(ctx, cfg.Postgres("tutorly-worker"))
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Without redis the jobs still run; only the overlap guard is lost.
	var locker jobs.Leaser
	leases, err := cache.Dial(ctx, cfg.RedisAddr, jobs.LeaseTTL(cfg.JobLeaseTTL))
	if err != nil {
		logger.Warn("redis unavailable, job leases disabled", slog.Any("error", err))
	} else {
		defer func() {
			if err := leases.Close(); err != nil {
				logger.Warn("close lease client", slog.Any("error", err))
			}
		}()
		locker = leases
	}

	// The worker has no scrape endpoint of its own; collectors register on
	// the default registry so an embedding exporter can pick them up.
	metrics := jobmetrics.NewMetrics(nil)

	ids := readableid.NewAllocator(readableid.NewRepository(pool))
	walletRepo := wallet.NewRepository(pool)
	auditEngine := ledgeraudit.NewEngine(walletRepo, ledgeraudit.NewStore(pool), logger, metrics)

	bookingService := booking.NewService(
		booking.NewRepository(pool),
		directory.NewRepository(pool),
		rbac.NewChecker(),
		ids,
		notify.NewGateway(notify.NewRepository(pool)),
		cfg.Booking(),
		logger,
	)
	vacationService := vacation.NewService(vacation.NewRepository(pool), logger)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	queue := asynq.NewClient(redisOpts)
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn("asynq client close", slog.Any("error", err))
		}
	}()
	mailer := jobs.NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom)

	registry := jobs.Registry{
		Booking:  jobs.NewBookingJobs(bookingService, locker, logger, metrics),
		Audit:    jobs.NewLedgerAuditJob(auditEngine, locker, logger, metrics),
		Vacation: jobs.NewVacationJob(vacationService, locker, logger, metrics),
		Mail:     jobs.NewMailJobs(notify.NewOutbox(pool), queue, mailer, locker, logger, metrics),
	}
	cron, err := registry.Cron()
	if err != nil {
		logger.Error("build schedule", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers:  registry.Handlers(),
		Cron:      cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
