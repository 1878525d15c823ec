package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/tutorly/tutorly/internal/jobs"
	"github.com/tutorly/tutorly/internal/platform/cache"
	"github.com/tutorly/tutorly/internal/shared"
)

// Leaser hands out per-job run leases.
type Leaser interface {
	Acquire(ctx context.Context, key string) (*cache.Lease, error)
}

// runner wraps a job body with the run lease, metrics and logging. The lease
// only keeps two instances from doing the same scan at once; every write the
// jobs make is still guarded in the database.
type runner struct {
	locker  Leaser
	metrics *jobmetrics.Metrics
	logger  *slog.Logger
}

func newRunner(locker Leaser, metrics *jobmetrics.Metrics, logger *slog.Logger) runner {
	if logger == nil {
		logger = slog.Default()
	}
	return runner{locker: locker, metrics: metrics, logger: logger}
}

func (r runner) run(ctx context.Context, job string, fn func(context.Context) error) error {
	logger := r.logger.With(slog.String("job", job))
	if r.locker != nil {
		lease, err := r.locker.Acquire(ctx, shared.JobLockKey(job))
		switch {
		case errors.Is(err, cache.ErrLeaseHeld):
			logger.Info("job skipped, another instance holds the lease")
			r.metrics.Skipped(job)
			return nil
		case err != nil:
			logger.Warn("job lease unavailable, running unguarded", slog.Any("error", err))
			r.metrics.Unguarded(job)
		default:
			defer func() {
				if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
					logger.Warn("job lease release", slog.Any("error", err))
				}
			}()
		}
	}

	tracker := r.metrics.Track(job)
	err := fn(ctx)
	if err != nil {
		logger.Error("job failed", slog.Any("error", err))
	}
	return tracker.End(err)
}

// scheduled adapts a job body into an asynq handler for a periodic task.
func (r runner) scheduled(job string, fn func(ctx context.Context, payload ScheduledPayload) error) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		payload, err := decodeScheduled(t)
		if err != nil {
			r.logger.Warn("job payload rejected", slog.String("job", job), slog.Any("error", err))
			return asynq.SkipRetry
		}
		return r.run(ctx, job, func(ctx context.Context) error {
			return fn(ctx, payload)
		})
	}
}
