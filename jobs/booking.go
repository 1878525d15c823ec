package jobs

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/tutorly/tutorly/internal/booking"
	jobmetrics "github.com/tutorly/tutorly/internal/jobs"
)

// BookingScheduler is the set of time-driven booking transitions.
type BookingScheduler interface {
	ExpireStaleApprovals(ctx context.Context) (booking.BatchResult, error)
	ExpireUnpaid(ctx context.Context) (booking.BatchResult, error)
	AutoCompleteStuck(ctx context.Context) (booking.BatchResult, error)
	ReleaseAfterDisputeWindow(ctx context.Context) (booking.BatchResult, error)
	SendMeetingLinkReminders(ctx context.Context) (booking.BatchResult, error)
}

// BookingJobs exposes the booking scheduler as asynq handlers.
type BookingJobs struct {
	scheduler BookingScheduler
	runner    runner
}

// NewBookingJobs initialises the booking job handlers.
func NewBookingJobs(scheduler BookingScheduler, locker Leaser, logger *slog.Logger, metrics *jobmetrics.Metrics) *BookingJobs {
	return &BookingJobs{scheduler: scheduler, runner: newRunner(locker, metrics, logger)}
}

// Handlers lists one handler per booking task.
func (j *BookingJobs) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskExpireApprovals, Handler: j.batch(TaskExpireApprovals, j.scheduler.ExpireStaleApprovals)},
		{Type: TaskExpireUnpaid, Handler: j.batch(TaskExpireUnpaid, j.scheduler.ExpireUnpaid)},
		{Type: TaskAutoComplete, Handler: j.batch(TaskAutoComplete, j.scheduler.AutoCompleteStuck)},
		{Type: TaskReleaseFunds, Handler: j.batch(TaskReleaseFunds, j.scheduler.ReleaseAfterDisputeWindow)},
		{Type: TaskMeetingLinkReminder, Handler: j.batch(TaskMeetingLinkReminder, j.scheduler.SendMeetingLinkReminders)},
	}
}

func (j *BookingJobs) batch(job string, fn func(context.Context) (booking.BatchResult, error)) asynq.HandlerFunc {
	return j.runner.scheduled(job, func(ctx context.Context, payload ScheduledPayload) error {
		res, err := fn(ctx)
		j.runner.metrics.ObserveBatch(job, res.Applied, res.Conflicts, res.Failed)
		if err != nil {
			return err
		}
		if res.Scanned > 0 {
			j.runner.logger.Info("booking batch",
				slog.String("job", job),
				slog.String("trigger", payload.Trigger),
				slog.Int("scanned", res.Scanned),
				slog.Int("applied", res.Applied),
				slog.Int("conflicts", res.Conflicts),
				slog.Int("failed", res.Failed))
		}
		return nil
	})
}
