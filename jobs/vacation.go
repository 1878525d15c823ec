package jobs

import (
	"context"
	"log/slog"

	jobmetrics "github.com/tutorly/tutorly/internal/jobs"
	"github.com/tutorly/tutorly/internal/vacation"
)

// VacationReturner flips teachers off vacation.
type VacationReturner interface {
	ReturnExpired(ctx context.Context) (vacation.Result, error)
}

// VacationJob runs the daily vacation auto-return.
type VacationJob struct {
	returner VacationReturner
	runner   runner
}

// NewVacationJob initialises the vacation handler.
func NewVacationJob(returner VacationReturner, locker Leaser, logger *slog.Logger, metrics *jobmetrics.Metrics) *VacationJob {
	return &VacationJob{returner: returner, runner: newRunner(locker, metrics, logger)}
}

// Handler returns the asynq handler.
func (j *VacationJob) Handler() TaskHandler {
	return TaskHandler{Type: TaskVacationReturn, Handler: j.runner.scheduled(TaskVacationReturn, func(ctx context.Context, _ ScheduledPayload) error {
		res, err := j.returner.ReturnExpired(ctx)
		j.runner.metrics.ObserveBatch(TaskVacationReturn, res.Returned, 0, 0)
		return err
	})}
}
