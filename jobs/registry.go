package jobs

import (
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Registry collects every job handler of the worker process.
type Registry struct {
	Booking  *BookingJobs
	Audit    *LedgerAuditJob
	Vacation *VacationJob
	Mail     *MailJobs
}

// Handlers flattens the registry.
func (r Registry) Handlers() []TaskHandler {
	var out []TaskHandler
	if r.Booking != nil {
		out = append(out, r.Booking.Handlers()...)
	}
	if r.Audit != nil {
		out = append(out, r.Audit.Handler())
	}
	if r.Vacation != nil {
		out = append(out, r.Vacation.Handler())
	}
	if r.Mail != nil {
		out = append(out, r.Mail.Handlers()...)
	}
	return out
}

// Cron builds the periodic registrations for Schedule. A scheduled task
// without a handler in the registry is an error, so a job cannot silently
// go unregistered.
func (r Registry) Cron() ([]CronRegistration, error) {
	handled := make(map[string]bool)
	for _, h := range r.Handlers() {
		handled[h.Type] = true
	}
	out := make([]CronRegistration, 0, len(Schedule))
	for _, entry := range Schedule {
		if !handled[entry.Type] {
			return nil, fmt.Errorf("jobs: no handler for scheduled task %s", entry.Type)
		}
		task, err := NewScheduledTask(entry.Type, TriggerCron, time.Time{})
		if err != nil {
			return nil, err
		}
		out = append(out, CronRegistration{
			Spec: entry.Spec,
			Task: task,
			Options: []asynq.Option{
				asynq.MaxRetry(3),
				asynq.Timeout(TaskTimeout),
			},
		})
	}
	return out, nil
}
