package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/tutorly/tutorly/internal/booking"
	"github.com/tutorly/tutorly/internal/vacation"
)

// Queues lists every queue the worker consumes, in reporting order.
var Queues = []string{QueueDefault, QueueMail}

// Scheduled jobs outweigh mail so a burst of notifications cannot delay a
// ledger audit or an expiry sweep.
var queuePriorities = map[string]int{
	QueueDefault: 3,
	QueueMail:    1,
}

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueMail carries email delivery tasks.
	QueueMail = "mail"

	// TaskTypeSendEmail delivers one outbox row over SMTP.
	TaskTypeSendEmail = "mail:send"
	// TaskOutboxDispatch drains pending outbox rows into TaskTypeSendEmail tasks.
	TaskOutboxDispatch = "mail:outbox-dispatch"
	// TaskLedgerAudit runs the nightly ledger reconciliation.
	TaskLedgerAudit = "ledger:audit"

	TaskExpireApprovals     = booking.JobExpireApprovals
	TaskExpireUnpaid        = booking.JobExpireUnpaid
	TaskAutoComplete        = booking.JobAutoComplete
	TaskReleaseFunds        = booking.JobReleaseFunds
	TaskMeetingLinkReminder = booking.JobMeetingLinkReminder
	TaskVacationReturn      = vacation.JobName
)

// TaskTimeout bounds one execution of a scheduled task.
const TaskTimeout = 10 * time.Minute

// leaseMargin covers the gap between asynq cancelling a task and the
// handler releasing its lease.
const leaseMargin = time.Minute

// LeaseTTL returns the run lease TTL to use for the configured value. A lease
// that expired while its task was still inside TaskTimeout would let a second
// worker start the same job, so the TTL never drops below the timeout.
func LeaseTTL(configured time.Duration) time.Duration {
	if floor := TaskTimeout + leaseMargin; configured < floor {
		return floor
	}
	return configured
}

// Trigger values carried by scheduled task payloads.
const (
	TriggerCron   = "cron"
	TriggerManual = "manual"
)

// ScheduleEntry binds a periodic task to its cron expression (UTC).
type ScheduleEntry struct {
	Type string `json:"type"`
	Spec string `json:"spec"`
}

// Schedule lists every periodic job. The worker registers all of them at
// startup; nothing registers itself implicitly.
var Schedule = []ScheduleEntry{
	{Type: TaskExpireApprovals, Spec: "*/15 * * * *"},
	{Type: TaskExpireUnpaid, Spec: "*/5 * * * *"},
	{Type: TaskAutoComplete, Spec: "*/10 * * * *"},
	{Type: TaskReleaseFunds, Spec: "*/10 * * * *"},
	{Type: TaskMeetingLinkReminder, Spec: "*/5 * * * *"},
	{Type: TaskVacationReturn, Spec: "5 0 * * *"},
	{Type: TaskLedgerAudit, Spec: "0 2 * * *"},
	{Type: TaskOutboxDispatch, Spec: "* * * * *"},
}

// IsScheduled reports whether taskType is a periodic job.
func IsScheduled(taskType string) bool {
	for _, entry := range Schedule {
		if entry.Type == taskType {
			return true
		}
	}
	return false
}

// ScheduledPayload carries scheduling metadata.
type ScheduledPayload struct {
	Trigger     string    `json:"trigger"`
	RequestedAt time.Time `json:"requested_at"`
}

// NewScheduledTask constructs an Asynq task for a periodic job.
func NewScheduledTask(taskType, trigger string, at time.Time) (*asynq.Task, error) {
	if !IsScheduled(taskType) {
		return nil, fmt.Errorf("jobs: unknown task %q", taskType)
	}
	body, err := json.Marshal(ScheduledPayload{Trigger: trigger, RequestedAt: at.UTC()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, body, asynq.Queue(QueueDefault)), nil
}

func decodeScheduled(t *asynq.Task) (ScheduledPayload, error) {
	payload := ScheduledPayload{Trigger: TriggerCron}
	if len(t.Payload()) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return payload, err
	}
	return payload, nil
}

// SendEmailPayload describes the information required to send an email.
type SendEmailPayload struct {
	OutboxID string `json:"outbox_id"`
	To       string `json:"to"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
}

// NewSendEmailTask constructs an Asynq task. The outbox id doubles as the
// task id, so a row handed over twice is enqueued once.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data,
		asynq.Queue(QueueMail),
		asynq.TaskID("mail:"+payload.OutboxID),
		asynq.MaxRetry(8),
	), nil
}
