package jobs

import (
	"context"
	"log/slog"

	jobmetrics "github.com/tutorly/tutorly/internal/jobs"
	"github.com/tutorly/tutorly/internal/ledgeraudit"
)

// Auditor runs ledger audits.
type Auditor interface {
	Run(ctx context.Context, trigger ledgeraudit.Trigger) (ledgeraudit.Summary, error)
}

// LedgerAuditJob runs the nightly reconciliation. A discrepancy is a
// finding, not a job failure; only an engine error fails the task.
type LedgerAuditJob struct {
	auditor Auditor
	runner  runner
}

// NewLedgerAuditJob initialises the audit handler.
func NewLedgerAuditJob(auditor Auditor, locker Leaser, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerAuditJob {
	return &LedgerAuditJob{auditor: auditor, runner: newRunner(locker, metrics, logger)}
}

// Handler returns the asynq handler.
func (j *LedgerAuditJob) Handler() TaskHandler {
	return TaskHandler{Type: TaskLedgerAudit, Handler: j.runner.scheduled(TaskLedgerAudit, j.run)}
}

func (j *LedgerAuditJob) run(ctx context.Context, payload ScheduledPayload) error {
	trigger := ledgeraudit.TriggerScheduled
	if payload.Trigger == TriggerManual {
		trigger = ledgeraudit.TriggerManual
	}
	summary, err := j.auditor.Run(ctx, trigger)
	if err != nil {
		return err
	}
	if summary.Status == ledgeraudit.StatusDiscrepancyFound {
		j.runner.logger.Warn("ledger audit found discrepancies",
			slog.String("job", TaskLedgerAudit),
			slog.String("audit_id", summary.ID.String()),
			slog.Int("discrepancies", summary.DiscrepancyCount))
	}
	return nil
}
