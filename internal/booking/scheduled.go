package booking

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tutorly/tutorly/internal/notify"
	"github.com/tutorly/tutorly/internal/shared"
)

// Job names double as asynq task types and lease keys.
const (
	JobExpireApprovals     = "booking:expire-approvals"
	JobExpireUnpaid        = "booking:expire-unpaid"
	JobAutoComplete        = "booking:auto-complete"
	JobReleaseFunds        = "booking:release-funds"
	JobMeetingLinkReminder = "booking:meeting-link-reminder"
)

// ExpireStaleApprovals expires every request the teacher left unanswered
// past the approval TTL in one bulk update, then notifies the payers.
func (s *Service) ExpireStaleApprovals(ctx context.Context) (BatchResult, error) {
	now := s.now()
	expired, err := s.store.ExpirePendingApprovals(ctx, now.Add(-s.policy.ApprovalTTL), now)
	if err != nil {
		return BatchResult{}, err
	}
	result := BatchResult{Scanned: len(expired), Applied: len(expired)}
	for _, b := range expired {
		if ctx.Err() != nil {
			break
		}
		teacher, _ := s.directory.Teacher(ctx, b.TeacherID)
		n := s.lookupNames(ctx, b, teacher)
		s.deliver(ctx, s.notices, b, string(ActionExpire), "", s.approvalExpiredMessages(b, n))
	}
	s.logger.Info("stale approvals expired", slog.Int("count", len(expired)))
	return result, nil
}

// ExpireUnpaid expires bookings whose payment deadline has passed.
func (s *Service) ExpireUnpaid(ctx context.Context) (BatchResult, error) {
	now := s.now()
	list := func(ctx context.Context, after Cursor, limit int) ([]Booking, error) {
		return s.store.ListUnpaidOverdue(ctx, now, after, limit)
	}
	return s.applyEach(ctx, JobExpireUnpaid, list, paymentDue, ActionExpire, TransitionInput{Reason: "payment deadline passed"})
}

// AutoCompleteStuck moves sessions that ended more than the completion
// grace ago into PENDING_CONFIRMATION.
func (s *Service) AutoCompleteStuck(ctx context.Context) (BatchResult, error) {
	endedBefore := s.now().Add(-s.policy.CompletionGrace)
	list := func(ctx context.Context, after Cursor, limit int) ([]Booking, error) {
		return s.store.ListEndedScheduled(ctx, endedBefore, after, limit)
	}
	return s.applyEach(ctx, JobAutoComplete, list, sessionEnd, ActionComplete, TransitionInput{})
}

// ReleaseAfterDisputeWindow completes sessions whose dispute window closed
// without a dispute and releases the escrow to the teacher.
func (s *Service) ReleaseAfterDisputeWindow(ctx context.Context) (BatchResult, error) {
	now := s.now()
	list := func(ctx context.Context, after Cursor, limit int) ([]Booking, error) {
		return s.store.ListDisputeWindowClosed(ctx, now, after, limit)
	}
	return s.applyEach(ctx, JobReleaseFunds, list, disputeWindowClose, ActionConfirm, TransitionInput{})
}

// SendMeetingLinkReminders nudges teachers of upcoming scheduled sessions
// that still lack a meeting link. Each booking is reminded at most once.
func (s *Service) SendMeetingLinkReminders(ctx context.Context) (BatchResult, error) {
	now := s.now()
	rows, err := s.store.ListReminderDue(ctx, now, now.Add(s.policy.ReminderLookahead), s.policy.BatchSize)
	if err != nil {
		return BatchResult{}, err
	}
	result := BatchResult{Scanned: len(rows)}
	for _, b := range rows {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		var stamped bool
		err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
			ok, err := tx.StampReminder(ctx, b.ID, now)
			if err != nil || !ok {
				return err
			}
			stamped = true
			s.deliver(ctx, tx.Notifier(), b, "meeting-link-reminder", "", []message{{
				recipient: b.TeacherID,
				role:      roleTeacher,
				title:     "Add a meeting link",
				body:      "Session " + b.ReadableID + " starts at " + formatTime(b.StartTime) + " and has no meeting link yet.",
				kind:      notify.TypeReminder,
			}})
			return nil
		})
		switch {
		case err != nil:
			result.Failed++
			s.logger.Error("meeting link reminder failed", slog.String("booking_id", b.ID.String()), slog.Any("error", err))
		case stamped:
			result.Applied++
		default:
			result.Conflicts++
		}
	}
	return result, nil
}

// pageFunc returns up to limit due rows ordered after the cursor.
type pageFunc func(ctx context.Context, after Cursor, limit int) ([]Booking, error)

// maxScanPages bounds how far one run reads past rows that keep failing.
const maxScanPages = 10

func paymentDue(b Booking) time.Time         { return deref(b.PaymentDeadline) }
func sessionEnd(b Booking) time.Time         { return b.EndTime }
func disputeWindowClose(b Booking) time.Time { return deref(b.DisputeWindowClosesAt) }

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// applyEach runs action with the system actor over the due rows, page by
// page. A row that another writer already moved counts as a conflict; other
// errors are logged and the scan moves past the row, so a row that fails
// every run cannot hold back the ones behind it. A run stops once BatchSize
// rows were settled, the rows run out, or maxScanPages pages were read.
func (s *Service) applyEach(ctx context.Context, job string, list pageFunc, due func(Booking) time.Time, action Action, input TransitionInput) (BatchResult, error) {
	r, _ := lookup(action)
	actor := shared.SystemActor()
	limit := s.policy.BatchSize
	var (
		result BatchResult
		after  Cursor
	)
	for page := 0; page < maxScanPages; page++ {
		rows, err := list(ctx, after, limit)
		if err != nil {
			return result, err
		}
		result.Scanned += len(rows)
		for _, b := range rows {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			after = Cursor{At: due(b), ID: b.ID}
			_, err := s.apply(ctx, b, action, r, actor, input)
			switch {
			case err == nil:
				result.Applied++
			case errors.Is(err, ErrConflict):
				result.Conflicts++
			default:
				result.Failed++
				s.logger.Error("scheduled transition failed",
					slog.String("job", job),
					slog.String("booking_id", b.ID.String()),
					slog.Any("error", err))
			}
		}
		if len(rows) < limit || result.Applied+result.Conflicts >= limit {
			break
		}
	}
	s.logger.Info("scheduled transitions",
		slog.String("job", job),
		slog.Int("scanned", result.Scanned),
		slog.Int("applied", result.Applied),
		slog.Int("conflicts", result.Conflicts),
		slog.Int("failed", result.Failed))
	return result, nil
}
