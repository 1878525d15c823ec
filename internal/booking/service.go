package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/tutorly/tutorly/internal/directory"
	"github.com/tutorly/tutorly/internal/notify"
	"github.com/tutorly/tutorly/internal/readableid"
	"github.com/tutorly/tutorly/internal/shared"
	"github.com/tutorly/tutorly/internal/wallet"
)

// Ledger posts escrow entries inside the booking transaction.
type Ledger interface {
	Post(ctx context.Context, entry wallet.Entry) (wallet.Transaction, error)
}

// Notifier creates notices and outbox rows.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notice) (bool, error)
	EnqueueEmail(ctx context.Context, e notify.Email) error
}

// Store defines booking persistence.
type Store interface {
	WithTx(ctx context.Context, fn func(context.Context, Tx) error) error
	Get(ctx context.Context, id uuid.UUID) (Booking, error)

	// ExpirePendingApprovals flips every PENDING_TEACHER_APPROVAL booking
	// created before cutoff to EXPIRED in one statement and returns them.
	ExpirePendingApprovals(ctx context.Context, cutoff, now time.Time) ([]Booking, error)
	// The scheduled lists page by (due time, id) after the cursor.
	ListUnpaidOverdue(ctx context.Context, now time.Time, after Cursor, limit int) ([]Booking, error)
	ListEndedScheduled(ctx context.Context, endedBefore time.Time, after Cursor, limit int) ([]Booking, error)
	ListDisputeWindowClosed(ctx context.Context, now time.Time, after Cursor, limit int) ([]Booking, error)
	ListReminderDue(ctx context.Context, from, until time.Time, limit int) ([]Booking, error)
}

// Tx defines operations within a transaction.
type Tx interface {
	// LockTeacher serializes booking creation for one teacher.
	LockTeacher(ctx context.Context, teacherID uuid.UUID) error
	HasActiveOverlap(ctx context.Context, teacherID uuid.UUID, start, end time.Time) (bool, error)
	Insert(ctx context.Context, b Booking) error
	// UpdateStatus writes next only when the stored row still carries prev's
	// status and updated_at, and reports whether a row changed.
	UpdateStatus(ctx context.Context, next, prev Booking) (bool, error)
	// MissingWallets returns the owners that have no wallet yet.
	MissingWallets(ctx context.Context, owners ...uuid.UUID) ([]uuid.UUID, error)
	SetMeetingLink(ctx context.Context, id uuid.UUID, link string, at time.Time) (bool, error)
	// StampReminder sets meeting_link_reminder_sent_at if still unset.
	StampReminder(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	Ledger() Ledger
	Notifier() Notifier
}

// Directory provides display metadata and reference checks.
type Directory interface {
	Teacher(ctx context.Context, id uuid.UUID) (directory.Teacher, error)
	Person(ctx context.Context, id uuid.UUID) (directory.Person, error)
	Subject(ctx context.Context, id uuid.UUID) (directory.Subject, error)
}

// IDAllocator issues readable identifiers.
type IDAllocator interface {
	Next(ctx context.Context, kind readableid.Kind, at time.Time) (string, error)
}

// Service orchestrates booking transitions.
type Service struct {
	store     Store
	directory Directory
	perms     PermissionChecker
	ids       IDAllocator
	notices   Notifier
	policy    Policy
	logger    *slog.Logger
	validator *validator.Validate
	now       func() time.Time
}

// NewService constructs a Service. notices is used for notifications sent
// outside a booking transaction, such as after a bulk expiry.
func NewService(store Store, dir Directory, perms PermissionChecker, ids IDAllocator, notices Notifier, policy Policy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		directory: dir,
		perms:     perms,
		ids:       ids,
		notices:   notices,
		policy:    policy,
		logger:    logger,
		validator: validator.New(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the clock.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Policy exposes the active lifecycle policy.
func (s *Service) Policy() Policy {
	return s.policy
}

// Create records a booking request in PENDING_TEACHER_APPROVAL.
func (s *Service) Create(ctx context.Context, input CreateInput) (Booking, error) {
	if err := s.validator.Struct(input); err != nil {
		return Booking{}, fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	if input.PayerID == input.TeacherID {
		return Booking{}, fmt.Errorf("%w: teacher cannot book their own session", shared.ErrValidation)
	}
	if !input.Price.IsPositive() {
		return Booking{}, fmt.Errorf("%w: price must be positive", shared.ErrValidation)
	}
	now := s.now()
	if !input.StartTime.After(now) {
		return Booking{}, fmt.Errorf("%w: start time must be in the future", shared.ErrValidation)
	}

	teacher, err := s.directory.Teacher(ctx, input.TeacherID)
	if err != nil {
		return Booking{}, err
	}
	if teacher.OnVacation {
		return Booking{}, ErrTeacherUnavailable
	}
	payer, err := s.directory.Person(ctx, input.PayerID)
	if err != nil {
		return Booking{}, err
	}
	subject, err := s.directory.Subject(ctx, input.SubjectID)
	if err != nil {
		return Booking{}, err
	}

	readable, err := s.ids.Next(ctx, readableid.KindBooking, now)
	if err != nil {
		return Booking{}, err
	}
	b := Booking{
		ID:         uuid.New(),
		ReadableID: readable,
		TeacherID:  input.TeacherID,
		PayerID:    input.PayerID,
		StudentID:  input.StudentID,
		SubjectID:  input.SubjectID,
		StartTime:  input.StartTime.UTC(),
		EndTime:    input.EndTime.UTC(),
		Price:      input.Price.Round(2),
		Status:     StatusPendingTeacherApproval,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	n := names{teacher: teacher, payer: payer, subject: subject.Name}

	err = s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.LockTeacher(ctx, b.TeacherID); err != nil {
			return err
		}
		overlap, err := tx.HasActiveOverlap(ctx, b.TeacherID, b.StartTime, b.EndTime)
		if err != nil {
			return err
		}
		if overlap {
			return ErrSlotTaken
		}
		if err := tx.Insert(ctx, b); err != nil {
			return err
		}
		s.deliver(ctx, tx.Notifier(), b, "request", "", s.requestMessages(b, n))
		return nil
	})
	if err != nil {
		return Booking{}, err
	}
	s.logger.Info("booking created", slog.String("booking_id", b.ID.String()), slog.String("readable_id", b.ReadableID))
	return b, nil
}

// Get returns a booking visible to the actor.
func (s *Service) Get(ctx context.Context, id uuid.UUID, actor shared.Actor) (Booking, error) {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return Booking{}, err
	}
	if !canView(b, actor, s.perms) {
		return Booking{}, ErrForbidden
	}
	return b, nil
}

// Transition applies action to the booking on behalf of actor. A transition
// that loses the status guard returns a *ConflictError and writes nothing.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, action Action, actor shared.Actor, input TransitionInput) (Booking, error) {
	r, ok := lookup(action)
	if !ok {
		return Booking{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if err := s.validator.Struct(input); err != nil {
		return Booking{}, fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return Booking{}, err
	}
	if !r.authorize(current, actor, s.perms) {
		return Booking{}, ErrForbidden
	}
	return s.apply(ctx, current, action, r, actor, input)
}

// apply is shared by user-initiated and scheduler-driven transitions.
func (s *Service) apply(ctx context.Context, current Booking, action Action, r rule, actor shared.Actor, input TransitionInput) (Booking, error) {
	if !r.allows(current.Status) {
		return Booking{}, &ConflictError{BookingID: current.ID, Action: action, Expected: r.from, Actual: current.Status}
	}
	now := s.now()
	if err := s.precheck(current, action, actor, input, now); err != nil {
		return Booking{}, err
	}
	teacher, err := s.directory.Teacher(ctx, current.TeacherID)
	if err != nil {
		return Booking{}, err
	}
	next := s.advance(current, action, r.to, input, now)
	entries := s.postings(current, action, input, now)
	msgs := s.transitionMessages(action, current, next, entries, s.lookupNames(ctx, current, teacher))

	err = s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if holdsFunds(action) {
			missing, err := tx.MissingWallets(ctx, current.PayerID, current.TeacherID)
			if err != nil {
				return err
			}
			if len(missing) > 0 {
				return fmt.Errorf("%w (booking %s, owners %v)", ErrWalletMissing, current.ID, missing)
			}
		}
		changed, err := tx.UpdateStatus(ctx, next, current)
		if err != nil {
			return err
		}
		if !changed {
			return &ConflictError{BookingID: current.ID, Action: action, Expected: []Status{current.Status}}
		}
		ledger := tx.Ledger()
		for _, entry := range entries {
			if _, err := ledger.Post(ctx, entry); err != nil {
				return fmt.Errorf("post %s for booking %s: %w", entry.Type, current.ID, err)
			}
		}
		s.deliver(ctx, tx.Notifier(), next, string(action), deliveryCycle(action, current), msgs)
		return nil
	})
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			if latest, getErr := s.store.Get(ctx, current.ID); getErr == nil {
				conflict.Actual = latest.Status
			}
			s.logger.Info("booking transition lost race",
				slog.String("booking_id", current.ID.String()),
				slog.String("action", string(action)),
				slog.String("expected", string(current.Status)),
				slog.String("actual", string(conflict.Actual)))
		}
		return Booking{}, err
	}
	s.logger.Info("booking transition",
		slog.String("booking_id", current.ID.String()),
		slog.String("action", string(action)),
		slog.String("from", string(current.Status)),
		slog.String("to", string(next.Status)),
		slog.String("actor_role", string(actor.Role)))
	return next, nil
}

func (s *Service) precheck(b Booking, action Action, actor shared.Actor, input TransitionInput, now time.Time) error {
	switch action {
	case ActionDispute:
		if b.DisputeWindowClosesAt == nil || !now.Before(*b.DisputeWindowClosesAt) {
			return ErrDisputeWindowClosed
		}
	case ActionComplete:
		if !actor.IsSystem() && now.Before(b.StartTime) {
			return ErrSessionNotStarted
		}
	case ActionConfirm:
		if actor.IsSystem() && (b.DisputeWindowClosesAt == nil || now.Before(*b.DisputeWindowClosesAt)) {
			return fmt.Errorf("%w: dispute window still open", shared.ErrValidation)
		}
	case ActionResolvePartial:
		if input.RefundAmount == nil {
			return ErrInvalidRefund
		}
		refund := input.RefundAmount.Round(2)
		if !refund.IsPositive() || !refund.LessThan(b.Price) {
			return ErrInvalidRefund
		}
	case ActionExpire:
		switch b.Status {
		case StatusWaitingForPayment:
			if b.PaymentDeadline == nil || now.Before(*b.PaymentDeadline) {
				return fmt.Errorf("%w: payment deadline not reached", shared.ErrValidation)
			}
		case StatusPendingTeacherApproval:
			if now.Before(b.CreatedAt.Add(s.policy.ApprovalTTL)) {
				return fmt.Errorf("%w: approval window still open", shared.ErrValidation)
			}
		}
	}
	return nil
}

func (s *Service) advance(current Booking, action Action, to Status, input TransitionInput, now time.Time) Booking {
	next := current
	next.Status = to
	next.UpdatedAt = now
	next.PaymentDeadline = nil
	if to == StatusWaitingForPayment {
		deadline := now.Add(s.policy.PaymentWindow)
		next.PaymentDeadline = &deadline
	}
	reason := strings.TrimSpace(input.Reason)
	switch action {
	case ActionComplete:
		opens := now
		closes := now.Add(s.policy.DisputeWindow)
		next.DisputeWindowOpensAt = &opens
		next.DisputeWindowClosesAt = &closes
	case ActionCancelByParent, ActionCancelByTeacher, ActionCancelByAdmin:
		next.TokenVersion++
		next.CancelReason = reason
	case ActionReject:
		next.CancelReason = reason
	case ActionExpire:
		if reason == "" {
			reason = "expired"
		}
		next.CancelReason = reason
	}
	return next
}

// SetMeetingLink stores the teacher's meeting URL on a scheduled booking.
func (s *Service) SetMeetingLink(ctx context.Context, id uuid.UUID, actor shared.Actor, link string) (Booking, error) {
	link = strings.TrimSpace(link)
	if err := s.validator.Var(link, "required,url,max=500"); err != nil {
		return Booking{}, fmt.Errorf("%w: meeting link: %v", shared.ErrValidation, err)
	}
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return Booking{}, err
	}
	if actor.UserID != current.TeacherID || actor.Role != shared.RoleTeacher {
		return Booking{}, ErrForbidden
	}
	if current.Status != StatusScheduled {
		return Booking{}, &ConflictError{BookingID: id, Expected: []Status{StatusScheduled}, Actual: current.Status}
	}
	now := s.now()
	next := current
	next.MeetingLink = link
	next.UpdatedAt = now
	err = s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		ok, err := tx.SetMeetingLink(ctx, id, link, now)
		if err != nil {
			return err
		}
		if !ok {
			return &ConflictError{BookingID: id, Expected: []Status{StatusScheduled}}
		}
		s.deliver(ctx, tx.Notifier(), next, "", "", []message{{
			recipient: current.PayerID,
			role:      rolePayer,
			title:     "Meeting link ready",
			body:      fmt.Sprintf("Your session %s on %s can be joined at %s.", current.ReadableID, formatTime(current.StartTime), link),
			kind:      notify.TypeBooking,
		}})
		return nil
	})
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			if latest, getErr := s.store.Get(ctx, id); getErr == nil {
				conflict.Actual = latest.Status
			}
		}
		return Booking{}, err
	}
	return next, nil
}
