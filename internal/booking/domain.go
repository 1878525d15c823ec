// Package booking implements the tutoring session lifecycle: a closed set of
// guarded transitions, each applying its ledger entries and notifications in
// the same database transaction as the status change.
package booking

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status enumerates booking lifecycle states.
type Status string

const (
	StatusPendingTeacherApproval Status = "PENDING_TEACHER_APPROVAL"
	StatusWaitingForPayment      Status = "WAITING_FOR_PAYMENT"
	StatusPaymentReview          Status = "PAYMENT_REVIEW"
	StatusScheduled              Status = "SCHEDULED"
	StatusPendingConfirmation    Status = "PENDING_CONFIRMATION"
	StatusCompleted              Status = "COMPLETED"
	StatusDisputed               Status = "DISPUTED"
	StatusRefunded               Status = "REFUNDED"
	StatusPartiallyRefunded      Status = "PARTIALLY_REFUNDED"
	StatusCancelledByParent      Status = "CANCELLED_BY_PARENT"
	StatusCancelledByTeacher     Status = "CANCELLED_BY_TEACHER"
	StatusCancelledByAdmin       Status = "CANCELLED_BY_ADMIN"
	StatusExpired                Status = "EXPIRED"
	StatusRejectedByTeacher      Status = "REJECTED_BY_TEACHER"
)

var graph = map[Status][]Status{
	StatusPendingTeacherApproval: {StatusWaitingForPayment, StatusRejectedByTeacher, StatusExpired},
	StatusWaitingForPayment:      {StatusPaymentReview, StatusScheduled, StatusExpired, StatusCancelledByParent},
	StatusPaymentReview:          {StatusScheduled, StatusWaitingForPayment},
	StatusScheduled:              {StatusPendingConfirmation, StatusCancelledByTeacher, StatusCancelledByParent, StatusCancelledByAdmin},
	StatusPendingConfirmation:    {StatusCompleted, StatusDisputed},
	StatusDisputed:               {StatusRefunded, StatusPartiallyRefunded, StatusCompleted},
}

// CanTransition reports whether to is a direct successor of from.
func CanTransition(from, to Status) bool {
	for _, next := range graph[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status is a sink.
func (s Status) IsTerminal() bool {
	return len(graph[s]) == 0
}

// IsActive reports whether the booking still occupies the teacher's slot.
func (s Status) IsActive() bool {
	switch s {
	case StatusPendingTeacherApproval, StatusWaitingForPayment, StatusPaymentReview,
		StatusScheduled, StatusPendingConfirmation, StatusDisputed:
		return true
	default:
		return false
	}
}

// ActiveStatuses lists the statuses that hold a teacher's time slot.
func ActiveStatuses() []Status {
	return []Status{
		StatusPendingTeacherApproval, StatusWaitingForPayment, StatusPaymentReview,
		StatusScheduled, StatusPendingConfirmation, StatusDisputed,
	}
}

// Booking is one tutoring session request or commitment.
type Booking struct {
	ID                        uuid.UUID       `json:"id"`
	ReadableID                string          `json:"readable_id"`
	TeacherID                 uuid.UUID       `json:"teacher_id"`
	PayerID                   uuid.UUID       `json:"payer_id"`
	StudentID                 uuid.UUID       `json:"student_id"`
	SubjectID                 uuid.UUID       `json:"subject_id"`
	StartTime                 time.Time       `json:"start_time"`
	EndTime                   time.Time       `json:"end_time"`
	Price                     decimal.Decimal `json:"price"`
	Status                    Status          `json:"status"`
	PaymentDeadline           *time.Time      `json:"payment_deadline,omitempty"`
	DisputeWindowOpensAt      *time.Time      `json:"dispute_window_opens_at,omitempty"`
	DisputeWindowClosesAt     *time.Time      `json:"dispute_window_closes_at,omitempty"`
	MeetingLink               string          `json:"meeting_link,omitempty"`
	MeetingLinkReminderSentAt *time.Time      `json:"meeting_link_reminder_sent_at,omitempty"`
	TokenVersion              int             `json:"token_version"`
	CancelReason              string          `json:"cancel_reason,omitempty"`
	CreatedAt                 time.Time       `json:"created_at"`
	UpdatedAt                 time.Time       `json:"updated_at"`
}

// CreateInput carries a booking request.
type CreateInput struct {
	PayerID   uuid.UUID       `json:"payer_id" validate:"required"`
	TeacherID uuid.UUID       `json:"teacher_id" validate:"required"`
	SubjectID uuid.UUID       `json:"subject_id" validate:"required"`
	StudentID uuid.UUID       `json:"student_id" validate:"required"`
	StartTime time.Time       `json:"start_time" validate:"required"`
	EndTime   time.Time       `json:"end_time" validate:"required,gtfield=StartTime"`
	Price     decimal.Decimal `json:"price"`
}

// TransitionInput carries optional action arguments.
type TransitionInput struct {
	Reason       string           `json:"reason" validate:"max=500"`
	RefundAmount *decimal.Decimal `json:"refund_amount,omitempty"`
}

// BatchResult summarises one time-driven transition run.
type BatchResult struct {
	Scanned   int `json:"scanned"`
	Applied   int `json:"applied"`
	Conflicts int `json:"conflicts"`
	Failed    int `json:"failed"`
}

// Cursor marks the last row a scheduled scan has seen. Scans order by the
// due time, then id, and resume strictly after the cursor.
type Cursor struct {
	At time.Time
	ID uuid.UUID
}

// Policy holds the time windows and money rules of the lifecycle.
type Policy struct {
	ApprovalTTL               time.Duration
	PaymentWindow             time.Duration
	CompletionGrace           time.Duration
	DisputeWindow             time.Duration
	ReminderLookahead         time.Duration
	BatchSize                 int
	LateCancelWindow          time.Duration
	LateCancelCompensationPct int
	Currency                  string
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		ApprovalTTL:               24 * time.Hour,
		PaymentWindow:             24 * time.Hour,
		CompletionGrace:           2 * time.Hour,
		DisputeWindow:             48 * time.Hour,
		ReminderLookahead:         2 * time.Hour,
		BatchSize:                 100,
		LateCancelWindow:          24 * time.Hour,
		LateCancelCompensationPct: 50,
		Currency:                  "USD",
	}
}

// Validate checks the policy for nonsensical values.
func (p Policy) Validate() error {
	switch {
	case p.ApprovalTTL <= 0, p.PaymentWindow <= 0, p.DisputeWindow <= 0, p.ReminderLookahead <= 0:
		return errors.New("windows must be positive")
	case p.CompletionGrace < 0, p.LateCancelWindow < 0:
		return errors.New("grace periods must not be negative")
	case p.BatchSize <= 0:
		return errors.New("batch size must be positive")
	case p.LateCancelCompensationPct < 0 || p.LateCancelCompensationPct > 100:
		return errors.New("late cancel compensation must be within 0..100")
	case p.Currency == "":
		return errors.New("currency required")
	}
	return nil
}
