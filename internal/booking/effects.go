package booking

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tutorly/tutorly/internal/directory"
	"github.com/tutorly/tutorly/internal/notify"
	"github.com/tutorly/tutorly/internal/wallet"
)

const (
	rolePayer   = "payer"
	roleTeacher = "teacher"
)

var hundred = decimal.NewFromInt(100)

// postings returns the wallet entries a transition applies. All entries for a
// booking carry the booking id as reference, so a replayed posting collides
// on the (wallet, type, reference) key instead of moving money twice.
func (s *Service) postings(b Booking, action Action, input TransitionInput, now time.Time) []wallet.Entry {
	id := b.ID
	entry := func(owner uuid.UUID, kind wallet.TxType, amount decimal.Decimal, desc string) wallet.Entry {
		return wallet.Entry{
			OwnerID:     owner,
			Type:        kind,
			Amount:      amount,
			BookingID:   &id,
			Reference:   id.String(),
			Description: fmt.Sprintf("%s %s", b.ReadableID, desc),
		}
	}

	var out []wallet.Entry
	switch action {
	case ActionPay, ActionApprovePayment:
		out = append(out, entry(b.PayerID, wallet.TxPaymentLock, b.Price, "payment held"))
	case ActionCancelByParent:
		if b.Status != StatusScheduled {
			return nil
		}
		refund, compensation := s.lateCancelSplit(b, now)
		out = append(out,
			entry(b.PayerID, wallet.TxRefund, refund, "cancelled by parent"),
			entry(b.TeacherID, wallet.TxCancellationCompensation, compensation, "late cancellation"),
		)
	case ActionCancelByTeacher, ActionCancelByAdmin, ActionResolveRefund:
		out = append(out, entry(b.PayerID, wallet.TxRefund, b.Price, "refund"))
	case ActionConfirm, ActionResolveComplete:
		out = append(out, entry(b.TeacherID, wallet.TxPaymentRelease, b.Price, "payment released"))
	case ActionResolvePartial:
		refund := input.RefundAmount.Round(2)
		out = append(out,
			entry(b.PayerID, wallet.TxRefund, refund, "partial refund"),
			entry(b.TeacherID, wallet.TxPaymentRelease, b.Price.Sub(refund), "partial release"),
		)
	}

	filtered := out[:0]
	for _, e := range out {
		if e.Amount.IsPositive() {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

// lateCancelSplit divides the held price between a payer refund and the
// teacher's compensation. Cancelling inside the late window before start
// compensates the teacher with the configured percentage.
func (s *Service) lateCancelSplit(b Booking, now time.Time) (refund, compensation decimal.Decimal) {
	if s.policy.LateCancelCompensationPct <= 0 || now.Before(b.StartTime.Add(-s.policy.LateCancelWindow)) {
		return b.Price, decimal.Zero
	}
	compensation = b.Price.Mul(decimal.NewFromInt(int64(s.policy.LateCancelCompensationPct))).Div(hundred).Round(2)
	return b.Price.Sub(compensation), compensation
}

type names struct {
	teacher directory.Teacher
	payer   directory.Person
	subject string
}

// lookupNames resolves display names; a failed lookup degrades the text
// rather than blocking the transition.
func (s *Service) lookupNames(ctx context.Context, b Booking, teacher directory.Teacher) names {
	n := names{teacher: teacher, subject: "your session"}
	if payer, err := s.directory.Person(ctx, b.PayerID); err == nil {
		n.payer = payer
	} else {
		s.logger.Warn("booking payer lookup failed", slog.String("booking_id", b.ID.String()), slog.Any("error", err))
	}
	if subject, err := s.directory.Subject(ctx, b.SubjectID); err == nil {
		n.subject = subject.Name
	}
	if n.payer.Name == "" {
		n.payer.Name = "The student"
	}
	if n.teacher.Name == "" {
		n.teacher.Name = "Your teacher"
	}
	return n
}

type message struct {
	recipient uuid.UUID
	role      string
	email     string
	title     string
	body      string
	kind      notify.Type
}

func (s *Service) money(amount decimal.Decimal) string {
	return notify.FormatMoney(amount, s.policy.Currency)
}

func formatTime(t time.Time) string {
	return t.UTC().Format("Mon 02 Jan 2006 15:04 MST")
}

func (s *Service) requestMessages(b Booking, n names) []message {
	return []message{{
		recipient: b.TeacherID,
		role:      roleTeacher,
		title:     "New booking request",
		body:      fmt.Sprintf("%s requested %s on %s (%s).", n.payer.Name, n.subject, formatTime(b.StartTime), b.ReadableID),
		kind:      notify.TypeBooking,
	}}
}

func (s *Service) approvalExpiredMessages(b Booking, n names) []message {
	return []message{{
		recipient: b.PayerID,
		role:      rolePayer,
		email:     n.payer.Email,
		title:     "Booking request expired",
		body:      fmt.Sprintf("%s did not respond to your request for %s on %s.", n.teacher.Name, n.subject, formatTime(b.StartTime)),
		kind:      notify.TypeBooking,
	}}
}

// transitionMessages composes the notices for a transition. Recipients
// with an email address also get an outbox row.
func (s *Service) transitionMessages(action Action, prev, next Booking, entries []wallet.Entry, n names) []message {
	when := formatTime(prev.StartTime)
	price := s.money(prev.Price)
	payer := func(title, body string, kind notify.Type) message {
		return message{recipient: prev.PayerID, role: rolePayer, email: n.payer.Email, title: title, body: body, kind: kind}
	}
	teacher := func(title, body string, kind notify.Type) message {
		return message{recipient: prev.TeacherID, role: roleTeacher, email: n.teacher.Email, title: title, body: body, kind: kind}
	}
	credited := func(owner uuid.UUID) decimal.Decimal {
		total := decimal.Zero
		for _, e := range entries {
			if e.OwnerID == owner {
				total = total.Add(e.Amount)
			}
		}
		return total
	}

	switch action {
	case ActionApprove:
		deadline := ""
		if next.PaymentDeadline != nil {
			deadline = " before " + formatTime(*next.PaymentDeadline)
		}
		return []message{payer("Booking approved",
			fmt.Sprintf("%s approved %s on %s. Please pay %s%s.", n.teacher.Name, n.subject, when, price, deadline), notify.TypeBooking)}
	case ActionReject:
		return []message{payer("Booking declined",
			fmt.Sprintf("%s declined %s on %s.", n.teacher.Name, n.subject, when), notify.TypeBooking)}
	case ActionPay, ActionApprovePayment:
		return []message{
			payer("Session scheduled", fmt.Sprintf("Your payment of %s for %s on %s is held until the session is confirmed.", price, n.subject, when), notify.TypePayment),
			teacher("Session scheduled", fmt.Sprintf("%s on %s with %s is paid and scheduled.", n.subject, when, n.payer.Name), notify.TypeBooking),
		}
	case ActionSubmitPaymentProof:
		return []message{payer("Payment proof received",
			fmt.Sprintf("We are reviewing your payment for %s on %s.", n.subject, when), notify.TypePayment)}
	case ActionRejectPayment:
		deadline := ""
		if next.PaymentDeadline != nil {
			deadline = " before " + formatTime(*next.PaymentDeadline)
		}
		return []message{payer("Payment proof rejected",
			fmt.Sprintf("Your payment proof for %s was not accepted. Please pay %s%s.", n.subject, price, deadline), notify.TypePayment)}
	case ActionCancelByParent:
		refund := ""
		if amount := credited(prev.PayerID); amount.IsPositive() {
			refund = fmt.Sprintf(" %s was refunded to your wallet.", s.money(amount))
		}
		teacherBody := fmt.Sprintf("%s cancelled %s on %s.", n.payer.Name, n.subject, when)
		if amount := credited(prev.TeacherID); amount.IsPositive() {
			teacherBody += fmt.Sprintf(" You received %s as late-cancellation compensation.", s.money(amount))
		}
		return []message{
			payer("Booking cancelled", fmt.Sprintf("You cancelled %s on %s.%s", n.subject, when, refund), notify.TypeBooking),
			teacher("Booking cancelled", teacherBody, notify.TypeBooking),
		}
	case ActionCancelByTeacher:
		return []message{
			payer("Booking cancelled by teacher", fmt.Sprintf("%s cancelled %s on %s. %s was refunded to your wallet.", n.teacher.Name, n.subject, when, price), notify.TypeBooking),
			teacher("Booking cancelled", fmt.Sprintf("You cancelled %s on %s with %s.", n.subject, when, n.payer.Name), notify.TypeBooking),
		}
	case ActionCancelByAdmin:
		return []message{
			payer("Booking cancelled", fmt.Sprintf("%s on %s was cancelled by support. %s was refunded to your wallet.", n.subject, when, price), notify.TypeBooking),
			teacher("Booking cancelled", fmt.Sprintf("%s on %s with %s was cancelled by support.", n.subject, when, n.payer.Name), notify.TypeBooking),
		}
	case ActionComplete:
		closes := ""
		if next.DisputeWindowClosesAt != nil {
			closes = " before " + formatTime(*next.DisputeWindowClosesAt)
		}
		return []message{payer("Session completed",
			fmt.Sprintf("%s on %s is marked complete. Confirm it or raise a dispute%s.", n.subject, when, closes), notify.TypeBooking)}
	case ActionConfirm:
		return []message{teacher("Payment released",
			fmt.Sprintf("%s for %s on %s was released to your wallet.", price, n.subject, when), notify.TypePayment)}
	case ActionDispute:
		return []message{teacher("Session disputed",
			fmt.Sprintf("%s disputed %s on %s. Support will review it.", n.payer.Name, n.subject, when), notify.TypeBooking)}
	case ActionResolveComplete, ActionResolveRefund, ActionResolvePartial:
		return []message{
			payer("Dispute resolved", fmt.Sprintf("The dispute for %s on %s was resolved. %s was refunded to your wallet.", n.subject, when, s.money(credited(prev.PayerID))), notify.TypePayment),
			teacher("Dispute resolved", fmt.Sprintf("The dispute for %s on %s was resolved. %s was released to your wallet.", n.subject, when, s.money(credited(prev.TeacherID))), notify.TypePayment),
		}
	case ActionExpire:
		if prev.Status == StatusPendingTeacherApproval {
			return s.approvalExpiredMessages(prev, n)
		}
		return []message{
			payer("Booking expired", fmt.Sprintf("%s on %s expired because payment was not received in time.", n.subject, when), notify.TypeBooking),
			teacher("Booking expired", fmt.Sprintf("%s on %s with %s expired unpaid. The slot is free again.", n.subject, when, n.payer.Name), notify.TypeBooking),
		}
	}
	return nil
}

// dedupeKey identifies one notice per event and recipient role. cycle tells
// apart repeats of an event the lifecycle allows more than once.
func dedupeKey(kind string, id uuid.UUID, cycle, role string) string {
	if cycle == "" {
		return fmt.Sprintf("%s:%s:%s", kind, id, role)
	}
	return fmt.Sprintf("%s:%s:%s:%s", kind, id, cycle, role)
}

// deliveryCycle returns the cycle marker for actions that can repeat on one
// booking. The payment proof loop revisits WAITING_FOR_PAYMENT and
// PAYMENT_REVIEW, and each visit starts with its own updated_at.
func deliveryCycle(action Action, prev Booking) string {
	switch action {
	case ActionSubmitPaymentProof, ActionRejectPayment:
		return strconv.FormatInt(prev.UpdatedAt.UnixMicro(), 10)
	}
	return ""
}

// deliver writes messages through n. Failures are logged and swallowed so a
// notification problem never rolls back the state change. An empty kind
// produces notices without a dedupe key.
func (s *Service) deliver(ctx context.Context, n Notifier, b Booking, kind, cycle string, msgs []message) {
	if n == nil {
		return
	}
	for _, m := range msgs {
		key := ""
		if kind != "" {
			key = dedupeKey(kind, b.ID, cycle, m.role)
		}
		_, err := n.Notify(ctx, notify.Notice{
			UserID:    m.recipient,
			Title:     m.title,
			Message:   m.body,
			Type:      m.kind,
			DedupeKey: key,
			Metadata: map[string]any{
				"booking_id":  b.ID.String(),
				"readable_id": b.ReadableID,
				"status":      string(b.Status),
				"event":       kind,
			},
		})
		if err != nil {
			s.logger.Error("booking notification failed",
				slog.String("booking_id", b.ID.String()),
				slog.String("event", kind),
				slog.String("recipient", m.recipient.String()),
				slog.Any("error", err))
		}
		if m.email == "" || !emailEvents[kind] {
			continue
		}
		if err := n.EnqueueEmail(ctx, notify.Email{To: m.email, Subject: m.title, Body: m.body, DedupeKey: key}); err != nil {
			s.logger.Error("booking email enqueue failed",
				slog.String("booking_id", b.ID.String()),
				slog.String("event", kind),
				slog.Any("error", err))
		}
	}
}

var emailEvents = map[string]bool{
	string(ActionApprove):         true,
	string(ActionReject):          true,
	string(ActionPay):             true,
	string(ActionApprovePayment):  true,
	string(ActionRejectPayment):   true,
	string(ActionCancelByParent):  true,
	string(ActionCancelByTeacher): true,
	string(ActionCancelByAdmin):   true,
	string(ActionComplete):        true,
	string(ActionExpire):          true,
	string(ActionResolveComplete): true,
	string(ActionResolveRefund):   true,
	string(ActionResolvePartial):  true,
}
