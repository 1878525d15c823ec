package booking

import (
	"github.com/tutorly/tutorly/internal/rbac"
	"github.com/tutorly/tutorly/internal/shared"
)

// Action names a transition in the catalogue.
type Action string

const (
	ActionApprove            Action = "approve"
	ActionReject             Action = "reject"
	ActionPay                Action = "pay"
	ActionSubmitPaymentProof Action = "submit_payment_proof"
	ActionApprovePayment     Action = "approve_payment"
	ActionRejectPayment      Action = "reject_payment"
	ActionCancelByParent     Action = "cancel_by_parent"
	ActionCancelByTeacher    Action = "cancel_by_teacher"
	ActionCancelByAdmin      Action = "cancel_by_admin"
	ActionComplete           Action = "complete"
	ActionConfirm            Action = "confirm"
	ActionDispute            Action = "dispute"
	ActionResolveComplete    Action = "resolve_complete"
	ActionResolveRefund      Action = "resolve_refund"
	ActionResolvePartial     Action = "resolve_partial"
	ActionExpire             Action = "expire"
)

// PermissionChecker answers hasPermission(actor, permission).
type PermissionChecker interface {
	HasPermission(actor shared.Actor, perm string) bool
}

type party uint8

const (
	partyTeacher party = 1 << iota
	partyPayer
	partySystem
	partyPermitted
)

type rule struct {
	from       []Status
	to         Status
	parties    party
	permission string
}

var catalogue = map[Action]rule{
	ActionApprove:            {from: []Status{StatusPendingTeacherApproval}, to: StatusWaitingForPayment, parties: partyTeacher},
	ActionReject:             {from: []Status{StatusPendingTeacherApproval}, to: StatusRejectedByTeacher, parties: partyTeacher},
	ActionPay:                {from: []Status{StatusWaitingForPayment}, to: StatusScheduled, parties: partyPayer},
	ActionSubmitPaymentProof: {from: []Status{StatusWaitingForPayment}, to: StatusPaymentReview, parties: partyPayer},
	ActionApprovePayment:     {from: []Status{StatusPaymentReview}, to: StatusScheduled, parties: partyPermitted, permission: rbac.PermPaymentReview},
	ActionRejectPayment:      {from: []Status{StatusPaymentReview}, to: StatusWaitingForPayment, parties: partyPermitted, permission: rbac.PermPaymentReview},
	ActionCancelByParent:     {from: []Status{StatusWaitingForPayment, StatusScheduled}, to: StatusCancelledByParent, parties: partyPayer},
	ActionCancelByTeacher:    {from: []Status{StatusScheduled}, to: StatusCancelledByTeacher, parties: partyTeacher},
	ActionCancelByAdmin:      {from: []Status{StatusScheduled}, to: StatusCancelledByAdmin, parties: partyPermitted, permission: rbac.PermBookingCancelAny},
	ActionComplete:           {from: []Status{StatusScheduled}, to: StatusPendingConfirmation, parties: partyTeacher | partySystem},
	ActionConfirm:            {from: []Status{StatusPendingConfirmation}, to: StatusCompleted, parties: partyPayer | partySystem},
	ActionDispute:            {from: []Status{StatusPendingConfirmation}, to: StatusDisputed, parties: partyPayer},
	ActionResolveComplete:    {from: []Status{StatusDisputed}, to: StatusCompleted, parties: partyPermitted, permission: rbac.PermBookingResolve},
	ActionResolveRefund:      {from: []Status{StatusDisputed}, to: StatusRefunded, parties: partyPermitted, permission: rbac.PermBookingResolve},
	ActionResolvePartial:     {from: []Status{StatusDisputed}, to: StatusPartiallyRefunded, parties: partyPermitted, permission: rbac.PermBookingResolve},
	ActionExpire:             {from: []Status{StatusPendingTeacherApproval, StatusWaitingForPayment}, to: StatusExpired, parties: partySystem},
}

// Actions lists the catalogue.
func Actions() []Action {
	out := make([]Action, 0, len(catalogue))
	for a := range catalogue {
		out = append(out, a)
	}
	return out
}

// holdsFunds reports whether the action leads to money held in escrow, which
// later settles against both the payer's and the teacher's wallet.
func holdsFunds(action Action) bool {
	switch action {
	case ActionApprove, ActionPay, ActionApprovePayment:
		return true
	}
	return false
}

func lookup(action Action) (rule, bool) {
	r, ok := catalogue[action]
	return r, ok
}

func (r rule) allows(from Status) bool {
	for _, s := range r.from {
		if s == from {
			return true
		}
	}
	return false
}

func (r rule) authorize(b Booking, actor shared.Actor, perms PermissionChecker) bool {
	if r.parties&partySystem != 0 && actor.IsSystem() {
		return true
	}
	if actor.IsSystem() {
		return false
	}
	if r.parties&partyTeacher != 0 && actor.UserID == b.TeacherID && actor.Role == shared.RoleTeacher {
		return true
	}
	if r.parties&partyPayer != 0 && actor.UserID == b.PayerID &&
		(actor.Role == shared.RoleParent || actor.Role == shared.RoleStudent) {
		return true
	}
	if r.parties&partyPermitted != 0 && perms != nil && perms.HasPermission(actor, r.permission) {
		return true
	}
	return false
}

// canView reports whether the actor may read the booking.
func canView(b Booking, actor shared.Actor, perms PermissionChecker) bool {
	if actor.IsSystem() || actor.UserID == b.TeacherID || actor.UserID == b.PayerID || actor.UserID == b.StudentID {
		return true
	}
	return perms != nil && perms.HasPermission(actor, rbac.PermBookingResolve)
}
