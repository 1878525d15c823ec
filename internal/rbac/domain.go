// Package rbac answers hasPermission(actor, permission) for admin-gated
// operations. Roles come from the upstream identity layer; the mapping from
// role to permissions is static.
package rbac

import (
	"sort"
	"strings"

	"github.com/tutorly/tutorly/internal/shared"
)

// Permissions used by booking, wallet and ledger audit operations.
const (
	PermBookingCancelAny   = "booking.cancel_any"
	PermBookingResolve     = "booking.resolve_dispute"
	PermPaymentReview      = "booking.review_payment"
	PermWalletDeposit      = "wallet.deposit"
	PermWalletPayout       = "wallet.payout"
	PermLedgerAuditRun     = "ledger.audit.run"
	PermLedgerAuditView    = "ledger.audit.view"
	PermLedgerAuditResolve = "ledger.audit.resolve"
	PermJobsTrigger        = "jobs.trigger"
)

var rolePermissions = map[shared.Role][]string{
	shared.RoleAdmin: {
		PermBookingCancelAny,
		PermBookingResolve,
		PermPaymentReview,
		PermWalletDeposit,
		PermWalletPayout,
		PermLedgerAuditRun,
		PermLedgerAuditView,
		PermLedgerAuditResolve,
		PermJobsTrigger,
	},
	shared.RoleSystem: {
		PermBookingCancelAny,
		PermLedgerAuditRun,
		PermJobsTrigger,
	},
}

// Checker resolves permissions for actors.
type Checker struct {
	grants map[shared.Role]map[string]struct{}
}

// NewChecker builds a Checker from the static role table.
func NewChecker() *Checker {
	grants := make(map[shared.Role]map[string]struct{}, len(rolePermissions))
	for role, perms := range rolePermissions {
		set := make(map[string]struct{}, len(perms))
		for _, p := range perms {
			set[strings.ToLower(p)] = struct{}{}
		}
		grants[role] = set
	}
	return &Checker{grants: grants}
}

// HasPermission reports whether the actor's role grants perm.
func (c *Checker) HasPermission(actor shared.Actor, perm string) bool {
	if c == nil {
		return false
	}
	_, ok := c.grants[actor.Role][strings.ToLower(strings.TrimSpace(perm))]
	return ok
}

// EffectivePermissions lists the permissions granted to the actor, sorted.
func (c *Checker) EffectivePermissions(actor shared.Actor) []string {
	if c == nil {
		return nil
	}
	set := c.grants[actor.Role]
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
