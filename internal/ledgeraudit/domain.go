// Package ledgeraudit recomputes wallet balances from the transaction log and
// records drift for manual review. It never corrects balances.
package ledgeraudit

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tutorly/tutorly/internal/shared"
	"github.com/tutorly/tutorly/internal/wallet"
)

// Status is the outcome of one audit run.
type Status string

const (
	StatusSuccess          Status = "SUCCESS"
	StatusDiscrepancyFound Status = "DISCREPANCY_FOUND"
	StatusError            Status = "ERROR"
)

// Trigger records what started a run.
type Trigger string

const (
	TriggerScheduled Trigger = "SCHEDULED"
	TriggerManual    Trigger = "MANUAL"
)

// Tolerance absorbs rounding noise between stored and recomputed balances.
var Tolerance = decimal.New(1, -2)

// CurrencyPrecision is the number of decimals balances are rounded to.
const CurrencyPrecision int32 = 2

var (
	// ErrNotFound is returned for unknown audit logs.
	ErrNotFound = fmt.Errorf("ledger audit: %w", shared.ErrNotFound)
	// ErrAlreadyResolved is returned when a log already carries a resolution.
	ErrAlreadyResolved = fmt.Errorf("ledger audit already resolved: %w", shared.ErrConflict)
	// ErrNothingToResolve is returned for runs that found no discrepancy.
	ErrNothingToResolve = fmt.Errorf("%w: audit run has nothing to resolve", shared.ErrValidation)
	// ErrNoteRequired is returned when a resolution lacks a note.
	ErrNoteRequired = fmt.Errorf("%w: resolution note required", shared.ErrValidation)
	errEngineNotReady = errors.New("ledger audit: engine not configured")
)

// Discrepancy describes one wallet whose cached balance drifted.
type Discrepancy struct {
	WalletID          uuid.UUID       `json:"wallet_id"`
	ReadableID        string          `json:"readable_id"`
	OwnerID           uuid.UUID       `json:"owner_id"`
	StoredBalance     decimal.Decimal `json:"stored_balance"`
	CalculatedBalance decimal.Decimal `json:"calculated_balance"`
	Difference        decimal.Decimal `json:"difference"`
}

// Log is the persisted record of a run.
type Log struct {
	ID               uuid.UUID                 `json:"id"`
	RunAt            time.Time                 `json:"run_at"`
	Trigger          Trigger                   `json:"trigger"`
	TotalWallets     int                       `json:"total_wallets"`
	WalletsChecked   int                       `json:"wallets_checked"`
	DiscrepancyCount int                       `json:"discrepancy_count"`
	Status           Status                    `json:"status"`
	DurationMs       int64                     `json:"duration_ms"`
	Discrepancies    []Discrepancy             `json:"discrepancies"`
	Warnings         []wallet.IntegrityWarning `json:"integrity_warnings"`
	Error            string                    `json:"error,omitempty"`
	ResolvedAt       *time.Time                `json:"resolved_at,omitempty"`
	ResolvedBy       *uuid.UUID                `json:"resolved_by,omitempty"`
	ResolutionNote   string                    `json:"resolution_note,omitempty"`
}

// Summary is what callers of Run receive.
type Summary struct {
	ID               uuid.UUID `json:"id"`
	Status           Status    `json:"status"`
	DiscrepancyCount int       `json:"discrepancy_count"`
}

// Summary projects the log.
func (l Log) Summary() Summary {
	return Summary{ID: l.ID, Status: l.Status, DiscrepancyCount: l.DiscrepancyCount}
}

// Compare rounds both balances to currency precision and reports whether the
// wallet is outside tolerance.
func Compare(w wallet.Wallet, calculated decimal.Decimal) (Discrepancy, bool) {
	stored := w.Balance.Round(CurrencyPrecision)
	calculated = calculated.Round(CurrencyPrecision)
	diff := stored.Sub(calculated)
	if diff.Abs().LessThanOrEqual(Tolerance) {
		return Discrepancy{}, false
	}
	return Discrepancy{
		WalletID:          w.ID,
		ReadableID:        w.ReadableID,
		OwnerID:           w.OwnerID,
		StoredBalance:     stored,
		CalculatedBalance: calculated,
		Difference:        diff,
	}, true
}
