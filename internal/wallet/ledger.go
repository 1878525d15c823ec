package wallet

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Direction is the sign a transaction kind contributes to a balance.
type Direction int

const (
	Decrease Direction = -1
	Increase Direction = 1
)

// AllTxTypes lists every known kind. Adding a kind without extending
// Direction fails the ledger tests.
func AllTxTypes() []TxType {
	return []TxType{
		TxDeposit,
		TxDepositApproved,
		TxWithdrawal,
		TxWithdrawalCompleted,
		TxWithdrawalRefunded,
		TxPaymentLock,
		TxPaymentRelease,
		TxPackagePurchase,
		TxPackageRelease,
		TxEscrowRelease,
		TxRefund,
		TxCancellationCompensation,
	}
}

// Direction maps a kind to its sign. Unknown kinds return ErrUnknownTxType.
func (t TxType) Direction() (Direction, error) {
	switch t {
	case TxDeposit, TxDepositApproved, TxRefund, TxPaymentRelease, TxPackageRelease,
		TxEscrowRelease, TxWithdrawalRefunded, TxCancellationCompensation:
		return Increase, nil
	case TxWithdrawal, TxWithdrawalCompleted, TxPaymentLock, TxPackagePurchase:
		return Decrease, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownTxType, string(t))
	}
}

// Signed returns the amount with the kind's sign applied.
func (t TxType) Signed(amount decimal.Decimal) (decimal.Decimal, error) {
	dir, err := t.Direction()
	if err != nil {
		return decimal.Zero, err
	}
	if dir == Decrease {
		return amount.Neg(), nil
	}
	return amount, nil
}

// IntegrityWarning reports a ledger row the balance math could not use.
type IntegrityWarning struct {
	WalletID      uuid.UUID `json:"wallet_id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	Type          string    `json:"type"`
	Reason        string    `json:"reason"`
}

// CalculateBalance sums APPROVED transactions by their sign. Rows with an
// unknown kind or a negative amount are reported and left out of the sum.
func CalculateBalance(txs []Transaction) (decimal.Decimal, []IntegrityWarning) {
	return sumByStatus(txs, TxApproved)
}

// PendingBalance is the signed sum of PENDING transactions: money requested
// to move but not yet settled.
func PendingBalance(txs []Transaction) (decimal.Decimal, []IntegrityWarning) {
	return sumByStatus(txs, TxPending)
}

func sumByStatus(txs []Transaction, status TxStatus) (decimal.Decimal, []IntegrityWarning) {
	total := decimal.Zero
	var warnings []IntegrityWarning
	for _, tx := range txs {
		signed, err := tx.Type.Signed(tx.Amount)
		if err != nil {
			warnings = append(warnings, IntegrityWarning{
				WalletID:      tx.WalletID,
				TransactionID: tx.ID,
				Type:          string(tx.Type),
				Reason:        "unknown transaction type",
			})
			continue
		}
		if tx.Amount.IsNegative() {
			warnings = append(warnings, IntegrityWarning{
				WalletID:      tx.WalletID,
				TransactionID: tx.ID,
				Type:          string(tx.Type),
				Reason:        "negative amount",
			})
			continue
		}
		if tx.Status != status {
			continue
		}
		total = total.Add(signed)
	}
	return total, warnings
}
