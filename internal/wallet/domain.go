// Package wallet owns the escrow ledger: transaction kinds and their sign,
// balance arithmetic, posting and the deposit/withdrawal flows.
package wallet

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TxType enumerates ledger transaction kinds.
type TxType string

const (
	TxDeposit                  TxType = "DEPOSIT"
	TxDepositApproved          TxType = "DEPOSIT_APPROVED"
	TxWithdrawal               TxType = "WITHDRAWAL"
	TxWithdrawalCompleted      TxType = "WITHDRAWAL_COMPLETED"
	TxWithdrawalRefunded       TxType = "WITHDRAWAL_REFUNDED"
	TxPaymentLock              TxType = "PAYMENT_LOCK"
	TxPaymentRelease           TxType = "PAYMENT_RELEASE"
	TxPackagePurchase          TxType = "PACKAGE_PURCHASE"
	TxPackageRelease           TxType = "PACKAGE_RELEASE"
	TxEscrowRelease            TxType = "ESCROW_RELEASE"
	TxRefund                   TxType = "REFUND"
	TxCancellationCompensation TxType = "CANCELLATION_COMPENSATION"
)

// TxStatus enumerates transaction settlement states.
type TxStatus string

const (
	TxPending  TxStatus = "PENDING"
	TxApproved TxStatus = "APPROVED"
	TxRejected TxStatus = "REJECTED"
)

// Wallet is the balance holder of a single user.
type Wallet struct {
	ID         uuid.UUID       `json:"id"`
	ReadableID string          `json:"readable_id"`
	OwnerID    uuid.UUID       `json:"owner_id"`
	Balance    decimal.Decimal `json:"balance"`
	Currency   string          `json:"currency"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Transaction is one immutable ledger entry. Amount is never negative; the
// sign comes from Type.
type Transaction struct {
	ID          uuid.UUID       `json:"id"`
	WalletID    uuid.UUID       `json:"wallet_id"`
	Type        TxType          `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Status      TxStatus        `json:"status"`
	BookingID   *uuid.UUID      `json:"booking_id,omitempty"`
	Reference   string          `json:"reference,omitempty"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Balance is the read model returned to wallet owners.
type Balance struct {
	WalletID       uuid.UUID       `json:"wallet_id"`
	ReadableID     string          `json:"readable_id"`
	Balance        decimal.Decimal `json:"balance"`
	PendingBalance decimal.Decimal `json:"pending_balance"`
	Currency       string          `json:"currency"`
}

// Entry describes a posting request.
type Entry struct {
	OwnerID     uuid.UUID
	Type        TxType
	Amount      decimal.Decimal
	BookingID   *uuid.UUID
	Reference   string
	Description string
}
