package wallet

import (
	"errors"
	"fmt"

	"github.com/tutorly/tutorly/internal/shared"
)

var (
	// ErrWalletNotFound indicates the owner has no wallet.
	ErrWalletNotFound = fmt.Errorf("wallet: %w", shared.ErrNotFound)
	// ErrTransactionNotFound indicates an unknown transaction id.
	ErrTransactionNotFound = fmt.Errorf("wallet transaction: %w", shared.ErrNotFound)
	// ErrInsufficientFunds is returned when a decrease would make the balance negative.
	ErrInsufficientFunds = fmt.Errorf("%w: insufficient funds", shared.ErrValidation)
	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = fmt.Errorf("%w: amount must be positive", shared.ErrValidation)
	// ErrUnknownTxType flags a transaction kind without a sign assignment.
	ErrUnknownTxType = errors.New("wallet: unknown transaction type")
	// ErrNotPending is returned when settling a transaction that already settled.
	ErrNotPending = fmt.Errorf("wallet: transaction is not pending: %w", shared.ErrConflict)
	// ErrDuplicateEntry is returned when the same (wallet, type, reference) was already posted.
	ErrDuplicateEntry = fmt.Errorf("wallet: duplicate ledger entry: %w", shared.ErrConflict)
)
