package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tutorly/tutorly/internal/platform/db"
	"github.com/tutorly/tutorly/internal/readableid"
)

// IDAllocator issues readable identifiers.
type IDAllocator interface {
	Next(ctx context.Context, kind readableid.Kind, at time.Time) (string, error)
}

// Service implements wallet opening, balance reads and the deposit and
// withdrawal flows. Booking transitions post through Poster directly.
type Service struct {
	repo     Repository
	ids      IDAllocator
	currency string
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs a wallet Service.
func NewService(repo Repository, ids IDAllocator, currency string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = "USD"
	}
	return &Service{
		repo:     repo,
		ids:      ids,
		currency: currency,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the clock.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Open returns the owner's wallet, creating it on first use.
func (s *Service) Open(ctx context.Context, ownerID uuid.UUID) (Wallet, error) {
	if ownerID == uuid.Nil {
		return Wallet{}, fmt.Errorf("wallet: owner required")
	}
	existing, err := s.repo.WalletByOwner(ctx, ownerID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return Wallet{}, err
	}
	now := s.now()
	readable, err := s.ids.Next(ctx, readableid.KindWallet, now)
	if err != nil {
		return Wallet{}, err
	}
	w := Wallet{
		ID:         uuid.New(),
		ReadableID: readable,
		OwnerID:    ownerID,
		Balance:    decimal.Zero,
		Currency:   s.currency,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.CreateWallet(ctx, w); err != nil {
		if db.IsUniqueViolation(err) {
			return s.repo.WalletByOwner(ctx, ownerID)
		}
		return Wallet{}, err
	}
	return w, nil
}

// GetBalance returns the cached balance and the signed sum of pending
// transactions for the owner's wallet.
func (s *Service) GetBalance(ctx context.Context, ownerID uuid.UUID) (Balance, error) {
	w, err := s.repo.WalletByOwner(ctx, ownerID)
	if err != nil {
		return Balance{}, err
	}
	txs, err := s.repo.ListTransactions(ctx, w.ID)
	if err != nil {
		return Balance{}, err
	}
	pending, warnings := PendingBalance(txs)
	s.logWarnings(warnings)
	return Balance{
		WalletID:       w.ID,
		ReadableID:     w.ReadableID,
		Balance:        w.Balance,
		PendingBalance: pending,
		Currency:       w.Currency,
	}, nil
}

// Deposit credits a pre-validated gateway payment. The reference is the
// gateway's payment id; a repeated reference is rejected with ErrDuplicateEntry.
func (s *Service) Deposit(ctx context.Context, ownerID uuid.UUID, amount decimal.Decimal, reference string) (Transaction, error) {
	var out Transaction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		posted, err := NewPoster(tx, s.now).Post(ctx, Entry{
			OwnerID:     ownerID,
			Type:        TxDepositApproved,
			Amount:      amount,
			Reference:   strings.TrimSpace(reference),
			Description: "deposit",
		})
		out = posted
		return err
	})
	return out, err
}

// RequestWithdrawal records a PENDING withdrawal. The balance only moves once
// the payout completes, but the request may not exceed what is available
// after other pending withdrawals.
func (s *Service) RequestWithdrawal(ctx context.Context, ownerID uuid.UUID, amount decimal.Decimal) (Transaction, error) {
	if !amount.IsPositive() {
		return Transaction{}, ErrInvalidAmount
	}
	var out Transaction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		w, err := tx.LockWalletByOwner(ctx, ownerID)
		if err != nil {
			return err
		}
		txs, err := tx.ListTransactions(ctx, w.ID)
		if err != nil {
			return err
		}
		pending, _ := PendingBalance(txs)
		if w.Balance.Add(pending).LessThan(amount) {
			return fmt.Errorf("%w: wallet %s", ErrInsufficientFunds, w.ReadableID)
		}
		now := s.now()
		out = Transaction{
			ID:          uuid.New(),
			WalletID:    w.ID,
			Type:        TxWithdrawal,
			Amount:      amount,
			Status:      TxPending,
			Description: "withdrawal request",
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return tx.InsertTransaction(ctx, out)
	})
	return out, err
}

// CompleteWithdrawal settles a pending withdrawal and debits the balance.
func (s *Service) CompleteWithdrawal(ctx context.Context, txID uuid.UUID) (Transaction, error) {
	var out Transaction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t, err := s.lockPendingWithdrawal(ctx, tx, txID)
		if err != nil {
			return err
		}
		w, err := tx.LockWallet(ctx, t.WalletID)
		if err != nil {
			return err
		}
		next := w.Balance.Sub(t.Amount)
		if next.IsNegative() {
			return fmt.Errorf("%w: wallet %s", ErrInsufficientFunds, w.ReadableID)
		}
		now := s.now()
		if err := tx.SetTransactionStatus(ctx, t.ID, TxApproved, now); err != nil {
			return err
		}
		if err := tx.SetBalance(ctx, w.ID, next, now); err != nil {
			return err
		}
		t.Status = TxApproved
		t.UpdatedAt = now
		out = t
		return nil
	})
	return out, err
}

// RejectWithdrawal cancels a pending withdrawal; the balance is untouched.
func (s *Service) RejectWithdrawal(ctx context.Context, txID uuid.UUID) (Transaction, error) {
	var out Transaction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t, err := s.lockPendingWithdrawal(ctx, tx, txID)
		if err != nil {
			return err
		}
		now := s.now()
		if err := tx.SetTransactionStatus(ctx, t.ID, TxRejected, now); err != nil {
			return err
		}
		t.Status = TxRejected
		t.UpdatedAt = now
		out = t
		return nil
	})
	return out, err
}

// RefundWithdrawal credits back a completed withdrawal whose payout bounced.
func (s *Service) RefundWithdrawal(ctx context.Context, txID uuid.UUID) (Transaction, error) {
	var out Transaction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		orig, err := tx.LockTransaction(ctx, txID)
		if err != nil {
			return err
		}
		if orig.Type != TxWithdrawal || orig.Status != TxApproved {
			return fmt.Errorf("wallet: transaction %s is not a completed withdrawal", txID)
		}
		w, err := tx.LockWallet(ctx, orig.WalletID)
		if err != nil {
			return err
		}
		posted, err := NewPoster(tx, s.now).Post(ctx, Entry{
			OwnerID:     w.OwnerID,
			Type:        TxWithdrawalRefunded,
			Amount:      orig.Amount,
			Reference:   orig.ID.String(),
			Description: "withdrawal payout returned",
		})
		out = posted
		return err
	})
	return out, err
}

func (s *Service) lockPendingWithdrawal(ctx context.Context, tx TxRepository, id uuid.UUID) (Transaction, error) {
	t, err := tx.LockTransaction(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	if t.Type != TxWithdrawal {
		return Transaction{}, fmt.Errorf("wallet: transaction %s is %s, not a withdrawal", id, t.Type)
	}
	if t.Status != TxPending {
		return Transaction{}, ErrNotPending
	}
	return t, nil
}

func (s *Service) logWarnings(warnings []IntegrityWarning) {
	for _, w := range warnings {
		s.logger.Warn("ledger integrity warning",
			slog.String("wallet_id", w.WalletID.String()),
			slog.String("transaction_id", w.TransactionID.String()),
			slog.String("type", w.Type),
			slog.String("reason", w.Reason))
	}
}
