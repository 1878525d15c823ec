package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PostingStore is the transactional surface the Poster needs. Implementations
// must hold a row lock on the wallet returned by LockWalletByOwner until the
// enclosing transaction ends.
type PostingStore interface {
	LockWalletByOwner(ctx context.Context, ownerID uuid.UUID) (Wallet, error)
	InsertTransaction(ctx context.Context, tx Transaction) error
	SetBalance(ctx context.Context, walletID uuid.UUID, balance decimal.Decimal, at time.Time) error
}

// Poster is the only writer of cached balances. Each Post inserts one
// APPROVED transaction and applies its sign to the wallet balance.
type Poster struct {
	store PostingStore
	now   func() time.Time
}

// NewPoster binds a poster to a transactional store.
func NewPoster(store PostingStore, now func() time.Time) *Poster {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Poster{store: store, now: now}
}

// Post writes an APPROVED entry and updates the cached balance.
func (p *Poster) Post(ctx context.Context, entry Entry) (Transaction, error) {
	if !entry.Amount.IsPositive() {
		return Transaction{}, ErrInvalidAmount
	}
	signed, err := entry.Type.Signed(entry.Amount)
	if err != nil {
		return Transaction{}, err
	}
	w, err := p.store.LockWalletByOwner(ctx, entry.OwnerID)
	if err != nil {
		return Transaction{}, err
	}
	next := w.Balance.Add(signed)
	if next.IsNegative() {
		return Transaction{}, fmt.Errorf("%w: wallet %s", ErrInsufficientFunds, w.ReadableID)
	}
	now := p.now()
	tx := Transaction{
		ID:          uuid.New(),
		WalletID:    w.ID,
		Type:        entry.Type,
		Amount:      entry.Amount,
		Status:      TxApproved,
		BookingID:   entry.BookingID,
		Reference:   entry.Reference,
		Description: entry.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := p.store.InsertTransaction(ctx, tx); err != nil {
		return Transaction{}, err
	}
	if err := p.store.SetBalance(ctx, w.ID, next, now); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}
