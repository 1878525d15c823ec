package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tutorly/tutorly/internal/platform/db"
)

// Repository defines wallet data access.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	CreateWallet(ctx context.Context, w Wallet) error
	WalletByOwner(ctx context.Context, ownerID uuid.UUID) (Wallet, error)
	ListTransactions(ctx context.Context, walletID uuid.UUID) ([]Transaction, error)
	CountWallets(ctx context.Context) (int, error)
	// ListWallets pages wallets in id order starting after the given id.
	ListWallets(ctx context.Context, after uuid.UUID, limit int) ([]Wallet, error)
	// Snapshot reads the wallet row and its transactions from one consistent
	// view; a posting commits either entirely before it or entirely after.
	Snapshot(ctx context.Context, walletID uuid.UUID) (Wallet, []Transaction, error)
}

// TxRepository defines operations within a transaction.
type TxRepository interface {
	PostingStore
	LockWallet(ctx context.Context, walletID uuid.UUID) (Wallet, error)
	LockTransaction(ctx context.Context, id uuid.UUID) (Transaction, error)
	SetTransactionStatus(ctx context.Context, id uuid.UUID, status TxStatus, at time.Time) error
	ListTransactions(ctx context.Context, walletID uuid.UUID) ([]Transaction, error)
}

var _ Repository = (*pgRepository)(nil)
var _ TxRepository = (*TxStore)(nil)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the pgx-backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxStore(tx))
	})
}

func (r *pgRepository) CreateWallet(ctx context.Context, w Wallet) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO wallets (id, readable_id, owner_id, balance, currency, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)`, w.ID, w.ReadableID, w.OwnerID, w.Balance, w.Currency, w.CreatedAt)
	return err
}

func (r *pgRepository) WalletByOwner(ctx context.Context, ownerID uuid.UUID) (Wallet, error) {
	return scanWallet(r.pool.QueryRow(ctx, walletColumns+` WHERE owner_id = $1`, ownerID))
}

func (r *pgRepository) ListTransactions(ctx context.Context, walletID uuid.UUID) ([]Transaction, error) {
	return listTransactions(ctx, r.pool, walletID)
}

func (r *pgRepository) CountWallets(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM wallets`).Scan(&n)
	return n, err
}

func (r *pgRepository) ListWallets(ctx context.Context, after uuid.UUID, limit int) ([]Wallet, error) {
	rows, err := r.pool.Query(ctx, walletColumns+` WHERE id > $1 ORDER BY id LIMIT $2`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (r *pgRepository) Snapshot(ctx context.Context, walletID uuid.UUID) (Wallet, []Transaction, error) {
	var (
		w   Wallet
		txs []Transaction
	)
	err := db.WithSnapshot(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		if w, err = scanWallet(tx.QueryRow(ctx, walletColumns+` WHERE id = $1`, walletID)); err != nil {
			return err
		}
		txs, err = listTransactions(ctx, tx, walletID)
		return err
	})
	return w, txs, err
}

// TxStore runs wallet statements on an open transaction. Booking transitions
// use it to post ledger entries in the same atomic unit as the status change.
type TxStore struct {
	tx pgx.Tx
}

// NewTxStore wraps an open transaction.
func NewTxStore(tx pgx.Tx) *TxStore {
	return &TxStore{tx: tx}
}

const walletColumns = `SELECT id, readable_id, owner_id, balance, currency, created_at, updated_at FROM wallets`

func (s *TxStore) LockWalletByOwner(ctx context.Context, ownerID uuid.UUID) (Wallet, error) {
	return scanWallet(s.tx.QueryRow(ctx, walletColumns+` WHERE owner_id = $1 FOR UPDATE`, ownerID))
}

func (s *TxStore) LockWallet(ctx context.Context, walletID uuid.UUID) (Wallet, error) {
	return scanWallet(s.tx.QueryRow(ctx, walletColumns+` WHERE id = $1 FOR UPDATE`, walletID))
}

func (s *TxStore) InsertTransaction(ctx context.Context, t Transaction) error {
	_, err := s.tx.Exec(ctx, `INSERT INTO wallet_transactions
	(id, wallet_id, type, amount, status, booking_id, reference, description, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10)`,
		t.ID, t.WalletID, string(t.Type), t.Amount, string(t.Status), t.BookingID, t.Reference, t.Description, t.CreatedAt, t.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s %s", ErrDuplicateEntry, t.Type, t.Reference)
	}
	return err
}

func (s *TxStore) SetBalance(ctx context.Context, walletID uuid.UUID, balance decimal.Decimal, at time.Time) error {
	tag, err := s.tx.Exec(ctx, `UPDATE wallets SET balance = $2, updated_at = $3 WHERE id = $1`, walletID, balance, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrWalletNotFound
	}
	return nil
}

func (s *TxStore) LockTransaction(ctx context.Context, id uuid.UUID) (Transaction, error) {
	row := s.tx.QueryRow(ctx, transactionColumns+` WHERE id = $1 FOR UPDATE`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, ErrTransactionNotFound
	}
	return t, err
}

func (s *TxStore) SetTransactionStatus(ctx context.Context, id uuid.UUID, status TxStatus, at time.Time) error {
	tag, err := s.tx.Exec(ctx, `UPDATE wallet_transactions SET status = $2, updated_at = $3
WHERE id = $1 AND status = 'PENDING'`, id, string(status), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotPending
	}
	return nil
}

func (s *TxStore) ListTransactions(ctx context.Context, walletID uuid.UUID) ([]Transaction, error) {
	return listTransactions(ctx, s.tx, walletID)
}

const transactionColumns = `SELECT id, wallet_id, type, amount, status, booking_id, COALESCE(reference, ''),
	description, created_at, updated_at FROM wallet_transactions`

func listTransactions(ctx context.Context, q db.Querier, walletID uuid.UUID) ([]Transaction, error) {
	rows, err := q.Query(ctx, transactionColumns+` WHERE wallet_id = $1 ORDER BY created_at, id`, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanWallet(row pgx.Row) (Wallet, error) {
	var w Wallet
	err := row.Scan(&w.ID, &w.ReadableID, &w.OwnerID, &w.Balance, &w.Currency, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Wallet{}, ErrWalletNotFound
	}
	return w, err
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		t      Transaction
		typ    string
		status string
	)
	if err := row.Scan(&t.ID, &t.WalletID, &typ, &t.Amount, &status, &t.BookingID, &t.Reference,
		&t.Description, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return Transaction{}, err
	}
	t.Type = TxType(typ)
	t.Status = TxStatus(status)
	return t, nil
}
