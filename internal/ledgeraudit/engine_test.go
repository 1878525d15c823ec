package ledgeraudit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/tutorly/tutorly/internal/jobs"
	"github.com/tutorly/tutorly/internal/wallet"
)

type memoryLedger struct {
	wallets []wallet.Wallet
	txs     map[uuid.UUID][]wallet.Transaction
	listErr error
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{txs: map[uuid.UUID][]wallet.Transaction{}}
}

func (m *memoryLedger) addWallet(stored string, entries ...wallet.Transaction) wallet.Wallet {
	w := wallet.Wallet{ID: uuid.New(), OwnerID: uuid.New(), ReadableID: "WL-2501-0001", Balance: dec(stored), Currency: "USD"}
	for i := range entries {
		entries[i].ID = uuid.New()
		entries[i].WalletID = w.ID
	}
	m.wallets = append(m.wallets, w)
	m.txs[w.ID] = entries
	return w
}

func (m *memoryLedger) CountWallets(context.Context) (int, error) {
	return len(m.wallets), nil
}

func (m *memoryLedger) ListWallets(_ context.Context, after uuid.UUID, limit int) ([]wallet.Wallet, error) {
	sorted := append([]wallet.Wallet(nil), m.wallets...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID.String() < sorted[j].ID.String() })
	var out []wallet.Wallet
	for _, w := range sorted {
		if w.ID.String() > after.String() {
			out = append(out, w)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memoryLedger) Snapshot(_ context.Context, walletID uuid.UUID) (wallet.Wallet, []wallet.Transaction, error) {
	if m.listErr != nil {
		return wallet.Wallet{}, nil, m.listErr
	}
	for _, w := range m.wallets {
		if w.ID == walletID {
			return w, m.txs[walletID], nil
		}
	}
	return wallet.Wallet{}, nil, wallet.ErrWalletNotFound
}

// postingMidScan lands a posting on one wallet after the page of wallets was
// read and before that wallet's snapshot.
type postingMidScan struct {
	*memoryLedger
	target  uuid.UUID
	posting wallet.Transaction
	posted  bool
}

func (p *postingMidScan) ListWallets(ctx context.Context, after uuid.UUID, limit int) ([]wallet.Wallet, error) {
	page, err := p.memoryLedger.ListWallets(ctx, after, limit)
	if err != nil || p.posted {
		return page, err
	}
	for i, w := range p.wallets {
		if w.ID != p.target {
			continue
		}
		signed, err := p.posting.Type.Signed(p.posting.Amount)
		if err != nil {
			return nil, err
		}
		p.posting.ID = uuid.New()
		p.posting.WalletID = w.ID
		p.wallets[i].Balance = w.Balance.Add(signed)
		p.txs[w.ID] = append(p.txs[w.ID], p.posting)
	}
	p.posted = true
	return page, nil
}

type memoryAuditStore struct {
	mu   sync.Mutex
	logs map[uuid.UUID]Log
}

func newMemoryAuditStore() *memoryAuditStore {
	return &memoryAuditStore{logs: map[uuid.UUID]Log{}}
}

func (m *memoryAuditStore) Insert(_ context.Context, l Log) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[l.ID] = l
	return nil
}

func (m *memoryAuditStore) Get(_ context.Context, id uuid.UUID) (Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok {
		return Log{}, ErrNotFound
	}
	return l, nil
}

func (m *memoryAuditStore) List(_ context.Context, limit int) ([]Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Log, 0, len(m.logs))
	for _, l := range m.logs {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunAt.After(out[j].RunAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryAuditStore) Resolve(_ context.Context, id uuid.UUID, by uuid.UUID, note string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok || l.ResolvedAt != nil {
		return false, nil
	}
	l.ResolvedAt = &at
	l.ResolvedBy = &by
	l.ResolutionNote = note
	m.logs[id] = l
	return true, nil
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func approved(typ wallet.TxType, amount string) wallet.Transaction {
	return wallet.Transaction{Type: typ, Amount: dec(amount), Status: wallet.TxApproved}
}

func newTestEngine(ledger *memoryLedger, store *memoryAuditStore) *Engine {
	e := NewEngine(ledger, store, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	e.WithNow(func() time.Time { return time.Date(2025, 1, 16, 2, 0, 0, 0, time.UTC) })
	return e
}

func TestRunCleanLedger(t *testing.T) {
	ledger := newMemoryLedger()
	payer := ledger.addWallet("60",
		approved(wallet.TxDepositApproved, "100"),
		approved(wallet.TxPaymentLock, "40"),
	)
	teacher := ledger.addWallet("40", approved(wallet.TxPaymentRelease, "40"))
	store := newMemoryAuditStore()

	summary, err := newTestEngine(ledger, store).Run(context.Background(), TriggerScheduled)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, summary.Status)
	require.Zero(t, summary.DiscrepancyCount)

	log := store.logs[summary.ID]
	require.Equal(t, 2, log.TotalWallets)
	require.Equal(t, 2, log.WalletsChecked)
	require.Equal(t, TriggerScheduled, log.Trigger)
	require.NotEqual(t, payer.ID, teacher.ID)
}

func TestRunIgnoresPostingBetweenListAndSnapshot(t *testing.T) {
	ledger := newMemoryLedger()
	payer := ledger.addWallet("100", approved(wallet.TxDepositApproved, "100"))
	ledger.addWallet("0")
	racing := &postingMidScan{memoryLedger: ledger, target: payer.ID, posting: approved(wallet.TxPaymentLock, "40")}
	store := newMemoryAuditStore()

	e := NewEngine(racing, store, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	summary, err := e.Run(context.Background(), TriggerScheduled)
	require.NoError(t, err)
	require.True(t, racing.posted)
	require.Equal(t, StatusSuccess, summary.Status)
	require.Zero(t, summary.DiscrepancyCount)
	require.True(t, ledger.wallets[0].Balance.Equal(dec("60")))
}

func TestCompareTolerance(t *testing.T) {
	w := wallet.Wallet{ID: uuid.New(), Balance: dec("60.01")}
	_, drifted := Compare(w, dec("60"))
	require.False(t, drifted)

	w.Balance = dec("60.004")
	_, drifted = Compare(w, dec("60"))
	require.False(t, drifted)

	w.Balance = dec("59.98")
	d, drifted := Compare(w, dec("60"))
	require.True(t, drifted)
	require.True(t, d.Difference.Equal(dec("-0.02")), d.Difference.String())
}

func TestRunRecordsDiscrepanciesWithoutCorrecting(t *testing.T) {
	ledger := newMemoryLedger()
	ledger.addWallet("100", approved(wallet.TxDepositApproved, "100"))
	drifted := ledger.addWallet("75",
		approved(wallet.TxDepositApproved, "100"),
		approved(wallet.TxPaymentLock, "40"),
		wallet.Transaction{Type: wallet.TxWithdrawal, Amount: dec("10"), Status: wallet.TxPending},
	)
	store := newMemoryAuditStore()

	summary, err := newTestEngine(ledger, store).Run(context.Background(), TriggerScheduled)
	require.NoError(t, err)
	require.Equal(t, StatusDiscrepancyFound, summary.Status)
	require.Equal(t, 1, summary.DiscrepancyCount)

	log := store.logs[summary.ID]
	require.Len(t, log.Discrepancies, 1)
	d := log.Discrepancies[0]
	require.Equal(t, drifted.ID, d.WalletID)
	require.True(t, d.StoredBalance.Equal(dec("75")))
	require.True(t, d.CalculatedBalance.Equal(dec("60")))
	require.True(t, d.Difference.Equal(dec("15")))
	require.True(t, ledger.wallets[1].Balance.Equal(dec("75")))
}

func TestRunEveryWalletBalancedOrListed(t *testing.T) {
	ledger := newMemoryLedger()
	stored := []string{"10", "10.01", "9", "0", "12.345", "5"}
	for _, s := range stored {
		ledger.addWallet(s, approved(wallet.TxDepositApproved, "10"))
	}
	store := newMemoryAuditStore()
	engine := newTestEngine(ledger, store)
	engine.WithPageSize(2)

	summary, err := engine.Run(context.Background(), TriggerManual)
	require.NoError(t, err)
	log := store.logs[summary.ID]
	require.Equal(t, len(stored), log.WalletsChecked)

	listed := map[uuid.UUID]bool{}
	for _, d := range log.Discrepancies {
		listed[d.WalletID] = true
	}
	for _, w := range ledger.wallets {
		calculated, _ := wallet.CalculateBalance(ledger.txs[w.ID])
		within := w.Balance.Round(2).Sub(calculated).Abs().LessThanOrEqual(Tolerance)
		require.True(t, within || listed[w.ID], "wallet %s neither balanced nor listed", w.ID)
		require.False(t, within && listed[w.ID])
	}
	require.Equal(t, 4, summary.DiscrepancyCount)
}

func TestRunUnknownTypeIsWarningNotFailure(t *testing.T) {
	ledger := newMemoryLedger()
	ledger.addWallet("100",
		approved(wallet.TxDepositApproved, "100"),
		approved(wallet.TxType("LOYALTY_BONUS"), "5"),
	)
	store := newMemoryAuditStore()

	summary, err := newTestEngine(ledger, store).Run(context.Background(), TriggerScheduled)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, summary.Status)
	log := store.logs[summary.ID]
	require.Len(t, log.Warnings, 1)
	require.Equal(t, "LOYALTY_BONUS", log.Warnings[0].Type)
}

func TestRunEngineFailurePersistsErrorLog(t *testing.T) {
	ledger := newMemoryLedger()
	ledger.addWallet("1", approved(wallet.TxDeposit, "1"))
	ledger.listErr = errors.New("connection reset")
	store := newMemoryAuditStore()

	summary, err := newTestEngine(ledger, store).Run(context.Background(), TriggerScheduled)
	require.Error(t, err)
	require.Equal(t, StatusError, summary.Status)
	log, getErr := store.Get(context.Background(), summary.ID)
	require.NoError(t, getErr)
	require.Contains(t, log.Error, "connection reset")
}

func TestResolve(t *testing.T) {
	ledger := newMemoryLedger()
	ledger.addWallet("50", approved(wallet.TxDepositApproved, "40"))
	ledger.addWallet("0")
	store := newMemoryAuditStore()
	engine := newTestEngine(ledger, store)
	ctx := context.Background()

	summary, err := engine.Run(ctx, TriggerScheduled)
	require.NoError(t, err)
	admin := uuid.New()

	_, err = engine.Resolve(ctx, summary.ID, admin, "  ")
	require.ErrorIs(t, err, ErrNoteRequired)

	resolved, err := engine.Resolve(ctx, summary.ID, admin, "posted correcting deposit")
	require.NoError(t, err)
	require.NotNil(t, resolved.ResolvedAt)
	require.Equal(t, admin, *resolved.ResolvedBy)

	_, err = engine.Resolve(ctx, summary.ID, admin, "again")
	require.ErrorIs(t, err, ErrAlreadyResolved)

	_, err = engine.Resolve(ctx, uuid.New(), admin, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	clean := newMemoryLedger()
	clean.addWallet("0")
	cleanEngine := newTestEngine(clean, store)
	ok, err := cleanEngine.Run(ctx, TriggerScheduled)
	require.NoError(t, err)
	_, err = cleanEngine.Resolve(ctx, ok.ID, admin, "nothing")
	require.ErrorIs(t, err, ErrNothingToResolve)
}
