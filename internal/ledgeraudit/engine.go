package ledgeraudit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	jobmetrics "github.com/tutorly/tutorly/internal/jobs"
	"github.com/tutorly/tutorly/internal/wallet"
)

// LedgerReader is the read-only view of the wallet ledger the engine needs.
type LedgerReader interface {
	CountWallets(ctx context.Context) (int, error)
	ListWallets(ctx context.Context, after uuid.UUID, limit int) ([]wallet.Wallet, error)
	// Snapshot returns the wallet row and its transactions as of one point
	// in time, so a posting is either fully in both or in neither.
	Snapshot(ctx context.Context, walletID uuid.UUID) (wallet.Wallet, []wallet.Transaction, error)
}

// Store persists audit logs.
type Store interface {
	Insert(ctx context.Context, log Log) error
	Get(ctx context.Context, id uuid.UUID) (Log, error)
	List(ctx context.Context, limit int) ([]Log, error)
	// Resolve stamps a resolution only when none exists yet.
	Resolve(ctx context.Context, id uuid.UUID, by uuid.UUID, note string, at time.Time) (bool, error)
}

// Engine runs ledger audits.
type Engine struct {
	ledger   LedgerReader
	store    Store
	logger   *slog.Logger
	metrics  *jobmetrics.Metrics
	pageSize int
	now      func() time.Time
	manual   singleflight.Group
}

// NewEngine constructs an Engine.
func NewEngine(ledger LedgerReader, store Store, logger *slog.Logger, metrics *jobmetrics.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		ledger:   ledger,
		store:    store,
		logger:   logger,
		metrics:  metrics,
		pageSize: 500,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the clock.
func (e *Engine) WithNow(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// WithPageSize overrides the wallet page size.
func (e *Engine) WithPageSize(n int) {
	if n > 0 {
		e.pageSize = n
	}
}

// Run audits every wallet and persists one log. Concurrent manual runs share
// a single execution. A run whose engine failed is persisted as ERROR and the
// failure is returned alongside the summary.
func (e *Engine) Run(ctx context.Context, trigger Trigger) (Summary, error) {
	if e == nil || e.ledger == nil || e.store == nil {
		return Summary{}, errEngineNotReady
	}
	if trigger != TriggerManual {
		return e.run(ctx, trigger)
	}
	ch := e.manual.DoChan(string(trigger), func() (interface{}, error) {
		return e.run(context.WithoutCancel(ctx), trigger)
	})
	select {
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	case res := <-ch:
		summary, _ := res.Val.(Summary)
		return summary, res.Err
	}
}

func (e *Engine) run(ctx context.Context, trigger Trigger) (Summary, error) {
	start := e.now()
	log := Log{ID: uuid.New(), RunAt: start, Trigger: trigger}

	scanErr := e.scan(ctx, &log)
	log.DurationMs = e.now().Sub(start).Milliseconds()
	log.DiscrepancyCount = len(log.Discrepancies)
	switch {
	case scanErr != nil:
		log.Status = StatusError
		log.Error = scanErr.Error()
	case log.DiscrepancyCount > 0:
		log.Status = StatusDiscrepancyFound
	default:
		log.Status = StatusSuccess
	}

	e.metrics.AddDiscrepancies(log.DiscrepancyCount)
	e.metrics.AddIntegrityWarnings(len(log.Warnings))

	if err := e.store.Insert(ctx, log); err != nil {
		e.logger.Error("ledger audit persist", slog.String("audit_id", log.ID.String()), slog.Any("error", err))
		return log.Summary(), errors.Join(scanErr, fmt.Errorf("ledger audit: persist log: %w", err))
	}

	attrs := []any{
		slog.String("audit_id", log.ID.String()),
		slog.String("trigger", string(trigger)),
		slog.String("status", string(log.Status)),
		slog.Int("wallets", log.WalletsChecked),
		slog.Int("discrepancies", log.DiscrepancyCount),
		slog.Int64("duration_ms", log.DurationMs),
	}
	if scanErr != nil {
		e.logger.Error("ledger audit failed", append(attrs, slog.Any("error", scanErr))...)
		return log.Summary(), fmt.Errorf("ledger audit: %w", scanErr)
	}
	e.logger.Info("ledger audit completed", attrs...)
	return log.Summary(), nil
}

func (e *Engine) scan(ctx context.Context, log *Log) error {
	total, err := e.ledger.CountWallets(ctx)
	if err != nil {
		return fmt.Errorf("count wallets: %w", err)
	}
	log.TotalWallets = total

	after := uuid.Nil
	for {
		page, err := e.ledger.ListWallets(ctx, after, e.pageSize)
		if err != nil {
			return fmt.Errorf("list wallets: %w", err)
		}
		for _, listed := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			// The page's balance may already be stale; compare against the
			// balance read together with the transactions.
			w, txs, err := e.ledger.Snapshot(ctx, listed.ID)
			if err != nil {
				return fmt.Errorf("snapshot wallet %s: %w", listed.ID, err)
			}
			calculated, warnings := wallet.CalculateBalance(txs)
			for _, warn := range warnings {
				e.logger.Warn("ledger integrity warning",
					slog.String("wallet_id", warn.WalletID.String()),
					slog.String("transaction_id", warn.TransactionID.String()),
					slog.String("type", warn.Type),
					slog.String("reason", warn.Reason))
			}
			log.Warnings = append(log.Warnings, warnings...)
			if d, drifted := Compare(w, calculated); drifted {
				e.logger.Warn("ledger discrepancy",
					slog.String("wallet_id", d.WalletID.String()),
					slog.String("stored", d.StoredBalance.String()),
					slog.String("calculated", d.CalculatedBalance.String()),
					slog.String("difference", d.Difference.String()))
				log.Discrepancies = append(log.Discrepancies, d)
			}
			log.WalletsChecked++
		}
		if len(page) < e.pageSize {
			return nil
		}
		after = page[len(page)-1].ID
	}
}

// Get returns a stored audit log.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (Log, error) {
	return e.store.Get(ctx, id)
}

// List returns the most recent audit logs.
func (e *Engine) List(ctx context.Context, limit int) ([]Log, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return e.store.List(ctx, limit)
}

// Resolve records that an administrator handled the run's findings.
func (e *Engine) Resolve(ctx context.Context, id uuid.UUID, actorID uuid.UUID, note string) (Log, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return Log{}, ErrNoteRequired
	}
	log, err := e.store.Get(ctx, id)
	if err != nil {
		return Log{}, err
	}
	if log.Status == StatusSuccess {
		return Log{}, ErrNothingToResolve
	}
	if log.ResolvedAt != nil {
		return Log{}, ErrAlreadyResolved
	}
	at := e.now()
	ok, err := e.store.Resolve(ctx, id, actorID, note, at)
	if err != nil {
		return Log{}, err
	}
	if !ok {
		return Log{}, ErrAlreadyResolved
	}
	log.ResolvedAt = &at
	log.ResolvedBy = &actorID
	log.ResolutionNote = note
	e.logger.Info("ledger audit resolved", slog.String("audit_id", id.String()), slog.String("resolved_by", actorID.String()))
	return log, nil
}
