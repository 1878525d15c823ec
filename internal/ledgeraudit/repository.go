package ledgeraudit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*pgStore)(nil)

type pgStore struct {
	pool *pgxpool.Pool
}

// NewStore returns the pgx-backed audit log store.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

const logColumns = `SELECT id, run_at, trigger, total_wallets, wallets_checked, discrepancy_count, status,
	duration_ms, discrepancies, integrity_warnings, COALESCE(error, ''), resolved_at, resolved_by,
	COALESCE(resolution_note, '') FROM ledger_audit_logs`

func (s *pgStore) Insert(ctx context.Context, l Log) error {
	discrepancies, err := json.Marshal(nonNil(l.Discrepancies))
	if err != nil {
		return fmt.Errorf("encode discrepancies: %w", err)
	}
	warnings, err := json.Marshal(nonNil(l.Warnings))
	if err != nil {
		return fmt.Errorf("encode warnings: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO ledger_audit_logs
	(id, run_at, trigger, total_wallets, wallets_checked, discrepancy_count, status, duration_ms,
	 discrepancies, integrity_warnings, error)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''))`,
		l.ID, l.RunAt, string(l.Trigger), l.TotalWallets, l.WalletsChecked, l.DiscrepancyCount,
		string(l.Status), l.DurationMs, discrepancies, warnings, l.Error)
	return err
}

func (s *pgStore) Get(ctx context.Context, id uuid.UUID) (Log, error) {
	l, err := scanLog(s.pool.QueryRow(ctx, logColumns+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Log{}, ErrNotFound
	}
	return l, err
}

func (s *pgStore) List(ctx context.Context, limit int) ([]Log, error) {
	rows, err := s.pool.Query(ctx, logColumns+` ORDER BY run_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Log
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *pgStore) Resolve(ctx context.Context, id uuid.UUID, by uuid.UUID, note string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE ledger_audit_logs
SET resolved_at = $2, resolved_by = $3, resolution_note = $4
WHERE id = $1 AND resolved_at IS NULL`, id, at, by, note)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func scanLog(row pgx.Row) (Log, error) {
	var (
		l                       Log
		trigger, status         string
		discrepancies, warnings []byte
	)
	if err := row.Scan(&l.ID, &l.RunAt, &trigger, &l.TotalWallets, &l.WalletsChecked, &l.DiscrepancyCount,
		&status, &l.DurationMs, &discrepancies, &warnings, &l.Error, &l.ResolvedAt, &l.ResolvedBy,
		&l.ResolutionNote); err != nil {
		return Log{}, err
	}
	l.Trigger = Trigger(trigger)
	l.Status = Status(status)
	if len(discrepancies) > 0 {
		if err := json.Unmarshal(discrepancies, &l.Discrepancies); err != nil {
			return Log{}, fmt.Errorf("decode discrepancies: %w", err)
		}
	}
	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &l.Warnings); err != nil {
			return Log{}, fmt.Errorf("decode warnings: %w", err)
		}
	}
	return l, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
