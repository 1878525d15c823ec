package readableid

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tutorly/tutorly/internal/platform/db"
)

// Repository stores counters in readable_id_counters.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the postgres counter store.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Increment reads-or-creates the counter row, locks it and bumps it inside a
// single transaction. The unique (entity_type, period) constraint makes the
// create step race-free; FOR UPDATE serializes the increment.
func (r *Repository) Increment(ctx context.Context, kind Kind, period string) (int64, error) {
	var value int64
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO readable_id_counters (entity_type, period, value)
VALUES ($1, $2, 0) ON CONFLICT (entity_type, period) DO NOTHING`, string(kind), period); err != nil {
			return fmt.Errorf("ensure counter: %w", err)
		}
		var current int64
		if err := tx.QueryRow(ctx, `SELECT value FROM readable_id_counters
WHERE entity_type = $1 AND period = $2 FOR UPDATE`, string(kind), period).Scan(&current); err != nil {
			return fmt.Errorf("lock counter: %w", err)
		}
		if err := tx.QueryRow(ctx, `UPDATE readable_id_counters SET value = value + 1, updated_at = NOW()
WHERE entity_type = $1 AND period = $2 RETURNING value`, string(kind), period).Scan(&value); err != nil {
			return fmt.Errorf("bump counter: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return value, nil
}
