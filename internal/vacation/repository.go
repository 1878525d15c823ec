package vacation

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tutorly/tutorly/internal/notify"
	"github.com/tutorly/tutorly/internal/platform/db"
)

var _ Store = (*Repository)(nil)

// Repository is the pgx-backed store over teacher_profiles.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, txRepository{tx: tx})
	})
}

type txRepository struct {
	tx pgx.Tx
}

func (t txRepository) EndExpired(ctx context.Context, now time.Time) ([]Returned, error) {
	rows, err := t.tx.Query(ctx, `UPDATE teacher_profiles
SET on_vacation = FALSE, updated_at = $1
WHERE on_vacation AND vacation_end IS NOT NULL AND vacation_end < $1
RETURNING user_id, vacation_end`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Returned
	for rows.Next() {
		var r Returned
		if err := rows.Scan(&r.UserID, &r.VacationEnd); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t txRepository) Notifier() Notifier {
	return notify.NewGateway(notify.NewSavepointStore(t.tx))
}
