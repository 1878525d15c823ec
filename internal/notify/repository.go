package notify

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/tutorly/tutorly/internal/platform/db"
)

// Repository implements Store on top of any pgx querier.
type Repository struct {
	q db.Querier
}

// NewRepository constructs a Repository over a pool or transaction.
func NewRepository(q db.Querier) *Repository {
	return &Repository{q: q}
}

// InsertNotice relies on the unique dedupe_key constraint; NULL keys never conflict.
func (r *Repository) InsertNotice(ctx context.Context, n Notice) (bool, error) {
	meta, err := json.Marshal(n.Metadata)
	if err != nil {
		return false, err
	}
	var id string
	err = r.q.QueryRow(ctx, `INSERT INTO notifications (id, user_id, title, message, type, dedupe_key, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
ON CONFLICT (dedupe_key) DO NOTHING
RETURNING id`, n.ID, n.UserID, n.Title, n.Message, string(n.Type), n.DedupeKey, meta, n.CreatedAt).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// InsertEmail writes an outbox row.
func (r *Repository) InsertEmail(ctx context.Context, e Email) (bool, error) {
	var id string
	err := r.q.QueryRow(ctx, `INSERT INTO email_outbox (id, recipient, subject, body, dedupe_key, status, attempts, created_at)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, 0, $7)
ON CONFLICT (dedupe_key) DO NOTHING
RETURNING id`, e.ID, e.To, e.Subject, e.Body, e.DedupeKey, string(e.Status), e.CreatedAt).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// SavepointStore runs every insert inside its own savepoint so a failed
// notification leaves the enclosing transaction usable.
type SavepointStore struct {
	tx pgx.Tx
}

// NewSavepointStore wraps an open transaction.
func NewSavepointStore(tx pgx.Tx) *SavepointStore {
	return &SavepointStore{tx: tx}
}

// InsertNotice implements Store.
func (s *SavepointStore) InsertNotice(ctx context.Context, n Notice) (bool, error) {
	var delivered bool
	err := db.Savepoint(ctx, s.tx, func(sp pgx.Tx) error {
		var err error
		delivered, err = NewRepository(sp).InsertNotice(ctx, n)
		return err
	})
	return delivered, err
}

// InsertEmail implements Store.
func (s *SavepointStore) InsertEmail(ctx context.Context, e Email) (bool, error) {
	var inserted bool
	err := db.Savepoint(ctx, s.tx, func(sp pgx.Tx) error {
		var err error
		inserted, err = NewRepository(sp).InsertEmail(ctx, e)
		return err
	})
	return inserted, err
}
