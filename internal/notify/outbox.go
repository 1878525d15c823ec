package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tutorly/tutorly/internal/platform/db"
)

// MaxDeliveryAttempts bounds retries before an outbox row is parked as FAILED.
const MaxDeliveryAttempts = 5

// Sender hands an email to the delivery channel.
type Sender func(ctx context.Context, e Email) error

// DispatchResult summarises one outbox pass.
type DispatchResult struct {
	Claimed int
	Sent    int
	Failed  int
}

// Outbox drains email_outbox.
type Outbox struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewOutbox constructs an Outbox.
func NewOutbox(pool *pgxpool.Pool) *Outbox {
	return &Outbox{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// Dispatch claims up to limit pending rows with SKIP LOCKED so concurrent
// dispatchers never hand the same row to the sender twice.
func (o *Outbox) Dispatch(ctx context.Context, limit int, send Sender) (DispatchResult, error) {
	var result DispatchResult
	if o == nil || o.pool == nil {
		return result, errors.New("notify: outbox not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	err := db.WithTx(ctx, o.pool, func(tx pgx.Tx) error {
		pending, err := claimPending(ctx, tx, limit)
		if err != nil {
			return err
		}
		result.Claimed = len(pending)
		for _, e := range pending {
			sendErr := send(ctx, e)
			next := nextOutboxState(e, sendErr, o.now())
			if _, err := tx.Exec(ctx, `UPDATE email_outbox SET status = $2, attempts = $3, last_error = $4, sent_at = $5
WHERE id = $1`, e.ID, string(next.Status), next.Attempts, next.LastError, next.SentAt); err != nil {
				return fmt.Errorf("update outbox %s: %w", e.ID, err)
			}
			if sendErr != nil {
				result.Failed++
				continue
			}
			result.Sent++
		}
		return nil
	})
	return result, err
}

func claimPending(ctx context.Context, tx pgx.Tx, limit int) ([]Email, error) {
	rows, err := tx.Query(ctx, `SELECT id, recipient, subject, body, COALESCE(dedupe_key, ''), status, attempts, COALESCE(last_error, ''), created_at
FROM email_outbox WHERE status = 'PENDING'
ORDER BY created_at
LIMIT $1
FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Email
	for rows.Next() {
		var e Email
		var status string
		if err := rows.Scan(&e.ID, &e.To, &e.Subject, &e.Body, &e.DedupeKey, &status, &e.Attempts, &e.LastError, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Status = OutboxStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

// nextOutboxState decides the row state after one delivery attempt.
func nextOutboxState(e Email, sendErr error, now time.Time) Email {
	e.Attempts++
	if sendErr == nil {
		e.Status = OutboxSent
		e.LastError = ""
		e.SentAt = &now
		return e
	}
	e.LastError = sendErr.Error()
	if e.Attempts >= MaxDeliveryAttempts {
		e.Status = OutboxFailed
	} else {
		e.Status = OutboxPending
	}
	return e
}
