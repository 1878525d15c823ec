package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tutorly/tutorly/internal/notify"
	"github.com/tutorly/tutorly/internal/platform/db"
	"github.com/tutorly/tutorly/internal/wallet"
)

var _ Store = (*Repository)(nil)
var _ Tx = (*txRepository)(nil)

// Repository is the pgx-backed booking store.
type Repository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// WithTx runs fn inside a read-committed transaction. Ledger postings and
// notices issued through the Tx commit or roll back with the status change.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx, now: r.now})
	})
}

const bookingColumns = `SELECT id, readable_id, teacher_id, payer_id, student_id, subject_id,
	start_time, end_time, price, status, payment_deadline, dispute_window_opens_at,
	dispute_window_closes_at, COALESCE(meeting_link, ''), meeting_link_reminder_sent_at,
	token_version, COALESCE(cancel_reason, ''), created_at, updated_at
FROM bookings`

const returningColumns = ` RETURNING id, readable_id, teacher_id, payer_id, student_id, subject_id,
	start_time, end_time, price, status, payment_deadline, dispute_window_opens_at,
	dispute_window_closes_at, COALESCE(meeting_link, ''), meeting_link_reminder_sent_at,
	token_version, COALESCE(cancel_reason, ''), created_at, updated_at`

// Get loads a booking by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Booking, error) {
	b, err := scanBooking(r.pool.QueryRow(ctx, bookingColumns+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Booking{}, ErrNotFound
	}
	return b, err
}

// ExpirePendingApprovals expires stale requests in a single statement.
func (r *Repository) ExpirePendingApprovals(ctx context.Context, cutoff, now time.Time) ([]Booking, error) {
	rows, err := r.pool.Query(ctx, `UPDATE bookings
SET status = $3, cancel_reason = 'teacher did not respond', payment_deadline = NULL, updated_at = $2
WHERE status = $4 AND created_at <= $1`+returningColumns,
		cutoff, now, string(StatusExpired), string(StatusPendingTeacherApproval))
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (r *Repository) ListUnpaidOverdue(ctx context.Context, now time.Time, after Cursor, limit int) ([]Booking, error) {
	return r.list(ctx, ` WHERE status = $1 AND payment_deadline <= $2 AND (payment_deadline, id) > ($3, $4)
ORDER BY payment_deadline, id LIMIT $5`,
		string(StatusWaitingForPayment), now, after.At, after.ID, limit)
}

func (r *Repository) ListEndedScheduled(ctx context.Context, endedBefore time.Time, after Cursor, limit int) ([]Booking, error) {
	return r.list(ctx, ` WHERE status = $1 AND end_time <= $2 AND (end_time, id) > ($3, $4)
ORDER BY end_time, id LIMIT $5`,
		string(StatusScheduled), endedBefore, after.At, after.ID, limit)
}

func (r *Repository) ListDisputeWindowClosed(ctx context.Context, now time.Time, after Cursor, limit int) ([]Booking, error) {
	return r.list(ctx, ` WHERE status = $1 AND dispute_window_closes_at <= $2 AND (dispute_window_closes_at, id) > ($3, $4)
ORDER BY dispute_window_closes_at, id LIMIT $5`,
		string(StatusPendingConfirmation), now, after.At, after.ID, limit)
}

func (r *Repository) ListReminderDue(ctx context.Context, from, until time.Time, limit int) ([]Booking, error) {
	return r.list(ctx, ` WHERE status = $1 AND COALESCE(meeting_link, '') = ''
	AND meeting_link_reminder_sent_at IS NULL AND start_time > $2 AND start_time <= $3
ORDER BY start_time LIMIT $4`,
		string(StatusScheduled), from, until, limit)
}

func (r *Repository) list(ctx context.Context, where string, args ...any) ([]Booking, error) {
	rows, err := r.pool.Query(ctx, bookingColumns+where, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

type txRepository struct {
	tx  pgx.Tx
	now func() time.Time
}

func (t *txRepository) LockTeacher(ctx context.Context, teacherID uuid.UUID) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "booking:teacher:"+teacherID.String())
	return err
}

func (t *txRepository) HasActiveOverlap(ctx context.Context, teacherID uuid.UUID, start, end time.Time) (bool, error) {
	active := make([]string, 0, len(ActiveStatuses()))
	for _, s := range ActiveStatuses() {
		active = append(active, string(s))
	}
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (
	SELECT 1 FROM bookings
	WHERE teacher_id = $1 AND status = ANY($2) AND start_time < $4 AND end_time > $3
)`, teacherID, active, start, end).Scan(&exists)
	return exists, err
}

func (t *txRepository) Insert(ctx context.Context, b Booking) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO bookings
	(id, readable_id, teacher_id, payer_id, student_id, subject_id, start_time, end_time, price,
	 status, token_version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		b.ID, b.ReadableID, b.TeacherID, b.PayerID, b.StudentID, b.SubjectID, b.StartTime, b.EndTime, b.Price,
		string(b.Status), b.TokenVersion, b.CreatedAt, b.UpdatedAt)
	return err
}

func (t *txRepository) UpdateStatus(ctx context.Context, next, prev Booking) (bool, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE bookings
SET status = $2, payment_deadline = $3, dispute_window_opens_at = $4, dispute_window_closes_at = $5,
	token_version = $6, cancel_reason = NULLIF($7, ''), updated_at = $8
WHERE id = $1 AND status = $9 AND updated_at = $10`,
		next.ID, string(next.Status), next.PaymentDeadline, next.DisputeWindowOpensAt, next.DisputeWindowClosesAt,
		next.TokenVersion, next.CancelReason, next.UpdatedAt, string(prev.Status), prev.UpdatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txRepository) MissingWallets(ctx context.Context, owners ...uuid.UUID) ([]uuid.UUID, error) {
	rows, err := t.tx.Query(ctx, `SELECT o FROM unnest($1::uuid[]) AS o
WHERE NOT EXISTS (SELECT 1 FROM wallets w WHERE w.owner_id = o)`, owners)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

func (t *txRepository) SetMeetingLink(ctx context.Context, id uuid.UUID, link string, at time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE bookings SET meeting_link = $2, updated_at = $3 WHERE id = $1 AND status = $4`,
		id, link, at, string(StatusScheduled))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txRepository) StampReminder(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE bookings SET meeting_link_reminder_sent_at = $2
WHERE id = $1 AND status = $3 AND meeting_link_reminder_sent_at IS NULL AND COALESCE(meeting_link, '') = ''`,
		id, at, string(StatusScheduled))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txRepository) Ledger() Ledger {
	return wallet.NewPoster(wallet.NewTxStore(t.tx), t.now)
}

func (t *txRepository) Notifier() Notifier {
	return notify.NewGateway(notify.NewSavepointStore(t.tx))
}

func scanBooking(row pgx.Row) (Booking, error) {
	var (
		b      Booking
		status string
	)
	err := row.Scan(&b.ID, &b.ReadableID, &b.TeacherID, &b.PayerID, &b.StudentID, &b.SubjectID,
		&b.StartTime, &b.EndTime, &b.Price, &status, &b.PaymentDeadline, &b.DisputeWindowOpensAt,
		&b.DisputeWindowClosesAt, &b.MeetingLink, &b.MeetingLinkReminderSentAt,
		&b.TokenVersion, &b.CancelReason, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return Booking{}, err
	}
	b.Status = Status(status)
	return b, nil
}

func collect(rows pgx.Rows) ([]Booking, error) {
	defer rows.Close()
	var out []Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
