// Package vacation returns teachers from vacation once their end date passes.
package vacation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tutorly/tutorly/internal/notify"
)

// JobName is the asynq task type and lease key of the auto-return job.
const JobName = "teacher:vacation-return"

// Returned is one teacher flipped back to available.
type Returned struct {
	UserID      uuid.UUID
	VacationEnd time.Time
}

// Notifier creates in-app notices.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notice) (bool, error)
}

// Store provides the transactional flip.
type Store interface {
	WithTx(ctx context.Context, fn func(context.Context, Tx) error) error
}

// Tx defines operations within a transaction.
type Tx interface {
	// EndExpired clears the vacation flag of every teacher whose vacation
	// ended before now and returns them.
	EndExpired(ctx context.Context, now time.Time) ([]Returned, error)
	Notifier() Notifier
}

// Result summarises one run.
type Result struct {
	Returned int `json:"returned"`
	Notified int `json:"notified"`
}

// Service runs the auto-return.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs a Service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// WithNow overrides the clock.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// ReturnExpired flips teachers off vacation in bulk and notifies each one.
// The notice key carries the calendar date, so a re-run on the same day
// cannot notify twice.
func (s *Service) ReturnExpired(ctx context.Context) (Result, error) {
	now := s.now()
	var res Result
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		returned, err := tx.EndExpired(ctx, now)
		if err != nil {
			return err
		}
		res.Returned = len(returned)
		notifier := tx.Notifier()
		for _, r := range returned {
			delivered, err := notifier.Notify(ctx, notify.Notice{
				UserID:    r.UserID,
				Title:     "Welcome back",
				Message:   "Your vacation has ended and students can book you again.",
				Type:      notify.TypeSystem,
				DedupeKey: DedupeKey(r.UserID, now),
				Metadata:  map[string]any{"vacation_end": r.VacationEnd.Format(time.RFC3339)},
			})
			if err != nil {
				s.logger.Error("vacation return notification failed",
					slog.String("user_id", r.UserID.String()), slog.Any("error", err))
				continue
			}
			if delivered {
				res.Notified++
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	s.logger.Info("vacation auto-return", slog.Int("returned", res.Returned), slog.Int("notified", res.Notified))
	return res, nil
}

// DedupeKey builds the per-day notice key.
func DedupeKey(userID uuid.UUID, at time.Time) string {
	return fmt.Sprintf("vacation-return:%s:%s", userID, at.UTC().Format("2006-01-02"))
}
