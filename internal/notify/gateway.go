package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidNotice is returned for notices missing a recipient or title.
	ErrInvalidNotice = errors.New("notify: invalid notice")
	// ErrInvalidEmail is returned for outbox records missing a recipient or subject.
	ErrInvalidEmail = errors.New("notify: invalid email")
)

// Store persists notices and outbox rows. Insert methods return false when a
// row with the same dedupe key already exists; uniqueness must be enforced by
// the storage layer, not by a read-then-write check.
type Store interface {
	InsertNotice(ctx context.Context, n Notice) (bool, error)
	InsertEmail(ctx context.Context, e Email) (bool, error)
}

// Gateway creates notices and outbox rows.
type Gateway struct {
	store Store
	now   func() time.Time
}

// NewGateway constructs a Gateway.
func NewGateway(store Store) *Gateway {
	return &Gateway{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// WithNow overrides the clock.
func (g *Gateway) WithNow(now func() time.Time) {
	if now != nil {
		g.now = now
	}
}

// Notify stores a notice. With a dedupe key, a repeated call is a no-op that
// returns false; without one every call creates a notice.
func (g *Gateway) Notify(ctx context.Context, n Notice) (bool, error) {
	if g == nil || g.store == nil {
		return false, errors.New("notify: gateway not configured")
	}
	if n.UserID == uuid.Nil {
		return false, fmt.Errorf("%w: recipient required", ErrInvalidNotice)
	}
	n.Title = strings.TrimSpace(n.Title)
	if n.Title == "" {
		return false, fmt.Errorf("%w: title required", ErrInvalidNotice)
	}
	if n.Type == "" {
		n.Type = TypeSystem
	}
	n.DedupeKey = strings.TrimSpace(n.DedupeKey)
	n.ID = uuid.New()
	n.CreatedAt = g.now()
	delivered, err := g.store.InsertNotice(ctx, n)
	if err != nil {
		return false, fmt.Errorf("notify: insert notice: %w", err)
	}
	return delivered, nil
}

// EnqueueEmail writes an outbox record; delivery happens in the outbox
// dispatcher job. A repeated dedupe key is silently ignored.
func (g *Gateway) EnqueueEmail(ctx context.Context, e Email) error {
	if g == nil || g.store == nil {
		return errors.New("notify: gateway not configured")
	}
	e.To = strings.TrimSpace(e.To)
	if e.To == "" || strings.TrimSpace(e.Subject) == "" {
		return ErrInvalidEmail
	}
	e.DedupeKey = strings.TrimSpace(e.DedupeKey)
	e.ID = uuid.New()
	e.Status = OutboxPending
	e.Attempts = 0
	e.CreatedAt = g.now()
	if _, err := g.store.InsertEmail(ctx, e); err != nil {
		return fmt.Errorf("notify: insert email: %w", err)
	}
	return nil
}
