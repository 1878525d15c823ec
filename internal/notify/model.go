// Package notify provides the idempotent notification gateway and the email
// outbox used by booking transitions and scheduler jobs.
package notify

import (
	"time"

	"github.com/google/uuid"
)

// Type categorises user-facing notices.
type Type string

const (
	TypeBooking  Type = "BOOKING"
	TypePayment  Type = "PAYMENT"
	TypeReminder Type = "REMINDER"
	TypeWallet   Type = "WALLET"
	TypeSystem   Type = "SYSTEM"
)

// Notice is one in-app notification.
type Notice struct {
	ID        uuid.UUID      `json:"id"`
	UserID    uuid.UUID      `json:"user_id"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Type      Type           `json:"type"`
	DedupeKey string         `json:"dedupe_key,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	ReadAt    *time.Time     `json:"read_at,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// OutboxStatus tracks email delivery.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "PENDING"
	OutboxSent    OutboxStatus = "SENT"
	OutboxFailed  OutboxStatus = "FAILED"
)

// Email is a durable outbox record awaiting asynchronous delivery.
type Email struct {
	ID        uuid.UUID    `json:"id"`
	To        string       `json:"to"`
	Subject   string       `json:"subject"`
	Body      string       `json:"body"`
	DedupeKey string       `json:"dedupe_key,omitempty"`
	Status    OutboxStatus `json:"status"`
	Attempts  int          `json:"attempts"`
	LastError string       `json:"last_error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	SentAt    *time.Time   `json:"sent_at,omitempty"`
}
