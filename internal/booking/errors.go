package booking

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tutorly/tutorly/internal/shared"
)

var (
	// ErrNotFound indicates the booking does not exist.
	ErrNotFound = fmt.Errorf("booking: %w", shared.ErrNotFound)
	// ErrConflict matches every ConflictError.
	ErrConflict = errors.New("booking: conflict")
	// ErrUnknownAction is returned for actions outside the catalogue.
	ErrUnknownAction = fmt.Errorf("%w: unknown booking action", shared.ErrValidation)
	// ErrForbidden is returned when the actor may not perform the action.
	ErrForbidden = fmt.Errorf("booking: %w", shared.ErrForbidden)
	// ErrTeacherUnavailable is returned when the teacher is on vacation.
	ErrTeacherUnavailable = fmt.Errorf("%w: teacher is not accepting bookings", shared.ErrValidation)
	// ErrSlotTaken is returned when the teacher already holds an overlapping booking.
	ErrSlotTaken = fmt.Errorf("booking: teacher already booked for this time: %w", shared.ErrConflict)
	// ErrDisputeWindowClosed is returned for disputes raised too late.
	ErrDisputeWindowClosed = fmt.Errorf("%w: dispute window is closed", shared.ErrValidation)
	// ErrSessionNotStarted is returned when completing a session before it began.
	ErrSessionNotStarted = fmt.Errorf("%w: session has not started yet", shared.ErrValidation)
	// ErrWalletMissing is returned when payment would be held for a party
	// with no wallet to settle against.
	ErrWalletMissing = fmt.Errorf("%w: payer and teacher both need a wallet", shared.ErrValidation)
	// ErrInvalidRefund is returned for partial refunds outside (0, price).
	ErrInvalidRefund = fmt.Errorf("%w: partial refund must be between zero and the price", shared.ErrValidation)
)

// ConflictError reports that a transition lost the status guard. Nothing was
// written; the caller should refetch the booking.
type ConflictError struct {
	BookingID uuid.UUID
	Action    Action
	Expected  []Status
	Actual    Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("booking %s changed state (now %s); refresh and try again", e.BookingID, e.Actual)
}

// Is matches ErrConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Unwrap exposes the shared conflict sentinel for HTTP mapping.
func (e *ConflictError) Unwrap() error {
	return shared.ErrConflict
}
