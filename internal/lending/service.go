// internal/lending/service.go
package lending

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PromotionOutcome reports what PromoteNext did for a listing.
type PromotionOutcome struct {
	// Promoted is true when a queued reservation was advanced to wait.
	Promoted bool `json:"promoted"`
	// Reservation is the newly promoted hold, set only when Promoted is true.
	Reservation *Reservation `json:"reservation,omitempty"`
}

// Service defines the interface for the lending engine.
type Service interface {
	// PromoteNext advances the earliest queued reservation for the listing to
	// a time-boxed wait hold. It is a no-op when the listing is already held
	// or borrowed; when the queue is empty it releases the listing instead.
	PromoteNext(ctx context.Context, listingID uuid.UUID) (PromotionOutcome, error)

	// SweepExpired expires every wait hold whose deadline is at or before now
	// and cascades promotion to the next candidate. Returns how many holds
	// expired. Individual failures are logged and skipped.
	SweepExpired(ctx context.Context, now time.Time) (int, error)

	// MarkOverdue relabels borrowed records whose due date lies before now's
	// day. Pure status change, no cross-entity side effects.
	MarkOverdue(ctx context.Context, now time.Time) (int64, error)

	// ReturnLoan finalizes a loan and triggers promotion for its listing.
	ReturnLoan(ctx context.Context, borrowID uuid.UUID, returnDate time.Time) (*BorrowRecord, error)

	// CreateLoanFromWait converts the actor's own unexpired wait hold into a
	// loan. borrowDays <= 0 selects the configured default loan duration.
	CreateLoanFromWait(ctx context.Context, reservationID, actorMemberID uuid.UUID, borrowDays int) (*BorrowRecord, error)

	// ReserveListing appends the member to the listing's queue. If the listing
	// is free the new reservation is promoted immediately.
	ReserveListing(ctx context.Context, listingID, memberID uuid.UUID) (*Reservation, error)

	// CancelReservation withdraws a still-queued reservation.
	CancelReservation(ctx context.Context, reservationID, actorMemberID uuid.UUID) error

	// CheckoutListing creates a walk-in loan on an available listing.
	CheckoutListing(ctx context.Context, listingID, memberID uuid.UUID) (*BorrowRecord, error)
}
