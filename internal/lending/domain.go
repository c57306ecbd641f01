// internal/lending/domain.go
package lending

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ReservationStatus is the lifecycle state of a member's claim on a listing.
type ReservationStatus string

const (
	// StatusReserved means the claim is queued and carries no entitlement yet.
	StatusReserved ReservationStatus = "reserved"
	// StatusWait means the claim was promoted and the member may pick the
	// listing up until ExpiresAt.
	StatusWait ReservationStatus = "wait"
	// StatusComplete means the hold was converted into a loan.
	StatusComplete ReservationStatus = "complete"
	// StatusAutoExpired means the pickup window elapsed before conversion.
	StatusAutoExpired ReservationStatus = "auto_expired"
	// StatusCancelled means the claim was withdrawn while still queued.
	StatusCancelled ReservationStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible from s.
func (s ReservationStatus) Terminal() bool {
	return s == StatusComplete || s == StatusAutoExpired || s == StatusCancelled
}

// BorrowStatus is the lifecycle state of a loan.
type BorrowStatus string

const (
	BorrowStatusBorrowed BorrowStatus = "borrowed"
	BorrowStatusOverdue  BorrowStatus = "overdue"
	BorrowStatusReturned BorrowStatus = "returned"
)

// Open reports whether the loan still occupies its listing.
func (s BorrowStatus) Open() bool {
	return s == BorrowStatusBorrowed || s == BorrowStatusOverdue
}

// Listing is a single physical copy that can be borrowed or reserved.
// IsAvailable is true iff no open loan and no wait hold reference it.
type Listing struct {
	ID          uuid.UUID `json:"id"`
	Title       string    `json:"title"`
	IsAvailable bool      `json:"is_available"`
}

// Reservation is a member's ordered claim on a listing. ReservationAt drives
// FIFO promotion order, with the identifier as tie-break.
type Reservation struct {
	ID            uuid.UUID         `json:"id"`
	ListingID     uuid.UUID         `json:"listing_id"`
	MemberID      uuid.UUID         `json:"member_id"`
	Status        ReservationStatus `json:"status"`
	ReservationAt time.Time         `json:"reservation_at"`
	ReadyAt       *time.Time        `json:"ready_at,omitempty"`
	ExpiresAt     *time.Time        `json:"expires_at,omitempty"`
}

// BorrowRecord is an active or historical loan of a listing to a member.
// ReservationID links a loan back to the wait hold it fulfilled, if any.
type BorrowRecord struct {
	ID            uuid.UUID    `json:"id"`
	ListingID     uuid.UUID    `json:"listing_id"`
	MemberID      uuid.UUID    `json:"member_id"`
	BorrowDate    time.Time    `json:"borrow_date"`
	DueDate       time.Time    `json:"due_date"`
	ReturnDate    *time.Time   `json:"return_date,omitempty"`
	Status        BorrowStatus `json:"status"`
	ReservationID *uuid.UUID   `json:"reservation_id,omitempty"`
}

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("operation not permitted in current state")
	ErrExpired      = errors.New("pickup window has expired")
	ErrForbidden    = errors.New("actor does not own this resource")
	ErrConflict     = errors.New("conflicting concurrent update")

	// ErrAlreadyReturned and ErrUnavailable are specializations of
	// ErrInvalidState so callers can match either level.
	ErrAlreadyReturned = fmt.Errorf("loan already returned: %w", ErrInvalidState)
	ErrUnavailable     = fmt.Errorf("listing is not available: %w", ErrInvalidState)
)

// Config carries the three tunables of the engine. The same object is handed
// to the service and to the maintenance worker so the pickup window and sweep
// interval are defined exactly once.
type Config struct {
	// PickupWindow is how long a promoted reservation may wait for pickup.
	PickupWindow time.Duration
	// LoanDuration is the default loan length for new borrow records.
	LoanDuration time.Duration
	// SweepInterval is how often the maintenance pass runs.
	SweepInterval time.Duration
}

// DefaultConfig returns the production rule set: a 3 day pickup window,
// 14 day loans and a sweep every minute.
func DefaultConfig() Config {
	return Config{
		PickupWindow:  72 * time.Hour,
		LoanDuration:  14 * 24 * time.Hour,
		SweepInterval: time.Minute,
	}
}
