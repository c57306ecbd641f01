// internal/lending/store.go
package lending

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the transactional persistence boundary of the lending engine.
//
// Every state transition that reads "who currently holds this listing" and
// then writes must go through WithListing, which serializes all such work per
// listing. The remaining methods are plain reads or bulk relabels that are not
// safety-critical on their own.
type Store interface {
	CreateListing(ctx context.Context, listing *Listing) error
	GetListing(ctx context.Context, id uuid.UUID) (*Listing, error)
	ListListings(ctx context.Context) ([]*Listing, error)

	GetReservation(ctx context.Context, id uuid.UUID) (*Reservation, error)
	GetBorrowRecord(ctx context.Context, id uuid.UUID) (*BorrowRecord, error)

	// ExpiredWaiting returns wait reservations whose deadline is at or before
	// now. The read runs outside any transaction; callers must re-check each
	// row under WithListing before acting on it.
	ExpiredWaiting(ctx context.Context, now time.Time) ([]*Reservation, error)

	// MarkOverdue relabels every borrowed record due before the given day and
	// returns how many rows changed.
	MarkOverdue(ctx context.Context, day time.Time) (int64, error)

	// WithListing runs fn inside a single transaction that holds a write lock
	// on the listing row for its whole duration. It returns ErrNotFound when
	// the listing does not exist and ErrConflict when the transaction loses a
	// race it cannot win by waiting (unique-index violation or serialization
	// failure). Any error from fn rolls the transaction back.
	WithListing(ctx context.Context, listingID uuid.UUID, fn func(tx ListingTx) error) error
}

// ListingTx is the view of the store inside a WithListing transaction. All
// reads observe writes made earlier in the same transaction.
type ListingTx interface {
	// Listing returns the locked listing row.
	Listing() *Listing
	SetAvailable(available bool) error

	// ActiveHold returns the wait reservation for the listing, or nil.
	ActiveHold() (*Reservation, error)
	// NextReserved returns the earliest queued reservation for the listing,
	// ordered by reservation time then identifier, or nil if the queue is
	// empty.
	NextReserved() (*Reservation, error)
	ReservationByID(id uuid.UUID) (*Reservation, error)
	InsertReservation(res *Reservation) error
	UpdateReservation(res *Reservation) error

	// OpenLoan returns the non-terminal borrow record for the listing, or nil.
	OpenLoan() (*BorrowRecord, error)
	BorrowRecordByID(id uuid.UUID) (*BorrowRecord, error)
	InsertBorrowRecord(rec *BorrowRecord) error
	UpdateBorrowRecord(rec *BorrowRecord) error

	// HasOpenClaim reports whether the member already has a queued or wait
	// reservation, or an open loan, for this listing.
	HasOpenClaim(memberID uuid.UUID) (bool, error)
}
