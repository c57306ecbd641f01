// internal/lending/implementation.go
package lending

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// sweepBurst bounds how many expirations a single tick may process back to
// back before the limiter spaces them out.
const sweepBurst = 25

// service implements the Service interface.
type service struct {
	store   Store
	cfg     Config
	tracer  trace.Tracer
	sweeper *rate.Limiter

	promotions  metric.Int64Counter
	expirations metric.Int64Counter
	returns     metric.Int64Counter
}

// NewService creates a new lending engine instance.
func NewService(store Store, cfg Config) Service {
	meter := otel.Meter("bindery/lending")
	promotions, _ := meter.Int64Counter("lending.promotions")
	expirations, _ := meter.Int64Counter("lending.expirations")
	returns, _ := meter.Int64Counter("lending.returns")

	return &service{
		store:       store,
		cfg:         cfg,
		tracer:      otel.Tracer("bindery/lending"),
		sweeper:     rate.NewLimiter(rate.Every(10*time.Millisecond), sweepBurst),
		promotions:  promotions,
		expirations: expirations,
		returns:     returns,
	}
}

// withListingRetry wraps Store.WithListing with a single automatic retry on
// conflict. Every transition the service runs through it is idempotent with
// respect to already-settled state, which is what makes the retry safe.
func (s *service) withListingRetry(ctx context.Context, listingID uuid.UUID, fn func(tx ListingTx) error) error {
	err := s.store.WithListing(ctx, listingID, fn)
	if errors.Is(err, ErrConflict) {
		log.Printf("lending: retrying conflicted transaction for listing %s", listingID)
		err = s.store.WithListing(ctx, listingID, fn)
	}
	return err
}

// PromoteNext advances the queue for a single listing.
func (s *service) PromoteNext(ctx context.Context, listingID uuid.UUID) (PromotionOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "lending.promote_next",
		trace.WithAttributes(attribute.String("listing.id", listingID.String())),
	)
	defer span.End()

	var outcome PromotionOutcome
	err := s.withListingRetry(ctx, listingID, func(tx ListingTx) error {
		var err error
		outcome, err = s.promoteLocked(ctx, tx, time.Now().UTC())
		return err
	})
	if err != nil {
		return PromotionOutcome{}, err
	}

	span.SetAttributes(attribute.Bool("promotion.occurred", outcome.Promoted))
	return outcome, nil
}

// promoteLocked holds the promotion rule. It must run inside a WithListing
// transaction. When the listing is already claimed it changes nothing; with an
// empty queue it releases the listing; otherwise it advances the earliest
// queued reservation to a wait hold ending at now + pickup window.
func (s *service) promoteLocked(ctx context.Context, tx ListingTx, now time.Time) (PromotionOutcome, error) {
	hold, err := tx.ActiveHold()
	if err != nil {
		return PromotionOutcome{}, fmt.Errorf("read active hold: %w", err)
	}
	if hold != nil {
		return PromotionOutcome{}, nil
	}

	open, err := tx.OpenLoan()
	if err != nil {
		return PromotionOutcome{}, fmt.Errorf("read open loan: %w", err)
	}
	if open != nil {
		return PromotionOutcome{}, nil
	}

	next, err := tx.NextReserved()
	if err != nil {
		return PromotionOutcome{}, fmt.Errorf("read queue head: %w", err)
	}
	if next == nil {
		if err := tx.SetAvailable(true); err != nil {
			return PromotionOutcome{}, fmt.Errorf("release listing: %w", err)
		}
		return PromotionOutcome{}, nil
	}

	readyAt := now
	expiresAt := now.Add(s.cfg.PickupWindow)
	next.Status = StatusWait
	next.ReadyAt = &readyAt
	next.ExpiresAt = &expiresAt
	if err := tx.UpdateReservation(next); err != nil {
		return PromotionOutcome{}, fmt.Errorf("promote reservation: %w", err)
	}
	if err := tx.SetAvailable(false); err != nil {
		return PromotionOutcome{}, fmt.Errorf("hold listing: %w", err)
	}

	s.promotions.Add(ctx, 1)
	return PromotionOutcome{Promoted: true, Reservation: next}, nil
}

// SweepExpired is the periodic maintenance pass over stale wait holds.
func (s *service) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	ctx, span := s.tracer.Start(ctx, "lending.sweep_expired")
	defer span.End()

	// The batch read is deliberately untransacted; each row is re-checked
	// under its listing lock before anything is written.
	stale, err := s.store.ExpiredWaiting(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired holds: %w", err)
	}

	expired := 0
	for _, res := range stale {
		if err := s.sweeper.Wait(ctx); err != nil {
			return expired, err
		}
		ok, err := s.expireOne(ctx, res.ID, res.ListingID, now)
		if err != nil {
			// One bad reservation must not abort the rest of the batch.
			log.Printf("lending: sweep of reservation %s failed: %v", res.ID, err)
			continue
		}
		if ok {
			expired++
		}
	}

	s.expirations.Add(ctx, int64(expired))
	span.SetAttributes(
		attribute.Int("sweep.candidates", len(stale)),
		attribute.Int("sweep.expired", expired),
	)
	return expired, nil
}

// expireOne moves a single wait hold to auto-expired and cascades promotion,
// all inside one listing transaction. It reports false when a concurrent
// conversion or earlier sweep already settled the reservation.
func (s *service) expireOne(ctx context.Context, reservationID, listingID uuid.UUID, now time.Time) (bool, error) {
	expired := false
	err := s.withListingRetry(ctx, listingID, func(tx ListingTx) error {
		expired = false
		res, err := tx.ReservationByID(reservationID)
		if err != nil {
			return err
		}
		if res.Status != StatusWait || res.ExpiresAt == nil || res.ExpiresAt.After(now) {
			return nil
		}

		res.Status = StatusAutoExpired
		if err := tx.UpdateReservation(res); err != nil {
			return fmt.Errorf("expire reservation: %w", err)
		}
		expired = true

		// The cascade is part of the same unit of work: either the next
		// candidate takes over the hold or the listing goes back to the pool.
		_, err = s.promoteLocked(ctx, tx, now)
		return err
	})
	return expired, err
}

// MarkOverdue relabels loans whose due date lies before now's calendar day.
func (s *service) MarkOverdue(ctx context.Context, now time.Time) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "lending.mark_overdue")
	defer span.End()

	day := now.UTC().Truncate(24 * time.Hour)
	n, err := s.store.MarkOverdue(ctx, day)
	if err != nil {
		return 0, fmt.Errorf("mark overdue: %w", err)
	}
	span.SetAttributes(attribute.Int64("overdue.count", n))
	return n, nil
}

// ReturnLoan finalizes a loan and hands the listing to the queue.
func (s *service) ReturnLoan(ctx context.Context, borrowID uuid.UUID, returnDate time.Time) (*BorrowRecord, error) {
	ctx, span := s.tracer.Start(ctx, "lending.return_loan",
		trace.WithAttributes(attribute.String("borrow.id", borrowID.String())),
	)
	defer span.End()

	rec, err := s.store.GetBorrowRecord(ctx, borrowID)
	if err != nil {
		return nil, err
	}

	var returned *BorrowRecord
	err = s.withListingRetry(ctx, rec.ListingID, func(tx ListingTx) error {
		loan, err := tx.BorrowRecordByID(borrowID)
		if err != nil {
			return err
		}
		if !loan.Status.Open() {
			return ErrAlreadyReturned
		}

		rd := returnDate.UTC()
		loan.Status = BorrowStatusReturned
		loan.ReturnDate = &rd
		if err := tx.UpdateBorrowRecord(loan); err != nil {
			return fmt.Errorf("finalize loan: %w", err)
		}
		returned = loan

		_, err = s.promoteLocked(ctx, tx, time.Now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}

	s.returns.Add(ctx, 1)
	return returned, nil
}

// CreateLoanFromWait converts a wait hold into a loan.
func (s *service) CreateLoanFromWait(ctx context.Context, reservationID, actorMemberID uuid.UUID, borrowDays int) (*BorrowRecord, error) {
	ctx, span := s.tracer.Start(ctx, "lending.create_loan_from_wait",
		trace.WithAttributes(
			attribute.String("reservation.id", reservationID.String()),
			attribute.String("member.id", actorMemberID.String()),
		),
	)
	defer span.End()

	res, err := s.store.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}

	loanFor := s.cfg.LoanDuration
	if borrowDays > 0 {
		loanFor = time.Duration(borrowDays) * 24 * time.Hour
	}

	var created *BorrowRecord
	err = s.withListingRetry(ctx, res.ListingID, func(tx ListingTx) error {
		r, err := tx.ReservationByID(reservationID)
		if err != nil {
			return err
		}
		if r.MemberID != actorMemberID {
			return ErrForbidden
		}
		if r.Status != StatusWait {
			return ErrInvalidState
		}
		now := time.Now().UTC()
		if r.ExpiresAt != nil && now.After(*r.ExpiresAt) {
			return ErrExpired
		}

		// Data drift guard: a loan that should have been closed long ago must
		// not block the conversion of a legitimate hold.
		if stale, err := tx.OpenLoan(); err != nil {
			return fmt.Errorf("read open loan: %w", err)
		} else if stale != nil {
			log.Printf("lending: closing stale loan %s on listing %s before conversion", stale.ID, r.ListingID)
			stale.Status = BorrowStatusReturned
			stale.ReturnDate = &now
			if err := tx.UpdateBorrowRecord(stale); err != nil {
				return fmt.Errorf("close stale loan: %w", err)
			}
		}

		rec := &BorrowRecord{
			ID:            uuid.New(),
			ListingID:     r.ListingID,
			MemberID:      r.MemberID,
			BorrowDate:    now,
			DueDate:       now.Add(loanFor),
			Status:        BorrowStatusBorrowed,
			ReservationID: &r.ID,
		}
		if err := tx.InsertBorrowRecord(rec); err != nil {
			return fmt.Errorf("create loan: %w", err)
		}

		r.Status = StatusComplete
		if err := tx.UpdateReservation(r); err != nil {
			return fmt.Errorf("complete reservation: %w", err)
		}
		// The listing stays claimed, now by the loan instead of the hold.
		if err := tx.SetAvailable(false); err != nil {
			return fmt.Errorf("hold listing: %w", err)
		}

		created = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// ReserveListing appends the member to the listing's queue.
func (s *service) ReserveListing(ctx context.Context, listingID, memberID uuid.UUID) (*Reservation, error) {
	ctx, span := s.tracer.Start(ctx, "lending.reserve_listing",
		trace.WithAttributes(
			attribute.String("listing.id", listingID.String()),
			attribute.String("member.id", memberID.String()),
		),
	)
	defer span.End()

	var created *Reservation
	err := s.withListingRetry(ctx, listingID, func(tx ListingTx) error {
		dup, err := tx.HasOpenClaim(memberID)
		if err != nil {
			return fmt.Errorf("check open claim: %w", err)
		}
		if dup {
			return fmt.Errorf("member already has a claim on this listing: %w", ErrInvalidState)
		}

		now := time.Now().UTC()
		res := &Reservation{
			ID:            uuid.New(),
			ListingID:     listingID,
			MemberID:      memberID,
			Status:        StatusReserved,
			ReservationAt: now,
		}
		if err := tx.InsertReservation(res); err != nil {
			return fmt.Errorf("create reservation: %w", err)
		}
		created = res

		// A free listing serves the new arrival straight away; an occupied
		// one leaves it queued for the next return or expiry.
		if tx.Listing().IsAvailable {
			if _, err := s.promoteLocked(ctx, tx, now); err != nil {
				return err
			}
			if refreshed, err := tx.ReservationByID(res.ID); err == nil {
				created = refreshed
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// CancelReservation withdraws a queued reservation from FIFO consideration.
func (s *service) CancelReservation(ctx context.Context, reservationID, actorMemberID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "lending.cancel_reservation",
		trace.WithAttributes(attribute.String("reservation.id", reservationID.String())),
	)
	defer span.End()

	res, err := s.store.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}

	return s.withListingRetry(ctx, res.ListingID, func(tx ListingTx) error {
		r, err := tx.ReservationByID(reservationID)
		if err != nil {
			return err
		}
		if r.MemberID != actorMemberID {
			return ErrForbidden
		}
		if r.Status != StatusReserved {
			return ErrInvalidState
		}
		r.Status = StatusCancelled
		return tx.UpdateReservation(r)
	})
}

// CheckoutListing creates a walk-in loan.
func (s *service) CheckoutListing(ctx context.Context, listingID, memberID uuid.UUID) (*BorrowRecord, error) {
	ctx, span := s.tracer.Start(ctx, "lending.checkout_listing",
		trace.WithAttributes(
			attribute.String("listing.id", listingID.String()),
			attribute.String("member.id", memberID.String()),
		),
	)
	defer span.End()

	var created *BorrowRecord
	err := s.withListingRetry(ctx, listingID, func(tx ListingTx) error {
		if !tx.Listing().IsAvailable {
			return ErrUnavailable
		}
		// The flag is redundant state; trust the rows over it.
		if hold, err := tx.ActiveHold(); err != nil {
			return fmt.Errorf("read active hold: %w", err)
		} else if hold != nil {
			return ErrUnavailable
		}
		if open, err := tx.OpenLoan(); err != nil {
			return fmt.Errorf("read open loan: %w", err)
		} else if open != nil {
			return ErrUnavailable
		}

		now := time.Now().UTC()
		rec := &BorrowRecord{
			ID:         uuid.New(),
			ListingID:  listingID,
			MemberID:   memberID,
			BorrowDate: now,
			DueDate:    now.Add(s.cfg.LoanDuration),
			Status:     BorrowStatusBorrowed,
		}
		if err := tx.InsertBorrowRecord(rec); err != nil {
			return fmt.Errorf("create loan: %w", err)
		}
		if err := tx.SetAvailable(false); err != nil {
			return fmt.Errorf("hold listing: %w", err)
		}
		created = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}
