// internal/lending/property_test.go
package lending

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"pgregory.net/rapid"
)

// countClaims tallies wait holds and open loans per listing straight from the
// store maps.
func countClaims(store *MemoryStore, listingID uuid.UUID) (waits, opens int) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, res := range store.reservations {
		if res.ListingID == listingID && res.Status == StatusWait {
			waits++
		}
	}
	for _, rec := range store.borrows {
		if rec.ListingID == listingID && rec.Status.Open() {
			opens++
		}
	}
	return waits, opens
}

// Whatever sequence of operations runs against a listing, it is never claimed
// twice at once and its availability flag always agrees with the rows.
func TestSingleHolderInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		svc, store := newTestEngine(DefaultConfig())
		ctx := context.Background()

		listingID := uuid.New()
		if err := store.CreateListing(ctx, &Listing{ID: listingID, Title: "Invariant", IsAvailable: true}); err != nil {
			t.Fatalf("create listing: %v", err)
		}

		members := make([]uuid.UUID, 4)
		for i := range members {
			members[i] = uuid.New()
		}

		var reservations, loans []uuid.UUID

		steps := rapid.IntRange(5, 40).Draw(t, "steps")
		for range steps {
			member := members[rapid.IntRange(0, len(members)-1).Draw(t, "member")]

			switch rapid.IntRange(0, 5).Draw(t, "op") {
			case 0:
				if res, err := svc.ReserveListing(ctx, listingID, member); err == nil {
					reservations = append(reservations, res.ID)
				}
			case 1:
				if len(reservations) > 0 {
					id := reservations[rapid.IntRange(0, len(reservations)-1).Draw(t, "cancel")]
					if res, err := store.GetReservation(ctx, id); err == nil {
						svc.CancelReservation(ctx, id, res.MemberID)
					}
				}
			case 2:
				if len(reservations) > 0 {
					id := reservations[rapid.IntRange(0, len(reservations)-1).Draw(t, "convert")]
					if res, err := store.GetReservation(ctx, id); err == nil {
						if rec, err := svc.CreateLoanFromWait(ctx, id, res.MemberID, 0); err == nil {
							loans = append(loans, rec.ID)
						}
					}
				}
			case 3:
				if len(loans) > 0 {
					id := loans[rapid.IntRange(0, len(loans)-1).Draw(t, "return")]
					svc.ReturnLoan(ctx, id, time.Now().UTC())
				}
			case 4:
				// Far-future sweep expires whatever hold exists right now.
				svc.SweepExpired(ctx, time.Now().UTC().Add(DefaultConfig().PickupWindow+time.Hour))
			case 5:
				svc.PromoteNext(ctx, listingID)
			}

			waits, opens := countClaims(store, listingID)
			if waits+opens > 1 {
				t.Fatalf("listing claimed %d times at once (%d holds, %d loans)", waits+opens, waits, opens)
			}
			listing, err := store.GetListing(ctx, listingID)
			if err != nil {
				t.Fatalf("get listing: %v", err)
			}
			if listing.IsAvailable != (waits+opens == 0) {
				t.Fatalf("availability flag %v disagrees with %d holds, %d loans", listing.IsAvailable, waits, opens)
			}
		}
	})
}

// Promotion always serves the queue in reservation order, identifier breaking
// ties, no matter what timestamps the queue carries.
func TestPromotionOrderIsFIFO(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		svc, store := newTestEngine(DefaultConfig())
		ctx := context.Background()

		listingID := uuid.New()
		if err := store.CreateListing(ctx, &Listing{ID: listingID, Title: "Queue", IsAvailable: true}); err != nil {
			t.Fatalf("create listing: %v", err)
		}

		base := time.Now().UTC().Add(-24 * time.Hour)
		n := rapid.IntRange(1, 6).Draw(t, "reservations")

		type queued struct {
			id uuid.UUID
			at time.Time
		}
		var queue []queued
		for i := 0; i < n; i++ {
			// Duplicate offsets are allowed on purpose to exercise the
			// identifier tie-break.
			offset := rapid.IntRange(0, 3).Draw(t, "offset")
			at := base.Add(time.Duration(offset) * time.Minute)
			id := uuid.New()
			err := store.WithListing(ctx, listingID, func(tx ListingTx) error {
				return tx.InsertReservation(&Reservation{
					ID:            id,
					ListingID:     listingID,
					MemberID:      uuid.New(),
					Status:        StatusReserved,
					ReservationAt: at,
				})
			})
			if err != nil {
				t.Fatalf("seed reservation: %v", err)
			}
			queue = append(queue, queued{id: id, at: at})
		}

		expected := make([]uuid.UUID, 0, n)
		sort.Slice(queue, func(i, j int) bool {
			if !queue[i].at.Equal(queue[j].at) {
				return queue[i].at.Before(queue[j].at)
			}
			return queue[i].id.String() < queue[j].id.String()
		})
		for _, q := range queue {
			expected = append(expected, q.id)
		}

		// Drain the queue: promote the head, then let each sweep expire the
		// hold and cascade to the next candidate.
		var served []uuid.UUID
		outcome, err := svc.PromoteNext(ctx, listingID)
		if err != nil {
			t.Fatalf("promote: %v", err)
		}
		for outcome.Promoted {
			served = append(served, outcome.Reservation.ID)
			farFuture := outcome.Reservation.ExpiresAt.Add(time.Hour)
			if _, err := svc.SweepExpired(ctx, farFuture); err != nil {
				t.Fatalf("sweep: %v", err)
			}

			outcome = PromotionOutcome{}
			for _, q := range queue {
				res, err := store.GetReservation(ctx, q.id)
				if err != nil {
					t.Fatalf("get reservation: %v", err)
				}
				if res.Status == StatusWait {
					outcome = PromotionOutcome{Promoted: true, Reservation: res}
					break
				}
			}
		}

		if len(served) != len(expected) {
			t.Fatalf("served %d of %d reservations", len(served), len(expected))
		}
		for i := range expected {
			if served[i] != expected[i] {
				t.Fatalf("position %d: served %s, want %s", i, served[i], expected[i])
			}
		}
	})
}
