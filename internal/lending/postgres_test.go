// internal/lending/postgres_test.go
package lending

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore attempts to connect to a PostgreSQL database for testing.
// It skips the test if the connection cannot be established.
func setupTestStore(t *testing.T) *PostgresStore {
	t.Helper()

	pgUser := getenvDefault("PGUSER", "user")
	pgPassword := getenvDefault("PGPASSWORD", "password")
	pgHost := getenvDefault("PGHOST", "localhost")
	pgPort := getenvDefault("PGPORT", "5432")
	pgDB := getenvDefault("PGDATABASE", "testdb")

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		pgHost, pgPort, pgUser, pgPassword, pgDB)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	if err := db.Ping(); err != nil {
		t.Skipf("skipping postgres tests: could not connect: %v", err)
	}

	store := NewPostgresStore(db)
	require.NoError(t, store.Migrate(context.Background()))

	_, err = db.Exec("TRUNCATE TABLE borrow_records, reservations, listings CASCADE")
	require.NoError(t, err)

	return store
}

func getenvDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func pgListing(t *testing.T, store *PostgresStore, available bool) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, store.CreateListing(context.Background(), &Listing{
		ID:          id,
		Title:       "A Wizard of Earthsea",
		IsAvailable: available,
	}))
	return id
}

func TestPostgresLendingLifecycle(t *testing.T) {
	store := setupTestStore(t)
	svc := NewService(store, DefaultConfig())
	ctx := context.Background()

	listingID := pgListing(t, store, true)

	// Walk-in loan claims the listing.
	alice := uuid.New()
	loan, err := svc.CheckoutListing(ctx, listingID, alice)
	require.NoError(t, err)

	// Two members queue up behind it.
	bob := uuid.New()
	carol := uuid.New()
	first, err := svc.ReserveListing(ctx, listingID, bob)
	require.NoError(t, err)
	require.Equal(t, StatusReserved, first.Status)
	time.Sleep(5 * time.Millisecond) // distinct reservation_at
	second, err := svc.ReserveListing(ctx, listingID, carol)
	require.NoError(t, err)
	require.Equal(t, StatusReserved, second.Status)

	// Return promotes the earliest reservation.
	_, err = svc.ReturnLoan(ctx, loan.ID, time.Now().UTC())
	require.NoError(t, err)

	promoted, err := store.GetReservation(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusWait, promoted.Status)
	require.NotNil(t, promoted.ExpiresAt)

	still, err := store.GetReservation(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReserved, still.Status)

	// The hold converts into a loan.
	converted, err := svc.CreateLoanFromWait(ctx, first.ID, bob, 0)
	require.NoError(t, err)
	assert.Equal(t, BorrowStatusBorrowed, converted.Status)

	// Returning it cascades the hold to the next member, and the expiry
	// sweep moves the queue along once the window passes.
	_, err = svc.ReturnLoan(ctx, converted.ID, time.Now().UTC())
	require.NoError(t, err)

	next, err := store.GetReservation(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, StatusWait, next.Status)
	require.NotNil(t, next.ExpiresAt)

	expired, err := svc.SweepExpired(ctx, next.ExpiresAt.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	gone, err := store.GetReservation(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAutoExpired, gone.Status)

	listing, err := store.GetListing(ctx, listingID)
	require.NoError(t, err)
	assert.True(t, listing.IsAvailable)
}

func TestPostgresMarkOverdue(t *testing.T) {
	store := setupTestStore(t)
	svc := NewService(store, DefaultConfig())
	ctx := context.Background()

	listingID := pgListing(t, store, false)
	err := store.WithListing(ctx, listingID, func(tx ListingTx) error {
		return tx.InsertBorrowRecord(&BorrowRecord{
			ID:         uuid.New(),
			ListingID:  listingID,
			MemberID:   uuid.New(),
			BorrowDate: time.Now().UTC().Add(-16 * 24 * time.Hour),
			DueDate:    time.Now().UTC().Add(-48 * time.Hour),
			Status:     BorrowStatusBorrowed,
		})
	})
	require.NoError(t, err)

	n, err := svc.MarkOverdue(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = svc.MarkOverdue(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPostgresSecondWaitHoldViolatesIndex(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	listingID := pgListing(t, store, false)
	expires := time.Now().UTC().Add(time.Hour)

	insertWait := func() error {
		return store.WithListing(ctx, listingID, func(tx ListingTx) error {
			ready := time.Now().UTC()
			return tx.InsertReservation(&Reservation{
				ID:            uuid.New(),
				ListingID:     listingID,
				MemberID:      uuid.New(),
				Status:        StatusWait,
				ReservationAt: ready,
				ReadyAt:       &ready,
				ExpiresAt:     &expires,
			})
		})
	}

	require.NoError(t, insertWait())
	// The partial unique index turns a second hold into ErrConflict.
	assert.ErrorIs(t, insertWait(), ErrConflict)
}

func TestPostgresWithListingUnknownListing(t *testing.T) {
	store := setupTestStore(t)

	err := store.WithListing(context.Background(), uuid.New(), func(tx ListingTx) error {
		t.Fatal("callback must not run")
		return nil
	})
	assert.ErrorIs(t, err, ErrNotFound)
}
