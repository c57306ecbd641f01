// internal/lending/memory.go
package lending

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store on process-local maps. It mirrors the
// PostgresStore semantics closely enough for unit and property tests: a mutex
// per listing serializes WithListing, writes stage in the transaction and
// apply only on commit, and the single-holder invariants are verified at
// commit time just like the partial unique indexes do.
type MemoryStore struct {
	mu           sync.Mutex
	listings     map[uuid.UUID]Listing
	reservations map[uuid.UUID]Reservation
	borrows      map[uuid.UUID]BorrowRecord
	locks        map[uuid.UUID]*sync.Mutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings:     make(map[uuid.UUID]Listing),
		reservations: make(map[uuid.UUID]Reservation),
		borrows:      make(map[uuid.UUID]BorrowRecord),
		locks:        make(map[uuid.UUID]*sync.Mutex),
	}
}

func (m *MemoryStore) CreateListing(_ context.Context, listing *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listings[listing.ID] = *listing
	return nil
}

func (m *MemoryStore) GetListing(_ context.Context, id uuid.UUID) (*Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &l, nil
}

func (m *MemoryStore) ListListings(_ context.Context) ([]*Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Listing, 0, len(m.listings))
	for _, l := range m.listings {
		l := l
		out = append(out, &l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Title != out[j].Title {
			return out[i].Title < out[j].Title
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (m *MemoryStore) GetReservation(_ context.Context, id uuid.UUID) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.reservations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &res, nil
}

func (m *MemoryStore) GetBorrowRecord(_ context.Context, id uuid.UUID) (*BorrowRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.borrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryStore) ExpiredWaiting(_ context.Context, now time.Time) ([]*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Reservation
	for _, res := range m.reservations {
		if res.Status == StatusWait && res.ExpiresAt != nil && !res.ExpiresAt.After(now) {
			res := res
			out = append(out, &res)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(*out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(*out[j].ExpiresAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (m *MemoryStore) MarkOverdue(_ context.Context, day time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, rec := range m.borrows {
		if rec.Status == BorrowStatusBorrowed && rec.DueDate.Before(day) {
			rec.Status = BorrowStatusOverdue
			m.borrows[id] = rec
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) WithListing(ctx context.Context, listingID uuid.UUID, fn func(tx ListingTx) error) error {
	m.mu.Lock()
	if _, ok := m.listings[listingID]; !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	lock, ok := m.locks[listingID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[listingID] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	listing := m.listings[listingID]
	m.mu.Unlock()

	tx := &memListingTx{
		store:     m,
		listing:   &listing,
		stagedRes: make(map[uuid.UUID]Reservation),
		stagedBor: make(map[uuid.UUID]BorrowRecord),
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// memListingTx stages writes until commit so a failed callback leaves the
// store untouched, matching the rollback behavior of the SQL implementation.
type memListingTx struct {
	store     *MemoryStore
	listing   *Listing
	stagedRes map[uuid.UUID]Reservation
	stagedBor map[uuid.UUID]BorrowRecord
}

func (t *memListingTx) Listing() *Listing { return t.listing }

func (t *memListingTx) SetAvailable(available bool) error {
	t.listing.IsAvailable = available
	return nil
}

// reservationView merges committed and staged reservations for the listing.
func (t *memListingTx) reservationView() []Reservation {
	t.store.mu.Lock()
	merged := make(map[uuid.UUID]Reservation)
	for id, res := range t.store.reservations {
		if res.ListingID == t.listing.ID {
			merged[id] = res
		}
	}
	t.store.mu.Unlock()
	for id, res := range t.stagedRes {
		merged[id] = res
	}
	out := make([]Reservation, 0, len(merged))
	for _, res := range merged {
		out = append(out, res)
	}
	return out
}

func (t *memListingTx) borrowView() []BorrowRecord {
	t.store.mu.Lock()
	merged := make(map[uuid.UUID]BorrowRecord)
	for id, rec := range t.store.borrows {
		if rec.ListingID == t.listing.ID {
			merged[id] = rec
		}
	}
	t.store.mu.Unlock()
	for id, rec := range t.stagedBor {
		merged[id] = rec
	}
	out := make([]BorrowRecord, 0, len(merged))
	for _, rec := range merged {
		out = append(out, rec)
	}
	return out
}

func (t *memListingTx) ActiveHold() (*Reservation, error) {
	for _, res := range t.reservationView() {
		if res.Status == StatusWait {
			res := res
			return &res, nil
		}
	}
	return nil, nil
}

func (t *memListingTx) NextReserved() (*Reservation, error) {
	var next *Reservation
	for _, res := range t.reservationView() {
		if res.Status != StatusReserved {
			continue
		}
		res := res
		if next == nil {
			next = &res
			continue
		}
		if res.ReservationAt.Before(next.ReservationAt) ||
			(res.ReservationAt.Equal(next.ReservationAt) && res.ID.String() < next.ID.String()) {
			next = &res
		}
	}
	return next, nil
}

func (t *memListingTx) ReservationByID(id uuid.UUID) (*Reservation, error) {
	if res, ok := t.stagedRes[id]; ok {
		return &res, nil
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	res, ok := t.store.reservations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &res, nil
}

func (t *memListingTx) InsertReservation(res *Reservation) error {
	t.stagedRes[res.ID] = *res
	return nil
}

func (t *memListingTx) UpdateReservation(res *Reservation) error {
	t.stagedRes[res.ID] = *res
	return nil
}

func (t *memListingTx) OpenLoan() (*BorrowRecord, error) {
	for _, rec := range t.borrowView() {
		if rec.Status.Open() {
			rec := rec
			return &rec, nil
		}
	}
	return nil, nil
}

func (t *memListingTx) BorrowRecordByID(id uuid.UUID) (*BorrowRecord, error) {
	if rec, ok := t.stagedBor[id]; ok {
		return &rec, nil
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	rec, ok := t.store.borrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (t *memListingTx) InsertBorrowRecord(rec *BorrowRecord) error {
	t.stagedBor[rec.ID] = *rec
	return nil
}

func (t *memListingTx) UpdateBorrowRecord(rec *BorrowRecord) error {
	t.stagedBor[rec.ID] = *rec
	return nil
}

func (t *memListingTx) HasOpenClaim(memberID uuid.UUID) (bool, error) {
	for _, res := range t.reservationView() {
		if res.MemberID == memberID && (res.Status == StatusReserved || res.Status == StatusWait) {
			return true, nil
		}
	}
	for _, rec := range t.borrowView() {
		if rec.MemberID == memberID && rec.Status.Open() {
			return true, nil
		}
	}
	return false, nil
}

// commit verifies the single-holder invariants over the merged view and then
// applies the staged writes. The per-listing mutex makes a violation here a
// bug rather than a race, but the check keeps parity with the SQL indexes.
func (t *memListingTx) commit() error {
	waits, opens := 0, 0
	for _, res := range t.reservationView() {
		if res.Status == StatusWait {
			waits++
		}
	}
	for _, rec := range t.borrowView() {
		if rec.Status.Open() {
			opens++
		}
	}
	if waits > 1 || opens > 1 {
		return ErrConflict
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.listings[t.listing.ID] = *t.listing
	for id, res := range t.stagedRes {
		t.store.reservations[id] = res
	}
	for id, rec := range t.stagedBor {
		t.store.borrows[id] = rec
	}
	return nil
}
