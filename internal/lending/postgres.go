// internal/lending/postgres.go
package lending

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore implements Store on a relational schema. Per-listing
// serialization comes from locking the listing row FOR UPDATE; partial unique
// indexes on wait holds and open loans are the commit-time backstop that turns
// a lost race into ErrConflict.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store on an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the schema and its invariant-enforcing indexes.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS listings (
			id UUID PRIMARY KEY,
			title TEXT NOT NULL,
			is_available BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS reservations (
			id UUID PRIMARY KEY,
			listing_id UUID NOT NULL REFERENCES listings (id),
			member_id UUID NOT NULL,
			status TEXT NOT NULL,
			reservation_at TIMESTAMPTZ NOT NULL,
			ready_at TIMESTAMPTZ,
			expires_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS borrow_records (
			id UUID PRIMARY KEY,
			listing_id UUID NOT NULL REFERENCES listings (id),
			member_id UUID NOT NULL,
			borrow_date TIMESTAMPTZ NOT NULL,
			due_date TIMESTAMPTZ NOT NULL,
			return_date TIMESTAMPTZ,
			status TEXT NOT NULL,
			reservation_id UUID
		)`,
		// At most one wait hold per listing.
		`CREATE UNIQUE INDEX IF NOT EXISTS reservations_one_wait_per_listing
			ON reservations (listing_id) WHERE status = 'wait'`,
		// At most one open loan per listing.
		`CREATE UNIQUE INDEX IF NOT EXISTS borrow_records_one_open_per_listing
			ON borrow_records (listing_id) WHERE status IN ('borrowed', 'overdue')`,
		`CREATE INDEX IF NOT EXISTS reservations_queue_order
			ON reservations (listing_id, reservation_at, id) WHERE status = 'reserved'`,
		`CREATE INDEX IF NOT EXISTS reservations_expiry
			ON reservations (expires_at) WHERE status = 'wait'`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (p *PostgresStore) CreateListing(ctx context.Context, listing *Listing) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO listings (id, title, is_available)
		VALUES ($1, $2, $3)
	`, listing.ID, listing.Title, listing.IsAvailable)
	return pgErr(err)
}

func (p *PostgresStore) GetListing(ctx context.Context, id uuid.UUID) (*Listing, error) {
	var l Listing
	err := p.db.QueryRowContext(ctx, `
		SELECT id, title, is_available FROM listings WHERE id = $1
	`, id).Scan(&l.ID, &l.Title, &l.IsAvailable)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query listing: %w", err)
	}
	return &l, nil
}

func (p *PostgresStore) ListListings(ctx context.Context) ([]*Listing, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, title, is_available FROM listings ORDER BY title, id
	`)
	if err != nil {
		return nil, fmt.Errorf("query listings: %w", err)
	}
	defer rows.Close()

	var listings []*Listing
	for rows.Next() {
		var l Listing
		if err := rows.Scan(&l.ID, &l.Title, &l.IsAvailable); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		listings = append(listings, &l)
	}
	return listings, rows.Err()
}

const reservationColumns = `id, listing_id, member_id, status, reservation_at, ready_at, expires_at`

func (p *PostgresStore) GetReservation(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+reservationColumns+` FROM reservations WHERE id = $1
	`, id)
	return scanReservation(row)
}

const borrowColumns = `id, listing_id, member_id, borrow_date, due_date, return_date, status, reservation_id`

func (p *PostgresStore) GetBorrowRecord(ctx context.Context, id uuid.UUID) (*BorrowRecord, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+borrowColumns+` FROM borrow_records WHERE id = $1
	`, id)
	return scanBorrowRecord(row)
}

func (p *PostgresStore) ExpiredWaiting(ctx context.Context, now time.Time) ([]*Reservation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE status = 'wait' AND expires_at <= $1
		ORDER BY expires_at, id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("query expired holds: %w", err)
	}
	defer rows.Close()

	var out []*Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkOverdue(ctx context.Context, day time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE borrow_records SET status = 'overdue'
		WHERE status = 'borrowed' AND due_date < $1
	`, day)
	if err != nil {
		return 0, fmt.Errorf("mark overdue: %w", err)
	}
	return result.RowsAffected()
}

func (p *PostgresStore) WithListing(ctx context.Context, listingID uuid.UUID, fn func(tx ListingTx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var l Listing
	err = tx.QueryRowContext(ctx, `
		SELECT id, title, is_available FROM listings WHERE id = $1 FOR UPDATE
	`, listingID).Scan(&l.ID, &l.Title, &l.IsAvailable)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return pgErr(err)
	}

	if err := fn(&pgListingTx{ctx: ctx, tx: tx, listing: &l}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return pgErr(err)
	}
	return nil
}

// pgListingTx is the transactional view handed to WithListing callbacks.
type pgListingTx struct {
	ctx     context.Context
	tx      *sql.Tx
	listing *Listing
}

func (t *pgListingTx) Listing() *Listing { return t.listing }

func (t *pgListingTx) SetAvailable(available bool) error {
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE listings SET is_available = $1 WHERE id = $2
	`, available, t.listing.ID)
	if err != nil {
		return pgErr(err)
	}
	t.listing.IsAvailable = available
	return nil
}

func (t *pgListingTx) ActiveHold() (*Reservation, error) {
	row := t.tx.QueryRowContext(t.ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE listing_id = $1 AND status = 'wait'
	`, t.listing.ID)
	res, err := scanReservation(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return res, err
}

func (t *pgListingTx) NextReserved() (*Reservation, error) {
	row := t.tx.QueryRowContext(t.ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE listing_id = $1 AND status = 'reserved'
		ORDER BY reservation_at, id
		LIMIT 1
	`, t.listing.ID)
	res, err := scanReservation(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return res, err
}

func (t *pgListingTx) ReservationByID(id uuid.UUID) (*Reservation, error) {
	row := t.tx.QueryRowContext(t.ctx, `
		SELECT `+reservationColumns+` FROM reservations WHERE id = $1
	`, id)
	return scanReservation(row)
}

func (t *pgListingTx) InsertReservation(res *Reservation) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO reservations (id, listing_id, member_id, status, reservation_at, ready_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, res.ID, res.ListingID, res.MemberID, res.Status, res.ReservationAt,
		nullTime(res.ReadyAt), nullTime(res.ExpiresAt))
	return pgErr(err)
}

func (t *pgListingTx) UpdateReservation(res *Reservation) error {
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE reservations
		SET status = $1, ready_at = $2, expires_at = $3
		WHERE id = $4
	`, res.Status, nullTime(res.ReadyAt), nullTime(res.ExpiresAt), res.ID)
	return pgErr(err)
}

func (t *pgListingTx) OpenLoan() (*BorrowRecord, error) {
	row := t.tx.QueryRowContext(t.ctx, `
		SELECT `+borrowColumns+`
		FROM borrow_records
		WHERE listing_id = $1 AND status IN ('borrowed', 'overdue')
	`, t.listing.ID)
	rec, err := scanBorrowRecord(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

func (t *pgListingTx) BorrowRecordByID(id uuid.UUID) (*BorrowRecord, error) {
	row := t.tx.QueryRowContext(t.ctx, `
		SELECT `+borrowColumns+` FROM borrow_records WHERE id = $1
	`, id)
	return scanBorrowRecord(row)
}

func (t *pgListingTx) InsertBorrowRecord(rec *BorrowRecord) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO borrow_records (id, listing_id, member_id, borrow_date, due_date, return_date, status, reservation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.ListingID, rec.MemberID, rec.BorrowDate, rec.DueDate,
		nullTime(rec.ReturnDate), rec.Status, nullUUID(rec.ReservationID))
	return pgErr(err)
}

func (t *pgListingTx) UpdateBorrowRecord(rec *BorrowRecord) error {
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE borrow_records
		SET status = $1, return_date = $2, due_date = $3
		WHERE id = $4
	`, rec.Status, nullTime(rec.ReturnDate), rec.DueDate, rec.ID)
	return pgErr(err)
}

func (t *pgListingTx) HasOpenClaim(memberID uuid.UUID) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT (
			SELECT COUNT(*) FROM reservations
			WHERE listing_id = $1 AND member_id = $2 AND status IN ('reserved', 'wait')
		) + (
			SELECT COUNT(*) FROM borrow_records
			WHERE listing_id = $1 AND member_id = $2 AND status IN ('borrowed', 'overdue')
		)
	`, t.listing.ID, memberID).Scan(&n)
	if err != nil {
		return false, pgErr(err)
	}
	return n > 0, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanReservation(row scanner) (*Reservation, error) {
	var res Reservation
	var readyAt, expiresAt sql.NullTime
	err := row.Scan(&res.ID, &res.ListingID, &res.MemberID, &res.Status,
		&res.ReservationAt, &readyAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan reservation: %w", err)
	}
	if readyAt.Valid {
		res.ReadyAt = &readyAt.Time
	}
	if expiresAt.Valid {
		res.ExpiresAt = &expiresAt.Time
	}
	return &res, nil
}

func scanBorrowRecord(row scanner) (*BorrowRecord, error) {
	var rec BorrowRecord
	var returnDate sql.NullTime
	var reservationID uuid.NullUUID
	err := row.Scan(&rec.ID, &rec.ListingID, &rec.MemberID, &rec.BorrowDate,
		&rec.DueDate, &returnDate, &rec.Status, &reservationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan borrow record: %w", err)
	}
	if returnDate.Valid {
		rec.ReturnDate = &returnDate.Time
	}
	if reservationID.Valid {
		id := reservationID.UUID
		rec.ReservationID = &id
	}
	return &rec, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

// pgErr maps storage-level invariant failures to the engine's error taxonomy.
// 23505 is a unique-index violation (a race the partial indexes caught),
// 40001 a serialization failure; both are safe to retry once.
func pgErr(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505", "40001":
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	return err
}
