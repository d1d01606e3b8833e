package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/erazemk/knjiznica/internal/id"
	"github.com/erazemk/knjiznica/internal/model"
)

// Reservation store errors.
var (
	ErrActiveClaim       = errors.New("requester already holds an active reservation for this book")
	ErrInvalidTransition = errors.New("invalid status transition")
)

const reservationColumns = `id, library_id, requester_id, requester_name, book_id, book_title, book_author,
	book_cover_url, status, kind, queue_position, created_at, ready_at, completed_at, cancelled_at`

// AdmitFunc decides, from the state of the book's queue, which record to
// insert. Returning an error aborts the admission without writing.
type AdmitFunc func(snap model.QueueSnapshot) (*model.Reservation, error)

// AdmitReservation reads the queue snapshot for one book, free copies
// included, and inserts the record chosen by decide, all inside a single write
// transaction. Concurrent admissions and loans for the same book are
// serialized by SQLite's write lock.
func AdmitReservation(ctx context.Context, db *sql.DB, libraryID, requesterID, bookID string, decide AdmitFunc) (*model.Reservation, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var snap model.QueueSnapshot
	snap.Free, err = freeCopies(ctx, tx, libraryID, bookID)
	if err != nil {
		return nil, err
	}
	snap.Ready, snap.Pending, err = queueCounts(ctx, tx, libraryID, bookID)
	if err != nil {
		return nil, err
	}
	snap.Active, err = findActive(ctx, tx, requesterID, bookID, libraryID)
	if err != nil {
		return nil, err
	}

	r, err := decide(snap)
	if err != nil {
		return nil, err
	}
	if r.ID == "" {
		if r.ID, err = id.Generate(id.PrefixReservation); err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO library_reservations (`+reservationColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.LibraryID, r.RequesterID, r.RequesterName, r.BookID, r.BookTitle,
		nullString(r.BookAuthor), nullString(r.BookCoverURL), r.Status, r.Kind,
		r.QueuePosition, r.CreatedAt.UTC(), utcPtr(r.ReadyAt), utcPtr(r.CompletedAt), utcPtr(r.CancelledAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrActiveClaim
		}
		return nil, fmt.Errorf("inserting reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing reservation: %w", err)
	}
	return r, nil
}

// GetReservation returns a reservation by ID. An empty libraryID matches any
// library, since reservation IDs are unique across libraries.
func GetReservation(ctx context.Context, db *sql.DB, libraryID, reservationID string) (*model.Reservation, error) {
	return getReservation(ctx, db, libraryID, reservationID)
}

// FindReservation looks a reservation up by its natural key. The active record
// wins; otherwise the most recently created one is returned.
func FindReservation(ctx context.Context, db *sql.DB, requesterID, bookID, libraryID string) (*model.Reservation, error) {
	r, err := scanReservation(db.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM library_reservations
		 WHERE requester_id = ? AND book_id = ? AND library_id = ?
		 ORDER BY CASE WHEN status IN ('pending', 'ready') THEN 0 ELSE 1 END, created_at DESC
		 LIMIT 1`,
		requesterID, bookID, libraryID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding reservation: %w", err)
	}
	return r, nil
}

// FindActiveReservation returns the requester's pending or ready reservation
// for a book, or nil.
func FindActiveReservation(ctx context.Context, db *sql.DB, requesterID, bookID, libraryID string) (*model.Reservation, error) {
	return findActive(ctx, db, requesterID, bookID, libraryID)
}

// TransitionReservation moves a reservation to a new status and stamps the
// matching timestamp. Leaving the queue closes the gap it leaves behind; the
// renumbered records are returned alongside the updated one.
func TransitionReservation(ctx context.Context, db *sql.DB, libraryID, reservationID, to string, at time.Time) (*model.Reservation, []model.Reservation, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	r, err := getReservation(ctx, tx, libraryID, reservationID)
	if err != nil {
		return nil, nil, err
	}
	if r == nil {
		return nil, nil, nil
	}
	if !model.CanTransition(r.Status, to) {
		return nil, nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, r.Status, to)
	}

	wasQueued := r.Queued()
	r.Apply(to, at)
	if err := updateState(ctx, tx, r); err != nil {
		return nil, nil, err
	}

	var renumbered []model.Reservation
	if wasQueued {
		if renumbered, err = renumberQueue(ctx, tx, r.LibraryID, r.BookID); err != nil {
			return nil, nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("committing transition: %w", err)
	}
	return r, renumbered, nil
}

// PromoteQueue flips queued reservations of a book to ready, earliest first,
// while free copies outnumber ready claims, then renumbers the rest of the
// queue from 1. Free copies are counted from the loan ledger inside the same
// transaction, so a return whose promotion lost a race is caught up by the
// next call and repeated events for the same return promote nobody.
func PromoteQueue(ctx context.Context, db *sql.DB, libraryID, bookID string, at time.Time) ([]model.Reservation, []model.Reservation, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	free, err := freeCopies(ctx, tx, libraryID, bookID)
	if err != nil {
		return nil, nil, err
	}
	ready, _, err := queueCounts(ctx, tx, libraryID, bookID)
	if err != nil {
		return nil, nil, err
	}

	var promoted []model.Reservation
	for ; ready < free; ready++ {
		head, err := scanReservation(tx.QueryRowContext(ctx,
			`SELECT `+reservationColumns+` FROM library_reservations
			 WHERE library_id = ? AND book_id = ? AND status = ? AND kind = ?
			 ORDER BY queue_position, created_at
			 LIMIT 1`,
			libraryID, bookID, model.ReservationPending, model.KindWaitlist,
		))
		if err == sql.ErrNoRows {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("selecting queue head: %w", err)
		}

		head.Apply(model.ReservationReady, at)
		if err := updateState(ctx, tx, head); err != nil {
			return nil, nil, err
		}
		promoted = append(promoted, *head)
	}
	if len(promoted) == 0 {
		return nil, nil, nil
	}

	renumbered, err := renumberQueue(ctx, tx, libraryID, bookID)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("committing promotion: %w", err)
	}
	return promoted, renumbered, nil
}

// DeleteReservation removes a reservation and its notification set. It reports
// whether a row was removed along with any queue entries renumbered to close
// the gap.
func DeleteReservation(ctx context.Context, db *sql.DB, libraryID, reservationID string) (bool, []model.Reservation, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	r, err := getReservation(ctx, tx, libraryID, reservationID)
	if err != nil {
		return false, nil, err
	}
	if r == nil {
		return false, nil, nil
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM library_reservations WHERE library_id = ? AND id = ?`,
		r.LibraryID, r.ID,
	); err != nil {
		return false, nil, fmt.Errorf("deleting reservation: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM reservation_notifications WHERE reservation_id = ?`, r.ID,
	); err != nil {
		return false, nil, fmt.Errorf("deleting reservation notifications: %w", err)
	}

	var renumbered []model.Reservation
	if r.Queued() {
		if renumbered, err = renumberQueue(ctx, tx, r.LibraryID, r.BookID); err != nil {
			return false, nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, nil, fmt.Errorf("committing delete: %w", err)
	}
	return true, renumbered, nil
}

// ListLibraryReservations returns a library's reservations, optionally filtered
// by status, with the notified requester set attached to each record.
func ListLibraryReservations(ctx context.Context, db *sql.DB, libraryID, status string) ([]model.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM library_reservations WHERE library_id = ?`
	args := []any{libraryID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY book_id, COALESCE(queue_position, 0), created_at, id`

	list, err := queryReservations(ctx, db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing library reservations: %w", err)
	}

	notified, err := notifiedByLibrary(ctx, db, libraryID)
	if err != nil {
		return nil, err
	}
	for i := range list {
		list[i].NotifiedRequesterIDs = notified[list[i].ID]
	}
	return list, nil
}

// ListRequesterReservations returns a requester's reservations, optionally
// limited to one library and to active statuses.
func ListRequesterReservations(ctx context.Context, db *sql.DB, requesterID, libraryID string, activeOnly bool) ([]model.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM library_reservations WHERE requester_id = ?`
	args := []any{requesterID}
	if libraryID != "" {
		query += ` AND library_id = ?`
		args = append(args, libraryID)
	}
	if activeOnly {
		query += ` AND status IN ('pending', 'ready')`
	}
	query += ` ORDER BY created_at, id`

	list, err := queryReservations(ctx, db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing requester reservations: %w", err)
	}
	return list, nil
}

// ListAllReservations returns every reservation across libraries.
func ListAllReservations(ctx context.Context, db *sql.DB) ([]model.Reservation, error) {
	list, err := queryReservations(ctx, db,
		`SELECT `+reservationColumns+` FROM library_reservations ORDER BY library_id, id`)
	if err != nil {
		return nil, fmt.Errorf("listing all reservations: %w", err)
	}
	return list, nil
}

// CountQueue returns how many ready and queued reservations a book has.
func CountQueue(ctx context.Context, db *sql.DB, libraryID, bookID string) (ready, pending int, err error) {
	return queueCounts(ctx, db, libraryID, bookID)
}

func queueCounts(ctx context.Context, q querier, libraryID, bookID string) (ready, pending int, err error) {
	err = q.QueryRowContext(ctx,
		`SELECT
		   COALESCE(SUM(CASE WHEN status = 'ready' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN status = 'pending' AND kind = 'waitlist' THEN 1 ELSE 0 END), 0)
		 FROM library_reservations
		 WHERE library_id = ? AND book_id = ?`,
		libraryID, bookID,
	).Scan(&ready, &pending)
	if err != nil {
		return 0, 0, fmt.Errorf("counting queue: %w", err)
	}
	return ready, pending, nil
}

func findActive(ctx context.Context, q querier, requesterID, bookID, libraryID string) (*model.Reservation, error) {
	r, err := scanReservation(q.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM library_reservations
		 WHERE requester_id = ? AND book_id = ? AND library_id = ? AND status IN ('pending', 'ready')`,
		requesterID, bookID, libraryID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding active reservation: %w", err)
	}
	return r, nil
}

func getReservation(ctx context.Context, q querier, libraryID, reservationID string) (*model.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM library_reservations WHERE id = ?`
	args := []any{reservationID}
	if libraryID != "" {
		query += ` AND library_id = ?`
		args = append(args, libraryID)
	}

	r, err := scanReservation(q.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting reservation: %w", err)
	}
	return r, nil
}

// renumberQueue rewrites the queue positions of a book's waitlist so they run
// 1..n in their current order. Only records whose position changed are returned.
func renumberQueue(ctx context.Context, q querier, libraryID, bookID string) ([]model.Reservation, error) {
	queue, err := queryReservations(ctx, q,
		`SELECT `+reservationColumns+` FROM library_reservations
		 WHERE library_id = ? AND book_id = ? AND status = ? AND kind = ?
		 ORDER BY queue_position, created_at`,
		libraryID, bookID, model.ReservationPending, model.KindWaitlist,
	)
	if err != nil {
		return nil, fmt.Errorf("reading queue: %w", err)
	}

	var changed []model.Reservation
	for i := range queue {
		pos := i + 1
		if queue[i].QueuePosition != nil && *queue[i].QueuePosition == pos {
			continue
		}
		queue[i].QueuePosition = &pos
		if _, err := q.ExecContext(ctx,
			`UPDATE library_reservations SET queue_position = ? WHERE library_id = ? AND id = ?`,
			pos, libraryID, queue[i].ID,
		); err != nil {
			return nil, fmt.Errorf("renumbering queue: %w", err)
		}
		changed = append(changed, queue[i])
	}
	return changed, nil
}

func updateState(ctx context.Context, q querier, r *model.Reservation) error {
	_, err := q.ExecContext(ctx,
		`UPDATE library_reservations
		 SET status = ?, queue_position = ?, ready_at = ?, completed_at = ?, cancelled_at = ?
		 WHERE library_id = ? AND id = ?`,
		r.Status, r.QueuePosition, utcPtr(r.ReadyAt), utcPtr(r.CompletedAt), utcPtr(r.CancelledAt),
		r.LibraryID, r.ID,
	)
	if err != nil {
		return fmt.Errorf("updating reservation: %w", err)
	}
	return nil
}

func queryReservations(ctx context.Context, q querier, query string, args ...any) ([]model.Reservation, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []model.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *r)
	}
	return list, rows.Err()
}

func scanReservation(row interface{ Scan(dest ...any) error }) (*model.Reservation, error) {
	r := &model.Reservation{}
	var author, coverURL sql.NullString
	var pos sql.NullInt64
	err := row.Scan(&r.ID, &r.LibraryID, &r.RequesterID, &r.RequesterName, &r.BookID, &r.BookTitle,
		&author, &coverURL, &r.Status, &r.Kind, &pos, &r.CreatedAt, &r.ReadyAt, &r.CompletedAt, &r.CancelledAt)
	if err != nil {
		return nil, err
	}
	r.BookAuthor = author.String
	r.BookCoverURL = coverURL.String
	if pos.Valid {
		p := int(pos.Int64)
		r.QueuePosition = &p
	}
	return r, nil
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
