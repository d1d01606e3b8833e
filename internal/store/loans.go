package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/erazemk/knjiznica/internal/id"
	"github.com/erazemk/knjiznica/internal/model"
)

// Loan and book store errors.
var (
	// ErrNoFreeCopy is returned by CreateLoan when every copy is already on loan.
	ErrNoFreeCopy   = errors.New("no free copy")
	ErrBookNotFound = errors.New("book not found")
)

const loanColumns = `id, library_id, book_id, requester_id, status, loaned_at, returned_at`

// CreateLoan hands a copy of a book to a requester. The count of active loans
// is checked in the same transaction as the insert.
func CreateLoan(ctx context.Context, db *sql.DB, libraryID, bookID, requesterID string, at time.Time) (*model.Loan, error) {
	loanID, err := id.Generate(id.PrefixLoan)
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	free, err := freeCopies(ctx, tx, libraryID, bookID)
	if err != nil {
		return nil, err
	}
	if free == 0 {
		return nil, ErrNoFreeCopy
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO loans (id, library_id, book_id, requester_id, status, loaned_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		loanID, libraryID, bookID, requesterID, model.LoanActive, at.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating loan: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing loan: %w", err)
	}

	return GetLoan(ctx, db, libraryID, loanID)
}

// GetLoan returns a loan within a library.
func GetLoan(ctx context.Context, db *sql.DB, libraryID, loanID string) (*model.Loan, error) {
	l, err := scanLoan(db.QueryRowContext(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE library_id = ? AND id = ?`,
		libraryID, loanID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting loan: %w", err)
	}
	return l, nil
}

// ReturnLoan marks an active loan as returned. It reports false if the loan
// was already returned, so repeated return events are harmless.
func ReturnLoan(ctx context.Context, db *sql.DB, libraryID, loanID string, at time.Time) (bool, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE loans SET status = ?, returned_at = ?
		 WHERE library_id = ? AND id = ? AND status = ?`,
		model.LoanReturned, at.UTC(), libraryID, loanID, model.LoanActive,
	)
	if err != nil {
		return false, fmt.Errorf("returning loan: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListActiveLoans returns the active loans of one book.
func ListActiveLoans(ctx context.Context, db *sql.DB, libraryID, bookID string) ([]model.Loan, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+loanColumns+` FROM loans
		 WHERE library_id = ? AND book_id = ? AND status = ?
		 ORDER BY loaned_at`,
		libraryID, bookID, model.LoanActive,
	)
	if err != nil {
		return nil, fmt.Errorf("listing active loans: %w", err)
	}
	defer rows.Close()

	var loans []model.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning loan: %w", err)
		}
		loans = append(loans, *l)
	}
	return loans, rows.Err()
}

// CountActiveLoans returns how many copies of a book are currently on loan.
func CountActiveLoans(ctx context.Context, db *sql.DB, libraryID, bookID string) (int, error) {
	return countActiveLoans(ctx, db, libraryID, bookID)
}

func countActiveLoans(ctx context.Context, q querier, libraryID, bookID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM loans WHERE library_id = ? AND book_id = ? AND status = ?`,
		libraryID, bookID, model.LoanActive,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting active loans: %w", err)
	}
	return n, nil
}

// freeCopies is total copies minus active loans, never below zero.
func freeCopies(ctx context.Context, q querier, libraryID, bookID string) (int, error) {
	var total int
	err := q.QueryRowContext(ctx,
		`SELECT total_copies FROM books WHERE library_id = ? AND id = ?`,
		libraryID, bookID,
	).Scan(&total)
	if err == sql.ErrNoRows {
		return 0, ErrBookNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("getting book copies: %w", err)
	}

	active, err := countActiveLoans(ctx, q, libraryID, bookID)
	if err != nil {
		return 0, err
	}
	return max(total-active, 0), nil
}

func scanLoan(row interface{ Scan(dest ...any) error }) (*model.Loan, error) {
	l := &model.Loan{}
	if err := row.Scan(&l.ID, &l.LibraryID, &l.BookID, &l.RequesterID, &l.Status, &l.LoanedAt, &l.ReturnedAt); err != nil {
		return nil, err
	}
	return l, nil
}
