// Package inventory computes free copies of a book from its copy count and
// the loan ledger. Nothing is cached; every call reads the store.
package inventory

import (
	"context"
	"database/sql"

	"github.com/erazemk/knjiznica/internal/errors"
	"github.com/erazemk/knjiznica/internal/model"
	"github.com/erazemk/knjiznica/internal/store"
)

// Oracle answers availability questions for books of any library.
type Oracle struct {
	db *sql.DB
}

// New returns an Oracle reading books and loans from db.
func New(db *sql.DB) *Oracle {
	return &Oracle{db: db}
}

// Availability is a point-in-time view of one book's copies.
type Availability struct {
	TotalCopies int `json:"total_copies"`
	OnLoan      int `json:"on_loan"`
	FreeCopies  int `json:"free_copies"`
}

// Availability reads total and loaned copies of a book.
func (o *Oracle) Availability(ctx context.Context, libraryID, bookID string) (Availability, error) {
	book, err := store.GetBook(ctx, o.db, libraryID, bookID)
	if err != nil {
		return Availability{}, errors.InventoryUnavailable("reading book").WithCause(err)
	}
	if book == nil {
		return Availability{}, errors.NotFoundf("book %s not found in library %s", bookID, libraryID)
	}

	onLoan, err := store.CountActiveLoans(ctx, o.db, libraryID, bookID)
	if err != nil {
		return Availability{}, errors.InventoryUnavailable("reading loans").WithCause(err)
	}

	return Availability{
		TotalCopies: book.TotalCopies,
		OnLoan:      onLoan,
		FreeCopies:  max(book.TotalCopies-onLoan, 0),
	}, nil
}

// FreeCopies returns total copies minus active loans, never below zero.
func (o *Oracle) FreeCopies(ctx context.Context, libraryID, bookID string) (int, error) {
	a, err := o.Availability(ctx, libraryID, bookID)
	if err != nil {
		return 0, err
	}
	return a.FreeCopies, nil
}

// IsOnLoan reports whether any copy of the book is currently loaned out.
func (o *Oracle) IsOnLoan(ctx context.Context, libraryID, bookID string) (bool, error) {
	a, err := o.Availability(ctx, libraryID, bookID)
	if err != nil {
		return false, err
	}
	return a.OnLoan > 0, nil
}

// ActiveLoans lists the loans currently held against a book.
func (o *Oracle) ActiveLoans(ctx context.Context, libraryID, bookID string) ([]model.Loan, error) {
	loans, err := store.ListActiveLoans(ctx, o.db, libraryID, bookID)
	if err != nil {
		return nil, errors.InventoryUnavailable("reading loans").WithCause(err)
	}
	return loans, nil
}
