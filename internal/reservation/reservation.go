// Package reservation allocates copies of a book between requesters.
//
// The Engine decides at request time whether a reservation is ready or must
// queue, promotes the head of the queue when a copy comes back, and keeps the
// library-scoped and global projections of every record aligned. The engine
// holds no state between calls; every decision is re-read from the stores.
package reservation

import (
	"context"
	"time"

	"github.com/erazemk/knjiznica/internal/events"
	"github.com/erazemk/knjiznica/internal/model"
)

// LibraryProjection is the staff-facing store of reservations, partitioned by
// library. Admission and promotion run atomically inside it, each re-reading
// free copies in the transaction that writes the decision.
type LibraryProjection interface {
	Admit(ctx context.Context, libraryID, requesterID, bookID string, decide func(model.QueueSnapshot) (*model.Reservation, error)) (*model.Reservation, error)
	Get(ctx context.Context, libraryID, reservationID string) (*model.Reservation, error)
	FindByNaturalKey(ctx context.Context, requesterID, bookID, libraryID string) (*model.Reservation, error)
	Transition(ctx context.Context, libraryID, reservationID, to string, at time.Time) (*model.Reservation, []model.Reservation, error)
	Promote(ctx context.Context, libraryID, bookID string, at time.Time) ([]model.Reservation, []model.Reservation, error)
	Delete(ctx context.Context, libraryID, reservationID string) (bool, []model.Reservation, error)
	ListByLibrary(ctx context.Context, libraryID, status string) ([]model.Reservation, error)
	ListActiveByRequester(ctx context.Context, requesterID, libraryID string) ([]model.Reservation, error)
	List(ctx context.Context) ([]model.Reservation, error)
}

// GlobalProjection is the requester-facing cross-library store. Lookups of a
// missing record return errors.ErrNotFound.
type GlobalProjection interface {
	Put(ctx context.Context, r *model.Reservation) error
	Get(ctx context.Context, reservationID string) (*model.Reservation, error)
	FindByNaturalKey(ctx context.Context, requesterID, bookID, libraryID string) (*model.Reservation, error)
	ListByRequester(ctx context.Context, requesterID string) ([]model.Reservation, error)
	Delete(ctx context.Context, reservationID string) error
	List(ctx context.Context) ([]model.Reservation, error)
}

// Oracle reports free copies of a book. The engine reads it to fail fast when
// the loan ledger is unreachable; allocation decisions use the count the
// library projection re-reads while writing.
type Oracle interface {
	FreeCopies(ctx context.Context, libraryID, bookID string) (int, error)
}

// Directory resolves a requester account to its library and display name.
// A nil requester with a nil error means the account is unknown.
type Directory interface {
	ResolveRequester(ctx context.Context, requesterID string) (*model.Requester, error)
}

// Catalog supplies the book record snapshotted into a new reservation.
type Catalog interface {
	Book(ctx context.Context, libraryID, bookID string) (*model.Book, error)
}

// NotificationStore persists the reminded-requester set of each reservation.
type NotificationStore interface {
	MarkNotified(ctx context.Context, reservationID, requesterID string) (bool, error)
	IsNotified(ctx context.Context, reservationID, requesterID string) (bool, error)
	ListNotified(ctx context.Context, reservationID string) ([]string, error)
}

// Notifier receives staff-facing events.
type Notifier interface {
	Publish(ev events.Event) error
}

// Policy holds the product switches of the allocation rules.
type Policy struct {
	// PromoteOnReadyCancel promotes the queue head when a ready reservation
	// is cancelled. Off by default: only returns and hand-overs promote.
	PromoteOnReadyCancel bool
}

// Actor is the authenticated party performing an operation.
type Actor struct {
	ID        string
	Role      string
	LibraryID string
}

// staffOf reports whether the actor may act as staff of a library.
// Administrators are staff of every library.
func (a Actor) staffOf(libraryID string) bool {
	return model.CanAccessLibrary(a.Role, a.LibraryID, libraryID, model.RoleStaff)
}

// CreateRequest carries the inputs of a new reservation. Display fields left
// empty are filled from the directory and the catalog.
type CreateRequest struct {
	LibraryID     string
	RequesterID   string
	RequesterName string
	BookID        string
	BookTitle     string
	BookAuthor    string
	BookCoverURL  string
}

// Result is the outcome of a mutating operation. Warnings describe
// projections that could not be updated; the operation itself succeeded.
// Promoted lists every reservation a promotion step made ready, earliest
// first, with Reservation set to the first of them.
type Result struct {
	Reservation *model.Reservation  `json:"reservation,omitempty"`
	Promoted    []model.Reservation `json:"promoted,omitempty"`
	Warnings    []string            `json:"warnings,omitempty"`
}

func (r *Result) warn(w ...string) {
	r.Warnings = append(r.Warnings, w...)
}
