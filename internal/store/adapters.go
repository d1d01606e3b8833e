package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	domainerrors "github.com/erazemk/knjiznica/internal/errors"
	"github.com/erazemk/knjiznica/internal/model"
)

// Projection exposes the library-scoped reservation table as a value the
// reservation engine can hold. Store sentinels are translated into domain
// errors on the way out.
type Projection struct {
	DB *sql.DB
}

// NewProjection returns a Projection backed by db.
func NewProjection(db *sql.DB) *Projection {
	return &Projection{DB: db}
}

func (p *Projection) Admit(ctx context.Context, libraryID, requesterID, bookID string, decide func(model.QueueSnapshot) (*model.Reservation, error)) (*model.Reservation, error) {
	r, err := AdmitReservation(ctx, p.DB, libraryID, requesterID, bookID, decide)
	switch {
	case errors.Is(err, ErrActiveClaim):
		return nil, domainerrors.DuplicateReservation(err.Error())
	case errors.Is(err, ErrBookNotFound):
		return nil, domainerrors.NotFoundf("book %s not found in library %s", bookID, libraryID)
	}
	return r, err
}

func (p *Projection) Get(ctx context.Context, libraryID, reservationID string) (*model.Reservation, error) {
	return GetReservation(ctx, p.DB, libraryID, reservationID)
}

func (p *Projection) FindByNaturalKey(ctx context.Context, requesterID, bookID, libraryID string) (*model.Reservation, error) {
	return FindReservation(ctx, p.DB, requesterID, bookID, libraryID)
}

func (p *Projection) Transition(ctx context.Context, libraryID, reservationID, to string, at time.Time) (*model.Reservation, []model.Reservation, error) {
	r, renumbered, err := TransitionReservation(ctx, p.DB, libraryID, reservationID, to, at)
	if errors.Is(err, ErrInvalidTransition) {
		return nil, nil, domainerrors.InvalidTransitionf("%v", err)
	}
	return r, renumbered, err
}

func (p *Projection) Promote(ctx context.Context, libraryID, bookID string, at time.Time) ([]model.Reservation, []model.Reservation, error) {
	promoted, renumbered, err := PromoteQueue(ctx, p.DB, libraryID, bookID, at)
	if errors.Is(err, ErrBookNotFound) {
		return nil, nil, domainerrors.NotFoundf("book %s not found in library %s", bookID, libraryID)
	}
	return promoted, renumbered, err
}

func (p *Projection) Delete(ctx context.Context, libraryID, reservationID string) (bool, []model.Reservation, error) {
	return DeleteReservation(ctx, p.DB, libraryID, reservationID)
}

func (p *Projection) ListByLibrary(ctx context.Context, libraryID, status string) ([]model.Reservation, error) {
	return ListLibraryReservations(ctx, p.DB, libraryID, status)
}

func (p *Projection) ListActiveByRequester(ctx context.Context, requesterID, libraryID string) ([]model.Reservation, error) {
	return ListRequesterReservations(ctx, p.DB, requesterID, libraryID, true)
}

func (p *Projection) List(ctx context.Context) ([]model.Reservation, error) {
	return ListAllReservations(ctx, p.DB)
}

// Directory resolves requester accounts from the users table.
type Directory struct {
	DB *sql.DB
}

// ResolveRequester returns nil if the account does not exist or is not a requester.
func (d *Directory) ResolveRequester(ctx context.Context, requesterID string) (*model.Requester, error) {
	return GetRequester(ctx, d.DB, requesterID)
}

// Catalog reads book records for display snapshots.
type Catalog struct {
	DB *sql.DB
}

func (c *Catalog) Book(ctx context.Context, libraryID, bookID string) (*model.Book, error) {
	return GetBook(ctx, c.DB, libraryID, bookID)
}

// Notifications persists the per-reservation set of reminded requesters.
type Notifications struct {
	DB *sql.DB
}

func (n *Notifications) MarkNotified(ctx context.Context, reservationID, requesterID string) (bool, error) {
	return MarkNotified(ctx, n.DB, reservationID, requesterID, time.Now())
}

func (n *Notifications) IsNotified(ctx context.Context, reservationID, requesterID string) (bool, error) {
	return IsNotified(ctx, n.DB, reservationID, requesterID)
}

func (n *Notifications) ListNotified(ctx context.Context, reservationID string) ([]string, error) {
	return ListNotified(ctx, n.DB, reservationID)
}
