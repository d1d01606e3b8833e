package reservation

import (
	"context"
	"log/slog"
	"time"

	domainerrors "github.com/erazemk/knjiznica/internal/errors"
	"github.com/erazemk/knjiznica/internal/events"
	"github.com/erazemk/knjiznica/internal/model"
)

// Options wires an Engine to its collaborators. Notifier and Logger are
// optional.
type Options struct {
	Library       LibraryProjection
	Global        GlobalProjection
	Oracle        Oracle
	Directory     Directory
	Catalog       Catalog
	Notifications NotificationStore
	Notifier      Notifier
	Policy        Policy
	Logger        *slog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Engine is the reservation state machine.
type Engine struct {
	lib      LibraryProjection
	sync     *Synchronizer
	oracle   Oracle
	dir      Directory
	catalog  Catalog
	tracker  *Tracker
	notifier Notifier
	policy   Policy
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an Engine.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		lib:      opts.Library,
		sync:     NewSynchronizer(opts.Library, opts.Global, opts.Directory, logger),
		oracle:   opts.Oracle,
		dir:      opts.Directory,
		catalog:  opts.Catalog,
		tracker:  NewTracker(opts.Notifications),
		notifier: opts.Notifier,
		policy:   opts.Policy,
		logger:   logger,
		now:      func() time.Time { return now().UTC() },
	}
}

// Synchronizer returns the engine's projection synchronizer.
func (e *Engine) Synchronizer() *Synchronizer {
	return e.sync
}

// Policy returns the allocation policy in effect.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Create admits a new reservation. With a free, unclaimed copy the
// reservation is ready at once; when every copy is on loan it joins the
// waitlist. Free copies already held by ready reservations refuse the request
// outright, since no return will ever promote it. The decision is taken on
// free copies counted inside the admission transaction, so a loan or
// reservation committed after the oracle read is still seen.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*Result, error) {
	if req.RequesterID == "" || req.BookID == "" {
		return nil, domainerrors.Validation("requester and book are required")
	}

	requester, err := e.dir.ResolveRequester(ctx, req.RequesterID)
	if err != nil {
		return nil, domainerrors.RequesterUnresolvable("resolving requester " + req.RequesterID).WithCause(err)
	}
	if requester == nil {
		return nil, domainerrors.RequesterUnresolvable("unknown requester " + req.RequesterID)
	}
	libraryID := req.LibraryID
	if libraryID == "" {
		libraryID = requester.LibraryID
	}
	if libraryID == "" || (requester.LibraryID != "" && requester.LibraryID != libraryID) {
		return nil, domainerrors.RequesterUnresolvable("requester " + req.RequesterID + " does not belong to library " + libraryID)
	}

	book, err := e.catalog.Book(ctx, libraryID, req.BookID)
	if err != nil {
		return nil, domainerrors.InventoryUnavailable("reading book").WithCause(err)
	}
	if book == nil {
		return nil, domainerrors.NotFoundf("book %s not found in library %s", req.BookID, libraryID)
	}

	if _, err := e.freeCopies(ctx, libraryID, req.BookID); err != nil {
		return nil, err
	}

	now := e.now()
	draft := &model.Reservation{
		LibraryID:     libraryID,
		RequesterID:   req.RequesterID,
		RequesterName: firstNonEmpty(req.RequesterName, requester.DisplayName),
		BookID:        req.BookID,
		BookTitle:     firstNonEmpty(req.BookTitle, book.Title),
		BookAuthor:    firstNonEmpty(req.BookAuthor, book.Author),
		BookCoverURL:  firstNonEmpty(req.BookCoverURL, book.CoverURL),
		CreatedAt:     now,
	}

	r, err := e.lib.Admit(ctx, libraryID, req.RequesterID, req.BookID, func(snap model.QueueSnapshot) (*model.Reservation, error) {
		return admit(draft, snap, now)
	})
	if err != nil {
		if domainerrors.CodeOf(err) == domainerrors.CodeInternal {
			return nil, domainerrors.Wrap(err, domainerrors.CodeInternal, "writing reservation")
		}
		return nil, err
	}

	res := &Result{Reservation: r}
	if w := e.sync.Mirror(ctx, r); w != nil {
		res.warn(w.Error())
	}

	e.logger.Info("reservation created",
		"reservation", r.ID,
		"library", r.LibraryID,
		"book", r.BookID,
		"requester", r.RequesterID,
		"status", r.Status,
		"kind", r.Kind,
	)
	e.publish(events.ReservationCreated, r)
	return res, nil
}

// admit applies the admission rule to a queue snapshot read inside the
// admission transaction.
func admit(draft *model.Reservation, snap model.QueueSnapshot, now time.Time) (*model.Reservation, error) {
	if snap.Active != nil {
		return nil, domainerrors.DuplicateReservation("requester already holds an active reservation for this book").
			WithDetails(map[string]string{"reservation_id": snap.Active.ID})
	}

	r := draft.Clone()
	if snap.Free > 0 {
		if snap.Ready >= snap.Free {
			return nil, domainerrors.AllCopiesClaimed("every free copy is already claimed by a ready reservation")
		}
		r.Status = model.ReservationReady
		r.Kind = model.KindAvailable
		r.ReadyAt = &now
		return r, nil
	}

	pos := snap.Pending + 1
	r.Status = model.ReservationPending
	r.Kind = model.KindWaitlist
	r.QueuePosition = &pos
	return r, nil
}

// Cancel cancels a pending or ready reservation on behalf of its requester or
// of staff of the owning library.
func (e *Engine) Cancel(ctx context.Context, actor Actor, reservationID, libraryID string) (*Result, error) {
	loc, err := e.sync.Locate(ctx, Key{ReservationID: reservationID, LibraryID: libraryID})
	if err != nil {
		return nil, err
	}
	c := loc.Canonical()
	if libraryID != "" && c.LibraryID != libraryID {
		return nil, domainerrors.NotFound("reservation not found")
	}
	if actor.ID != c.RequesterID && !actor.staffOf(c.LibraryID) {
		return nil, domainerrors.NotAuthorized("only the requester or library staff may cancel this reservation")
	}
	if !c.Active() {
		return nil, domainerrors.InvalidTransitionf("reservation is already %s", c.Status)
	}

	wasReady := c.Status == model.ReservationReady
	now := e.now()
	res := &Result{}
	var renumbered []model.Reservation
	libWritten := false

	if loc.Library != nil {
		updated, renum, err := e.lib.Transition(ctx, c.LibraryID, loc.Library.ID, model.ReservationCancelled, now)
		switch {
		case domainerrors.Is(err, domainerrors.ErrInvalidTransition):
			return nil, err
		case err != nil:
			e.logger.Warn("library projection write failed", "reservation", c.ID, "error", err)
			res.warn(domainerrors.ProjectionWriteFailed("library projection not updated for reservation " + c.ID).WithCause(err).Error())
		case updated != nil:
			libWritten = true
			res.Reservation = updated
			renumbered = renum
		}
	}
	if res.Reservation == nil {
		res.Reservation = c.Clone()
		res.Reservation.Apply(model.ReservationCancelled, now)
	}

	if w := e.sync.Mirror(ctx, res.Reservation); w != nil {
		if !libWritten {
			return nil, domainerrors.Wrap(w, domainerrors.CodeInternal, "cancelling reservation")
		}
		res.warn(w.Error())
	}
	res.warn(e.sync.MirrorMany(ctx, renumbered)...)

	e.logger.Info("reservation cancelled",
		"reservation", c.ID,
		"library", c.LibraryID,
		"book", c.BookID,
		"requester", c.RequesterID,
		"actor", actor.ID,
		"was_ready", wasReady,
	)
	e.publish(events.ReservationCancelled, res.Reservation)

	if wasReady && e.policy.PromoteOnReadyCancel {
		_, warnings, err := e.promote(ctx, c.LibraryID, c.BookID)
		if err != nil {
			e.logger.Warn("promotion after cancel failed", "library", c.LibraryID, "book", c.BookID, "error", err)
		}
		res.warn(warnings...)
	}
	return res, nil
}

// Complete records the hand-over of a ready reservation. Both projections are
// deleted and the next queued requester, if any, is promoted.
func (e *Engine) Complete(ctx context.Context, actor Actor, libraryID, reservationID string) (*Result, error) {
	loc, c, err := e.locateForStaff(ctx, actor, libraryID, reservationID)
	if err != nil {
		return nil, err
	}
	if !model.CanTransition(c.Status, model.ReservationCompleted) {
		return nil, domainerrors.InvalidTransitionf("cannot complete a %s reservation", c.Status)
	}

	_, warnings, err := e.sync.Remove(ctx, loc)
	if err != nil {
		return nil, err
	}

	done := c.Clone()
	done.Apply(model.ReservationCompleted, e.now())
	res := &Result{Reservation: done, Warnings: warnings}

	e.logger.Info("reservation completed",
		"reservation", c.ID,
		"library", c.LibraryID,
		"book", c.BookID,
		"requester", c.RequesterID,
		"actor", actor.ID,
	)
	e.publish(events.ReservationCompleted, done)

	_, warnings, err = e.promote(ctx, c.LibraryID, c.BookID)
	if err != nil {
		e.logger.Warn("promotion after completion failed", "library", c.LibraryID, "book", c.BookID, "error", err)
	}
	res.warn(warnings...)
	return res, nil
}

// Remove deletes a reservation from both projections without promoting.
func (e *Engine) Remove(ctx context.Context, actor Actor, libraryID, reservationID string) (*Result, error) {
	loc, c, err := e.locateForStaff(ctx, actor, libraryID, reservationID)
	if err != nil {
		return nil, err
	}

	_, warnings, err := e.sync.Remove(ctx, loc)
	if err != nil {
		return nil, err
	}

	e.logger.Info("reservation removed",
		"reservation", c.ID,
		"library", c.LibraryID,
		"book", c.BookID,
		"requester", c.RequesterID,
		"actor", actor.ID,
	)
	e.publish(events.ReservationRemoved, c)
	return &Result{Reservation: c, Warnings: warnings}, nil
}

// Expire moves a pending reservation to expired. The sweep deciding when to
// call it lives outside the engine.
func (e *Engine) Expire(ctx context.Context, actor Actor, libraryID, reservationID string) (*Result, error) {
	if !actor.staffOf(libraryID) {
		return nil, domainerrors.NotAuthorized("staff access required")
	}

	r, renumbered, err := e.lib.Transition(ctx, libraryID, reservationID, model.ReservationExpired, e.now())
	if err != nil {
		if domainerrors.CodeOf(err) == domainerrors.CodeInternal {
			return nil, domainerrors.Wrap(err, domainerrors.CodeInternal, "expiring reservation")
		}
		return nil, err
	}
	if r == nil {
		return nil, domainerrors.NotFound("reservation not found")
	}

	res := &Result{Reservation: r}
	if w := e.sync.Mirror(ctx, r); w != nil {
		res.warn(w.Error())
	}
	res.warn(e.sync.MirrorMany(ctx, renumbered)...)

	e.logger.Info("reservation expired",
		"reservation", r.ID,
		"library", r.LibraryID,
		"book", r.BookID,
		"requester", r.RequesterID,
	)
	e.publish(events.ReservationExpired, r)
	return res, nil
}

// OnLoanReturned promotes the head of the book's waitlist after a copy comes
// back. Every free copy not held by a ready reservation is handed to the queue,
// so one call also catches up copies left unclaimed by an earlier call. Calling
// it again for the same return is a no-op.
func (e *Engine) OnLoanReturned(ctx context.Context, libraryID, bookID string) (*Result, error) {
	promoted, warnings, err := e.promote(ctx, libraryID, bookID)
	if err != nil {
		return nil, err
	}
	res := &Result{Promoted: promoted, Warnings: warnings}
	if len(promoted) > 0 {
		res.Reservation = &promoted[0]
	}
	return res, nil
}

// promote re-reads free copies and the queue inside the promotion
// transaction; nothing is carried over between calls.
func (e *Engine) promote(ctx context.Context, libraryID, bookID string) ([]model.Reservation, []string, error) {
	promoted, renumbered, err := e.lib.Promote(ctx, libraryID, bookID, e.now())
	if err != nil {
		if domainerrors.CodeOf(err) == domainerrors.CodeInternal {
			return nil, nil, domainerrors.Wrap(err, domainerrors.CodeInternal, "promoting queue")
		}
		return nil, nil, err
	}

	var warnings []string
	for i := range promoted {
		head := &promoted[i]
		if w := e.sync.Mirror(ctx, head); w != nil {
			warnings = append(warnings, w.Error())
		}
		e.logger.Info("reservation promoted",
			"reservation", head.ID,
			"library", libraryID,
			"book", bookID,
			"requester", head.RequesterID,
			"queue_remaining", len(renumbered),
		)
		e.publish(events.ReservationReady, head)
	}
	warnings = append(warnings, e.sync.MirrorMany(ctx, renumbered)...)
	return promoted, warnings, nil
}

// MarkNotified records that a requester was reminded about a reservation.
// It reports whether the reminder is new.
func (e *Engine) MarkNotified(ctx context.Context, actor Actor, libraryID, reservationID, requesterID string) (bool, error) {
	if err := e.checkNotifiable(ctx, actor, libraryID, reservationID); err != nil {
		return false, err
	}

	added, err := e.tracker.Mark(ctx, reservationID, requesterID)
	if err != nil {
		return false, err
	}
	if added {
		e.logger.Info("requester notified",
			"reservation", reservationID,
			"library", libraryID,
			"requester", requesterID,
			"actor", actor.ID,
		)
	}
	return added, nil
}

// IsNotified reports whether a requester was already reminded about a reservation.
func (e *Engine) IsNotified(ctx context.Context, actor Actor, libraryID, reservationID, requesterID string) (bool, error) {
	if err := e.checkNotifiable(ctx, actor, libraryID, reservationID); err != nil {
		return false, err
	}
	return e.tracker.IsNotified(ctx, reservationID, requesterID)
}

// ListNotified returns the requesters reminded about a reservation, in the
// order they were reminded.
func (e *Engine) ListNotified(ctx context.Context, actor Actor, libraryID, reservationID string) ([]string, error) {
	if err := e.checkNotifiable(ctx, actor, libraryID, reservationID); err != nil {
		return nil, err
	}
	return e.tracker.List(ctx, reservationID)
}

// checkNotifiable confirms the actor is staff of libraryID and the reservation
// belongs to it.
func (e *Engine) checkNotifiable(ctx context.Context, actor Actor, libraryID, reservationID string) error {
	if !actor.staffOf(libraryID) {
		return domainerrors.NotAuthorized("staff access required")
	}
	r, err := e.lib.Get(ctx, libraryID, reservationID)
	if err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeInternal, "reading reservation")
	}
	if r == nil {
		return domainerrors.NotFound("reservation not found")
	}
	return nil
}

// ListReservationsForRequester returns the requester's pending and ready
// reservations. libraryID may be empty.
func (e *Engine) ListReservationsForRequester(ctx context.Context, requesterID, libraryID string) ([]model.Reservation, error) {
	if requesterID == "" {
		return nil, domainerrors.Validation("requester is required")
	}
	return e.sync.ReadForRequester(ctx, requesterID, libraryID)
}

// ListReservationsForLibrary returns a library's reservations, optionally
// filtered by status, read from the library projection.
func (e *Engine) ListReservationsForLibrary(ctx context.Context, actor Actor, libraryID, status string) ([]model.Reservation, error) {
	if !actor.staffOf(libraryID) {
		return nil, domainerrors.NotAuthorized("staff access required")
	}
	if status != "" && !model.ValidStatus(status) {
		return nil, domainerrors.Validation("unknown status " + status)
	}
	list, err := e.lib.ListByLibrary(ctx, libraryID, status)
	if err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeInternal, "listing reservations")
	}
	if list == nil {
		list = []model.Reservation{}
	}
	return list, nil
}

func (e *Engine) locateForStaff(ctx context.Context, actor Actor, libraryID, reservationID string) (*Located, *model.Reservation, error) {
	if !actor.staffOf(libraryID) {
		return nil, nil, domainerrors.NotAuthorized("staff access required")
	}
	loc, err := e.sync.Locate(ctx, Key{ReservationID: reservationID, LibraryID: libraryID})
	if err != nil {
		return nil, nil, err
	}
	c := loc.Canonical()
	if c.LibraryID != libraryID {
		return nil, nil, domainerrors.NotFound("reservation not found")
	}
	return loc, c, nil
}

func (e *Engine) freeCopies(ctx context.Context, libraryID, bookID string) (int, error) {
	free, err := e.oracle.FreeCopies(ctx, libraryID, bookID)
	if err != nil {
		var de *domainerrors.Error
		if domainerrors.As(err, &de) {
			return 0, err
		}
		return 0, domainerrors.InventoryUnavailable("reading free copies").WithCause(err)
	}
	return free, nil
}

// publish emits a staff event. Delivery failures are logged and dropped.
func (e *Engine) publish(t events.Type, r *model.Reservation) {
	if e.notifier == nil {
		return
	}
	err := e.notifier.Publish(events.Event{Type: t, LibraryID: r.LibraryID, Reservation: r.Clone(), At: e.now()})
	if err != nil {
		e.logger.Warn("staff notification failed", "type", string(t), "reservation", r.ID, "error", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
