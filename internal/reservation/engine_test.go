package reservation

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erazemk/knjiznica/internal/db"
	domainerrors "github.com/erazemk/knjiznica/internal/errors"
	"github.com/erazemk/knjiznica/internal/events"
	"github.com/erazemk/knjiznica/internal/global"
	"github.com/erazemk/knjiznica/internal/inventory"
	"github.com/erazemk/knjiznica/internal/model"
	"github.com/erazemk/knjiznica/internal/store"
)

// flakyGlobal fails global writes while down is set.
type flakyGlobal struct {
	*global.Store
	mu   sync.Mutex
	down bool
}

func (f *flakyGlobal) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *flakyGlobal) Put(ctx context.Context, r *model.Reservation) error {
	f.mu.Lock()
	down := f.down
	f.mu.Unlock()
	if down {
		return fmt.Errorf("global store unreachable")
	}
	return f.Store.Put(ctx, r)
}

// recorder captures published events.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (r *recorder) Publish(ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	db       *sql.DB
	global   *flakyGlobal
	engine   *Engine
	notifier *recorder
	lib      *model.Library
	staff    Actor
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()
	ctx := context.Background()
	database := db.NewTestDB(t)

	gs, err := global.OpenInMemory(nil)
	require.NoError(t, err)
	t.Cleanup(func() { gs.Close() })

	lib, err := store.CreateLibrary(ctx, database, "Main")
	require.NoError(t, err)

	f := &fixture{
		t:        t,
		ctx:      ctx,
		db:       database,
		global:   &flakyGlobal{Store: gs},
		notifier: &recorder{},
		lib:      lib,
		staff:    Actor{ID: "usr-staff", Role: model.RoleStaff, LibraryID: lib.ID},
	}
	f.engine = New(Options{
		Library:       store.NewProjection(database),
		Global:        f.global,
		Oracle:        inventory.New(database),
		Directory:     &store.Directory{DB: database},
		Catalog:       &store.Catalog{DB: database},
		Notifications: &store.Notifications{DB: database},
		Notifier:      f.notifier,
		Policy:        policy,
	})
	return f
}

func (f *fixture) book(title string, copies int) *model.Book {
	f.t.Helper()
	b, err := store.CreateBook(f.ctx, f.db, &model.Book{
		LibraryID:   f.lib.ID,
		Title:       title,
		Author:      "Author",
		TotalCopies: copies,
	})
	require.NoError(f.t, err)
	return b
}

func (f *fixture) requester(name string) Actor {
	f.t.Helper()
	u, err := store.CreateUser(f.ctx, f.db, name, "hash", model.RoleRequester, f.lib.ID, name)
	require.NoError(f.t, err)
	return Actor{ID: u.ID, Role: model.RoleRequester, LibraryID: f.lib.ID}
}

func (f *fixture) lend(b *model.Book) *model.Loan {
	f.t.Helper()
	loan, err := store.CreateLoan(f.ctx, f.db, f.lib.ID, b.ID, "usr-borrower", time.Now())
	require.NoError(f.t, err)
	return loan
}

func (f *fixture) giveBack(loan *model.Loan) *Result {
	f.t.Helper()
	ok, err := store.ReturnLoan(f.ctx, f.db, f.lib.ID, loan.ID, time.Now())
	require.NoError(f.t, err)
	require.True(f.t, ok)
	res, err := f.engine.OnLoanReturned(f.ctx, f.lib.ID, loan.BookID)
	require.NoError(f.t, err)
	return res
}

func (f *fixture) reserve(who Actor, b *model.Book) (*Result, error) {
	return f.engine.Create(f.ctx, CreateRequest{LibraryID: f.lib.ID, RequesterID: who.ID, BookID: b.ID})
}

func (f *fixture) mustReserve(who Actor, b *model.Book) *model.Reservation {
	f.t.Helper()
	res, err := f.reserve(who, b)
	require.NoError(f.t, err)
	require.Empty(f.t, res.Warnings)
	return res.Reservation
}

// both returns the library and global copies of a reservation.
func (f *fixture) both(id string) (*model.Reservation, *model.Reservation) {
	f.t.Helper()
	l, err := store.GetReservation(f.ctx, f.db, f.lib.ID, id)
	require.NoError(f.t, err)
	g, err := f.global.Get(f.ctx, id)
	if err != nil {
		require.ErrorIs(f.t, err, domainerrors.ErrNotFound)
		g = nil
	}
	return l, g
}

func (f *fixture) assertQueued(id string, pos int) {
	f.t.Helper()
	l, g := f.both(id)
	require.NotNil(f.t, l)
	require.NotNil(f.t, g)
	for _, r := range []*model.Reservation{l, g} {
		assert.Equal(f.t, model.ReservationPending, r.Status)
		require.NotNil(f.t, r.QueuePosition)
		assert.Equal(f.t, pos, *r.QueuePosition)
	}
}

func (f *fixture) assertReady(id string) {
	f.t.Helper()
	l, g := f.both(id)
	require.NotNil(f.t, l)
	require.NotNil(f.t, g)
	for _, r := range []*model.Reservation{l, g} {
		assert.Equal(f.t, model.ReservationReady, r.Status)
		assert.Nil(f.t, r.QueuePosition)
		assert.NotNil(f.t, r.ReadyAt)
	}
}

func TestCreate_ReadyUntilFreeCopiesClaimed(t *testing.T) {
	f := newFixture(t, Policy{})
	book := f.book("Dune", 2)
	a, b, c := f.requester("ana"), f.requester("bor"), f.requester("cene")

	ra := f.mustReserve(a, book)
	rb := f.mustReserve(b, book)
	for _, r := range []*model.Reservation{ra, rb} {
		assert.Equal(t, model.ReservationReady, r.Status)
		assert.Equal(t, model.KindAvailable, r.Kind)
		assert.Nil(t, r.QueuePosition)
		f.assertReady(r.ID)
	}

	_, err := f.reserve(c, book)
	assert.ErrorIs(t, err, domainerrors.ErrAllCopiesClaimed)

	list, err := f.engine.ListReservationsForLibrary(f.ctx, f.staff, f.lib.ID, "")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestCreate_SnapshotsDisplayFields(t *testing.T) {
	f := newFixture(t, Policy{})
	book := f.book("Dune", 1)
	a := f.requester("ana")

	r := f.mustReserve(a, book)
	assert.Equal(t, "ana", r.RequesterName)
	assert.Equal(t, "Dune", r.BookTitle)
	assert.Equal(t, "Author", r.BookAuthor)
	assert.Equal(t, f.lib.ID, r.LibraryID)

	b := f.requester("bor")
	other := f.book("Emma", 1)
	res, err := f.engine.Create(f.ctx, CreateRequest{
		RequesterID:   b.ID,
		RequesterName: "Bor B.",
		BookID:        other.ID,
		BookTitle:     "Emma (2nd ed.)",
	})
	require.NoError(t, err)
	assert.Equal(t, f.lib.ID, res.Reservation.LibraryID)
	assert.Equal(t, "Bor B.", res.Reservation.RequesterName)
	assert.Equal(t, "Emma (2nd ed.)", res.Reservation.BookTitle)
}

func TestCreate_WaitlistPositionsIncrease(t *testing.T) {
	f := newFixture(t, Policy{})
	book := f.book("Dune", 1)
	f.lend(book)

	for i := 1; i <= 4; i++ {
		who := f.requester(fmt.Sprintf("req%d", i))
		r := f.mustReserve(who, book)
		assert.Equal(t, model.ReservationPending, r.Status)
		assert.Equal(t, model.KindWaitlist, r.Kind)
		require.NotNil(t, r.QueuePosition)
		assert.Equal(t, i, *r.QueuePosition)
		f.assertQueued(r.ID, i)
	}
}

func TestCreate_DuplicateKeepsSequence(t *testing.T) {
	f := newFixture(t, Policy{})
	book := f.book("Dune", 1)
	f.lend(book)
	a, b := f.requester("ana"), f.requester("bor")

	first := f.mustReserve(a, book)
	for i := 0; i < 3; i++ {
		_, err := f.reserve(a, book)
		assert.ErrorIs(t, err, domainerrors.ErrDuplicateReservation)
	}

	second := f.mustReserve(b, book)
	require.NotNil(t, second.QueuePosition)
	assert.Equal(t, 2, *second.QueuePosition)
	f.assertQueued(first.ID, 1)

	mine, err := f.engine.ListReservationsForRequester(f.ctx, a.ID, "")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, first.ID, mine[0].ID)
}

func TestCreate_DuplicateOfReadyClaim(t *testing.T) {
	f := newFixture(t, Policy{})
	book := f.book("Dune", 3)
	a := f.requester("ana")

	f.mustReserve(a, book)
	_, err := f.reserve(a, book)
	assert.ErrorIs(t, err, domainerrors.ErrDuplicateReservation)
}

func TestCreate_Rejections(t *testing.T) {
	f := newFixture(t, Policy{})
	book := f.book("Dune", 1)
	a := f.requester("ana")

	other, err := store.CreateLibrary(f.ctx, f.db, "Branch")
	require.NoError(t, err)
	staffUser, err := store.CreateUser(f.ctx, f.db, "sara", "hash", model.RoleStaff, f.lib.ID, "Sara")
	require.NoError(t, err)

	tests := []struct {
		name string
		req  CreateRequest
		want *domainerrors.Error
	}{
		{"missing requester", CreateRequest{BookID: book.ID}, domainerrors.ErrValidation},
		{"unknown requester", CreateRequest{LibraryID: f.lib.ID, RequesterID: "usr-ghost", BookID: book.ID}, domainerrors.ErrRequesterUnresolvable},
		{"staff account", CreateRequest{LibraryID: f.lib.ID, RequesterID: staffUser.ID, BookID: book.ID}, domainerrors.ErrRequesterUnresolvable},
		{"foreign library", CreateRequest{LibraryID: other.ID, RequesterID: a.ID, BookID: book.ID}, domainerrors.ErrRequesterUnresolvable},
		{"unknown book", CreateRequest{LibraryID: f.lib.ID, RequesterID: a.ID, BookID: "book-ghost"}, domainerrors.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Create(f.ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	all, err := store.ListAllReservations(f.ctx, f.db)
	require.NoError(t, err)
	assert.Empty(t, all)
	globals, err := f.global.List(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, globals)
}

func TestCreate_InventoryUnavailableIsRetryable(t *testing.T) {
	f := newFixture(t, Policy{})
	book := f.book("Dune", 1)
	a := f.requester("ana")

	f.engine.oracle = failingOracle{}
	_, err := f.reserve(a, book)
	require.Error(t, err)
	assert.ErrorIs(t, err, domainerrors.ErrInventoryUnavailable)
	assert.True(t, domainerrors.Retryable(err))
}

type failingOracle struct{}

func (failingOracle) FreeCopies(context.Context, string, string) (int, error) {
	return 0, fmt.Errorf("loan ledger offline")
}

// stallingOracle answers from the ledger, then holds the caller until release
// is closed.
type stallingOracle struct {
	inner   Oracle
	reached chan struct{}
	release chan struct{}
}

func (o *stallingOracle) FreeCopies(ctx context.Context, libraryID, bookID string) (int, error) {
	free, err := o.inner.FreeCopies(ctx, libraryID, bookID)
	close(o.reached)
	<-o.release
	return free, err
}

func TestCreate_LoanAfterOracleReadQueues(t *testing.T) {
	f := newFixture(t, Policy{})
	book := f.book("Dune", 1)
	ana := f.requester("ana")

	oracle := &stallingOracle{inner: f.engine.oracle, reached: make(chan struct{}), release: make(chan struct{})}
	f.engine.oracle = oracle

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := f.reserve(ana, book)
		done <- outcome{res, err}
	}()

	// The oracle has seen one free copy; the last copy goes out before the
	// reservation is written.
	<-oracle.reached
	f.lend(book)
	close(oracle.release)

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, model.ReservationPending, out.res.Reservation.Status)
	assert.Equal(t, model.KindWaitlist, out.res.Reservation.Kind)
	f.assertQueued(out.res.Reservation.ID, 1)
}

func TestCreate_ConcurrentDuplicates(t *testing.T) {
	for _, copies := range []int{0, 1} {
		t.Run(fmt.Sprintf("%d copies free", copies), func(t *testing.T) {
			f := newFixture(t, Policy{})
			book := f.book("Dune", 1)
			if copies == 0 {
				f.lend(book)
			}
			ana := f.requester("ana")

			const n = 8
			var (
				wg         sync.WaitGroup
				mu         sync.Mutex
				created    int
				duplicates int
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := f.reserve(ana, book)
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						created++
					case domainerrors.Is(err, domainerrors.ErrDuplicateReservation):
						duplicates++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, 1, created)
			assert.Equal(t, n-1, duplicates)

			all, err := store.ListAllReservations(f.ctx, f.db)
			require.NoError(t, err)
			assert.Len(t, all, 1)
			globals, err := f.global.List(f.ctx)
			require.NoError(t, err)
			assert.Len(t, globals, 1)
		})
	}
}

func TestCreate_ConcurrentLastCopies(t *testing.T) {
	f := newFixture(t, Policy{})
	const copies = 3
	book := f.book("Dune", copies)

	actors := make([]Actor, copies+1)
	for i := range actors {
		actors[i] = f.requester(fmt.Sprintf("req%d", i))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ready   int
		claimed int
	)
	for _, who := range actors {
		wg.Add(1)
		go func(who Actor) {
			defer wg.Done()
			res, err := f.reserve(who, book)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && res.Reservation.Status == model.ReservationReady:
				ready++
			case domainerrors.Is(err, domainerrors.ErrAllCopiesClaimed):
				claimed++
			default:
				t.Errorf("unexpected outcome: res=%+v err=%v", res, err)
			}
		}(who)
	}
	wg.Wait()

	assert.Equal(t, copies, ready)
	assert.Equal(t, 1, claimed)
}

func TestOnLoanReturned_EmptyQueueIsNoop(t *testing.T) {
	f := newFixture(t, Policy{})
	book := f.book("Dune", 1)
	loan := f.lend(book)

	res := f.giveBack(loan)
	assert.Nil(t, res.Reservation)

	res, err := f.engine.OnLoanReturned(f.ctx, f.lib.ID, book.ID)
	require.NoError(t, err)
	assert.Nil(t, res.Reservation)
	assert.Empty(t, res.Warnings)

	all, err := store.ListAllReservations(f.ctx, f.db)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Empty(t, f.notifier.types())
}

func TestOnLoanReturned_PromotesInQueueOrder(t *testing.T) {
	f := newFixture(t, Policy{})
	book := f.book("Dune", 2)
	first, second := f.lend(book), f.lend(book)

	a := f.mustReserve(f.requester("ana"), book)
	b := f.mustReserve(f.requester("bor"), book)
	c := f.mustReserve(f.requester("cene"), book)

	res := f.giveBack(first)
	require.NotNil(t, res.Reservation)
	assert.Equal(t, a.ID, res.Reservation.ID)
	f.assertReady(a.ID)
	f.assertQueued(b.ID, 1)
	f.assertQueued(c.ID, 2)

	// A repeated event for the same return promotes nobody.
	res, err := f.engine.OnLoanReturned(f.ctx, f.lib.ID, book.ID)
	require.NoError(t, err)
	assert.Nil(t, res.Reservation)
	f.assertQueued(b.ID, 1)

	res = f.giveBack(second)
	require.NotNil(t, res.Reservation)
	assert.Equal(t, b.ID, res.Reservation.ID)
	f.assertReady(b.ID)
	f.assertQueued(c.ID, 1)

	assert.Contains(t, f.notifier.types(), events.ReservationReady)
}

func TestOnLoanReturned_ConcurrentEventsPromoteOnce(t *testing.T) {
	f := newFixture(t, Policy{})
	book := f.book("Dune", 1)
	loan := f.lend(book)
	f.mustReserve(f.requester("ana"), book)
	f.mustReserve(f.requester("bor"), book)

	_, err := store.ReturnLoan(f.ctx, f.db, f.lib.ID, loan.ID, time.Now())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.OnLoanReturned(f.ctx, f.lib.ID, book.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	ready, pending, err := store.CountQueue(f.ctx, f.db, f.lib.ID, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, ready)
	assert.Equal(t, 1, pending)
}

func TestOnLoanReturned_CatchesUpUnclaimedCopies(t *testing.T) {
	f := newFixture(t, Policy{})
	book := f.book("Dune", 2)
	loans := []*model.Loan{f.lend(book), f.lend(book)}
	a := f.mustReserve(f.requester("ana"), book)
	b := f.mustReserve(f.requester("bor"), book)
	c := f.mustReserve(f.requester("cene"), book)

	// Both copies come back without their promotions running.
	for _, loan := range loans {
		ok, err := store.ReturnLoan(f.ctx, f.db, f.lib.ID, loan.ID, time.Now())
		require.NoError(t, err)
		require.True(t, ok)
	}

	res, err := f.engine.OnLoanReturned(f.ctx, f.lib.ID, book.ID)
	require.NoError(t, err)
	require.Len(t, res.Promoted, 2)
	assert.Equal(t, a.ID, res.Promoted[0].ID)
	assert.Equal(t, b.ID, res.Promoted[1].ID)
	require.NotNil(t, res.Reservation)
	assert.Equal(t, a.ID, res.Reservation.ID)
	f.assertReady(a.ID)
	f.assertReady(b.ID)
	f.assertQueued(c.ID, 1)

	res, err = f.engine.OnLoanReturned(f.ctx, f.lib.ID, book.ID)
	require.NoError(t, err)
	assert.Empty(t, res.Promoted)
	f.assertQueued(c.ID, 1)
}

func TestOnLoanReturned_ConcurrentReturnsPromoteEveryCopy(t *testing.T) {
	f := newFixture(t, Policy{})
	const copies = 3
	book := f.book("Dune", copies)
	loans := make([]*model.Loan, copies)
	for i := range loans {
		loans[i] = f.lend(book)
	}
	queued := make([]*model.Reservation, copies+1)
	for i := range queued {
		queued[i] = f.mustReserve(f.requester(fmt.Sprintf("req%d", i)), book)
	}

	var wg sync.WaitGroup
	for _, loan := range loans {
		wg.Add(1)
		go func(loan *model.Loan) {
			defer wg.Done()
			_, err := store.ReturnLoan(f.ctx, f.db, f.lib.ID, loan.ID, time.Now())
			assert.NoError(t, err)
			_, err = f.engine.OnLoanReturned(f.ctx, f.lib.ID, book.ID)
			assert.NoError(t, err)
		}(loan)
	}
	wg.Wait()

	ready, pending, err := store.CountQueue(f.ctx, f.db, f.lib.ID, book.ID)
	require.NoError(t, err)
	assert.Equal(t, copies, ready)
	assert.Equal(t, 1, pending)
	for _, r := range queued[:copies] {
		f.assertReady(r.ID)
	}
	f.assertQueued(queued[copies].ID, 1)

	// Every free copy is claimed, so a newcomer cannot overtake the queue.
	_, err = f.reserve(f.requester("late"), book)
	assert.ErrorIs(t, err, domainerrors.ErrAllCopiesClaimed)
}

// readyWithQueue leaves a ready reservation for ana and bor queued at 1.
func readyWithQueue(f *fixture) (*model.Book, Actor, *model.Reservation, *model.Reservation) {
	book := f.book("Dune", 1)
	loan := f.lend(book)
	ana := f.requester("ana")
	a := f.mustReserve(ana, book)
	b := f.mustReserve(f.requester("bor"), book)
	f.giveBack(loan)
	f.assertReady(a.ID)
	return book, ana, a, b
}

func TestCancel_ReadyDoesNotPromoteByDefault(t *testing.T) {
	f := newFixture(t, Policy{})
	_, ana, a, b := readyWithQueue(f)

	res, err := f.engine.Cancel(f.ctx, ana, a.ID, "")
	require.NoError(t, err)
	assert.Equal(t, model.ReservationCancelled, res.Reservation.Status)
	assert.NotNil(t, res.Reservation.CancelledAt)

	l, g := f.both(a.ID)
	assert.Equal(t, model.ReservationCancelled, l.Status)
	assert.Equal(t, model.ReservationCancelled, g.Status)
	f.assertQueued(b.ID, 1)
}

func TestCancel_ReadyPromotesWhenEnabled(t *testing.T) {
	f := newFixture(t, Policy{PromoteOnReadyCancel: true})
	_, ana, a, b := readyWithQueue(f)

	_, err := f.engine.Cancel(f.ctx, ana, a.ID, f.lib.ID)
	require.NoError(t, err)
	f.assertReady(b.ID)
}

func TestCancel_QueuedClosesGap(t *testing.T) {
	f := newFixture(t, Policy{})
	book := f.book("Dune", 1)
	f.lend(book)
	a := f.mustReserve(f.requester("ana"), book)
	bor := f.requester("bor")
	b := f.mustReserve(bor, book)
	c := f.mustReserve(f.requester("cene"), book)

	_, err := f.engine.Cancel(f.ctx, bor, b.ID, "")
	require.NoError(t, err)

	f.assertQueued(a.ID, 1)
	f.assertQueued(c.ID, 2)
	l, _ := f.both(b.ID)
	assert.Nil(t, l.QueuePosition)

	// The cancelled claim no longer blocks a new one.
	again := f.mustReserve(bor, book)
	require.NotNil(t, again.QueuePosition)
	assert.Equal(t, 3, *again.QueuePosition)
}

func TestCancel_Errors(t *testing.T) {
	f := newFixture(t, Policy{})
	book := f.book("Dune", 2)
	ana, bor := f.requester("ana"), f.requester("bor")
	r := f.mustReserve(ana, book)

	other, err := store.CreateLibrary(f.ctx, f.db, "Branch")
	require.NoError(t, err)
	foreignStaff := Actor{ID: "usr-x", Role: model.RoleStaff, LibraryID: other.ID}

	_, err = f.engine.Cancel(f.ctx, bor, r.ID, "")
	assert.ErrorIs(t, err, domainerrors.ErrNotAuthorized)
	_, err = f.engine.Cancel(f.ctx, foreignStaff, r.ID, "")
	assert.ErrorIs(t, err, domainerrors.ErrNotAuthorized)
	_, err = f.engine.Cancel(f.ctx, ana, "res-ghost", "")
	assert.ErrorIs(t, err, domainerrors.ErrNotFound)
	_, err = f.engine.Cancel(f.ctx, ana, r.ID, other.ID)
	assert.ErrorIs(t, err, domainerrors.ErrNotFound)

	_, err = f.engine.Cancel(f.ctx, f.staff, r.ID, f.lib.ID)
	require.NoError(t, err)
	_, err = f.engine.Cancel(f.ctx, ana, r.ID, "")
	assert.ErrorIs(t, err, domainerrors.ErrInvalidTransition)
}

func TestComplete_DeletesAndPromotes(t *testing.T) {
	f := newFixture(t, Policy{})
	_, ana, a, b := readyWithQueue(f)

	_, err := f.engine.Complete(f.ctx, ana, f.lib.ID, a.ID)
	assert.ErrorIs(t, err, domainerrors.ErrNotAuthorized)
	_, err = f.engine.Complete(f.ctx, f.staff, f.lib.ID, b.ID)
	assert.ErrorIs(t, err, domainerrors.ErrInvalidTransition)

	res, err := f.engine.Complete(f.ctx, f.staff, f.lib.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationCompleted, res.Reservation.Status)
	assert.NotNil(t, res.Reservation.CompletedAt)

	l, g := f.both(a.ID)
	assert.Nil(t, l)
	assert.Nil(t, g)
	f.assertReady(b.ID)

	_, err = f.engine.Complete(f.ctx, f.staff, f.lib.ID, a.ID)
	assert.ErrorIs(t, err, domainerrors.ErrNotFound)

	types := f.notifier.types()
	assert.Contains(t, types, events.ReservationCompleted)
}

func TestRemove_DeletesWithoutPromotion(t *testing.T) {
	f := newFixture(t, Policy{})
	_, _, a, b := readyWithQueue(f)

	_, err := f.engine.Remove(f.ctx, f.staff, f.lib.ID, a.ID)
	require.NoError(t, err)

	l, g := f.both(a.ID)
	assert.Nil(t, l)
	assert.Nil(t, g)
	f.assertQueued(b.ID, 1)
}

func TestRemove_GlobalOnlyRecord(t *testing.T) {
	f := newFixture(t, Policy{})
	book := f.book("Dune", 1)
	r := f.mustReserve(f.requester("ana"), book)

	_, _, err := store.DeleteReservation(f.ctx, f.db, f.lib.ID, r.ID)
	require.NoError(t, err)

	_, err = f.engine.Remove(f.ctx, f.staff, f.lib.ID, r.ID)
	require.NoError(t, err)
	_, g := f.both(r.ID)
	assert.Nil(t, g)
}

func TestExpire(t *testing.T) {
	f := newFixture(t, Policy{})
	_, _, a, b := readyWithQueue(f)

	_, err := f.engine.Expire(f.ctx, f.staff, f.lib.ID, a.ID)
	assert.ErrorIs(t, err, domainerrors.ErrInvalidTransition)

	res, err := f.engine.Expire(f.ctx, f.staff, f.lib.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationExpired, res.Reservation.Status)
	assert.Nil(t, res.Reservation.QueuePosition)

	_, g := f.both(b.ID)
	require.NotNil(t, g)
	assert.Equal(t, model.ReservationExpired, g.Status)

	_, err = f.engine.Expire(f.ctx, f.staff, f.lib.ID, "res-ghost")
	assert.ErrorIs(t, err, domainerrors.ErrNotFound)
}

func TestGlobalWriteFailureIsWarning(t *testing.T) {
	f := newFixture(t, Policy{})
	book := f.book("Dune", 1)
	ana := f.requester("ana")

	f.global.setDown(true)
	res, err := f.reserve(ana, book)
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], res.Reservation.ID)

	l, g := f.both(res.Reservation.ID)
	assert.NotNil(t, l)
	assert.Nil(t, g)

	// Requester reads fall back to the library copy.
	mine, err := f.engine.ListReservationsForRequester(f.ctx, ana.ID, "")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, res.Reservation.ID, mine[0].ID)

	f.global.setDown(false)
	report, err := f.engine.Reconcile(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)
	f.assertReady(res.Reservation.ID)
}

func TestNotifierFailureDoesNotFailCreate(t *testing.T) {
	f := newFixture(t, Policy{})
	f.notifier.err = events.ErrClosed
	book := f.book("Dune", 1)

	res, err := f.reserve(f.requester("ana"), book)
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, []events.Type{events.ReservationCreated}, f.notifier.types())
}

func TestListForRequester_LibraryWins(t *testing.T) {
	f := newFixture(t, Policy{})
	book := f.book("Dune", 1)
	f.lend(book)
	ana := f.requester("ana")
	r := f.mustReserve(ana, book)

	stale := r.Clone()
	pos := 7
	stale.QueuePosition = &pos
	require.NoError(t, f.global.Put(f.ctx, stale))

	ghost := r.Clone()
	ghost.ID = "res-ghost"
	ghost.BookID = "book-gone"
	require.NoError(t, f.global.Put(f.ctx, ghost))

	mine, err := f.engine.ListReservationsForRequester(f.ctx, ana.ID, f.lib.ID)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, r.ID, mine[0].ID)
	require.NotNil(t, mine[0].QueuePosition)
	assert.Equal(t, 1, *mine[0].QueuePosition)
}

func TestListForRequester_OnlyActive(t *testing.T) {
	f := newFixture(t, Policy{})
	ana := f.requester("ana")
	dune, emma := f.book("Dune", 1), f.book("Emma", 1)

	kept := f.mustReserve(ana, dune)
	dropped := f.mustReserve(ana, emma)
	_, err := f.engine.Cancel(f.ctx, ana, dropped.ID, "")
	require.NoError(t, err)

	mine, err := f.engine.ListReservationsForRequester(f.ctx, ana.ID, "")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, kept.ID, mine[0].ID)

	_, err = f.engine.ListReservationsForRequester(f.ctx, "", "")
	assert.ErrorIs(t, err, domainerrors.ErrValidation)
}

func TestListForLibrary(t *testing.T) {
	f := newFixture(t, Policy{})
	_, ana, _, b := readyWithQueue(f)

	pending, err := f.engine.ListReservationsForLibrary(f.ctx, f.staff, f.lib.ID, model.ReservationPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)

	all, err := f.engine.ListReservationsForLibrary(f.ctx, f.staff, f.lib.ID, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = f.engine.ListReservationsForLibrary(f.ctx, f.staff, f.lib.ID, "lost")
	assert.ErrorIs(t, err, domainerrors.ErrValidation)
	_, err = f.engine.ListReservationsForLibrary(f.ctx, ana, f.lib.ID, "")
	assert.ErrorIs(t, err, domainerrors.ErrNotAuthorized)

	admin := Actor{ID: "usr-admin", Role: model.RoleAdmin}
	_, err = f.engine.ListReservationsForLibrary(f.ctx, admin, f.lib.ID, "")
	assert.NoError(t, err)
}

func TestMarkNotified(t *testing.T) {
	f := newFixture(t, Policy{})
	_, ana, a, b := readyWithQueue(f)

	added, err := f.engine.MarkNotified(f.ctx, f.staff, f.lib.ID, a.ID, ana.ID)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = f.engine.MarkNotified(f.ctx, f.staff, f.lib.ID, a.ID, ana.ID)
	require.NoError(t, err)
	assert.False(t, added)

	ok, err := f.engine.IsNotified(f.ctx, f.staff, f.lib.ID, a.ID, ana.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.engine.IsNotified(f.ctx, f.staff, f.lib.ID, b.ID, ana.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	cene := f.requester("cene")
	_, err = f.engine.MarkNotified(f.ctx, f.staff, f.lib.ID, a.ID, cene.ID)
	require.NoError(t, err)
	ids, err := f.engine.ListNotified(f.ctx, f.staff, f.lib.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{ana.ID, cene.ID}, ids)
	ids, err = f.engine.ListNotified(f.ctx, f.staff, f.lib.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{}, ids)

	_, err = f.engine.MarkNotified(f.ctx, ana, f.lib.ID, a.ID, ana.ID)
	assert.ErrorIs(t, err, domainerrors.ErrNotAuthorized)
	_, err = f.engine.MarkNotified(f.ctx, f.staff, f.lib.ID, "res-ghost", ana.ID)
	assert.ErrorIs(t, err, domainerrors.ErrNotFound)

	list, err := f.engine.ListReservationsForLibrary(f.ctx, f.staff, f.lib.ID, model.ReservationReady)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, []string{ana.ID, cene.ID}, list[0].NotifiedRequesterIDs)

	// The reminded set never reaches the requester-facing projection.
	_, g := f.both(a.ID)
	assert.Empty(t, g.NotifiedRequesterIDs)
}

func TestNotified_ScopedToLibrary(t *testing.T) {
	f := newFixture(t, Policy{})
	_, ana, a, _ := readyWithQueue(f)
	_, err := f.engine.MarkNotified(f.ctx, f.staff, f.lib.ID, a.ID, ana.ID)
	require.NoError(t, err)

	branch, err := store.CreateLibrary(f.ctx, f.db, "Branch")
	require.NoError(t, err)
	branchStaff := Actor{ID: "usr-branch", Role: model.RoleStaff, LibraryID: branch.ID}

	_, err = f.engine.IsNotified(f.ctx, branchStaff, branch.ID, a.ID, ana.ID)
	assert.ErrorIs(t, err, domainerrors.ErrNotFound)
	_, err = f.engine.ListNotified(f.ctx, branchStaff, branch.ID, a.ID)
	assert.ErrorIs(t, err, domainerrors.ErrNotFound)
	_, err = f.engine.MarkNotified(f.ctx, branchStaff, branch.ID, a.ID, ana.ID)
	assert.ErrorIs(t, err, domainerrors.ErrNotFound)

	_, err = f.engine.IsNotified(f.ctx, branchStaff, f.lib.ID, a.ID, ana.ID)
	assert.ErrorIs(t, err, domainerrors.ErrNotAuthorized)
	_, err = f.engine.ListNotified(f.ctx, ana, f.lib.ID, a.ID)
	assert.ErrorIs(t, err, domainerrors.ErrNotAuthorized)
}

func TestAdmit(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	draft := &model.Reservation{LibraryID: "lib-1", RequesterID: "usr-a", BookID: "book-1", CreatedAt: now}

	tests := []struct {
		name    string
		snap    model.QueueSnapshot
		status  string
		pos     int
		wantErr *domainerrors.Error
	}{
		{"free copy", model.QueueSnapshot{Free: 2}, model.ReservationReady, 0, nil},
		{"free copy partly claimed", model.QueueSnapshot{Free: 2, Ready: 1}, model.ReservationReady, 0, nil},
		{"free copies all claimed", model.QueueSnapshot{Free: 2, Ready: 2}, "", 0, domainerrors.ErrAllCopiesClaimed},
		{"on loan", model.QueueSnapshot{}, model.ReservationPending, 1, nil},
		{"on loan with queue", model.QueueSnapshot{Ready: 1, Pending: 4}, model.ReservationPending, 5, nil},
		{"active claim", model.QueueSnapshot{Free: 1, Active: &model.Reservation{ID: "res-1"}}, "", 0, domainerrors.ErrDuplicateReservation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := admit(draft, tt.snap, now)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.status, r.Status)
			if tt.pos == 0 {
				assert.Nil(t, r.QueuePosition)
				assert.Equal(t, model.KindAvailable, r.Kind)
				require.NotNil(t, r.ReadyAt)
				assert.True(t, r.ReadyAt.Equal(now))
			} else {
				require.NotNil(t, r.QueuePosition)
				assert.Equal(t, tt.pos, *r.QueuePosition)
				assert.Equal(t, model.KindWaitlist, r.Kind)
			}
		})
	}
	assert.Empty(t, draft.Status, "admit must not modify the draft")
}

func TestActorStaffOf(t *testing.T) {
	assert.True(t, Actor{Role: model.RoleAdmin}.staffOf("lib-1"))
	assert.True(t, Actor{Role: model.RoleStaff, LibraryID: "lib-1"}.staffOf("lib-1"))
	assert.False(t, Actor{Role: model.RoleStaff, LibraryID: "lib-2"}.staffOf("lib-1"))
	assert.False(t, Actor{Role: model.RoleStaff}.staffOf(""))
	assert.False(t, Actor{Role: model.RoleRequester, LibraryID: "lib-1"}.staffOf("lib-1"))
}
