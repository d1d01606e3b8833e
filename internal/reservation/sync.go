package reservation

import (
	"context"
	"log/slog"
	"sort"

	domainerrors "github.com/erazemk/knjiznica/internal/errors"
	"github.com/erazemk/knjiznica/internal/model"
)

// Synchronizer carries changes made to the library projection over to the
// global projection and resolves records that exist in only one of them.
// Global writes never fail an operation; they surface as warnings.
type Synchronizer struct {
	lib    LibraryProjection
	global GlobalProjection
	dir    Directory
	logger *slog.Logger
}

// NewSynchronizer returns a Synchronizer over both projections.
func NewSynchronizer(lib LibraryProjection, global GlobalProjection, dir Directory, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{lib: lib, global: global, dir: dir, logger: logger}
}

// Key identifies a reservation by ID, by natural key, or both.
type Key struct {
	ReservationID string
	RequesterID   string
	BookID        string
	LibraryID     string
}

func (k Key) natural() bool {
	return k.RequesterID != "" && k.BookID != "" && k.LibraryID != ""
}

// Located holds the copies of one reservation found in each projection.
// Either may be nil.
type Located struct {
	Library *model.Reservation
	Global  *model.Reservation
}

// Canonical returns the record to act on. The library copy wins.
func (l *Located) Canonical() *model.Reservation {
	if l.Library != nil {
		return l.Library
	}
	return l.Global
}

// Mirror writes r to the global projection. A failure is logged and returned
// as a ProjectionWriteFailed warning.
func (s *Synchronizer) Mirror(ctx context.Context, r *model.Reservation) *domainerrors.Error {
	c := r.Clone()
	c.NotifiedRequesterIDs = nil
	if err := s.global.Put(ctx, c); err != nil {
		s.logger.Warn("global projection write failed",
			"reservation", r.ID,
			"library", r.LibraryID,
			"status", r.Status,
			"error", err,
		)
		return domainerrors.ProjectionWriteFailed("global projection not updated for reservation " + r.ID).WithCause(err)
	}
	return nil
}

// MirrorMany mirrors every record and returns the warnings of those that failed.
func (s *Synchronizer) MirrorMany(ctx context.Context, list []model.Reservation) []string {
	var warnings []string
	for i := range list {
		if w := s.Mirror(ctx, &list[i]); w != nil {
			warnings = append(warnings, w.Error())
		}
	}
	return warnings
}

// Locate finds a reservation in both projections. Each projection is searched
// by ID first; a copy missing from one side is then looked up by the natural
// key of the copy found on the other side, or of the key itself.
func (s *Synchronizer) Locate(ctx context.Context, key Key) (*Located, error) {
	loc := &Located{}
	var libErr error

	if key.ReservationID != "" {
		loc.Library, libErr = s.lib.Get(ctx, key.LibraryID, key.ReservationID)
		if libErr != nil {
			s.logger.Warn("library projection read failed", "reservation", key.ReservationID, "error", libErr)
		}
		loc.Global = s.globalGet(ctx, key.ReservationID)
	}

	if loc.Library == nil && libErr == nil {
		nk := key
		if loc.Global != nil {
			nk = naturalKey(loc.Global)
		}
		if nk.natural() {
			r, err := s.lib.FindByNaturalKey(ctx, nk.RequesterID, nk.BookID, nk.LibraryID)
			if err != nil {
				s.logger.Warn("library projection lookup failed", "requester", nk.RequesterID, "book", nk.BookID, "error", err)
			} else if sameLogical(r, loc.Global, key.ReservationID) {
				loc.Library = r
			}
		}
	}

	if loc.Global == nil {
		nk := key
		if loc.Library != nil {
			nk = naturalKey(loc.Library)
		}
		if nk.natural() {
			r, err := s.global.FindByNaturalKey(ctx, nk.RequesterID, nk.BookID, nk.LibraryID)
			if err != nil && !domainerrors.Is(err, domainerrors.ErrNotFound) {
				s.logger.Warn("global projection lookup failed", "requester", nk.RequesterID, "book", nk.BookID, "error", err)
			} else if err == nil && sameLogical(r, loc.Library, key.ReservationID) {
				loc.Global = r
			}
		}
	}

	if loc.Library == nil && loc.Global == nil {
		if libErr != nil {
			return nil, domainerrors.Wrap(libErr, domainerrors.CodeInternal, "reading library projection")
		}
		return nil, domainerrors.NotFound("reservation not found")
	}
	return loc, nil
}

// Remove deletes a located reservation from both projections. It succeeds if
// at least one copy was removed; a failure on the other side becomes a warning.
func (s *Synchronizer) Remove(ctx context.Context, loc *Located) (renumbered []model.Reservation, warnings []string, err error) {
	c := loc.Canonical()
	removed := false
	var failures []error

	if loc.Library != nil {
		ok, renum, err := s.lib.Delete(ctx, loc.Library.LibraryID, loc.Library.ID)
		switch {
		case err != nil:
			s.logger.Warn("library projection delete failed", "reservation", loc.Library.ID, "error", err)
			failures = append(failures, err)
			warnings = append(warnings, domainerrors.ProjectionWriteFailed("library projection still holds reservation "+loc.Library.ID).WithCause(err).Error())
		case ok:
			removed = true
			renumbered = renum
		}
	}

	globalIDs := []string{c.ID}
	if loc.Global != nil && loc.Global.ID != c.ID {
		globalIDs = append(globalIDs, loc.Global.ID)
	}
	for _, gid := range globalIDs {
		err := s.global.Delete(ctx, gid)
		switch {
		case err == nil:
			removed = true
		case domainerrors.Is(err, domainerrors.ErrNotFound):
		default:
			s.logger.Warn("global projection delete failed", "reservation", gid, "error", err)
			failures = append(failures, err)
			warnings = append(warnings, domainerrors.ProjectionWriteFailed("global projection still holds reservation "+gid).WithCause(err).Error())
		}
	}

	if !removed {
		if len(failures) > 0 {
			return nil, nil, domainerrors.Wrap(domainerrors.Join(failures...), domainerrors.CodeInternal, "removing reservation")
		}
		return nil, nil, domainerrors.NotFound("reservation not found")
	}

	warnings = append(warnings, s.MirrorMany(ctx, renumbered)...)
	return renumbered, warnings, nil
}

// ReadForRequester returns the requester's pending and ready reservations.
// The global projection is read first; library copies replace global ones on
// any divergence, fill in records the global side has not seen yet, and drop
// global records the library no longer considers active.
func (s *Synchronizer) ReadForRequester(ctx context.Context, requesterID, libraryID string) ([]model.Reservation, error) {
	merged := make(map[string]model.Reservation)
	globalOK := true

	globals, err := s.global.ListByRequester(ctx, requesterID)
	if err != nil {
		s.logger.Warn("global projection read failed, falling back to library projection", "requester", requesterID, "error", err)
		globalOK = false
	}

	if libraryID == "" && s.dir != nil {
		if req, err := s.dir.ResolveRequester(ctx, requesterID); err == nil && req != nil {
			libraryID = req.LibraryID
		}
	}

	libSeen := make(map[string]bool)
	if libraryID != "" {
		libs, err := s.lib.ListActiveByRequester(ctx, requesterID, libraryID)
		if err != nil {
			if !globalOK {
				return nil, domainerrors.Wrap(err, domainerrors.CodeInternal, "reading reservations")
			}
			s.logger.Warn("library projection read failed", "requester", requesterID, "library", libraryID, "error", err)
		}
		for _, r := range libs {
			merged[r.ID] = r
			libSeen[r.ID] = true
		}
	} else if !globalOK {
		return nil, domainerrors.Wrap(err, domainerrors.CodeInternal, "reading reservations")
	}

	for _, g := range globals {
		if !g.Active() || libSeen[g.ID] {
			continue
		}
		l, err := s.lib.Get(ctx, g.LibraryID, g.ID)
		switch {
		case err != nil:
			merged[g.ID] = g
		case l == nil || !l.Active():
			s.logger.Debug("dropping stale global reservation", "reservation", g.ID, "library", g.LibraryID)
		default:
			merged[g.ID] = *l
		}
	}

	out := make([]model.Reservation, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Synchronizer) globalGet(ctx context.Context, reservationID string) *model.Reservation {
	r, err := s.global.Get(ctx, reservationID)
	if err != nil {
		if !domainerrors.Is(err, domainerrors.ErrNotFound) {
			s.logger.Warn("global projection read failed", "reservation", reservationID, "error", err)
		}
		return nil
	}
	return r
}

func naturalKey(r *model.Reservation) Key {
	return Key{ReservationID: r.ID, RequesterID: r.RequesterID, BookID: r.BookID, LibraryID: r.LibraryID}
}

// sameLogical reports whether a record found by natural key stands for the
// same reservation as the other copy (or the requested ID). Without an ID
// match, two active records still agree, since a requester holds at most one
// active claim per book.
func sameLogical(found, other *model.Reservation, wantID string) bool {
	if found == nil {
		return false
	}
	if other != nil {
		return found.ID == other.ID || (found.Active() && other.Active())
	}
	if wantID == "" || found.ID == wantID {
		return true
	}
	return found.Active()
}
