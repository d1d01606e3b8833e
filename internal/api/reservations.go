package api

import (
	"context"
	"net/http"

	domainerrors "github.com/erazemk/knjiznica/internal/errors"
	"github.com/erazemk/knjiznica/internal/model"
	"github.com/erazemk/knjiznica/internal/reservation"
)

type createReservationRequest struct {
	BookID      string `json:"book_id" validate:"required,idprefix=book"`
	LibraryID   string `json:"library_id" validate:"omitempty,idprefix=lib"`
	RequesterID string `json:"requester_id" validate:"omitempty,idprefix=usr"`
}

type markNotifiedRequest struct {
	RequesterID string `json:"requester_id" validate:"required"`
}

type notifiedResponse struct {
	ReservationID string `json:"reservation_id"`
	RequesterID   string `json:"requester_id"`
	Notified      bool   `json:"notified"`
}

type notifiedListResponse struct {
	ReservationID string   `json:"reservation_id"`
	RequesterIDs  []string `json:"requester_ids"`
}

// CreateReservation handles POST /api/reservations. Requesters reserve for
// themselves; staff may reserve on behalf of a requester of their library.
func (s *Services) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req createReservationRequest
	if err := s.bind(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	claims := GetClaims(r.Context())
	create := reservation.CreateRequest{
		LibraryID:   req.LibraryID,
		RequesterID: claims.UserID,
		BookID:      req.BookID,
	}
	if claims.Role == model.RoleRequester {
		if req.RequesterID != "" && req.RequesterID != claims.UserID {
			writeError(w, r, domainerrors.NotAuthorized("requesters may only reserve for themselves"))
			return
		}
		if create.LibraryID == "" {
			create.LibraryID = claims.LibraryID
		}
	} else {
		if req.RequesterID == "" {
			writeError(w, r, domainerrors.ValidationWithDetails("validation failed", map[string]string{"requester_id": "is required"}))
			return
		}
		create.RequesterID = req.RequesterID
		if create.LibraryID == "" {
			create.LibraryID = claims.LibraryID
		}
		if claims.Role != model.RoleAdmin && create.LibraryID != claims.LibraryID {
			writeError(w, r, domainerrors.NotAuthorized("staff may only reserve within their library"))
			return
		}
	}

	res, err := s.Engine.Create(r.Context(), create)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.Catalog.Invalidate(res.Reservation.LibraryID)
	jsonResponse(w, http.StatusCreated, res)
}

// MyReservations handles GET /api/reservations/mine.
func (s *Services) MyReservations(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())
	list, err := s.Engine.ListReservationsForRequester(r.Context(), claims.UserID, r.URL.Query().Get("library"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, list)
}

// CancelReservation handles DELETE /api/reservations/{id}.
func (s *Services) CancelReservation(w http.ResponseWriter, r *http.Request) {
	res, err := s.Engine.Cancel(r.Context(), actor(r), r.PathValue("id"), r.URL.Query().Get("library"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.Catalog.Invalidate(res.Reservation.LibraryID)
	jsonResponse(w, http.StatusOK, res)
}

// LibraryReservations handles GET /api/libraries/{libraryID}/reservations.
func (s *Services) LibraryReservations(w http.ResponseWriter, r *http.Request) {
	list, err := s.Engine.ListReservationsForLibrary(r.Context(), actor(r), r.PathValue("libraryID"), r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, list)
}

// CompleteReservation handles POST /api/libraries/{libraryID}/reservations/{id}/complete.
func (s *Services) CompleteReservation(w http.ResponseWriter, r *http.Request) {
	s.staffMutation(w, r, s.Engine.Complete)
}

// ExpireReservation handles POST /api/libraries/{libraryID}/reservations/{id}/expire.
func (s *Services) ExpireReservation(w http.ResponseWriter, r *http.Request) {
	s.staffMutation(w, r, s.Engine.Expire)
}

// RemoveReservation handles DELETE /api/libraries/{libraryID}/reservations/{id}.
func (s *Services) RemoveReservation(w http.ResponseWriter, r *http.Request) {
	s.staffMutation(w, r, s.Engine.Remove)
}

type staffOp func(ctx context.Context, a reservation.Actor, libraryID, reservationID string) (*reservation.Result, error)

func (s *Services) staffMutation(w http.ResponseWriter, r *http.Request, op staffOp) {
	libraryID := r.PathValue("libraryID")
	res, err := op(r.Context(), actor(r), libraryID, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.Catalog.Invalidate(libraryID)
	jsonResponse(w, http.StatusOK, res)
}

// MarkNotified handles POST /api/libraries/{libraryID}/reservations/{id}/notified.
func (s *Services) MarkNotified(w http.ResponseWriter, r *http.Request) {
	var req markNotifiedRequest
	if err := s.bind(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	reservationID := r.PathValue("id")
	added, err := s.Engine.MarkNotified(r.Context(), actor(r), r.PathValue("libraryID"), reservationID, req.RequesterID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	jsonResponse(w, status, notifiedResponse{ReservationID: reservationID, RequesterID: req.RequesterID, Notified: true})
}

// IsNotified handles GET /api/libraries/{libraryID}/reservations/{id}/notified/{requesterID}.
func (s *Services) IsNotified(w http.ResponseWriter, r *http.Request) {
	reservationID, requesterID := r.PathValue("id"), r.PathValue("requesterID")
	ok, err := s.Engine.IsNotified(r.Context(), actor(r), r.PathValue("libraryID"), reservationID, requesterID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, notifiedResponse{ReservationID: reservationID, RequesterID: requesterID, Notified: ok})
}

// ListNotified handles GET /api/libraries/{libraryID}/reservations/{id}/notified.
func (s *Services) ListNotified(w http.ResponseWriter, r *http.Request) {
	reservationID := r.PathValue("id")
	ids, err := s.Engine.ListNotified(r.Context(), actor(r), r.PathValue("libraryID"), reservationID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, notifiedListResponse{ReservationID: reservationID, RequesterIDs: ids})
}
