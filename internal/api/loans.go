package api

import (
	"errors"
	"net/http"
	"time"

	domainerrors "github.com/erazemk/knjiznica/internal/errors"
	"github.com/erazemk/knjiznica/internal/model"
	"github.com/erazemk/knjiznica/internal/reservation"
	"github.com/erazemk/knjiznica/internal/store"
)

type createLoanRequest struct {
	BookID      string `json:"book_id" validate:"required,idprefix=book"`
	RequesterID string `json:"requester_id" validate:"required,idprefix=usr"`
}

type returnLoanResponse struct {
	Loan      *model.Loan         `json:"loan"`
	Promotion *reservation.Result `json:"promotion,omitempty"`
}

// CreateLoan handles POST /api/libraries/{libraryID}/loans.
func (s *Services) CreateLoan(w http.ResponseWriter, r *http.Request) {
	var req createLoanRequest
	if err := s.bind(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	libraryID := r.PathValue("libraryID")
	loan, err := store.CreateLoan(r.Context(), s.DB, libraryID, req.BookID, req.RequesterID, time.Now())
	switch {
	case errors.Is(err, store.ErrBookNotFound):
		writeError(w, r, domainerrors.NotFound("book not found"))
		return
	case errors.Is(err, store.ErrNoFreeCopy):
		writeError(w, r, domainerrors.Conflict("no free copy to lend"))
		return
	case err != nil:
		writeError(w, r, err)
		return
	}
	s.Catalog.Invalidate(libraryID)

	s.logger().Info("loan created",
		"user", GetClaims(r.Context()).Username,
		"library", libraryID,
		"book", loan.BookID,
		"requester", loan.RequesterID,
		"loan", loan.ID,
	)
	jsonResponse(w, http.StatusCreated, loan)
}

// ReturnLoan handles POST /api/libraries/{libraryID}/loans/{loanID}/return.
// The returned copy goes to the head of the book's waitlist. Returning a loan
// twice is accepted and retries the promotion.
func (s *Services) ReturnLoan(w http.ResponseWriter, r *http.Request) {
	libraryID, loanID := r.PathValue("libraryID"), r.PathValue("loanID")

	loan, err := store.GetLoan(r.Context(), s.DB, libraryID, loanID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if loan == nil {
		writeError(w, r, domainerrors.NotFound("loan not found"))
		return
	}

	returned, err := store.ReturnLoan(r.Context(), s.DB, libraryID, loanID, time.Now())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if returned {
		s.logger().Info("loan returned", "user", GetClaims(r.Context()).Username, "library", libraryID, "loan", loanID, "book", loan.BookID)
	}

	promotion, err := s.Engine.OnLoanReturned(r.Context(), libraryID, loan.BookID)
	if err != nil {
		// The return is recorded either way.
		s.logger().Warn("promotion after return failed", "library", libraryID, "book", loan.BookID, "error", err)
		promotion = &reservation.Result{Warnings: []string{"waitlist promotion failed: " + err.Error()}}
	}
	s.Catalog.Invalidate(libraryID)

	loan, err = store.GetLoan(r.Context(), s.DB, libraryID, loanID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if promotion != nil && len(promotion.Promoted) == 0 && len(promotion.Warnings) == 0 {
		promotion = nil
	}
	jsonResponse(w, http.StatusOK, returnLoanResponse{Loan: loan, Promotion: promotion})
}
