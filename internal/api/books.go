package api

import (
	"errors"
	"net/http"

	"github.com/erazemk/knjiznica/internal/catalog"
	domainerrors "github.com/erazemk/knjiznica/internal/errors"
	"github.com/erazemk/knjiznica/internal/imaging"
	"github.com/erazemk/knjiznica/internal/inventory"
	"github.com/erazemk/knjiznica/internal/model"
	"github.com/erazemk/knjiznica/internal/store"
)

type createBookRequest struct {
	Title       string `json:"title" validate:"required,max=256"`
	Author      string `json:"author" validate:"max=256"`
	CoverURL    string `json:"cover_url" validate:"omitempty,url"`
	Genres      any    `json:"genres"`
	TotalCopies int    `json:"total_copies" validate:"gte=0,lte=1000"`
}

// CreateBook handles POST /api/libraries/{libraryID}/books. Genres may be a
// list or a comma-separated string.
func (s *Services) CreateBook(w http.ResponseWriter, r *http.Request) {
	var req createBookRequest
	if err := s.bind(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	libraryID := r.PathValue("libraryID")
	book, err := store.CreateBook(r.Context(), s.DB, &model.Book{
		LibraryID:   libraryID,
		Title:       req.Title,
		Author:      req.Author,
		CoverURL:    req.CoverURL,
		Genres:      catalog.NormalizeGenres(req.Genres),
		TotalCopies: req.TotalCopies,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.Catalog.Invalidate(libraryID)

	s.logger().Info("book created", "user", GetClaims(r.Context()).Username, "library", libraryID, "book", book.ID, "title", book.Title)
	jsonResponse(w, http.StatusCreated, book)
}

type bookResponse struct {
	*model.Book
	Copies inventory.Availability `json:"copies"`
}

// GetBook handles GET /api/libraries/{libraryID}/books/{bookID}.
func (s *Services) GetBook(w http.ResponseWriter, r *http.Request) {
	libraryID, bookID := r.PathValue("libraryID"), r.PathValue("bookID")
	book, err := store.GetBook(r.Context(), s.DB, libraryID, bookID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if book == nil {
		writeError(w, r, domainerrors.NotFound("book not found"))
		return
	}

	avail, err := s.Oracle.Availability(r.Context(), libraryID, bookID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, bookResponse{Book: book, Copies: avail})
}

// UploadCover handles PUT /api/libraries/{libraryID}/books/{bookID}/cover.
// The cover is sent as the "cover" field of a multipart form.
func (s *Services) UploadCover(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, imaging.MaxInputBytes+1<<10)
	if err := r.ParseMultipartForm(imaging.MaxInputBytes); err != nil {
		writeError(w, r, domainerrors.Validation("file too large or invalid multipart form"))
		return
	}

	file, _, err := r.FormFile("cover")
	if err != nil {
		writeError(w, r, domainerrors.Validation("cover file required"))
		return
	}
	defer file.Close()

	cover, err := imaging.ProcessCover(file)
	switch {
	case errors.Is(err, imaging.ErrUnsupported), errors.Is(err, imaging.ErrTooLarge):
		writeError(w, r, domainerrors.Validation(err.Error()))
		return
	case err != nil:
		writeError(w, r, domainerrors.Validation("invalid image").WithCause(err))
		return
	}

	libraryID, bookID := r.PathValue("libraryID"), r.PathValue("bookID")
	if err := store.SetBookCover(r.Context(), s.DB, libraryID, bookID, cover.Data, cover.MIME); err != nil {
		if errors.Is(err, store.ErrBookNotFound) {
			writeError(w, r, domainerrors.NotFound("book not found"))
			return
		}
		writeError(w, r, err)
		return
	}
	s.Catalog.Invalidate(libraryID)

	s.logger().Info("book cover uploaded", "library", libraryID, "book", bookID, "width", cover.Width, "height", cover.Height)
	jsonResponse(w, http.StatusOK, map[string]any{"width": cover.Width, "height": cover.Height})
}

// GetCover handles GET /api/libraries/{libraryID}/books/{bookID}/cover.
func (s *Services) GetCover(w http.ResponseWriter, r *http.Request) {
	data, mime, err := store.GetBookCover(r.Context(), s.DB, r.PathValue("libraryID"), r.PathValue("bookID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if data == nil {
		writeError(w, r, domainerrors.NotFound("no cover"))
		return
	}

	w.Header().Set("Content-Type", mime)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}

type catalogResponse struct {
	*catalog.View
	Cached bool `json:"cached"`
}

// CatalogView handles GET /api/libraries/{libraryID}/catalog.
func (s *Services) CatalogView(w http.ResponseWriter, r *http.Request) {
	view, cached, err := s.Catalog.View(r.Context(), r.PathValue("libraryID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, catalogResponse{View: view, Cached: cached})
}
