package api

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/erazemk/knjiznica/internal/catalog"
	"github.com/erazemk/knjiznica/internal/events"
	"github.com/erazemk/knjiznica/internal/inventory"
	"github.com/erazemk/knjiznica/internal/model"
	"github.com/erazemk/knjiznica/internal/ratelimit"
	"github.com/erazemk/knjiznica/internal/reservation"
	"github.com/erazemk/knjiznica/internal/validation"
)

// Services holds the dependencies shared by all handlers.
type Services struct {
	DB        *sql.DB
	JWTSecret string
	Engine    *reservation.Engine
	Catalog   *catalog.Service
	Oracle    *inventory.Oracle
	Events    *events.Bus
	Limiter   *ratelimit.Limiter
	Validator *validation.Validator
	Logger    *slog.Logger
}

func (s *Services) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// NewRouter creates the API router with all endpoints registered.
func NewRouter(s *Services) http.Handler {
	if s.Validator == nil {
		s.Validator = validation.New()
	}

	mux := http.NewServeMux()

	authed := func(h http.HandlerFunc, mw ...func(http.Handler) http.Handler) http.Handler {
		var handler http.Handler = h
		for i := len(mw) - 1; i >= 0; i-- {
			handler = mw[i](handler)
		}
		return s.AuthMiddleware(handler)
	}
	requireAdmin := RequireRole(model.RoleAdmin)
	member := RequireLibrary(model.RoleRequester)
	staff := RequireLibrary(model.RoleStaff)

	// Public: login.
	mux.HandleFunc("POST /api/auth/login", s.Login)

	// Authenticated routes.
	mux.Handle("POST /api/auth/logout", authed(s.Logout))
	mux.Handle("PUT /api/auth/password", authed(s.ChangePassword))

	// Users and libraries (admin only).
	mux.Handle("GET /api/users", authed(s.ListUsers, requireAdmin))
	mux.Handle("POST /api/users", authed(s.CreateUser, requireAdmin))
	mux.Handle("GET /api/users/{id}", authed(s.GetUser, requireAdmin))
	mux.Handle("PUT /api/users/{id}/password", authed(s.ResetPassword, requireAdmin))
	mux.Handle("DELETE /api/users/{id}", authed(s.DeleteUser, requireAdmin))
	mux.Handle("GET /api/libraries", authed(s.ListLibraries))
	mux.Handle("POST /api/libraries", authed(s.CreateLibrary, requireAdmin))

	// Reservations.
	mux.Handle("POST /api/reservations", authed(s.CreateReservation, s.RateLimit))
	mux.Handle("GET /api/reservations/mine", authed(s.MyReservations))
	mux.Handle("DELETE /api/reservations/{id}", authed(s.CancelReservation))
	mux.Handle("GET /api/libraries/{libraryID}/reservations", authed(s.LibraryReservations, staff))
	mux.Handle("POST /api/libraries/{libraryID}/reservations/{id}/complete", authed(s.CompleteReservation, staff))
	mux.Handle("POST /api/libraries/{libraryID}/reservations/{id}/expire", authed(s.ExpireReservation, staff))
	mux.Handle("DELETE /api/libraries/{libraryID}/reservations/{id}", authed(s.RemoveReservation, staff))
	mux.Handle("POST /api/libraries/{libraryID}/reservations/{id}/notified", authed(s.MarkNotified, staff))
	mux.Handle("GET /api/libraries/{libraryID}/reservations/{id}/notified", authed(s.ListNotified, staff))
	mux.Handle("GET /api/libraries/{libraryID}/reservations/{id}/notified/{requesterID}", authed(s.IsNotified, staff))

	// Books and catalog.
	mux.Handle("GET /api/libraries/{libraryID}/catalog", authed(s.CatalogView, member))
	mux.Handle("POST /api/libraries/{libraryID}/books", authed(s.CreateBook, staff))
	mux.Handle("GET /api/libraries/{libraryID}/books/{bookID}", authed(s.GetBook, member))
	mux.Handle("PUT /api/libraries/{libraryID}/books/{bookID}/cover", authed(s.UploadCover, staff))
	mux.Handle("GET /api/libraries/{libraryID}/books/{bookID}/cover", authed(s.GetCover, member))

	// Loans.
	mux.Handle("POST /api/libraries/{libraryID}/loans", authed(s.CreateLoan, staff))
	mux.Handle("POST /api/libraries/{libraryID}/loans/{loanID}/return", authed(s.ReturnLoan, staff))

	// Staff event stream.
	mux.Handle("GET /api/libraries/{libraryID}/events", authed(s.Stream, staff))

	// Maintenance (admin only).
	mux.Handle("POST /api/admin/reconcile", authed(s.Reconcile, requireAdmin))
	mux.Handle("POST /api/admin/cache/clear", authed(s.ClearCache, requireAdmin))

	return mux
}
