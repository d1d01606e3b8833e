package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/erazemk/knjiznica/internal/auth"
	domainerrors "github.com/erazemk/knjiznica/internal/errors"
	"github.com/erazemk/knjiznica/internal/model"
	"github.com/erazemk/knjiznica/internal/reservation"
	"github.com/erazemk/knjiznica/internal/store"
)

type contextKey string

const claimsKey contextKey = "claims"

// AuthMiddleware validates the bearer token, rejects revoked tokens and adds
// the claims to the request context.
func (s *Services) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			jsonError(w, http.StatusUnauthorized, domainerrors.CodeUnauthenticated, "missing or invalid authorization header")
			return
		}

		claims, err := auth.ValidateToken(s.JWTSecret, strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			jsonError(w, http.StatusUnauthorized, domainerrors.CodeUnauthenticated, "invalid token")
			return
		}

		revoked, err := store.IsTokenRevoked(r.Context(), s.DB, claims.ID)
		if err != nil {
			slog.Error("failed to check token revocation", "error", err)
			jsonError(w, http.StatusInternalServerError, domainerrors.CodeInternal, "internal error")
			return
		}
		if revoked {
			jsonError(w, http.StatusUnauthorized, domainerrors.CodeUnauthenticated, "token revoked")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole returns middleware that checks if the user has at least the given role.
func RequireRole(minimum string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetClaims(r.Context())
			if claims == nil {
				jsonError(w, http.StatusUnauthorized, domainerrors.CodeUnauthenticated, "not authenticated")
				return
			}
			if !model.RoleAtLeast(claims.Role, minimum) {
				jsonError(w, http.StatusForbidden, domainerrors.CodeNotAuthorized, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireLibrary checks that the caller belongs to the library named in the
// {libraryID} path segment with at least the given role. Administrators pass
// for every library.
func RequireLibrary(minimum string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetClaims(r.Context())
			if claims == nil {
				jsonError(w, http.StatusUnauthorized, domainerrors.CodeUnauthenticated, "not authenticated")
				return
			}
			if !model.CanAccessLibrary(claims.Role, claims.LibraryID, r.PathValue("libraryID"), minimum) {
				jsonError(w, http.StatusForbidden, domainerrors.CodeNotAuthorized, "insufficient permissions for this library")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit throttles a route per authenticated user.
func (s *Services) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		claims := GetClaims(r.Context())
		key := r.RemoteAddr
		if claims != nil {
			key = claims.UserID
		}
		if !s.Limiter.Allow(key) {
			wait := s.Limiter.RetryAfter(key)
			w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
			jsonError(w, http.StatusTooManyRequests, domainerrors.CodeRateLimited, "too many requests, slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetClaims retrieves the JWT claims from the context.
func GetClaims(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey).(*auth.Claims)
	return claims
}

// actor converts the request's claims into the engine's caller identity.
func actor(r *http.Request) reservation.Actor {
	claims := GetClaims(r.Context())
	if claims == nil {
		return reservation.Actor{}
	}
	return reservation.Actor{ID: claims.UserID, Role: claims.Role, LibraryID: claims.LibraryID}
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// LoggingMiddleware logs HTTP requests with method, path, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.RequestURI(),
			"status", rec.status,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
}
