package api

import (
	"net/http"

	"github.com/erazemk/knjiznica/internal/auth"
	domainerrors "github.com/erazemk/knjiznica/internal/errors"
	"github.com/erazemk/knjiznica/internal/model"
	"github.com/erazemk/knjiznica/internal/store"
)

type createUserRequest struct {
	Username    string `json:"username" validate:"required,max=64"`
	Password    string `json:"password" validate:"required,min=8"`
	Role        string `json:"role" validate:"required,oneof=admin staff requester"`
	LibraryID   string `json:"library_id" validate:"required_unless=Role admin"`
	DisplayName string `json:"display_name" validate:"max=128"`
}

type resetPasswordRequest struct {
	Password string `json:"password" validate:"required,min=8"`
}

type createLibraryRequest struct {
	Name string `json:"name" validate:"required,max=128"`
}

// ListUsers handles GET /api/users. An optional library query parameter
// narrows the list.
func (s *Services) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := store.ListUsers(r.Context(), s.DB, r.URL.Query().Get("library"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if users == nil {
		users = []model.User{}
	}
	jsonResponse(w, http.StatusOK, users)
}

// CreateUser handles POST /api/users.
func (s *Services) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := s.bind(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if req.LibraryID != "" {
		lib, err := store.GetLibrary(r.Context(), s.DB, req.LibraryID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if lib == nil {
			writeError(w, r, domainerrors.NotFoundf("library %s not found", req.LibraryID))
			return
		}
	}

	existing, err := store.GetUserByUsername(r.Context(), s.DB, req.Username)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if existing != nil {
		writeError(w, r, domainerrors.Conflict("username already exists"))
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}

	displayName := req.DisplayName
	if displayName == "" {
		displayName = req.Username
	}
	libraryID := req.LibraryID
	if req.Role == model.RoleAdmin {
		libraryID = ""
	}

	user, err := store.CreateUser(r.Context(), s.DB, req.Username, hash, req.Role, libraryID, displayName)
	if err != nil {
		writeError(w, r, err)
		return
	}

	s.logger().Info("user created",
		"user", GetClaims(r.Context()).Username,
		"new_user", user.Username,
		"role", user.Role,
		"library", user.LibraryID,
	)
	jsonResponse(w, http.StatusCreated, user)
}

// GetUser handles GET /api/users/{id}.
func (s *Services) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := store.GetUser(r.Context(), s.DB, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if user == nil {
		writeError(w, r, domainerrors.NotFound("user not found"))
		return
	}
	jsonResponse(w, http.StatusOK, user)
}

// ResetPassword handles PUT /api/users/{id}/password.
func (s *Services) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := s.bind(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	target, err := store.GetUser(r.Context(), s.DB, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if target == nil || target.DeletedAt != nil {
		writeError(w, r, domainerrors.NotFound("user not found"))
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := store.UpdateUserPassword(r.Context(), s.DB, target.ID, hash); err != nil {
		writeError(w, r, err)
		return
	}

	s.logger().Info("user password reset", "user", GetClaims(r.Context()).Username, "target_user", target.Username)
	jsonResponse(w, http.StatusOK, map[string]string{"message": "password reset"})
}

// DeleteUser handles DELETE /api/users/{id}.
func (s *Services) DeleteUser(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())
	userID := r.PathValue("id")
	if claims.UserID == userID {
		writeError(w, r, domainerrors.Validation("cannot delete yourself"))
		return
	}

	target, err := store.GetUser(r.Context(), s.DB, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if target == nil || target.DeletedAt != nil {
		writeError(w, r, domainerrors.NotFound("user not found"))
		return
	}

	if err := store.DeleteUser(r.Context(), s.DB, userID); err != nil {
		writeError(w, r, err)
		return
	}

	s.logger().Info("user deleted", "user", claims.Username, "deleted_user", target.Username)
	jsonResponse(w, http.StatusOK, map[string]string{"message": "user deleted"})
}

// ListLibraries handles GET /api/libraries.
func (s *Services) ListLibraries(w http.ResponseWriter, r *http.Request) {
	libs, err := store.ListLibraries(r.Context(), s.DB)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if libs == nil {
		libs = []model.Library{}
	}
	jsonResponse(w, http.StatusOK, libs)
}

// CreateLibrary handles POST /api/libraries.
func (s *Services) CreateLibrary(w http.ResponseWriter, r *http.Request) {
	var req createLibraryRequest
	if err := s.bind(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	lib, err := store.CreateLibrary(r.Context(), s.DB, req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}

	s.logger().Info("library created", "user", GetClaims(r.Context()).Username, "library", lib.ID, "name", lib.Name)
	jsonResponse(w, http.StatusCreated, lib)
}
