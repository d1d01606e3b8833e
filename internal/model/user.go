package model

import (
	"errors"
	"time"
)

// User is an account that can sign in: an administrator, a member of a
// library's staff, or a requester placing reservations.
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	Role         string     `json:"role"`
	LibraryID    string     `json:"library_id,omitempty"`
	DisplayName  string     `json:"display_name"`
	CreatedAt    time.Time  `json:"created_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// Roles.
const (
	RoleAdmin     = "admin"
	RoleStaff     = "staff"
	RoleRequester = "requester"
)

// MinPasswordLength is the shortest accepted password.
const MinPasswordLength = 8

// RoleAtLeast checks if role meets or exceeds the minimum required role.
func RoleAtLeast(role, minimum string) bool {
	levels := map[string]int{
		RoleAdmin:     3,
		RoleStaff:     2,
		RoleRequester: 1,
	}
	return levels[role] >= levels[minimum] && levels[minimum] > 0
}

// ValidRole reports whether role is one of the known roles.
func ValidRole(role string) bool {
	return role == RoleAdmin || role == RoleStaff || role == RoleRequester
}

// CanAccessLibrary reports whether an account with the given role and home
// library may act in libraryID with at least the minimum role. Administrators
// belong to no library and act in all of them; staff and requesters act only in
// their own.
func CanAccessLibrary(role, homeLibraryID, libraryID, minimum string) bool {
	if !RoleAtLeast(role, minimum) {
		return false
	}
	if role == RoleAdmin {
		return true
	}
	return homeLibraryID != "" && homeLibraryID == libraryID
}

// ValidatePassword checks the password policy.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return errors.New("password must be at least 8 characters")
	}
	return nil
}

// Requester is the directory view of a requester: the library that owns the
// account and the name shown on reservations.
type Requester struct {
	ID          string `json:"id"`
	LibraryID   string `json:"library_id"`
	DisplayName string `json:"display_name"`
}
