package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/erazemk/knjiznica/internal/id"
	"github.com/erazemk/knjiznica/internal/model"
)

const userColumns = `id, username, password_hash, role, library_id, display_name, created_at, deleted_at`

// CreateUser creates a new user. Staff and requesters belong to a library;
// administrators pass an empty libraryID.
func CreateUser(ctx context.Context, db *sql.DB, username, passwordHash, role, libraryID, displayName string) (*model.User, error) {
	userID, err := id.Generate(id.PrefixUser)
	if err != nil {
		return nil, err
	}
	if displayName == "" {
		displayName = username
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, role, library_id, display_name) VALUES (?, ?, ?, ?, ?, ?)`,
		userID, username, passwordHash, role, nullString(libraryID), displayName,
	)
	if err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}

	return GetUser(ctx, db, userID)
}

// GetUser returns a user by ID.
func GetUser(ctx context.Context, db *sql.DB, userID string) (*model.User, error) {
	u, err := scanUser(db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, userID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}
	return u, nil
}

// GetUserByUsername returns the active user with the given username.
func GetUserByUsername(ctx context.Context, db *sql.DB, username string) (*model.User, error) {
	u, err := scanUser(db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ? AND deleted_at IS NULL`, username,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting user by username: %w", err)
	}
	return u, nil
}

// ListUsers returns all non-deleted users, optionally limited to one library.
func ListUsers(ctx context.Context, db *sql.DB, libraryID string) ([]model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE deleted_at IS NULL`
	var args []any
	if libraryID != "" {
		query += ` AND library_id = ?`
		args = append(args, libraryID)
	}
	query += ` ORDER BY username`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// UpdateUserPassword updates a user's password hash.
func UpdateUserPassword(ctx context.Context, db *sql.DB, userID, passwordHash string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE users SET password_hash = ? WHERE id = ? AND deleted_at IS NULL`,
		passwordHash, userID,
	)
	if err != nil {
		return fmt.Errorf("updating user password: %w", err)
	}
	return nil
}

// DeleteUser soft-deletes a user.
func DeleteUser(ctx context.Context, db *sql.DB, userID string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE users SET deleted_at = CURRENT_TIMESTAMP WHERE id = ? AND deleted_at IS NULL`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	return nil
}

// GetRequester resolves an active requester account to its library and
// display name. Returns nil if no such requester exists.
func GetRequester(ctx context.Context, db *sql.DB, requesterID string) (*model.Requester, error) {
	r := &model.Requester{}
	var libraryID sql.NullString
	err := db.QueryRowContext(ctx,
		`SELECT id, library_id, display_name FROM users
		 WHERE id = ? AND role = ? AND deleted_at IS NULL`,
		requesterID, model.RoleRequester,
	).Scan(&r.ID, &libraryID, &r.DisplayName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting requester: %w", err)
	}
	r.LibraryID = libraryID.String
	return r, nil
}

func scanUser(row interface{ Scan(dest ...any) error }) (*model.User, error) {
	u := &model.User{}
	var libraryID sql.NullString
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &libraryID, &u.DisplayName, &u.CreatedAt, &u.DeletedAt); err != nil {
		return nil, err
	}
	u.LibraryID = libraryID.String
	return u, nil
}

// nullString maps the empty string to SQL NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
