package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/erazemk/knjiznica/internal/id"
	"github.com/erazemk/knjiznica/internal/model"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CreateLibrary creates a new library.
func CreateLibrary(ctx context.Context, db *sql.DB, name string) (*model.Library, error) {
	libraryID, err := id.Generate(id.PrefixLibrary)
	if err != nil {
		return nil, err
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO libraries (id, name) VALUES (?, ?)`,
		libraryID, name,
	)
	if err != nil {
		return nil, fmt.Errorf("creating library: %w", err)
	}

	return GetLibrary(ctx, db, libraryID)
}

// GetLibrary returns a library by ID.
func GetLibrary(ctx context.Context, db *sql.DB, libraryID string) (*model.Library, error) {
	l := &model.Library{}
	err := db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM libraries WHERE id = ?`, libraryID,
	).Scan(&l.ID, &l.Name, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting library: %w", err)
	}
	return l, nil
}

// ListLibraries returns all libraries ordered by name.
func ListLibraries(ctx context.Context, db *sql.DB) ([]model.Library, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, name, created_at FROM libraries ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing libraries: %w", err)
	}
	defer rows.Close()

	var libraries []model.Library
	for rows.Next() {
		var l model.Library
		if err := rows.Scan(&l.ID, &l.Name, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning library: %w", err)
		}
		libraries = append(libraries, l)
	}
	return libraries, rows.Err()
}
