package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/erazemk/knjiznica/internal/model"
)

func mustLibrary(t *testing.T, ctx context.Context, database *sql.DB, name string) *model.Library {
	t.Helper()
	lib, err := CreateLibrary(ctx, database, name)
	if err != nil {
		t.Fatalf("CreateLibrary: %v", err)
	}
	return lib
}

func mustBook(t *testing.T, ctx context.Context, database *sql.DB, libraryID, title string, copies int) *model.Book {
	t.Helper()
	book, err := CreateBook(ctx, database, &model.Book{
		LibraryID:   libraryID,
		Title:       title,
		Author:      "Author",
		TotalCopies: copies,
	})
	if err != nil {
		t.Fatalf("CreateBook: %v", err)
	}
	return book
}
