package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/erazemk/knjiznica/internal/id"
	"github.com/erazemk/knjiznica/internal/model"
)

const bookColumns = `id, library_id, title, author, cover_url, genres, total_copies, cover_mime, created_at, updated_at`

// CreateBook creates a new book in a library. The ID is assigned by the store.
func CreateBook(ctx context.Context, db *sql.DB, b *model.Book) (*model.Book, error) {
	bookID, err := id.Generate(id.PrefixBook)
	if err != nil {
		return nil, err
	}

	genres := b.Genres
	if genres == nil {
		genres = []string{}
	}
	genresJSON, err := json.Marshal(genres)
	if err != nil {
		return nil, fmt.Errorf("encoding genres: %w", err)
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO books (id, library_id, title, author, cover_url, genres, total_copies)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		bookID, b.LibraryID, b.Title, nullString(b.Author), nullString(b.CoverURL), string(genresJSON), b.TotalCopies,
	)
	if err != nil {
		return nil, fmt.Errorf("creating book: %w", err)
	}

	return GetBook(ctx, db, b.LibraryID, bookID)
}

// GetBook returns a book within a library.
func GetBook(ctx context.Context, db *sql.DB, libraryID, bookID string) (*model.Book, error) {
	b, err := scanBook(db.QueryRowContext(ctx,
		`SELECT `+bookColumns+` FROM books WHERE library_id = ? AND id = ?`,
		libraryID, bookID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting book: %w", err)
	}
	return b, nil
}

// ListBooks returns all books of a library ordered by title.
func ListBooks(ctx context.Context, db *sql.DB, libraryID string) ([]model.Book, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+bookColumns+` FROM books WHERE library_id = ? ORDER BY title, id`,
		libraryID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing books: %w", err)
	}
	defer rows.Close()

	var books []model.Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning book: %w", err)
		}
		books = append(books, *b)
	}
	return books, rows.Err()
}

// ListBookGenres returns the raw genres column for every book of a library,
// keyed by book ID. Rows written by older importers may hold a bare string
// instead of a JSON array, so callers normalize the values.
func ListBookGenres(ctx context.Context, db *sql.DB, libraryID string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, genres FROM books WHERE library_id = ?`, libraryID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing book genres: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var bookID, raw string
		if err := rows.Scan(&bookID, &raw); err != nil {
			return nil, fmt.Errorf("scanning book genres: %w", err)
		}
		out[bookID] = raw
	}
	return out, rows.Err()
}

// SetBookCover stores an encoded cover image for a book.
func SetBookCover(ctx context.Context, db *sql.DB, libraryID, bookID string, data []byte, mime string) error {
	res, err := db.ExecContext(ctx,
		`UPDATE books SET cover = ?, cover_mime = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE library_id = ? AND id = ?`,
		data, mime, libraryID, bookID,
	)
	if err != nil {
		return fmt.Errorf("setting book cover: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrBookNotFound
	}
	return nil
}

// GetBookCover returns the stored cover image. Data is nil if none is set.
func GetBookCover(ctx context.Context, db *sql.DB, libraryID, bookID string) ([]byte, string, error) {
	var data []byte
	var mime sql.NullString
	err := db.QueryRowContext(ctx,
		`SELECT cover, cover_mime FROM books WHERE library_id = ? AND id = ?`,
		libraryID, bookID,
	).Scan(&data, &mime)
	if err == sql.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("getting book cover: %w", err)
	}
	return data, mime.String, nil
}

func scanBook(row interface{ Scan(dest ...any) error }) (*model.Book, error) {
	b := &model.Book{}
	var author, coverURL, coverMime sql.NullString
	var genres string
	if err := row.Scan(&b.ID, &b.LibraryID, &b.Title, &author, &coverURL, &genres, &b.TotalCopies, &coverMime, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.Author = author.String
	b.CoverURL = coverURL.String
	b.CoverMime = coverMime.String
	if err := json.Unmarshal([]byte(genres), &b.Genres); err != nil || b.Genres == nil {
		// Non-array values are surfaced through ListBookGenres.
		b.Genres = []string{}
	}
	return b, nil
}
