package model

import "time"

// Library is the tenant scope under which books, loans and reservations are
// partitioned.
type Library struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Book is a title held by a library. TotalCopies bounds concurrent loans.
type Book struct {
	ID          string    `json:"id"`
	LibraryID   string    `json:"library_id"`
	Title       string    `json:"title"`
	Author      string    `json:"author,omitempty"`
	CoverURL    string    `json:"cover_url,omitempty"`
	Genres      []string  `json:"genres"`
	TotalCopies int       `json:"total_copies"`
	CoverMime   string    `json:"cover_mime,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Loan is one physical copy of a book handed to a requester.
type Loan struct {
	ID          string     `json:"id"`
	LibraryID   string     `json:"library_id"`
	BookID      string     `json:"book_id"`
	RequesterID string     `json:"requester_id"`
	Status      string     `json:"status"`
	LoanedAt    time.Time  `json:"loaned_at"`
	ReturnedAt  *time.Time `json:"returned_at,omitempty"`
}

// Loan statuses.
const (
	LoanActive   = "active"
	LoanReturned = "returned"
)
