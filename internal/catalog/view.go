package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/erazemk/knjiznica/internal/cache"
	"github.com/erazemk/knjiznica/internal/inventory"
	"github.com/erazemk/knjiznica/internal/model"
	"github.com/erazemk/knjiznica/internal/store"
)

// Entry is one book in a catalog view.
type Entry struct {
	Book     model.Book             `json:"book"`
	Copies   inventory.Availability `json:"copies"`
	Ready    int                    `json:"ready"`
	Waitlist int                    `json:"waitlist"`
}

// View is the computed catalog of one library.
type View struct {
	LibraryID   string    `json:"library_id"`
	Books       []Entry   `json:"books"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Service builds catalog views and serves them from a TTL cache.
type Service struct {
	db     *sql.DB
	oracle *inventory.Oracle
	cache  *cache.Cache[*View]
	logger *slog.Logger
}

// NewService returns a catalog service.
func NewService(db *sql.DB, oracle *inventory.Oracle, c *cache.Cache[*View], logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, oracle: oracle, cache: c, logger: logger}
}

func cacheKey(libraryID string) string {
	return "catalog:" + libraryID
}

// View returns the catalog of a library, computing it on a cache miss. The
// boolean reports whether the view came from the cache.
func (s *Service) View(ctx context.Context, libraryID string) (*View, bool, error) {
	if v, ok := s.cache.Get(cacheKey(libraryID)); ok {
		return v, true, nil
	}

	v, err := s.build(ctx, libraryID)
	if err != nil {
		return nil, false, err
	}
	s.cache.Set(cacheKey(libraryID), v)
	return v, false, nil
}

// Invalidate drops the cached view of one library.
func (s *Service) Invalidate(libraryID string) {
	s.cache.Delete(cacheKey(libraryID))
}

// Clear drops every cached view.
func (s *Service) Clear() {
	s.cache.Clear()
	s.logger.Info("catalog cache cleared")
}

func (s *Service) build(ctx context.Context, libraryID string) (*View, error) {
	books, err := store.ListBooks(ctx, s.db, libraryID)
	if err != nil {
		return nil, err
	}
	genres, err := store.ListBookGenres(ctx, s.db, libraryID)
	if err != nil {
		return nil, err
	}

	v := &View{LibraryID: libraryID, Books: []Entry{}, GeneratedAt: time.Now().UTC()}
	for _, b := range books {
		b.Genres = ParseGenres(genres[b.ID])

		copies, err := s.oracle.Availability(ctx, libraryID, b.ID)
		if err != nil {
			return nil, err
		}
		ready, waitlist, err := store.CountQueue(ctx, s.db, libraryID, b.ID)
		if err != nil {
			return nil, fmt.Errorf("counting queue for %s: %w", b.ID, err)
		}
		v.Books = append(v.Books, Entry{Book: b, Copies: copies, Ready: ready, Waitlist: waitlist})
	}
	return v, nil
}
