// Package global holds the cross-library reservation projection read by the
// requester portal. It lives in its own Badger database and shares no
// transaction with the library-scoped SQLite projection.
package global

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/erazemk/knjiznica/internal/errors"
	"github.com/erazemk/knjiznica/internal/model"
)

// Key layout:
//
//	reservation:<id>                                        record
//	reservation:idx:requester:<requesterID>:<id>            requester index
//	reservation:idx:natural:<requesterID>:<bookID>:<libraryID>:<id>  natural key index
const (
	recordPrefix    = "reservation:"
	indexPrefix     = recordPrefix + "idx:"
	requesterPrefix = indexPrefix + "requester:"
	naturalPrefix   = indexPrefix + "natural:"
)

// Store is the global reservation projection.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// Open opens or creates the projection under dir.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	opts.SyncWrites = true
	opts.CompactL0OnClose = true
	return open(opts, logger)
}

// OpenInMemory opens a projection that lives only in memory.
func OpenInMemory(logger *slog.Logger) (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return open(opts, logger)
}

func open(opts badger.Options, logger *slog.Logger) (*Store, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger db: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("global projection opened", "dir", opts.Dir, "in_memory", opts.InMemory)
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put writes a record and its index entries, replacing any previous version.
func (s *Store) Put(ctx context.Context, r *model.Reservation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal reservation: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		old, err := getTxn(txn, r.ID)
		if err != nil && !errors.Is(err, errors.ErrNotFound) {
			return err
		}
		if old != nil {
			for _, k := range indexKeys(old) {
				if err := txn.Delete(k); err != nil {
					return fmt.Errorf("delete index: %w", err)
				}
			}
		}

		if err := txn.Set(recordKey(r.ID), data); err != nil {
			return fmt.Errorf("set reservation: %w", err)
		}
		for _, k := range indexKeys(r) {
			if err := txn.Set(k, []byte(r.ID)); err != nil {
				return fmt.Errorf("set index: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("put reservation: %w", err)
	}
	return nil
}

// Get returns a record by ID, or errors.ErrNotFound.
func (s *Store) Get(ctx context.Context, reservationID string) (*model.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var r *model.Reservation
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		r, err = getTxn(txn, reservationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// FindByNaturalKey returns the requester's record for a book in a library.
// An active record wins over terminal ones; among terminal records the most
// recently created is returned. Returns errors.ErrNotFound if none exists.
func (s *Store) FindByNaturalKey(ctx context.Context, requesterID, bookID, libraryID string) (*model.Reservation, error) {
	prefix := naturalPrefix + requesterID + ":" + bookID + ":" + libraryID + ":"
	list, err := s.scanIndex(ctx, prefix)
	if err != nil {
		return nil, err
	}

	var best *model.Reservation
	for i := range list {
		r := &list[i]
		switch {
		case best == nil:
			best = r
		case r.Active() && !best.Active():
			best = r
		case r.Active() == best.Active() && r.CreatedAt.After(best.CreatedAt):
			best = r
		}
	}
	if best == nil {
		return nil, errors.NotFoundf("no reservation for requester %s and book %s", requesterID, bookID)
	}
	return best, nil
}

// ListByRequester returns all records of one requester ordered by creation time.
func (s *Store) ListByRequester(ctx context.Context, requesterID string) ([]model.Reservation, error) {
	list, err := s.scanIndex(ctx, requesterPrefix+requesterID+":")
	if err != nil {
		return nil, err
	}
	sortByCreated(list)
	return list, nil
}

// Delete removes a record and its index entries. Deleting a missing record
// returns errors.ErrNotFound.
func (s *Store) Delete(ctx context.Context, reservationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		old, err := getTxn(txn, reservationID)
		if err != nil {
			return err
		}
		for _, k := range indexKeys(old) {
			if err := txn.Delete(k); err != nil {
				return fmt.Errorf("delete index: %w", err)
			}
		}
		if err := txn.Delete(recordKey(reservationID)); err != nil {
			return fmt.Errorf("delete reservation: %w", err)
		}
		return nil
	})
}

// List returns every record in the projection.
func (s *Store) List(ctx context.Context) ([]model.Reservation, error) {
	var list []model.Reservation
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if strings.HasPrefix(string(it.Item().Key()), indexPrefix) {
				continue
			}

			var r model.Reservation
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				return fmt.Errorf("unmarshal reservation: %w", err)
			}
			list = append(list, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	return list, nil
}

// scanIndex loads the records referenced by every index key under prefix.
func (s *Store) scanIndex(ctx context.Context, prefix string) ([]model.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var list []model.Reservation
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		var ids []string
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), prefix))
		}

		for _, reservationID := range ids {
			r, err := getTxn(txn, reservationID)
			if errors.Is(err, errors.ErrNotFound) {
				s.logger.Warn("dangling global index entry", "prefix", prefix, "reservation", reservationID)
				continue
			}
			if err != nil {
				return err
			}
			list = append(list, *r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan index: %w", err)
	}
	return list, nil
}

func getTxn(txn *badger.Txn, reservationID string) (*model.Reservation, error) {
	item, err := txn.Get(recordKey(reservationID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errors.NotFoundf("reservation %s not found", reservationID)
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}

	var r model.Reservation
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &r)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal reservation: %w", err)
	}
	return &r, nil
}

func recordKey(reservationID string) []byte {
	return []byte(recordPrefix + reservationID)
}

func indexKeys(r *model.Reservation) [][]byte {
	return [][]byte{
		fmt.Appendf(nil, "%s%s:%s", requesterPrefix, r.RequesterID, r.ID),
		fmt.Appendf(nil, "%s%s:%s:%s:%s", naturalPrefix, r.RequesterID, r.BookID, r.LibraryID, r.ID),
	}
}

func sortByCreated(list []model.Reservation) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
