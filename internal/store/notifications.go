package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// MarkNotified records that a requester was reminded about a reservation.
// Marking the same pair again is a no-op. It reports whether a new entry was
// added.
func MarkNotified(ctx context.Context, db *sql.DB, reservationID, requesterID string, at time.Time) (bool, error) {
	res, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO reservation_notifications (reservation_id, requester_id, notified_at)
		 VALUES (?, ?, ?)`,
		reservationID, requesterID, at.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("marking notified: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// IsNotified reports whether a requester was already reminded about a reservation.
func IsNotified(ctx context.Context, db *sql.DB, reservationID, requesterID string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reservation_notifications WHERE reservation_id = ? AND requester_id = ?`,
		reservationID, requesterID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking notified: %w", err)
	}
	return n > 0, nil
}

// ListNotified returns the requesters reminded about a reservation.
func ListNotified(ctx context.Context, db *sql.DB, reservationID string) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT requester_id FROM reservation_notifications
		 WHERE reservation_id = ? ORDER BY notified_at, rowid`,
		reservationID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing notified: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var requesterID string
		if err := rows.Scan(&requesterID); err != nil {
			return nil, fmt.Errorf("scanning notified: %w", err)
		}
		ids = append(ids, requesterID)
	}
	return ids, rows.Err()
}

func notifiedByLibrary(ctx context.Context, db *sql.DB, libraryID string) (map[string][]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT n.reservation_id, n.requester_id
		 FROM reservation_notifications n
		 JOIN library_reservations r ON r.id = n.reservation_id
		 WHERE r.library_id = ?
		 ORDER BY n.notified_at, n.rowid`,
		libraryID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing library notifications: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var reservationID, requesterID string
		if err := rows.Scan(&reservationID, &requesterID); err != nil {
			return nil, fmt.Errorf("scanning library notification: %w", err)
		}
		out[reservationID] = append(out[reservationID], requesterID)
	}
	return out, rows.Err()
}
