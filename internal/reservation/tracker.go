package reservation

import (
	"context"

	domainerrors "github.com/erazemk/knjiznica/internal/errors"
)

// Tracker remembers which requesters were already reminded about a
// reservation. It plays no part in allocation.
type Tracker struct {
	store NotificationStore
}

// NewTracker returns a Tracker over store.
func NewTracker(store NotificationStore) *Tracker {
	return &Tracker{store: store}
}

// Mark adds requesterID to the reminded set. Adding a present ID is a no-op
// and reports false.
func (t *Tracker) Mark(ctx context.Context, reservationID, requesterID string) (bool, error) {
	if reservationID == "" || requesterID == "" {
		return false, domainerrors.Validation("reservation and requester are required")
	}
	added, err := t.store.MarkNotified(ctx, reservationID, requesterID)
	if err != nil {
		return false, domainerrors.Wrap(err, domainerrors.CodeInternal, "recording notification")
	}
	return added, nil
}

// IsNotified reports whether requesterID is in the reminded set.
func (t *Tracker) IsNotified(ctx context.Context, reservationID, requesterID string) (bool, error) {
	ok, err := t.store.IsNotified(ctx, reservationID, requesterID)
	if err != nil {
		return false, domainerrors.Wrap(err, domainerrors.CodeInternal, "reading notifications")
	}
	return ok, nil
}

// List returns the reminded set in the order entries were added.
func (t *Tracker) List(ctx context.Context, reservationID string) ([]string, error) {
	ids, err := t.store.ListNotified(ctx, reservationID)
	if err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeInternal, "reading notifications")
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}
