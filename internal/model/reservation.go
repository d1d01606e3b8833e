package model

import "time"

// Reservation is a requester's claim on one copy of one book.
//
// The same logical reservation is stored twice: once in the library-scoped
// projection read by staff and once in the global projection read by the
// requester portal. Display fields are snapshotted at creation time.
type Reservation struct {
	ID            string `json:"id"`
	LibraryID     string `json:"library_id"`
	RequesterID   string `json:"requester_id"`
	RequesterName string `json:"requester_name"`
	BookID        string `json:"book_id"`
	BookTitle     string `json:"book_title"`
	BookAuthor    string `json:"book_author,omitempty"`
	BookCoverURL  string `json:"book_cover_url,omitempty"`

	Status        string `json:"status"`
	Kind          string `json:"kind"`
	QueuePosition *int   `json:"queue_position,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ReadyAt     *time.Time `json:"ready_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	// Requesters already reminded about this reservation. Only populated on
	// staff-facing reads.
	NotifiedRequesterIDs []string `json:"notified_requester_ids,omitempty"`
}

// Reservation statuses.
const (
	ReservationPending   = "pending"
	ReservationReady     = "ready"
	ReservationCompleted = "completed"
	ReservationCancelled = "cancelled"
	ReservationExpired   = "expired"
)

// Reservation kinds. The kind records which admission path produced the
// reservation and never changes afterwards.
const (
	KindAvailable = "available"
	KindWaitlist  = "waitlist"
)

var transitions = map[string][]string{
	ReservationPending: {ReservationReady, ReservationCancelled, ReservationExpired},
	ReservationReady:   {ReservationCompleted, ReservationCancelled},
}

// CanTransition reports whether a reservation may move from one status to another.
func CanTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsActive reports whether status counts toward the one-active-claim rule.
func IsActive(status string) bool {
	return status == ReservationPending || status == ReservationReady
}

// ValidStatus reports whether status is a known reservation status.
func ValidStatus(status string) bool {
	switch status {
	case ReservationPending, ReservationReady, ReservationCompleted, ReservationCancelled, ReservationExpired:
		return true
	}
	return false
}

// Active reports whether the reservation is pending or ready.
func (r *Reservation) Active() bool {
	return IsActive(r.Status)
}

// Queued reports whether the reservation currently holds a waitlist position.
func (r *Reservation) Queued() bool {
	return r.Kind == KindWaitlist && r.Status == ReservationPending
}

// Apply sets the status and stamps its timestamp. Any status other than
// pending drops the queue position. Apply does not check the transition.
func (r *Reservation) Apply(to string, at time.Time) {
	at = at.UTC()
	r.Status = to
	switch to {
	case ReservationReady:
		r.ReadyAt = &at
	case ReservationCompleted:
		r.CompletedAt = &at
	case ReservationCancelled:
		r.CancelledAt = &at
	}
	if to != ReservationPending {
		r.QueuePosition = nil
	}
}

// Clone returns a deep copy of the reservation.
func (r *Reservation) Clone() *Reservation {
	c := *r
	if r.QueuePosition != nil {
		p := *r.QueuePosition
		c.QueuePosition = &p
	}
	c.ReadyAt = cloneTime(r.ReadyAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.CancelledAt = cloneTime(r.CancelledAt)
	if r.NotifiedRequesterIDs != nil {
		c.NotifiedRequesterIDs = append([]string(nil), r.NotifiedRequesterIDs...)
	}
	return &c
}

// SameState reports whether two copies of a reservation agree on status,
// queue position and timestamps. Display fields are not compared.
func (r *Reservation) SameState(o *Reservation) bool {
	if r.Status != o.Status || r.Kind != o.Kind {
		return false
	}
	if !equalInt(r.QueuePosition, o.QueuePosition) {
		return false
	}
	return r.CreatedAt.Equal(o.CreatedAt) &&
		equalTime(r.ReadyAt, o.ReadyAt) &&
		equalTime(r.CompletedAt, o.CompletedAt) &&
		equalTime(r.CancelledAt, o.CancelledAt)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func equalInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// QueueSnapshot is the state of one book's reservations read inside the
// admission transaction.
type QueueSnapshot struct {
	// Free is total copies minus active loans, read in the same transaction.
	Free int
	// Ready is the number of ready reservations holding a copy of the book.
	Ready int
	// Pending is the number of queued waitlist reservations for the book.
	Pending int
	// Active is the requester's existing pending or ready claim on the book.
	Active *Reservation
}
