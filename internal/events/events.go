// Package events fans reservation events out to connected staff clients.
// Delivery is best-effort: slow subscribers miss events rather than block
// the publisher.
package events

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/erazemk/knjiznica/internal/model"
)

// Type identifies a reservation event.
type Type string

// Event types.
const (
	ReservationCreated   Type = "reservation.created"
	ReservationReady     Type = "reservation.ready"
	ReservationCancelled Type = "reservation.cancelled"
	ReservationCompleted Type = "reservation.completed"
	ReservationExpired   Type = "reservation.expired"
	ReservationRemoved   Type = "reservation.removed"
	Heartbeat            Type = "heartbeat"
)

// Event is one notification for staff of a library.
type Event struct {
	Type        Type               `json:"type"`
	LibraryID   string             `json:"library_id"`
	Reservation *model.Reservation `json:"reservation,omitempty"`
	At          time.Time          `json:"at"`
}

// ErrClosed is returned by Publish after the bus is closed.
var ErrClosed = errors.New("event bus closed")

// Subscription receives events for one library.
type Subscription struct {
	C <-chan Event

	id        uint64
	libraryID string
	ch        chan Event
	bus       *Bus
	once      sync.Once
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.remove(s) })
}

// Bus distributes events to subscribers.
type Bus struct {
	logger *slog.Logger
	buffer int

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// NewBus creates a bus whose subscribers buffer up to buffer events.
func NewBus(logger *slog.Logger, buffer int) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{logger: logger, buffer: buffer, subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a subscriber. An empty libraryID receives events of all
// libraries.
func (b *Bus) Subscribe(libraryID string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	b.nextID++
	ch := make(chan Event, b.buffer)
	s := &Subscription{C: ch, id: b.nextID, libraryID: libraryID, ch: ch, bus: b}
	b.subs[s.id] = s
	return s, nil
}

// Publish delivers an event to every matching subscriber without blocking.
func (b *Bus) Publish(ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	for _, s := range b.subs {
		if s.libraryID != "" && s.libraryID != ev.LibraryID {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			b.logger.Warn("dropped event for slow subscriber",
				"subscriber", s.id,
				"type", string(ev.Type),
				"library", ev.LibraryID,
			)
		}
	}
	return nil
}

// Subscribers returns the number of attached subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close detaches all subscribers and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; !ok {
		return
	}
	delete(b.subs, s.id)
	close(s.ch)
}
