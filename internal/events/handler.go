package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// HeartbeatInterval is how often an idle stream receives a heartbeat.
var HeartbeatInterval = 30 * time.Second

// ServeStream streams events for libraryID to w as server-sent events until
// the client disconnects or the bus closes.
func (b *Bus) ServeStream(w http.ResponseWriter, r *http.Request, libraryID string) {
	if r.Context().Err() != nil {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	rc := http.NewResponseController(w)

	sub, err := b.Subscribe(libraryID)
	if err != nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()

	logger := b.logger.With("library", libraryID)

	if err := writeEvent(w, rc, Event{Type: Heartbeat, LibraryID: libraryID, At: time.Now().UTC()}); err != nil {
		logger.Warn("failed to open event stream", "error", err)
		return
	}

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeEvent(w, rc, ev); err != nil {
				logger.Info("event stream client disconnected")
				return
			}
		case <-ticker.C:
			if err := writeEvent(w, rc, Event{Type: Heartbeat, LibraryID: libraryID, At: time.Now().UTC()}); err != nil {
				logger.Info("event stream client disconnected")
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, rc *http.ResponseController, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	if err := rc.Flush(); err != nil {
		return err
	}
	if err := rc.SetWriteDeadline(time.Now().Add(2 * HeartbeatInterval)); err != nil {
		slog.Debug("failed to set write deadline", "error", err)
	}
	return nil
}
