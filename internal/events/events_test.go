package events

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erazemk/knjiznica/internal/model"
)

func TestPublish_FiltersByLibrary(t *testing.T) {
	bus := NewBus(nil, 4)
	defer bus.Close()

	a, err := bus.Subscribe("lib-a")
	require.NoError(t, err)
	all, err := bus.Subscribe("")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(Event{Type: ReservationCreated, LibraryID: "lib-b"}))
	require.NoError(t, bus.Publish(Event{Type: ReservationReady, LibraryID: "lib-a"}))

	ev := <-a.C
	assert.Equal(t, ReservationReady, ev.Type)
	assert.False(t, ev.At.IsZero())

	assert.Equal(t, ReservationCreated, (<-all.C).Type)
	assert.Equal(t, ReservationReady, (<-all.C).Type)
}

func TestPublish_DropsForSlowSubscriber(t *testing.T) {
	bus := NewBus(nil, 1)
	defer bus.Close()

	sub, err := bus.Subscribe("lib-a")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Publish(Event{Type: ReservationCreated, LibraryID: "lib-a"}))
	}
	assert.Len(t, sub.C, 1)
}

func TestCloseAndUnsubscribe(t *testing.T) {
	bus := NewBus(nil, 1)

	sub, err := bus.Subscribe("lib-a")
	require.NoError(t, err)
	assert.Equal(t, 1, bus.Subscribers())

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, bus.Subscribers())
	_, ok := <-sub.C
	assert.False(t, ok)

	bus.Close()
	assert.ErrorIs(t, bus.Publish(Event{Type: ReservationCreated}), ErrClosed)
	_, err = bus.Subscribe("lib-a")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestServeStream(t *testing.T) {
	bus := NewBus(nil, 4)
	defer bus.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bus.ServeStream(w, r, "lib-a")
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: heartbeat\n", line)

	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, bus.Publish(Event{
		Type:        ReservationReady,
		LibraryID:   "lib-a",
		Reservation: &model.Reservation{ID: "res-1"},
	}))

	for {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "event: reservation.ready") {
			break
		}
	}
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, `"id":"res-1"`)
}
