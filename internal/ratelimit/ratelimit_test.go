package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllow(t *testing.T) {
	tests := []struct {
		name     string
		rps      float64
		burst    int
		calls    int
		wantPass int
	}{
		{name: "burst allows initial requests", rps: 1, burst: 3, calls: 3, wantPass: 3},
		{name: "exceeding burst blocks", rps: 1, burst: 2, calls: 5, wantPass: 2},
		{name: "zero burst blocks everything", rps: 1, burst: 0, calls: 2, wantPass: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(tt.rps, tt.burst, 0)
			defer l.Stop()

			passed := 0
			for i := 0; i < tt.calls; i++ {
				if l.Allow("usr-a") {
					passed++
				}
			}
			assert.Equal(t, tt.wantPass, passed)
		})
	}
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l := New(1, 1, 0)
	defer l.Stop()

	assert.True(t, l.Allow("usr-a"))
	assert.False(t, l.Allow("usr-a"))
	assert.True(t, l.Allow("usr-b"))
	assert.Equal(t, 2, l.Len())
}

func TestRetryAfter(t *testing.T) {
	l := New(1, 1, 0)
	defer l.Stop()

	assert.Equal(t, time.Duration(0), l.RetryAfter("usr-a"))
	assert.True(t, l.Allow("usr-a"))
	d := l.RetryAfter("usr-a")
	assert.Greater(t, d, time.Duration(0))
	assert.LessOrEqual(t, d, time.Second)

	// Asking does not consume the token.
	assert.False(t, l.Allow("usr-a"))
}

func TestSweep_DropsIdleKeys(t *testing.T) {
	l := New(1, 1, time.Minute)
	defer l.Stop()

	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	l.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	l.Allow("usr-a")
	mu.Lock()
	now = now.Add(30 * time.Second)
	mu.Unlock()
	l.Allow("usr-b")

	mu.Lock()
	now = now.Add(45 * time.Second)
	mu.Unlock()
	l.sweep()

	assert.Equal(t, 1, l.Len())
	l.mu.Lock()
	_, kept := l.entries["usr-b"]
	l.mu.Unlock()
	assert.True(t, kept)
}

func TestStop_Idempotent(t *testing.T) {
	l := New(1, 1, 0)
	l.Stop()
	l.Stop()
}
