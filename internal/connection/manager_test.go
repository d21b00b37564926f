package connection

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(cfg Config) (*Manager, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewManager(cfg,
		WithClock(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	return m, clock
}

func fail(t *testing.T, m *Manager, id string) {
	t.Helper()
	require.NoError(t, m.SetState(id, Connecting))
	require.NoError(t, m.SetState(id, ConnectionFailed))
}

func TestManager_UnseenPeer(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())

	assert.True(t, m.ShouldReconnect("peer-a"))
	assert.Empty(t, m.Peers(), "ShouldReconnect must not create entries")

	assert.Equal(t, Disconnected, m.State("peer-a"))
	assert.Len(t, m.Peers(), 1)
}

func TestManager_ExponentialBackoff(t *testing.T) {
	initial := 100 * time.Millisecond
	max := time.Second
	m, _ := newTestManager(Config{InitialBackoff: initial, MaxBackoff: max, MaxRetries: 20})

	assert.Equal(t, initial, m.Info("p").BackoffDuration)
	for k := 1; k <= 8; k++ {
		fail(t, m, "p")
		info := m.Info("p")

		want := initial << k
		if want > max {
			want = max
		}
		assert.Equal(t, want, info.BackoffDuration, "after %d failures", k)
		assert.Equal(t, k, info.RetryCount)
	}
}

func TestManager_ConnectedResets(t *testing.T) {
	m, clock := newTestManager(Config{InitialBackoff: time.Second, MaxBackoff: time.Minute, MaxRetries: 5})

	fail(t, m, "p")
	fail(t, m, "p")
	require.Equal(t, 2, m.Info("p").RetryCount)

	clock.Advance(10 * time.Second)
	require.NoError(t, m.SetState("p", Connecting))
	require.NoError(t, m.SetState("p", Connected))

	info := m.Info("p")
	assert.Equal(t, Connected, info.State)
	assert.Equal(t, 0, info.RetryCount)
	assert.Equal(t, time.Second, info.BackoffDuration)
	assert.Equal(t, clock.Now(), info.ConnectedAt)

	require.NoError(t, m.SetState("p", Reconnecting))
	require.NoError(t, m.SetState("p", ConnectionFailed))
	assert.Equal(t, 2*time.Second, m.Info("p").BackoffDuration)
}

func TestManager_ShouldReconnect(t *testing.T) {
	m, clock := newTestManager(Config{InitialBackoff: time.Second, MaxBackoff: time.Minute, MaxRetries: 2})

	fail(t, m, "p")
	info := m.Info("p")
	assert.Equal(t, clock.Now(), info.LastAttempt)
	assert.Equal(t, 2*time.Second, info.BackoffDuration)

	assert.False(t, m.ShouldReconnect("p"), "backoff has not elapsed")
	assert.Equal(t, 2*time.Second, m.RetryAfter("p"))

	clock.Advance(1500 * time.Millisecond)
	assert.False(t, m.ShouldReconnect("p"))
	assert.Equal(t, 500*time.Millisecond, m.RetryAfter("p"))

	clock.Advance(500 * time.Millisecond)
	assert.True(t, m.ShouldReconnect("p"))
	assert.Equal(t, time.Duration(0), m.RetryAfter("p"))
	assert.Equal(t, ConnectionFailed, m.State("p"), "ShouldReconnect is a pure query")

	fail(t, m, "p")
	clock.Advance(time.Hour)
	assert.False(t, m.ShouldReconnect("p"), "retries exhausted")
	assert.Equal(t, time.Duration(-1), m.RetryAfter("p"))

	m.Reset("p")
	assert.True(t, m.ShouldReconnect("p"))
}

func TestManager_NotFailedDoesNotRetry(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())

	require.NoError(t, m.SetState("p", Connecting))
	assert.False(t, m.ShouldReconnect("p"))

	require.NoError(t, m.SetState("p", Connected))
	assert.False(t, m.ShouldReconnect("p"))
}

func TestManager_Transitions(t *testing.T) {
	tests := []struct {
		path    []State
		wantErr bool
	}{
		{[]State{Connecting, Connected, Reconnecting, Connected}, false},
		{[]State{Connecting, ConnectionFailed, Connecting, Connected}, false},
		{[]State{Connecting, Connected, Disconnected}, false},
		{[]State{Connected}, true},
		{[]State{Reconnecting}, true},
		{[]State{Connecting, Connected, ConnectionFailed}, true},
		{[]State{Connecting, ConnectionFailed, Connected}, true},
	}

	for i, tt := range tests {
		t.Run(fmt.Sprint(tt.path), func(t *testing.T) {
			m, _ := newTestManager(DefaultConfig())
			id := fmt.Sprintf("peer-%d", i)
			var err error
			for _, s := range tt.path {
				if err = m.SetState(id, s); err != nil {
					break
				}
			}
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestManager_ConcurrentAccess(t *testing.T) {
	m, _ := newTestManager(Config{InitialBackoff: time.Millisecond, MaxBackoff: time.Second, MaxRetries: 1000})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := fmt.Sprintf("peer-%d", w%2)
			for i := 0; i < 100; i++ {
				_ = m.SetState(id, Connecting)
				_ = m.SetState(id, ConnectionFailed)
				_ = m.ShouldReconnect(id)
				info := m.Info(id)
				if info.State == ConnectionFailed {
					assert.Positive(t, info.RetryCount)
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, m.Peers(), 2)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "failed", ConnectionFailed.String())
	assert.Equal(t, "unknown", State(99).String())
}
