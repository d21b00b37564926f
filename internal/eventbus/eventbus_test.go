package eventbus

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/collab"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustEvent(t *testing.T, name string) collab.Event {
	t.Helper()
	e, err := collab.NewEvent(collab.DomainCollaboration, name, map[string]string{"k": "v"})
	require.NoError(t, err)
	return e
}

func receive(t *testing.T, ch <-chan collab.Event) collab.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return collab.Event{}
}

func TestMemory_FilteredSubscriptions(t *testing.T) {
	bus := NewMemory(8, quiet())
	defer bus.Close()

	all, cancelAll := bus.Subscribe(Filter{})
	defer cancelAll()
	applied, cancelApplied := bus.Subscribe(Filter{
		Domain: collab.DomainCollaboration,
		Names:  []string{collab.EventOperationApplied},
	})
	defer cancelApplied()

	require.NoError(t, bus.Publish(mustEvent(t, collab.EventUserJoinedDocument)))
	require.NoError(t, bus.Publish(mustEvent(t, collab.EventOperationApplied)))

	assert.Equal(t, collab.EventUserJoinedDocument, receive(t, all).Name)
	assert.Equal(t, collab.EventOperationApplied, receive(t, all).Name)
	assert.Equal(t, collab.EventOperationApplied, receive(t, applied).Name)
	assert.Empty(t, applied)
}

func TestMemory_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewMemory(1, quiet())
	defer bus.Close()

	_, cancel := bus.Subscribe(Filter{})
	defer cancel()

	events := make([]collab.Event, 5)
	for i := range events {
		events[i] = mustEvent(t, collab.EventOperationApplied)
	}

	done := make(chan struct{})
	go func() {
		for _, e := range events {
			_ = bus.Publish(e)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
	assert.Equal(t, uint64(4), bus.Dropped())
}

func TestMemory_CancelAndClose(t *testing.T) {
	bus := NewMemory(4, quiet())

	ch, cancel := bus.Subscribe(Filter{})
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok, "cancel closes the channel")

	other, _ := bus.Subscribe(Filter{})
	bus.Close()
	_, ok = <-other
	assert.False(t, ok, "Close ends subscriptions")

	assert.ErrorIs(t, bus.Publish(mustEvent(t, "x")), ErrClosed)
}

func TestFilter_Match(t *testing.T) {
	e := collab.Event{Domain: "collaboration", Name: "OperationApplied"}
	assert.True(t, Filter{}.Match(e))
	assert.True(t, Filter{Domain: "collaboration"}.Match(e))
	assert.False(t, Filter{Domain: "finance"}.Match(e))
	assert.False(t, Filter{Names: []string{"ConflictDetected"}}.Match(e))
}

func TestRedisPublisher_UnreachableIsNonFatal(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	var logs bytes.Buffer
	pub := NewRedisPublisher(client, WithRedisLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	require.NoError(t, pub.Publish(mustEvent(t, collab.EventOperationApplied)))
	pub.Close()
	pub.Close()

	assert.Contains(t, logs.String(), "redis publish failed")
	assert.ErrorIs(t, pub.Publish(mustEvent(t, collab.EventOperationApplied)), ErrClosed)
}

func TestRedis_RoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prefix := "collabtext-test-" + uuid.NewString()
	self := uuid.New()

	sub := NewRedisSubscriber(client, WithChannelPrefix(prefix), WithOrigin(self), WithRedisLogger(quiet()))
	events, err := sub.Subscribe(ctx, collab.DomainCollaboration)
	require.NoError(t, err)

	own := NewRedisPublisher(client, WithChannelPrefix(prefix), WithOrigin(self), WithRedisLogger(quiet()))
	defer own.Close()
	peer := NewRedisPublisher(client, WithChannelPrefix(prefix), WithOrigin(uuid.New()), WithRedisLogger(quiet()))
	defer peer.Close()

	require.NoError(t, own.Publish(mustEvent(t, collab.EventUserJoinedDocument)))
	want := mustEvent(t, collab.EventOperationApplied)
	require.NoError(t, peer.Publish(want))

	got := receive(t, events)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, collab.EventOperationApplied, got.Name)
}
