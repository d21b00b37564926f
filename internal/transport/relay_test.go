package transport

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/collab"
	"collabtext/internal/crdt"
)

func TestRedisRelay_Channel(t *testing.T) {
	r := NewRedisRelay(nil, "collab", uuid.New(), quiet())
	id := uuid.New()
	assert.Equal(t, "collab:doc:"+id.String(), r.channel(id.String()))
	assert.Equal(t, "collab:doc:*", r.channel("*"))
}

func TestRedisRelay_DeliversToOtherProcess(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prefix := "collabtext-test-" + uuid.NewString()
	receiver := newReplica(t)
	docID := uuid.New()
	sess, err := receiver.sessions.Open(ctx, docID)
	require.NoError(t, err)

	go NewRedisRelay(client, prefix, uuid.New(), quiet()).Run(ctx, receiver.hub)

	author := uuid.New()
	entry, err := crdt.New().ApplyOperation(author, collab.Insert{Text: "relayed", UserID: author})
	require.NoError(t, err)

	sender := NewRedisRelay(client, prefix, uuid.New(), quiet())
	// Publishing repeats until the receiver's subscription is live; extra
	// copies are duplicates and change nothing.
	assert.Eventually(t, func() bool {
		if err := sender.Publish(ctx, docID, nil, []crdt.Operation{entry}); err != nil {
			return false
		}
		return sess.Content() == "relayed"
	}, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, uint64(1), sess.Version())
}
