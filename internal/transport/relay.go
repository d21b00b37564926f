package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"collabtext/internal/crdt"
)

// RedisRelay fans replica entries out to every server process through Redis
// pub/sub, one channel per document.
type RedisRelay struct {
	client *redis.Client
	prefix string
	origin uuid.UUID
	logger *slog.Logger
}

type relayFrame struct {
	Origin        uuid.UUID          `json:"origin"`
	VersionVector crdt.VersionVector `json:"version_vector,omitempty"`
	Operations    []crdt.Operation   `json:"operations"`
}

// NewRedisRelay creates a relay. origin identifies this process so it can
// ignore its own frames.
func NewRedisRelay(client *redis.Client, prefix string, origin uuid.UUID, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{client: client, prefix: prefix, origin: origin, logger: logger}
}

func (r *RedisRelay) channel(docID string) string {
	return r.prefix + ":doc:" + docID
}

// Publish sends entries of docID to the other processes.
func (r *RedisRelay) Publish(ctx context.Context, docID uuid.UUID, base crdt.VersionVector, entries []crdt.Operation) error {
	data, err := json.Marshal(relayFrame{Origin: r.origin, VersionVector: base, Operations: entries})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel(docID.String()), data).Err()
}

// Run delivers frames from other processes to hub until ctx is done.
func (r *RedisRelay) Run(ctx context.Context, hub *Hub) error {
	pubsub := r.client.PSubscribe(ctx, r.channel("*"))
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to relay: %w", err)
	}

	prefix := r.channel("")
	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			docID, err := uuid.Parse(strings.TrimPrefix(msg.Channel, prefix))
			if err != nil {
				r.logger.Warn("relay frame on unexpected channel", "channel", msg.Channel)
				continue
			}
			var frame relayFrame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				r.logger.Warn("dropping undecodable relay frame", "channel", msg.Channel, "error", err)
				continue
			}
			if frame.Origin == r.origin {
				continue
			}
			hub.Deliver(docID, frame.VersionVector, frame.Operations)
		}
	}
}
