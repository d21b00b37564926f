package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"collabtext/internal/collab"
)

// ErrQueueFull is returned by RedisPublisher.Publish when the outbound queue
// is saturated.
var ErrQueueFull = errors.New("redis publish queue full")

// DefaultChannelPrefix prefixes every Redis channel used for events.
const DefaultChannelPrefix = "collabtext"

// Channel returns the Redis channel carrying events of domain.
func Channel(prefix, domain string) string {
	return prefix + ":" + domain
}

// wireEvent is the Redis message body. Origin lets a process recognize and
// skip its own events when it also subscribes.
type wireEvent struct {
	Origin uuid.UUID    `json:"origin"`
	Event  collab.Event `json:"event"`
}

// RedisPublisher publishes events on Redis pub/sub. Publish only enqueues;
// a worker goroutine performs the network round trips.
type RedisPublisher struct {
	client  *redis.Client
	prefix  string
	origin  uuid.UUID
	logger  *slog.Logger
	timeout time.Duration

	queue chan collab.Event
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// RedisOption configures a RedisPublisher or RedisSubscriber.
type RedisOption func(*redisOptions)

type redisOptions struct {
	prefix  string
	origin  uuid.UUID
	logger  *slog.Logger
	queue   int
	timeout time.Duration
}

// WithChannelPrefix overrides DefaultChannelPrefix.
func WithChannelPrefix(prefix string) RedisOption {
	return func(o *redisOptions) { o.prefix = prefix }
}

// WithOrigin sets the id stamped on published events and skipped by a
// subscriber sharing it.
func WithOrigin(origin uuid.UUID) RedisOption {
	return func(o *redisOptions) { o.origin = origin }
}

// WithRedisLogger sets the logger.
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(o *redisOptions) { o.logger = logger }
}

// WithQueueSize sets the outbound queue length.
func WithQueueSize(n int) RedisOption {
	return func(o *redisOptions) { o.queue = n }
}

func buildRedisOptions(opts []RedisOption) redisOptions {
	o := redisOptions{
		prefix:  DefaultChannelPrefix,
		logger:  slog.Default(),
		queue:   1024,
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewRedisPublisher starts a publisher on client. Call Close to stop it.
func NewRedisPublisher(client *redis.Client, opts ...RedisOption) *RedisPublisher {
	o := buildRedisOptions(opts)
	p := &RedisPublisher{
		client:  client,
		prefix:  o.prefix,
		origin:  o.origin,
		logger:  o.logger,
		timeout: o.timeout,
		queue:   make(chan collab.Event, o.queue),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish enqueues event for delivery.
func (p *RedisPublisher) Publish(event collab.Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- event:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *RedisPublisher) run() {
	defer close(p.done)
	for event := range p.queue {
		if err := p.send(event); err != nil {
			p.logger.Warn("redis publish failed", "event", event.Name, "error", err)
		}
	}
}

func (p *RedisPublisher) send(event collab.Event) error {
	body, err := json.Marshal(wireEvent{Origin: p.origin, Event: event})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	channel := Channel(p.prefix, event.Domain)
	if err := p.client.Publish(ctx, channel, body).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Close stops accepting events and waits until queued ones have been sent
// or have failed.
func (p *RedisPublisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	<-p.done
}

// RedisSubscriber turns Redis pub/sub messages back into events.
type RedisSubscriber struct {
	client *redis.Client
	prefix string
	origin uuid.UUID
	logger *slog.Logger
}

// NewRedisSubscriber creates a subscriber on client.
func NewRedisSubscriber(client *redis.Client, opts ...RedisOption) *RedisSubscriber {
	o := buildRedisOptions(opts)
	return &RedisSubscriber{client: client, prefix: o.prefix, origin: o.origin, logger: o.logger}
}

// Subscribe streams events of domain until ctx is done. Events stamped with
// this subscriber's own origin are skipped.
func (s *RedisSubscriber) Subscribe(ctx context.Context, domain string) (<-chan collab.Event, error) {
	channel := Channel(s.prefix, domain)
	pubsub := s.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	out := make(chan collab.Event)
	go func() {
		defer close(out)
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var w wireEvent
				if err := json.Unmarshal([]byte(msg.Payload), &w); err != nil {
					s.logger.Warn("dropping undecodable event", "channel", msg.Channel, "error", err)
					continue
				}
				if s.origin != uuid.Nil && w.Origin == s.origin {
					continue
				}
				select {
				case out <- w.Event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
