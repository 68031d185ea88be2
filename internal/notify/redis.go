package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/contrata/internal/logging"
)

// DefaultChannel is the pub/sub channel notifications travel on.
const DefaultChannel = "contrata:notifications"

// RedisPublisher publishes notifications so the API process can push them
// to connected clients.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher creates a publisher on channel (DefaultChannel if empty).
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Deliver(ctx context.Context, n *Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, string(data)).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Relay forwards notifications published on a Redis channel to a local sink.
type Relay struct {
	client  *redis.Client
	channel string
	sink    Sink
}

// NewRelay creates a relay from channel (DefaultChannel if empty) to sink.
func NewRelay(client *redis.Client, channel string, sink Sink) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Relay{client: client, channel: channel, sink: sink}
}

// Run subscribes and forwards until ctx is cancelled. It returns once the
// subscription is confirmed so callers can publish right after.
func (r *Relay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	ch := pubsub.Channel()

	go func() {
		defer pubsub.Close()
		log := logging.L(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var n Notification
				if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
					log.Error("failed to decode relayed notification", "error", err)
					continue
				}
				if err := r.sink.Deliver(ctx, &n); err != nil {
					log.Warn("relayed notification not delivered", "user_id", n.UserID, "error", err)
				}
			}
		}
	}()
	return nil
}
