package realtime

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Backplane fans an already-local broadcast out to sibling broker instances,
// if any. A single-instance deployment needs nothing beyond LocalBackplane;
// none of spec.md's invariants depend on multi-instance fan-out existing.
type Backplane interface {
	// Publish notifies sibling instances that sessionId/event/payload was
	// broadcast locally, so they can relay it to their own connections.
	Publish(ctx context.Context, sessionID, event string, payload any) error
	// Subscribe registers fn to be called for every event published by a
	// sibling instance (never for this instance's own Publish calls).
	Subscribe(onRemoteEvent func(sessionID, event string, payload json.RawMessage))
	Close() error
}

// LocalBackplane is a no-op Backplane for single-instance deployments.
type LocalBackplane struct{}

func (LocalBackplane) Publish(context.Context, string, string, any) error { return nil }
func (LocalBackplane) Subscribe(func(string, string, json.RawMessage))    {}
func (LocalBackplane) Close() error                                      { return nil }

type remoteMessage struct {
	SessionID string          `json:"sessionId"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
}

// RedisBackplane fans out room broadcasts to sibling broker processes via a
// Redis Pub/Sub channel per session, so a load-balanced deployment (spec.md
// §1's external proxy collaborator implies more than one instance may run)
// relays events to clients connected to a different instance than the
// sender.
type RedisBackplane struct {
	client *redis.Client
	logger *logrus.Logger
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// NewRedisBackplane connects to addr and subscribes to every session
// channel via a pattern subscription.
func NewRedisBackplane(addr string, logger *logrus.Logger) (*RedisBackplane, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithCancel(context.Background())
	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		return nil, err
	}
	pubsub := client.PSubscribe(ctx, "session:*")
	return &RedisBackplane{client: client, logger: logger, pubsub: pubsub, cancel: cancel}, nil
}

func channelName(sessionID string) string {
	return "session:" + sessionID
}

// Publish publishes a broadcast for sibling instances to relay.
func (b *RedisBackplane) Publish(ctx context.Context, sessionID, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(remoteMessage{SessionID: sessionID, Event: event, Payload: data})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channelName(sessionID), msg).Err()
}

// Subscribe starts a goroutine delivering every message received on the
// pattern subscription to onRemoteEvent, until Close is called.
func (b *RedisBackplane) Subscribe(onRemoteEvent func(sessionID, event string, payload json.RawMessage)) {
	ch := b.pubsub.Channel()
	go func() {
		for msg := range ch {
			var rm remoteMessage
			if err := json.Unmarshal([]byte(msg.Payload), &rm); err != nil {
				b.logger.WithError(err).Warn("malformed redis backplane message")
				continue
			}
			onRemoteEvent(rm.SessionID, rm.Event, rm.Payload)
		}
	}()
}

// Close releases the subscription and client connection.
func (b *RedisBackplane) Close() error {
	b.cancel()
	b.pubsub.Close()
	return b.client.Close()
}
