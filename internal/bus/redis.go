package bus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis is a bus backed by Redis pub/sub.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a Redis bus on an existing client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// NewRedisClient builds a client from connection settings. A nil tlsConfig
// connects in plaintext.
func NewRedisClient(addr, password string, db int, tlsConfig *tls.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:      addr,
		Password:  password,
		DB:        db,
		TLSConfig: tlsConfig,
	})
}

// Ping checks that Redis is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (r *Redis) NewSubscription(ctx context.Context) Subscription {
	// Subscribe without channels does not hit the network; the connection
	// is established on the first channel subscription.
	return &redisSubscription{ps: r.client.Subscribe(ctx)}
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

type redisSubscription struct {
	ps *redis.PubSub
}

func (s *redisSubscription) Subscribe(ctx context.Context, channels ...string) error {
	if err := s.ps.Subscribe(ctx, channels...); err != nil {
		return fmt.Errorf("subscribe %v: %w", channels, err)
	}
	return nil
}

func (s *redisSubscription) Receive(ctx context.Context) (Message, error) {
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return Message{}, ErrClosed
		}
		return Message{}, err
	}
	return Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}, nil
}

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}
