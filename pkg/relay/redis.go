package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

const redisPublishRetries = 2

// RedisChannel carries signal envelopes over a Redis pub/sub channel.
// Every subscribed process receives every published envelope, which is
// what lets any instance deliver to whichever process holds the target
// user's connection.
type RedisChannel struct {
	client *redis.Client
}

var _ Channel = (*RedisChannel)(nil)

// NewRedisChannel wraps an existing client. The caller keeps ownership
// of the client's lifecycle.
func NewRedisChannel(client *redis.Client) *RedisChannel {
	return &RedisChannel{client: client}
}

// Publish sends one envelope, retrying transient failures with
// exponential backoff before reporting the error.
func (c *RedisChannel) Publish(ctx context.Context, topic string, payload []byte) error {
	op := func() error {
		return c.client.Publish(ctx, topic, payload).Err()
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), redisPublishRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("redis publish to %q: %w", topic, err)
	}
	return nil
}

// Subscribe opens a pub/sub subscription and pumps messages until the
// connection fails or the subscription is closed. The subscribed event
// fires once the server has confirmed the subscription.
func (c *RedisChannel) Subscribe(ctx context.Context, topic string, onMessage func([]byte), onState func(ChannelEvent)) (Subscription, error) {
	ps := c.client.Subscribe(ctx, topic)

	// Receive blocks until redis confirms the subscription, so a
	// successful return means the channel is live.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe to %q: %w", topic, err)
	}

	sub := &redisSubscription{ps: ps}
	onState(ChannelSubscribed)

	go c.pump(sub, onMessage, onState)
	return sub, nil
}

func (c *RedisChannel) pump(sub *redisSubscription, onMessage func([]byte), onState func(ChannelEvent)) {
	for {
		msg, err := sub.ps.Receive(context.Background())
		if err != nil {
			if sub.closed.Load() {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				onState(ChannelTimedOut)
			} else {
				onState(ChannelErrored)
			}
			return
		}
		switch m := msg.(type) {
		case *redis.Message:
			onMessage([]byte(m.Payload))
		case *redis.Subscription:
			if m.Kind == "unsubscribe" && !sub.closed.Load() {
				onState(ChannelClosed)
				return
			}
		}
	}
}

type redisSubscription struct {
	ps     *redis.PubSub
	closed atomic.Bool
}

func (s *redisSubscription) Close() error {
	s.closed.Store(true)
	return s.ps.Close()
}
