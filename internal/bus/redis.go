package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus signals through Redis pub/sub for deployments that already
// run Redis next to the coordinator.
type RedisBus struct {
	client *redis.Client

	mu     sync.Mutex
	closed bool
}

// NewRedis builds a pub/sub bus over the given address.
func NewRedis(addr string) *RedisBus {
	return &RedisBus{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// Publish sends the payload to the channel.
func (b *RedisBus) Publish(ctx context.Context, channel, payload string) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()

	if closed {
		return ErrClosed
	}

	pubErr := b.client.Publish(ctx, channel, payload).Err()
	if pubErr != nil {
		return fmt.Errorf("redis publish %s: %w", channel, pubErr)
	}

	return nil
}

// Subscribe forwards pub/sub messages until ctx is cancelled.
func (b *RedisBus) Subscribe(ctx context.Context, channels ...string) (<-chan Message, error) {
	if len(channels) == 0 {
		channels = []string{ChannelNewFeedData}
	}

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()

	if closed {
		return nil, ErrClosed
	}

	sub := b.client.Subscribe(ctx, channels...)

	// Forces the SUBSCRIBE round trip so a dead Redis fails here.
	_, recvErr := sub.Receive(ctx)
	if recvErr != nil {
		_ = sub.Close()

		return nil, fmt.Errorf("redis subscribe: %w", recvErr)
	}

	out := make(chan Message, subscriberBuffer)

	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()

		in := sub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}

				select {
				case out <- Message{Channel: msg.Channel, Payload: msg.Payload}:
				default:
				}
			}
		}
	}()

	return out, nil
}

// Close shuts the underlying client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true

	return b.client.Close()
}
