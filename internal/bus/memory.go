package bus

import (
	"context"
	"sync"
)

// MemoryBus delivers notifications inside one process.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[string][]chan Message
	closed bool
}

// NewMemory builds an in-process bus.
func NewMemory() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]chan Message)}
}

// Publish delivers to every subscriber of the channel. Full subscriber
// buffers drop the message.
func (b *MemoryBus) Publish(_ context.Context, channel, payload string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	for _, sub := range b.subs[channel] {
		select {
		case sub <- Message{Channel: channel, Payload: payload}:
		default:
		}
	}

	return nil
}

// Subscribe registers for the given channels until ctx is cancelled.
func (b *MemoryBus) Subscribe(ctx context.Context, channels ...string) (<-chan Message, error) {
	if len(channels) == 0 {
		channels = []string{ChannelNewFeedData}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	out := make(chan Message, subscriberBuffer)
	for _, channel := range channels {
		b.subs[channel] = append(b.subs[channel], out)
	}

	go func() {
		<-ctx.Done()
		b.unsubscribe(out)
	}()

	return out, nil
}

func (b *MemoryBus) unsubscribe(out chan Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for channel, subs := range b.subs {
		kept := subs[:0]

		for _, sub := range subs {
			if sub != out {
				kept = append(kept, sub)
			}
		}

		b.subs[channel] = kept
	}
}

// Close drops every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	b.subs = make(map[string][]chan Message)

	return nil
}
