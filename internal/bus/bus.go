// Package bus is the cross-worker event channel: the ingest worker
// announces fresh feed data, the dispatcher and scorer wake on it.
// Three drivers exist: Postgres LISTEN/NOTIFY (the default, no extra
// infrastructure next to the store), Redis pub/sub, and an in-process
// driver for tests and single-binary runs.
package bus

import (
	"context"
	"errors"
)

// ChannelNewFeedData announces freshly ingested feed records.
const ChannelNewFeedData = "new_feed_data"

// ChannelScoreComplete announces a finished score cycle.
const ChannelScoreComplete = "score_complete"

var (
	// ErrClosed indicates use of a bus after Close.
	ErrClosed = errors.New("bus: closed")

	// ErrUnknownDriver indicates an unrecognized driver name in config.
	ErrUnknownDriver = errors.New("bus: unknown driver")
)

// Message is one delivered notification.
type Message struct {
	Channel string
	Payload string
}

// Bus publishes and subscribes to named channels. Subscriptions live
// until the subscribe context is cancelled or the bus closes; delivery
// is best effort, a slow subscriber drops messages rather than blocking
// the publisher.
type Bus interface {
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channels ...string) (<-chan Message, error)
	Close() error
}

// subscriberBuffer sizes subscription channels. Signals are wake-ups,
// not data; a small buffer absorbs bursts.
const subscriberBuffer = 16
