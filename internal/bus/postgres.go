package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// reconnectDelay paces listener reconnects after a dropped connection.
const reconnectDelay = 2 * time.Second

// PostgresBus signals through LISTEN/NOTIFY on the store database, so
// deployments need no broker beyond Postgres itself.
type PostgresBus struct {
	dsn    string
	logger *slog.Logger

	mu      sync.Mutex
	pubConn *pgx.Conn
	closed  bool
}

// NewPostgres builds a LISTEN/NOTIFY bus over the given DSN. Connections
// are opened lazily; a bad DSN surfaces on first use.
func NewPostgres(dsn string, logger *slog.Logger) *PostgresBus {
	return &PostgresBus{dsn: dsn, logger: logger}
}

// Publish sends pg_notify on a pooled publisher connection. A failed
// connection is dropped and redialed on the next call.
func (b *PostgresBus) Publish(ctx context.Context, channel, payload string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	if b.pubConn == nil {
		conn, err := pgx.Connect(ctx, b.dsn)
		if err != nil {
			return fmt.Errorf("connect notify publisher: %w", err)
		}

		b.pubConn = conn
	}

	_, execErr := b.pubConn.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	if execErr != nil {
		_ = b.pubConn.Close(context.Background())
		b.pubConn = nil

		return fmt.Errorf("pg_notify %s: %w", channel, execErr)
	}

	return nil
}

// Subscribe opens a dedicated listener connection per subscription and
// forwards notifications until ctx is cancelled. Dropped connections
// are redialed; notifications sent while disconnected are lost, which
// the wake-on-signal-or-timeout consumers tolerate.
func (b *PostgresBus) Subscribe(ctx context.Context, channels ...string) (<-chan Message, error) {
	if len(channels) == 0 {
		channels = []string{ChannelNewFeedData}
	}

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()

	if closed {
		return nil, ErrClosed
	}

	out := make(chan Message, subscriberBuffer)

	go b.listenLoop(ctx, channels, out)

	return out, nil
}

func (b *PostgresBus) listenLoop(ctx context.Context, channels []string, out chan<- Message) {
	defer close(out)

	for ctx.Err() == nil {
		err := b.listenOnce(ctx, channels, out)
		if err == nil || ctx.Err() != nil {
			return
		}

		b.logger.WarnContext(ctx, "notify listener dropped, reconnecting",
			"channels", channels, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (b *PostgresBus) listenOnce(ctx context.Context, channels []string, out chan<- Message) error {
	conn, err := pgx.Connect(ctx, b.dsn)
	if err != nil {
		return fmt.Errorf("connect listener: %w", err)
	}

	defer func() { _ = conn.Close(context.Background()) }()

	for _, channel := range channels {
		_, listenErr := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
		if listenErr != nil {
			return fmt.Errorf("listen %s: %w", channel, listenErr)
		}
	}

	for {
		notification, waitErr := conn.WaitForNotification(ctx)
		if waitErr != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("wait for notification: %w", waitErr)
		}

		select {
		case out <- Message{Channel: notification.Channel, Payload: notification.Payload}:
		default:
		}
	}
}

// Close shuts the publisher connection; listener connections close when
// their subscribe contexts cancel.
func (b *PostgresBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true

	if b.pubConn != nil {
		_ = b.pubConn.Close(context.Background())
		b.pubConn = nil
	}

	return nil
}
