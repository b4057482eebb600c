package pgqueue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Listener subscribes to a single Postgres NOTIFY channel and wakes callers
// blocked on Wait whenever a notification arrives. One Listener holds one
// dedicated connection for the lifetime of the subscription.
type Listener struct {
	pool    *pgxpool.Pool
	channel string
	logger  *slog.Logger

	wake chan struct{}
}

// NewListener creates a Listener for channel, which must already be a valid
// queue name (the channel name equals the queue name).
func NewListener(pool *pgxpool.Pool, channel string, logger *slog.Logger) (*Listener, error) {
	if err := validateName(channel); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		pool:    pool,
		channel: channel,
		logger:  logger,
		wake:    make(chan struct{}, 1),
	}, nil
}

// Run holds a LISTEN connection open until ctx is canceled, reconnecting on
// transient failures. Each received notification signals Wake (non-blocking,
// coalesced — a burst of notifications between two polls should only ever
// cause one extra wake-up).
func (l *Listener) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		if err := l.listenOnce(ctx); err != nil {
			l.logger.Warn("listen connection lost, retrying", "channel", l.channel, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
	}
}

func (l *Listener) listenOnce(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", l.channel)); err != nil {
		return fmt.Errorf("listen %q: %w", l.channel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
}

// Wake returns the channel that receives one value per coalesced burst of
// notifications. Callers select on it alongside a poll-interval timer and a
// shutdown signal.
func (l *Listener) Wake() <-chan struct{} {
	return l.wake
}
