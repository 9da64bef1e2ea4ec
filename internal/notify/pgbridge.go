package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/starfariii/coinflip1/internal/coinflip"
)

const (
	DefaultChannel   = "coinflip_events"
	reconnectInitial = 250 * time.Millisecond
	reconnectMax     = 10 * time.Second
)

// PGBridge carries events between processes sharing one database. Publish
// sends a NOTIFY; Run listens on the same channel and feeds the local hub,
// so every api replica sees events produced by the worker and its peers.
type PGBridge struct {
	pool    *pgxpool.Pool
	channel string
	hub     *Hub
	log     *slog.Logger
}

func NewPGBridge(pool *pgxpool.Pool, channel string, hub *Hub, logger *slog.Logger) *PGBridge {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PGBridge{pool: pool, channel: channel, hub: hub, log: logger}
}

var _ coinflip.Notifier = (*PGBridge)(nil)

func (b *PGBridge) Publish(ctx context.Context, ev coinflip.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := b.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, b.channel, string(payload)); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

// Run blocks until ctx is done, reconnecting with backoff when the
// listening connection drops.
func (b *PGBridge) Run(ctx context.Context) error {
	delay := reconnectInitial
	for {
		err := b.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		b.log.Warn("event listener disconnected", "channel", b.channel, "err", err, "retry_in", delay)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		if delay < reconnectMax {
			delay *= 2
		}
	}
}

func (b *PGBridge) listen(ctx context.Context) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		// A listening session must not go back to the pool.
		_ = conn.Conn().Close(context.Background())
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{b.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	b.log.Info("listening for match events", "channel", b.channel)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var ev coinflip.Event
		if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
			b.log.Warn("discarding malformed event", "channel", n.Channel, "err", err)
			continue
		}
		_ = b.hub.Publish(ctx, ev)
	}
}
