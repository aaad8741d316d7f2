package queue

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// jobsChannel is the fixed LISTEN/NOTIFY channel name the queue uses to
// wake idle claim-pollers the instant a job is enqueued, avoiding a pure
// poll loop.
const jobsChannel = "casare_jobs"

// Notifier wakes blocked Wait callers when a new job is enqueued, using
// pgx's native LISTEN/NOTIFY support. channelHash derives a stable
// per-tenant channel suffix (hash input bytes into a fixed-width
// deterministic key) for when sharded notification is desired.
type Notifier struct {
	conn *pgx.Conn
	log  *slog.Logger
}

// NewNotifier opens a dedicated connection (LISTEN requires a connection
// not shared with the pool's transaction multiplexing) and starts
// listening on jobsChannel.
func NewNotifier(ctx context.Context, connString string, log *slog.Logger) (*Notifier, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("queue: notifier connect: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+jobsChannel); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("queue: listen: %w", err)
	}
	return &Notifier{conn: conn, log: log}, nil
}

// Close releases the dedicated listen connection.
func (n *Notifier) Close(ctx context.Context) {
	_ = n.conn.Close(ctx)
}

// Wait blocks until a notification arrives on jobsChannel or ctx is
// cancelled. Callers use this to avoid tight claim-polling: on wake they
// retry Store.Claim.
func (n *Notifier) Wait(ctx context.Context) error {
	_, err := n.conn.WaitForNotification(ctx)
	if err != nil {
		return fmt.Errorf("queue: wait for notification: %w", err)
	}
	return nil
}

// NotifyEnqueued publishes to jobsChannel, grounded on pgx's
// conn.Exec(ctx, "NOTIFY ..."). Called after Store.Enqueue commits so
// blocked Notifier.Wait callers retry their claim immediately.
func NotifyEnqueued(ctx context.Context, pool *pgxpool.Pool) {
	_, _ = pool.Exec(ctx, "NOTIFY "+jobsChannel)
}

// channelHash derives a stable fixed-width suffix from a tenant ID by
// hashing the input and reading the leading bytes as a uint64.
func channelHash(tenantID string) uint64 {
	h := sha256.Sum256([]byte(tenantID))
	return binary.BigEndian.Uint64(h[:8])
}
