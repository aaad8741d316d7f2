package queue

import (
	"context"
	"log/slog"
	"time"
)

// Reaper periodically calls Store.ReclaimExpired via a ticker-driven
// loop selecting on ctx.Done() alongside the ticker channel.
type Reaper struct {
	store    Store
	interval time.Duration
	log      *slog.Logger
}

// NewReaper builds a Reaper that sweeps store every interval.
func NewReaper(store Store, interval time.Duration, log *slog.Logger) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{store: store, interval: interval, log: log}
}

// Run blocks, sweeping on each tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	reclaimed, err := r.store.ReclaimExpired(ctx, time.Now())
	if err != nil {
		r.log.Error("reclaim expired leases failed", "error", err)
		return
	}
	if len(reclaimed) > 0 {
		r.log.Info("reclaimed expired leases", "count", len(reclaimed), "job_ids", reclaimed)
	}
}
