package queue

import (
	"context"
	"time"
)

// Store is the Job Queue's persistence contract: a method-per-concern
// interface over the fixed Job row shape.
type Store interface {
	// Enqueue inserts a new job in QUEUED state.
	Enqueue(ctx context.Context, job *Job) error

	// Get retrieves a job by ID. Returns ErrNotFound if absent.
	Get(ctx context.Context, jobID string) (*Job, error)

	// UpdateState transitions a job to newState, refusing the call if
	// the current state is terminal.
	UpdateState(ctx context.Context, jobID string, newState State, at time.Time) error

	// Claim atomically selects and locks the highest-priority, oldest
	// QUEUED job whose required capabilities are a subset of
	// capabilities, moving it to CLAIMED and stamping a lease. Returns
	// ErrNotFound if no eligible job exists.
	Claim(ctx context.Context, robotID string, capabilities map[string]bool, leaseTTL time.Duration, at time.Time) (*Job, error)

	// RenewLease extends a CLAIMED/RUNNING/PAUSED job's lease, refusing
	// the call if robotID doesn't hold the current assignment.
	RenewLease(ctx context.Context, jobID, robotID string, leaseTTL time.Duration, at time.Time) error

	// ReclaimExpired returns every job whose lease has expired to
	// QUEUED (attempt-count is not changed here; the Claim that took
	// the lease already incremented it) or to FAILED with
	// LEASE_EXPIRED if attempt-count has reached max-attempts. It
	// returns the IDs it acted on.
	ReclaimExpired(ctx context.Context, at time.Time) ([]string, error)

	// Cancel moves a non-terminal job to CANCELLED.
	Cancel(ctx context.Context, jobID string, at time.Time) error

	// RecordResult stamps a terminal state with its result/error payload
	// and finished-at timestamp.
	RecordResult(ctx context.Context, jobID string, state State, result []byte, jobErr *JobError, at time.Time) error
}
