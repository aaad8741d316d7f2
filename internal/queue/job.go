// Package queue implements the Job State Machine & Queue: PostgreSQL-
// backed job persistence, the SKIP LOCKED claim query, lease-expiry
// reclaim, capability-based claim eligibility, node-routing overrides,
// and per-tenant admission control.
//
// The Store interface follows a method-per-concern shape over a fixed
// Job row; the concrete SQL backend uses a connection-pool-setup +
// createTables + prepared-statement idiom on pgx/v5's native pgxpool.
package queue

import (
	"errors"
	"time"
)

// ErrNotFound is the store's not-found sentinel.
var ErrNotFound = errors.New("queue: not found")

// ErrAlreadyTerminal is returned by any state-mutating call against a job
// in a terminal state: terminal states are permanent.
var ErrAlreadyTerminal = errors.New("queue: job is in a terminal state")

// State is a Job's position in the state machine.
type State string

const (
	StateQueued    State = "QUEUED"
	StateClaimed   State = "CLAIMED"
	StateRunning   State = "RUNNING"
	StatePaused    State = "PAUSED"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
	StateTimedOut  State = "TIMED_OUT"
)

// Terminal reports whether state has no outgoing transitions.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled, StateTimedOut:
		return true
	default:
		return false
	}
}

// assignable reports whether state implies a non-null assigned-robot-id:
// true iff state is one of CLAIMED, RUNNING, PAUSED.
func (s State) assignable() bool {
	return s == StateClaimed || s == StateRunning || s == StatePaused
}

// JobError is the `error` field of a terminal Job: a kind plus message.
type JobError struct {
	Kind    string
	Message string
}

// Job is one unit of work.
type Job struct {
	JobID                string
	WorkflowID            string
	WorkflowBlob          []byte // inline workflow JSON, used when WorkflowID is empty
	Inputs                map[string]any
	Priority              int
	State                 State
	AssignedRobotID       *string
	LeaseExpiresAt        *time.Time
	ClaimedAt             *time.Time
	StartedAt             *time.Time
	FinishedAt            *time.Time
	AttemptCount          int
	MaxAttempts           int
	RequiredCapabilities  map[string]bool
	TenantID              string
	Result                []byte
	Error                 *JobError
	CreatedAt             time.Time
}
