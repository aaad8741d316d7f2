package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store implementation used by unit tests
// and as a lightweight alternative to PostgresStore for single-process
// deployments. Claim replicates the same priority/age ordering and
// capability-subset filter as the SKIP LOCKED SQL query, just under a
// mutex instead of row locks.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (m *MemoryStore) Enqueue(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	if cp.State == "" {
		cp.State = StateQueued
	}
	if cp.MaxAttempts <= 0 {
		cp.MaxAttempts = 1
	}
	m.jobs[cp.JobID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, jobID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) UpdateState(_ context.Context, jobID string, newState State, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.State.Terminal() {
		return ErrAlreadyTerminal
	}
	j.State = newState
	if newState == StateRunning && j.StartedAt == nil {
		started := at
		j.StartedAt = &started
	}
	if newState.Terminal() {
		finished := at
		j.FinishedAt = &finished
		j.AssignedRobotID = nil
		j.LeaseExpiresAt = nil
	}
	return nil
}

// eligible reports whether job's required capabilities are a subset of
// capabilities and the job is currently claimable.
func eligible(job *Job, capabilities map[string]bool) bool {
	if job.State != StateQueued {
		return false
	}
	for cap := range job.RequiredCapabilities {
		if !capabilities[cap] {
			return false
		}
	}
	return true
}

func (m *MemoryStore) Claim(_ context.Context, robotID string, capabilities map[string]bool, leaseTTL time.Duration, at time.Time) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*Job
	for _, j := range m.jobs {
		if eligible(j, capabilities) {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNotFound
	}
	// (state, priority DESC, created_at ASC) -- the same ordering the
	// claim index covers.
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority > candidates[k].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
	})

	j := candidates[0]
	j.State = StateClaimed
	robot := robotID
	j.AssignedRobotID = &robot
	claimed := at
	j.ClaimedAt = &claimed
	lease := at.Add(leaseTTL)
	j.LeaseExpiresAt = &lease
	j.AttemptCount++

	cp := *j
	return &cp, nil
}

func (m *MemoryStore) RenewLease(_ context.Context, jobID, robotID string, leaseTTL time.Duration, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.AssignedRobotID == nil || *j.AssignedRobotID != robotID {
		return ErrNotFound
	}
	lease := at.Add(leaseTTL)
	j.LeaseExpiresAt = &lease
	return nil
}

func (m *MemoryStore) ReclaimExpired(_ context.Context, at time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var reclaimed []string
	for id, j := range m.jobs {
		if !j.State.assignable() {
			continue
		}
		if j.LeaseExpiresAt == nil || j.LeaseExpiresAt.After(at) {
			continue
		}
		if j.AttemptCount >= j.MaxAttempts {
			j.State = StateFailed
			j.Error = &JobError{Kind: "LEASE_EXPIRED", Message: "lease expired past max attempts"}
			finished := at
			j.FinishedAt = &finished
		} else {
			j.State = StateQueued
		}
		j.AssignedRobotID = nil
		j.LeaseExpiresAt = nil
		reclaimed = append(reclaimed, id)
	}
	sort.Strings(reclaimed)
	return reclaimed, nil
}

func (m *MemoryStore) Cancel(_ context.Context, jobID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.State.Terminal() {
		return ErrAlreadyTerminal
	}
	j.State = StateCancelled
	finished := at
	j.FinishedAt = &finished
	j.AssignedRobotID = nil
	j.LeaseExpiresAt = nil
	return nil
}

func (m *MemoryStore) RecordResult(_ context.Context, jobID string, state State, result []byte, jobErr *JobError, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.State.Terminal() {
		return ErrAlreadyTerminal
	}
	j.State = state
	j.Result = result
	j.Error = jobErr
	finished := at
	j.FinishedAt = &finished
	j.AssignedRobotID = nil
	j.LeaseExpiresAt = nil
	return nil
}

var _ Store = (*MemoryStore)(nil)
