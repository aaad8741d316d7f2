package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Unix(1_700_000_000, 0)

func newJob(id string, priority int, createdAt time.Time, caps map[string]bool) *Job {
	return &Job{
		JobID:                id,
		WorkflowID:           "wf-1",
		Priority:             priority,
		State:                StateQueued,
		MaxAttempts:          3,
		RequiredCapabilities: caps,
		CreatedAt:            createdAt,
	}
}

func TestClaimPrefersHigherPriorityThenOlder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Enqueue(ctx, newJob("low", 0, fixedNow, nil)))
	require.NoError(t, store.Enqueue(ctx, newJob("high", 5, fixedNow.Add(time.Second), nil)))
	require.NoError(t, store.Enqueue(ctx, newJob("older-low", 0, fixedNow.Add(-time.Minute), nil)))

	claimed, err := store.Claim(ctx, "robot-1", nil, time.Minute, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, "high", claimed.JobID)

	claimed, err = store.Claim(ctx, "robot-1", nil, time.Minute, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, "older-low", claimed.JobID)
}

func TestClaimRequiresCapabilitySubset(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Enqueue(ctx, newJob("needs-gpu", 0, fixedNow, map[string]bool{"gpu": true})))

	_, err := store.Claim(ctx, "robot-1", map[string]bool{"browser": true}, time.Minute, fixedNow)
	assert.ErrorIs(t, err, ErrNotFound)

	claimed, err := store.Claim(ctx, "robot-1", map[string]bool{"gpu": true, "browser": true}, time.Minute, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, "needs-gpu", claimed.JobID)
}

func TestClaimSetsLeaseAndAssignment(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Enqueue(ctx, newJob("j1", 0, fixedNow, nil)))

	claimed, err := store.Claim(ctx, "robot-7", nil, 30*time.Second, fixedNow)
	require.NoError(t, err)
	require.NotNil(t, claimed.AssignedRobotID)
	assert.Equal(t, "robot-7", *claimed.AssignedRobotID)
	require.NotNil(t, claimed.LeaseExpiresAt)
	assert.Equal(t, fixedNow.Add(30*time.Second), *claimed.LeaseExpiresAt)
	assert.Equal(t, StateClaimed, claimed.State)
	assert.Equal(t, 1, claimed.AttemptCount)
}

func TestReclaimExpiredRequeuesUnderMaxAttempts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Enqueue(ctx, newJob("j1", 0, fixedNow, nil)))
	_, err := store.Claim(ctx, "robot-1", nil, time.Second, fixedNow)
	require.NoError(t, err)

	reclaimed, err := store.ReclaimExpired(ctx, fixedNow.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"j1"}, reclaimed)

	j, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, StateQueued, j.State)
	assert.Nil(t, j.AssignedRobotID)
}

func TestReclaimExpiredFailsAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	job := newJob("j1", 0, fixedNow, nil)
	job.MaxAttempts = 1
	require.NoError(t, store.Enqueue(ctx, job))
	_, err := store.Claim(ctx, "robot-1", nil, time.Second, fixedNow)
	require.NoError(t, err)

	reclaimed, err := store.ReclaimExpired(ctx, fixedNow.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"j1"}, reclaimed)

	j, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, j.State)
	require.NotNil(t, j.Error)
	assert.Equal(t, "LEASE_EXPIRED", j.Error.Kind)
}

func TestRenewLeaseRequiresOwningRobot(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Enqueue(ctx, newJob("j1", 0, fixedNow, nil)))
	_, err := store.Claim(ctx, "robot-1", nil, time.Minute, fixedNow)
	require.NoError(t, err)

	err = store.RenewLease(ctx, "j1", "robot-2", time.Minute, fixedNow.Add(time.Second))
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.RenewLease(ctx, "j1", "robot-1", time.Minute, fixedNow.Add(time.Second))
	require.NoError(t, err)
}

func TestRecordResultRefusesTerminalJob(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Enqueue(ctx, newJob("j1", 0, fixedNow, nil)))
	require.NoError(t, store.RecordResult(ctx, "j1", StateSucceeded, []byte(`{}`), nil, fixedNow))

	err := store.RecordResult(ctx, "j1", StateFailed, nil, &JobError{Kind: "X"}, fixedNow)
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestCancelRefusesTerminalJob(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Enqueue(ctx, newJob("j1", 0, fixedNow, nil)))
	require.NoError(t, store.Cancel(ctx, "j1", fixedNow))

	err := store.Cancel(ctx, "j1", fixedNow)
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestMemoryQuotaHolderEnforcesLimit(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQuotaHolder()
	q.SetLimit("tenant-a", 1)

	require.NoError(t, q.TryAcquire(ctx, "tenant-a"))
	err := q.TryAcquire(ctx, "tenant-a")
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	q.Release(ctx, "tenant-a")
	assert.NoError(t, q.TryAcquire(ctx, "tenant-a"))
}

func TestMemoryQuotaHolderUnlimitedByDefault(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQuotaHolder()
	for i := 0; i < 50; i++ {
		require.NoError(t, q.TryAcquire(ctx, "tenant-unbounded"))
	}
}

func TestOverrideStorePutAndGetSortedByNodeID(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryOverrideStore()
	disabled := true
	require.NoError(t, store.PutOverride(ctx, &NodeOverride{WorkflowID: "wf", NodeID: "z-node", Disabled: &disabled}))
	require.NoError(t, store.PutOverride(ctx, &NodeOverride{WorkflowID: "wf", NodeID: "a-node", Config: map[string]any{"x": 1.0}}))

	overrides, err := store.GetOverrides(ctx, "wf")
	require.NoError(t, err)
	require.Len(t, overrides, 2)
	assert.Equal(t, "a-node", overrides[0].NodeID)
	assert.Equal(t, "z-node", overrides[1].NodeID)
}

func TestOverrideStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryOverrideStore()
	require.NoError(t, store.PutOverride(ctx, &NodeOverride{WorkflowID: "wf", NodeID: "n1"}))
	require.NoError(t, store.DeleteOverride(ctx, "wf", "n1"))

	overrides, err := store.GetOverrides(ctx, "wf")
	require.NoError(t, err)
	assert.Empty(t, overrides)
}
