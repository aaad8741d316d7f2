package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrQuotaExceeded is returned by QuotaHolder.TryAcquire when a tenant is
// already running its maximum concurrent jobs.
var ErrQuotaExceeded = errors.New("queue: tenant concurrent job quota exceeded")

// Tenant is a coarse admission-control scope (id, name, active flag,
// plus a per-tenant concurrency cap): tenant admission policy is
// pluggable, and MaxConcurrentJobs is the knob QuotaHolder enforces.
type Tenant struct {
	TenantID          string
	Name              string
	IsActive          bool
	MaxConcurrentJobs int
}

// QuotaHolder enforces a tenant's concurrent-job admission cap at job
// submission: the orchestrator API calls TryAcquire before Enqueue and
// rejects the submission when the tenant is at its cap. It is
// independent of Store; Store.Claim does not consult it, so a tenant's
// QUEUED jobs are not held back at claim time. Release is called once
// the job reaches a terminal state.
type QuotaHolder interface {
	// TryAcquire reserves one running slot for tenantID. Returns
	// ErrQuotaExceeded if the tenant is already at its cap.
	TryAcquire(ctx context.Context, tenantID string) error

	// Release frees one running slot for tenantID.
	Release(ctx context.Context, tenantID string)

	// SetLimit configures tenantID's concurrent-job cap. A limit of 0
	// means unlimited.
	SetLimit(tenantID string, maxConcurrentJobs int)
}

// MemoryQuotaHolder is an in-process QuotaHolder backed by per-tenant
// counters.
type MemoryQuotaHolder struct {
	mu       sync.Mutex
	limits   map[string]int
	inFlight map[string]int
}

func NewMemoryQuotaHolder() *MemoryQuotaHolder {
	return &MemoryQuotaHolder{
		limits:   make(map[string]int),
		inFlight: make(map[string]int),
	}
}

func (q *MemoryQuotaHolder) SetLimit(tenantID string, maxConcurrentJobs int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.limits[tenantID] = maxConcurrentJobs
}

func (q *MemoryQuotaHolder) TryAcquire(_ context.Context, tenantID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if tenantID == "" {
		return nil
	}
	limit := q.limits[tenantID]
	if limit <= 0 {
		q.inFlight[tenantID]++
		return nil
	}
	if q.inFlight[tenantID] >= limit {
		return ErrQuotaExceeded
	}
	q.inFlight[tenantID]++
	return nil
}

func (q *MemoryQuotaHolder) Release(_ context.Context, tenantID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if tenantID == "" {
		return
	}
	if q.inFlight[tenantID] > 0 {
		q.inFlight[tenantID]--
	}
}

var _ QuotaHolder = (*MemoryQuotaHolder)(nil)
