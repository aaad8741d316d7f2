package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/casarerpa/core/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClaimer struct {
	mu      sync.Mutex
	jobs    []*queue.Job
	renewed int32
	results []queue.State
	states  map[string]*queue.Job
}

func (f *fakeClaimer) Claim(_ context.Context, _ string, _ map[string]bool, leaseTTL time.Duration, at time.Time) (*queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobs) == 0 {
		return nil, queue.ErrNotFound
	}
	job := f.jobs[0]
	f.jobs = f.jobs[1:]
	lease := at.Add(leaseTTL)
	job.LeaseExpiresAt = &lease
	return job, nil
}

func (f *fakeClaimer) Get(_ context.Context, jobID string) (*queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.states[jobID]; ok {
		cp := *j
		return &cp, nil
	}
	return &queue.Job{JobID: jobID, State: queue.StateRunning}, nil
}

func (f *fakeClaimer) RenewLease(_ context.Context, _, _ string, _ time.Duration, _ time.Time) error {
	atomic.AddInt32(&f.renewed, 1)
	return nil
}

func (f *fakeClaimer) RecordResult(_ context.Context, _ string, state queue.State, _ []byte, _ *queue.JobError, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, state)
	return nil
}

func (f *fakeClaimer) setState(jobID string, state queue.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.states == nil {
		f.states = make(map[string]*queue.Job)
	}
	f.states[jobID] = &queue.Job{JobID: jobID, State: state}
}

type fakeHeartbeater struct {
	count atomic.Int32
}

func (f *fakeHeartbeater) Heartbeat(string, string, map[string]bool, int, string, string, int, time.Time) {
	f.count.Add(1)
}

type fakeRunner struct {
	delay time.Duration

	mu        sync.Mutex
	paused    int32
	resumed   int32
	sawCancel bool
}

func (f *fakeRunner) Run(ctx context.Context, job *queue.Job, ctrl *JobControl) ([]byte, *queue.JobError) {
	ctrl.set(
		func() { atomic.AddInt32(&f.paused, 1) },
		func() { atomic.AddInt32(&f.resumed, 1) },
	)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			f.mu.Lock()
			f.sawCancel = true
			f.mu.Unlock()
			return []byte(`{}`), &queue.JobError{Kind: "CANCELLED", Message: "job was cancelled"}
		}
	}
	return []byte(`{}`), nil
}

func TestAgentClaimsAndRunsJobToSuccess(t *testing.T) {
	claimer := &fakeClaimer{jobs: []*queue.Job{{JobID: "j1", State: queue.StateQueued}}}
	beat := &fakeHeartbeater{}
	runner := &fakeRunner{}

	a := New(Config{
		RobotID:           "robot-1",
		MaxConcurrentJobs: 1,
		HeartbeatInterval: 20 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		LeaseTTL:          time.Minute,
	}, claimer, beat, runner, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	a.Run(ctx)

	claimer.mu.Lock()
	defer claimer.mu.Unlock()
	require.Len(t, claimer.results, 1)
	assert.Equal(t, queue.StateSucceeded, claimer.results[0])
	assert.True(t, beat.count.Load() > 0)
}

func TestAgentRespectsMaxConcurrentJobs(t *testing.T) {
	claimer := &fakeClaimer{jobs: []*queue.Job{
		{JobID: "j1", State: queue.StateQueued},
		{JobID: "j2", State: queue.StateQueued},
	}}
	beat := &fakeHeartbeater{}
	runner := &fakeRunner{delay: 200 * time.Millisecond}

	a := New(Config{
		RobotID:           "robot-1",
		MaxConcurrentJobs: 1,
		HeartbeatInterval: time.Hour,
		PollInterval:      5 * time.Millisecond,
		LeaseTTL:          time.Minute,
	}, claimer, beat, runner, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	a.Run(ctx)

	claimer.mu.Lock()
	defer claimer.mu.Unlock()
	assert.LessOrEqual(t, len(claimer.jobs), 1)
}

func TestAgentStopDrainsInFlightJob(t *testing.T) {
	claimer := &fakeClaimer{jobs: []*queue.Job{{JobID: "j1", State: queue.StateQueued}}}
	beat := &fakeHeartbeater{}
	runner := &fakeRunner{delay: 50 * time.Millisecond}

	a := New(Config{
		RobotID:           "robot-1",
		MaxConcurrentJobs: 1,
		HeartbeatInterval: time.Hour,
		PollInterval:      5 * time.Millisecond,
		LeaseTTL:          time.Minute,
	}, claimer, beat, runner, nil)

	done := make(chan struct{})
	go func() {
		a.Run(context.Background())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	a.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}

	claimer.mu.Lock()
	defer claimer.mu.Unlock()
	require.Len(t, claimer.results, 1)
}

func TestAgentDeliversCancelToRunningJob(t *testing.T) {
	claimer := &fakeClaimer{jobs: []*queue.Job{{JobID: "j1", State: queue.StateQueued}}}
	beat := &fakeHeartbeater{}
	runner := &fakeRunner{delay: time.Second}

	a := New(Config{
		RobotID:           "robot-1",
		MaxConcurrentJobs: 1,
		HeartbeatInterval: time.Hour,
		PollInterval:      5 * time.Millisecond,
		LeaseTTL:          time.Minute,
	}, claimer, beat, runner, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	claimer.setState("j1", queue.StateCancelled)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after job was cancelled")
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.True(t, runner.sawCancel, "running job's context should have been cancelled")
}

func TestAgentPauseResumeDriveEngineHooks(t *testing.T) {
	claimer := &fakeClaimer{jobs: []*queue.Job{{JobID: "j1", State: queue.StateQueued}}}
	beat := &fakeHeartbeater{}
	runner := &fakeRunner{delay: 120 * time.Millisecond}

	a := New(Config{
		RobotID:           "robot-1",
		MaxConcurrentJobs: 1,
		HeartbeatInterval: time.Hour,
		PollInterval:      5 * time.Millisecond,
		LeaseTTL:          time.Minute,
	}, claimer, beat, runner, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	time.Sleep(15 * time.Millisecond)
	claimer.setState("j1", queue.StatePaused)
	time.Sleep(30 * time.Millisecond)
	claimer.setState("j1", queue.StateRunning)

	<-done

	assert.True(t, atomic.LoadInt32(&runner.paused) > 0, "expected ctrl.Pause() to have been invoked")
	assert.True(t, atomic.LoadInt32(&runner.resumed) > 0, "expected ctrl.Resume() to have been invoked")
}
