// Package agent implements the Robot Agent process: a
// poll-claim-execute-heartbeat loop that runs on each robot, claiming
// jobs from the Job Queue whose required capabilities the robot
// satisfies and driving them through internal/engine.
//
// Grounded on buildkite-agent's AgentWorker (other_examples'
// agent_worker.go): a heartbeat goroutine and a separate claim-poll
// loop, both ticker-driven and selecting on ctx.Done(), with an
// idle/busy state machine and a stop channel closed exactly once.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casarerpa/core/internal/queue"
)

// Claimer is the slice of queue.Store an Agent needs, kept narrow so
// this package can be satisfied either by a direct queue.Store (single
// process deployments) or an HTTP client speaking to orchestratord.
type Claimer interface {
	Claim(ctx context.Context, robotID string, capabilities map[string]bool, leaseTTL time.Duration, at time.Time) (*queue.Job, error)
	Get(ctx context.Context, jobID string) (*queue.Job, error)
	RenewLease(ctx context.Context, jobID, robotID string, leaseTTL time.Duration, at time.Time) error
	RecordResult(ctx context.Context, jobID string, state queue.State, result []byte, jobErr *queue.JobError, at time.Time) error
}

// Heartbeater is the slice of fleet.Registry an Agent needs.
type Heartbeater interface {
	Heartbeat(robotID, name string, capabilities map[string]bool, maxConcurrentJobs int, environment, tenantScope string, currentJobCount int, at time.Time)
}

type agentState string

const (
	stateIdle agentState = "idle"
	stateBusy agentState = "busy"
)

// Config configures one Agent instance.
type Config struct {
	RobotID           string
	Name              string
	Capabilities      map[string]bool
	MaxConcurrentJobs int
	Environment       string
	TenantScope       string

	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	LeaseTTL          time.Duration
	LeaseRenewMargin  time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * time.Minute
	}
	if c.LeaseRenewMargin <= 0 {
		c.LeaseRenewMargin = 30 * time.Second
	}
	return c
}

// Agent runs the poll/claim/heartbeat loop for one robot process.
type Agent struct {
	cfg    Config
	claims Claimer
	beat   Heartbeater
	runner JobRunner
	log    *slog.Logger
	pids   *PIDTracker

	nowFunc func() time.Time

	stateMu      sync.Mutex
	state        agentState
	currentJobID string

	runningJobs sync.WaitGroup
	activeJobs  atomic.Int64

	stopOnce sync.Once
	stop     chan struct{}
}

// JobControl is a handle a JobRunner populates with pause/resume hooks
// for the engine instance it builds, so code outside the Run call (the
// agent's job-state watch loop) can act on a still-running job. A
// Pause/Resume call that arrives before set() (the watch loop and the
// runner start concurrently) is remembered in wantPaused and applied the
// moment the hooks are installed, so no request is lost to the race.
type JobControl struct {
	mu         sync.Mutex
	pause      func()
	resume     func()
	wantPaused bool
}

// set installs the pause/resume hooks. Called once by the runner after
// it builds its engine.
func (c *JobControl) set(pause, resume func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pause, c.resume = pause, resume
	if c.wantPaused && pause != nil {
		pause()
	}
}

// Pause invokes the installed pause hook, if one has been set yet.
func (c *JobControl) Pause() {
	c.mu.Lock()
	c.wantPaused = true
	fn := c.pause
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Resume invokes the installed resume hook, if one has been set yet.
func (c *JobControl) Resume() {
	c.mu.Lock()
	c.wantPaused = false
	fn := c.resume
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// JobRunner executes one claimed job to completion. Implemented by
// jobtask.go's EngineRunner in production and by fakes in tests. ctrl is
// populated by the runner with pause/resume hooks for the engine it
// builds; it is never nil.
type JobRunner interface {
	Run(ctx context.Context, job *queue.Job, ctrl *JobControl) ([]byte, *queue.JobError)
}

// New builds an Agent. log defaults to slog.Default() if nil.
func New(cfg Config, claims Claimer, beat Heartbeater, runner JobRunner, log *slog.Logger) *Agent {
	if log == nil {
		log = slog.Default()
	}
	return &Agent{
		cfg:     cfg.withDefaults(),
		claims:  claims,
		beat:    beat,
		runner:  runner,
		log:     log,
		pids:    NewPIDTracker(),
		nowFunc: time.Now,
		state:   stateIdle,
		stop:    make(chan struct{}),
	}
}

func (a *Agent) setBusy(jobID string) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.state = stateBusy
	a.currentJobID = jobID
}

func (a *Agent) setIdle() {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.state = stateIdle
	a.currentJobID = ""
}

// State reports whether the agent is currently running a job.
func (a *Agent) State() (agentState, string) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.state, a.currentJobID
}

// PIDs exposes the agent's child-process tracker so node plugins that
// spawn browser/desktop-automation processes can register them for
// orphan cleanup.
func (a *Agent) PIDs() *PIDTracker {
	return a.pids
}

// Run starts the heartbeat loop and the claim-poll loop, blocking until
// ctx is cancelled or Stop is called. In-flight jobs are allowed to
// drain before Run returns. Stop only interrupts the heartbeat/poll
// loops; an in-flight job keeps running against the original ctx so a
// graceful Stop doesn't abort work already underway.
func (a *Agent) Run(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.runHeartbeatLoop(loopCtx)
	}()
	go func() {
		defer wg.Done()
		a.runPollLoop(loopCtx, ctx)
	}()

	select {
	case <-loopCtx.Done():
	case <-a.stop:
		cancel()
	}
	wg.Wait()
	a.runningJobs.Wait()
}

// Stop signals Run to exit after any in-flight job drains.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
}

func (a *Agent) runHeartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	a.sendHeartbeat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sendHeartbeat()
		}
	}
}

func (a *Agent) sendHeartbeat() {
	a.beat.Heartbeat(
		a.cfg.RobotID, a.cfg.Name, a.cfg.Capabilities, a.cfg.MaxConcurrentJobs,
		a.cfg.Environment, a.cfg.TenantScope, int(a.activeJobs.Load()), a.nowFunc(),
	)
}

// runPollLoop selects work on loopCtx (cancelled by Stop or the caller)
// but hands jobCtx to claimed jobs, so a graceful Stop lets in-flight
// work finish against the caller's original, uninterrupted context.
func (a *Agent) runPollLoop(loopCtx, jobCtx context.Context) {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-loopCtx.Done():
			return
		case <-ticker.C:
			if int(a.activeJobs.Load()) >= max(a.cfg.MaxConcurrentJobs, 1) {
				continue
			}
			a.tryClaimAndRun(loopCtx, jobCtx)
		}
	}
}

func (a *Agent) tryClaimAndRun(loopCtx, jobCtx context.Context) {
	job, err := a.claims.Claim(loopCtx, a.cfg.RobotID, a.cfg.Capabilities, a.cfg.LeaseTTL, a.nowFunc())
	if err != nil {
		if err != queue.ErrNotFound {
			a.log.Error("claim failed", "error", err)
		}
		return
	}

	a.activeJobs.Add(1)
	a.setBusy(job.JobID)
	a.runningJobs.Add(1)
	go func() {
		defer a.runningJobs.Done()
		defer a.activeJobs.Add(-1)
		defer a.setIdle()
		a.runJob(jobCtx, job)
	}()
}

func (a *Agent) runJob(ctx context.Context, job *queue.Job) {
	renewCtx, stopRenew := context.WithCancel(ctx)
	defer stopRenew()
	go a.renewLeaseUntilDone(renewCtx, job.JobID)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var ctrl JobControl
	go a.watchJobState(renewCtx, job.JobID, cancelRun, &ctrl)

	result, jobErr := a.runner.Run(runCtx, job, &ctrl)
	a.pids.ReapJob(job.JobID, 5*time.Second, a.log)

	state := queue.StateSucceeded
	if jobErr != nil {
		switch jobErr.Kind {
		case "CANCELLED":
			state = queue.StateCancelled
		case "TIMEOUT":
			state = queue.StateTimedOut
		default:
			state = queue.StateFailed
		}
	}
	err := a.claims.RecordResult(ctx, job.JobID, state, result, jobErr, a.nowFunc())
	if err != nil && err != queue.ErrAlreadyTerminal {
		a.log.Error("record result failed", "job_id", job.JobID, "error", err)
	}
}

// watchJobState polls the queue-side state of a running job so a
// pause/resume/cancel issued through the queue store by another process
// (not something this agent itself initiated) reaches the running
// engine: a PAUSED row drives ctrl.Pause(), a transition back out of
// PAUSED drives ctrl.Resume(), and CANCELLED cancels the run's context.
func (a *Agent) watchJobState(ctx context.Context, jobID string, cancelRun context.CancelFunc, ctrl *JobControl) {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	paused := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j, err := a.claims.Get(ctx, jobID)
			if err != nil {
				continue
			}
			switch j.State {
			case queue.StatePaused:
				if !paused {
					paused = true
					ctrl.Pause()
				}
			case queue.StateCancelled:
				cancelRun()
				return
			default:
				if paused {
					paused = false
					ctrl.Resume()
				}
			}
		}
	}
}

func (a *Agent) renewLeaseUntilDone(ctx context.Context, jobID string) {
	interval := a.cfg.LeaseTTL - a.cfg.LeaseRenewMargin
	if interval <= 0 {
		interval = a.cfg.LeaseTTL / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.claims.RenewLease(ctx, jobID, a.cfg.RobotID, a.cfg.LeaseTTL, a.nowFunc()); err != nil {
				a.log.Error("renew lease failed", "job_id", jobID, "error", err)
			}
		}
	}
}
