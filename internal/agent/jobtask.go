package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/casarerpa/core/internal/credential"
	"github.com/casarerpa/core/internal/engine"
	"github.com/casarerpa/core/internal/engine/emit"
	"github.com/casarerpa/core/internal/queue"
	"github.com/casarerpa/core/internal/telemetry"
	"github.com/casarerpa/core/internal/workflow"
	"github.com/casarerpa/core/pkg/nodeplugin"
)

// EngineRunner adapts internal/engine.Engine into the agent.JobRunner
// interface: one per-job instantiation of a workflow graph, execution
// context, and engine. A fresh Engine is built for every Run and never
// reused across jobs.
type EngineRunner struct {
	Registry    *nodeplugin.Registry
	Resolver    *credential.Resolver
	Metrics     *telemetry.Metrics
	Buses       *emit.Registry
	RobotID     string
	NodeTimeout time.Duration
}

// Run parses job's workflow, builds a fresh engine, and drives it to
// completion. The returned bytes are the JSON-encoded final variables
// snapshot; a non-nil *queue.JobError means the run failed or was
// cancelled/timed out. ctrl is populated with the new engine's
// Pause/Resume methods before Run starts stepping, so a concurrent
// caller can drive them while this call is still in progress.
func (r *EngineRunner) Run(ctx context.Context, job *queue.Job, ctrl *JobControl) ([]byte, *queue.JobError) {
	wf, err := workflow.Load(job.WorkflowBlob)
	if err != nil {
		return nil, &queue.JobError{Kind: "VALIDATION", Message: fmt.Sprintf("load workflow: %v", err)}
	}
	if err := workflow.CheckInvariants(wf); err != nil {
		return nil, &queue.JobError{Kind: "VALIDATION", Message: fmt.Sprintf("invalid workflow: %v", err)}
	}

	graph := workflow.BuildExecGraph(wf)
	bus := r.Buses.Get(job.JobID)
	defer r.Buses.Release(job.JobID)
	execCtx := engine.NewExecutionContext(job.JobID, r.RobotID, job.Inputs, bus, r.Resolver)

	costTracker := engine.NewCostTracker(job.JobID, "USD")
	opts := []engine.Option{engine.WithCostTracker(costTracker)}
	if r.NodeTimeout > 0 {
		opts = append(opts, engine.WithNodeTimeout(r.NodeTimeout))
	}
	if r.Metrics != nil {
		opts = append(opts, engine.WithMetrics(r.Metrics))
	}

	e := engine.New(wf, graph, r.Registry, execCtx, opts...)
	ctrl.set(e.Pause, e.Resume)
	result := e.Run(ctx)

	variables, marshalErr := json.Marshal(result.Variables)
	if marshalErr != nil {
		variables = []byte("{}")
	}

	switch result.Status {
	case engine.StatusWorkflowSuccess:
		return variables, nil
	case engine.StatusWorkflowCancelled:
		return variables, &queue.JobError{Kind: "CANCELLED", Message: "job was cancelled"}
	case engine.StatusWorkflowTimedOut:
		return variables, &queue.JobError{Kind: "TIMEOUT", Message: "workflow exceeded its time budget"}
	default:
		msg := "workflow failed"
		if result.Err != nil {
			msg = result.Err.Error()
		}
		return variables, &queue.JobError{Kind: "NODE_EXECUTION", Message: msg}
	}
}

var _ JobRunner = (*EngineRunner)(nil)
