// Package engine implements the Workflow Execution Engine: a
// single-threaded graph stepper that walks a workflow's exec edges,
// resolves data edges from cached node outputs, and dispatches node
// plugins from the nodeplugin registry.
//
// The stepper uses a frontier-queue model (one goroutine per job at the
// caller level, context.Context for cancel/timeout) over a fixed
// ExecutionContext, with node-typed exec-out ports
// (exec_true/exec_false/exec_loop_body/...) rather than a single linear
// successor per node.
package engine

import (
	"context"
	"time"

	"github.com/casarerpa/core/internal/engine/emit"
	"github.com/casarerpa/core/internal/errs"
	"github.com/casarerpa/core/internal/telemetry"
	"github.com/casarerpa/core/internal/workflow"
	"github.com/casarerpa/core/pkg/nodeplugin"
)

// Status is the workflow-level terminal outcome.
type Status string

const (
	StatusWorkflowSuccess   Status = "SUCCESS"
	StatusWorkflowError     Status = "ERROR"
	StatusWorkflowCancelled Status = "CANCELLED"
	StatusWorkflowTimedOut  Status = "TIMED_OUT"
)

// Result is what Run returns: the terminal status, an optional error
// record, and the final variables snapshot.
type Result struct {
	Status    Status
	Err       error
	Variables map[string]any
	Steps     int
}

// frame tracks liveness of a try-block's body subgraph so the engine can
// detect when the body has run out of work and re-enter the owning
// TryNode for its second visit. TryNode has no
// explicit "end of body" marker node, unlike RetryNode (which is closed
// by an explicit RetrySuccessNode/RetryFailNode), so liveness counting
// is how this engine resolves that ambiguity -- see DESIGN.md.
type frame struct {
	ownerNodeID string
	parent      *frame
	live        int
}

type workItem struct {
	nodeID  string
	frame   *frame
	revisit bool
}

// Engine executes exactly one workflow run.
type Engine struct {
	wf       *workflow.Workflow
	graph    *workflow.ExecGraph
	registry *nodeplugin.Registry
	ctx      *ExecutionContext

	metrics     *telemetry.Metrics
	sink        emit.Sink
	costTracker *CostTracker

	maxSteps      int
	nodeTimeout   time.Duration
	cleanupBudget time.Duration

	// abortedFrame is set by handleNodeFailure when an error is captured
	// by an active try-block, signaling Run to discard the aborted
	// body's other pending siblings instead of executing dead branches.
	abortedFrame *frame
}

// Option configures an Engine, following the standard functional
// options pattern.
type Option func(*Engine)

func WithMaxSteps(n int) Option {
	return func(e *Engine) { e.maxSteps = n }
}

func WithNodeTimeout(d time.Duration) Option {
	return func(e *Engine) { e.nodeTimeout = d }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithCleanupBudget(d time.Duration) Option {
	return func(e *Engine) { e.cleanupBudget = d }
}

// WithCostTracker attaches a CostTracker that accumulates LLM token cost
// for every plugin node output carrying the llm_model/llm_input_tokens/
// llm_output_tokens convention keys.
func WithCostTracker(ct *CostTracker) Option {
	return func(e *Engine) { e.costTracker = ct }
}

// New builds an Engine for one run of wf, dispatching plugin nodes
// through registry and writing events to execCtx's sink.
func New(wf *workflow.Workflow, graph *workflow.ExecGraph, registry *nodeplugin.Registry, execCtx *ExecutionContext, opts ...Option) *Engine {
	e := &Engine{
		wf:            wf,
		graph:         graph,
		registry:      registry,
		ctx:           execCtx,
		sink:          execCtx.sink,
		maxSteps:      0,
		nodeTimeout:   workflow.DefaultNodeTimeout,
		cleanupBudget: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the workflow to completion, respecting ctx for
// cancellation and an overall wall-clock deadline if wf.Settings sets
// one.
func (e *Engine) Run(ctx context.Context) Result {
	startID, ok := workflow.StartNodeID(e.wf)
	if !ok {
		return Result{Status: StatusWorkflowError, Err: errs.New(errs.KindValidation, "no StartNode found")}
	}

	if e.wf.Settings.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(e.wf.Settings.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	e.emitWorkflow(emit.WorkflowStarted, nil)

	queue := []workItem{{nodeID: startID}}
	steps := 0
	var terminal Status
	var terminalErr error

stepping:
	for len(queue) > 0 {
		if e.maxSteps > 0 && steps >= e.maxSteps {
			terminal, terminalErr = StatusWorkflowError, errs.New(errs.KindInternal, "max steps exceeded")
			break
		}

		item := queue[0]
		queue = queue[1:]
		steps++

		e.ctx.pause.WaitIfPaused(ctx.Done())

		select {
		case <-ctx.Done():
			terminal = e.statusForCtxErr(ctx.Err())
			terminalErr = ctx.Err()
			break stepping
		default:
		}

		nextItems, deferFrame, stepErr := e.step(ctx, item)
		if stepErr != nil {
			terminal, terminalErr = StatusWorkflowError, stepErr
			break stepping
		}

		if e.abortedFrame != nil {
			aborted := e.abortedFrame
			e.abortedFrame = nil
			filtered := queue[:0]
			for _, q := range queue {
				if !isDescendantFrame(q.frame, aborted) {
					filtered = append(filtered, q)
				}
			}
			queue = filtered
		}

		queue = append(queue, nextItems...)

		if item.frame != nil && !deferFrame {
			e.resolveFrameSlot(item.frame, &queue)
		}
	}

	if terminal == "" {
		terminal = StatusWorkflowSuccess
	}

	e.runCleanup()

	switch terminal {
	case StatusWorkflowSuccess:
		e.emitWorkflow(emit.WorkflowCompleted, e.costPayload(nil))
	case StatusWorkflowCancelled:
		e.emitWorkflow(emit.WorkflowCancelled, nil)
	default:
		e.emitWorkflow(emit.WorkflowFailed, e.costPayload(map[string]any{"error": errString(terminalErr)}))
	}

	return Result{Status: terminal, Err: terminalErr, Variables: e.ctx.Variables(), Steps: steps}
}

// Pause requests that the running engine suspend before its next node.
// It is safe to call from a goroutine other than the one driving Run,
// and emits WorkflowPaused exactly once per transition into the paused
// state.
func (e *Engine) Pause() {
	if e.ctx.pause.Pause() {
		e.emitWorkflow(emit.WorkflowPaused, nil)
	}
}

// Resume releases a paused engine, letting Run proceed past its next
// WaitIfPaused checkpoint, and emits WorkflowResumed exactly once per
// transition out of the paused state.
func (e *Engine) Resume() {
	if e.ctx.pause.Resume() {
		e.emitWorkflow(emit.WorkflowResumed, nil)
	}
}

// costPayload folds the job's accumulated LLM cost into payload (creating
// one if nil) when a CostTracker is attached; it returns payload
// unchanged otherwise.
func (e *Engine) costPayload(payload map[string]any) map[string]any {
	if e.costTracker == nil {
		return payload
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["total_cost"] = e.costTracker.GetTotalCost()
	payload["cost_by_model"] = e.costTracker.GetCostByModel()
	return payload
}

func (e *Engine) statusForCtxErr(err error) Status {
	if err == context.DeadlineExceeded {
		return StatusWorkflowTimedOut
	}
	return StatusWorkflowCancelled
}

func timeNow() time.Time { return time.Now() }

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (e *Engine) emitWorkflow(t emit.Type, payload map[string]any) {
	if e.sink == nil {
		return
	}
	e.sink.Emit(emit.Event{Type: t, JobID: e.ctx.jobID, Timestamp: timeNow(), Payload: payload})
}

// resolveFrameSlot decrements f's live counter for one resolved item and,
// if the frame has drained, enqueues the owning TryNode's revisit.
func (e *Engine) resolveFrameSlot(f *frame, queue *[]workItem) {
	f.live--
	if f.live <= 0 {
		*queue = append(*queue, workItem{nodeID: f.ownerNodeID, frame: f.parent, revisit: true})
	}
}
