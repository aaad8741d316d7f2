package engine

import (
	"context"
	"time"

	"github.com/casarerpa/core/internal/engine/emit"
	"github.com/casarerpa/core/internal/errs"
	"github.com/casarerpa/core/internal/workflow"
	"github.com/casarerpa/core/pkg/nodeplugin"
)

// controlNodeTypes are handled directly by the stepper instead of being
// dispatched through the nodeplugin registry, because their semantics
// require direct manipulation of the try/retry stacks that the narrow
// nodeplugin.Node contract doesn't expose. LoopNode and ForEachNode are
// NOT in this set: their graph role as a legal back-edge target is
// handled entirely at load-time validation, and their execution logic
// is ordinary opaque plugin business logic dispatched through the
// registry like any other node.
var controlNodeTypes = map[string]bool{
	"StartNode":        true,
	"EndNode":          true,
	"TryNode":          true,
	"RetryNode":        true,
	"RetrySuccessNode": true,
	"RetryFailNode":    true,
}

// controlNodeOutputs lists the data-port names a disabled control node
// would bypass to, so step 5 (bypass) behaves sanely even for a node
// type that is rarely disabled in authored workflows.
var controlNodeOutputs = map[string][]string{
	"TryNode":   {"error_message", "error_type"},
	"RetryNode": {"attempt"},
}

// step runs exactly one frontier-queue item following the engine's
// numbered traversal algorithm and returns its exec-out successors.
// deferFrame is true when the item's parent frame slot must stay open
// pending a later revisit: a TryNode's first visit, and a failure
// captured by an active try-block (whose aborted body frame is dropped).
func (e *Engine) step(ctx context.Context, item workItem) (next []workItem, deferFrame bool, err error) {
	node, ok := e.wf.Nodes[item.nodeID]
	if !ok {
		return nil, false, errs.New(errs.KindInternal, "unknown node id "+item.nodeID)
	}

	if item.revisit {
		return e.stepTryRevisit(item, node)
	}

	inputs := e.resolveInputs(&node)

	if node.Disabled() {
		outputNames := e.bypassOutputNames(node.NodeType)
		data := bypassNode(&node, outputNames, inputs, e.sink, e.ctx.jobID)
		e.ctx.CacheOutputs(node.ID, data)
		return nil, false, nil
	}

	switch node.NodeType {
	case "StartNode":
		e.ctx.currentNodeID = node.ID
		return e.routeExec(node.ID, "exec_out", item.frame), false, nil

	case "EndNode":
		e.ctx.currentNodeID = node.ID
		e.sinkEmit(emit.Event{Type: emit.NodeCompleted, NodeID: node.ID})
		return nil, false, nil

	case "TryNode":
		return e.stepTryEnter(item, node)

	case "RetryNode":
		return e.stepRetryEnter(item, node)

	case "RetrySuccessNode":
		return e.stepRetrySuccess(item)

	case "RetryFailNode":
		return e.stepRetryFail(ctx, item)

	default:
		return e.stepPluginNode(ctx, item, node, inputs)
	}
}

func (e *Engine) bypassOutputNames(nodeType string) map[string]bool {
	out := map[string]bool{}
	if names, ok := controlNodeOutputs[nodeType]; ok {
		for _, n := range names {
			out[n] = true
		}
		return out
	}
	if e.registry.Has(nodeType) {
		plugin, err := e.registry.New(nodeType, nil)
		if err == nil {
			for _, p := range plugin.DefinePorts().Outputs {
				out[p.Name] = true
			}
		}
	}
	return out
}

// resolveInputs implements step 4: for each input port with a data
// edge, read the source node's cached output; otherwise fall back to
// the node's literal config/binding default.
func (e *Engine) resolveInputs(node *workflow.Node) map[string]any {
	inputs := make(map[string]any)
	for port, def := range node.InputPortBindings {
		inputs[port] = def
	}
	for port := range node.Config {
		if _, exists := inputs[port]; !exists {
			inputs[port] = node.Config[port]
		}
	}
	for _, conn := range e.wf.Connections {
		if conn.IsExec() || conn.TargetNode != node.ID {
			continue
		}
		if v, ok := e.ctx.CachedOutput(conn.SourceNode, conn.SourcePort); ok {
			inputs[conn.TargetPort] = v
		}
	}
	return inputs
}

// routeExec enqueues the exec-out targets of nodeID/port in declaration
// order, tagged with frame, incrementing frame's liveness for each.
func (e *Engine) routeExec(nodeID, port string, fr *frame) []workItem {
	edges := e.graph.OutEdgesForPort(nodeID, port)
	items := make([]workItem, 0, len(edges))
	for _, c := range edges {
		items = append(items, workItem{nodeID: c.TargetNode, frame: fr})
		if fr != nil {
			fr.live++
		}
	}
	return items
}

func (e *Engine) stepPluginNode(ctx context.Context, item workItem, node workflow.Node, inputs map[string]any) ([]workItem, bool, error) {
	e.ctx.currentNodeID = node.ID
	start := time.Now()
	e.sinkEmit(emit.Event{Type: emit.NodeStarted, NodeID: node.ID})

	plugin, perr := e.registry.New(node.NodeType, node.Config)
	if perr != nil {
		return e.handleNodeFailure(node.ID, errs.Wrap(errs.KindValidation, "node construction failed", perr), "VALIDATION", item.frame)
	}
	if valid, reason := plugin.Validate(node.Config); !valid {
		return e.handleNodeFailure(node.ID, errs.New(errs.KindValidation, "node config invalid: "+reason).WithNode(node.ID), "VALIDATION", item.frame)
	}

	result, runErr := e.runWithTimeout(ctx, node.ID, func(runCtx context.Context) nodePluginOutcome {
		r := plugin.Execute(runCtx, e.ctx, inputs)
		return nodePluginOutcome{result: r}
	})

	latency := time.Since(start)
	if e.metrics != nil {
		status := "success"
		if runErr != nil || !result.Success {
			status = "error"
		}
		e.metrics.RecordNodeExecution(node.NodeType, latency, status)
	}

	if runErr != nil {
		kind := "NODE_EXECUTION"
		if runErr == context.DeadlineExceeded {
			kind = "TIMEOUT"
		}
		e.sinkEmit(emit.Event{Type: emit.NodeError, NodeID: node.ID, Payload: map[string]any{"error": runErr.Error()}})
		return e.handleNodeFailure(node.ID, errs.Wrap(errs.KindNodeExecution, "node execution failed", runErr).WithNode(node.ID), kind, item.frame)
	}

	if !result.Success {
		e.sinkEmit(emit.Event{Type: emit.NodeError, NodeID: node.ID, Payload: map[string]any{"error": errString(result.Err)}})
		return e.handleNodeFailure(node.ID, errs.Wrap(errs.KindNodeExecution, "node reported failure", result.Err).WithNode(node.ID), "NODE_EXECUTION", item.frame)
	}

	e.ctx.CacheOutputs(node.ID, result.Data)
	e.recordLLMCost(node.ID, result.Data)
	e.sinkEmit(emit.Event{Type: emit.NodeCompleted, NodeID: node.ID, Payload: map[string]any{"duration_ms": latency.Milliseconds()}})

	var nextItems []workItem
	for _, port := range result.NextOut {
		nextItems = append(nextItems, e.routeExec(node.ID, port, item.frame)...)
	}
	return nextItems, false, nil
}

// handleNodeFailure implements step 9: if a try-block is active,
// capture the error on it and revisit the owning TryNode instead of
// propagating a workflow-terminal error.
func (e *Engine) handleNodeFailure(nodeID string, nodeErr error, kind string, callerFrame *frame) ([]workItem, bool, error) {
	if _, active := e.ctx.catchActive(); !active {
		return nil, false, nodeErr
	}
	captured, _ := e.ctx.captureError(nodeErr, kind)
	e.abortedFrame = captured.bodyFrame
	e.ctx.pendingTryOutcomes[captured.tryNodeID] = captured
	revisit := workItem{nodeID: captured.tryNodeID, frame: captured.bodyFrame.parent, revisit: true}
	return []workItem{revisit}, true, nil
}

func intConfig(cfg map[string]any, key string, def int) int {
	v, ok := cfg[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return def
	}
}

func floatConfig(cfg map[string]any, key string, def float64) float64 {
	v, ok := cfg[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return def
	}
}

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// isDescendantFrame reports whether f is ancestor itself or nested
// (directly or transitively) inside ancestor's try-body.
func isDescendantFrame(f, ancestor *frame) bool {
	for cur := f; cur != nil; cur = cur.parent {
		if cur == ancestor {
			return true
		}
	}
	return false
}

// stepTryEnter implements a TryNode's first visit: push
// a try-stack frame, open a new liveness frame for the body, and route
// to exec_try_body. The TryNode's own slot in its caller's frame stays
// open (deferFrame=true) until the body drains and schedules a
// revisit.
func (e *Engine) stepTryEnter(item workItem, node workflow.Node) ([]workItem, bool, error) {
	e.ctx.currentNodeID = node.ID
	e.sinkEmit(emit.Event{Type: emit.NodeStarted, NodeID: node.ID})

	body := &frame{ownerNodeID: node.ID, parent: item.frame}
	e.ctx.pushTry(node.ID, body)

	items := e.routeExec(node.ID, "exec_try_body", body)
	if len(items) == 0 {
		// Empty try-body: nothing to wait on, revisit immediately.
		items = []workItem{{nodeID: node.ID, frame: item.frame, revisit: true}}
	}
	return items, true, nil
}

// stepTryRevisit implements a TryNode's second visit: pop its own
// try-stack entry (it may already have been popped by handleNodeFailure
// on the error path, in which case ctx.tryStack's top belongs to an
// unrelated, outer try and must not be touched) and route to
// exec_success or exec_catch depending on whether an error was
// captured.
func (e *Engine) stepTryRevisit(item workItem, node workflow.Node) ([]workItem, bool, error) {
	port := "exec_success"
	var payload map[string]any

	if tf, ok := e.findCompletedTry(node.ID); ok {
		port = "exec_catch"
		payload = map[string]any{"error_message": tf.capturedErr.Error(), "error_type": tf.capturedKind}
		e.ctx.CacheOutputs(node.ID, payload)
	} else {
		// Body drained without error: this TryNode's own try-stack entry
		// is still open (only the error path pops it early) and must be
		// discarded now to keep nesting discipline correct.
		e.ctx.popTry()
	}

	e.sinkEmit(emit.Event{Type: emit.NodeCompleted, NodeID: node.ID, Payload: payload})
	return e.routeExec(node.ID, port, item.frame), false, nil
}

// findCompletedTry returns and removes the error outcome that
// handleNodeFailure recorded for tryNodeID (the error path, which has
// already popped the try-stack entry); ok is false when the body drained
// without error. The engine keeps at most one pending outcome per
// TryNode at a time since a node is never concurrently re-entered in
// this single-threaded stepper.
func (e *Engine) findCompletedTry(tryNodeID string) (tryFrame, bool) {
	tf, ok := e.ctx.pendingTryOutcomes[tryNodeID]
	if ok {
		delete(e.ctx.pendingTryOutcomes, tryNodeID)
	}
	return tf, ok
}

func (e *Engine) stepRetryEnter(item workItem, node workflow.Node) ([]workItem, bool, error) {
	e.ctx.currentNodeID = node.ID
	maxAttempts := intConfig(node.Config, "max_attempts", 3)
	initialDelay := floatConfig(node.Config, "initial_delay", 1.0)
	backoffFactor := floatConfig(node.Config, "backoff_factor", 2.0)
	maxDelay := floatConfig(node.Config, "max_delay", 30.0)

	e.ctx.pushRetry(node.ID, maxAttempts, initialDelay, backoffFactor, maxDelay)
	e.ctx.CacheOutputs(node.ID, map[string]any{"attempt": 1})
	e.sinkEmit(emit.Event{Type: emit.NodeStarted, NodeID: node.ID, Payload: map[string]any{"attempt": 1}})

	return e.routeExec(node.ID, "exec_retry_body", item.frame), false, nil
}

func (e *Engine) stepRetrySuccess(item workItem) ([]workItem, bool, error) {
	rf, ok := e.ctx.currentRetry()
	if !ok {
		return nil, false, errs.New(errs.KindInternal, "RetrySuccessNode with no active retry frame")
	}
	retryNodeID := rf.nodeID
	e.ctx.popRetry()
	e.sinkEmit(emit.Event{Type: emit.NodeCompleted, NodeID: retryNodeID, Payload: map[string]any{"outcome": "success"}})
	return e.routeExec(retryNodeID, "exec_success", item.frame), false, nil
}

func (e *Engine) stepRetryFail(ctx context.Context, item workItem) ([]workItem, bool, error) {
	rf, ok := e.ctx.currentRetry()
	if !ok {
		return nil, false, errs.New(errs.KindInternal, "RetryFailNode with no active retry frame")
	}
	retryNodeID := rf.nodeID
	retryNodeType := e.wf.Nodes[retryNodeID].NodeType

	if rf.attempt >= rf.maxAttempts {
		e.ctx.popRetry()
		if e.metrics != nil {
			e.metrics.IncrementRetries(retryNodeType, "exhausted")
		}
		e.sinkEmit(emit.Event{Type: emit.NodeError, NodeID: retryNodeID, Payload: map[string]any{"outcome": "exhausted", "attempts": rf.attempt}})
		return e.routeExec(retryNodeID, "exec_failed", item.frame), false, nil
	}

	delay := computeBackoff(rf.attempt-1, durationFromSeconds(rf.initialDelay), durationFromSeconds(rf.maxDelay), rf.backoffFactor, nil)
	rf.attempt++
	e.ctx.CacheOutputs(retryNodeID, map[string]any{"attempt": rf.attempt})
	if e.metrics != nil {
		e.metrics.IncrementRetries(retryNodeType, "retrying")
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}

	e.sinkEmit(emit.Event{Type: emit.NodeStarted, NodeID: retryNodeID, Payload: map[string]any{"attempt": rf.attempt}})
	return e.routeExec(retryNodeID, "exec_retry_body", item.frame), false, nil
}

func (e *Engine) sinkEmit(ev emit.Event) {
	if e.sink == nil {
		return
	}
	ev.JobID = e.ctx.jobID
	ev.Timestamp = timeNow()
	e.sink.Emit(ev)
}

// runWithTimeout races a plugin's Execute against the node's configured
// timeout and recovers a panicking plugin into a NODE_EXECUTION error
// instead of crashing the agent process.
func (e *Engine) runWithTimeout(ctx context.Context, nodeID string, fn func(context.Context) nodePluginOutcome) (nodeplugin.Result, error) {
	deadline := e.nodeTimeout
	if deadline <= 0 {
		deadline = workflow.DefaultNodeTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	done := make(chan nodePluginOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- nodePluginOutcome{err: errs.New(errs.KindNodeExecution, "node plugin panicked")}
			}
		}()
		done <- fn(runCtx)
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nodeplugin.Result{}, out.err
		}
		return out.result, nil
	case <-runCtx.Done():
		return nodeplugin.Result{}, runCtx.Err()
	}
}

type nodePluginOutcome struct {
	result nodeplugin.Result
	err    error
}
