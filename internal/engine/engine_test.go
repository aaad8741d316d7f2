package engine

import (
	"context"
	"testing"
	"time"

	"github.com/casarerpa/core/internal/credential"
	"github.com/casarerpa/core/internal/engine/emit"
	"github.com/casarerpa/core/internal/workflow"
	"github.com/casarerpa/core/pkg/nodeplugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// passthroughNode is a minimal test plugin: always succeeds, signals
// exec_out, and echoes its "value_in" input to its "value_out" output.
type passthroughNode struct{}

func (passthroughNode) DefinePorts() nodeplugin.Ports {
	return nodeplugin.Ports{
		Inputs:  []nodeplugin.Port{{Name: "value_in", DataType: nodeplugin.TypeAny}},
		Outputs: []nodeplugin.Port{{Name: "value_out", DataType: nodeplugin.TypeAny}},
	}
}
func (passthroughNode) Validate(map[string]any) (bool, string) { return true, "" }
func (passthroughNode) Execute(_ context.Context, _ nodeplugin.Context, inputs map[string]any) nodeplugin.Result {
	return nodeplugin.Result{Success: true, Data: map[string]any{"value_out": inputs["value_in"]}, NextOut: []string{"exec_out"}}
}

func newTestRegistry() *nodeplugin.Registry {
	reg := nodeplugin.NewRegistry(true)
	reg.Register("Passthrough", func(map[string]any) (nodeplugin.Node, error) { return passthroughNode{}, nil })
	return reg
}

func buildSimpleWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		Metadata: workflow.Metadata{Name: "test", Version: "1", SchemaVersion: 1},
		Nodes: map[string]workflow.Node{
			"start": {ID: "start", NodeType: "StartNode"},
			"mid":   {ID: "mid", NodeType: "Passthrough", Config: map[string]any{"value_in": "hello"}},
			"end":   {ID: "end", NodeType: "EndNode"},
		},
		Connections: []workflow.Connection{
			{SourceNode: "start", SourcePort: "exec_out", TargetNode: "mid", TargetPort: "exec_in"},
			{SourceNode: "mid", SourcePort: "exec_out", TargetNode: "end", TargetPort: "exec_in"},
		},
	}
}

func newTestExecutionContext(sink emit.Sink) *ExecutionContext {
	return NewExecutionContext("job-1", "robot-1", nil, sink, credential.NewResolver(nil))
}

func TestEngineRunsSimpleWorkflowToSuccess(t *testing.T) {
	wf := buildSimpleWorkflow()
	graph := workflow.BuildExecGraph(wf)
	reg := newTestRegistry()
	sink := emit.NewBufferedSink()
	execCtx := newTestExecutionContext(sink)

	e := New(wf, graph, reg, execCtx)
	result := e.Run(context.Background())

	require.Equal(t, StatusWorkflowSuccess, result.Status)
	assert.NoError(t, result.Err)

	history := sink.History("job-1")
	var sawBypassed, sawCompleted bool
	for _, ev := range history {
		if ev.Type == emit.NodeBypassed {
			sawBypassed = true
		}
		if ev.Type == emit.WorkflowCompleted {
			sawCompleted = true
		}
	}
	assert.False(t, sawBypassed)
	assert.True(t, sawCompleted)
}

func TestEngineBypassesDisabledNode(t *testing.T) {
	wf := buildSimpleWorkflow()
	mid := wf.Nodes["mid"]
	mid.Config["_disabled"] = true
	wf.Nodes["mid"] = mid

	graph := workflow.BuildExecGraph(wf)
	reg := newTestRegistry()
	sink := emit.NewBufferedSink()
	execCtx := newTestExecutionContext(sink)

	e := New(wf, graph, reg, execCtx)
	result := e.Run(context.Background())

	require.Equal(t, StatusWorkflowSuccess, result.Status)

	var sawBypassed bool
	for _, ev := range sink.History("job-1") {
		if ev.Type == emit.NodeBypassed {
			sawBypassed = true
		}
	}
	assert.True(t, sawBypassed, "disabled node should emit NODE_BYPASSED and never dispatch its plugin")
}

func TestEngineTryCatchRoutesToExecCatchOnFailure(t *testing.T) {
	wf := &workflow.Workflow{
		Metadata: workflow.Metadata{Name: "try", Version: "1", SchemaVersion: 1},
		Nodes: map[string]workflow.Node{
			"start":   {ID: "start", NodeType: "StartNode"},
			"try":     {ID: "try", NodeType: "TryNode"},
			"failer":  {ID: "failer", NodeType: "AlwaysFails"},
			"catch":   {ID: "catch", NodeType: "EndNode"},
			"success": {ID: "success", NodeType: "EndNode"},
		},
		Connections: []workflow.Connection{
			{SourceNode: "start", SourcePort: "exec_out", TargetNode: "try", TargetPort: "exec_in"},
			{SourceNode: "try", SourcePort: "exec_try_body", TargetNode: "failer", TargetPort: "exec_in"},
			{SourceNode: "try", SourcePort: "exec_success", TargetNode: "success", TargetPort: "exec_in"},
			{SourceNode: "try", SourcePort: "exec_catch", TargetNode: "catch", TargetPort: "exec_in"},
		},
	}
	graph := workflow.BuildExecGraph(wf)
	reg := nodeplugin.NewRegistry(true)
	reg.Register("AlwaysFails", func(map[string]any) (nodeplugin.Node, error) { return alwaysFailsNode{}, nil })

	sink := emit.NewBufferedSink()
	execCtx := newTestExecutionContext(sink)
	e := New(wf, graph, reg, execCtx)
	result := e.Run(context.Background())

	require.Equal(t, StatusWorkflowSuccess, result.Status, "a captured error routes to catch, it does not fail the workflow")

	var reachedCatch, reachedSuccess bool
	for _, ev := range sink.History("job-1") {
		if ev.Type == emit.NodeCompleted && ev.NodeID == "catch" {
			reachedCatch = true
		}
		if ev.Type == emit.NodeCompleted && ev.NodeID == "success" {
			reachedSuccess = true
		}
	}
	assert.True(t, reachedCatch)
	assert.False(t, reachedSuccess)
}

type alwaysFailsNode struct{}

func (alwaysFailsNode) DefinePorts() nodeplugin.Ports { return nodeplugin.Ports{} }
func (alwaysFailsNode) Validate(map[string]any) (bool, string) { return true, "" }
func (alwaysFailsNode) Execute(context.Context, nodeplugin.Context, map[string]any) nodeplugin.Result {
	return nodeplugin.Result{Success: false, Err: assert.AnError}
}

func TestEngineRetrySucceedsOnThirdAttempt(t *testing.T) {
	wf := &workflow.Workflow{
		Metadata: workflow.Metadata{Name: "retry", Version: "1", SchemaVersion: 1},
		Nodes: map[string]workflow.Node{
			"start": {ID: "start", NodeType: "StartNode"},
			"retry": {ID: "retry", NodeType: "RetryNode", Config: map[string]any{
				"max_attempts": 5, "initial_delay": 0.01, "backoff_factor": 1.0, "max_delay": 0.02,
			}},
			"body":  {ID: "body", NodeType: "FlakyUntilThree"},
			"rsucc": {ID: "rsucc", NodeType: "RetrySuccessNode"},
			"rfail": {ID: "rfail", NodeType: "RetryFailNode"},
			"done":  {ID: "done", NodeType: "EndNode"},
			"fail":  {ID: "fail", NodeType: "EndNode"},
		},
		Connections: []workflow.Connection{
			{SourceNode: "start", SourcePort: "exec_out", TargetNode: "retry", TargetPort: "exec_in"},
			{SourceNode: "retry", SourcePort: "exec_retry_body", TargetNode: "body", TargetPort: "exec_in"},
			{SourceNode: "body", SourcePort: "exec_out", TargetNode: "rsucc", TargetPort: "exec_in"},
			{SourceNode: "body", SourcePort: "exec_fail_out", TargetNode: "rfail", TargetPort: "exec_in"},
			{SourceNode: "retry", SourcePort: "exec_success", TargetNode: "done", TargetPort: "exec_in"},
			{SourceNode: "retry", SourcePort: "exec_failed", TargetNode: "fail", TargetPort: "exec_in"},
		},
	}
	graph := workflow.BuildExecGraph(wf)
	reg := nodeplugin.NewRegistry(true)
	reg.Register("FlakyUntilThree", func(map[string]any) (nodeplugin.Node, error) { return flakyUntilThree{}, nil })

	sink := emit.NewBufferedSink()
	execCtx := newTestExecutionContext(sink)
	e := New(wf, graph, reg, execCtx, WithNodeTimeout(time.Second))
	result := e.Run(context.Background())

	require.Equal(t, StatusWorkflowSuccess, result.Status)
	attempts, _ := result.Variables["attempts"].(int)
	assert.Equal(t, 3, attempts, "retry body should run exactly 3 times before succeeding")
}

// flakyUntilThree fails on exec_fail_out twice, then succeeds on exec_out.
type flakyUntilThree struct{}

func (flakyUntilThree) DefinePorts() nodeplugin.Ports { return nodeplugin.Ports{} }
func (flakyUntilThree) Validate(map[string]any) (bool, string) { return true, "" }
func (flakyUntilThree) Execute(_ context.Context, ctx nodeplugin.Context, _ map[string]any) nodeplugin.Result {
	v, _ := ctx.Variable("attempts")
	n, _ := v.(int)
	n++
	ctx.SetVariable("attempts", n)
	if n >= 3 {
		return nodeplugin.Result{Success: true, NextOut: []string{"exec_out"}}
	}
	return nodeplugin.Result{Success: true, NextOut: []string{"exec_fail_out"}}
}

func TestEnginePauseBlocksUntilResume(t *testing.T) {
	wf := buildSimpleWorkflow()
	graph := workflow.BuildExecGraph(wf)
	reg := newTestRegistry()
	sink := emit.NewBufferedSink()
	execCtx := newTestExecutionContext(sink)

	e := New(wf, graph, reg, execCtx)
	e.Pause()

	resultCh := make(chan Result, 1)
	go func() { resultCh <- e.Run(context.Background()) }()

	select {
	case <-resultCh:
		t.Fatal("Run should not complete while paused")
	case <-time.After(30 * time.Millisecond):
	}

	e.Resume()

	select {
	case result := <-resultCh:
		require.Equal(t, StatusWorkflowSuccess, result.Status)
	case <-time.After(time.Second):
		t.Fatal("Run did not complete after Resume")
	}

	var sawPaused, sawResumed bool
	for _, ev := range sink.History("job-1") {
		if ev.Type == emit.WorkflowPaused {
			sawPaused = true
		}
		if ev.Type == emit.WorkflowResumed {
			sawResumed = true
		}
	}
	assert.True(t, sawPaused)
	assert.True(t, sawResumed)
}

// llmNode reports a priced call through the llm_model/llm_input_tokens/
// llm_output_tokens output-data convention.
type llmNode struct{}

func (llmNode) DefinePorts() nodeplugin.Ports {
	return nodeplugin.Ports{Outputs: []nodeplugin.Port{{Name: "text", DataType: nodeplugin.TypeString}}}
}
func (llmNode) Validate(map[string]any) (bool, string) { return true, "" }
func (llmNode) Execute(context.Context, nodeplugin.Context, map[string]any) nodeplugin.Result {
	return nodeplugin.Result{
		Success: true,
		Data: map[string]any{
			"text":              "hi",
			"llm_model":         "gpt-4o-mini",
			"llm_input_tokens":  1000,
			"llm_output_tokens": 500,
		},
		NextOut: []string{"exec_out"},
	}
}

func TestEngineRecordsLLMCostFromNodeOutput(t *testing.T) {
	wf := &workflow.Workflow{
		Metadata: workflow.Metadata{Name: "llm", Version: "1", SchemaVersion: 1},
		Nodes: map[string]workflow.Node{
			"start": {ID: "start", NodeType: "StartNode"},
			"call":  {ID: "call", NodeType: "LLMCall"},
			"end":   {ID: "end", NodeType: "EndNode"},
		},
		Connections: []workflow.Connection{
			{SourceNode: "start", SourcePort: "exec_out", TargetNode: "call", TargetPort: "exec_in"},
			{SourceNode: "call", SourcePort: "exec_out", TargetNode: "end", TargetPort: "exec_in"},
		},
	}
	graph := workflow.BuildExecGraph(wf)
	reg := nodeplugin.NewRegistry(true)
	reg.Register("LLMCall", func(map[string]any) (nodeplugin.Node, error) { return llmNode{}, nil })

	sink := emit.NewBufferedSink()
	execCtx := newTestExecutionContext(sink)
	tracker := NewCostTracker("job-1", "USD")
	e := New(wf, graph, reg, execCtx, WithCostTracker(tracker))

	result := e.Run(context.Background())
	require.Equal(t, StatusWorkflowSuccess, result.Status)

	assert.Greater(t, tracker.GetTotalCost(), 0.0)
	assert.Contains(t, tracker.GetCostByModel(), "gpt-4o-mini")
}
