package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/casarerpa/core/internal/errs"
)

// validate is a package-level validator instance; go-playground/validator
// recommends caching instances rather than constructing one per call.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Load parses and validates a workflow JSON document. It applies
// struct-tag validation, then the graph invariants. Loading never
// executes or evaluates the byte stream beyond JSON decoding: there is
// no code path here that interprets config values as anything other
// than opaque data.
func Load(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "malformed workflow JSON", err)
	}

	if err := validate.Struct(&wf); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "workflow failed schema validation", err)
	}

	if err := CheckInvariants(&wf); err != nil {
		return nil, err
	}

	return &wf, nil
}

// CheckInvariants enforces the graph-structural invariants: connection
// endpoints exist, exec edges target exec ports, exactly one StartNode,
// and no illegal cycles. Unknown node types (plugin keys not present in
// any registry) are deliberately NOT rejected here -- that check happens
// at dispatch time, not load time.
func CheckInvariants(wf *Workflow) error {
	if err := checkConnectionEndpoints(wf); err != nil {
		return err
	}
	if err := checkExecEdgeTargets(wf); err != nil {
		return err
	}
	if err := checkSingleStartNode(wf); err != nil {
		return err
	}
	if err := checkNoIllegalCycles(wf); err != nil {
		return err
	}
	return nil
}

func checkConnectionEndpoints(wf *Workflow) error {
	for i, c := range wf.Connections {
		if _, ok := wf.Nodes[c.SourceNode]; !ok {
			return errs.New(errs.KindValidation, fmt.Sprintf(
				"connection %d: source node %q does not exist", i, c.SourceNode))
		}
		if _, ok := wf.Nodes[c.TargetNode]; !ok {
			return errs.New(errs.KindValidation, fmt.Sprintf(
				"connection %d: target node %q does not exist", i, c.TargetNode))
		}
	}
	return nil
}

// checkExecEdgeTargets enforces that every exec-edge's target port
// exists on the target node. Since ports are not separately declared in
// the wire format, "exists" means the target node's plugin accepts that
// exec-in port name; the core treats any exec_-prefixed target port as
// valid at load time (plugin port validation happens in Node.Validate at
// dispatch time, deferred because the node type may still be unknown at
// load time). This function instead enforces the narrower,
// statically-checkable half of that invariant: an exec edge's target
// port must itself be exec-prefixed, since a control-flow edge cannot
// terminate on a data-only port.
func checkExecEdgeTargets(wf *Workflow) error {
	for i, c := range wf.Connections {
		if c.IsExec() && !isExecPort(c.TargetPort) {
			return errs.New(errs.KindValidation, fmt.Sprintf(
				"connection %d: exec edge %s.%s targets non-exec port %s.%s",
				i, c.SourceNode, c.SourcePort, c.TargetNode, c.TargetPort))
		}
	}
	return nil
}

func checkSingleStartNode(wf *Workflow) error {
	count := 0
	for _, n := range wf.Nodes {
		if n.NodeType == "StartNode" {
			count++
		}
	}
	if count != 1 {
		return errs.New(errs.KindValidation, fmt.Sprintf(
			"workflow must have exactly one StartNode, found %d", count))
	}
	return nil
}

// checkNoIllegalCycles enforces that the exec-edge subgraph may contain
// a cycle only when the back-edge's target node type is one of the
// designated loop nodes (LoopNode, RetryNode, ForEachNode).
func checkNoIllegalCycles(wf *Workflow) error {
	g := BuildExecGraph(wf)
	visiting := map[string]bool{}
	visited := map[string]bool{}

	var dfs func(nodeID string) error
	dfs = func(nodeID string) error {
		visiting[nodeID] = true
		for _, edge := range g.outEdges[nodeID] {
			if visiting[edge.TargetNode] {
				targetType := wf.Nodes[edge.TargetNode].NodeType
				if !LoopNodeTypes[targetType] {
					return errs.New(errs.KindValidation, fmt.Sprintf(
						"illegal cycle: back-edge %s -> %s does not target a loop node (got %s)",
						nodeID, edge.TargetNode, targetType))
				}
				continue
			}
			if visited[edge.TargetNode] {
				continue
			}
			if err := dfs(edge.TargetNode); err != nil {
				return err
			}
		}
		visiting[nodeID] = false
		visited[nodeID] = true
		return nil
	}

	// Walk from the StartNode first so a loop's back-edge is the one that
	// re-enters the loop node, independent of map iteration order.
	if startID, ok := StartNodeID(wf); ok {
		if err := dfs(startID); err != nil {
			return err
		}
	}
	for id := range wf.Nodes {
		if !visited[id] {
			if err := dfs(id); err != nil {
				return err
			}
		}
	}
	return nil
}
