package workflow

// ExecGraph is the control-flow subgraph used for cycle validation and
// by the Execution Engine to route exec edges. It is a static,
// precomputable structure rather than a runtime frontier.
type ExecGraph struct {
	outEdges map[string][]Connection
}

// BuildExecGraph extracts the exec-edge subgraph from a workflow's full
// connection list.
func BuildExecGraph(wf *Workflow) *ExecGraph {
	g := &ExecGraph{outEdges: make(map[string][]Connection)}
	for _, c := range wf.Connections {
		if c.IsExec() {
			g.outEdges[c.SourceNode] = append(g.outEdges[c.SourceNode], c)
		}
	}
	return g
}

// OutEdges returns the exec-out connections leaving nodeID, in
// declaration order: exec-out targets are enqueued in declaration
// order.
func (g *ExecGraph) OutEdges(nodeID string) []Connection {
	return g.outEdges[nodeID]
}

// OutEdgesForPort returns only the connections leaving the named exec-out
// port, still in declaration order.
func (g *ExecGraph) OutEdgesForPort(nodeID, port string) []Connection {
	var out []Connection
	for _, c := range g.outEdges[nodeID] {
		if c.SourcePort == port {
			out = append(out, c)
		}
	}
	return out
}

// Reachable computes the set of node IDs reachable from startNodeID via
// exec edges. The engine does not call it and computes no
// executed-count / total-reachable-count progress ratio.
func (g *ExecGraph) Reachable(startNodeID string) map[string]bool {
	seen := map[string]bool{startNodeID: true}
	queue := []string{startNodeID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, edge := range g.outEdges[id] {
			if !seen[edge.TargetNode] {
				seen[edge.TargetNode] = true
				queue = append(queue, edge.TargetNode)
			}
		}
	}
	return seen
}

// DataPredecessor finds the at-most-one connection supplying nodeID's
// inputPort: each input port has at most one incoming data edge.
func DataPredecessor(wf *Workflow, nodeID, inputPort string) (Connection, bool) {
	for _, c := range wf.Connections {
		if !c.IsExec() && c.TargetNode == nodeID && c.TargetPort == inputPort {
			return c, true
		}
	}
	return Connection{}, false
}

// StartNodeID returns the workflow's unique StartNode ID. Callers should
// only invoke this after CheckInvariants has confirmed exactly one
// StartNode exists.
func StartNodeID(wf *Workflow) (string, bool) {
	for id, n := range wf.Nodes {
		if n.NodeType == "StartNode" {
			return id, true
		}
	}
	return "", false
}
