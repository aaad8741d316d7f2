// Package workflow implements the Workflow data model: schema-validated
// JSON load, the exec/data edge graph, and the structural invariants
// enforced at load and validate time.
//
// The Engine operates over a fixed document type rather than a generic
// state parameter, so the struct shapes here describe the concrete
// workflow JSON wire format directly.
package workflow

import "time"

// ExecPortPrefix marks a port as control-flow (vs. data-flow) by naming
// convention.
const ExecPortPrefix = "exec_"

// Metadata is immutable once a workflow is submitted.
type Metadata struct {
	Name          string    `json:"name" validate:"required"`
	Version       string    `json:"version" validate:"required"`
	Description   string    `json:"description,omitempty"`
	Author        string    `json:"author,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
	SchemaVersion int       `json:"schema_version" validate:"required,min=1"`
	Tags          []string  `json:"tags,omitempty"`
}

// Node is one vertex in the workflow graph: a plugin key, a display name,
// a GUI-opaque position, static config, and literal defaults for input
// ports that have no incoming data edge.
type Node struct {
	ID                 string         `json:"node_id" validate:"required"`
	NodeType           string         `json:"node_type" validate:"required"`
	Name               string         `json:"name,omitempty"`
	Position           [2]float64     `json:"position,omitempty"`
	Config             map[string]any `json:"config,omitempty"`
	InputPortBindings  map[string]any `json:"input_port_bindings,omitempty"`
}

// Disabled reports whether this node is configured for bypass:
// config["_disabled"] == true.
func (n Node) Disabled() bool {
	v, ok := n.Config["_disabled"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Connection is one edge: (source-node, source-port) -> (target-node,
// target-port). Whether it is an exec edge or a data edge is derived from
// the port-name prefix, not stored explicitly.
type Connection struct {
	SourceNode string `json:"source_node" validate:"required"`
	SourcePort string `json:"source_port" validate:"required"`
	TargetNode string `json:"target_node" validate:"required"`
	TargetPort string `json:"target_port" validate:"required"`
}

// IsExec reports whether this connection is a control-flow edge (the
// source port begins with "exec_").
func (c Connection) IsExec() bool {
	return isExecPort(c.SourcePort)
}

func isExecPort(port string) bool {
	return len(port) >= len(ExecPortPrefix) && port[:len(ExecPortPrefix)] == ExecPortPrefix
}

// Settings are whole-workflow execution knobs.
type Settings struct {
	StopOnError    bool `json:"stop_on_error"`
	TimeoutSeconds int  `json:"timeout" validate:"min=0"`
	RetryCount     int  `json:"retry_count" validate:"min=0"`
}

// Workflow is the full, schema-validated document. It is treated as
// immutable after Load succeeds.
type Workflow struct {
	Metadata    Metadata          `json:"metadata" validate:"required"`
	Nodes       map[string]Node   `json:"nodes" validate:"required,min=1,dive"`
	Connections []Connection      `json:"connections" validate:"dive"`
	Variables   map[string]any    `json:"variables,omitempty"`
	Settings    Settings          `json:"settings"`
}

// LoopNodeTypes is the closed set of node types allowed to be the target
// of an exec-edge back-edge. Back-edges into any other node type are
// rejected at load time.
var LoopNodeTypes = map[string]bool{
	"LoopNode":    true,
	"RetryNode":   true,
	"ForEachNode": true,
}

// DefaultNodeTimeout is the per-node execution timeout the engine applies
// when it is built without WithNodeTimeout; nodes do not declare their own.
const DefaultNodeTimeout = 120 * time.Second

// DefaultWorkflowTimeout is used when Settings.TimeoutSeconds is zero.
const DefaultWorkflowTimeout = 0 // 0 == unlimited
