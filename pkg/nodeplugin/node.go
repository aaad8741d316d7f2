// Package nodeplugin defines the public contract that CasareRPA's ~250
// out-of-scope node plugins (browser/desktop/LLM/file/database automation
// steps) satisfy. The core engine depends only on this interface -- node
// business logic itself is an external collaborator.
//
// Node is specialized to CasareRPA's fixed ExecutionContext contract: a
// define_ports()/validate()/execute(context) trait with no dynamic
// dispatch beyond this one interface.
package nodeplugin

import "context"

// Context is the minimal view of the live ExecutionContext a node plugin
// needs. It is satisfied by *engine.ExecutionContext; defining it here
// (rather than importing the engine package) keeps node plugins free of
// any dependency on engine internals, matching the "core depends only on
// the interface" design goal applied symmetrically.
type Context interface {
	// Variable reads a workflow variable by name.
	Variable(name string) (any, bool)

	// SetVariable assigns a workflow variable, emitting VARIABLE_SET.
	SetVariable(name string, value any)

	// Resource fetches a previously acquired resource handle (browser,
	// DB connection, HTTP client, ...) by name.
	Resource(name string) (any, bool)

	// PutResource registers a resource handle for lifetime-bound cleanup.
	PutResource(name string, handle any, closer func() error)

	// Credential resolves a named credential field via the resolver
	// chain.
	Credential(name, field string) (string, error)

	// JobID / NodeID identify the current execution for logging/tracing.
	JobID() string
	NodeID() string
}

// Port describes one input or output port a node exposes. Name follows
// the "exec_" prefix convention for control-flow ports.
type Port struct {
	Name     string
	DataType DataType
}

// DataType is the top-level type lattice used for data-edge compatibility
// checks: data-edge types are compatible, with ANY as the lattice top.
type DataType string

const (
	TypeAny      DataType = "ANY"
	TypeString   DataType = "STRING"
	TypeNumber   DataType = "NUMBER"
	TypeBool     DataType = "BOOL"
	TypeObject   DataType = "OBJECT"
	TypeList     DataType = "LIST"
	TypeExec     DataType = "EXEC"
)

// Compatible reports whether a value of type `have` may flow into a port
// declared as `want`, honoring ANY as the lattice top.
func Compatible(have, want DataType) bool {
	if want == TypeAny || have == TypeAny {
		return true
	}
	return have == want
}

// Ports is the full port declaration for a node type, split into inputs
// and outputs. Exec ports and data ports are both listed here; the
// "exec_" prefix on Name is what distinguishes them at the connection
// layer (workflow.Connection.IsExec).
type Ports struct {
	Inputs  []Port
	Outputs []Port
}

// Result is what a node plugin's Execute call produces: either
// `{success, data, next_nodes}` or `{success: false, error}`.
type Result struct {
	Success bool
	Data    map[string]any // output port name -> value
	NextOut []string       // exec-out port names this node signaled
	Err     error
}

// Node is the single interface every node-type plugin implements. The
// core's registry (Registry) holds factories producing Node instances per
// workflow node; the engine calls DefinePorts/Validate/Execute and never
// dispatches on concrete types.
type Node interface {
	// DefinePorts declares this node type's input/output ports. The
	// engine calls it on a fresh instance (built with nil config) each
	// time it bypasses a disabled node of this type.
	DefinePorts() Ports

	// Validate checks the node's static config at dispatch time, just
	// before Execute, returning (false, reason) on malformed config.
	Validate(config map[string]any) (bool, string)

	// Execute runs the node's logic against the live context. The
	// context passed in already has the node's timeout applied by the
	// engine; implementations should still honor ctx.Done() for
	// long-running I/O.
	Execute(ctx context.Context, ectx Context, inputs map[string]any) Result
}

// Factory builds a new Node instance from a workflow node's static
// config. Factories are cheap and stateless; per-node-instance state (if
// any) lives in the concrete Node value they return.
type Factory func(config map[string]any) (Node, error)
