package engine

import (
	"sync"

	"github.com/casarerpa/core/internal/credential"
	"github.com/casarerpa/core/internal/engine/emit"
	"github.com/casarerpa/core/pkg/nodeplugin"
)

// resourceHandle pairs an opaque handle (browser, DB connection, HTTP
// client, ...) with the function that releases it; its lifetime is
// bound to the owning ExecutionContext.
type resourceHandle struct {
	handle any
	closer func() error
}

// tryFrame is one entry on the try-stack. bodyFrame
// links back to the engine-level liveness frame tracking the try-body's
// queued work, so an error captured deep inside the body can discard
// its still-pending siblings and jump straight to the catch branch.
type tryFrame struct {
	tryNodeID    string
	capturedErr  error
	capturedKind string
	bodyFrame    *frame
}

// retryFrame is one entry on the retry-stack. Retry
// frames are pushed by a RetryNode on first entry and popped by the
// matching RetrySuccessNode/after exhausting max_attempts.
type retryFrame struct {
	nodeID        string
	attempt       int
	maxAttempts   int
	initialDelay  float64 // seconds
	backoffFactor float64
	maxDelay      float64
}

// ExecutionContext is the single, per-job live state container owned by
// the Execution Engine. It satisfies nodeplugin.Context so node plugins
// can read/write variables, acquire resources, and resolve credentials
// without depending on engine internals.
//
// Single-threaded cooperative execution means variables and the
// try/retry stacks need no locking; resources carry their own mutex
// because cleanup can race a concurrent cancellation-triggered teardown.
type ExecutionContext struct {
	jobID     string
	robotID   string
	variables map[string]any

	resourcesMu sync.Mutex
	resources   map[string]resourceHandle

	outputs map[string]map[string]any // nodeID -> port -> value

	tryStack   []tryFrame
	retryStack []retryFrame

	// pendingTryOutcomes holds a captured error for a TryNode whose body
	// aborted, keyed by the TryNode's ID, until its revisit step consumes
	// it. Populated only on the error path; a draining success never
	// writes an entry here.
	pendingTryOutcomes map[string]tryFrame

	currentNodeID string

	pause *pauseGate
	sink  emit.Sink

	resolver *credential.Resolver
}

// NewExecutionContext constructs a fresh context for one job run.
func NewExecutionContext(jobID, robotID string, seedVars map[string]any, sink emit.Sink, resolver *credential.Resolver) *ExecutionContext {
	vars := make(map[string]any, len(seedVars))
	for k, v := range seedVars {
		vars[k] = v
	}
	return &ExecutionContext{
		jobID:              jobID,
		robotID:            robotID,
		variables:          vars,
		resources:          make(map[string]resourceHandle),
		outputs:            make(map[string]map[string]any),
		pendingTryOutcomes: make(map[string]tryFrame),
		pause:              newPauseGate(),
		sink:               sink,
		resolver:            resolver,
	}
}

var _ nodeplugin.Context = (*ExecutionContext)(nil)

func (c *ExecutionContext) JobID() string  { return c.jobID }
func (c *ExecutionContext) NodeID() string { return c.currentNodeID }

func (c *ExecutionContext) Variable(name string) (any, bool) {
	v, ok := c.variables[name]
	return v, ok
}

func (c *ExecutionContext) SetVariable(name string, value any) {
	c.variables[name] = value
	c.emit(emit.Event{
		Type:    emit.VariableSet,
		NodeID:  c.currentNodeID,
		Payload: map[string]any{"name": name, "value": value},
	})
}

// Variables returns a snapshot copy of the variables map, used for the
// terminal final variables snapshot the Execution Engine returns.
func (c *ExecutionContext) Variables() map[string]any {
	out := make(map[string]any, len(c.variables))
	for k, v := range c.variables {
		out[k] = v
	}
	return out
}

func (c *ExecutionContext) Resource(name string) (any, bool) {
	c.resourcesMu.Lock()
	defer c.resourcesMu.Unlock()
	h, ok := c.resources[name]
	if !ok {
		return nil, false
	}
	return h.handle, true
}

func (c *ExecutionContext) PutResource(name string, handle any, closer func() error) {
	c.resourcesMu.Lock()
	defer c.resourcesMu.Unlock()
	c.resources[name] = resourceHandle{handle: handle, closer: closer}
}

// ReleaseResources closes every registered resource, collecting (not
// short-circuiting on) individual close errors so one stuck browser
// handle doesn't leak a database connection.
func (c *ExecutionContext) ReleaseResources() []error {
	c.resourcesMu.Lock()
	defer c.resourcesMu.Unlock()

	var errsOut []error
	for name, h := range c.resources {
		if h.closer == nil {
			continue
		}
		if err := h.closer(); err != nil {
			errsOut = append(errsOut, err)
		}
		delete(c.resources, name)
	}
	return errsOut
}

func (c *ExecutionContext) Credential(name, field string) (string, error) {
	return c.resolver.Resolve(c, name, field)
}

// CachedOutput returns a previously cached output port value for nodeID,
// used by data-edge resolution.
func (c *ExecutionContext) CachedOutput(nodeID, port string) (any, bool) {
	ports, ok := c.outputs[nodeID]
	if !ok {
		return nil, false
	}
	v, ok := ports[port]
	return v, ok
}

// CacheOutputs stores nodeID's output port values after a successful run.
func (c *ExecutionContext) CacheOutputs(nodeID string, data map[string]any) {
	c.outputs[nodeID] = data
}

func (c *ExecutionContext) emit(e emit.Event) {
	if c.sink == nil {
		return
	}
	e.JobID = c.jobID
	c.sink.Emit(e)
}
