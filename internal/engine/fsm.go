package engine

// NodeStatus is the Node lifecycle FSM:
// IDLE -> RUNNING -> one of SUCCESS, ERROR, TIMEOUT, CANCELLED.
// BYPASSED is a terminal state reached directly from IDLE, skipping
// RUNNING entirely.
type NodeStatus string

const (
	StatusIdle      NodeStatus = "IDLE"
	StatusRunning   NodeStatus = "RUNNING"
	StatusSuccess   NodeStatus = "SUCCESS"
	StatusError     NodeStatus = "ERROR"
	StatusTimeout   NodeStatus = "TIMEOUT"
	StatusCancelled NodeStatus = "CANCELLED"
	StatusBypassed  NodeStatus = "BYPASSED"
)

// Terminal reports whether a status ends the node's lifecycle.
func (s NodeStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusTimeout, StatusCancelled, StatusBypassed:
		return true
	default:
		return false
	}
}

// transition validates an FSM edge, returning false for any move not in
// the closed set above (e.g. RUNNING -> RUNNING, or out of a terminal
// state). The stepper does not call it; a rejected transition would
// indicate an engine bug, not a workflow-authoring error.
func transition(from, to NodeStatus) bool {
	switch from {
	case StatusIdle:
		return to == StatusRunning || to == StatusBypassed
	case StatusRunning:
		return to == StatusSuccess || to == StatusError || to == StatusTimeout || to == StatusCancelled
	default:
		return false
	}
}
