package engine

// pushTry opens a new try-block scope owned by tryNodeID, tracking its
// body's liveness via bodyFrame.
func (c *ExecutionContext) pushTry(tryNodeID string, bodyFrame *frame) {
	c.tryStack = append(c.tryStack, tryFrame{tryNodeID: tryNodeID, bodyFrame: bodyFrame})
}

// popTry removes the innermost try-block, LIFO (innermost-first stack
// discipline).
func (c *ExecutionContext) popTry() (tryFrame, bool) {
	if len(c.tryStack) == 0 {
		return tryFrame{}, false
	}
	top := c.tryStack[len(c.tryStack)-1]
	c.tryStack = c.tryStack[:len(c.tryStack)-1]
	return top, true
}

// catchActive reports whether a try-block is currently open, returning
// the innermost one without popping it.
func (c *ExecutionContext) catchActive() (tryFrame, bool) {
	if len(c.tryStack) == 0 {
		return tryFrame{}, false
	}
	return c.tryStack[len(c.tryStack)-1], true
}

// captureError pops the innermost try-block and stamps it with the
// failing error, handing control to its catch branch instead of
// propagating the failure as a workflow error.
func (c *ExecutionContext) captureError(err error, kind string) (tryFrame, bool) {
	frame, ok := c.popTry()
	if !ok {
		return tryFrame{}, false
	}
	frame.capturedErr = err
	frame.capturedKind = kind
	return frame, true
}

// pushRetry opens a retry frame for a RetryNode entered for the first
// time.
func (c *ExecutionContext) pushRetry(nodeID string, maxAttempts int, initialDelay, backoffFactor, maxDelay float64) {
	c.retryStack = append(c.retryStack, retryFrame{
		nodeID:        nodeID,
		attempt:       1,
		maxAttempts:   maxAttempts,
		initialDelay:  initialDelay,
		backoffFactor: backoffFactor,
		maxDelay:      maxDelay,
	})
}

// currentRetry returns the innermost open retry frame, per the same
// innermost-first stack discipline used for try-blocks.
func (c *ExecutionContext) currentRetry() (*retryFrame, bool) {
	if len(c.retryStack) == 0 {
		return nil, false
	}
	return &c.retryStack[len(c.retryStack)-1], true
}

// popRetry removes the innermost retry frame once it has succeeded or
// exhausted its attempts.
func (c *ExecutionContext) popRetry() {
	if len(c.retryStack) == 0 {
		return
	}
	c.retryStack = c.retryStack[:len(c.retryStack)-1]
}
