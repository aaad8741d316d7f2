package engine

import (
	"context"

	"github.com/casarerpa/core/internal/engine/emit"
)

func cleanupFailureEvent(err error) emit.Event {
	return emit.Event{Type: emit.NodeError, Payload: map[string]any{"cleanup_error": err.Error()}}
}

// runCleanup releases all resources acquired during the run,
// unconditionally and regardless of terminal status, in a
// finally-equivalent block with its own budget (e.cleanupBudget, 30s by
// default). Cleanup failures, including running past the budget, are
// emitted as NODE_ERROR events with a cleanup_error payload and don't
// change the terminal state.
func (e *Engine) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), e.cleanupBudget)
	defer cancel()

	done := make(chan []error, 1)
	go func() { done <- e.ctx.ReleaseResources() }()

	select {
	case errsOut := <-done:
		for _, cerr := range errsOut {
			e.sinkEmit(cleanupFailureEvent(cerr))
		}
	case <-ctx.Done():
		e.sinkEmit(cleanupFailureEvent(ctx.Err()))
	}
}
