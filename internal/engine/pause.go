package engine

import "sync"

// pauseGate is a cooperative checkpoint: Pause()
// requests that the stepper block before starting the next node;
// WaitIfPaused() is called by the stepper between nodes and blocks until
// Resume() is called. Unlike a plain channel, it tolerates Pause()/
// Resume() being called multiple times or out of order without
// deadlocking or panicking on a double-close.
type pauseGate struct {
	mu     sync.Mutex
	paused bool
	wake   chan struct{}
}

func newPauseGate() *pauseGate {
	return &pauseGate{wake: make(chan struct{})}
}

// Pause requests that execution suspend before the next node starts. It
// reports false if the gate was already paused, so a caller can tell a
// repeated Pause() apart from the transition that actually suspended it.
func (g *pauseGate) Pause() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return false
	}
	g.paused = true
	return true
}

// Resume clears the pause request and releases any blocked waiter,
// reporting false if the gate wasn't paused.
func (g *pauseGate) Resume() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return false
	}
	g.paused = false
	close(g.wake)
	g.wake = make(chan struct{})
	return true
}

// IsPaused reports the current pause state.
func (g *pauseGate) IsPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// WaitIfPaused blocks until Resume() is called, or returns immediately
// if not currently paused. The returned channel/lock dance avoids
// holding the mutex while blocked.
func (g *pauseGate) WaitIfPaused(stop <-chan struct{}) {
	g.mu.Lock()
	if !g.paused {
		g.mu.Unlock()
		return
	}
	wake := g.wake
	g.mu.Unlock()

	select {
	case <-wake:
	case <-stop:
	}
}
