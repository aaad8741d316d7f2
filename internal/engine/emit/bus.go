package emit

import "sync"

// Sink is the minimal interface the engine publishes events to. A Bus
// implements Sink for one job; the orchestrator's WS fan-out
// (apiserver's job-events handler) subscribes to it.
type Sink interface {
	Emit(e Event)
}

// Bus is a bounded, per-job broadcast channel. Each
// subscriber gets its own buffered channel holding a copy of every
// event. When a subscriber's buffer is full the new event is dropped and
// its dropped-frame counter incremented; on the first such drop since the
// subscriber last accepted an event, its oldest pending frame is
// discarded to make room for one OVERFLOW frame carrying the running
// dropped count.
type Bus struct {
	jobID string

	mu          sync.Mutex
	subscribers map[int]*subscriber
	nextID      int
	dropped     map[int]int
}

type subscriber struct {
	ch           chan Event
	overflowSent bool
}

// NewBus creates a bus for one job's events.
func NewBus(jobID string) *Bus {
	return &Bus{
		jobID:       jobID,
		subscribers: make(map[int]*subscriber),
		dropped:     make(map[int]int),
	}
}

// Subscribe registers a new listener with the given buffer depth and
// returns its channel and an unsubscribe function.
func (b *Bus) Subscribe(bufferDepth int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, bufferDepth)}
	b.subscribers[id] = sub

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subscribers[id]; ok {
			close(s.ch)
			delete(b.subscribers, id)
		}
	}
	return sub.ch, unsubscribe
}

// Emit implements Sink: every event is stamped with JobID and fanned out
// to all current subscribers without blocking the caller.
func (b *Bus) Emit(e Event) {
	if e.JobID == "" {
		e.JobID = b.jobID
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subscribers {
		select {
		case sub.ch <- e:
			sub.overflowSent = false
		default:
			b.dropped[id]++
			if !sub.overflowSent {
				b.dropEventLocked(sub, id)
				sub.overflowSent = true
			}
		}
	}
}

// dropEventLocked makes room for a single OVERFLOW frame by discarding
// the subscriber's oldest pending event, then enqueuing OVERFLOW.
func (b *Bus) dropEventLocked(sub *subscriber, id int) {
	select {
	case <-sub.ch:
	default:
	}
	overflow := Event{
		Type:      Overflow,
		JobID:     b.jobID,
		Payload:   map[string]any{"dropped_total": b.dropped[id]},
	}
	select {
	case sub.ch <- overflow:
	default:
	}
}

// DroppedCount reports how many events have been dropped for a given
// subscriber ID; primarily for tests and metrics.
func (b *Bus) DroppedCount(id int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped[id]
}

// Close closes all subscriber channels. Call once the job has reached a
// terminal state and all consumers have had a chance to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}
