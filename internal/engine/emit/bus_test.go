package emit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanOutToMultipleSubscribers(t *testing.T) {
	bus := NewBus("job-1")
	ch1, unsub1 := bus.Subscribe(4)
	defer unsub1()
	ch2, unsub2 := bus.Subscribe(4)
	defer unsub2()

	bus.Emit(Event{Type: NodeStarted, NodeID: "n1"})

	e1 := <-ch1
	e2 := <-ch2
	assert.Equal(t, NodeStarted, e1.Type)
	assert.Equal(t, "job-1", e1.JobID)
	assert.Equal(t, e1, e2)
}

func TestBusOverflowInjectsSingleFrame(t *testing.T) {
	bus := NewBus("job-2")
	ch, unsub := bus.Subscribe(1)
	defer unsub()

	// Fill the buffer, then overflow it repeatedly without draining.
	for i := 0; i < 5; i++ {
		bus.Emit(Event{Type: NodeStarted})
	}

	drained := <-ch
	require.Equal(t, Overflow, drained.Type, "oldest frame was dropped in favor of a single OVERFLOW marker")

	select {
	case extra := <-ch:
		t.Fatalf("expected channel to have been drained to one frame, got extra: %+v", extra)
	default:
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus("job-3")
	ch, unsub := bus.Subscribe(1)
	unsub()

	_, ok := <-ch
	assert.False(t, ok)
}

func TestBufferedSinkRecordsPerJobHistory(t *testing.T) {
	sink := NewBufferedSink()
	sink.Emit(Event{JobID: "a", Type: WorkflowStarted})
	sink.Emit(Event{JobID: "b", Type: WorkflowStarted})
	sink.Emit(Event{JobID: "a", Type: WorkflowCompleted})

	assert.Len(t, sink.History("a"), 2)
	assert.Len(t, sink.History("b"), 1)
	assert.Empty(t, sink.History("missing"))
}
