package engine

import (
	"strings"

	"github.com/casarerpa/core/internal/engine/emit"
	"github.com/casarerpa/core/internal/workflow"
)

// bypassNode implements disabled-node passthrough: for each bound input
// value, copy it to an output port of the same name if one exists, else
// to the output named by replacing a trailing "_in" with "_out". No
// plugin logic runs.
func bypassNode(node *workflow.Node, outputPortNames map[string]bool, inputs map[string]any, sink emit.Sink, jobID string) map[string]any {
	out := make(map[string]any, len(inputs))
	for port, value := range inputs {
		target := port
		if !outputPortNames[target] {
			if strings.HasSuffix(port, "_in") {
				candidate := strings.TrimSuffix(port, "_in") + "_out"
				if outputPortNames[candidate] {
					target = candidate
				}
			}
		}
		if outputPortNames[target] {
			out[target] = value
		}
	}

	if sink != nil {
		sink.Emit(emit.Event{
			Type:    emit.NodeBypassed,
			JobID:   jobID,
			NodeID:  node.ID,
			Payload: map[string]any{"outputs": out},
		})
	}
	return out
}
