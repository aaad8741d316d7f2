package agent

import (
	"time"

	"github.com/casarerpa/core/internal/fleet"
)

// FleetHeartbeater adapts a fleet.Registry to Heartbeater, converting
// between the agent's string capability keys and fleet's closed
// Capability vocabulary. Unknown capability strings are dropped rather
// than rejected, since an Agent may run ahead of a fleet.Registry
// carrying a newer capability vocabulary.
type FleetHeartbeater struct {
	Registry fleet.Registry
}

func (f FleetHeartbeater) Heartbeat(robotID, name string, capabilities map[string]bool, maxConcurrentJobs int, environment, tenantScope string, currentJobCount int, at time.Time) {
	caps := make(map[fleet.Capability]bool, len(capabilities))
	for c, ok := range capabilities {
		if !ok {
			continue
		}
		switch capability := fleet.Capability(c); capability {
		case fleet.CapabilityBrowser, fleet.CapabilityDesktop, fleet.CapabilityGPU, fleet.CapabilityHighMemory,
			fleet.CapabilitySecure, fleet.CapabilityCloud, fleet.CapabilityOnPremise:
			caps[capability] = true
		}
	}
	f.Registry.Heartbeat(robotID, name, caps, maxConcurrentJobs, environment, tenantScope, currentJobCount, at)
}

var _ Heartbeater = FleetHeartbeater{}
