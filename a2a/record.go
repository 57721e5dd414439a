// Package a2a provides the agent-to-agent fabric: an agent registry with
// capability discovery plus directed, broadcast and request/response
// messaging on top of the bus substrate.
package a2a

import (
	"errors"
	"time"
)

type (
	// Status is an agent's liveness state.
	Status string

	// AgentRecord describes one registered agent. Records are owned by the
	// registry: created on registration, refreshed on heartbeat, deleted on
	// unregister. An agent is discoverable by capability iff its record
	// exists with a status other than offline.
	AgentRecord struct {
		// AgentID uniquely identifies the agent.
		AgentID string `json:"agent_id"`
		// AgentType groups agents of the same implementation (sales, coach,
		// compliance, ...).
		AgentType string `json:"agent_type"`
		// Capabilities lists the actions the agent answers to.
		Capabilities []string `json:"capabilities,omitempty"`
		// Status is the agent's current liveness state.
		Status Status `json:"status"`
		// Metadata carries opaque agent-specific details.
		Metadata map[string]any `json:"metadata,omitempty"`
		// LastSeen records the last registration or heartbeat (UTC).
		LastSeen time.Time `json:"last_seen"`
		// Version is the agent implementation version.
		Version string `json:"version,omitempty"`
	}
)

const (
	StatusOnline   Status = "online"
	StatusOffline  Status = "offline"
	StatusDegraded Status = "degraded"
	StatusBusy     Status = "busy"
)

// ErrAgentNotFound reports a lookup for an agent the registry does not hold.
var ErrAgentNotFound = errors.New("a2a: agent not found")

// HasCapability reports whether the record lists the capability.
func (r AgentRecord) HasCapability(capability string) bool {
	for _, c := range r.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}
