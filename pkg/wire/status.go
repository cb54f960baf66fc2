package wire

import "time"

// AgentState is the coarse availability of a peer agent.
type AgentState string

const (
	// StateAvailable means the agent accepts new tasks.
	StateAvailable AgentState = "Available"

	// StateBusy means the agent is above its backpressure threshold.
	StateBusy AgentState = "Busy"

	// StateDraining means the agent is shutting down and finishing
	// in-flight work.
	StateDraining AgentState = "Draining"

	// StateOffline means the agent has disconnected. Published as the
	// transport Last-Will and on graceful shutdown.
	StateOffline AgentState = "Offline"
)

// AgentStatus is the retained message published on
// /control/agents/{id}/status.
type AgentStatus struct {
	AgentID      string     `json:"agent_id"`
	Status       AgentState `json:"status"`
	Capabilities []string   `json:"capabilities,omitempty"`
	CurrentLoad  int        `json:"current_load"`
	MaxLoad      int        `json:"max_load"`
	LastSeen     time.Time  `json:"last_seen"`
}
