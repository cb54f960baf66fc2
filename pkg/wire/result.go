package wire

import "time"

// TaskResult is the terminal message published on the conversation topic
// when a workflow ends at this agent.
type TaskResult struct {
	TaskID         string    `json:"task_id"`
	ConversationID string    `json:"conversation_id"`
	AgentID        string    `json:"agent_id"`
	Content        string    `json:"content"`
	Truncated      bool      `json:"truncated,omitempty"`
	CompletedAt    time.Time `json:"completed_at"`
}
