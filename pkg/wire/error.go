package wire

import "time"

// ErrorPayload is the terminal error message published on the conversation
// topic when task processing fails. The message field is redacted before
// publish; it never carries secrets.
type ErrorPayload struct {
	ErrorKind      string    `json:"error_kind"`
	Message        string    `json:"message"`
	TaskID         string    `json:"task_id"`
	ConversationID string    `json:"conversation_id"`
	AgentID        string    `json:"agent_id"`
	Timestamp      time.Time `json:"timestamp"`
}
