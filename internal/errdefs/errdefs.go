// Package errdefs defines the task error taxonomy and its mapping to the
// wire error payload published on conversation topics.
package errdefs

import (
	"errors"
	"fmt"
	"time"

	"github.com/mqmesh/mqmesh/pkg/wire"
)

// Kind categorizes task-level failures. Each kind maps 1:1 to the
// error_kind field of the wire payload.
type Kind string

const (
	KindInvalidEnvelope       Kind = "InvalidEnvelope"
	KindPipelineDepthExceeded Kind = "PipelineDepthExceeded"
	KindDuplicateTaskID       Kind = "DuplicateTaskId"
	KindTopicMismatch         Kind = "TopicMismatch"
	KindLLMFailure            Kind = "LlmFailure"
	KindToolFailure           Kind = "ToolFailure"
	KindBudgetExhausted       Kind = "BudgetExhausted"
	KindRoutingFailed         Kind = "RoutingFailed"
	KindTransportOverflow     Kind = "TransportOverflow"
	KindInternal              Kind = "Internal"
)

// Error is a task-level error with a protocol kind. Task errors surface as
// error envelopes; they never terminate the process.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New creates an Error with the given kind and message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error wrapping a cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	default:
		return string(e.Kind)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// KindOf extracts the kind from an error chain. Unclassified errors are
// reported as Internal.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// Payload builds the wire error payload for an error. The message is
// redacted so that secrets never reach the broker.
func Payload(err error, taskID, conversationID, agentID string) wire.ErrorPayload {
	var msg string
	var te *Error
	if errors.As(err, &te) {
		msg = te.Message
		if msg == "" && te.Cause != nil {
			msg = te.Cause.Error()
		}
	} else if err != nil {
		msg = err.Error()
	}
	return wire.ErrorPayload{
		ErrorKind:      string(KindOf(err)),
		Message:        Redact(msg),
		TaskID:         taskID,
		ConversationID: conversationID,
		AgentID:        agentID,
		Timestamp:      time.Now().UTC(),
	}
}
