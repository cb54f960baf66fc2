// Package llm defines the provider abstraction the processor talks to:
// a single non-streaming completion operation plus a health check.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mqmesh/mqmesh/internal/backoff"
	"github.com/mqmesh/mqmesh/internal/tools"
)

// FinishReason describes why a completion ended.
type FinishReason string

const (
	// FinishStop means the model produced a final answer.
	FinishStop FinishReason = "stop"

	// FinishLength means the response was truncated at the token limit.
	// Treated as a successful completion with a warning marker.
	FinishLength FinishReason = "length"

	// FinishToolCalls means the model requested tool executions.
	FinishToolCalls FinishReason = "tool_calls"

	// FinishContentFilter means the provider suppressed the output.
	FinishContentFilter FinishReason = "content_filter"

	// FinishError means the provider reported a terminal failure.
	FinishError FinishReason = "error"
)

// Message is one turn in the conversation sent to the provider.
// Role is "system", "user", "assistant", or "tool".
type Message struct {
	Role       string          `json:"role"`
	Content    string          `json:"content,omitempty"`
	ToolCalls  []tools.Call    `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// Request contains the parameters for one completion call.
type Request struct {
	System    string             `json:"system,omitempty"`
	Messages  []Message          `json:"messages"`
	Tools     []tools.Definition `json:"tools,omitempty"`
	MaxTokens int                `json:"max_tokens,omitempty"`
}

// Usage is the token accounting for a completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Completion is the provider's response: final text, or tool calls, or a
// terminal condition signalled by FinishReason.
type Completion struct {
	Content      string       `json:"content,omitempty"`
	ToolCalls    []tools.Call `json:"tool_calls,omitempty"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
}

// Provider defines the interface for LLM backends.
//
// Implementations must be safe for concurrent use; multiple workers call
// Complete simultaneously for different tasks. No streaming: the processor
// consumes whole completions.
type Provider interface {
	// Complete sends the conversation and returns a single completion.
	Complete(ctx context.Context, req Request) (*Completion, error)

	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error

	// Name returns the provider name for logs and metrics.
	Name() string
}

// TransientError marks a provider failure worth retrying (5xx, timeouts,
// connection resets). 4xx failures are surfaced immediately.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient llm failure: %v", e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// IsTransient reports whether an error chain contains a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// maxTransientAttempts bounds retries of transient provider failures.
const maxTransientAttempts = 3

// CompleteWithRetry calls the provider, retrying transient failures with
// exponential backoff up to three attempts total.
func CompleteWithRetry(ctx context.Context, provider Provider, req Request) (*Completion, error) {
	return backoff.Retry(ctx, backoff.TransientPolicy(), maxTransientAttempts, IsTransient,
		func(int) (*Completion, error) {
			return provider.Complete(ctx, req)
		})
}
