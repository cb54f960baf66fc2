// Package wire defines the JSON message shapes exchanged between agents
// over the MQTT broker: the TaskEnvelope in both protocol versions, the
// agent status heartbeat, and the error payload.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Protocol version discriminator carried by v2 envelopes.
const VersionV2 = "2.0"

// RoutingMode selects how the next hop for a task is decided.
type RoutingMode string

const (
	// RoutingStatic follows the envelope's next field verbatim.
	RoutingStatic RoutingMode = "static"

	// RoutingDynamic asks the router (rules or LLM) for the next hop.
	RoutingDynamic RoutingMode = "dynamic"
)

// FallbackMode selects what happens when dynamic routing produces no hop.
type FallbackMode string

const (
	// FallbackStatic falls back to the envelope's static next field.
	FallbackStatic FallbackMode = "static"

	// FallbackDrop ends the workflow without forwarding.
	FallbackDrop FallbackMode = "drop"
)

// MaxRoutingTrace bounds the routing_trace length. When the bound is
// reached the oldest steps are truncated; the trace is diagnostic data and
// never a reason to reject a task.
const MaxRoutingTrace = 32

// Envelope is the v1 TaskEnvelope: one unit of work flowing between agents.
type Envelope struct {
	// TaskID uniquely identifies this task instance within the pipeline.
	TaskID string `json:"task_id"`

	// ConversationID groups related envelopes across hops.
	ConversationID string `json:"conversation_id"`

	// PipelineDepth counts forwarding hops. Incremented on each hop and
	// capped at the configured maximum (16).
	PipelineDepth int `json:"pipeline_depth"`

	// Instruction is the work the receiving agent should perform.
	Instruction string `json:"instruction"`

	// Payload is arbitrary task data, passed through untouched.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Next names the agent(s) this task should be forwarded to after
	// processing. Empty means the task is terminal at this agent.
	Next NextHops `json:"next,omitempty"`

	// Metadata carries trace IDs, source, and timing hints.
	Metadata map[string]json.RawMessage `json:"metadata,omitempty"`

	// CreatedAt is the envelope creation time (RFC 3339).
	CreatedAt time.Time `json:"created_at"`
}

// NextTask names a single forwarding target and an optional instruction
// override for that hop.
type NextTask struct {
	AgentID     string `json:"agent_id"`
	Instruction string `json:"instruction,omitempty"`
}

// NextHops is the envelope's next field. On the wire it is either a single
// NextTask object or an ordered list describing a static pipeline; both
// decode into a slice. A single hop re-encodes as an object.
type NextHops []NextTask

// UnmarshalJSON accepts both the object and the list form.
func (n *NextHops) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*n = nil
		return nil
	}
	if data[0] == '[' {
		var hops []NextTask
		if err := json.Unmarshal(data, &hops); err != nil {
			return err
		}
		*n = hops
		return nil
	}
	var hop NextTask
	if err := json.Unmarshal(data, &hop); err != nil {
		return err
	}
	*n = NextHops{hop}
	return nil
}

// MarshalJSON emits the object form for a single hop and the list form
// otherwise.
func (n NextHops) MarshalJSON() ([]byte, error) {
	if len(n) == 1 {
		return json.Marshal(n[0])
	}
	return json.Marshal([]NextTask(n))
}

// First returns the first hop, if any.
func (n NextHops) First() (NextTask, bool) {
	if len(n) == 0 {
		return NextTask{}, false
	}
	return n[0], true
}

// Rest returns the hops after the first. Used when forwarding a static
// pipeline: the head is consumed, the tail travels on.
func (n NextHops) Rest() NextHops {
	if len(n) <= 1 {
		return nil
	}
	rest := make(NextHops, len(n)-1)
	copy(rest, n[1:])
	return rest
}

// RoutingRule is one ordered rule evaluated by the rule engine. Condition
// is a JSONPath expression over the envelope's JSON representation. Rules
// arrive either inside v2 envelopes or from the agent's own configuration
// file, hence the yaml tags.
type RoutingRule struct {
	ID                   string   `json:"id" yaml:"id"`
	Priority             int      `json:"priority" yaml:"priority"`
	Condition            string   `json:"condition" yaml:"condition"`
	TargetAgent          string   `json:"target_agent" yaml:"target_agent"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty" yaml:"required_capabilities,omitempty"`
}

// RoutingConfig controls next-hop selection for v2 envelopes.
type RoutingConfig struct {
	Mode     RoutingMode   `json:"mode"`
	Fallback FallbackMode  `json:"fallback,omitempty"`
	Rules    []RoutingRule `json:"rules,omitempty"`
}

// RoutingStep records one routing decision for observability.
type RoutingStep struct {
	AgentID        string    `json:"agent_id"`
	MatchedRule    string    `json:"matched_rule,omitempty"`
	DecisionReason string    `json:"decision_reason"`
	Timestamp      time.Time `json:"timestamp"`
}

// EnvelopeV2 is the v2 TaskEnvelope: a superset of v1 carrying the version
// discriminator, routing configuration, and the routing trace.
type EnvelopeV2 struct {
	Version string `json:"version"`
	Envelope
	Routing      *RoutingConfig `json:"routing,omitempty"`
	RoutingTrace []RoutingStep  `json:"routing_trace,omitempty"`
}

// AppendTrace appends a routing step, truncating the oldest steps to keep
// the trace within MaxRoutingTrace.
func (e *EnvelopeV2) AppendTrace(step RoutingStep) {
	e.RoutingTrace = append(e.RoutingTrace, step)
	if excess := len(e.RoutingTrace) - MaxRoutingTrace; excess > 0 {
		e.RoutingTrace = e.RoutingTrace[excess:]
	}
}

// DynamicRouting reports whether the envelope asks for dynamic routing with
// at least one rule or router available. A v2 envelope with mode dynamic
// but no routing config behaves as static, like v1.
func (e *EnvelopeV2) DynamicRouting() bool {
	return e.Routing != nil && e.Routing.Mode == RoutingDynamic
}

// Validate checks the fields every envelope version must carry.
func (e *Envelope) Validate() error {
	if e.TaskID == "" {
		return fmt.Errorf("envelope missing task_id")
	}
	if e.ConversationID == "" {
		return fmt.Errorf("envelope missing conversation_id")
	}
	if e.PipelineDepth < 0 {
		return fmt.Errorf("envelope pipeline_depth %d is negative", e.PipelineDepth)
	}
	return nil
}

// Validate checks v2-specific fields on top of the v1 invariants.
func (e *EnvelopeV2) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.Routing != nil {
		switch e.Routing.Mode {
		case RoutingStatic, RoutingDynamic:
		default:
			return fmt.Errorf("unknown routing mode %q", e.Routing.Mode)
		}
		switch e.Routing.Fallback {
		case "", FallbackStatic, FallbackDrop:
		default:
			return fmt.Errorf("unknown routing fallback %q", e.Routing.Fallback)
		}
	}
	return nil
}
