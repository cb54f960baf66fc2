package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mqmesh/mqmesh/internal/llm"
	"github.com/mqmesh/mqmesh/internal/registry"
	"github.com/mqmesh/mqmesh/pkg/wire"
)

// ErrNoRoute indicates the router could not produce a next hop. The caller
// applies the envelope's fallback: static next or drop.
var ErrNoRoute = errors.New("no route decided")

// Input is what a router sees when deciding the next hop.
type Input struct {
	// Envelope is the task being routed, after the work loop ran.
	Envelope *wire.EnvelopeV2
	// WorkOutput is the final text the work loop produced.
	WorkOutput string
}

// Decision is a router's verdict on a task.
type Decision struct {
	// WorkflowComplete means the task is terminal: no forwarding.
	WorkflowComplete bool `json:"workflow_complete"`
	// Reasoning explains the decision; recorded in the routing trace.
	Reasoning string `json:"reasoning"`
	// NextAgent is the forwarding target when the workflow continues.
	NextAgent string `json:"next_agent,omitempty"`
	// NextInstruction overrides the instruction for the next hop.
	NextInstruction string `json:"next_instruction,omitempty"`

	// MatchedRule is set by the rule router for the trace step.
	MatchedRule string `json:"-"`
}

// Router decides the next hop for tasks that ask for dynamic routing.
type Router interface {
	Decide(ctx context.Context, in Input) (*Decision, error)
}

// RuleRouter routes with the ordered rule engine over the envelope JSON.
type RuleRouter struct {
	registry *registry.Registry
}

// NewRuleRouter creates a rule router backed by the agent registry.
func NewRuleRouter(reg *registry.Registry) *RuleRouter {
	return &RuleRouter{registry: reg}
}

// Decide evaluates the envelope's rules. Returns ErrNoRoute when no rule
// selects a live, qualified target.
func (r *RuleRouter) Decide(_ context.Context, in Input) (*Decision, error) {
	if in.Envelope == nil || in.Envelope.Routing == nil {
		return nil, ErrNoRoute
	}

	raw, err := json.Marshal(in.Envelope)
	if err != nil {
		return nil, fmt.Errorf("encode envelope for rule evaluation: %w", err)
	}

	verdict := EvaluateRules(raw, in.Envelope.Routing.Rules, r.registry)
	if !verdict.Matched {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, verdict.Reason)
	}
	return &Decision{
		NextAgent:   verdict.Target,
		Reasoning:   verdict.Reason,
		MatchedRule: verdict.MatchedRule,
	}, nil
}

// LLMRouter asks the LLM to pick the next hop, given the original query,
// the work output, and the live agents with their capabilities. The model
// must answer with a JSON decision; an invalid answer gets exactly one
// re-ask with the validation error appended, then the router gives up.
type LLMRouter struct {
	provider llm.Provider
	registry *registry.Registry
}

// NewLLMRouter creates an LLM-backed router.
func NewLLMRouter(provider llm.Provider, reg *registry.Registry) *LLMRouter {
	return &LLMRouter{provider: provider, registry: reg}
}

const routerSystemPrompt = `You are a task router in a multi-agent system.
Given the task, the work already done, and the available agents, decide
whether the workflow is complete or which agent should act next.

Respond with a single JSON object and nothing else:
{
  "workflow_complete": <bool>,
  "reasoning": "<why>",
  "next_agent": "<agent id, omit when complete>",
  "next_instruction": "<instruction for the next agent, omit when complete>"
}`

// Decide prompts the provider and validates its decision.
func (r *LLMRouter) Decide(ctx context.Context, in Input) (*Decision, error) {
	if in.Envelope == nil {
		return nil, ErrNoRoute
	}

	agents := r.registry.List()
	prompt := r.buildPrompt(in, agents)

	messages := []llm.Message{{Role: "user", Content: prompt}}
	for attempt := 0; attempt < 2; attempt++ {
		completion, err := llm.CompleteWithRetry(ctx, r.provider, llm.Request{
			System:   routerSystemPrompt,
			Messages: messages,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: routing completion: %v", ErrNoRoute, err)
		}

		decision, validationErr := r.parseDecision(completion.Content, agents)
		if validationErr == nil {
			return decision, nil
		}
		messages = append(messages,
			llm.Message{Role: "assistant", Content: completion.Content},
			llm.Message{Role: "user", Content: "Your decision was invalid: " +
				validationErr.Error() + ". Answer again with a valid JSON decision."},
		)
	}
	return nil, fmt.Errorf("%w: decision invalid after re-ask", ErrNoRoute)
}

func (r *LLMRouter) buildPrompt(in Input, agents []registry.AgentInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task instruction:\n%s\n\n", in.Envelope.Instruction)
	fmt.Fprintf(&b, "Work output:\n%s\n\n", in.WorkOutput)
	b.WriteString("Available agents:\n")
	if len(agents) == 0 {
		b.WriteString("(none)\n")
	}
	for _, a := range agents {
		fmt.Fprintf(&b, "- %s (capabilities: %s, load: %d/%d)\n",
			a.AgentID, strings.Join(a.Capabilities, ", "), a.CurrentLoad, a.MaxLoad)
	}
	return b.String()
}

// parseDecision extracts and validates the JSON decision. A complete
// workflow must not name a next agent; a continuing one must name a live
// agent.
func (r *LLMRouter) parseDecision(content string, agents []registry.AgentInfo) (*Decision, error) {
	raw := extractJSON(content)
	if raw == "" {
		return nil, errors.New("no JSON object found in response")
	}

	var decision Decision
	if err := json.Unmarshal([]byte(raw), &decision); err != nil {
		return nil, fmt.Errorf("malformed decision JSON: %v", err)
	}

	if decision.WorkflowComplete {
		if decision.NextAgent != "" {
			return nil, errors.New("workflow_complete is true but next_agent is set")
		}
		return &decision, nil
	}
	if decision.NextAgent == "" {
		return nil, errors.New("workflow continues but next_agent is empty")
	}
	for _, a := range agents {
		if a.AgentID == decision.NextAgent {
			return &decision, nil
		}
	}
	return nil, fmt.Errorf("next_agent %q is not a live agent", decision.NextAgent)
}

// extractJSON returns the first top-level JSON object in the text, so that
// answers wrapped in prose or code fences still parse.
func extractJSON(content string) string {
	start := strings.IndexByte(content, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		c := content[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return content[start : i+1]
			}
		}
	}
	return ""
}
