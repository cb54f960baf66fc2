// Package processor implements the fixed task pipeline: ingress checks,
// idempotency, depth control, decode, the LLM/tool work loop, routing, and
// completion.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mqmesh/mqmesh/internal/cache"
	"github.com/mqmesh/mqmesh/internal/envelope"
	"github.com/mqmesh/mqmesh/internal/errdefs"
	"github.com/mqmesh/mqmesh/internal/llm"
	"github.com/mqmesh/mqmesh/internal/observability"
	"github.com/mqmesh/mqmesh/internal/routing"
	"github.com/mqmesh/mqmesh/internal/tools"
	"github.com/mqmesh/mqmesh/internal/topics"
	"github.com/mqmesh/mqmesh/internal/transport"
	"github.com/mqmesh/mqmesh/pkg/wire"
)

// Config bounds one task's processing.
type Config struct {
	// AgentID is this agent's identity; it fixes the canonical input
	// topic and is stamped on every outgoing message.
	AgentID string
	// SystemPrompt is prepended to every work-loop conversation.
	SystemPrompt string
	// MaxDepth caps pipeline_depth. Default and ceiling 16.
	MaxDepth int
	// MaxIterations bounds LLM turns per task. Default 8.
	MaxIterations int
	// MaxToolCalls bounds total tool executions per task. Default 15.
	MaxToolCalls int
	// TaskDeadline bounds one task end to end. Default 300 s.
	TaskDeadline time.Duration
	// ToolGrace is reserved from the task budget so tool results can
	// still be reported after the last tool turn. Default 2 s.
	ToolGrace time.Duration
	// MaxTokens is passed to the provider per completion. Zero means
	// provider default.
	MaxTokens int
}

func (c *Config) applyDefaults() {
	if c.MaxDepth <= 0 || c.MaxDepth > 16 {
		c.MaxDepth = 16
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 8
	}
	if c.MaxToolCalls <= 0 {
		c.MaxToolCalls = 15
	}
	if c.TaskDeadline <= 0 {
		c.TaskDeadline = 300 * time.Second
	}
	if c.ToolGrace <= 0 {
		c.ToolGrace = 2 * time.Second
	}
}

// Processor runs tasks through the fixed pipeline. Safe for concurrent use:
// each worker calls Process with its own task.
type Processor struct {
	config     Config
	transport  transport.Transport
	cache      *cache.TaskCache
	provider   llm.Provider
	tools      *tools.Registry
	executor   *tools.Executor
	router     routing.Router
	metrics    *observability.Metrics
	logger     *slog.Logger
	inputTopic string
}

// New creates a processor. router may be nil when the agent only does
// static forwarding.
func New(
	config Config,
	tp transport.Transport,
	taskCache *cache.TaskCache,
	provider llm.Provider,
	registry *tools.Registry,
	executor *tools.Executor,
	router routing.Router,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Processor {
	config.applyDefaults()
	return &Processor{
		config:     config,
		transport:  tp,
		cache:      taskCache,
		provider:   provider,
		tools:      registry,
		executor:   executor,
		router:     router,
		metrics:    metrics,
		logger:     logger.With("component", "processor"),
		inputTopic: topics.Canonicalize(topics.AgentInput(config.AgentID)),
	}
}

// probe is the minimal pre-parse of an inbound payload: enough to dedupe,
// check depth, and address error envelopes before committing to a full
// decode.
type probe struct {
	TaskID         string `json:"task_id"`
	ConversationID string `json:"conversation_id"`
	PipelineDepth  int    `json:"pipeline_depth"`
}

// Process runs one inbound message through the pipeline. Task-level
// failures become error envelopes on the conversation topic; they never
// propagate to the caller.
func (p *Processor) Process(ctx context.Context, msg transport.InboundMessage) {
	start := time.Now()

	// Empty payloads and retained messages are stale or junk; discard
	// before any parsing.
	if len(msg.Payload) == 0 {
		p.discard("empty payload", msg.Topic)
		return
	}
	if msg.Retained {
		p.discard("retained message", msg.Topic)
		return
	}

	if topics.Canonicalize(msg.Topic) != p.inputTopic {
		p.logger.Warn("task on unexpected topic",
			"topic", msg.Topic, "expected", p.inputTopic)
		p.countError(errdefs.New(errdefs.KindTopicMismatch,
			"task arrived on %s, expected %s", msg.Topic, p.inputTopic))
		p.metrics.TasksTotal.WithLabelValues("discarded").Inc()
		return
	}

	var pr probe
	if err := json.Unmarshal(msg.Payload, &pr); err != nil {
		p.logger.Warn("unparseable task payload", "error", err)
		p.countError(errdefs.Wrap(errdefs.KindInvalidEnvelope, err, "unparseable payload"))
		p.metrics.TasksTotal.WithLabelValues("error").Inc()
		return
	}

	if p.cache.Seen(pr.TaskID) {
		p.logger.Debug("duplicate task suppressed", "task_id", pr.TaskID)
		p.countError(errdefs.New(errdefs.KindDuplicateTaskID, "task %s already seen", pr.TaskID))
		p.metrics.TasksTotal.WithLabelValues("duplicate").Inc()
		return
	}

	if pr.PipelineDepth >= p.config.MaxDepth {
		p.fail(pr, errdefs.New(errdefs.KindPipelineDepthExceeded,
			"pipeline_depth %d at limit %d", pr.PipelineDepth, p.config.MaxDepth))
		return
	}

	wrapped, err := envelope.Decode(msg.Payload)
	if err != nil {
		p.fail(pr, err)
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, p.config.TaskDeadline)
	defer cancel()

	if err := p.run(taskCtx, wrapped); err != nil {
		p.fail(pr, err)
		return
	}

	p.metrics.TasksTotal.WithLabelValues("success").Inc()
	p.metrics.TaskDuration.Observe(time.Since(start).Seconds())
	p.logger.Info("task completed",
		"task_id", pr.TaskID,
		"conversation_id", pr.ConversationID,
		"duration", time.Since(start))
}

// run executes the work loop and then routes the outcome.
func (p *Processor) run(ctx context.Context, w envelope.Wrapper) error {
	outcome, err := p.workLoop(ctx, w.Base())
	if err != nil {
		return err
	}
	return p.route(ctx, w, outcome)
}

// workOutcome is what the work loop produced for routing and the terminal
// result.
type workOutcome struct {
	Content   string
	Truncated bool
}

func (p *Processor) workLoop(ctx context.Context, env *wire.Envelope) (*workOutcome, error) {
	messages := []llm.Message{{Role: "user", Content: userContent(env)}}
	totalToolCalls := 0

	for iteration := 0; iteration < p.config.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, errdefs.Wrap(errdefs.KindBudgetExhausted, err, "task deadline reached")
		}

		completion, err := p.complete(ctx, llm.Request{
			System:    p.config.SystemPrompt,
			Messages:  messages,
			Tools:     p.tools.Definitions(),
			MaxTokens: p.config.MaxTokens,
		})
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return nil, errdefs.Wrap(errdefs.KindBudgetExhausted, err, "task deadline reached")
			}
			return nil, errdefs.Wrap(errdefs.KindLLMFailure, err, "completion failed")
		}

		switch completion.FinishReason {
		case llm.FinishStop:
			return &workOutcome{Content: completion.Content}, nil

		case llm.FinishLength:
			// Truncation is a success with a warning, not an error.
			p.logger.Warn("completion truncated at token limit")
			return &workOutcome{Content: completion.Content, Truncated: true}, nil

		case llm.FinishToolCalls:
			totalToolCalls += len(completion.ToolCalls)
			if totalToolCalls > p.config.MaxToolCalls {
				return nil, errdefs.New(errdefs.KindBudgetExhausted,
					"tool call budget %d exceeded", p.config.MaxToolCalls)
			}
			results := p.runTools(ctx, completion.ToolCalls)
			messages = append(messages, llm.Message{
				Role:      "assistant",
				Content:   completion.Content,
				ToolCalls: completion.ToolCalls,
			})
			messages = append(messages, results...)

		default:
			return nil, errdefs.New(errdefs.KindLLMFailure,
				"provider finished with %s", completion.FinishReason)
		}
	}

	return nil, errdefs.New(errdefs.KindBudgetExhausted,
		"work loop exceeded %d iterations", p.config.MaxIterations)
}

// runTools executes one turn's tool calls concurrently under a shared
// deadline: the remaining task budget minus the reporting grace. Failures
// of individual tools are reported back to the LLM as error results rather
// than aborting the turn.
func (p *Processor) runTools(ctx context.Context, calls []tools.Call) []llm.Message {
	toolCtx := ctx
	if deadline, ok := ctx.Deadline(); ok {
		shared := time.Until(deadline) - p.config.ToolGrace
		if shared < 0 {
			shared = 0
		}
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(ctx, shared)
		defer cancel()
	}

	results := p.executor.ExecuteAll(toolCtx, calls)

	messages := make([]llm.Message, 0, len(results))
	for _, res := range results {
		status := "success"
		content := ""
		switch {
		case res.Err != nil:
			status = "error"
			content = fmt.Sprintf("tool error: %v", res.Err)
		case res.Result != nil && res.Result.IsError:
			status = "error"
			content = res.Result.Content
		case res.Result != nil:
			content = res.Result.Content
		}
		p.metrics.ToolExecutionsTotal.WithLabelValues(res.Call.Name, status).Inc()
		p.metrics.ToolExecutionDuration.WithLabelValues(res.Call.Name).
			Observe(res.EndTime.Sub(res.StartTime).Seconds())

		messages = append(messages, llm.Message{
			Role:       "tool",
			Content:    content,
			ToolCallID: res.Call.ID,
		})
	}
	return messages
}

func (p *Processor) complete(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	start := time.Now()
	completion, err := llm.CompleteWithRetry(ctx, p.provider, req)
	p.metrics.LLMRequestDuration.WithLabelValues(p.provider.Name()).
		Observe(time.Since(start).Seconds())
	if err != nil {
		p.metrics.LLMRequestsTotal.WithLabelValues(p.provider.Name(), "error").Inc()
		return nil, err
	}
	p.metrics.LLMRequestsTotal.WithLabelValues(p.provider.Name(), "success").Inc()
	p.metrics.LLMTokensTotal.WithLabelValues(p.provider.Name(), "input").
		Add(float64(completion.Usage.InputTokens))
	p.metrics.LLMTokensTotal.WithLabelValues(p.provider.Name(), "output").
		Add(float64(completion.Usage.OutputTokens))
	return completion, nil
}

// route decides what happens after the work loop: dynamic routing via the
// router, static forwarding along next, or terminal publication.
func (p *Processor) route(ctx context.Context, w envelope.Wrapper, outcome *workOutcome) error {
	base := w.Base()

	if w.IsV2() && w.V2.DynamicRouting() && p.router != nil {
		decision, err := p.router.Decide(ctx, routing.Input{
			Envelope:   w.V2,
			WorkOutput: outcome.Content,
		})
		switch {
		case err == nil && decision.WorkflowComplete:
			w.V2.AppendTrace(p.traceStep(decision.MatchedRule, "workflow complete: "+decision.Reasoning))
			return p.publishTerminal(base, outcome)

		case err == nil:
			w.V2.AppendTrace(p.traceStep(decision.MatchedRule, decision.Reasoning))
			return p.forwardDynamic(w.V2, decision, outcome)

		case errors.Is(err, routing.ErrNoRoute):
			fallback := wire.FallbackStatic
			if w.V2.Routing.Fallback != "" {
				fallback = w.V2.Routing.Fallback
			}
			if fallback == wire.FallbackDrop {
				w.V2.AppendTrace(p.traceStep("", "no route, dropping per fallback"))
				p.logger.Info("dynamic routing found no target, ending workflow",
					"task_id", base.TaskID)
				return p.publishTerminal(base, outcome)
			}
			w.V2.AppendTrace(p.traceStep("", "no route, falling back to static next"))
			// Fall through to the static path below.

		default:
			return errdefs.Wrap(errdefs.KindRoutingFailed, err, "routing decision failed")
		}
	}

	if next, ok := base.Next.First(); ok {
		return p.forwardStatic(w, next, outcome)
	}
	return p.publishTerminal(base, outcome)
}

// forwardStatic sends the task to the next static hop, consuming the head
// of the pipeline.
func (p *Processor) forwardStatic(w envelope.Wrapper, next wire.NextTask, outcome *workOutcome) error {
	base := w.Base()

	out := *base
	out.TaskID = uuid.NewString()
	out.PipelineDepth = base.PipelineDepth + 1
	out.Next = base.Next.Rest()
	out.CreatedAt = time.Now().UTC()
	if next.Instruction != "" {
		out.Instruction = next.Instruction
	}
	out.Metadata = withPreviousOutput(base.Metadata, outcome.Content)

	var payload []byte
	var err error
	if w.IsV2() {
		v2 := *w.V2
		v2.Envelope = out
		payload, err = envelope.Encode(envelope.Wrapper{V2: &v2})
	} else {
		payload, err = envelope.Encode(envelope.Wrapper{V1: &out})
	}
	if err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "encode forwarded envelope")
	}
	return p.publishTask(next.AgentID, base, payload)
}

// forwardDynamic sends the task to the agent the router selected.
func (p *Processor) forwardDynamic(v2 *wire.EnvelopeV2, decision *routing.Decision, outcome *workOutcome) error {
	out := *v2
	out.TaskID = uuid.NewString()
	out.PipelineDepth = v2.PipelineDepth + 1
	out.Next = nil
	out.CreatedAt = time.Now().UTC()
	if decision.NextInstruction != "" {
		out.Instruction = decision.NextInstruction
	}
	out.Metadata = withPreviousOutput(v2.Metadata, outcome.Content)

	payload, err := envelope.Encode(envelope.Wrapper{V2: &out})
	if err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "encode forwarded envelope")
	}
	return p.publishTask(decision.NextAgent, &v2.Envelope, payload)
}

func (p *Processor) publishTask(targetAgent string, base *wire.Envelope, payload []byte) error {
	topic := topics.AgentInput(targetAgent)
	if err := p.transport.Publish(topic, payload, 1, false); err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "publish forwarded task")
	}
	p.logger.Info("task forwarded",
		"conversation_id", base.ConversationID,
		"target", targetAgent,
		"depth", base.PipelineDepth+1)
	return nil
}

// publishTerminal emits the workflow result on the conversation topic.
func (p *Processor) publishTerminal(base *wire.Envelope, outcome *workOutcome) error {
	result := wire.TaskResult{
		TaskID:         base.TaskID,
		ConversationID: base.ConversationID,
		AgentID:        p.config.AgentID,
		Content:        outcome.Content,
		Truncated:      outcome.Truncated,
		CompletedAt:    time.Now().UTC(),
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "encode task result")
	}
	topic := topics.Conversation(base.ConversationID, p.config.AgentID)
	if err := p.transport.Publish(topic, payload, 1, false); err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "publish task result")
	}
	return nil
}

// fail publishes an error envelope on the conversation topic. Secrets are
// redacted by the payload builder before anything reaches the broker.
func (p *Processor) fail(pr probe, err error) {
	p.countError(err)
	p.metrics.TasksTotal.WithLabelValues("error").Inc()
	p.logger.Warn("task failed",
		"task_id", pr.TaskID,
		"conversation_id", pr.ConversationID,
		"kind", string(errdefs.KindOf(err)),
		"error", err)

	if pr.ConversationID == "" {
		return
	}
	payload, merr := json.Marshal(errdefs.Payload(err, pr.TaskID, pr.ConversationID, p.config.AgentID))
	if merr != nil {
		return
	}
	topic := topics.Conversation(pr.ConversationID, p.config.AgentID)
	if perr := p.transport.Publish(topic, payload, 1, false); perr != nil {
		p.logger.Error("error envelope publish failed", "error", perr)
	}
}

func (p *Processor) discard(reason, topic string) {
	p.logger.Debug("message discarded", "reason", reason, "topic", topic)
	p.metrics.TasksTotal.WithLabelValues("discarded").Inc()
}

func (p *Processor) countError(err error) {
	p.metrics.ErrorsTotal.WithLabelValues(string(errdefs.KindOf(err))).Inc()
}

func (p *Processor) traceStep(matchedRule, reason string) wire.RoutingStep {
	return wire.RoutingStep{
		AgentID:        p.config.AgentID,
		MatchedRule:    matchedRule,
		DecisionReason: reason,
		Timestamp:      time.Now().UTC(),
	}
}

// userContent renders the envelope as the opening user message.
func userContent(env *wire.Envelope) string {
	if len(env.Payload) == 0 {
		return env.Instruction
	}
	return env.Instruction + "\n\nTask data:\n" + string(env.Payload)
}

// withPreviousOutput copies the metadata map and records this agent's
// output for the next hop. The payload itself travels untouched.
func withPreviousOutput(metadata map[string]json.RawMessage, output string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	if encoded, err := json.Marshal(output); err == nil {
		out["previous_output"] = encoded
	}
	return out
}
