// Package openaicompat implements the llm.Provider interface against any
// OpenAI-compatible chat completion endpoint, including local servers.
package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mqmesh/mqmesh/internal/llm"
	"github.com/mqmesh/mqmesh/internal/tools"
)

// Config configures the adapter.
type Config struct {
	// APIKey authenticates against the endpoint. May be empty for local
	// servers.
	APIKey string
	// BaseURL overrides the OpenAI endpoint, e.g. http://localhost:8080/v1.
	BaseURL string
	// Model is the model identifier sent with every request.
	Model string
}

// Provider is an llm.Provider backed by an OpenAI-compatible API.
type Provider struct {
	client *openai.Client
	model  string
}

// New creates a provider from config.
func New(cfg Config) *Provider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &Provider{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
	}
}

// Name returns the provider name.
func (p *Provider) Name() string { return "openai-compat" }

// Health checks reachability by listing models.
func (p *Provider) Health(ctx context.Context) error {
	if _, err := p.client.ListModels(ctx); err != nil {
		return fmt.Errorf("llm health check: %w", classify(err))
	}
	return nil
}

// Complete sends the conversation and maps the response to the runtime's
// completion shape.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req))
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return &llm.Completion{FinishReason: llm.FinishError}, nil
	}

	choice := resp.Choices[0]
	completion := &llm.Completion{
		Content:      choice.Message.Content,
		FinishReason: mapFinishReason(choice.FinishReason),
		Usage: llm.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		completion.ToolCalls = append(completion.ToolCalls, tools.Call{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}
	if len(completion.ToolCalls) > 0 && completion.FinishReason == llm.FinishStop {
		completion.FinishReason = llm.FinishToolCalls
	}
	return completion, nil
}

func (p *Provider) buildRequest(req llm.Request) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:     p.model,
		MaxTokens: req.MaxTokens,
	}
	if req.System != "" {
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		m := openai.ChatCompletionMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Args),
				},
			})
		}
		out.Messages = append(out.Messages, m)
	}
	for _, def := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	return out
}

func mapFinishReason(reason openai.FinishReason) llm.FinishReason {
	switch reason {
	case openai.FinishReasonStop:
		return llm.FinishStop
	case openai.FinishReasonLength:
		return llm.FinishLength
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return llm.FinishToolCalls
	case openai.FinishReasonContentFilter:
		return llm.FinishContentFilter
	default:
		return llm.FinishError
	}
}

// classify wraps provider failures: 5xx and network errors are transient
// and retried by the caller; 4xx surface immediately.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode >= 500 {
			return &llm.TransientError{Cause: err}
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &llm.TransientError{Cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &llm.TransientError{Cause: err}
	}
	return err
}

var _ llm.Provider = (*Provider)(nil)
