// Package tools manages the agent's executable tools: registration, JSON
// Schema validation of arguments, and bounded concurrent execution.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Common sentinel errors for tool operations.
var (
	// ErrToolNotFound indicates a requested tool is not registered.
	ErrToolNotFound = errors.New("tool not found")

	// ErrInvalidArguments indicates the arguments failed schema
	// validation. Never retried.
	ErrInvalidArguments = errors.New("invalid tool arguments")

	// ErrToolTimeout indicates a tool execution exceeded its deadline.
	ErrToolTimeout = errors.New("tool execution timed out")
)

// Tool defines the interface for executable agent tools. Implementations
// must be safe for concurrent invocation across tasks.
type Tool interface {
	// Name returns the tool name for LLM function calling.
	Name() string

	// Description returns a natural language description of the tool.
	Description() string

	// Schema returns the JSON Schema for the tool's arguments.
	Schema() json.RawMessage

	// Execute runs the tool with arguments already validated against
	// Schema(). Returns the tool output or an error.
	Execute(ctx context.Context, args json.RawMessage) (*Result, error)
}

// Result contains the output from a tool execution. Errors the LLM should
// see (and may recover from) are communicated via IsError rather than a Go
// error.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Definition is a tool description handed to the LLM provider.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type registered struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry manages available tools with thread-safe registration and
// lookup. Argument schemas are compiled once at registration time.
type Registry struct {
	mu             sync.RWMutex
	tools          map[string]registered
	perToolTimeout time.Duration
}

// NewRegistry creates an empty registry. perToolTimeout bounds each
// execution; zero or negative selects the 60 s default.
func NewRegistry(perToolTimeout time.Duration) *Registry {
	if perToolTimeout <= 0 {
		perToolTimeout = 60 * time.Second
	}
	return &Registry{
		tools:          make(map[string]registered),
		perToolTimeout: perToolTimeout,
	}
}

// Register adds a tool, compiling its argument schema. A tool with the
// same name is replaced.
func (r *Registry) Register(tool Tool) error {
	compiler := jsonschema.NewCompiler()
	url := "mqmesh://tools/" + tool.Name() + ".schema.json"
	if err := compiler.AddResource(url, bytes.NewReader(tool.Schema())); err != nil {
		return fmt.Errorf("tool %s: add schema: %w", tool.Name(), err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("tool %s: compile schema: %w", tool.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = registered{tool: tool, schema: schema}
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return reg.tool, true
}

// Definitions returns all registered tools as definitions for the LLM.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.tools))
	for _, reg := range r.tools {
		defs = append(defs, Definition{
			Name:        reg.tool.Name(),
			Description: reg.tool.Description(),
			Parameters:  reg.tool.Schema(),
		})
	}
	return defs
}

// Execute validates args against the tool's schema and runs it under the
// per-tool timeout (further bounded by ctx). Validation failures return
// ErrInvalidArguments and must not be retried.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (*Result, error) {
	r.mu.RLock()
	reg, ok := r.tools[name]
	timeout := r.perToolTimeout
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	var parsed any
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if err := json.Unmarshal(args, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArguments, name, err)
	}
	if err := reg.schema.Validate(parsed); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArguments, name, err)
	}

	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := reg.tool.Execute(toolCtx, args)
	if err != nil {
		if errors.Is(toolCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %s after %s", ErrToolTimeout, name, timeout)
		}
		return nil, err
	}
	return result, nil
}
