package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Call is one tool invocation requested by the LLM.
type Call struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// CallResult pairs a call with its outcome. Err is set for infrastructure
// failures (unknown tool, invalid args, timeout, panic); tool-level errors
// the LLM should see arrive as Result.IsError.
type CallResult struct {
	Call      Call
	Result    *Result
	Err       error
	StartTime time.Time
	EndTime   time.Time
}

// ExecConfig configures concurrent execution.
type ExecConfig struct {
	// Concurrency is the maximum number of tools running at once.
	// Default 4.
	Concurrency int
}

// Executor runs the tool calls of one LLM turn concurrently. All calls of
// a turn share the deadline carried by ctx; an error in one call does not
// abort its siblings.
type Executor struct {
	registry *Registry
	config   ExecConfig
}

// NewExecutor creates an executor over the given registry.
func NewExecutor(registry *Registry, config ExecConfig) *Executor {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	return &Executor{registry: registry, config: config}
}

// ExecuteAll runs the calls with bounded concurrency and returns results in
// input order.
func (e *Executor) ExecuteAll(ctx context.Context, calls []Call) []CallResult {
	results := make([]CallResult, len(calls))
	sem := make(chan struct{}, e.config.Concurrency)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, c Call) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = CallResult{Call: c, Err: ctx.Err()}
				return
			}

			results[idx] = e.executeOne(ctx, c)
		}(i, call)
	}

	wg.Wait()
	return results
}

func (e *Executor) executeOne(ctx context.Context, call Call) (res CallResult) {
	res.Call = call
	res.StartTime = time.Now()
	defer func() {
		res.EndTime = time.Now()
		if r := recover(); r != nil {
			res.Result = nil
			res.Err = fmt.Errorf("tool %s panicked: %v", call.Name, r)
		}
	}()

	result, err := e.registry.Execute(ctx, call.Name, call.Args)
	res.Result = result
	res.Err = err
	return res
}
