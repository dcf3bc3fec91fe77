package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/haasonsaas/malhub/internal/backoff"
	"github.com/haasonsaas/malhub/internal/observability"
	"github.com/haasonsaas/malhub/pkg/models"
	"go.opentelemetry.io/otel/trace"
)

// ExecutorConfig configures the parallel tool executor behavior including
// concurrency limits, timeouts, and retry strategies.
type ExecutorConfig struct {
	// MaxConcurrency limits the number of parallel tool executions
	// Default: 5
	MaxConcurrency int

	// DefaultTimeout is the default timeout for tool execution
	// Default: 60s
	DefaultTimeout time.Duration

	// DefaultRetries is the default number of retries for retryable errors
	// Default: 1
	DefaultRetries int

	// RetryBackoff is the initial backoff duration between retries
	// Default: 200ms
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the exponential backoff
	// Default: 5s
	MaxRetryBackoff time.Duration
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		MaxConcurrency:  5,
		DefaultTimeout:  60 * time.Second,
		DefaultRetries:  1,
		RetryBackoff:    200 * time.Millisecond,
		MaxRetryBackoff: 5 * time.Second,
	}
}

// ToolConfig holds per-tool overrides for timeout and retries.
type ToolConfig struct {
	// Timeout overrides the default timeout for this tool
	Timeout time.Duration

	// Retries overrides the default retries for this tool
	Retries int

	// RetryBackoff overrides the initial backoff for this tool
	RetryBackoff time.Duration
}

// Executor runs tool calls in parallel with a concurrency limit, per-call
// timeouts and retry of transport failures.
type Executor struct {
	registry   *ToolRegistry
	config     *ExecutorConfig
	toolConfig map[string]*ToolConfig
	mu         sync.RWMutex

	sem chan struct{}

	counters *executorCounters
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

type executorCounters struct {
	mu              sync.Mutex
	TotalExecutions int64
	TotalRetries    int64
	TotalFailures   int64
	TotalTimeouts   int64
	TotalPanics     int64
}

// NewExecutor creates a new parallel tool executor with the given registry and configuration.
// If config is nil, DefaultExecutorConfig is used.
func NewExecutor(registry *ToolRegistry, config *ExecutorConfig) *Executor {
	defaults := DefaultExecutorConfig()
	if config == nil {
		config = defaults
	}
	cfg := *config
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaults.MaxConcurrency
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaults.DefaultTimeout
	}
	if cfg.MaxRetryBackoff <= 0 {
		cfg.MaxRetryBackoff = defaults.MaxRetryBackoff
	}

	return &Executor{
		registry:   registry,
		config:     &cfg,
		toolConfig: make(map[string]*ToolConfig),
		sem:        make(chan struct{}, cfg.MaxConcurrency),
		counters:   &executorCounters{},
	}
}

// Instrument attaches metrics and tracing. Either may be nil.
func (e *Executor) Instrument(metrics *observability.Metrics, tracer *observability.Tracer) *Executor {
	e.metrics = metrics
	e.tracer = tracer
	return e
}

// ConfigureTool sets per-tool configuration overrides for the named tool.
func (e *Executor) ConfigureTool(name string, config *ToolConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.toolConfig[name] = config
}

func (e *Executor) getToolConfig(name string) *ToolConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.toolConfig[name]
}

// ExecutionResult holds the result of a single tool execution including
// timing information and retry attempts.
type ExecutionResult struct {
	ToolCallID string
	ToolName   string
	Result     *ToolResult
	Error      error
	Duration   time.Duration
	Attempts   int
}

// ExecuteAll executes multiple tool calls in parallel with concurrency limits.
// Results are returned in the same order as the input calls.
func (e *Executor) ExecuteAll(ctx context.Context, calls []models.ToolCall) []*ExecutionResult {
	if len(calls) == 0 {
		return nil
	}

	results := make([]*ExecutionResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc models.ToolCall) {
			defer wg.Done()
			results[idx] = e.Execute(ctx, tc)
		}(i, call)
	}
	wg.Wait()
	return results
}

// Execute executes a single tool call with retry logic and timeout handling.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall) *ExecutionResult {
	start := time.Now()
	result := &ExecutionResult{
		ToolCallID: call.ID,
		ToolName:   call.Name,
	}

	ctx, span := e.tracer.TraceToolExecution(ctx, call.Name)
	defer span.End()

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		result.Error = NewToolError(call.Name, ctx.Err()).
			WithType(ToolErrorTimeout).
			WithToolCallID(call.ID)
		result.Duration = time.Since(start)
		e.finish(result, span)
		return result
	}

	timeout := e.config.DefaultTimeout
	maxRetries := e.config.DefaultRetries
	retryBackoff := e.config.RetryBackoff
	if tc := e.getToolConfig(call.Name); tc != nil {
		if tc.Timeout > 0 {
			timeout = tc.Timeout
		}
		if tc.Retries >= 0 {
			maxRetries = tc.Retries
		}
		if tc.RetryBackoff > 0 {
			retryBackoff = tc.RetryBackoff
		}
	}

	policy := backoff.Exponential(retryBackoff, e.config.MaxRetryBackoff)
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		result.Attempts = attempt + 1

		execResult, execErr := e.executeWithTimeout(ctx, call, timeout)
		if execErr == nil {
			result.Result = execResult
			result.Duration = time.Since(start)
			e.finish(result, span)
			return result
		}
		lastErr = execErr

		if !IsToolRetryable(execErr) || ctx.Err() != nil || attempt >= maxRetries {
			break
		}

		if err := backoff.Sleep(ctx, policy.Delay(attempt+1)); err != nil {
			lastErr = NewToolError(call.Name, err).
				WithType(ToolErrorTimeout).
				WithToolCallID(call.ID)
			break
		}
	}

	if toolErr, ok := GetToolError(lastErr); ok {
		toolErr.WithAttempts(result.Attempts)
	}
	result.Error = lastErr
	result.Duration = time.Since(start)
	e.finish(result, span)
	return result
}

func (e *Executor) finish(result *ExecutionResult, span trace.Span) {
	status := "success"
	e.counters.mu.Lock()
	e.counters.TotalExecutions++
	if result.Attempts > 1 {
		e.counters.TotalRetries += int64(result.Attempts - 1)
	}
	if result.Error != nil {
		status = "error"
		e.counters.TotalFailures++
		if toolErr, ok := GetToolError(result.Error); ok {
			switch toolErr.Type {
			case ToolErrorTimeout:
				e.counters.TotalTimeouts++
			case ToolErrorPanic:
				e.counters.TotalPanics++
			}
		}
	} else if result.Result != nil && result.Result.IsError {
		status = "error"
	}
	e.counters.mu.Unlock()

	e.metrics.RecordToolExecution(result.ToolName, status, result.Duration.Seconds())
	e.tracer.RecordError(span, result.Error)
}

// executeWithTimeout executes a tool call with a timeout.
func (e *Executor) executeWithTimeout(ctx context.Context, call models.ToolCall, timeout time.Duration) (*ToolResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type execResult struct {
		result *ToolResult
		err    error
	}
	resultCh := make(chan execResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				err := NewToolError(call.Name, fmt.Errorf("%w: %v\n%s", ErrToolPanic, r, debug.Stack())).
					WithType(ToolErrorPanic).
					WithToolCallID(call.ID)
				resultCh <- execResult{err: err}
			}
		}()

		result, err := e.registry.Execute(execCtx, call.Name, call.Input)
		if err != nil {
			resultCh <- execResult{err: NewToolError(call.Name, err).WithToolCallID(call.ID)}
			return
		}
		if result == nil {
			result = &ToolResult{}
		}
		resultCh <- execResult{result: result}
	}()

	select {
	case res := <-resultCh:
		return res.result, res.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, NewToolError(call.Name, ctx.Err()).
				WithType(ToolErrorTimeout).
				WithToolCallID(call.ID).
				WithMessage("context cancelled")
		}
		return nil, NewToolError(call.Name, ErrToolTimeout).
			WithType(ToolErrorTimeout).
			WithToolCallID(call.ID).
			WithMessage(fmt.Sprintf("execution timed out after %s", timeout))
	}
}

// Metrics returns a snapshot of the executor counters.
func (e *Executor) Metrics() *ExecutorMetricsSnapshot {
	e.counters.mu.Lock()
	defer e.counters.mu.Unlock()
	return &ExecutorMetricsSnapshot{
		TotalExecutions: e.counters.TotalExecutions,
		TotalRetries:    e.counters.TotalRetries,
		TotalFailures:   e.counters.TotalFailures,
		TotalTimeouts:   e.counters.TotalTimeouts,
		TotalPanics:     e.counters.TotalPanics,
	}
}

// ExecutorMetricsSnapshot is a copy of the executor counters at a point in time.
type ExecutorMetricsSnapshot struct {
	TotalExecutions int64
	TotalRetries    int64
	TotalFailures   int64
	TotalTimeouts   int64
	TotalPanics     int64
}

// ToToolResult converts an execution result into the tool result recorded in
// the thread. Transport failures become error-bearing results.
func (r *ExecutionResult) ToToolResult() models.ToolResult {
	switch {
	case r.Error != nil:
		return models.ToolResult{ToolCallID: r.ToolCallID, Content: r.Error.Error(), IsError: true}
	case r.Result != nil:
		return models.ToolResult{ToolCallID: r.ToolCallID, Content: r.Result.Content, IsError: r.Result.IsError}
	default:
		return models.ToolResult{ToolCallID: r.ToolCallID}
	}
}
