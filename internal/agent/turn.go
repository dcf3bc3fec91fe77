package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/malhub/internal/observability"
	"github.com/haasonsaas/malhub/internal/sessions"
	"github.com/haasonsaas/malhub/pkg/models"
)

// DefaultMaxIterations caps the model calls of a single invocation.
const DefaultMaxIterations = 25

// Agent binds a system prompt and a tool subset to a model. Agents are built
// once at startup and shared read-only between turns.
type Agent struct {
	Name         string
	Description  string
	SystemPrompt string
	Tools        *ToolRegistry
	Provider     LLMProvider
	Model        string
	MaxTokens    int

	// MaxIterations defaults to DefaultMaxIterations when zero.
	MaxIterations int

	// Gate is nil for agents whose tools never need confirmation.
	Gate     *Gate
	Executor *Executor
}

func (a *Agent) maxIterations() int {
	if a.MaxIterations > 0 {
		return a.MaxIterations
	}
	return DefaultMaxIterations
}

// turn drives one invocation of an agent on a loaded thread. The local thread
// copy only ever reflects state that has been checkpointed.
type turn struct {
	agent   *Agent
	store   sessions.Store
	thread  *models.Thread
	emit    func(Event)
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	now     func() time.Time

	outcome string
}

// start checkpoints the new messages under status running and enters the loop.
func (t *turn) start(ctx context.Context, msgs []models.Message) error {
	if err := t.checkpoint(ctx, msgs, sessions.Checkpoint{Status: models.ThreadStatusRunning}); err != nil {
		return &LoopError{Phase: PhaseInit, Cause: err}
	}
	return t.loop(ctx)
}

// resume finishes the batch of assistant after a confirmation decision and,
// unless another destructive call needs a decision, continues the loop.
func (t *turn) resume(ctx context.Context, assistant models.Message, decisions map[string]bool) error {
	suspended, err := t.runBatch(ctx, 0, assistant, decisions, true)
	if err != nil || suspended {
		return err
	}
	return t.loop(ctx)
}

func (t *turn) loop(ctx context.Context) error {
	limit := t.agent.maxIterations()
	for i := 0; i < limit; i++ {
		assistant, err := t.callModel(ctx, i)
		if err != nil {
			return err
		}

		if !assistant.HasToolCalls() {
			cp := sessions.Checkpoint{Status: models.ThreadStatusCompleted}
			if err := t.checkpoint(ctx, []models.Message{assistant}, cp); err != nil {
				return &LoopError{Phase: PhaseCheckpoint, Iteration: i, Cause: err}
			}
			t.outcome = "completed"
			t.emit(CompletedEvent{ThreadID: t.thread.ID, Message: t.thread.Messages[len(t.thread.Messages)-1]})
			return nil
		}

		for _, call := range assistant.ToolCalls {
			t.emit(ToolCallStartedEvent{Call: call})
		}
		suspended, err := t.runBatch(ctx, i, assistant, nil, false)
		if err != nil || suspended {
			return err
		}
	}
	return &LoopError{Phase: PhaseExecuteTools, Iteration: limit, Cause: ErrToolLoopExceeded}
}

// callModel validates the history, streams one completion and returns the
// resulting assistant message without persisting it.
func (t *turn) callModel(ctx context.Context, iteration int) (models.Message, error) {
	if report := sessions.ValidateToolCallPairing(t.thread.Messages, false); !report.OK() {
		return models.Message{}, &LoopError{
			Phase:     PhaseValidate,
			Iteration: iteration,
			Cause:     fmt.Errorf("%w: %s", ErrOrphanedToolCall, report),
		}
	}

	provider := t.agent.Provider
	if provider == nil {
		return models.Message{}, &LoopError{Phase: PhaseStream, Iteration: iteration, Cause: ErrNoProvider}
	}
	req := &CompletionRequest{
		Model:     t.agent.Model,
		System:    t.agent.SystemPrompt,
		Messages:  ToCompletionMessages(t.thread.Messages),
		MaxTokens: t.agent.MaxTokens,
	}
	if provider.SupportsTools() && t.agent.Tools != nil {
		req.Tools = t.agent.Tools.AsLLMTools()
	}

	ctx, span := t.tracer.TraceLLMRequest(ctx, provider.Name(), t.agent.Model)
	defer span.End()
	started := t.now()

	chunks, err := provider.Complete(ctx, req)
	if err != nil {
		t.tracer.RecordError(span, err)
		t.metrics.RecordLLMRequest(provider.Name(), t.agent.Model, "error", time.Since(started).Seconds(), 0, 0)
		return models.Message{}, &LoopError{Phase: PhaseStream, Iteration: iteration, Cause: err}
	}

	var (
		text          strings.Builder
		calls         []models.ToolCall
		streamErr     error
		input, output int
	)
	for chunk := range chunks {
		if chunk == nil || streamErr != nil {
			continue
		}
		if chunk.Error != nil {
			streamErr = chunk.Error
			continue
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			t.emit(TokenEvent{Text: chunk.Text})
		}
		if chunk.ToolCall != nil {
			call := *chunk.ToolCall
			if call.ID == "" {
				call.ID = "call_" + models.NewMessageID()
			}
			if len(call.Input) == 0 {
				call.Input = []byte(`{}`)
			}
			calls = append(calls, call)
		}
		if chunk.Done {
			input, output = chunk.InputTokens, chunk.OutputTokens
		}
	}
	if streamErr == nil && ctx.Err() != nil {
		streamErr = ctx.Err()
	}

	status := "success"
	if streamErr != nil {
		status = "error"
		t.tracer.RecordError(span, streamErr)
	}
	t.metrics.RecordLLMRequest(provider.Name(), t.agent.Model, status, time.Since(started).Seconds(), input, output)
	if streamErr != nil {
		return models.Message{}, &LoopError{Phase: PhaseStream, Iteration: iteration, Cause: streamErr}
	}

	return models.Message{
		Role:      models.RoleAssistant,
		Content:   text.String(),
		ToolCalls: calls,
	}, nil
}

// runBatch gates and executes the tool calls of assistant. When persisted is
// false the assistant message is written in the same checkpoint as the
// suspension or the results. It reports whether the turn suspended.
func (t *turn) runBatch(ctx context.Context, iteration int, assistant models.Message, decisions map[string]bool, persisted bool) (bool, error) {
	var prefix []models.Message
	if !persisted {
		prefix = []models.Message{assistant}
	}
	gate := t.agent.Gate

	if call, ok := gate.NextUndecided(assistant.ToolCalls, decisions); ok {
		pending := gate.Suspend(call, decisions)
		cp := sessions.Checkpoint{Status: models.ThreadStatusAwaitingConfirmation, Pending: pending}
		if err := t.checkpoint(ctx, prefix, cp); err != nil {
			return false, &LoopError{Phase: PhaseGate, Iteration: iteration, Cause: err}
		}
		t.metrics.RecordConfirmation(call.Name, "requested")
		t.logger.InfoContext(ctx, "tool call awaiting confirmation", "tool_name", call.Name, "tool_call_id", call.ID)
		t.outcome = "suspended"
		t.emit(SuspendedEvent{
			ThreadID:  t.thread.ID,
			ToolName:  pending.ToolName,
			Arguments: pending.Arguments,
			Prompt:    pending.Prompt,
		})
		return true, nil
	}

	calls := assistant.ToolCalls
	results := make([]models.ToolResult, len(calls))
	runnable := make([]models.ToolCall, 0, len(calls))
	positions := make([]int, 0, len(calls))
	for i, call := range calls {
		if gate.Decide(call, decisions) == GateDeny {
			results[i] = models.ToolResult{ToolCallID: call.ID, Content: DeniedToolResult}
			t.metrics.RecordToolExecution(call.Name, "denied", 0)
			continue
		}
		runnable = append(runnable, call)
		positions = append(positions, i)
	}
	if len(runnable) > 0 {
		executed := t.agent.Executor.ExecuteAll(ctx, runnable)
		for j, res := range executed {
			results[positions[j]] = res.ToToolResult()
		}
	}

	msgs := make([]models.Message, 0, len(prefix)+len(calls))
	msgs = append(msgs, prefix...)
	for i, call := range calls {
		results[i].ToolCallID = call.ID
		msgs = append(msgs, models.ToolResultMessage(call, results[i]))
	}
	if err := t.checkpoint(ctx, msgs, sessions.Checkpoint{Status: models.ThreadStatusRunning}); err != nil {
		return false, &LoopError{Phase: PhaseCheckpoint, Iteration: iteration, Cause: err}
	}
	for i, call := range calls {
		t.emit(ToolCallFinishedEvent{Call: call, Result: results[i]})
	}
	return false, nil
}

// checkpoint persists msgs with cp and mirrors the change locally.
func (t *turn) checkpoint(ctx context.Context, msgs []models.Message, cp sessions.Checkpoint) error {
	now := t.now().UTC()
	stamped := make([]models.Message, len(msgs))
	for i, msg := range msgs {
		msg.ThreadID = t.thread.ID
		if msg.ID == "" {
			msg.ID = models.NewMessageID()
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		stamped[i] = msg
	}
	if err := t.store.AppendAndCheckpoint(ctx, t.thread.ID, stamped, cp); err != nil {
		return err
	}
	t.thread.Messages = append(t.thread.Messages, stamped...)
	t.thread.Status = cp.Status
	t.thread.Pending = cp.Pending.Clone()
	t.thread.LastError = cp.LastError
	return nil
}

// fail records err on the thread when the turn got far enough to be running.
func (t *turn) fail(ctx context.Context, err error) {
	if t.thread.Status != models.ThreadStatusRunning {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	cp := sessions.Checkpoint{Status: models.ThreadStatusFailed, LastError: err.Error()}
	if cerr := t.checkpoint(ctx, nil, cp); cerr != nil {
		t.logger.ErrorContext(ctx, "failed to record turn failure", "error", cerr)
	}
}
