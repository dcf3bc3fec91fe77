package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/malhub/internal/observability"
	"github.com/haasonsaas/malhub/internal/sessions"
	"github.com/haasonsaas/malhub/pkg/models"
)

// ErrStaleConfirmation is returned when a decision arrives for a suspension
// that no longer matches the thread's last assistant message.
var ErrStaleConfirmation = errors.New("pending confirmation is stale")

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	Store  sessions.Store
	Locker sessions.Locker
	Logger *slog.Logger

	Metrics *observability.Metrics
	Tracer  *observability.Tracer

	// TurnTimeout bounds a whole invocation. Zero means no limit.
	TurnTimeout time.Duration

	// EventBuffer is the capacity of returned event channels. Default: 64
	EventBuffer int
}

// Runner executes turns against persisted threads. It serializes turns per
// thread, detaches them from the caller's cancellation once started, and
// recovers once from corrupted history.
type Runner struct {
	agents      *Registry
	store       sessions.Store
	locker      sessions.Locker
	logger      *slog.Logger
	metrics     *observability.Metrics
	tracer      *observability.Tracer
	turnTimeout time.Duration
	eventBuffer int
	now         func() time.Time
}

// NewRunner creates a Runner. A nil Store or Locker gets an in-memory default.
func NewRunner(agents *Registry, opts RunnerOptions) *Runner {
	if opts.Store == nil {
		opts.Store = sessions.NewMemoryStore()
	}
	if opts.Locker == nil {
		opts.Locker = sessions.NewLocalLocker(30 * time.Second)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	return &Runner{
		agents:      agents,
		store:       opts.Store,
		locker:      opts.Locker,
		logger:      opts.Logger.With("component", "runner"),
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		turnTimeout: opts.TurnTimeout,
		eventBuffer: opts.EventBuffer,
		now:         time.Now,
	}
}

// Agents returns the registry the runner dispatches to.
func (r *Runner) Agents() *Registry {
	return r.agents
}

// Store returns the thread store.
func (r *Runner) Store() sessions.Store {
	return r.store
}

// Send starts a turn for a user message on threadID.
//
// The returned channel yields the turn's events and is closed after the
// terminal event. Callers must drain it. ctx only bounds the wait for the
// thread lock; once the turn starts it runs to a terminal state.
func (r *Runner) Send(ctx context.Context, agentName, threadID, content string) <-chan Event {
	msg := models.Message{Role: models.RoleUser, Content: content}
	return r.start(ctx, agentName, threadID, func(ctx context.Context, a *Agent, emit func(Event)) (string, error) {
		return r.send(ctx, a, threadID, msg, emit)
	})
}

// Confirm records a decision for the thread's pending destructive call and
// continues the suspended turn.
func (r *Runner) Confirm(ctx context.Context, agentName, threadID string, approved bool) <-chan Event {
	return r.start(ctx, agentName, threadID, func(ctx context.Context, a *Agent, emit func(Event)) (string, error) {
		return r.confirm(ctx, a, threadID, approved, emit)
	})
}

// Run executes agentName on prompt against a throwaway thread and returns
// the final assistant text. Nothing is persisted in the runner's store.
func (r *Runner) Run(ctx context.Context, agentName, prompt string) (string, error) {
	ephemeral := *r
	ephemeral.store = sessions.NewMemoryStore()
	ephemeral.locker = sessions.NewLocalLocker(0)

	var (
		result string
		err    error
	)
	for ev := range ephemeral.Send(ctx, agentName, "run-"+models.NewMessageID(), prompt) {
		switch e := ev.(type) {
		case CompletedEvent:
			result = e.Message.Content
		case FailedEvent:
			err = e.Err
		case SuspendedEvent:
			err = fmt.Errorf("%s requires confirmation, which is not supported here", e.ToolName)
		}
	}
	return result, err
}

// Thread returns the persisted state of threadID.
func (r *Runner) Thread(ctx context.Context, threadID string) (*models.Thread, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, sessions.ErrThreadIDRequired
	}
	return r.store.Load(ctx, threadID)
}

// Reset clears the history and any pending confirmation of threadID. It
// waits for a running turn on the thread to finish first.
func (r *Runner) Reset(ctx context.Context, threadID string) error {
	if strings.TrimSpace(threadID) == "" {
		return sessions.ErrThreadIDRequired
	}
	if err := r.locker.Lock(ctx, threadID); err != nil {
		return err
	}
	defer r.locker.Unlock(threadID)
	if err := r.store.Reset(ctx, threadID); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "thread reset", "thread_id", threadID)
	return nil
}

type turnBody func(ctx context.Context, a *Agent, emit func(Event)) (string, error)

func (r *Runner) start(ctx context.Context, agentName, threadID string, body turnBody) <-chan Event {
	events := make(chan Event, r.eventBuffer)
	emit := func(ev Event) { events <- ev }

	a, err := r.agents.Get(agentName)
	if err == nil && strings.TrimSpace(threadID) == "" {
		err = sessions.ErrThreadIDRequired
	}
	if err != nil {
		emit(FailedEvent{ThreadID: threadID, Err: err})
		close(events)
		return events
	}

	go func() {
		defer close(events)

		if err := r.locker.Lock(ctx, threadID); err != nil {
			emit(FailedEvent{ThreadID: threadID, Err: err})
			return
		}
		defer r.locker.Unlock(threadID)

		turnCtx := context.WithoutCancel(ctx)
		if r.turnTimeout > 0 {
			var cancel context.CancelFunc
			turnCtx, cancel = context.WithTimeout(turnCtx, r.turnTimeout)
			defer cancel()
		}
		turnCtx = observability.AddAgent(observability.AddThreadID(turnCtx, threadID), a.Name)
		turnCtx, span := r.tracer.TraceTurn(turnCtx, a.Name, threadID)
		defer span.End()

		started := r.now()
		outcome, err := body(turnCtx, a, emit)
		if err != nil {
			outcome = "failed"
			r.tracer.RecordError(span, err)
			r.metrics.RecordError("agent", errorKind(err))
			r.logger.ErrorContext(turnCtx, "turn failed", "error", err)
			emit(FailedEvent{ThreadID: threadID, Err: err})
		}
		r.metrics.RecordTurn(a.Name, outcome, time.Since(started).Seconds())
	}()
	return events
}

func (r *Runner) newTurn(a *Agent, thread *models.Thread, emit func(Event)) *turn {
	return &turn{
		agent:   a,
		store:   r.store,
		thread:  thread,
		emit:    emit,
		logger:  r.logger.With("agent", a.Name),
		metrics: r.metrics,
		tracer:  r.tracer,
		now:     r.now,
	}
}

// send runs a user message, resetting the thread and retrying once when the
// stored history turns out to be corrupted.
func (r *Runner) send(ctx context.Context, a *Agent, threadID string, msg models.Message, emit func(Event)) (string, error) {
	t, err := r.sendOnce(ctx, a, threadID, msg, emit)
	if err == nil {
		return t.outcome, nil
	}
	if !IsCorruptedHistory(err) {
		if t != nil {
			t.fail(ctx, err)
		}
		return "", err
	}

	r.logger.WarnContext(ctx, "corrupted thread history, resetting thread", "error", err)
	if rerr := r.store.Reset(ctx, threadID); rerr != nil {
		r.metrics.RecordRecovery(a.Name, "failed")
		return "", fmt.Errorf("reset corrupted thread: %w", rerr)
	}

	t, err = r.sendOnce(ctx, a, threadID, msg, emit)
	if err != nil {
		r.metrics.RecordRecovery(a.Name, "failed")
		if t != nil {
			t.fail(ctx, err)
		}
		return "", err
	}
	r.metrics.RecordRecovery(a.Name, "recovered")
	return t.outcome, nil
}

func (r *Runner) sendOnce(ctx context.Context, a *Agent, threadID string, msg models.Message, emit func(Event)) (*turn, error) {
	thread, err := r.store.Load(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}
	if thread.Pending != nil {
		return nil, fmt.Errorf("%w: %s", ErrConfirmationPending, thread.Pending.ToolName)
	}
	t := r.newTurn(a, thread, emit)
	return t, t.start(ctx, []models.Message{msg})
}

func (r *Runner) confirm(ctx context.Context, a *Agent, threadID string, approved bool, emit func(Event)) (string, error) {
	thread, err := r.store.Load(ctx, threadID)
	if err != nil {
		return "", fmt.Errorf("load thread: %w", err)
	}
	if thread.Pending == nil {
		return "", sessions.ErrNotSuspended
	}

	idx := thread.LastAssistant()
	if idx < 0 || !pendingMatches(thread.Messages[idx], thread.Pending) {
		r.metrics.RecordConfirmation(thread.Pending.ToolName, "stale")
		r.logger.WarnContext(ctx, "dropping stale confirmation", "tool_name", thread.Pending.ToolName)
		if err := r.store.ClearPending(ctx, threadID); err != nil {
			return "", fmt.Errorf("clear stale confirmation: %w", err)
		}
		return "", fmt.Errorf("%w: %s", ErrStaleConfirmation, thread.Pending.ToolName)
	}
	assistant := thread.Messages[idx]

	pending, err := r.store.Resume(ctx, threadID)
	if err != nil {
		return "", fmt.Errorf("resume thread: %w", err)
	}
	decision := "denied"
	if approved {
		decision = "approved"
	}
	r.metrics.RecordConfirmation(pending.ToolName, decision)
	r.logger.InfoContext(ctx, "confirmation received", "tool_name", pending.ToolName, "decision", decision)

	decisions := make(map[string]bool, len(pending.Decisions)+1)
	for id, ok := range pending.Decisions {
		decisions[id] = ok
	}
	decisions[pending.ToolCallID] = approved

	thread.Status = models.ThreadStatusRunning
	t := r.newTurn(a, thread, emit)
	if err := t.resume(ctx, assistant, decisions); err != nil {
		t.fail(ctx, err)
		return "", err
	}
	return t.outcome, nil
}

func pendingMatches(assistant models.Message, pending *models.PendingSuspension) bool {
	for _, call := range assistant.ToolCalls {
		if pending.Matches(call) {
			return true
		}
	}
	return false
}

func errorKind(err error) string {
	var loopErr *LoopError
	switch {
	case errors.Is(err, ErrToolLoopExceeded):
		return "tool_loop_exceeded"
	case errors.Is(err, ErrConfirmationPending):
		return "confirmation_pending"
	case errors.Is(err, sessions.ErrLockTimeout):
		return "lock_timeout"
	case errors.As(err, &loopErr):
		return string(loopErr.Phase)
	default:
		return "other"
	}
}
