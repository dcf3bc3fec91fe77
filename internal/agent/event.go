package agent

import (
	"encoding/json"

	"github.com/haasonsaas/malhub/pkg/models"
)

// Event is one item of a turn's output stream.
//
// The set of events is closed: TokenEvent, ToolCallStartedEvent,
// ToolCallFinishedEvent, SuspendedEvent, CompletedEvent and FailedEvent.
// Every stream ends with exactly one SuspendedEvent, CompletedEvent or
// FailedEvent.
type Event interface {
	event()
}

// TokenEvent carries a fragment of assistant text as it streams from the model.
type TokenEvent struct {
	Text string
}

// ToolCallStartedEvent is emitted once per tool call, in call order, before
// any call of the batch runs.
type ToolCallStartedEvent struct {
	Call models.ToolCall
}

// ToolCallFinishedEvent carries a tool result. Results of a batch are emitted
// in call order even when the calls ran concurrently.
type ToolCallFinishedEvent struct {
	Call   models.ToolCall
	Result models.ToolResult
}

// SuspendedEvent reports that the turn stopped on a destructive call that
// needs a human decision.
type SuspendedEvent struct {
	ThreadID  string
	ToolName  string
	Arguments json.RawMessage
	Prompt    string
}

// CompletedEvent reports the final assistant message of the turn.
type CompletedEvent struct {
	ThreadID string
	Message  models.Message
}

// FailedEvent reports a turn that ended with an error.
type FailedEvent struct {
	ThreadID string
	Err      error
}

func (TokenEvent) event()            {}
func (ToolCallStartedEvent) event()  {}
func (ToolCallFinishedEvent) event() {}
func (SuspendedEvent) event()        {}
func (CompletedEvent) event()        {}
func (FailedEvent) event()           {}

// IsTerminal reports whether ev ends a stream.
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case SuspendedEvent, CompletedEvent, FailedEvent:
		return true
	default:
		return false
	}
}
