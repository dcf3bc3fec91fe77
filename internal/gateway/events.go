package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/malhub/internal/agent"
	"github.com/haasonsaas/malhub/internal/sessions"
)

// Inbound frame types.
const (
	requestMessage         = "message"
	requestConfirmResponse = "confirm_response"
)

// Outbound frame types.
const (
	frameToken      = "token"
	frameToolCall   = "tool_call"
	frameToolResult = "tool_result"
	frameConfirm    = "confirm"
	frameDone       = "done"
	frameError      = "error"
)

const confirmationType = "destructive_tool_confirmation"

// chatRequest is a client frame on /ws/chat.
type chatRequest struct {
	Type     string `json:"type,omitempty" jsonschema:"enum=message,enum=confirm_response"`
	Message  string `json:"message,omitempty"`
	ThreadID string `json:"thread_id,omitempty" jsonschema:"maxLength=128"`
	Context  string `json:"context,omitempty"`
	Approved *bool  `json:"approved,omitempty"`
}

// chatFrame is a server frame on /ws/chat.
type chatFrame struct {
	Type     string         `json:"type"`
	Content  string         `json:"content"`
	ToolCall *toolCallFrame `json:"tool_call,omitempty"`
	Confirm  *confirmFrame  `json:"confirm,omitempty"`
	ThreadID string         `json:"thread_id,omitempty"`
}

type toolCallFrame struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
	Result    *string        `json:"result,omitempty"`
}

type confirmFrame struct {
	Type      string         `json:"type"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
	Message   string         `json:"message"`
}

// reservedArgumentKeys are framework keys that must never reach a client.
var reservedArgumentKeys = map[string]bool{
	"runtime":   true,
	"config":    true,
	"callbacks": true,
	"store":     true,
	"context":   true,
}

// sanitizeArguments decodes tool call arguments for display. Reserved keys
// are dropped; anything that is not a JSON object yields an empty map.
func sanitizeArguments(raw json.RawMessage) map[string]any {
	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return out
	}
	var args map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&args); err != nil {
		return out
	}
	for k, v := range args {
		if reservedArgumentKeys[k] {
			continue
		}
		out[k] = v
	}
	return out
}

// userContent builds the message sent to the agent, with the optional
// grounding context in front.
func userContent(req *chatRequest) string {
	msg := strings.TrimSpace(req.Message)
	ctx := strings.TrimSpace(req.Context)
	if ctx == "" {
		return msg
	}
	return fmt.Sprintf("Project context:\n%s\n\nUser message:\n%s", ctx, msg)
}

// eventFrame converts a runner event to its wire frame. ok is false for
// events that produce no frame.
func eventFrame(ev agent.Event, threadID string) (frame chatFrame, ok bool) {
	switch e := ev.(type) {
	case agent.TokenEvent:
		if e.Text == "" {
			return chatFrame{}, false
		}
		return chatFrame{Type: frameToken, Content: e.Text}, true
	case agent.ToolCallStartedEvent:
		return chatFrame{
			Type: frameToolCall,
			ToolCall: &toolCallFrame{
				ToolName:  e.Call.Name,
				Arguments: sanitizeArguments(e.Call.Input),
			},
		}, true
	case agent.ToolCallFinishedEvent:
		result := e.Result.Content
		return chatFrame{
			Type: frameToolResult,
			ToolCall: &toolCallFrame{
				ToolName:  e.Call.Name,
				Arguments: sanitizeArguments(e.Call.Input),
				Result:    &result,
			},
		}, true
	case agent.SuspendedEvent:
		return chatFrame{
			Type:    frameConfirm,
			Content: e.Prompt,
			Confirm: &confirmFrame{
				Type:      confirmationType,
				ToolName:  e.ToolName,
				Arguments: sanitizeArguments(e.Arguments),
				Message:   e.Prompt,
			},
			ThreadID: threadID,
		}, true
	case agent.CompletedEvent:
		return chatFrame{Type: frameDone, ThreadID: threadID}, true
	case agent.FailedEvent:
		return chatFrame{Type: frameError, Content: errorContent(e.Err), ThreadID: threadID}, true
	default:
		return chatFrame{}, false
	}
}

func errorContent(err error) string {
	switch {
	case err == nil:
		return "Agent error"
	case errors.Is(err, agent.ErrAgentUnavailable):
		return "Agent not initialized. Check MCP server connection."
	case errors.Is(err, agent.ErrConfirmationPending):
		return fmt.Sprintf("A confirmation is pending on this thread (%s). Approve or deny it first.",
			strings.TrimSpace(strings.TrimPrefix(err.Error(), agent.ErrConfirmationPending.Error()+":")))
	case errors.Is(err, sessions.ErrNotSuspended):
		return "There is no pending confirmation on this thread."
	case errors.Is(err, agent.ErrStaleConfirmation):
		return "The pending confirmation is no longer valid and was discarded."
	case errors.Is(err, sessions.ErrLockTimeout):
		return "The thread is busy with another request. Try again shortly."
	default:
		return "Agent error: " + err.Error()
	}
}

func errorFrame(msg string) chatFrame {
	return chatFrame{Type: frameError, Content: msg}
}
