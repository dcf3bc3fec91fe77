package models

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// ThreadStatus is the persisted execution state of a thread.
type ThreadStatus string

const (
	ThreadStatusNew                  ThreadStatus = "new"
	ThreadStatusRunning              ThreadStatus = "running"
	ThreadStatusAwaitingConfirmation ThreadStatus = "awaiting_confirmation"
	ThreadStatusCompleted            ThreadStatus = "completed"
	ThreadStatusFailed               ThreadStatus = "failed"
)

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid thread status transition")

var allowedTransitions = map[ThreadStatus]map[ThreadStatus]struct{}{
	ThreadStatusNew: {
		ThreadStatusRunning: {},
	},
	ThreadStatusRunning: {
		ThreadStatusAwaitingConfirmation: {},
		ThreadStatusCompleted:            {},
		ThreadStatusFailed:               {},
	},
	ThreadStatusAwaitingConfirmation: {
		ThreadStatusRunning:   {},
		ThreadStatusCompleted: {},
	},
	ThreadStatusCompleted: {
		ThreadStatusRunning: {},
	},
	ThreadStatusFailed: {
		ThreadStatusRunning: {},
	},
}

// ValidateTransition checks that a thread may move from one status to another.
// Moving back to new is always allowed since it is how a thread is reset.
func ValidateTransition(from, to ThreadStatus) error {
	if from == to || to == ThreadStatusNew {
		return nil
	}
	if from == "" {
		from = ThreadStatusNew
	}
	allowed, ok := allowedTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown source status %q", ErrInvalidTransition, from)
	}
	if _, ok := allowed[to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Thread is a persisted conversation identified by an opaque id.
type Thread struct {
	ID        string             `json:"id"`
	Status    ThreadStatus       `json:"status"`
	Messages  []Message          `json:"messages"`
	Pending   *PendingSuspension `json:"pending,omitempty"`
	LastError string             `json:"last_error,omitempty"`
	Version   int64              `json:"version"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// LastAssistant returns the index of the most recent assistant message, or -1.
func (t *Thread) LastAssistant() int {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].Role == RoleAssistant {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of the thread.
func (t *Thread) Clone() *Thread {
	if t == nil {
		return nil
	}
	out := *t
	out.Messages = CloneMessages(t.Messages)
	out.Pending = t.Pending.Clone()
	return &out
}

// PendingSuspension records a destructive tool call awaiting a human decision.
//
// Decisions carries approvals already given for earlier destructive calls of the
// same assistant message, keyed by tool call id.
type PendingSuspension struct {
	ToolCallID  string          `json:"tool_call_id"`
	ToolName    string          `json:"tool_name"`
	Arguments   json.RawMessage `json:"arguments"`
	Prompt      string          `json:"prompt"`
	Fingerprint string          `json:"fingerprint"`
	Decisions   map[string]bool `json:"decisions,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Clone returns a deep copy of the suspension.
func (p *PendingSuspension) Clone() *PendingSuspension {
	if p == nil {
		return nil
	}
	out := *p
	if p.Arguments != nil {
		out.Arguments = append(json.RawMessage(nil), p.Arguments...)
	}
	if p.Decisions != nil {
		out.Decisions = make(map[string]bool, len(p.Decisions))
		for k, v := range p.Decisions {
			out.Decisions[k] = v
		}
	}
	return &out
}

// Matches reports whether the suspension still describes call.
func (p *PendingSuspension) Matches(call ToolCall) bool {
	if p == nil || p.ToolCallID != call.ID || p.ToolName != call.Name {
		return false
	}
	return p.Fingerprint == FingerprintToolCall(call)
}

// FingerprintToolCall returns a stable BLAKE3 digest of a tool call.
func FingerprintToolCall(call ToolCall) string {
	h := blake3.New()
	_, _ = h.Write([]byte(call.ID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(call.Name))
	_, _ = h.Write([]byte{0})
	input := bytes.TrimSpace(call.Input)
	if len(input) == 0 || bytes.Equal(input, []byte("null")) {
		input = []byte("{}")
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, input); err == nil {
		input = compact.Bytes()
	}
	_, _ = h.Write(input)
	return hex.EncodeToString(h.Sum(nil))
}
