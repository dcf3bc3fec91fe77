package models

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from    ThreadStatus
		to      ThreadStatus
		wantErr bool
	}{
		{ThreadStatusNew, ThreadStatusRunning, false},
		{"", ThreadStatusRunning, false},
		{ThreadStatusRunning, ThreadStatusAwaitingConfirmation, false},
		{ThreadStatusRunning, ThreadStatusCompleted, false},
		{ThreadStatusRunning, ThreadStatusFailed, false},
		{ThreadStatusAwaitingConfirmation, ThreadStatusRunning, false},
		{ThreadStatusCompleted, ThreadStatusRunning, false},
		{ThreadStatusFailed, ThreadStatusRunning, false},
		{ThreadStatusFailed, ThreadStatusNew, false},
		{ThreadStatusNew, ThreadStatusCompleted, true},
		{ThreadStatusAwaitingConfirmation, ThreadStatusFailed, true},
		{ThreadStatusCompleted, ThreadStatusAwaitingConfirmation, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("expected ErrInvalidTransition, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestFingerprintToolCallIgnoresWhitespace(t *testing.T) {
	a := ToolCall{ID: "call_1", Name: "mal_delete_skill", Input: json.RawMessage(`{"id": "x"}`)}
	b := ToolCall{ID: "call_1", Name: "mal_delete_skill", Input: json.RawMessage(`{"id":"x"}`)}
	if FingerprintToolCall(a) != FingerprintToolCall(b) {
		t.Fatal("fingerprints should match after compaction")
	}

	c := ToolCall{ID: "call_1", Name: "mal_delete_skill", Input: json.RawMessage(`{"id":"y"}`)}
	if FingerprintToolCall(a) == FingerprintToolCall(c) {
		t.Fatal("fingerprints should differ for different arguments")
	}
}

func TestFingerprintToolCallEmptyInput(t *testing.T) {
	a := ToolCall{ID: "call_1", Name: "mal_import_catalog"}
	b := ToolCall{ID: "call_1", Name: "mal_import_catalog", Input: json.RawMessage("null")}
	c := ToolCall{ID: "call_1", Name: "mal_import_catalog", Input: json.RawMessage("{}")}
	if FingerprintToolCall(a) != FingerprintToolCall(b) || FingerprintToolCall(b) != FingerprintToolCall(c) {
		t.Fatal("empty, null and {} inputs should share a fingerprint")
	}
}

func TestPendingSuspensionMatches(t *testing.T) {
	call := ToolCall{ID: "call_9", Name: "mal_delete_project", Input: json.RawMessage(`{"id":"p1"}`)}
	pending := &PendingSuspension{
		ToolCallID:  call.ID,
		ToolName:    call.Name,
		Arguments:   call.Input,
		Fingerprint: FingerprintToolCall(call),
	}
	if !pending.Matches(call) {
		t.Fatal("expected pending to match its own call")
	}

	tampered := call
	tampered.Input = json.RawMessage(`{"id":"p2"}`)
	if pending.Matches(tampered) {
		t.Fatal("expected mismatch after arguments change")
	}

	var nilPending *PendingSuspension
	if nilPending.Matches(call) {
		t.Fatal("nil pending should never match")
	}
}

func TestThreadCloneIsDeep(t *testing.T) {
	thread := &Thread{
		ID: "t1",
		Messages: []Message{{
			Role:      RoleAssistant,
			ToolCalls: []ToolCall{{ID: "c1", Name: "mal_list_sprints", Input: json.RawMessage(`{}`)}},
		}},
		Pending: &PendingSuspension{ToolCallID: "c1", Decisions: map[string]bool{"c0": true}},
	}

	clone := thread.Clone()
	clone.Messages[0].ToolCalls[0].Name = "changed"
	clone.Pending.Decisions["c0"] = false

	if thread.Messages[0].ToolCalls[0].Name != "mal_list_sprints" {
		t.Error("clone shares tool call storage with original")
	}
	if !thread.Pending.Decisions["c0"] {
		t.Error("clone shares decisions map with original")
	}
}

func TestLastAssistant(t *testing.T) {
	thread := &Thread{Messages: []Message{
		{Role: RoleUser},
		{Role: RoleAssistant},
		{Role: RoleTool},
	}}
	if got := thread.LastAssistant(); got != 1 {
		t.Fatalf("LastAssistant() = %d, want 1", got)
	}
	if got := (&Thread{}).LastAssistant(); got != -1 {
		t.Fatalf("LastAssistant() on empty thread = %d, want -1", got)
	}
}
