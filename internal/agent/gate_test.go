package agent

import (
	"testing"

	"github.com/haasonsaas/malhub/pkg/models"
)

func TestGateDecide(t *testing.T) {
	g := NewGate(DefaultDestructiveTools)
	del := call("d1", "mal_delete_skill", `{"skill_id":"s1"}`)
	safe := call("s1", "mal_list_skills", `{}`)

	if got := g.Decide(safe, nil); got != GateAllow {
		t.Errorf("safe call = %v, want allow", got)
	}
	if got := g.Decide(del, nil); got != GateAsk {
		t.Errorf("undecided destructive call = %v, want ask", got)
	}
	if got := g.Decide(del, map[string]bool{"d1": true}); got != GateAllow {
		t.Errorf("approved call = %v, want allow", got)
	}
	if got := g.Decide(del, map[string]bool{"d1": false}); got != GateDeny {
		t.Errorf("denied call = %v, want deny", got)
	}

	var nilGate *Gate
	if nilGate.IsDestructive("mal_delete_skill") {
		t.Error("nil gate should treat every tool as safe")
	}
}

func TestGateNextUndecided(t *testing.T) {
	g := NewGate([]string{"mal_delete_skill", "mal_delete_project"})
	calls := []models.ToolCall{
		call("a", "mal_list_skills", `{}`),
		call("b", "mal_delete_skill", `{}`),
		call("c", "mal_delete_project", `{}`),
	}

	next, ok := g.NextUndecided(calls, nil)
	if !ok || next.ID != "b" {
		t.Fatalf("NextUndecided() = %v, %v; want b", next.ID, ok)
	}
	next, ok = g.NextUndecided(calls, map[string]bool{"b": false})
	if !ok || next.ID != "c" {
		t.Fatalf("NextUndecided() = %v, %v; want c", next.ID, ok)
	}
	if _, ok := g.NextUndecided(calls, map[string]bool{"b": false, "c": true}); ok {
		t.Error("all decided batch should have no undecided call")
	}
}

func TestGateSuspend(t *testing.T) {
	g := NewGate(DefaultDestructiveTools)
	c := call("d1", "mal_delete_project", `{"project_id": "p1"}`)

	pending := g.Suspend(c, map[string]bool{"d0": true})
	if pending.ToolCallID != "d1" || pending.ToolName != "mal_delete_project" {
		t.Errorf("pending = %+v", pending)
	}
	want := "This will execute a destructive operation: mal_delete_project. Do you want to proceed?"
	if pending.Prompt != want {
		t.Errorf("Prompt = %q", pending.Prompt)
	}
	if !pending.Matches(c) {
		t.Error("pending should match its call")
	}
	if pending.Matches(call("d1", "mal_delete_project", `{"project_id":"p2"}`)) {
		t.Error("pending should not match different arguments")
	}
	if !pending.Decisions["d0"] {
		t.Error("earlier decisions should be carried")
	}

	if p := g.Suspend(call("x", "mal_delete_skill", ""), nil); string(p.Arguments) != "{}" {
		t.Errorf("empty arguments = %s, want {}", p.Arguments)
	}
}
