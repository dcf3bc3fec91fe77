package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func fullCatalog() *ToolRegistry {
	reg := NewToolRegistry()
	for _, name := range []string{
		"mal_log_interaction", "mal_search_interactions", "mal_get_work_item",
		"mal_log_contribution", "mal_list_sprints", "mal_get_sprint",
		"mal_list_work_items", "mal_list_interactions", "mal_get_commit_activity",
		"mal_get_sprint_report", "mal_update_sprint", "mal_get_team_member",
		"mal_get_achievements", "mal_register_team_member", "mal_get_leaderboard",
		"mal_search_catalog", "mal_get_skill_content", "mal_list_skills",
		"mal_get_audit_log", "mal_delete_skill",
	} {
		reg.Register(newFakeTool(name))
	}
	return reg
}

func TestNewRegistryBuildsDefaultVariants(t *testing.T) {
	reg, err := NewRegistry(fullCatalog(), DefaultVariants(), BuildOptions{
		Provider: &scriptedProvider{},
		Gate:     NewGate(DefaultDestructiveTools),
	})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	if got := len(reg.Available()); got != 7 {
		t.Fatalf("Available() = %v", reg.Available())
	}

	chat, err := reg.Get(ChatAgent)
	if err != nil {
		t.Fatal(err)
	}
	if chat.Gate == nil || chat.Tools.Len() != 20 {
		t.Errorf("chat agent: gate=%v tools=%d", chat.Gate != nil, chat.Tools.Len())
	}

	reporter, _ := reg.Get(SprintReporter)
	if reporter.Gate != nil {
		t.Error("sprint reporter should not be gated")
	}
	if reporter.Tools.Len() != 6 {
		t.Errorf("sprint reporter tools = %v", reporter.Tools.Names())
	}
}

func TestNewRegistryMarksEmptyVariantsUnavailable(t *testing.T) {
	catalog := catalogOf(newFakeTool("mal_list_skills"))
	reg, err := NewRegistry(catalog, []Variant{
		{Name: "a", Tools: []string{"mal_list_*"}},
		{Name: "b", Tools: []string{"mal_get_sprint"}},
	}, BuildOptions{Provider: &scriptedProvider{}})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	if _, err := reg.Get("a"); err != nil {
		t.Errorf("Get(a) error = %v", err)
	}
	_, err = reg.Get("b")
	if !errors.Is(err, ErrAgentUnavailable) {
		t.Errorf("Get(b) error = %v, want ErrAgentUnavailable", err)
	}
	if reason := reg.Unavailable()["b"]; reason == "" {
		t.Error("unavailable reason missing")
	}
}

func TestNewRegistryWithoutProvider(t *testing.T) {
	reg, err := NewRegistry(fullCatalog(), DefaultVariants(), BuildOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(reg.Available()) != 0 || len(reg.Unavailable()) != 7 {
		t.Errorf("available=%v unavailable=%v", reg.Available(), reg.Unavailable())
	}
}

func TestNewRegistryRejectsBadVariants(t *testing.T) {
	opts := BuildOptions{Provider: &scriptedProvider{}}
	if _, err := NewRegistry(fullCatalog(), []Variant{{Name: ""}}, opts); err == nil {
		t.Error("nameless variant should fail")
	}
	if _, err := NewRegistry(fullCatalog(), []Variant{{Name: "x"}, {Name: "x"}}, opts); err == nil {
		t.Error("duplicate variant should fail")
	}
	if _, err := NewRegistry(fullCatalog(), []Variant{{Name: "x", Tools: []string{"[bad"}}}, opts); err == nil {
		t.Error("invalid pattern should fail")
	}
	bad := opts
	bad.RetryableTools = []string{"[bad"}
	if _, err := NewRegistry(fullCatalog(), []Variant{{Name: "x"}}, bad); err == nil {
		t.Error("invalid retryable pattern should fail")
	}
}

func TestMergeVariants(t *testing.T) {
	merged := MergeVariants(DefaultVariants(), []Variant{
		{Name: SprintReporter, SystemPrompt: "custom"},
		{Name: "release_notes", Description: "Writes release notes", Tools: []string{"mal_list_work_items"}},
	})
	if len(merged) != 8 {
		t.Fatalf("len = %d, want 8", len(merged))
	}
	for _, v := range merged {
		if v.Name == SprintReporter {
			if v.SystemPrompt != "custom" || len(v.Tools) != 6 {
				t.Errorf("merged reporter = %+v", v)
			}
		}
	}
	if merged[7].Name != "release_notes" {
		t.Errorf("appended variant = %s", merged[7].Name)
	}
}

func TestNewRegistryRetriesOnlyReadOnlyTools(t *testing.T) {
	catalog := NewToolRegistry()
	tools := map[string]*fakeTool{}
	for _, name := range []string{"mal_list_sprints", "mal_log_contribution", "mal_update_sprint", "mal_delete_skill"} {
		tool := newFakeTool(name)
		tool.fn = func(json.RawMessage) (*ToolResult, error) {
			return nil, errors.New("connection refused")
		}
		tools[name] = tool
		catalog.Register(tool)
	}
	reg, err := NewRegistry(catalog, []Variant{{Name: ChatAgent, Gated: true}}, BuildOptions{
		Provider: &scriptedProvider{},
		Gate:     NewGate(DefaultDestructiveTools),
		Executor: &ExecutorConfig{DefaultRetries: 2, RetryBackoff: time.Millisecond},
	})
	if err != nil {
		t.Fatal(err)
	}
	chat, err := reg.Get(ChatAgent)
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]int32{
		"mal_list_sprints":     3,
		"mal_log_contribution": 1,
		"mal_update_sprint":    1,
		"mal_delete_skill":     1,
	}
	for name, runs := range want {
		res := chat.Executor.Execute(context.Background(), call("c-"+name, name, `{}`))
		if res.Error == nil {
			t.Errorf("%s: expected an error", name)
		}
		if got := tools[name].runs.Load(); got != runs {
			t.Errorf("%s ran %d times, want %d", name, got, runs)
		}
	}
}
