package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/malhub/internal/agent"
	"github.com/haasonsaas/malhub/internal/config"
	"github.com/haasonsaas/malhub/internal/mcp"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	root := buildRootCmd()
	names := map[string]bool{}
	for _, cmd := range root.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"serve", "tools", "threads", "config", "version"} {
		if !names[want] {
			t.Fatalf("expected subcommand %q", want)
		}
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "malhub.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestConfigSchemaCommand(t *testing.T) {
	out, err := execute(t, "config", "schema")
	if err != nil {
		t.Fatalf("config schema: %v", err)
	}
	var schema map[string]any
	if err := json.Unmarshal([]byte(out), &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("schema has no properties: %v", schema)
	}
	for _, key := range []string{"server", "llm", "mcp", "agents", "schedule"} {
		if _, ok := props[key]; !ok {
			t.Errorf("schema missing %q", key)
		}
	}
}

func TestConfigValidateCommand(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9100\nstore:\n  driver: memory\n")
	out, err := execute(t, "config", "validate", "--config", path)
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	if !strings.Contains(out, "Configuration OK") || !strings.Contains(out, ":9100") {
		t.Errorf("output = %q", out)
	}

	bad := writeConfig(t, "server:\n  port: 70000\n")
	if _, err := execute(t, "config", "validate", "--config", bad); err == nil {
		t.Fatal("expected an error for an out of range port")
	}
}

func TestThreadsShowUnknownThread(t *testing.T) {
	path := writeConfig(t, "store:\n  driver: memory\n")
	out, err := execute(t, "threads", "show", "t-unknown", "--config", path)
	if err != nil {
		t.Fatalf("threads show: %v", err)
	}
	var thread struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(out), &thread); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if thread.ID != "t-unknown" || thread.Status != "new" {
		t.Errorf("thread = %+v", thread)
	}
}

func TestThreadsReset(t *testing.T) {
	path := writeConfig(t, "store:\n  driver: memory\n")
	out, err := execute(t, "threads", "reset", "t-1", "--config", path)
	if err != nil {
		t.Fatalf("threads reset: %v", err)
	}
	if !strings.Contains(out, "Thread t-1 reset.") {
		t.Errorf("output = %q", out)
	}
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.LLMConfig
		wantErr   bool
		wantModel string
	}{
		{
			name:    "openai without key",
			cfg:     config.LLMConfig{DefaultProvider: config.ProviderOpenAI},
			wantErr: true,
		},
		{
			name:    "anthropic without key",
			cfg:     config.LLMConfig{DefaultProvider: config.ProviderAnthropic},
			wantErr: true,
		},
		{
			name:    "unknown provider",
			cfg:     config.LLMConfig{DefaultProvider: "bedrock"},
			wantErr: true,
		},
		{
			name:    "ollama without model",
			cfg:     config.LLMConfig{DefaultProvider: config.ProviderOllama},
			wantErr: true,
		},
		{
			name: "ollama with model",
			cfg: config.LLMConfig{
				DefaultProvider: config.ProviderOllama,
				Providers: map[string]config.LLMProviderConfig{
					config.ProviderOllama: {DefaultModel: "llama3.1"},
				},
			},
			wantModel: "llama3.1",
		},
		{
			name: "openai with key",
			cfg: config.LLMConfig{
				DefaultProvider: config.ProviderOpenAI,
				Providers: map[string]config.LLMProviderConfig{
					config.ProviderOpenAI: {APIKey: "test-key", DefaultModel: "gpt-4o"},
				},
			},
			wantModel: "gpt-4o",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, model, err := newProvider(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if p != nil {
					t.Error("provider should be nil on error")
				}
				return
			}
			if err != nil {
				t.Fatalf("newProvider: %v", err)
			}
			if p == nil || model != tt.wantModel {
				t.Errorf("provider = %v, model = %q", p, model)
			}
		})
	}
}

func TestWriteToolTable(t *testing.T) {
	tools := mcp.BuildRegistry(nil, []*mcp.ToolInfo{
		{Name: "mal_list_skills", Description: "List skills\nin the catalog"},
		{Name: "mal_delete_skill", Description: "Delete a skill"},
	}, nil)

	var out bytes.Buffer
	if err := writeToolTable(&out, tools, agent.NewGate([]string{"mal_delete_skill"})); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.HasPrefix(lines[1], "mal_delete_skill") || !strings.Contains(lines[1], "yes") {
		t.Errorf("delete row = %q", lines[1])
	}
	if !strings.Contains(lines[2], "no") || !strings.Contains(lines[2], "List skills in the catalog") {
		t.Errorf("list row = %q", lines[2])
	}

	out.Reset()
	if err := writeToolTable(&out, agent.NewToolRegistry(), nil); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out.String()) != "No tools found." {
		t.Errorf("empty output = %q", out.String())
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MALHUB_CONFIG", "")

	if got := resolveConfigPath(""); got != "" {
		t.Errorf("missing default file resolved to %q", got)
	}
	if got := resolveConfigPath(" custom.yaml "); got != "custom.yaml" {
		t.Errorf("explicit path = %q", got)
	}

	t.Setenv("MALHUB_CONFIG", "/etc/malhub/env.yaml")
	if got := resolveConfigPath(""); got != "/etc/malhub/env.yaml" {
		t.Errorf("env path = %q", got)
	}

	t.Setenv("MALHUB_CONFIG", "")
	if err := os.WriteFile(defaultConfigPath, []byte("version: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if got := resolveConfigPath(""); got != defaultConfigPath {
		t.Errorf("existing default file resolved to %q", got)
	}
}

func TestFindVariant(t *testing.T) {
	v, ok := findVariant(agent.DefaultVariants(), agent.ChatAgent)
	if !ok || v.Name != agent.ChatAgent {
		t.Fatalf("chat variant not found")
	}
	if _, ok := findVariant(agent.DefaultVariants(), "nope"); ok {
		t.Error("unknown variant found")
	}
}
