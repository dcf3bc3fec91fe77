package config

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var envKeys = []string{
	"OPENAI_API_KEY", "OPENAI_MODEL", "OPENAI_BASE_URL", "ANTHROPIC_API_KEY",
	"GOOGLE_API_KEY", "GEMINI_API_KEY", "OLLAMA_HOST", "MCP_SERVER_URL",
	"MCP_API_KEY", "LOG_LEVEL", "BACKEND_PORT", "CORS_ORIGINS",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	return writeFile(t, t.TempDir(), "malhub.yaml", content)
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, "version: 1\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Addr() != "0.0.0.0:8000" {
		t.Errorf("Addr() = %q", cfg.Addr())
	}
	if cfg.LLM.DefaultProvider != "openai" || cfg.LLM.Providers["openai"].DefaultModel != "gpt-4o" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.MCP.URL != "http://localhost:3000/mcp" {
		t.Errorf("mcp.url = %q", cfg.MCP.URL)
	}
	if cfg.Agent.MaxIterations != 25 || cfg.Agent.ToolTimeout != 60*time.Second {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if len(cfg.Agent.DestructiveTools) != 4 {
		t.Errorf("destructive tools = %v", cfg.Agent.DestructiveTools)
	}
	if len(cfg.Agent.RetryableTools) != 3 {
		t.Errorf("retryable tools = %v", cfg.Agent.RetryableTools)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.DSN != "malhub.db" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Locks.WaitTimeout != 30*time.Second {
		t.Errorf("locks.wait_timeout = %s", cfg.Locks.WaitTimeout)
	}
	if len(cfg.Variants()) != 7 {
		t.Errorf("variants = %d, want 7", len(cfg.Variants()))
	}
}

func TestLoadWithoutFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("MCP_SERVER_URL", "http://hub:3000/mcp")
	t.Setenv("BACKEND_PORT", "9000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLM.Providers["openai"].APIKey != "sk-test" {
		t.Errorf("openai api key not taken from the environment")
	}
	if cfg.MCP.URL != "http://hub:3000/mcp" || cfg.Server.Port != 9000 {
		t.Errorf("env fallbacks not applied: %s %d", cfg.MCP.URL, cfg.Server.Port)
	}
}

func TestLoadFileWinsOverEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("MCP_API_KEY", "from-env")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test")
	cfg, err := Load(writeConfig(t, `
mcp:
  api_key: from-file
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MCP.APIKey != "from-file" {
		t.Errorf("mcp.api_key = %q", cfg.MCP.APIKey)
	}
	if strings.Join(cfg.Server.AllowedOrigins, ",") != "http://a.test,http://b.test" {
		t.Errorf("allowed origins = %v", cfg.Server.AllowedOrigins)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("HUB_KEY", "expanded-key")
	cfg, err := Load(writeConfig(t, `
mcp:
  api_key: ${HUB_KEY}
agent:
  tool_timeout: 5s
  turn_timeout: 2m
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MCP.APIKey != "expanded-key" {
		t.Errorf("mcp.api_key = %q", cfg.MCP.APIKey)
	}
	if cfg.Agent.ToolTimeout != 5*time.Second || cfg.Agent.TurnTimeout != 2*time.Minute {
		t.Errorf("durations = %s, %s", cfg.Agent.ToolTimeout, cfg.Agent.TurnTimeout)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  host: 0.0.0.0
  extra: true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "server:\n  port: 8000\n---\nserver:\n  port: 9000\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "single YAML document") {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestLoadJSON5(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, t.TempDir(), "malhub.json5", `{
  // comments are allowed
  server: {port: 8100},
  llm: {default_provider: "anthropic", providers: {anthropic: {api_key: "ak"}}},
  agents: [{name: "sprint_reporter", tools: ["mal_get_*"]}],
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8100 || cfg.LLM.DefaultProvider != "anthropic" {
		t.Errorf("cfg = %+v", cfg.Server)
	}
	for _, v := range cfg.Variants() {
		if v.Name == "sprint_reporter" && strings.Join(v.Tools, ",") != "mal_get_*" {
			t.Errorf("sprint_reporter tools = %v", v.Tools)
		}
	}
}

func TestLoadIncludes(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
server:
  host: 127.0.0.1
  port: 8200
store:
  driver: memory
`)
	path := writeFile(t, dir, "malhub.yaml", `
$include: base.yaml
server:
  port: 8300
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr() != "127.0.0.1:8300" {
		t.Errorf("Addr() = %q, want included host with local port", cfg.Addr())
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("store.driver = %q", cfg.Store.Driver)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "$include: b.yaml\n")
	writeFile(t, dir, "b.yaml", "$include: a.yaml\n")
	_, err := Load(filepath.Join(dir, "a.yaml"))
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("Load() error = %v, want cycle error", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"bad provider", "llm:\n  default_provider: bedrock\n", "llm.default_provider"},
		{"unknown provider entry", "llm:\n  providers:\n    mistral: {}\n", "llm.providers.mistral"},
		{"bad port", "server:\n  port: 70000\n", "server.port"},
		{"bad mcp url", "mcp:\n  url: ftp://hub/mcp\n", "mcp:"},
		{"postgres without dsn", "store:\n  driver: postgres\n", "store.dsn"},
		{"bad driver", "store:\n  driver: mysql\n", "store.driver"},
		{"bad cron", "schedule:\n  daily_summary:\n    cron: every day\n", "schedule.daily_summary.cron"},
		{"bad timezone", "schedule:\n  daily_summary:\n    cron: '0 9 * * *'\n    timezone: Mars/Olympus\n", "timezone"},
		{"bad log level", "logging:\n  level: loud\n", "logging.level"},
		{"duplicate agent", "agents:\n  - name: chat\n  - name: chat\n", "duplicate name"},
		{"newer version", "version: 9\n", "newer than this build"},
		{"sampling rate", "observability:\n  tracing:\n    sampling_rate: 2\n", "sampling_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatalf("expected validation error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	var schema struct {
		Title      string                     `json:"title"`
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(data, &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	for _, key := range []string{"server", "llm", "mcp", "agent", "agents", "store", "locks", "schedule", "logging"} {
		if _, ok := schema.Properties[key]; !ok {
			t.Errorf("schema missing property %q", key)
		}
	}
}

func TestWatchReloads(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "malhub.yaml", "logging:\n  level: info\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	go func() {
		done <- Watch(ctx, path, 20*time.Millisecond, logger, func(cfg *Config) { changes <- cfg })
	}()

	// Give the watcher time to register before editing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "malhub.yaml", "logging:\n  level: debug\n")

	select {
	case cfg := <-changes:
		if cfg.Logging.Level != "debug" {
			t.Errorf("reloaded level = %q", cfg.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after editing the config")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Watch did not stop")
	}
}
