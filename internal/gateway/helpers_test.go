package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/malhub/internal/agent"
	"github.com/haasonsaas/malhub/internal/config"
	"github.com/haasonsaas/malhub/internal/cron"
	"github.com/haasonsaas/malhub/internal/mcp"
	"github.com/haasonsaas/malhub/internal/observability"
	"github.com/haasonsaas/malhub/pkg/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedProvider replays one scripted response per Complete call. Once
// the script runs out it answers "done".
type scriptedProvider struct {
	mu       sync.Mutex
	script   [][]*agent.CompletionChunk
	requests []*agent.CompletionRequest
}

func (p *scriptedProvider) Name() string          { return "scripted" }
func (p *scriptedProvider) Models() []agent.Model { return nil }
func (p *scriptedProvider) SupportsTools() bool   { return true }

func (p *scriptedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	var chunks []*agent.CompletionChunk
	if len(p.script) > 0 {
		chunks, p.script = p.script[0], p.script[1:]
	} else {
		chunks = textReply("done")
	}
	p.mu.Unlock()

	out := make(chan *agent.CompletionChunk, len(chunks))
	for _, c := range chunks {
		out <- c
	}
	close(out)
	return out, nil
}

func (p *scriptedProvider) lastRequest() *agent.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return nil
	}
	return p.requests[len(p.requests)-1]
}

func textReply(text string) []*agent.CompletionChunk {
	return []*agent.CompletionChunk{{Text: text}, {Done: true}}
}

func toolReply(id, name, input string) []*agent.CompletionChunk {
	return []*agent.CompletionChunk{
		{ToolCall: &models.ToolCall{ID: id, Name: name, Input: json.RawMessage(input)}},
		{Done: true},
	}
}

// fakeCatalog serves canned tool results. It is both the REST catalog and,
// through tools(), the agent tool source.
type fakeCatalog struct {
	mu      sync.Mutex
	results map[string]*mcp.ToolCallResult
	errs    map[string]error
	calls   []fakeCall
	health  string
}

type fakeCall struct {
	name string
	args map[string]any
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		results: make(map[string]*mcp.ToolCallResult),
		errs:    make(map[string]error),
		health:  "online",
	}
}

func (c *fakeCatalog) reply(name, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[name] = &mcp.ToolCallResult{Content: []mcp.ToolResultContent{{Type: "text", Text: text}}}
}

func (c *fakeCatalog) replyError(name, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[name] = &mcp.ToolCallResult{Content: []mcp.ToolResultContent{{Type: "text", Text: text}}, IsError: true}
}

func (c *fakeCatalog) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*mcp.ToolCallResult, error) {
	var args map[string]any
	if err := json.Unmarshal(arguments, &args); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, fakeCall{name: name, args: args})
	if err := c.errs[name]; err != nil {
		return nil, err
	}
	if result, ok := c.results[name]; ok {
		return result, nil
	}
	return &mcp.ToolCallResult{Content: []mcp.ToolResultContent{{Type: "text", Text: name + " ok"}}}, nil
}

func (c *fakeCatalog) Tools() []*mcp.ToolInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	infos := make([]*mcp.ToolInfo, 0, len(c.results))
	for name := range c.results {
		infos = append(infos, &mcp.ToolInfo{Name: name, InputSchema: json.RawMessage(`{"type":"object"}`)})
	}
	return infos
}

func (c *fakeCatalog) Health(ctx context.Context) string { return c.health }

func (c *fakeCatalog) lastCall(t *testing.T) fakeCall {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.calls) == 0 {
		t.Fatal("no catalog calls")
	}
	return c.calls[len(c.calls)-1]
}

func (c *fakeCatalog) callCount(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call.name == name {
			n++
		}
	}
	return n
}

// toolRegistry exposes the fake catalog's tools to agents.
func (c *fakeCatalog) toolRegistry(t *testing.T) *agent.ToolRegistry {
	t.Helper()
	return mcp.BuildRegistry(c, c.Tools(), discardLogger())
}

type fakeSummaries struct {
	exec *cron.JobExecution
}

func (f *fakeSummaries) Latest(jobID string) (*cron.JobExecution, bool) {
	if f.exec == nil || jobID != cron.DailySummaryJobID {
		return nil, false
	}
	return f.exec, true
}

type testEnv struct {
	server   *Server
	http     *httptest.Server
	provider *scriptedProvider
	catalog  *fakeCatalog
	runner   *agent.Runner
	metrics  *observability.Metrics
}

type envOptions struct {
	variants   []agent.Variant
	noProvider bool
	summaries  SummarySource
	origins    []string
	script     [][]*agent.CompletionChunk
	setup      func(*fakeCatalog)
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	catalog := newFakeCatalog()
	for _, name := range []string{"mal_list_skills", "mal_delete_skill", "mal_get_usage_stats"} {
		catalog.reply(name, name+" ok")
	}
	if opts.setup != nil {
		opts.setup(catalog)
	}

	provider := &scriptedProvider{script: opts.script}
	build := agent.BuildOptions{
		Provider:      provider,
		Model:         "test-model",
		MaxIterations: 10,
		Gate:          agent.NewGate(agent.DefaultDestructiveTools),
		Logger:        discardLogger(),
	}
	if opts.noProvider {
		build.Provider = nil
	}
	variants := opts.variants
	if variants == nil {
		variants = agent.DefaultVariants()
	}
	registry, err := agent.NewRegistry(catalog.toolRegistry(t), variants, build)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	metrics := observability.NewMetrics()
	runner := agent.NewRunner(registry, agent.RunnerOptions{
		Logger:      discardLogger(),
		Metrics:     metrics,
		TurnTimeout: 10 * time.Second,
	})

	server, err := NewServer(Options{
		Config:    config.ServerConfig{AllowedOrigins: opts.origins},
		Runner:    runner,
		Catalog:   catalog,
		Summaries: opts.summaries,
		Metrics:   metrics,
		Logger:    discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{
		server:   server,
		http:     ts,
		provider: provider,
		catalog:  catalog,
		runner:   runner,
		metrics:  metrics,
	}
}
