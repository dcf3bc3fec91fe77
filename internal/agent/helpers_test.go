package agent

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/malhub/pkg/models"
)

// scriptedProvider replays one scripted response per Complete call and
// records the requests it saw. Once the script runs out it answers "done".
type scriptedProvider struct {
	mu       sync.Mutex
	script   [][]*CompletionChunk
	requests []*CompletionRequest
	noTools  bool
}

func (p *scriptedProvider) Name() string        { return "scripted" }
func (p *scriptedProvider) Models() []Model     { return nil }
func (p *scriptedProvider) SupportsTools() bool { return !p.noTools }

func (p *scriptedProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	var chunks []*CompletionChunk
	if len(p.script) > 0 {
		chunks, p.script = p.script[0], p.script[1:]
	} else {
		chunks = textReply("done")
	}
	p.mu.Unlock()

	out := make(chan *CompletionChunk, len(chunks))
	for _, c := range chunks {
		out <- c
	}
	close(out)
	return out, nil
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func textReply(text string) []*CompletionChunk {
	return []*CompletionChunk{{Text: text}, {Done: true, InputTokens: 3, OutputTokens: 2}}
}

func toolReply(calls ...models.ToolCall) []*CompletionChunk {
	out := make([]*CompletionChunk, 0, len(calls)+1)
	for i := range calls {
		out = append(out, &CompletionChunk{ToolCall: &calls[i]})
	}
	return append(out, &CompletionChunk{Done: true})
}

func call(id, name, input string) models.ToolCall {
	return models.ToolCall{ID: id, Name: name, Input: json.RawMessage(input)}
}

// fakeTool is a catalog tool backed by a function. It counts executions.
type fakeTool struct {
	name  string
	runs  atomic.Int32
	delay time.Duration
	fn    func(params json.RawMessage) (*ToolResult, error)
}

func newFakeTool(name string) *fakeTool {
	return &fakeTool{name: name}
}

func (f *fakeTool) Name() string            { return f.name }
func (f *fakeTool) Description() string     { return "fake " + f.name }
func (f *fakeTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }

func (f *fakeTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	f.runs.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fn != nil {
		return f.fn(params)
	}
	return &ToolResult{Content: f.name + " ok"}, nil
}

func catalogOf(tools ...Tool) *ToolRegistry {
	reg := NewToolRegistry()
	for _, t := range tools {
		reg.Register(t)
	}
	return reg
}

// drain collects events until the channel closes.
func drain(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("event stream did not close")
			return out
		}
	}
}

func terminal(t *testing.T, events []Event) Event {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events")
	}
	last := events[len(events)-1]
	if !IsTerminal(last) {
		t.Fatalf("last event %T is not terminal", last)
	}
	return last
}
