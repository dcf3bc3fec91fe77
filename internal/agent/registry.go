package agent

import (
	"fmt"
	"log/slog"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/haasonsaas/malhub/internal/observability"
)

// BuildOptions carries the dependencies shared by every agent variant.
type BuildOptions struct {
	Provider      LLMProvider
	Model         string
	MaxTokens     int
	MaxIterations int

	// Gate is attached to gated variants only.
	Gate     *Gate
	Executor *ExecutorConfig

	// RetryableTools are glob patterns naming the read-only tools the
	// executor may retry after a transport error. Nil means
	// DefaultRetryableTools.
	RetryableTools []string

	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger
}

// DefaultRetryableTools match the catalog's read-only tools.
var DefaultRetryableTools = []string{"mal_list_*", "mal_get_*", "mal_search_*"}

// Registry holds the agents built at startup. It is read-only after
// NewRegistry returns and safe for concurrent use.
type Registry struct {
	agents      map[string]*Agent
	order       []string
	unavailable map[string]string
}

// NewRegistry builds one agent per variant from the catalog tools. A variant
// whose tool subset comes out empty, or that has no provider, is recorded as
// unavailable and logged; that is not an error. Invalid tool patterns are.
func NewRegistry(catalog *ToolRegistry, variants []Variant, opts BuildOptions) (*Registry, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "agents")
	if catalog == nil {
		catalog = NewToolRegistry()
	}

	retryable := opts.RetryableTools
	if retryable == nil {
		retryable = DefaultRetryableTools
	}
	for _, pattern := range retryable {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid retryable tool pattern %q", pattern)
		}
	}

	reg := &Registry{
		agents:      make(map[string]*Agent, len(variants)),
		unavailable: make(map[string]string),
	}
	for _, v := range variants {
		if v.Name == "" {
			return nil, fmt.Errorf("agent variant without a name")
		}
		if _, dup := reg.agents[v.Name]; dup {
			return nil, fmt.Errorf("duplicate agent variant %q", v.Name)
		}
		if _, dup := reg.unavailable[v.Name]; dup {
			return nil, fmt.Errorf("duplicate agent variant %q", v.Name)
		}

		tools, err := catalog.Filter(v.Tools)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", v.Name, err)
		}
		reason := ""
		switch {
		case opts.Provider == nil:
			reason = "no model provider configured"
		case tools.Len() == 0:
			reason = "no matching catalog tools"
		}
		if reason != "" {
			reg.unavailable[v.Name] = reason
			logger.Warn("agent unavailable", "agent", v.Name, "reason", reason)
			continue
		}

		a := &Agent{
			Name:          v.Name,
			Description:   v.Description,
			SystemPrompt:  v.SystemPrompt,
			Tools:         tools,
			Provider:      opts.Provider,
			Model:         opts.Model,
			MaxTokens:     opts.MaxTokens,
			MaxIterations: opts.MaxIterations,
			Executor:      NewExecutor(tools, opts.Executor).Instrument(opts.Metrics, opts.Tracer),
		}
		if v.Gated {
			a.Gate = opts.Gate
		}
		// A write may have been applied before its transport failed, so
		// only read-only tools are retried.
		for _, name := range tools.Names() {
			if opts.Gate.IsDestructive(name) || !matchToolPatterns(retryable, name) {
				a.Executor.ConfigureTool(name, &ToolConfig{Retries: 0})
			}
		}
		reg.agents[v.Name] = a
		reg.order = append(reg.order, v.Name)
		logger.Info("agent ready", "agent", v.Name, "tools", tools.Len(), "gated", a.Gate != nil)
	}
	return reg, nil
}

// Get returns the named agent or an error wrapping ErrAgentUnavailable.
func (r *Registry) Get(name string) (*Agent, error) {
	if r != nil {
		if a, ok := r.agents[name]; ok {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrAgentUnavailable, name)
}

// Available returns the names of the built agents in variant order.
func (r *Registry) Available() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.order...)
}

// Unavailable maps each variant that could not be built to the reason.
func (r *Registry) Unavailable() map[string]string {
	out := make(map[string]string)
	if r == nil {
		return out
	}
	for k, v := range r.unavailable {
		out[k] = v
	}
	return out
}
