package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// maxListPages bounds tools/list pagination against a server that keeps
// returning cursors.
const maxListPages = 100

// Client is a client for the catalog server.
type Client struct {
	config    *ServerConfig
	transport Transport
	logger    *slog.Logger

	mu         sync.RWMutex
	tools      []*ToolInfo
	serverInfo ServerInfo
}

// NewClient creates a client using the streamable HTTP transport.
func NewClient(cfg *ServerConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mcp", "mcp_url", cfg.URL)
	return &Client{
		config:    cfg,
		transport: NewHTTPTransport(cfg, logger),
		logger:    logger,
	}
}

// NewClientWithTransport creates a client over an arbitrary transport.
func NewClientWithTransport(cfg *ServerConfig, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{config: cfg, transport: transport, logger: logger.With("component", "mcp")}
}

// Connect initializes the session and loads the tool catalog.
func (c *Client) Connect(ctx context.Context) error {
	result, err := c.transport.Call(ctx, "initialize", InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      ClientInfo{Name: "malhub", Version: "1.0.0"},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		return fmt.Errorf("parse initialize result: %w", err)
	}

	c.mu.Lock()
	c.serverInfo = initResult.ServerInfo
	c.mu.Unlock()
	c.logger.Info("connected to MCP server",
		"name", initResult.ServerInfo.Name,
		"version", initResult.ServerInfo.Version,
		"protocol", initResult.ProtocolVersion)

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}

	if _, err := c.RefreshTools(ctx); err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	return nil
}

// Close ends the server session.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Config returns the server configuration.
func (c *Client) Config() *ServerConfig {
	return c.config
}

// ServerInfo returns information about the connected server.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// RefreshTools fetches every page of tools/list and replaces the cache.
func (c *Client) RefreshTools(ctx context.Context) ([]*ToolInfo, error) {
	var (
		tools  []*ToolInfo
		cursor string
	)
	for page := 0; ; page++ {
		if page >= maxListPages {
			return nil, fmt.Errorf("tools/list exceeded %d pages", maxListPages)
		}
		var params any
		if cursor != "" {
			params = ListToolsParams{Cursor: cursor}
		}
		result, err := c.transport.Call(ctx, "tools/list", params)
		if err != nil {
			return nil, err
		}
		var resp ListToolsResult
		if err := json.Unmarshal(result, &resp); err != nil {
			return nil, fmt.Errorf("parse tools/list: %w", err)
		}
		tools = append(tools, resp.Tools...)
		if resp.NextCursor == "" {
			break
		}
		cursor = resp.NextCursor
	}

	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
	c.logger.Debug("refreshed tools", "count", len(tools))
	return tools, nil
}

// Tools returns the cached tools.
func (c *Client) Tools() []*ToolInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*ToolInfo(nil), c.tools...)
}

// CallTool calls a tool on the catalog server.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*ToolCallResult, error) {
	params := CallToolParams{Name: name}
	if len(arguments) > 0 {
		params.Arguments = arguments
	} else {
		params.Arguments = json.RawMessage(`{}`)
	}

	result, err := c.transport.Call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}

	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("parse result: %w", err)
	}
	return &callResult, nil
}

// Health probes the server health endpoint and returns "online", "degraded"
// or "offline".
func (c *Client) Health(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.HealthURL(), nil)
	if err != nil {
		return "offline"
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "offline"
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return "online"
	}
	return "degraded"
}
