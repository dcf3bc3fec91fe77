// Package mcp is a client for the remote MAL MCP Hub tool catalog. It speaks
// JSON-RPC over the MCP streamable HTTP transport and exposes the catalog's
// tools as agent tools.
package mcp

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DefaultURL is the catalog endpoint used when none is configured.
const DefaultURL = "http://localhost:3000/mcp"

// ProtocolVersion is the MCP protocol revision announced on initialize.
const ProtocolVersion = "2025-03-26"

// ServerConfig holds configuration for the catalog server.
type ServerConfig struct {
	URL     string            `yaml:"url" json:"url"`
	APIKey  string            `yaml:"api_key" json:"api_key,omitempty"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`
	Timeout time.Duration     `yaml:"timeout" json:"timeout,omitempty"`
}

// Validate checks that the URL is an absolute http(s) URL.
func (c *ServerConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("mcp url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("mcp url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("mcp url must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("mcp url has no host")
	}
	return nil
}

// HealthURL derives the server health endpoint from the catalog URL:
// http://host:3000/mcp becomes http://host:3000/health.
func (c *ServerConfig) HealthURL() string {
	base := strings.TrimRight(c.URL, "/")
	if strings.HasSuffix(base, "/mcp") {
		return strings.TrimSuffix(base, "/mcp") + "/health"
	}
	return base + "/health"
}

// ToolInfo describes a tool exposed by the catalog.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ToolCallResult holds the result of calling a catalog tool.
type ToolCallResult struct {
	Content []ToolResultContent `json:"content"`
	IsError bool                `json:"isError,omitempty"`
}

// ToolResultContent holds a piece of content from a tool result.
type ToolResultContent struct {
	Type     string `json:"type"` // text | image | resource
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Text joins the text parts of the result with newlines. Results that carry
// non-text content are returned as their JSON encoding.
func (r *ToolCallResult) Text() string {
	if r == nil || len(r.Content) == 0 {
		return ""
	}
	parts := make([]string, 0, len(r.Content))
	for _, item := range r.Content {
		if item.Type != "text" {
			payload, err := json.Marshal(r)
			if err != nil {
				return ""
			}
			return string(payload)
		}
		if item.Text != "" {
			parts = append(parts, item.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// JSON-RPC types

// JSONRPCRequest is a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCNotification is a JSON-RPC 2.0 notification (no ID).
type JSONRPCNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCError is a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// ServerInfo holds information about the catalog server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientInfo holds information about the MCP client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams holds the parameters of the initialize method.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      ClientInfo     `json:"clientInfo"`
}

// InitializeResult holds the result of the initialize method.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
}

// ListToolsParams holds the parameters of tools/list.
type ListToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListToolsResult holds one page of tools/list.
type ListToolsResult struct {
	Tools      []*ToolInfo `json:"tools"`
	NextCursor string      `json:"nextCursor,omitempty"`
}

// CallToolParams holds parameters for tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}
