// Package mcp provides a Model Context Protocol (MCP) client for tool
// servers launched as child processes.
package mcp

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ServerConfig holds configuration for one MCP tool server.
type ServerConfig struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name,omitempty"`

	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`
	WorkDir string            `yaml:"workdir" json:"workdir,omitempty"`

	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`
}

// shellMetachars are substrings that suggest command chaining or
// substitution. Spaces and quotes stay legal; they are common in
// ordinary arguments.
var shellMetachars = []string{
	"$(", "${", "`", "&&", "||", ";", "|", ">", "<", "\n", "\r",
}

// Validate checks the server configuration for missing fields and
// injection-shaped values before anything is spawned from it.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("server ID is required")
	}
	if strings.TrimSpace(c.Command) == "" {
		return fmt.Errorf("command is required for %s", c.ID)
	}

	for field, path := range map[string]string{"command": c.Command, "workdir": c.WorkDir} {
		if path == "" {
			continue
		}
		if strings.Contains(filepath.Clean(path), "..") {
			return fmt.Errorf("config for %s: %s contains path traversal: %q", c.ID, field, path)
		}
	}

	for i, arg := range c.Args {
		for _, meta := range shellMetachars {
			if strings.Contains(arg, meta) {
				return fmt.Errorf("config for %s: arg[%d] contains suspicious shell metacharacters: %q", c.ID, i, arg)
			}
		}
	}
	return nil
}

// Tool is one capability advertised by a tool server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ToolCallResult holds the result of a tools/call invocation.
type ToolCallResult struct {
	Content []ToolResultContent `json:"content"`
	IsError bool                `json:"isError,omitempty"`
}

// ToolResultContent is one piece of tool output.
type ToolResultContent struct {
	Type     string `json:"type"` // text | image | resource
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// CallToolParams carries the parameters of tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ServerInfo identifies the server at the far end of the handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the server's half of the initialize exchange.
type InitializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
}

// ListToolsResult is the payload of a tools/list response.
type ListToolsResult struct {
	Tools []*Tool `json:"tools"`
}

// JSON-RPC 2.0 envelopes. Only what the stdio framing needs.

type rpcRequest struct {
	Version string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	Version string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// unpack returns the result payload, converting a carried error object
// into a Go error.
func (r *rpcResponse) unpack() (json.RawMessage, error) {
	if r.Error != nil {
		return nil, fmt.Errorf("MCP error %d: %s", r.Error.Code, r.Error.Message)
	}
	return r.Result, nil
}

type rpcNotice struct {
	Version string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}
