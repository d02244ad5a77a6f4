package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const protocolVersion = "2024-11-05"

// Client wraps one MCP tool-server subprocess: it owns the process
// lifecycle and the tool set the server advertises.
//
// Start never returns an error. Spawn and handshake failures are logged
// and leave the client unusable with an empty tool set; callers detect
// failure through Started and Err. Teardown runs on many overlapping
// failure paths, so Cleanup is an idempotent no-op on a never-started or
// already-closed client.
type Client struct {
	config    *ServerConfig
	transport Transport
	logger    *slog.Logger

	mu         sync.RWMutex
	started    bool
	startErr   error
	tools      map[string]*Tool
	serverInfo ServerInfo
}

// NewClient creates a client for the given server config.
func NewClient(cfg *ServerConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:    cfg,
		transport: NewTransport(cfg),
		logger:    logger.With("mcp_server", cfg.ID),
		tools:     map[string]*Tool{},
	}
}

// Config returns the server configuration.
func (c *Client) Config() *ServerConfig {
	return c.config
}

// Start spawns the subprocess and performs the capability handshake.
// Idempotent: a second call on a started client is a no-op.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return
	}
	c.startErr = nil

	if err := c.transport.Connect(ctx); err != nil {
		c.fail(fmt.Errorf("transport connect: %w", err))
		return
	}

	result, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "relay",
			"version": "1.0.0",
		},
	})
	if err != nil {
		c.fail(fmt.Errorf("initialize: %w", err))
		return
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		c.fail(fmt.Errorf("parse initialize result: %w", err))
		return
	}
	c.serverInfo = initResult.ServerInfo

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}

	listResult, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		c.fail(fmt.Errorf("tools/list: %w", err))
		return
	}

	var listed ListToolsResult
	if err := json.Unmarshal(listResult, &listed); err != nil {
		c.fail(fmt.Errorf("parse tools/list result: %w", err))
		return
	}

	c.tools = map[string]*Tool{}
	for _, tool := range listed.Tools {
		if tool == nil || tool.Name == "" {
			continue
		}
		if err := validateToolSchema(tool); err != nil {
			c.logger.Warn("dropping tool with invalid input schema",
				"tool", tool.Name,
				"error", err)
			continue
		}
		c.tools[tool.Name] = tool
	}

	c.started = true
	c.logger.Info("connected to tool server",
		"name", c.serverInfo.Name,
		"version", c.serverInfo.Version,
		"tools", len(c.tools))
}

// fail records a start failure: transport closed, tool set emptied,
// failure logged but never propagated.
func (c *Client) fail(err error) {
	c.logger.Error("tool server start failed", "error", err)
	if closeErr := c.transport.Close(); closeErr != nil {
		c.logger.Warn("transport close after failed start", "error", closeErr)
	}
	c.tools = map[string]*Tool{}
	c.started = false
	c.startErr = err
}

// validateToolSchema compiles the tool's declared input schema so a server
// advertising garbage cannot poison an LLM tool definition downstream.
func validateToolSchema(tool *Tool) error {
	if len(tool.InputSchema) == 0 {
		return nil
	}
	_, err := jsonschema.CompileString(tool.Name+".schema.json", string(tool.InputSchema))
	return err
}

// Cleanup closes the subprocess and clears the tool set. Idempotent:
// calling it on an already-closed or never-started client is a no-op.
// Close errors are logged, not propagated.
func (c *Client) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport != nil && c.transport.Connected() {
		if err := c.transport.Close(); err != nil {
			c.logger.Warn("transport close error", "error", err)
		}
	}
	c.tools = map[string]*Tool{}
	c.started = false
}

// Started reports whether the last Start completed the handshake.
func (c *Client) Started() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.started
}

// Err returns the failure recorded by the last Start, if any.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.startErr
}

// Tools returns the advertised tool set keyed by tool name. Empty until
// the handshake completes, and emptied again on failure or cleanup.
func (c *Client) Tools() map[string]*Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]*Tool, len(c.tools))
	for name, tool := range c.tools {
		out[name] = tool
	}
	return out
}

// ServerInfo returns information about the connected server.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// CallTool invokes a tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	params := CallToolParams{Name: name}

	if arguments != nil {
		argsJSON, err := json.Marshal(arguments)
		if err != nil {
			return nil, fmt.Errorf("marshal arguments: %w", err)
		}
		params.Arguments = argsJSON
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
