package mcp

import (
	"context"
	"encoding/json"
)

// Transport abstracts the wire connection to an MCP server.
type Transport interface {
	// Connect establishes the connection.
	Connect(ctx context.Context) error

	// Call sends a request and waits for the response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, method string, params any) error

	// Close terminates the connection. Safe to call more than once.
	Close() error

	// Connected reports whether the transport is usable.
	Connected() bool
}

// NewTransport creates the transport for a server config. Tool servers are
// always child processes speaking stdio in this system.
func NewTransport(cfg *ServerConfig) Transport {
	return newStdioTransport(cfg)
}
