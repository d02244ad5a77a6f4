// Package agent defines the provider-neutral LLM invocation types.
package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/relay/pkg/models"
)

// LLMProvider is the interface to a streaming model backend.
//
// Implementations must be safe for concurrent use; each Complete call
// creates an independent stream and goroutine.
type LLMProvider interface {
	// Complete sends a prompt and returns a streaming response.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string
}

// ToolDescriptor describes one callable tool offered to the model. It is
// the unit of the per-session aggregated tool set: descriptors come from
// tool-server handshakes, not from in-process implementations.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// CompletionRequest contains all parameters for one model invocation.
type CompletionRequest struct {
	// Model is the provider-side model identifier.
	Model string `json:"model"`

	// System sets the assistant's behavior; handled separately from
	// messages in most LLM APIs.
	System string `json:"system,omitempty"`

	// Messages is the conversation history in chronological order.
	Messages []models.ChatMessage `json:"messages"`

	// Tools defines tools the model may request to execute.
	Tools []ToolDescriptor `json:"tools,omitempty"`

	// MaxTokens limits the response length; providers apply their own
	// default when zero.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionChunk is one increment of a streaming model response.
type CompletionChunk struct {
	// Text contains partial response text.
	Text string `json:"text,omitempty"`

	// ToolCall contains a complete tool execution request.
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Done is true when the stream has completed successfully.
	Done bool `json:"done,omitempty"`

	// Error terminates the stream when non-nil.
	Error error `json:"-"`

	// InputTokens and OutputTokens are populated on the final chunk
	// when the provider reports usage.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}
