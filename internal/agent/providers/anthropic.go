// Package providers implements LLM provider integrations for the Relay
// gateway: streaming completions, tool calling, retry with backoff, and
// structured error classification for Anthropic and OpenAI backends.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/pkg/models"
)

const anthropicDefaultModel = "claude-sonnet-4-20250514"

// idleEventLimit is how many consecutive no-op SSE events the relay
// tolerates before declaring the stream malformed.
const idleEventLimit = 300

// AnthropicProvider implements agent.LLMProvider against Anthropic's
// Messages API with SSE streaming and tool use.
type AnthropicProvider struct {
	BaseProvider
	client       anthropic.Client
	defaultModel string
}

// NewAnthropicProvider creates a provider for the given API key.
func NewAnthropicProvider(apiKey string) (*AnthropicProvider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	return &AnthropicProvider{
		BaseProvider: NewBaseProvider("anthropic", 3, time.Second),
		client:       anthropic.NewClient(option.WithAPIKey(apiKey)),
		defaultModel: anthropicDefaultModel,
	}, nil
}

// Complete opens a streaming completion and returns its chunk channel.
// Only stream creation is retried; once events flow there is one
// invocation and one outcome.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	chunks := make(chan *agent.CompletionChunk)
	model := p.pick(req.Model)

	go func() {
		defer close(chunks)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		err := p.Retry(ctx, p.retryable, func() error {
			var openErr error
			stream, openErr = p.openStream(ctx, model, req)
			return openErr
		})
		if err != nil {
			chunks <- &agent.CompletionChunk{Error: p.classify(err, model), Done: true}
			return
		}

		p.relayEvents(stream, chunks, model)
	}()

	return chunks, nil
}

func (p *AnthropicProvider) pick(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

// openStream translates the request into Messages API parameters and
// starts the SSE stream.
func (p *AnthropicProvider) openStream(ctx context.Context, model string, req *agent.CompletionRequest) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	messages, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{
				Type: "text",
				Text: req.System,
			},
		}
	}

	if len(req.Tools) > 0 {
		tools, err := toAnthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	return p.client.Messages.NewStreaming(ctx, params), nil
}

// relayEvents turns SSE events into completion chunks. A tool call
// arrives in pieces over several events: content_block_start names it,
// input_json_delta fragments carry its arguments, content_block_stop
// seals it.
func (p *AnthropicProvider) relayEvents(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk, model string) {
	var pendingCall *models.ToolCall
	var pendingInput strings.Builder
	var promptTokens, completionTokens int
	idle := 0

	for stream.Next() {
		event := stream.Current()
		progressed := true

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if n := start.Message.Usage.InputTokens; n > 0 {
				promptTokens = int(n)
			}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type != "tool_use" {
				progressed = false
				break
			}
			use := block.AsToolUse()
			pendingCall = &models.ToolCall{ID: use.ID, Name: use.Name}
			pendingInput.Reset()

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch {
			case delta.Type == "text_delta" && delta.Text != "":
				chunks <- &agent.CompletionChunk{Text: delta.Text}
			case delta.Type == "input_json_delta" && delta.PartialJSON != "":
				pendingInput.WriteString(delta.PartialJSON)
			default:
				progressed = false
			}

		case "content_block_stop":
			if pendingCall == nil {
				progressed = false
				break
			}
			pendingCall.Input = json.RawMessage(pendingInput.String())
			chunks <- &agent.CompletionChunk{ToolCall: pendingCall}
			pendingCall = nil

		case "message_delta":
			if n := event.AsMessageDelta().Usage.OutputTokens; n > 0 {
				completionTokens = int(n)
			}

		case "message_stop":
			chunks <- &agent.CompletionChunk{
				Done:         true,
				InputTokens:  promptTokens,
				OutputTokens: completionTokens,
			}
			return

		case "error":
			chunks <- &agent.CompletionChunk{
				Error: p.classify(errors.New("anthropic stream error"), model),
				Done:  true,
			}
			return

		default:
			progressed = false
		}

		if progressed {
			idle = 0
			continue
		}
		if idle++; idle >= idleEventLimit {
			chunks <- &agent.CompletionChunk{
				Error: p.classify(fmt.Errorf("stream appears malformed: %d consecutive empty events", idle), model),
				Done:  true,
			}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &agent.CompletionChunk{Error: p.classify(err, model), Done: true}
		return
	}

	// The stream closed without message_stop. Report completion with what
	// arrived rather than hanging the caller.
	chunks <- &agent.CompletionChunk{
		Done:         true,
		InputTokens:  promptTokens,
		OutputTokens: completionTokens,
	}
}

// toAnthropicMessages maps chat history onto Anthropic content blocks.
// System content never appears here; it rides in params.System.
func toAnthropicMessages(history []models.ChatMessage) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam

	for _, msg := range history {
		if msg.Role == models.RoleSystem {
			continue
		}

		var blocks []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			blocks = append(blocks, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]interface{}
			if err := json.Unmarshal(tc.Input, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input: %w", err)
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(blocks) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			// User and tool roles both land as user messages.
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}

	return out, nil
}

// toAnthropicTools maps aggregated tool descriptors onto Anthropic tool
// parameters.
func toAnthropicTools(tools []agent.ToolDescriptor) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam

	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(tool.InputSchema) > 0 {
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
			}
		}

		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		if tool.Description != "" {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		out = append(out, param)
	}

	return out, nil
}

// classify lifts an SDK error into the ProviderError taxonomy.
func (p *AnthropicProvider) classify(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsProviderError(err); ok {
		return err
	}

	pe := &ProviderError{
		Provider: "anthropic",
		Model:    model,
		Cause:    err,
		Class:    ClassUnknown,
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		pe = pe.WithStatus(apiErr.StatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		pe.Class = ClassTimeout
	}
	return pe
}

func (p *AnthropicProvider) retryable(err error) bool {
	if pe, ok := AsProviderError(err); ok {
		return pe.Class.Retryable()
	}
	if pe, ok := AsProviderError(p.classify(err, "")); ok {
		return pe.Class.Retryable()
	}
	return false
}
