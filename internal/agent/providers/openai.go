package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/pkg/models"
)

const openaiDefaultModel = "gpt-4o"

// OpenAIProvider implements agent.LLMProvider for OpenAI chat models.
//
// Key differences from the Anthropic provider:
//   - System messages ride in the messages array, not a separate field
//   - Tool calls stream incrementally and must be accumulated by index
//   - Token usage arrives in a trailing chunk when stream options request it
type OpenAIProvider struct {
	BaseProvider
	client       *openai.Client
	defaultModel string
}

// NewOpenAIProvider creates a provider for the given API key.
func NewOpenAIProvider(apiKey string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: API key is required")
	}

	return &OpenAIProvider{
		BaseProvider: NewBaseProvider("openai", 3, time.Second),
		client:       openai.NewClient(apiKey),
		defaultModel: openaiDefaultModel,
	}, nil
}

// Complete sends a completion request and returns a streaming chunk
// channel. Stream creation is retried with backoff; stream consumption
// is not.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	chunks := make(chan *agent.CompletionChunk)

	go func() {
		defer close(chunks)

		var stream *openai.ChatCompletionStream
		err := p.Retry(ctx, p.retryable, func() error {
			var createErr error
			stream, createErr = p.openStream(ctx, req)
			return createErr
		})
		if err != nil {
			chunks <- &agent.CompletionChunk{Error: p.classify(err, p.pick(req.Model)), Done: true}
			return
		}

		p.relayStream(ctx, stream, chunks, p.pick(req.Model))
	}()

	return chunks, nil
}

func (p *OpenAIProvider) pick(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *OpenAIProvider) openStream(ctx context.Context, req *agent.CompletionRequest) (*openai.ChatCompletionStream, error) {
	messages := toOpenAIMessages(req.Messages, req.System)

	chatReq := openai.ChatCompletionRequest{
		Model:    p.pick(req.Model),
		Messages: messages,
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}

	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}

	if len(req.Tools) > 0 {
		chatReq.Tools = toOpenAITools(req.Tools)
	}

	return p.client.CreateChatCompletionStream(ctx, chatReq)
}

// relayStream converts OpenAI stream deltas to completion chunks.
//
// Tool calls arrive in fragments across chunks: the first fragment for
// an index carries the ID and function name, later fragments append
// argument JSON. FinishReason "tool_calls" signals completion.
func (p *OpenAIProvider) relayStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk, model string) {
	defer stream.Close()

	toolCalls := make(map[int]*models.ToolCall)
	var toolOrder []int

	var inputTokens int
	var outputTokens int

	flushToolCalls := func() {
		for _, idx := range toolOrder {
			tc := toolCalls[idx]
			if tc.ID != "" && tc.Name != "" {
				chunks <- &agent.CompletionChunk{ToolCall: tc}
			}
		}
		toolCalls = make(map[int]*models.ToolCall)
		toolOrder = nil
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &agent.CompletionChunk{Error: ctx.Err(), Done: true}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flushToolCalls()
				chunks <- &agent.CompletionChunk{
					Done:         true,
					InputTokens:  inputTokens,
					OutputTokens: outputTokens,
				}
				return
			}
			chunks <- &agent.CompletionChunk{Error: p.classify(err, model), Done: true}
			return
		}

		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}

		if len(response.Choices) == 0 {
			continue
		}

		delta := response.Choices[0].Delta

		if delta.Content != "" {
			chunks <- &agent.CompletionChunk{Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}

			if toolCalls[index] == nil {
				toolCalls[index] = &models.ToolCall{}
				toolOrder = append(toolOrder, index)
			}

			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[index].Input = json.RawMessage(
					string(toolCalls[index].Input) + tc.Function.Arguments,
				)
			}
		}

		if response.Choices[0].FinishReason == openai.FinishReasonToolCalls {
			flushToolCalls()
		}
	}
}

// toOpenAIMessages converts chat messages to OpenAI's format. The system
// prompt is injected as the first message, and each tool result becomes
// its own message with role "tool".
func toOpenAIMessages(messages []models.ChatMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		if len(msg.ToolResults) > 0 {
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
			continue
		}

		oaiMsg := openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}

		if msg.Role == models.RoleAssistant && len(msg.ToolCalls) > 0 {
			oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls[i] = openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				}
			}
		}

		result = append(result, oaiMsg)
	}

	return result
}

// toOpenAITools converts aggregated tool descriptors to OpenAI function
// definitions. A descriptor with an unparseable schema degrades to an
// empty object schema so one bad tool does not break the rest.
func toOpenAITools(tools []agent.ToolDescriptor) []openai.Tool {
	result := make([]openai.Tool, len(tools))

	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.InputSchema, &schemaMap); err != nil {
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}

		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		}
	}

	return result
}

// classify lifts an SDK error into the ProviderError taxonomy.
func (p *OpenAIProvider) classify(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsProviderError(err); ok {
		return err
	}

	providerErr := &ProviderError{
		Provider: "openai",
		Model:    model,
		Cause:    err,
		Class:    ClassUnknown,
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr = providerErr.WithStatus(apiErr.HTTPStatusCode)
		providerErr = providerErr.WithMessage(fmt.Sprintf("%v", apiErr.Message))
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		providerErr = providerErr.WithStatus(reqErr.HTTPStatusCode)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		providerErr.Class = ClassTimeout
	}

	return providerErr
}

func (p *OpenAIProvider) retryable(err error) bool {
	if pe, ok := AsProviderError(err); ok {
		return pe.Class.Retryable()
	}
	if pe, ok := AsProviderError(p.classify(err, "")); ok {
		return pe.Class.Retryable()
	}
	return false
}
