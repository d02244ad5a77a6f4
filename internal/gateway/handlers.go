package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/agent/providers"
	"github.com/haasonsaas/relay/internal/connections"
	"github.com/haasonsaas/relay/internal/mcp"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/pkg/models"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleChat drives one model invocation with the session's aggregated
// tools and relays the output as a framed stream.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, gc *GateContext) {
	system, history := splitSystem(gc.Input.Messages)

	req := &agent.CompletionRequest{
		Model:     gc.Model,
		System:    system,
		Messages:  history,
		Tools:     s.sessionTools(gc.Session.ID),
		MaxTokens: s.cfg.LLM.MaxTokens,
	}

	chunks, err := gc.Provider.Complete(r.Context(), req)
	if err != nil {
		s.observeLLM(gc, "error", models.Usage{})
		writeError(w, providerStatusCode(err), err.Error())
		return
	}

	rl := newRelay(w, s.logger, s.metrics)
	_, usage, pumpErr := rl.pump(r.Context(), chunks, true)

	switch {
	case pumpErr == nil:
		rl.finish("stop", usage)
		s.observeLLM(gc, "success", usage)

	case errors.Is(pumpErr, context.Canceled):
		// Client disconnected; normal early termination, nothing to write.
		s.logger.Debug("client disconnected mid-stream", "session", gc.Session.ID)
		s.observeLLM(gc, "success", usage)

	default:
		s.logger.Warn("model stream failed",
			"session", gc.Session.ID,
			"model", gc.Model,
			"error", pumpErr)
		s.observeLLM(gc, "error", usage)
		if rl.started {
			rl.finish("error", usage)
		} else {
			writeError(w, providerStatusCode(pumpErr), pumpErr.Error())
		}
	}
}

// providerStatusCode maps a provider failure to an HTTP status:
// request-validation-class errors (bad key, malformed request) are the
// caller's fault, everything else is a server-side 500.
func providerStatusCode(err error) int {
	if pe, ok := providers.AsProviderError(err); ok && pe.Class.RequestFault() {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) observeLLM(gc *GateContext, status string, usage models.Usage) {
	if s.metrics == nil {
		return
	}
	name := gc.Provider.Name()
	s.metrics.LLMRequestCounter.WithLabelValues(name, gc.Model, status).Inc()
	if usage.PromptTokens > 0 {
		s.metrics.LLMTokensUsed.WithLabelValues(name, gc.Model, "prompt").Add(float64(usage.PromptTokens))
	}
	if usage.CompletionTokens > 0 {
		s.metrics.LLMTokensUsed.WithLabelValues(name, gc.Model, "completion").Add(float64(usage.CompletionTokens))
	}
}

// sessionTools converts the session's aggregated tool set into provider
// descriptors, sorted by name for stable request payloads.
func (s *Server) sessionTools(sessionID string) []agent.ToolDescriptor {
	aggregated := s.registry.AggregateTools(sessionID)
	if len(aggregated) == 0 {
		return nil
	}

	names := make([]string, 0, len(aggregated))
	for name := range aggregated {
		names = append(names, name)
	}
	sort.Strings(names)

	descriptors := make([]agent.ToolDescriptor, 0, len(names))
	for _, name := range names {
		tool := aggregated[name]
		descriptors = append(descriptors, agent.ToolDescriptor{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}
	return descriptors
}

// splitSystem extracts leading system-role content into the system
// prompt and returns the remaining conversation.
func splitSystem(messages []models.ChatMessage) (string, []models.ChatMessage) {
	var system []string
	history := make([]models.ChatMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			if msg.Content != "" {
				system = append(system, msg.Content)
			}
			continue
		}
		history = append(history, msg)
	}
	return strings.Join(system, "\n\n"), history
}

type connectRequest struct {
	Config *mcp.ServerConfig `json:"config"`
}

type disconnectRequest struct {
	ServerID string `json:"serverId"`
}

// handleConnect establishes a tool-server connection for the caller's
// session. Capacity rejection surfaces as 503; every other failure is a
// 500 with the establishment error.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, sess *sessions.Session) {
	var req connectRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Config == nil {
		writeMessage(w, http.StatusBadRequest, "config is required")
		return
	}

	ctx := r.Context()
	if s.cfg.Tools.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Tools.HandshakeTimeout)
		defer cancel()
	}

	result := s.registry.Establish(ctx, sess.ID, req.Config)
	if !result.OK {
		if errors.Is(result.Err, connections.ErrCapacity) {
			writeMessage(w, http.StatusServiceUnavailable, result.Err.Error())
			return
		}
		writeMessage(w, http.StatusInternalServerError, result.Err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"tools": result.Client.Tools()})
}

// handleDisconnect tears down one connection slot. Idempotent: reaching
// the handler always succeeds, whether or not the slot existed.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request, sess *sessions.Session) {
	var req disconnectRequest
	// A malformed or empty body leaves ServerID empty, which cleanup
	// treats as an absent slot.
	_ = json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req)

	s.registry.Cleanup(sess.ID, req.ServerID)
	writeMessage(w, http.StatusOK, "Disconnection successful")
}

// handleConnections reports the session's connection slots.
func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request, sess *sessions.Session) {
	writeJSON(w, http.StatusOK, map[string]any{
		"connections": s.registry.Status(sess.ID),
	})
}

type toolCallRequest struct {
	ServerID  string         `json:"serverId"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// toolCaller is satisfied by clients that can proxy tool invocations.
type toolCaller interface {
	CallTool(ctx context.Context, name string, arguments map[string]any) (*mcp.ToolCallResult, error)
}

// handleToolCall proxies one tool invocation to a connected tool server.
func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request, sess *sessions.Session) {
	var req toolCallRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ServerID == "" || req.Name == "" {
		writeMessage(w, http.StatusBadRequest, "serverId and name are required")
		return
	}

	client, ok := s.registry.Lookup(sess.ID, req.ServerID)
	if !ok {
		writeMessage(w, http.StatusNotFound, "no connection for server "+req.ServerID)
		return
	}
	caller, ok := client.(toolCaller)
	if !ok {
		writeMessage(w, http.StatusInternalServerError, "connection does not support tool calls")
		return
	}

	ctx := r.Context()
	if s.cfg.Tools.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Tools.CallTimeout)
		defer cancel()
	}

	result, err := caller.CallTool(ctx, req.Name, req.Arguments)
	if err != nil {
		writeMessage(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}
