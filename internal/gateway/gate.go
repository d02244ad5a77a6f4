package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/pkg/models"
)

// maxBodyBytes caps request body reads so a misbehaving client cannot
// exhaust memory.
const maxBodyBytes = 1 << 20

// ChatRequest is the body accepted by the chat and agent endpoints.
type ChatRequest struct {
	Messages []models.ChatMessage `json:"messages"`
	ModelID  string               `json:"modelId"`
	APIKey   string               `json:"apiKey,omitempty"`
}

// GateContext carries everything the gate resolved for a request:
// the caller's session, a ready provider, and the parsed input.
type GateContext struct {
	Session  *sessions.Session
	Provider agent.LLMProvider
	Model    string
	Input    *ChatRequest
}

type gatedHandler func(w http.ResponseWriter, r *http.Request, gc *GateContext)

type identifiedHandler func(w http.ResponseWriter, r *http.Request, sess *sessions.Session)

// gate validates a chat-shaped request, resolves identity, model, and
// API key, attaches the session, and invokes the handler. Failures stop
// at the gate: 400 for malformed input or unresolvable models, 401 for
// missing or invalid identity.
func (s *Server) gate(next gatedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(req.Messages) == 0 {
			writeError(w, http.StatusBadRequest, "messages must not be empty")
			return
		}
		if strings.TrimSpace(req.ModelID) == "" {
			writeError(w, http.StatusBadRequest, "modelId is required")
			return
		}

		identity, err := s.identify(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		provider, err := s.factory.Resolve(req.ModelID, req.APIKey)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		sess := s.store.GetOrCreate(identity)
		sess.Touch()

		next(w, r, &GateContext{
			Session:  sess,
			Provider: provider,
			Model:    req.ModelID,
			Input:    &req,
		})
	})
}

// identified resolves identity and session only, for the connection
// management endpoints that carry no chat body.
func (s *Server) identified(next identifiedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.identify(r)
		if err != nil {
			writeMessage(w, http.StatusUnauthorized, err.Error())
			return
		}
		sess := s.store.GetOrCreate(identity)
		sess.Touch()
		next(w, r, sess)
	})
}

var errNoIdentity = errors.New("authentication required: supply a bearer token or X-User-Id header")

// identify extracts the caller's identity. A valid bearer token wins;
// otherwise the X-User-Id header yields a namespaced guest identity so
// guests can never collide with authenticated users.
func (s *Server) identify(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		user, err := s.jwt.Validate(token)
		if err == nil {
			return user.ID, nil
		}
		if !errors.Is(err, auth.ErrAuthDisabled) {
			return "", err
		}
		// Auth disabled: fall through to header identity.
	}

	if id := strings.TrimSpace(r.Header.Get("X-User-Id")); id != "" {
		return "guest:" + id, nil
	}

	return "", errNoIdentity
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the {error} body used by the chat-shaped endpoints.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeMessage emits the {message} body used by the connection endpoints.
func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}
