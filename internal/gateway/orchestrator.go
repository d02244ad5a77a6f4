package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/pkg/models"
)

const plannerSystemPrompt = `You are a planning assistant. Read the conversation and produce a short execution plan as a JSON object with two fields: "objective" (one sentence) and "steps" (an array of short strings). Respond with the JSON object only.`

const workerSystemPromptFormat = `You are an execution assistant. Carry out the following plan, using the available tools when they help.

Objective: %s
Steps:
%s`

// plan is the structured output requested from the planning call.
type plan struct {
	Objective string   `json:"objective"`
	Steps     []string `json:"steps"`
}

// handleAgent runs the two-stage planner/worker chain over one response
// stream. The planning call streams its plan JSON to the client and is
// accumulated to parameterize the worker, which streams next with the
// session's tools attached. A planner failure skips the worker.
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request, gc *GateContext) {
	system, history := splitSystem(gc.Input.Messages)
	rl := newRelay(w, s.logger, s.metrics)

	plannerReq := &agent.CompletionRequest{
		Model:     gc.Model,
		System:    plannerSystemPrompt,
		Messages:  history,
		MaxTokens: s.cfg.LLM.MaxTokens,
	}

	planText, plannerUsage, err := s.runStage(r.Context(), rl, gc, plannerReq, true)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Warn("planner stage failed",
			"session", gc.Session.ID,
			"model", gc.Model,
			"error", err)
		s.observeLLM(gc, "error", plannerUsage)
		if rl.started {
			rl.finish("error", plannerUsage)
		} else {
			writeError(w, providerStatusCode(err), err.Error())
		}
		return
	}

	p := parsePlan(planText)

	workerSystem := fmt.Sprintf(workerSystemPromptFormat, p.Objective, formatSteps(p.Steps))
	if system != "" {
		workerSystem = system + "\n\n" + workerSystem
	}

	workerReq := &agent.CompletionRequest{
		Model:     gc.Model,
		System:    workerSystem,
		Messages:  history,
		Tools:     s.sessionTools(gc.Session.ID),
		MaxTokens: s.cfg.LLM.MaxTokens,
	}

	_, workerUsage, err := s.runStage(r.Context(), rl, gc, workerReq, true)
	total := models.Usage{
		PromptTokens:     plannerUsage.PromptTokens + workerUsage.PromptTokens,
		CompletionTokens: plannerUsage.CompletionTokens + workerUsage.CompletionTokens,
	}

	switch {
	case err == nil:
		rl.finish("stop", total)
		s.observeLLM(gc, "success", total)

	case errors.Is(err, context.Canceled):
		s.observeLLM(gc, "success", total)

	default:
		s.logger.Warn("worker stage failed",
			"session", gc.Session.ID,
			"model", gc.Model,
			"error", err)
		s.observeLLM(gc, "error", total)
		if rl.started {
			rl.finish("error", total)
		} else {
			writeError(w, providerStatusCode(err), err.Error())
		}
	}
}

// runStage drives one model invocation through the relay.
func (s *Server) runStage(ctx context.Context, rl *relay, gc *GateContext, req *agent.CompletionRequest, emit bool) (string, models.Usage, error) {
	chunks, err := gc.Provider.Complete(ctx, req)
	if err != nil {
		return "", models.Usage{}, err
	}
	return rl.pump(ctx, chunks, emit)
}

// parsePlan extracts the plan object from the planner's output. Models
// sometimes wrap JSON in code fences or prose; fall back to treating the
// whole text as the objective when no object parses.
func parsePlan(text string) plan {
	trimmed := strings.TrimSpace(text)
	if start := strings.Index(trimmed, "{"); start >= 0 {
		if end := strings.LastIndex(trimmed, "}"); end > start {
			var p plan
			if err := json.Unmarshal([]byte(trimmed[start:end+1]), &p); err == nil && p.Objective != "" {
				return p
			}
		}
	}
	return plan{Objective: trimmed}
}

func formatSteps(steps []string) string {
	if len(steps) == 0 {
		return "- complete the objective directly"
	}
	var b strings.Builder
	for i, step := range steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, step)
	}
	return strings.TrimRight(b.String(), "\n")
}
