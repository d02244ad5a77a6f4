package gateway

import (
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/haasonsaas/relay/internal/agent"
)

func TestParsePlan(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		objective string
		steps     int
	}{
		{
			name:      "clean json",
			text:      `{"objective":"do the thing","steps":["a","b"]}`,
			objective: "do the thing",
			steps:     2,
		},
		{
			name:      "fenced json",
			text:      "```json\n{\"objective\":\"wrapped\",\"steps\":[\"x\"]}\n```",
			objective: "wrapped",
			steps:     1,
		},
		{
			name:      "prose fallback",
			text:      "I will just answer directly.",
			objective: "I will just answer directly.",
			steps:     0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := parsePlan(tt.text)
			if p.Objective != tt.objective {
				t.Errorf("Objective = %q, want %q", p.Objective, tt.objective)
			}
			if len(p.Steps) != tt.steps {
				t.Errorf("Steps = %d, want %d", len(p.Steps), tt.steps)
			}
		})
	}
}

func TestAgentPlannerThenWorker(t *testing.T) {
	env := newTestEnv(t, 10, true)

	resp := env.do(t, http.MethodPost, "/v1/connect", "u1",
		`{"config":{"id":"echo","command":"echo"}}`)
	resp.Body.Close()

	env.provider.scripts = [][]*agent.CompletionChunk{
		{
			{Text: `{"objective":"answer the question","steps":["look","answer"]}`},
			{Done: true, InputTokens: 2, OutputTokens: 4},
		},
		{
			{Text: "the answer"},
			{Done: true, InputTokens: 6, OutputTokens: 8},
		},
	}

	resp = env.do(t, http.MethodPost, "/v1/agent", "u1", chatBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /v1/agent = %d", resp.StatusCode)
	}

	body := readBody(t, resp)
	lines := strings.Split(strings.TrimRight(body, "\n"), "\n")

	// Plan JSON streams first, then worker text, over one response.
	if !strings.Contains(lines[0], "objective") {
		t.Errorf("first frame %q, want streamed plan JSON", lines[0])
	}
	sawWorker := false
	for _, line := range lines {
		if strings.Contains(line, "the answer") {
			sawWorker = true
		}
	}
	if !sawWorker {
		t.Error("worker text missing from stream")
	}
	last := lines[len(lines)-1]
	if !stopFrameRe.MatchString(last) {
		t.Errorf("final line %q is not a stop frame", last)
	}
	// Usage sums both stages.
	if !strings.Contains(last, `"promptTokens":8`) || !strings.Contains(last, `"completionTokens":12`) {
		t.Errorf("final frame %q, want summed usage", last)
	}

	if env.provider.callCount() != 2 {
		t.Fatalf("provider called %d times, want 2", env.provider.callCount())
	}

	planner := env.provider.request(0)
	if len(planner.Tools) != 0 {
		t.Errorf("planner call carried %d tools, want 0", len(planner.Tools))
	}
	worker := env.provider.request(1)
	if !strings.Contains(worker.System, "answer the question") {
		t.Errorf("worker system prompt %q missing plan objective", worker.System)
	}
	found := false
	for _, tool := range worker.Tools {
		if tool.Name == "ping" {
			found = true
		}
	}
	if !found {
		t.Errorf("worker call tools = %+v, want ping included", worker.Tools)
	}
}

func TestAgentPlannerFailureSkipsWorker(t *testing.T) {
	env := newTestEnv(t, 10, true)

	env.provider.scripts = [][]*agent.CompletionChunk{
		{
			{Error: fmt.Errorf("planner blew up"), Done: true},
		},
	}

	resp := env.do(t, http.MethodPost, "/v1/agent", "u1", chatBody)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 (nothing was streamed yet)", resp.StatusCode)
	}
	resp.Body.Close()

	if env.provider.callCount() != 1 {
		t.Errorf("provider called %d times, want 1 (worker skipped)", env.provider.callCount())
	}
}
