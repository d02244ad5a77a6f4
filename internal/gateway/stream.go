package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

// relay writes a model's incremental output onto an HTTP response using
// the line-framed chunk protocol:
//
//	0:<json-encoded string>   text delta
//	d:<json object>           terminal frame with finishReason and usage
//
// Headers are written lazily on the first frame so errors that occur
// before any output can still produce a plain JSON error response. The
// terminal frame is written at most once.
type relay struct {
	w       http.ResponseWriter
	flusher http.Flusher
	logger  *slog.Logger
	metrics *observability.Metrics
	started bool
	ended   bool
}

func newRelay(w http.ResponseWriter, logger *slog.Logger, metrics *observability.Metrics) *relay {
	flusher, _ := w.(http.Flusher)
	return &relay{w: w, flusher: flusher, logger: logger, metrics: metrics}
}

type finishFrame struct {
	FinishReason string       `json:"finishReason"`
	Usage        models.Usage `json:"usage"`
}

func (s *relay) begin() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
}

func (s *relay) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// writeText frames one text delta. The payload is a JSON string literal
// so embedded newlines and quotes cannot break the line framing.
func (s *relay) writeText(text string) {
	if s.ended {
		return
	}
	s.begin()
	payload, err := json.Marshal(text)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "0:%s\n", payload)
	s.flush()
	if s.metrics != nil {
		s.metrics.StreamFramesTotal.WithLabelValues("text").Inc()
	}
}

// finish writes the terminal frame. Safe to call more than once; only
// the first call emits.
func (s *relay) finish(reason string, usage models.Usage) {
	if s.ended {
		return
	}
	s.ended = true
	s.begin()
	payload, err := json.Marshal(finishFrame{FinishReason: reason, Usage: usage})
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "d:%s\n", payload)
	s.flush()
	if s.metrics != nil {
		s.metrics.StreamFramesTotal.WithLabelValues("finish").Inc()
	}
}

// pump consumes a completion stream until it ends. Text deltas are
// relayed when emit is set and always accumulated. A cancelled context
// (the client disconnected) stops the pump; the remaining upstream
// output is drained in the background rather than cancelled, since not
// every provider stream supports cancellation.
func (s *relay) pump(ctx context.Context, chunks <-chan *agent.CompletionChunk, emit bool) (string, models.Usage, error) {
	var text strings.Builder
	var usage models.Usage

	for {
		select {
		case <-ctx.Done():
			go drain(chunks)
			return text.String(), usage, ctx.Err()

		case chunk, ok := <-chunks:
			if !ok {
				return text.String(), usage, nil
			}
			if chunk.Error != nil {
				go drain(chunks)
				return text.String(), usage, chunk.Error
			}
			if chunk.Text != "" {
				text.WriteString(chunk.Text)
				if emit {
					s.writeText(chunk.Text)
				}
			}
			if chunk.ToolCall != nil {
				// The frame protocol has no tool-call frame; tool use is
				// surfaced through the tool-call endpoint instead.
				s.logger.Debug("model requested tool",
					"tool", chunk.ToolCall.Name,
					"call_id", chunk.ToolCall.ID)
			}
			if chunk.Done {
				usage.PromptTokens = chunk.InputTokens
				usage.CompletionTokens = chunk.OutputTokens
				go drain(chunks)
				return text.String(), usage, nil
			}
		}
	}
}

// drain discards the rest of a stream so the producing goroutine can
// exit.
func drain(chunks <-chan *agent.CompletionChunk) {
	for range chunks {
	}
}
