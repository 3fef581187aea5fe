package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// sseWriter wraps an http.ResponseWriter with SSE event writing and client
// disconnect detection, shaped for the OpenAI streaming wire.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	ctx     context.Context

	id      string
	model   string
	created int64
}

// newSSEWriter prepares SSE headers and returns a writer. Returns nil if the
// connection cannot stream.
func newSSEWriter(w http.ResponseWriter, r *http.Request, id, model string) *sseWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return nil
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	return &sseWriter{
		w: w, flusher: flusher, ctx: r.Context(),
		id: id, model: model, created: time.Now().Unix(),
	}
}

type streamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []streamChoice `json:"choices"`
}

type streamChoice struct {
	Index        int         `json:"index"`
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type streamDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// SendContent writes one content delta. Returns false once the client has
// disconnected.
func (s *sseWriter) SendContent(content string) bool {
	return s.send(streamChunk{
		ID: s.id, Object: "chat.completion.chunk", Created: s.created, Model: s.model,
		Choices: []streamChoice{{Delta: streamDelta{Content: content}}},
	})
}

// SendHeartbeat writes an SSE comment line, keeping the connection warm
// without emitting a visible chunk.
func (s *sseWriter) SendHeartbeat() bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}
	if _, err := fmt.Fprint(s.w, ": heartbeat\n\n"); err != nil {
		return false
	}
	s.flusher.Flush()
	return true
}

// Finish writes the final chunk with a finish_reason and the [DONE] marker.
func (s *sseWriter) Finish(reason string) {
	s.send(streamChunk{
		ID: s.id, Object: "chat.completion.chunk", Created: s.created, Model: s.model,
		Choices: []streamChoice{{Delta: streamDelta{}, FinishReason: &reason}},
	})
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}

func (s *sseWriter) send(chunk streamChunk) bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		log.Printf("[SSE] JSON marshal error: %v", err)
		return false
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return false
	}
	s.flusher.Flush()
	return true
}
