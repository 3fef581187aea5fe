// Package agent drives the multi-step tool-calling loop: send the
// conversation plus tool schemas to a model, execute any tool calls it
// returns through the registry, feed the results back, and repeat until the
// model answers in text or a cap trips.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/halcyonlabs/halcyon/internal/fault"
	"github.com/halcyonlabs/halcyon/internal/llm"
	"github.com/halcyonlabs/halcyon/internal/tool"
	"github.com/halcyonlabs/halcyon/internal/track"
)

const (
	defaultMaxSteps     = 20
	defaultMaxWall      = 120 * time.Second
	defaultMaxToolBytes = 50 * 1024 * 1024

	// parallelTools bounds concurrent tool calls within one step.
	parallelTools = 4

	// heartbeatEvery keeps a streaming connection warm during long tool
	// steps.
	heartbeatEvery = 10 * time.Second
)

// Engine is the model surface the loop drives.
type Engine interface {
	Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error)
}

// Runner executes agent requests. Safe for concurrent use.
type Runner struct {
	tracker *track.Tracker

	maxSteps     int
	maxWall      time.Duration
	maxToolBytes int
}

// NewRunner creates a runner with default caps.
func NewRunner(tracker *track.Tracker) *Runner {
	return &Runner{
		tracker:      tracker,
		maxSteps:     defaultMaxSteps,
		maxWall:      defaultMaxWall,
		maxToolBytes: defaultMaxToolBytes,
	}
}

// Request is one agent invocation.
type Request struct {
	RequestID string
	Model     string
	Messages  []llm.Message

	// Tools is the per-request registry view selected by the classifier.
	Tools *tool.Registry

	// Engine answers the model calls. The router resolves it, applying
	// the offline fallback before the loop starts.
	Engine Engine

	// Online gates tools marked requires_internet.
	Online bool

	// Stream receives text deltas and heartbeats when the client asked
	// for streaming. Nil means synchronous.
	Stream llm.StreamHandler
}

// Result is the loop outcome. Draft is always the best available answer,
// even when Err reports a tripped cap.
type Result struct {
	Response  llm.ChatResponse
	Steps     int
	ToolCalls int
	Err       error
}

// Run executes the loop. A cap trip does not discard work: the result
// carries the best partial draft next to the structured error.
func (r *Runner) Run(ctx context.Context, req Request) Result {
	if req.Engine == nil {
		return Result{Err: fault.New(fault.Internal, "agent: no engine resolved")}
	}

	ctx, cancel := context.WithTimeout(ctx, r.maxWall)
	defer cancel()

	messages := append([]llm.Message(nil), req.Messages...)
	defs := []llm.ToolDefinition{}
	if req.Tools != nil {
		defs = req.Tools.Definitions(req.Online)
	}

	var (
		draft      string
		toolCalls  int
		totalBytes int
	)

	for step := 1; step <= r.maxSteps; step++ {
		r.transition(req.RequestID, track.StageUpstreamCallStart)
		resp, err := r.callModel(ctx, req, llm.ChatRequest{
			Model:    req.Model,
			Messages: messages,
			Tools:    defs,
		})
		r.transition(req.RequestID, track.StageUpstreamCallEnd)
		if err != nil {
			return Result{
				Response: draftResponse(req.Model, draft),
				Steps:    step, ToolCalls: toolCalls,
				Err: r.classifyLoopErr(ctx, err, draft),
			}
		}

		if len(resp.Message.ToolCalls) == 0 {
			// Text answer: the loop is done.
			if req.Stream != nil {
				if err := streamText(req.Stream, resp.Message.Content); err != nil {
					return Result{Steps: step, ToolCalls: toolCalls, Err: fault.Wrap(fault.Cancelled, err, "client went away")}
				}
			}
			r.transition(req.RequestID, track.StageProcessing)
			return Result{Response: resp, Steps: step, ToolCalls: toolCalls}
		}

		if resp.Message.Content != "" {
			draft = resp.Message.Content
		}
		messages = append(messages, resp.Message)

		results, n, err := r.runToolCalls(ctx, req, resp.Message.ToolCalls)
		toolCalls += len(resp.Message.ToolCalls)
		totalBytes += n
		messages = append(messages, results...)
		if err != nil {
			return Result{
				Response: draftResponse(req.Model, draft),
				Steps:    step, ToolCalls: toolCalls,
				Err: r.classifyLoopErr(ctx, err, draft),
			}
		}
		if totalBytes > r.maxToolBytes {
			return Result{
				Response: draftResponse(req.Model, draft),
				Steps:    step, ToolCalls: toolCalls,
				Err: fault.New(fault.ResourceExhausted, "agent: tool output budget exceeded (%d bytes)", totalBytes),
			}
		}
	}

	return Result{
		Response:  draftResponse(req.Model, draft),
		Steps:     r.maxSteps,
		ToolCalls: toolCalls,
		Err:       fault.New(fault.ResourceExhausted, "agent: step cap reached (%d)", r.maxSteps),
	}
}

// callModel runs one model call, emitting heartbeats to a streaming client
// while the call is in flight.
func (r *Runner) callModel(ctx context.Context, req Request, chatReq llm.ChatRequest) (llm.ChatResponse, error) {
	if req.Stream == nil {
		return req.Engine.Chat(ctx, chatReq)
	}

	done := make(chan struct{})
	var (
		resp llm.ChatResponse
		err  error
	)
	go func() {
		resp, err = req.Engine.Chat(ctx, chatReq)
		close(done)
	}()

	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return resp, err
		case <-ticker.C:
			if hbErr := req.Stream(llm.StreamDelta{Heartbeat: true}); hbErr != nil {
				return llm.ChatResponse{}, fault.Wrap(fault.Cancelled, hbErr, "client went away")
			}
		case <-ctx.Done():
			<-done
			return resp, err
		}
	}
}

// runToolCalls executes one step's tool calls, bounded by parallelTools.
// Result messages come back in call order regardless of completion order.
func (r *Runner) runToolCalls(ctx context.Context, req Request, calls []llm.ToolCall) ([]llm.Message, int, error) {
	results := make([]llm.Message, len(calls))
	var (
		mu         sync.Mutex
		totalBytes int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelTools)
	for i, call := range calls {
		g.Go(func() error {
			started := time.Now()
			output := r.executeCall(gctx, req, call)
			r.recordToolOp(call.Function.Name, started, !strings.HasPrefix(output, "tool error:"))

			mu.Lock()
			totalBytes += len(output)
			mu.Unlock()
			results[i] = llm.Message{
				Role:       llm.RoleTool,
				Name:       call.Function.Name,
				Content:    output,
				ToolCallID: call.ID,
			}
			return gctx.Err()
		})
	}
	err := g.Wait()
	return results, totalBytes, err
}

// executeCall resolves and runs one tool. Failures come back as text the
// model can reason about; only context cancellation aborts the loop.
func (r *Runner) executeCall(ctx context.Context, req Request, call llm.ToolCall) string {
	name := call.Function.Name
	if req.Tools == nil {
		return "tool error: no tools available"
	}
	t, ok := req.Tools.Get(name)
	if !ok {
		return fmt.Sprintf("tool error: unknown tool %q", name)
	}
	if !req.Online && t.RequiresInternet() {
		return fmt.Sprintf("tool error: %q requires internet access, which is currently unavailable", name)
	}

	res, err := t.Execute(ctx, json.RawMessage(call.Function.Arguments))
	if err != nil {
		log.Printf("[Agent] Tool %s failed: %v", name, err)
		return "tool error: " + err.Error()
	}
	if res.Error != "" {
		return "tool error: " + res.Error
	}
	return res.Output
}

func (r *Runner) classifyLoopErr(ctx context.Context, err error, draft string) error {
	if ctx.Err() == context.DeadlineExceeded {
		return fault.Wrap(fault.ResourceExhausted, err, "agent: wall-time budget exceeded")
	}
	if ctx.Err() == context.Canceled {
		return fault.Wrap(fault.Cancelled, err, "agent: request cancelled")
	}
	return err
}

func (r *Runner) transition(requestID string, stage track.Stage) {
	if r.tracker != nil && requestID != "" {
		r.tracker.Transition(requestID, stage)
	}
}

func (r *Runner) recordToolOp(name string, started time.Time, ok bool) {
	if r.tracker == nil {
		return
	}
	r.tracker.RecordOp(track.OpMetric{
		Component:  "agent",
		Operation:  "tool:" + name,
		DurationMs: time.Since(started).Milliseconds(),
		StartedAt:  started,
		OK:         ok,
	})
}

func draftResponse(model, draft string) llm.ChatResponse {
	return llm.ChatResponse{
		Model:        model,
		Message:      llm.Message{Role: llm.RoleAssistant, Content: draft},
		FinishReason: "length",
	}
}

// streamText chunks an already-complete answer to the client so the wire
// shape matches a token stream. Chunks break on rune boundaries; a split
// multi-byte rune would reach the client as two invalid fragments.
func streamText(fn llm.StreamHandler, text string) error {
	const chunkSize = 512
	for len(text) > 0 {
		n := chunkSize
		if n >= len(text) {
			n = len(text)
		} else {
			for n > 0 && !utf8.RuneStart(text[n]) {
				n--
			}
			if n == 0 {
				n = chunkSize // not UTF-8, send as-is
			}
		}
		if err := fn(llm.StreamDelta{Content: text[:n]}); err != nil {
			return err
		}
		text = text[n:]
	}
	return fn(llm.StreamDelta{Done: true})
}
