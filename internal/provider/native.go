package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/halcyonlabs/halcyon/internal/fault"
	"github.com/halcyonlabs/halcyon/internal/llm"
)

// NativeLocal adapts the OpenAI chat schema to the local engine's native
// API: JSON in / JSON out for synchronous calls, JSON in / NDJSON out for
// streaming, and /api/tags for the model listing.
type NativeLocal struct {
	name    string
	baseURL string
	httpc   *http.Client
	options map[string]map[string]any
}

var _ Provider = (*NativeLocal)(nil)

// NewNativeLocal builds the adapter. baseURL has no trailing slash.
func NewNativeLocal(spec Spec, httpc *http.Client) *NativeLocal {
	return &NativeLocal{
		name:    spec.Name,
		baseURL: strings.TrimRight(spec.BaseURL, "/"),
		httpc:   httpc,
		options: spec.Options,
	}
}

func (p *NativeLocal) Name() string { return p.name }
func (p *NativeLocal) Kind() Kind   { return KindNativeLocal }

// nativeMessage is the engine's message shape. Tool call arguments arrive
// as a JSON object rather than an encoded string.
type nativeMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []nativeToolCall `json:"tool_calls,omitempty"`
}

type nativeToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type nativeChatPayload struct {
	Model    string          `json:"model"`
	Messages []nativeMessage `json:"messages"`
	Tools    []nativeTool    `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type nativeTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type nativeChatChunk struct {
	Message         nativeMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
}

func (p *NativeLocal) buildPayload(req llm.ChatRequest, stream bool) nativeChatPayload {
	payload := nativeChatPayload{
		Model:    req.Model,
		Stream:   stream,
		Messages: make([]nativeMessage, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		nm := nativeMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			var ntc nativeToolCall
			ntc.Function.Name = tc.Function.Name
			ntc.Function.Arguments = json.RawMessage(tc.Function.Arguments)
			nm.ToolCalls = append(nm.ToolCalls, ntc)
		}
		payload.Messages = append(payload.Messages, nm)
	}
	for _, t := range req.Tools {
		var nt nativeTool
		nt.Type = "function"
		nt.Function.Name = t.Name
		nt.Function.Description = t.Description
		nt.Function.Parameters = t.Parameters
		payload.Tools = append(payload.Tools, nt)
	}
	if opts, ok := p.options[req.Model]; ok {
		payload.Options = opts
	}
	if req.Temperature != 0 {
		if payload.Options == nil {
			payload.Options = map[string]any{}
		}
		payload.Options["temperature"] = req.Temperature
	}
	return payload
}

func (p *NativeLocal) post(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "encode request").WithProvider(p.name)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "build request").WithProvider(p.name)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpc.Do(req)
	if err != nil {
		return nil, p.classifyTransport(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, p.classifyStatus(resp.StatusCode, string(bytes.TrimSpace(msg)))
	}
	return resp, nil
}

func (p *NativeLocal) classifyTransport(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fault.Wrap(fault.Timeout, err, "engine call timed out").WithProvider(p.name)
	case errors.Is(err, context.Canceled):
		return fault.Wrap(fault.Cancelled, err, "engine call cancelled").WithProvider(p.name)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fault.Wrap(fault.Timeout, err, "engine call timed out").WithProvider(p.name)
	}
	return fault.Wrap(fault.Unavailable, err, "engine unreachable").WithProvider(p.name)
}

func (p *NativeLocal) classifyStatus(code int, msg string) error {
	switch {
	case code == http.StatusNotFound:
		return fault.New(fault.NotFound, "engine: %s", msg).WithProvider(p.name)
	case code == http.StatusTooManyRequests:
		return fault.New(fault.RateLimited, "engine: %s", msg).WithProvider(p.name)
	case code >= 500:
		return fault.New(fault.Unavailable, "engine http %d: %s", code, msg).WithProvider(p.name)
	default:
		return fault.New(fault.Protocol, "engine http %d: %s", code, msg).WithProvider(p.name)
	}
}

func (p *NativeLocal) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	resp, err := p.post(ctx, "/api/chat", p.buildPayload(req, false))
	if err != nil {
		return llm.ChatResponse{}, err
	}
	defer resp.Body.Close()

	var chunk nativeChatChunk
	if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
		return llm.ChatResponse{}, fault.Wrap(fault.Protocol, err, "decode engine response").WithProvider(p.name)
	}
	return p.toResponse(req.Model, chunk), nil
}

// ChatStream reads the engine's NDJSON stream, forwarding content deltas as
// they arrive and assembling the final message.
func (p *NativeLocal) ChatStream(ctx context.Context, req llm.ChatRequest, fn llm.StreamHandler) (llm.ChatResponse, error) {
	resp, err := p.post(ctx, "/api/chat", p.buildPayload(req, true))
	if err != nil {
		return llm.ChatResponse{}, err
	}
	defer resp.Body.Close()

	var (
		full  strings.Builder
		last  nativeChatChunk
		scan  = bufio.NewScanner(resp.Body)
		limit = 1024 * 1024
	)
	scan.Buffer(make([]byte, 64*1024), limit)

	for scan.Scan() {
		line := bytes.TrimSpace(scan.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk nativeChatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return llm.ChatResponse{}, fault.Wrap(fault.Protocol, err, "decode stream chunk").WithProvider(p.name)
		}
		if chunk.Message.Content != "" {
			full.WriteString(chunk.Message.Content)
			if err := fn(llm.StreamDelta{Content: chunk.Message.Content}); err != nil {
				return llm.ChatResponse{}, err
			}
		}
		if chunk.Done {
			last = chunk
			break
		}
	}
	if err := scan.Err(); err != nil {
		return llm.ChatResponse{}, p.classifyTransport(err)
	}
	if err := fn(llm.StreamDelta{Done: true}); err != nil {
		return llm.ChatResponse{}, err
	}

	last.Message.Content = full.String()
	return p.toResponse(req.Model, last), nil
}

func (p *NativeLocal) toResponse(model string, chunk nativeChatChunk) llm.ChatResponse {
	msg := llm.Message{Role: llm.RoleAssistant, Content: chunk.Message.Content}
	for i, tc := range chunk.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
			ID:   fmt.Sprintf("call_%d", i),
			Type: "function",
			Function: llm.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: string(tc.Function.Arguments),
			},
		})
	}
	finish := chunk.DoneReason
	if finish == "" {
		if len(msg.ToolCalls) > 0 {
			finish = "tool_calls"
		} else {
			finish = "stop"
		}
	}
	return llm.ChatResponse{
		Model:        model,
		Message:      msg,
		FinishReason: finish,
		Usage: llm.Usage{
			PromptTokens:     chunk.PromptEvalCount,
			CompletionTokens: chunk.EvalCount,
			TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
		},
	}
}

type nativeTagsResponse struct {
	Models []struct {
		Name       string    `json:"name"`
		ModifiedAt time.Time `json:"modified_at"`
	} `json:"models"`
}

func (p *NativeLocal) Models(ctx context.Context) ([]llm.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "build request").WithProvider(p.name)
	}
	resp, err := p.httpc.Do(req)
	if err != nil {
		return nil, p.classifyTransport(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, p.classifyStatus(resp.StatusCode, string(bytes.TrimSpace(msg)))
	}

	var tags nativeTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fault.Wrap(fault.Protocol, err, "decode model list").WithProvider(p.name)
	}
	out := make([]llm.ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		out = append(out, llm.ModelInfo{ID: m.Name, Object: "model", OwnedBy: p.name})
	}
	return out, nil
}

// Embeddings forwards a raw embeddings payload to the engine untouched and
// returns the raw response body. The gateway exposes this as a transparent
// proxy.
func (p *NativeLocal) Embeddings(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	resp, err := p.post(ctx, "/api/embeddings", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32*1024*1024))
	if err != nil {
		return nil, p.classifyTransport(err)
	}
	return body, nil
}
