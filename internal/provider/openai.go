package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/halcyonlabs/halcyon/internal/fault"
	"github.com/halcyonlabs/halcyon/internal/llm"
)

// OpenAICompat adapts any OpenAI-compatible endpoint. The API key is
// injected as a bearer token; everything else passes through.
type OpenAICompat struct {
	name   string
	client *openai.Client
}

var _ Provider = (*OpenAICompat)(nil)

// NewOpenAICompat builds the adapter. An empty BaseURL keeps the SDK default.
func NewOpenAICompat(spec Spec, httpc *http.Client) *OpenAICompat {
	cfg := openai.DefaultConfig(spec.APIKey)
	if spec.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(spec.BaseURL, "/")
	}
	if httpc != nil {
		cfg.HTTPClient = httpc
	}
	return &OpenAICompat{name: spec.Name, client: openai.NewClientWithConfig(cfg)}
}

func (p *OpenAICompat) Name() string { return p.name }
func (p *OpenAICompat) Kind() Kind   { return KindOpenAI }

func (p *OpenAICompat) buildRequest(req llm.ChatRequest) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	for _, m := range req.Messages {
		om := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out.Messages = append(out.Messages, om)
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(t.Parameters),
			},
		})
	}
	return out
}

func (p *OpenAICompat) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusUnauthorized || apiErr.HTTPStatusCode == http.StatusForbidden:
			return fault.Wrap(fault.Auth, err, "provider rejected credentials").WithProvider(p.name)
		case apiErr.HTTPStatusCode == http.StatusNotFound:
			return fault.Wrap(fault.NotFound, err, "unknown model or endpoint").WithProvider(p.name)
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return fault.Wrap(fault.RateLimited, err, "provider rate limit").WithProvider(p.name)
		case apiErr.HTTPStatusCode >= 500:
			return fault.Wrap(fault.Unavailable, err, "provider http %d", apiErr.HTTPStatusCode).WithProvider(p.name)
		default:
			return fault.Wrap(fault.Protocol, err, "provider http %d", apiErr.HTTPStatusCode).WithProvider(p.name)
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fault.Wrap(fault.Timeout, err, "provider call timed out").WithProvider(p.name)
	case errors.Is(err, context.Canceled):
		return fault.Wrap(fault.Cancelled, err, "provider call cancelled").WithProvider(p.name)
	}
	return fault.Wrap(fault.Unavailable, err, "provider unreachable").WithProvider(p.name)
}

func (p *OpenAICompat) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req))
	if err != nil {
		return llm.ChatResponse{}, p.classify(err)
	}
	if len(resp.Choices) == 0 {
		return llm.ChatResponse{}, fault.New(fault.Protocol, "provider returned no choices").WithProvider(p.name)
	}

	choice := resp.Choices[0]
	msg := llm.Message{Role: llm.RoleAssistant, Content: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
			ID:   tc.ID,
			Type: string(tc.Type),
			Function: llm.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return llm.ChatResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		Message:      msg,
		FinishReason: string(choice.FinishReason),
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func (p *OpenAICompat) ChatStream(ctx context.Context, req llm.ChatRequest, fn llm.StreamHandler) (llm.ChatResponse, error) {
	streamReq := p.buildRequest(req)
	streamReq.Stream = true

	stream, err := p.client.CreateChatCompletionStream(ctx, streamReq)
	if err != nil {
		return llm.ChatResponse{}, p.classify(err)
	}
	defer stream.Close()

	var full strings.Builder
	finish := "stop"
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return llm.ChatResponse{}, p.classify(err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if chunk.Choices[0].FinishReason != "" {
			finish = string(chunk.Choices[0].FinishReason)
		}
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if err := fn(llm.StreamDelta{Content: delta}); err != nil {
			return llm.ChatResponse{}, err
		}
	}
	if err := fn(llm.StreamDelta{Done: true}); err != nil {
		return llm.ChatResponse{}, err
	}

	return llm.ChatResponse{
		Model:        req.Model,
		Message:      llm.Message{Role: llm.RoleAssistant, Content: full.String()},
		FinishReason: finish,
	}, nil
}

func (p *OpenAICompat) Models(ctx context.Context) ([]llm.ModelInfo, error) {
	list, err := p.client.ListModels(ctx)
	if err != nil {
		return nil, p.classify(err)
	}
	out := make([]llm.ModelInfo, 0, len(list.Models))
	for _, m := range list.Models {
		out = append(out, llm.ModelInfo{ID: m.ID, Object: "model", OwnedBy: p.name})
	}
	return out, nil
}
