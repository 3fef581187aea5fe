// Package provider adapts the gateway's chat schema to concrete model
// engines: a local native engine speaking NDJSON, and any number of
// OpenAI-compatible remote endpoints.
package provider

import (
	"context"

	"github.com/halcyonlabs/halcyon/internal/llm"
)

// Kind names the adapter variant.
type Kind string

const (
	KindNativeLocal Kind = "native_local"
	KindOpenAI      Kind = "openai_compat"
)

// Provider is one configured upstream engine.
type Provider interface {
	// Name is the registry key, also used as the routing prefix.
	Name() string

	// Kind reports the adapter variant.
	Kind() Kind

	// Chat runs a synchronous completion.
	Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error)

	// ChatStream streams a completion through fn and returns the assembled
	// final response. Providers without streaming fall back to Chat.
	ChatStream(ctx context.Context, req llm.ChatRequest, fn llm.StreamHandler) (llm.ChatResponse, error)

	// Models lists the models this provider serves.
	Models(ctx context.Context) ([]llm.ModelInfo, error)
}

// Spec is the declarative configuration for one provider.
type Spec struct {
	Name    string
	Kind    Kind
	BaseURL string
	APIKey  string

	// RequiresInternet marks remote providers unusable while offline.
	RequiresInternet bool

	// Options are per-model parameter overrides for the native engine,
	// keyed by model id.
	Options map[string]map[string]any
}
