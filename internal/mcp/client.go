package mcp

import (
	"context"
	"fmt"
	"net/http"
)

// Client is one live connection to an MCP server. Implementations are safe
// for concurrent CallTool use after a successful Connect.
type Client interface {
	// Connect establishes the transport and runs the initialize handshake.
	Connect(ctx context.Context) error

	// ListTools fetches the server's tool definitions.
	ListTools(ctx context.Context) ([]Tool, error)

	// CallTool invokes one tool. A non-nil error means the transport or the
	// server failed; a tool-level failure comes back as (result, isError=true).
	CallTool(ctx context.Context, name string, args map[string]any) (string, bool, error)

	// Alive reports whether the underlying transport is still usable.
	Alive() bool

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// newClient builds the transport-specific client for cfg. The http.Client is
// shared by the http, sse and ws transports; stdio and unix manage their own.
func newClient(cfg ServerConfig, httpClient *http.Client) (Client, error) {
	switch cfg.Transport {
	case TransportStdio:
		return newStdioClient(cfg), nil
	case TransportHTTP:
		return newHTTPClient(cfg, httpClient)
	case TransportSSE:
		return newSSEClient(cfg, httpClient)
	case TransportWS:
		return newWSClient(cfg), nil
	case TransportUnix:
		return newUnixClient(cfg), nil
	default:
		return nil, fmt.Errorf("mcp: server %q: unknown transport %q", cfg.Name, cfg.Transport)
	}
}
