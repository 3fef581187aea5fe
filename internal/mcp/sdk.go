package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	sdkclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	sdkmcp "github.com/mark3labs/mcp-go/mcp"
)

// sdkClient adapts a mark3labs client (streamable HTTP or SSE) to the
// Client interface.
type sdkClient struct {
	cfg   ServerConfig
	inner *sdkclient.Client
	isSSE bool

	mu        sync.Mutex
	connected bool
}

func newHTTPClient(cfg ServerConfig, httpClient *http.Client) (*sdkClient, error) {
	opts := []transport.StreamableHTTPCOption{}
	if httpClient != nil {
		opts = append(opts, transport.WithHTTPBasicClient(httpClient))
	}
	headers := map[string]string{}
	if tok := cfg.resolveToken(); tok != "" {
		headers["Authorization"] = "Bearer " + tok
	}
	if len(headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(headers))
	}
	inner, err := sdkclient.NewStreamableHttpClient(buildURL(cfg), opts...)
	if err != nil {
		return nil, fmt.Errorf("mcp: server %q: http client: %w", cfg.Name, err)
	}
	return &sdkClient{cfg: cfg, inner: inner}, nil
}

func newSSEClient(cfg ServerConfig, httpClient *http.Client) (*sdkClient, error) {
	opts := []transport.ClientOption{}
	if httpClient != nil {
		opts = append(opts, transport.WithHTTPClient(httpClient))
	}
	headers := map[string]string{}
	if tok := cfg.resolveToken(); tok != "" {
		headers["Authorization"] = "Bearer " + tok
	}
	if len(headers) > 0 {
		opts = append(opts, transport.WithHeaders(headers))
	}
	inner, err := sdkclient.NewSSEMCPClient(buildURL(cfg), opts...)
	if err != nil {
		return nil, fmt.Errorf("mcp: server %q: sse client: %w", cfg.Name, err)
	}
	return &sdkClient{cfg: cfg, inner: inner, isSSE: true}, nil
}

// buildURL appends any configured query parameters to the base URL.
func buildURL(cfg ServerConfig) string {
	if len(cfg.QueryParams) == 0 {
		return cfg.URL
	}
	sep := "?"
	url := cfg.URL
	for k, v := range cfg.QueryParams {
		url += sep + k + "=" + v
		sep = "&"
	}
	return url
}

func (c *sdkClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	if c.isSSE {
		if err := c.inner.Start(ctx); err != nil {
			return fmt.Errorf("mcp: server %q: start sse: %w", c.cfg.Name, err)
		}
	}
	initReq := sdkmcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = sdkmcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = sdkmcp.Implementation{Name: "halcyon", Version: "1.0.0"}
	if _, err := c.inner.Initialize(ctx, initReq); err != nil {
		return fmt.Errorf("mcp: server %q: initialize: %w", c.cfg.Name, err)
	}
	c.connected = true
	return nil
}

func (c *sdkClient) ListTools(ctx context.Context) ([]Tool, error) {
	res, err := c.inner.ListTools(ctx, sdkmcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcp: server %q: tools/list: %w", c.cfg.Name, err)
	}
	tools := make([]Tool, 0, len(res.Tools))
	for _, t := range res.Tools {
		schema, _ := json.Marshal(t.InputSchema)
		tools = append(tools, Tool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return tools, nil
}

func (c *sdkClient) CallTool(ctx context.Context, name string, args map[string]any) (string, bool, error) {
	req := sdkmcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := c.inner.CallTool(ctx, req)
	if err != nil {
		return "", false, fmt.Errorf("mcp: server %q: tools/call %q: %w", c.cfg.Name, name, err)
	}
	blocks := make([]contentBlock, 0, len(res.Content))
	for _, item := range res.Content {
		if tc, ok := item.(sdkmcp.TextContent); ok {
			blocks = append(blocks, contentBlock{Type: "text", Text: tc.Text})
		} else {
			blocks = append(blocks, contentBlock{Type: "non-text"})
		}
	}
	return flattenContent(blocks), res.IsError, nil
}

func (c *sdkClient) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *sdkClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	return c.inner.Close()
}
