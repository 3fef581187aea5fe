package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// unixClient POSTs JSON-RPC frames over a Unix domain socket. The host part
// of the request URL is a placeholder; the dialer ignores it and connects to
// the configured socket path.
type unixClient struct {
	cfg    ServerConfig
	client *http.Client
	path   string

	mu        sync.Mutex
	connected bool
	nextID    atomic.Int64
}

func newUnixClient(cfg ServerConfig) *unixClient {
	socket := cfg.UDSPath
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		},
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     30 * time.Second,
	}
	path := cfg.HTTPPath
	if path == "" {
		path = "/rpc"
	}
	return &unixClient{
		cfg:    cfg,
		client: &http.Client{Transport: transport},
		path:   path,
	}
}

func (c *unixClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if _, err := c.rpc(ctx, "initialize", newInitializeParams()); err != nil {
		return fmt.Errorf("mcp: server %q: initialize: %w", c.cfg.Name, err)
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *unixClient) rpc(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	frame, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://mcp"+c.path, bytes.NewReader(frame))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := c.cfg.resolveToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mcp: server %q: post: %w", c.cfg.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("mcp: server %q: http %d: %s", c.cfg.Name, resp.StatusCode, bytes.TrimSpace(body))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxOutputBytes+1024)).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("mcp: server %q: decode response: %w", c.cfg.Name, err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("mcp: server %q: %w", c.cfg.Name, rpcResp.Error)
	}
	return rpcResp.Result, nil
}

func (c *unixClient) ListTools(ctx context.Context) ([]Tool, error) {
	raw, err := c.rpc(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var res toolsListResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("mcp: server %q: decode tools/list: %w", c.cfg.Name, err)
	}
	return res.Tools, nil
}

func (c *unixClient) CallTool(ctx context.Context, name string, args map[string]any) (string, bool, error) {
	raw, err := c.rpc(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return "", false, err
	}
	var res toolCallResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", false, fmt.Errorf("mcp: server %q: decode tools/call: %w", c.cfg.Name, err)
	}
	return flattenContent(res.Content), res.IsError, nil
}

func (c *unixClient) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *unixClient) Close() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.client.CloseIdleConnections()
	return nil
}
