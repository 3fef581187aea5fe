package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// wsClient speaks JSON-RPC over a websocket. One reader goroutine routes
// responses by id; writes go through the conn's own write lock discipline
// via writeMu since gorilla allows a single concurrent writer.
type wsClient struct {
	cfg ServerConfig

	mu      sync.Mutex
	conn    *websocket.Conn
	alive   bool
	pending map[int64]chan *rpcResponse

	writeMu sync.Mutex
	nextID  atomic.Int64
}

func newWSClient(cfg ServerConfig) *wsClient {
	return &wsClient{cfg: cfg, pending: make(map[int64]chan *rpcResponse)}
}

func (c *wsClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.alive {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	header := http.Header{}
	if tok := c.cfg.resolveToken(); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, buildURL(c.cfg), header)
	if err != nil {
		return fmt.Errorf("mcp: server %q: dial ws: %w", c.cfg.Name, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.alive = true
	c.mu.Unlock()

	go c.readLoop(conn)

	if _, err := c.rpc(ctx, "initialize", newInitializeParams()); err != nil {
		c.Close()
		return fmt.Errorf("mcp: server %q: initialize: %w", c.cfg.Name, err)
	}
	c.send(rpcRequest{JSONRPC: "2.0", Method: "notifications/initialized"})
	return nil
}

func (c *wsClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			log.Printf("[MCP] %s: unparseable ws frame: %v", c.cfg.Name, err)
			continue
		}
		if resp.ID == 0 {
			continue
		}
		c.mu.Lock()
		ch := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ch != nil {
			ch <- &resp
		}
	}

	c.mu.Lock()
	c.alive = false
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.mu.Unlock()
	log.Printf("[MCP] %s: websocket closed", c.cfg.Name)
}

func (c *wsClient) send(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClient) rpc(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan *rpcResponse, 1)

	c.mu.Lock()
	if !c.alive {
		c.mu.Unlock()
		return nil, fmt.Errorf("mcp: server %q: not connected", c.cfg.Name)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.send(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("mcp: server %q: write: %w", c.cfg.Name, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("mcp: server %q: connection lost mid-call", c.cfg.Name)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("mcp: server %q: %w", c.cfg.Name, resp.Error)
		}
		return resp.Result, nil
	}
}

func (c *wsClient) ListTools(ctx context.Context) ([]Tool, error) {
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

func (c *wsClient) CallTool(ctx context.Context, name string, args map[string]any) (string, bool, error) {
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

func (c *wsClient) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *wsClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.alive = false
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
