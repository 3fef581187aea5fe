package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// stdioClient talks newline-delimited JSON-RPC to a spawned subprocess.
// One goroutine owns stdout and routes responses to pending calls by id;
// writes to stdin are serialized under writeMu.
type stdioClient struct {
	cfg ServerConfig

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	alive    bool
	exitCode int
	pending  map[int64]chan *rpcResponse

	// reaped is closed by the read loop after the child is waited on, so
	// exactly one goroutine ever reaps and no zombie survives a self-exit.
	reaped chan struct{}

	writeMu sync.Mutex
	nextID  atomic.Int64
}

func newStdioClient(cfg ServerConfig) *stdioClient {
	return &stdioClient{cfg: cfg, pending: make(map[int64]chan *rpcResponse)}
}

func (c *stdioClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.alive {
		c.mu.Unlock()
		return nil
	}

	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	cmd.Env = append(os.Environ(), c.cfg.Env...)
	cmd.Stderr = os.Stderr
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("mcp: server %q: stdin pipe: %w", c.cfg.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("mcp: server %q: stdout pipe: %w", c.cfg.Name, err)
	}
	if err := cmd.Start(); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("mcp: server %q: spawn %q: %w", c.cfg.Name, c.cfg.Command, err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.alive = true
	c.exitCode = 0
	c.reaped = make(chan struct{})
	reaped := c.reaped
	c.mu.Unlock()

	log.Printf("[MCP] Spawned %s (pid %d)", c.cfg.Name, cmd.Process.Pid)
	go c.readLoop(stdout, cmd, reaped)

	if _, err := c.rpc(ctx, "initialize", newInitializeParams()); err != nil {
		c.Close()
		return fmt.Errorf("mcp: server %q: initialize: %w", c.cfg.Name, err)
	}
	if err := c.notify("notifications/initialized", nil); err != nil {
		c.Close()
		return fmt.Errorf("mcp: server %q: initialized notification: %w", c.cfg.Name, err)
	}
	return nil
}

// readLoop routes response lines until stdout closes, then marks the client
// dead, fails every pending call, and reaps the child.
func (c *stdioClient) readLoop(stdout io.Reader, cmd *exec.Cmd, reaped chan struct{}) {
	sc := bufio.NewScanner(stdout)
	// The scan limit sits well above the tool output cap: an oversized
	// result frame must reach the manager's truncation path, not kill the
	// transport with bufio.ErrTooLong.
	sc.Buffer(make([]byte, 64*1024), 4*maxOutputBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			log.Printf("[MCP] %s: unparseable frame: %v", c.cfg.Name, err)
			continue
		}
		if resp.ID == 0 {
			// Server-initiated notification; nothing waits on it.
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

	// Reap the child here so a self-exited server never lingers as a
	// zombie waiting for gateway shutdown.
	cmd.Wait()
	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	c.mu.Lock()
	c.exitCode = code
	c.mu.Unlock()
	close(reaped)
	log.Printf("[MCP] %s: process exited (code %d)", c.cfg.Name, code)
}

func (c *stdioClient) rpc(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan *rpcResponse, 1)

	c.mu.Lock()
	if !c.alive {
		code := c.exitCode
		c.mu.Unlock()
		return nil, fmt.Errorf("mcp: server %q: not connected (last exit code %d)", c.cfg.Name, code)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	frame, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	c.writeMu.Lock()
	_, err = c.stdin.Write(append(frame, '\n'))
	c.writeMu.Unlock()
	if err != nil {
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
			return nil, fmt.Errorf("mcp: server %q: process died mid-call", c.cfg.Name)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("mcp: server %q: %w", c.cfg.Name, resp.Error)
		}
		return resp.Result, nil
	}
}

func (c *stdioClient) notify(method string, params any) error {
	frame, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.stdin.Write(append(frame, '\n'))
	return err
}

func (c *stdioClient) ListTools(ctx context.Context) ([]Tool, error) {
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

func (c *stdioClient) CallTool(ctx context.Context, name string, args map[string]any) (string, bool, error) {
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

func (c *stdioClient) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// Close kills the whole process group so grandchildren spawned by npx-style
// launchers do not linger, then waits for the read loop to reap the child.
func (c *stdioClient) Close() error {
	c.mu.Lock()
	cmd := c.cmd
	reaped := c.reaped
	c.alive = false
	c.mu.Unlock()

	if cmd == nil || cmd.Process == nil || reaped == nil {
		return nil
	}
	select {
	case <-reaped:
		// Already exited on its own and was reaped by the read loop.
		return nil
	default:
	}

	killProcGroup(cmd.Process.Pid)
	select {
	case <-reaped:
	case <-time.After(3 * time.Second):
		cmd.Process.Kill()
		select {
		case <-reaped:
		case <-time.After(time.Second):
		}
	}
	return nil
}
