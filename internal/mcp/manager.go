package mcp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/halcyonlabs/halcyon/internal/breaker"
	"github.com/halcyonlabs/halcyon/internal/track"
)

const (
	// maxOutputBytes caps a single tool result. Overflow is truncated, not
	// rejected; the agent still gets the head of the output.
	maxOutputBytes = 50 * 1024 * 1024

	truncationMarker = "\n\n[output truncated at 50MB]"

	defaultCallTimeout = 30 * time.Second
	discoveryTTL       = 5 * time.Minute

	maxRetries   = 2
	retryBase    = 250 * time.Millisecond
	retryCap     = 4 * time.Second
	retryJitter  = 0.25
	defaultSpawn = 5
)

// BreakerKey returns the circuit breaker key for an MCP server.
func BreakerKey(server string) string { return "mcp:" + server }

// ExternalToolName builds the externally addressable tool id.
func ExternalToolName(server, tool string) string {
	return "mcp__" + server + "__" + tool
}

// SplitToolName is the inverse of ExternalToolName.
func SplitToolName(external string) (server, tool string, ok bool) {
	rest, found := strings.CutPrefix(external, "mcp__")
	if !found {
		return "", "", false
	}
	server, tool, found = strings.Cut(rest, "__")
	if !found || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

type toolCache struct {
	tools     []Tool
	fetchedAt time.Time
}

type serverState struct {
	cfg    ServerConfig
	client Client
	permit *semaphore.Weighted // nil when MaxConcurrency == 0
	cache  toolCache
}

// Manager owns every MCP connection. All other components address servers
// through it; nothing else touches the transports directly.
type Manager struct {
	breakers *breaker.Registry
	tracker  *track.Tracker
	httpc    *http.Client
	spawnSem *semaphore.Weighted

	mu      sync.RWMutex
	servers map[string]*serverState
	online  bool

	now func() time.Time
}

// NewManager registers cfgs and configures one breaker per server. Transports
// stay cold until first use.
func NewManager(cfgs map[string]ServerConfig, breakers *breaker.Registry, tracker *track.Tracker, httpc *http.Client, spawnLimit int) *Manager {
	if spawnLimit <= 0 {
		spawnLimit = defaultSpawn
	}
	m := &Manager{
		breakers: breakers,
		tracker:  tracker,
		httpc:    httpc,
		spawnSem: semaphore.NewWeighted(int64(spawnLimit)),
		servers:  make(map[string]*serverState),
		online:   true,
		now:      time.Now,
	}
	for name, cfg := range cfgs {
		m.addLocked(name, cfg)
	}
	return m
}

func (m *Manager) addLocked(name string, cfg ServerConfig) {
	st := &serverState{cfg: cfg}
	if cfg.MaxConcurrency > 0 {
		st.permit = semaphore.NewWeighted(int64(cfg.MaxConcurrency))
	}
	m.servers[name] = st
	if m.breakers != nil {
		m.breakers.Configure(BreakerKey(name), breaker.Config{
			FailureThreshold: 3,
			Cooldown:         5 * time.Minute,
		})
	}
}

// SetOnline flips the connectivity flag. Servers marked requires_internet
// are hidden from discovery while offline.
func (m *Manager) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online != online {
		log.Printf("[MCP] Connectivity changed: online=%v", online)
	}
	m.online = online
}

// ServerNames lists enabled servers, respecting the connectivity flag.
func (m *Manager) ServerNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.servers))
	for name, st := range m.servers {
		if !st.cfg.IsEnabled() {
			continue
		}
		if st.cfg.RequiresInternet && !m.online {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServerConfig returns the config for name.
func (m *Manager) ServerConfig(name string) (ServerConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.servers[name]
	if !ok {
		return ServerConfig{}, false
	}
	return st.cfg, true
}

// ensureClient returns a live client for name, connecting lazily. Stdio
// cold-starts pass through the global spawn semaphore so a burst of first
// calls cannot fork-bomb the host.
func (m *Manager) ensureClient(ctx context.Context, name string) (*serverState, Client, error) {
	m.mu.Lock()
	st, ok := m.servers[name]
	if !ok {
		m.mu.Unlock()
		return nil, nil, fmt.Errorf("mcp: unknown server %q", name)
	}
	if !st.cfg.IsEnabled() {
		m.mu.Unlock()
		return nil, nil, fmt.Errorf("mcp: server %q is disabled", name)
	}
	if st.client != nil && st.client.Alive() {
		cl := st.client
		m.mu.Unlock()
		return st, cl, nil
	}
	// Dead client from a previous life; drop it and rebuild.
	if st.client != nil {
		st.client.Close()
		st.client = nil
	}
	cfg := st.cfg
	m.mu.Unlock()

	cl, err := newClient(cfg, m.httpc)
	if err != nil {
		return nil, nil, err
	}

	if cfg.Transport == TransportStdio {
		if err := m.spawnSem.Acquire(ctx, 1); err != nil {
			return nil, nil, err
		}
		defer m.spawnSem.Release(1)
	}
	if err := cl.Connect(ctx); err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	// Another caller may have connected concurrently; keep the winner.
	if st.client != nil && st.client.Alive() {
		winner := st.client
		m.mu.Unlock()
		cl.Close()
		return st, winner, nil
	}
	st.client = cl
	m.mu.Unlock()
	return st, cl, nil
}

// Tools returns name's tool list, served from a cache with a short TTL.
// A failed refresh keeps the stale list rather than dropping tools.
func (m *Manager) Tools(ctx context.Context, name string) ([]Tool, error) {
	m.mu.RLock()
	st, ok := m.servers[name]
	var cached toolCache
	if ok {
		cached = st.cache
	}
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("mcp: unknown server %q", name)
	}
	if cached.tools != nil && m.now().Sub(cached.fetchedAt) < discoveryTTL {
		return cached.tools, nil
	}

	tools, err := m.listTools(ctx, name)
	if err != nil {
		if cached.tools != nil {
			log.Printf("[MCP] %s: discovery refresh failed, serving stale list: %v", name, err)
			return cached.tools, nil
		}
		return nil, err
	}

	m.mu.Lock()
	if st, ok := m.servers[name]; ok {
		st.cache = toolCache{tools: tools, fetchedAt: m.now()}
	}
	m.mu.Unlock()
	return tools, nil
}

func (m *Manager) listTools(ctx context.Context, name string) ([]Tool, error) {
	key := BreakerKey(name)
	if m.breakers != nil {
		if err := m.breakers.Allow(key); err != nil {
			return nil, fmt.Errorf("mcp: server %q: %w", name, err)
		}
	}
	_, cl, err := m.ensureClient(ctx, name)
	if err != nil {
		m.recordFailure(key, err)
		return nil, err
	}
	tools, err := cl.ListTools(ctx)
	if err != nil {
		m.recordFailure(key, err)
		return nil, err
	}
	if m.breakers != nil {
		m.breakers.RecordSuccess(key)
	}
	return tools, nil
}

// InvalidateDiscovery drops every cached tool list. Called on config reload.
func (m *Manager) InvalidateDiscovery() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.servers {
		st.cache = toolCache{}
	}
}

// CallTool runs one tool call with the full pipeline: breaker admission, the
// per-server permit, timeout, transient retries, and the output size cap.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]any) (string, bool, error) {
	key := BreakerKey(server)
	if m.breakers != nil {
		if err := m.breakers.Allow(key); err != nil {
			return "", false, fmt.Errorf("mcp: server %q: %w", server, err)
		}
	}

	st, cl, err := m.ensureClient(ctx, server)
	if err != nil {
		m.recordFailure(key, err)
		return "", false, err
	}

	// Snapshot the mutable per-server fields; Reload swaps them under m.mu.
	m.mu.RLock()
	permit := st.permit
	timeout := defaultCallTimeout
	if secs, ok := st.cfg.ToolTimeouts[tool]; ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}
	m.mu.RUnlock()

	if permit != nil {
		if err := permit.Acquire(ctx, 1); err != nil {
			return "", false, err
		}
		defer permit.Release(1)
	}

	started := m.now()
	result, isErr, err := m.callWithRetry(ctx, cl, server, tool, args, timeout)
	m.recordOp(server, tool, started, err == nil && !isErr)

	if err != nil {
		m.recordFailure(key, err)
		return "", false, err
	}
	if m.breakers != nil {
		// A tool-level error still proves the transport and server work.
		m.breakers.RecordSuccess(key)
	}
	if len(result) > maxOutputBytes {
		result = result[:maxOutputBytes] + truncationMarker
	}
	return result, isErr, nil
}

// callWithRetry retries transient failures with exponential backoff before
// anything is recorded against the breaker. Permanent RPC errors return on
// the first attempt.
func (m *Manager) callWithRetry(ctx context.Context, cl Client, server, tool string, args map[string]any, timeout time.Duration) (string, bool, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt)
			log.Printf("[MCP] %s/%s: transient failure, retry %d/%d in %s: %v",
				server, tool, attempt, maxRetries, delay.Round(time.Millisecond), lastErr)
			select {
			case <-ctx.Done():
				return "", false, ctx.Err()
			case <-time.After(delay):
			}
			// The transport may have died with the failed attempt.
			if _, cl2, err := m.ensureClient(ctx, server); err == nil {
				cl = cl2
			} else {
				lastErr = err
				continue
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		result, isErr, err := cl.CallTool(callCtx, tool, args)
		cancel()
		if err == nil {
			return result, isErr, nil
		}
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		if !isTransient(err) {
			return "", false, err
		}
		lastErr = err
	}
	return "", false, lastErr
}

func backoffDelay(attempt int) time.Duration {
	d := retryBase << (attempt - 1)
	if d > retryCap {
		d = retryCap
	}
	jitter := 1 + retryJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}

// isTransient distinguishes failures worth retrying from ones the server
// itself reported. An rpcError came back as a well-formed response, so the
// transport works and a retry would just repeat the same answer.
func isTransient(err error) bool {
	var rpcErr *rpcError
	if errors.As(err, &rpcErr) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "process died") ||
		strings.Contains(msg, "process exited") ||
		strings.Contains(msg, "connection lost") ||
		strings.Contains(msg, "not connected") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset")
}

// RecoveryProbe checks whether a tripped server came back. It skips the
// breaker's admission gate so it can run while the breaker is open; the
// outcome is recorded, which is what moves an open breaker toward closed.
func (m *Manager) RecoveryProbe(ctx context.Context, name string) error {
	key := BreakerKey(name)
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, cl, err := m.ensureClient(probeCtx, name)
	if err == nil {
		_, err = cl.ListTools(probeCtx)
	}
	if err != nil {
		m.recordFailure(key, err)
		return err
	}
	if m.breakers != nil {
		m.breakers.RecordSuccess(key)
	}
	return nil
}

func (m *Manager) recordFailure(key string, err error) {
	if m.breakers != nil {
		m.breakers.RecordFailure(key, err.Error())
	}
}

func (m *Manager) recordOp(server, tool string, started time.Time, ok bool) {
	if m.tracker == nil {
		return
	}
	m.tracker.RecordOp(track.OpMetric{
		Component:  "mcp:" + server,
		Operation:  "tools/call:" + tool,
		DurationMs: m.now().Sub(started).Milliseconds(),
		StartedAt:  started,
		OK:         ok,
	})
}

// Reload replaces the server set. Servers that disappeared are closed;
// changed configs get a fresh transport on next use; caches are dropped.
func (m *Manager) Reload(cfgs map[string]ServerConfig) {
	m.mu.Lock()
	var stale []Client
	for name, st := range m.servers {
		if _, keep := cfgs[name]; !keep {
			if st.client != nil {
				stale = append(stale, st.client)
			}
			delete(m.servers, name)
		}
	}
	for name, cfg := range cfgs {
		if st, ok := m.servers[name]; ok {
			if !configEqual(st.cfg, cfg) {
				if st.client != nil {
					stale = append(stale, st.client)
					st.client = nil
				}
				st.cfg = cfg
				st.permit = nil
				if cfg.MaxConcurrency > 0 {
					st.permit = semaphore.NewWeighted(int64(cfg.MaxConcurrency))
				}
			}
			st.cache = toolCache{}
		} else {
			m.addLocked(name, cfg)
		}
	}
	m.mu.Unlock()

	for _, cl := range stale {
		cl.Close()
	}
	log.Printf("[MCP] Reloaded: %d servers configured", len(cfgs))
}

func configEqual(a, b ServerConfig) bool {
	if a.Transport != b.Transport || a.Command != b.Command || a.URL != b.URL ||
		a.UDSPath != b.UDSPath || a.HTTPPath != b.HTTPPath || a.Token != b.Token ||
		a.MaxConcurrency != b.MaxConcurrency || a.RequiresInternet != b.RequiresInternet ||
		a.IsEnabled() != b.IsEnabled() || len(a.Args) != len(b.Args) || len(a.Env) != len(b.Env) {
		return false
	}
	for i := range a.Args {
		if a.Args[i] != b.Args[i] {
			return false
		}
	}
	for i := range a.Env {
		if a.Env[i] != b.Env[i] {
			return false
		}
	}
	return true
}

// Close tears down every transport. Safe to call once at shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	clients := make([]Client, 0, len(m.servers))
	for _, st := range m.servers {
		if st.client != nil {
			clients = append(clients, st.client)
			st.client = nil
		}
	}
	m.mu.Unlock()

	for _, cl := range clients {
		cl.Close()
	}
	log.Printf("[MCP] Manager closed (%d transports)", len(clients))
}
