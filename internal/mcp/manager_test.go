package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/halcyonlabs/halcyon/internal/breaker"
	"github.com/halcyonlabs/halcyon/internal/track"
)

// fakeClient stands in for a live transport.
type fakeClient struct {
	mu        sync.Mutex
	dead      bool
	tools     []Tool
	listErr   error
	callFn    func(name string, args map[string]any) (string, bool, error)
	listCalls int
	callCalls int
}

func (f *fakeClient) Connect(ctx context.Context) error { return nil }

func (f *fakeClient) ListTools(ctx context.Context) ([]Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tools, nil
}

func (f *fakeClient) CallTool(ctx context.Context, name string, args map[string]any) (string, bool, error) {
	f.mu.Lock()
	f.callCalls++
	fn := f.callFn
	f.mu.Unlock()
	if fn == nil {
		return "ok", false, nil
	}
	return fn(name, args)
}

func (f *fakeClient) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.dead
}

func (f *fakeClient) Close() error { return nil }

func newTestManager(t *testing.T, name string, fake *fakeClient) (*Manager, *breaker.Registry) {
	t.Helper()
	reg := breaker.NewRegistry(nil)
	cfgs := map[string]ServerConfig{
		name: {Name: name, Transport: TransportStdio, Command: "unused"},
	}
	m := NewManager(cfgs, reg, track.New(), nil, 0)
	m.mu.Lock()
	m.servers[name].client = fake
	m.mu.Unlock()
	return m, reg
}

func TestCallTool_Success(t *testing.T) {
	fake := &fakeClient{callFn: func(string, map[string]any) (string, bool, error) {
		return "hi", false, nil
	}}
	m, reg := newTestManager(t, "fs", fake)

	out, isErr, err := m.CallTool(context.Background(), "fs", "greet", nil)
	if err != nil || isErr || out != "hi" {
		t.Fatalf("CallTool = (%q, %v, %v), want (hi, false, nil)", out, isErr, err)
	}
	if got := reg.State(BreakerKey("fs")); got != breaker.StateClosed {
		t.Errorf("breaker state = %v, want closed", got)
	}
}

func TestCallTool_PermanentErrorIsNotRetried(t *testing.T) {
	rpcErr := &rpcError{Code: -32602, Message: "bad params"}
	fake := &fakeClient{callFn: func(string, map[string]any) (string, bool, error) {
		return "", false, fmt.Errorf("mcp: server %q: %w", "flaky", rpcErr)
	}}
	m, reg := newTestManager(t, "flaky", fake)

	for i := 0; i < 3; i++ {
		if _, _, err := m.CallTool(context.Background(), "flaky", "boom", nil); err == nil {
			t.Fatal("expected error")
		}
	}
	if fake.callCalls != 3 {
		t.Errorf("callCalls = %d, want 3 (no retries on permanent errors)", fake.callCalls)
	}
	if got := reg.State(BreakerKey("flaky")); got != breaker.StateOpen {
		t.Errorf("breaker state after 3 failures = %v, want open", got)
	}

	// Fourth call fails fast without reaching the transport.
	_, _, err := m.CallTool(context.Background(), "flaky", "boom", nil)
	if !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
	if fake.callCalls != 3 {
		t.Errorf("open breaker still reached transport: callCalls = %d", fake.callCalls)
	}
}

func TestCallTool_TransientFailuresAreRetried(t *testing.T) {
	var n int
	fake := &fakeClient{}
	fake.callFn = func(string, map[string]any) (string, bool, error) {
		n++
		if n < 3 {
			return "", false, errors.New("write tcp: connection reset by peer")
		}
		return "recovered", false, nil
	}
	m, reg := newTestManager(t, "net", fake)

	out, _, err := m.CallTool(context.Background(), "net", "fetch", nil)
	if err != nil || out != "recovered" {
		t.Fatalf("CallTool = (%q, %v), want (recovered, nil)", out, err)
	}
	if fake.callCalls != 3 {
		t.Errorf("callCalls = %d, want 3 (two retries then success)", fake.callCalls)
	}
	if got := reg.State(BreakerKey("net")); got != breaker.StateClosed {
		t.Errorf("breaker state = %v, want closed (retries happen before recording)", got)
	}
}

func TestCallTool_ToolLevelErrorCountsAsTransportSuccess(t *testing.T) {
	fake := &fakeClient{callFn: func(string, map[string]any) (string, bool, error) {
		return "file not found", true, nil
	}}
	m, reg := newTestManager(t, "fs", fake)

	for i := 0; i < 5; i++ {
		out, isErr, err := m.CallTool(context.Background(), "fs", "read", nil)
		if err != nil || !isErr || out != "file not found" {
			t.Fatalf("CallTool = (%q, %v, %v)", out, isErr, err)
		}
	}
	if got := reg.State(BreakerKey("fs")); got != breaker.StateClosed {
		t.Errorf("breaker opened on tool-level errors; state = %v", got)
	}
}

func TestCallTool_OutputCap(t *testing.T) {
	exact := strings.Repeat("a", maxOutputBytes)
	fake := &fakeClient{callFn: func(string, map[string]any) (string, bool, error) {
		return exact, false, nil
	}}
	m, _ := newTestManager(t, "big", fake)

	out, _, err := m.CallTool(context.Background(), "big", "dump", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != maxOutputBytes || strings.Contains(out[maxOutputBytes-100:], "truncated") {
		t.Fatalf("output exactly at cap must be returned whole; len = %d", len(out))
	}

	fake.mu.Lock()
	fake.callFn = func(string, map[string]any) (string, bool, error) {
		return exact + "b", false, nil
	}
	fake.mu.Unlock()

	out, _, err = m.CallTool(context.Background(), "big", "dump", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(out, truncationMarker) {
		t.Fatal("output over cap must carry the truncation marker")
	}
	if len(out) != maxOutputBytes+len(truncationMarker) {
		t.Fatalf("truncated length = %d", len(out))
	}
}

func TestTools_CachedWithinTTL(t *testing.T) {
	fake := &fakeClient{tools: []Tool{{Name: "greet"}, {Name: "read"}}}
	m, _ := newTestManager(t, "fs", fake)

	base := time.Now()
	m.now = func() time.Time { return base }

	first, err := m.Tools(context.Background(), "fs")
	if err != nil || len(first) != 2 {
		t.Fatalf("Tools = (%v, %v)", first, err)
	}
	if _, err := m.Tools(context.Background(), "fs"); err != nil {
		t.Fatal(err)
	}
	if fake.listCalls != 1 {
		t.Errorf("listCalls = %d, want 1 (second read served from cache)", fake.listCalls)
	}

	// Past the TTL a refresh happens; if it fails, the stale list survives.
	m.now = func() time.Time { return base.Add(6 * time.Minute) }
	fake.mu.Lock()
	fake.listErr = errors.New("read tcp: connection reset by peer")
	fake.mu.Unlock()

	stale, err := m.Tools(context.Background(), "fs")
	if err != nil || len(stale) != 2 {
		t.Fatalf("stale Tools = (%v, %v), want previous list", stale, err)
	}
	if fake.listCalls != 2 {
		t.Errorf("listCalls = %d, want 2 (refresh attempted)", fake.listCalls)
	}
}

func TestRecoveryProbe_AdvancesOpenBreakerToHalfOpen(t *testing.T) {
	fake := &fakeClient{tools: []Tool{{Name: "greet"}}}
	m, reg := newTestManager(t, "fs", fake)

	key := BreakerKey("fs")
	for i := 0; i < 3; i++ {
		reg.RecordFailure(key, "connection refused")
	}
	if reg.State(key) != breaker.StateOpen {
		t.Fatal("setup: breaker should be open")
	}

	if err := m.RecoveryProbe(context.Background(), "fs"); err != nil {
		t.Fatal(err)
	}
	if got := reg.State(key); got != breaker.StateHalfOpen {
		t.Errorf("breaker state after successful probe = %v, want half_open", got)
	}

	// The next real tool call is the confirming probe that closes it.
	if _, _, err := m.CallTool(context.Background(), "fs", "greet", nil); err != nil {
		t.Fatal(err)
	}
	if got := reg.State(key); got != breaker.StateClosed {
		t.Errorf("breaker state after confirming call = %v, want closed", got)
	}
}

func TestCallTool_ConcurrentReloadIsSafe(t *testing.T) {
	fake := &fakeClient{}
	m, _ := newTestManager(t, "fs", fake)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			m.Reload(map[string]ServerConfig{
				"fs": {
					Name: "fs", Transport: TransportStdio, Command: "unused",
					MaxConcurrency: 1 + i%2,
					ToolTimeouts:   map[string]float64{"greet": 1},
				},
			})
		}
	}()
	// Call errors are fine here (reload may drop the injected transport);
	// the point is concurrent access to the per-server config and permit.
	for i := 0; i < 50; i++ {
		m.CallTool(context.Background(), "fs", "greet", nil)
	}
	<-done
}

func TestServerNames_OfflineHidesInternetServers(t *testing.T) {
	reg := breaker.NewRegistry(nil)
	cfgs := map[string]ServerConfig{
		"local": {Name: "local", Transport: TransportStdio, Command: "x"},
		"web":   {Name: "web", Transport: TransportHTTP, URL: "http://example", RequiresInternet: true},
	}
	m := NewManager(cfgs, reg, nil, nil, 0)

	if got := m.ServerNames(); len(got) != 2 {
		t.Fatalf("online ServerNames = %v", got)
	}
	m.SetOnline(false)
	got := m.ServerNames()
	if len(got) != 1 || got[0] != "local" {
		t.Fatalf("offline ServerNames = %v, want [local]", got)
	}
}

func TestReload_DropsRemovedServersAndCaches(t *testing.T) {
	fake := &fakeClient{tools: []Tool{{Name: "greet"}}}
	m, _ := newTestManager(t, "fs", fake)
	if _, err := m.Tools(context.Background(), "fs"); err != nil {
		t.Fatal(err)
	}

	m.Reload(map[string]ServerConfig{
		"fs":  {Name: "fs", Transport: TransportStdio, Command: "unused"},
		"new": {Name: "new", Transport: TransportHTTP, URL: "http://example"},
	})

	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.servers) != 2 {
		t.Fatalf("servers = %d, want 2", len(m.servers))
	}
	if m.servers["fs"].cache.tools != nil {
		t.Error("discovery cache survived reload")
	}
}

func TestSplitToolName(t *testing.T) {
	tests := []struct {
		in           string
		server, tool string
		ok           bool
	}{
		{"mcp__fs__read_file", "fs", "read_file", true},
		{"mcp__a.b-c__t", "a.b-c", "t", true},
		{"fs__read_file", "", "", false},
		{"mcp__fs", "", "", false},
		{"mcp____tool", "", "", false},
	}
	for _, tt := range tests {
		server, tool, ok := SplitToolName(tt.in)
		if server != tt.server || tool != tt.tool || ok != tt.ok {
			t.Errorf("SplitToolName(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.in, server, tool, ok, tt.server, tt.tool, tt.ok)
		}
	}
}
