package sched

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/halcyonlabs/halcyon/internal/breaker"
	"github.com/halcyonlabs/halcyon/internal/mcp"
	"github.com/halcyonlabs/halcyon/internal/provider"
	"github.com/halcyonlabs/halcyon/internal/tool"
	"github.com/halcyonlabs/halcyon/internal/track"
)

// defaultProbeURL answers 204 with no body, which keeps the reachability
// check cheap. Overridable via OFFLINE_PROBE_URL.
const defaultProbeURL = "https://www.gstatic.com/generate_204"

// Builtin task intervals.
const (
	healthInterval    = 60 * time.Second
	internetInterval  = 5 * time.Minute
	recoveryInterval  = 60 * time.Second
	discoveryInterval = 12 * time.Hour
	snapshotInterval  = 60 * time.Second
)

// Deps wires the builtin tasks to the rest of the system.
type Deps struct {
	Tracker    *track.Tracker
	Breakers   *breaker.Registry
	Manager    *mcp.Manager
	Providers  *provider.Registry
	Tools      *tool.Registry
	Online     *atomic.Bool
	HTTPClient *http.Client
}

// RegisterBuiltins installs the standing background tasks.
func RegisterBuiltins(s *Scheduler, d Deps) {
	s.Register(Task{
		Name:     "health-probe",
		Interval: healthInterval,
		Timeout:  10 * time.Second,
		MinTempo: TempoFocused,
		Run:      func(ctx context.Context) error { return ProbeHealth(ctx, d) },
	})
	s.Register(Task{
		Name:     "internet-probe",
		Interval: internetInterval,
		Timeout:  5 * time.Second,
		MinTempo: TempoFocused,
		Run:      func(ctx context.Context) error { return ProbeInternet(ctx, d) },
	})
	if d.Manager != nil {
		s.Register(Task{
			Name:     "mcp-recovery",
			Interval: recoveryInterval,
			Timeout:  30 * time.Second,
			MinTempo: TempoFocused,
			Run:      func(ctx context.Context) error { return mcpRecovery(ctx, d) },
		})
		s.Register(Task{
			Name:     "discovery-refresh",
			Interval: discoveryInterval,
			Timeout:  2 * time.Minute,
			MinTempo: TempoAlert,
			Run: func(ctx context.Context) error {
				d.Manager.InvalidateDiscovery()
				if d.Tools != nil {
					tool.SyncMCP(ctx, d.Manager, d.Tools)
				}
				return nil
			},
		})
	}
	s.Register(Task{
		Name:     "metrics-snapshot",
		Interval: snapshotInterval,
		Timeout:  time.Second,
		MinTempo: TempoFocused,
		Run: func(context.Context) error {
			d.Tracker.TakeSnapshot()
			return nil
		},
	})
}

// ProbeHealth pings the local engine's model listing and records the
// observation. Remote providers are only probed while online.
func ProbeHealth(ctx context.Context, d Deps) error {
	var firstErr error
	online := d.Online == nil || d.Online.Load()
	for _, p := range d.Providers.All() {
		if p.Kind() == provider.KindOpenAI && !online {
			continue
		}
		started := time.Now()
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := p.Models(probeCtx)
		cancel()
		d.Tracker.ObserveComponent("provider", p.Name(), err == nil, time.Since(started))
		if err != nil && p.Kind() == provider.KindNativeLocal && firstErr == nil {
			firstErr = fmt.Errorf("sched: engine %s unreachable: %w", p.Name(), err)
		}
	}
	return firstErr
}

// ProbeInternet flips the shared online flag based on reachability of a
// fast external endpoint.
func ProbeInternet(ctx context.Context, d Deps) error {
	url := os.Getenv("OFFLINE_PROBE_URL")
	if url == "" {
		url = defaultProbeURL
	}
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("sched: build probe request: %w", err)
	}
	httpc := d.HTTPClient
	if httpc == nil {
		httpc = http.DefaultClient
	}
	resp, err := httpc.Do(req)
	online := err == nil && resp.StatusCode < 500
	if resp != nil {
		resp.Body.Close()
	}

	if d.Online != nil {
		d.Online.Store(online)
	}
	if d.Manager != nil {
		d.Manager.SetOnline(online)
	}
	d.Tracker.ObserveComponent("network", "internet", online, 0)
	// An unreachable probe is a finding, not a task failure.
	return nil
}

// mcpRecovery probes every open MCP breaker so a recovered server closes
// its breaker without waiting for user traffic. Half-open breakers go
// through the normal admission gate, so the sweep never races an in-flight
// probe from a real request.
func mcpRecovery(ctx context.Context, d Deps) error {
	for _, key := range d.Breakers.OpenKeys() {
		server, ok := strings.CutPrefix(key, "mcp:")
		if !ok {
			continue
		}
		if d.Breakers.State(key) == breaker.StateHalfOpen {
			if err := d.Breakers.Allow(key); err != nil {
				continue // another probe holds the slot
			}
		}
		if err := d.Manager.RecoveryProbe(ctx, server); err != nil {
			continue // breaker already recorded the outcome
		}
	}
	return nil
}
