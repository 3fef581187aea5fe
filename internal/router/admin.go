package router

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/halcyonlabs/halcyon/internal/fault"
	"github.com/halcyonlabs/halcyon/internal/tool"
)

// adminAuth guards the management surface with the same bearer token as the
// gateway. Without a configured token the surface stays open, which only
// makes sense for local single-user deployments.
func (rt *Router) adminAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rt.checkAuth(r) {
			writeError(w, "", fault.New(fault.Auth, "missing or invalid bearer token"))
			return
		}
		next(w, r)
	}
}

// agentModel reads the current default agent model, preferring the live
// config over the boot-time option.
func (rt *Router) agentModel() string {
	if rt.opts.Config != nil {
		if m, ok := rt.opts.Config.Get("agent.model"); ok && m != "" {
			return m
		}
	}
	return rt.opts.AgentModel
}

func (rt *Router) handleReloadConfig(w http.ResponseWriter, r *http.Request) {
	if rt.opts.Config == nil {
		writeError(w, "", fault.New(fault.Degraded, "no config store attached"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	changed := rt.opts.Config.SyncAll(ctx)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"keys_changed": changed,
		"errors":       rt.opts.Config.Errors(),
	})
}

func (rt *Router) handleReloadProviders(w http.ResponseWriter, r *http.Request) {
	if rt.opts.Config == nil {
		writeError(w, "", fault.New(fault.Degraded, "no config store attached"))
		return
	}
	rt.opts.Providers.Load(rt.opts.Config.Snapshot(), rt.opts.HTTPClient)
	rt.models.clear()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"providers": rt.opts.Providers.Names(),
	})
}

func (rt *Router) handleClearCaches(w http.ResponseWriter, r *http.Request) {
	rt.models.clear()
	if rt.opts.Manager != nil {
		rt.opts.Manager.InvalidateDiscovery()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (rt *Router) handleMCPToggle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		writeError(w, "", fault.New(fault.Validation, `body must be {"enabled": true|false}`))
		return
	}
	rt.mcpEnabled.Store(*body.Enabled)

	// Re-enabling picks tools back up on the next discovery sweep; disabling
	// drops them from the registry immediately.
	if !*body.Enabled && rt.opts.Tools != nil && rt.opts.Manager != nil {
		for _, name := range rt.opts.Manager.ServerNames() {
			rt.opts.Tools.ReplaceServer(name, nil)
		}
	} else if *body.Enabled && rt.opts.Tools != nil && rt.opts.Manager != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		tool.SyncMCP(ctx, rt.opts.Manager, rt.opts.Tools)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "mcp_enabled": *body.Enabled})
}

func (rt *Router) handleGetModel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"model": rt.agentModel()})
}

func (rt *Router) handleSetModel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Model string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Model == "" {
		writeError(w, "", fault.New(fault.Validation, `body must be {"model": "<id>"}`))
		return
	}
	if rt.opts.Config == nil {
		writeError(w, "", fault.New(fault.Degraded, "no config store attached"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := rt.opts.Config.Set(ctx, "agent.model", body.Model); err != nil {
		writeError(w, "", fault.Wrap(fault.Internal, err, "persisting model"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "model": body.Model})
}

func (rt *Router) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Key == "" {
		writeError(w, "", fault.New(fault.Validation, `body must be {"key": "<breaker key>"}`))
		return
	}
	rt.opts.Breakers.Reset(body.Key)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "key": body.Key})
}

func (rt *Router) handleBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": rt.opts.Breakers.Snapshot()})
}

func (rt *Router) handleObsMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"active_requests":  rt.opts.Tracker.ActiveCount(),
		"completed_total":  rt.opts.Tracker.CompletedCount(),
		"component_health": rt.opts.Tracker.ComponentHealths(),
		"open_breakers":    rt.opts.Breakers.OpenKeys(),
	})
}

func (rt *Router) handleObsActive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"requests": rt.opts.Tracker.ActiveRequests()})
}

func (rt *Router) handleObsStuck(w http.ResponseWriter, r *http.Request) {
	overall := 300 * time.Second
	if v := r.URL.Query().Get("timeout_seconds"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			overall = time.Duration(secs) * time.Second
		}
	}
	stage := time.Minute
	if overall < stage {
		stage = overall
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stuck": rt.opts.Tracker.StuckRequests(overall, stage),
	})
}

func (rt *Router) handleObsPerformance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"operations": rt.opts.Tracker.Performance()})
}

func (rt *Router) handleObsComponentHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"components": rt.opts.Tracker.ComponentHealths()})
}

func (rt *Router) handleObsExport(w http.ResponseWriter, r *http.Request) {
	raw, err := rt.opts.Tracker.Export(1_000)
	if err != nil {
		writeError(w, "", fault.Wrap(fault.Internal, err, "exporting observability data"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}
