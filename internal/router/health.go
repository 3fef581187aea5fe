package router

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/halcyonlabs/halcyon/internal/clock"
	"github.com/halcyonlabs/halcyon/internal/fault"
	"github.com/halcyonlabs/halcyon/internal/track"
)

// handleHealth reports overall and per-component condition. Healthy means
// the local engine and the agent plane work; a missing remote provider
// degrades nothing because the platform is offline-first.
func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]any{}

	status := "healthy"
	if rt.opts.Providers.Native() == nil {
		status = "degraded"
		components["engine"] = map[string]any{"status": "missing"}
	} else {
		components["engine"] = map[string]any{"status": "ok"}
	}
	// No providers at all means no request can be served.
	if len(rt.opts.Providers.All()) == 0 {
		status = "unhealthy"
	}

	var reasons []string
	if rt.opts.DegradedReasons != nil {
		reasons = rt.opts.DegradedReasons()
	}
	if len(reasons) > 0 {
		status = "degraded"
	}

	for _, ch := range rt.opts.Tracker.ComponentHealths() {
		components[ch.Type+":"+ch.ID] = map[string]any{
			"status":           ch.Status,
			"last_check":       ch.LastCheck,
			"response_time_ms": ch.ResponseTimeMs,
		}
	}
	if open := rt.opts.Breakers.OpenKeys(); len(open) > 0 {
		components["breakers_open"] = open
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":           status,
		"online":           rt.online(),
		"mcp_enabled":      rt.mcpEnabled.Load(),
		"active_requests":  rt.opts.Tracker.ActiveCount(),
		"degraded_reasons": reasons,
		"components":       components,
		"time":             time.Now().UTC(),
	})
}

// handleDashboard serves a placeholder page; the real UI ships separately
// and talks to the admin endpoints.
func (rt *Router) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	io.WriteString(w, "<!doctype html><title>halcyon</title><p>Halcyon gateway is running. See /health.</p>\n")
}

// handleEmbeddings proxies the raw body to the local engine. The response
// shape is whatever the engine returns; no translation happens here.
func (rt *Router) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	requestID := clock.NewRequestID()
	rt.opts.Tracker.Begin(requestID, r.Method, r.URL.Path, r.RemoteAddr)

	if !rt.checkAuth(r) {
		rt.failRequest(w, requestID, fault.New(fault.Auth, "missing or invalid bearer token"))
		return
	}
	rt.opts.Tracker.Transition(requestID, track.StageAuthChecked)

	native := rt.opts.Providers.Native()
	if native == nil {
		rt.failRequest(w, requestID, fault.New(fault.Degraded, "no local engine configured"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 8*1024*1024))
	if err != nil {
		rt.failRequest(w, requestID, fault.Wrap(fault.Validation, err, "reading request body"))
		return
	}
	if !json.Valid(body) {
		rt.failRequest(w, requestID, fault.New(fault.Validation, "invalid request body"))
		return
	}
	rt.opts.Tracker.Transition(requestID, track.StageParsed)

	release, err := rt.acquireGate(r.Context())
	if err != nil {
		rt.failRequest(w, requestID, fault.Wrap(fault.Cancelled, err, "cancelled while queued"))
		return
	}
	defer release()

	rt.opts.Tracker.Transition(requestID, track.StageUpstreamCallStart)
	started := time.Now()
	resp, err := native.Embeddings(r.Context(), body)
	rt.finishUpstream(requestID, "provider:"+native.Name(), started, err)
	if err != nil {
		rt.failRequest(w, requestID, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(resp)
	rt.completeOK(requestID)
}
