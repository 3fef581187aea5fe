package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/halcyonlabs/halcyon/internal/agent"
	"github.com/halcyonlabs/halcyon/internal/clock"
	"github.com/halcyonlabs/halcyon/internal/fault"
	"github.com/halcyonlabs/halcyon/internal/llm"
	"github.com/halcyonlabs/halcyon/internal/maitre"
	"github.com/halcyonlabs/halcyon/internal/provider"
	"github.com/halcyonlabs/halcyon/internal/track"
)

// chatRequest is the accepted OpenAI-compatible body.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature float32       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

// chatResponse is the synchronous completion envelope.
type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   llm.Usage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      llm.Message `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

func completionEnvelope(id, model string, resp llm.ChatResponse) chatResponse {
	if resp.Model != "" {
		model = resp.Model
	}
	return chatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chatChoice{{Message: resp.Message, FinishReason: resp.FinishReason}},
		Usage:   resp.Usage,
	}
}

func (rt *Router) handleChat(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	if !clock.ValidRequestID(requestID) {
		requestID = clock.NewRequestID()
	}
	rt.opts.Tracker.Begin(requestID, r.Method, r.URL.Path, r.RemoteAddr)
	if rt.opts.OnActivity != nil {
		rt.opts.OnActivity()
	}

	if !rt.checkAuth(r) {
		rt.failRequest(w, requestID, fault.New(fault.Auth, "missing or invalid bearer token"))
		return
	}
	rt.opts.Tracker.Transition(requestID, track.StageAuthChecked)

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rt.failRequest(w, requestID, fault.Wrap(fault.Validation, err, "invalid request body"))
		return
	}
	if req.Model == "" {
		rt.failRequest(w, requestID, fault.New(fault.Validation, "model is required"))
		return
	}
	if len(req.Messages) == 0 {
		rt.failRequest(w, requestID, fault.New(fault.Validation, "messages must not be empty"))
		return
	}
	rt.opts.Tracker.Transition(requestID, track.StageParsed)
	rt.opts.Tracker.SetMetadata(requestID, "model", req.Model)
	if tier := qualityTier(r); tier != "" {
		rt.opts.Tracker.SetMetadata(requestID, "quality_tier", tier)
	}

	rte, err := rt.resolveRoute(req.Model)
	if err != nil {
		rt.failRequest(w, requestID, err)
		return
	}
	rt.opts.Tracker.Transition(requestID, track.StageRoutingDecided)
	rt.opts.Tracker.SetMetadata(requestID, "route", rte.describe())
	if rte.rewritten {
		rt.opts.Tracker.SetMetadata(requestID, "offline_rewrite", true)
	}

	// The global gate wraps every dispatch branch below, including async
	// spawns: accepted background work still counts against it.
	release, err := rt.acquireGate(r.Context())
	if err != nil {
		rt.failRequest(w, requestID, fault.Wrap(fault.Cancelled, err, "cancelled while queued"))
		return
	}

	if rt.opts.AsyncMode != nil && rt.opts.AsyncMode() && !req.Stream {
		rt.spawnAsync(requestID, rte, req, release)
		writeJSON(w, http.StatusOK, map[string]any{
			"id":     requestID,
			"object": "chat.completion.async",
			"status": "accepted",
		})
		return
	}
	defer release()

	rt.dispatch(w, r, requestID, rte, req)
}

func (rt *Router) failRequest(w http.ResponseWriter, requestID string, err error) {
	rt.opts.Tracker.RecordError("router", requestID, err.Error())
	rt.opts.Tracker.Complete(requestID, "error", err.Error())
	writeError(w, requestID, err)
}

// qualityTier reads X-Quality-Tier; unknown values are treated as unset.
func qualityTier(r *http.Request) string {
	switch tier := r.Header.Get("X-Quality-Tier"); tier {
	case "speed", "balanced", "high":
		return tier
	default:
		return ""
	}
}

func (rt *Router) checkAuth(r *http.Request) bool {
	if rt.opts.AuthToken == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && token == rt.opts.AuthToken
}

// route is a resolved dispatch target.
type route struct {
	agent     bool
	provider  provider.Provider
	model     string // bare model id passed upstream
	rewritten bool   // offline rewrite redirected this to the local engine
}

func (rte route) describe() string {
	if rte.agent {
		return "agent:" + rte.model
	}
	return rte.provider.Name() + ":" + rte.model
}

// resolveRoute maps a prefixed model id onto a dispatch target. Aliases
// resolve first, then the offline rewrite, so every branch downstream sees
// its final upstream.
func (rt *Router) resolveRoute(model string) (route, error) {
	if rt.opts.Config != nil {
		if alias, ok := rt.opts.Config.Get("router.alias." + model); ok && alias != "" {
			model = alias
		}
	}

	prefix, rest, found := strings.Cut(model, ":")
	if !found {
		return route{}, fault.New(fault.Validation, "model %q has no routing prefix", model)
	}
	if rest == "" {
		return route{}, fault.New(fault.Validation, "model %q has an empty id after the prefix", model)
	}

	if prefix == "agent" {
		if rest == "default" {
			if m := rt.agentModel(); m != "" {
				rest = m
			}
		}
		return route{agent: true, model: rest}, nil
	}

	p, ok := rt.opts.Providers.Get(prefix)
	if !ok {
		return route{}, fault.New(fault.Validation, "unknown model prefix %q", prefix)
	}
	// Remote providers are transparently rewritten to the local fallback
	// while offline.
	if p.Kind() == provider.KindOpenAI && !rt.online() {
		native := rt.opts.Providers.Native()
		if native == nil {
			return route{}, fault.New(fault.Degraded, "offline and no local engine configured").WithProvider(prefix)
		}
		fallback := rt.opts.FallbackModel
		if fallback == "" {
			fallback = rest
		}
		return route{provider: native, model: fallback, rewritten: true}, nil
	}
	return route{provider: p, model: rest}, nil
}

// dispatch runs the resolved route synchronously. The caller holds the gate.
func (rt *Router) dispatch(w http.ResponseWriter, r *http.Request, requestID string, rte route, req chatRequest) {
	if rte.agent {
		rt.dispatchAgent(w, r, requestID, rte, req)
		return
	}
	rt.dispatchProvider(w, r, requestID, rte, req)
}

func (rt *Router) dispatchProvider(w http.ResponseWriter, r *http.Request, requestID string, rte route, req chatRequest) {
	key := "provider:" + rte.provider.Name()
	if err := rt.opts.Breakers.Allow(key); err != nil {
		rt.failRequest(w, requestID, err)
		return
	}

	chatReq := llm.ChatRequest{
		Model:       rte.model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
	}

	rt.opts.Tracker.Transition(requestID, track.StageUpstreamCallStart)
	started := time.Now()

	if req.Stream {
		sse := newSSEWriter(w, r, requestID, req.Model)
		if sse == nil {
			rt.opts.Tracker.Complete(requestID, "error", "streaming unsupported")
			return
		}
		resp, err := rte.provider.ChatStream(r.Context(), chatReq, func(d llm.StreamDelta) error {
			if d.Done || d.Content == "" {
				return nil
			}
			if !sse.SendContent(d.Content) {
				return fmt.Errorf("client disconnected")
			}
			return nil
		})
		rt.finishUpstream(requestID, key, started, err)
		if err != nil {
			// Headers are already gone; all we can do is stop the stream.
			rt.opts.Tracker.Complete(requestID, "error", err.Error())
			return
		}
		sse.Finish(resp.FinishReason)
		rt.completeOK(requestID)
		return
	}

	resp, err := rte.provider.Chat(r.Context(), chatReq)
	rt.finishUpstream(requestID, key, started, err)
	if err != nil {
		rt.failRequest(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, completionEnvelope(requestID, req.Model, resp))
	rt.completeOK(requestID)
}

func (rt *Router) dispatchAgent(w http.ResponseWriter, r *http.Request, requestID string, rte route, req chatRequest) {
	const key = "provider:agent"
	if err := rt.opts.Breakers.Allow(key); err != nil {
		rt.failRequest(w, requestID, err)
		return
	}

	agentReq, decision, err := rt.buildAgentRequest(r.Context(), requestID, rte, req)
	if err != nil {
		rt.failRequest(w, requestID, err)
		return
	}
	if decision.SystemAction != "" {
		rt.opts.Breakers.RecordSuccess(key)
		resp := systemActionResponse(decision.SystemAction)
		writeJSON(w, http.StatusOK, completionEnvelope(requestID, req.Model, resp))
		rt.completeOK(requestID)
		return
	}

	var sse *sseWriter
	if req.Stream {
		sse = newSSEWriter(w, r, requestID, req.Model)
		if sse == nil {
			rt.opts.Tracker.Complete(requestID, "error", "streaming unsupported")
			return
		}
		agentReq.Stream = func(d llm.StreamDelta) error {
			switch {
			case d.Heartbeat:
				if !sse.SendHeartbeat() {
					return fmt.Errorf("client disconnected")
				}
			case d.Done, d.Content == "":
			default:
				if !sse.SendContent(d.Content) {
					return fmt.Errorf("client disconnected")
				}
			}
			return nil
		}
	}

	result := rt.opts.Runner.Run(r.Context(), agentReq)
	rt.recordAgentOutcome(key, requestID, req.Messages, result, decision)

	if sse != nil {
		if result.Err != nil && result.Response.Message.Content == "" {
			rt.opts.Tracker.Complete(requestID, "error", result.Err.Error())
			return
		}
		sse.Finish(result.Response.FinishReason)
		rt.completeOK(requestID)
		return
	}

	// A cap trip with a usable draft is still a 200: a degraded but honest
	// answer beats a hard failure.
	if result.Err != nil && result.Response.Message.Content == "" {
		rt.failRequest(w, requestID, result.Err)
		return
	}
	writeJSON(w, http.StatusOK, completionEnvelope(requestID, req.Model, result.Response))
	rt.completeOK(requestID)
}

// buildAgentRequest runs the classifier and assembles the loop input.
func (rt *Router) buildAgentRequest(ctx context.Context, requestID string, rte route, req chatRequest) (agent.Request, maitre.Decision, error) {
	known := rt.knownServers()
	decision := maitre.Decision{TargetServers: known, Source: "none"}
	if rt.opts.Classifier != nil {
		decision = rt.opts.Classifier.Classify(ctx, req.Messages, known)
		rt.opts.Tracker.SetMetadata(requestID, "maitre_source", decision.Source)
	}

	online := rt.online()
	model, engine := rt.resolveAgentEngine(rte.model, online)
	if engine == nil {
		return agent.Request{}, decision, fault.New(fault.Degraded, "no engine available for agent requests")
	}

	view := rt.opts.Tools
	if view != nil {
		view = view.ForServers(decision.TargetServers)
	}
	return agent.Request{
		RequestID: requestID,
		Model:     model,
		Messages:  req.Messages,
		Tools:     view,
		Engine:    engine,
		Online:    online,
	}, decision, nil
}

// resolveAgentEngine picks the engine behind the agent loop. Agent model ids
// may themselves carry a provider prefix; bare ids go to the local engine.
func (rt *Router) resolveAgentEngine(model string, online bool) (string, agent.Engine) {
	if prefix, rest, ok := strings.Cut(model, ":"); ok {
		if p, found := rt.opts.Providers.Get(prefix); found {
			if p.Kind() == provider.KindOpenAI && !online {
				if native := rt.opts.Providers.Native(); native != nil {
					if rt.opts.FallbackModel != "" {
						return rt.opts.FallbackModel, native
					}
					return rest, native
				}
			}
			return rest, p
		}
	}
	if native := rt.opts.Providers.Native(); native != nil {
		return model, native
	}
	return model, nil
}

func (rt *Router) knownServers() []string {
	if rt.opts.Manager == nil || !rt.mcpEnabled.Load() {
		return nil
	}
	return rt.opts.Manager.ServerNames()
}

func (rt *Router) recordAgentOutcome(key, requestID string, messages []llm.Message, result agent.Result, decision maitre.Decision) {
	if result.Err != nil && fault.KindOf(result.Err) != fault.ResourceExhausted {
		rt.opts.Breakers.RecordFailure(key, result.Err.Error())
		rt.opts.Tracker.RecordError("agent", requestID, result.Err.Error())
		return
	}
	rt.opts.Breakers.RecordSuccess(key)

	// Successful tool use feeds the learning journal so future routing can
	// shortcut the classifier.
	if result.Err == nil && result.ToolCalls > 0 && rt.opts.Journal != nil && len(decision.TargetServers) > 0 {
		if query := lastUserMessage(messages); query != "" {
			if err := rt.opts.Journal.RecordSuccess(query, decision.TargetServers[0]); err != nil {
				rt.opts.Tracker.RecordError("maitre", requestID, err.Error())
			}
		}
	}
}

func (rt *Router) finishUpstream(requestID, breakerKey string, started time.Time, err error) {
	rt.opts.Tracker.Transition(requestID, track.StageUpstreamCallEnd)
	rt.opts.Tracker.AttachMetric(requestID, track.OpMetric{
		Component:  breakerKey,
		Operation:  "chat",
		DurationMs: time.Since(started).Milliseconds(),
		StartedAt:  started,
		OK:         err == nil,
	})
	if err == nil {
		rt.opts.Breakers.RecordSuccess(breakerKey)
		return
	}
	switch fault.KindOf(err) {
	case fault.Cancelled, fault.Validation, fault.NotFound, fault.Auth:
		// Client-side or semantic failures say nothing about upstream
		// health.
	default:
		rt.opts.Breakers.RecordFailure(breakerKey, err.Error())
	}
}

func (rt *Router) completeOK(requestID string) {
	rt.opts.Tracker.Transition(requestID, track.StageResponseSent)
	rt.opts.Tracker.Complete(requestID, "ok", "")
}

func systemActionResponse(action string) llm.ChatResponse {
	var text string
	switch action {
	case "help":
		text = "Ask anything in natural language, or address a model directly with a prefixed id " +
			"(agent:default, local:<model>, <provider>:<model>). Administrative operations live under /admin."
	case "restart":
		text = "Restart requested. Use the management CLI (halcyon restart) to restart the service."
	default:
		text = "Unknown system action."
	}
	return llm.ChatResponse{
		Message:      llm.Message{Role: llm.RoleAssistant, Content: text},
		FinishReason: "stop",
	}
}

func lastUserMessage(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
