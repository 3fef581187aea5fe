package router

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/halcyonlabs/halcyon/internal/agent"
	"github.com/halcyonlabs/halcyon/internal/breaker"
	"github.com/halcyonlabs/halcyon/internal/config"
	"github.com/halcyonlabs/halcyon/internal/provider"
	"github.com/halcyonlabs/halcyon/internal/track"
)

// fakeEngine emulates the local engine's native API.
func fakeEngine(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"message":{"role":"assistant","content":%q},"done":true,"done_reason":"stop","prompt_eval_count":3,"eval_count":5}`, reply)
	})
	mux.HandleFunc("GET /api/tags", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"models":[{"name":"m1"},{"name":"m2"}]}`)
	})
	mux.HandleFunc("POST /api/embeddings", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"embedding":[0.1,0.2]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestRouter(t *testing.T, engine *httptest.Server, mutate func(*Options)) *Router {
	t.Helper()

	cfg := config.NewStore(nil)
	cfg.AtomicSwap("provider", map[string]string{
		"local.kind":     "native_local",
		"local.base_url": engine.URL,
	})

	providers := provider.NewRegistry()
	providers.Load(cfg.Snapshot(), engine.Client())

	breakers := breaker.NewRegistry(nil)
	breakers.Configure("provider:local", breaker.Config{FailureThreshold: 5, Cooldown: time.Minute})

	tracker := track.New()
	opts := Options{
		Config:     cfg,
		Breakers:   breakers,
		Tracker:    tracker,
		Providers:  providers,
		Runner:     agent.NewRunner(tracker),
		HTTPClient: engine.Client(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts)
}

func postChat(t *testing.T, rt *Router, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestChat_ProviderRoundTrip(t *testing.T) {
	rt := newTestRouter(t, fakeEngine(t, "hello there"), nil)

	const reqID = "6e1f0d1e-9a54-4cce-bd0b-67c391f0a001"
	rec := postChat(t, rt, `{"model":"local:m1","messages":[{"role":"user","content":"hi"}]}`,
		map[string]string{"X-Request-ID": reqID})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[chatResponse](t, rec)
	if resp.Object != "chat.completion" || resp.ID != reqID {
		t.Errorf("envelope = %+v", resp)
	}
	if resp.Choices[0].Message.Content != "hello there" || resp.Choices[0].FinishReason != "stop" {
		t.Errorf("choice = %+v", resp.Choices[0])
	}
	if resp.Usage.TotalTokens != 8 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestChat_ValidationErrors(t *testing.T) {
	rt := newTestRouter(t, fakeEngine(t, "x"), nil)

	cases := []struct {
		name string
		body string
		kind string
	}{
		{"no prefix", `{"model":"m1","messages":[{"role":"user","content":"hi"}]}`, "validation"},
		{"unknown prefix", `{"model":"nope:m1","messages":[{"role":"user","content":"hi"}]}`, "validation"},
		{"empty id", `{"model":"local:","messages":[{"role":"user","content":"hi"}]}`, "validation"},
		{"no messages", `{"model":"local:m1","messages":[]}`, "validation"},
		{"bad json", `{`, "validation"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postChat(t, rt, tc.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
			}
			body := decodeBody[errorBody](t, rec)
			if body.Error.Kind != tc.kind || body.Error.RequestID == "" {
				t.Errorf("error = %+v", body.Error)
			}
		})
	}
}

func TestChat_AuthRequired(t *testing.T) {
	rt := newTestRouter(t, fakeEngine(t, "x"), func(o *Options) { o.AuthToken = "secret" })

	rec := postChat(t, rt, `{"model":"local:m1","messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d", rec.Code)
	}

	rec = postChat(t, rt, `{"model":"local:m1","messages":[{"role":"user","content":"hi"}]}`,
		map[string]string{"Authorization": "Bearer secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status with token = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestChat_AliasResolution(t *testing.T) {
	rt := newTestRouter(t, fakeEngine(t, "aliased"), nil)
	rt.opts.Config.AtomicSwap("router", map[string]string{"alias.gpt-4": "local:m1"})

	rec := postChat(t, rt, `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[chatResponse](t, rec)
	if resp.Choices[0].Message.Content != "aliased" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
}

func TestChat_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	// An engine that always fails with a 500.
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	rt := newTestRouter(t, srv, nil)

	body := `{"model":"local:m1","messages":[{"role":"user","content":"hi"}]}`
	for i := 0; i < 5; i++ {
		rec := postChat(t, rt, body, nil)
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("call %d status = %d, body %s", i, rec.Code, rec.Body.String())
		}
	}

	// Sixth call is rejected by the breaker without touching the engine.
	rec := postChat(t, rt, body, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("post-open status = %d, body %s", rec.Code, rec.Body.String())
	}
	eb := decodeBody[errorBody](t, rec)
	if eb.Error.Kind != "rate_limited" {
		t.Errorf("kind = %q", eb.Error.Kind)
	}
}

func TestChat_Streaming(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"one "},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"two"},"done":true,"done_reason":"stop"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	rt := newTestRouter(t, srv, nil)
	rec := postChat(t, rt, `{"model":"local:m1","stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	out := rec.Body.String()
	if !strings.Contains(out, `"content":"one "`) || !strings.Contains(out, `"content":"two"`) {
		t.Errorf("stream missing deltas: %s", out)
	}
	if !strings.Contains(out, `"finish_reason":"stop"`) || !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Errorf("stream not terminated properly: %s", out)
	}
}

func TestChat_OfflineRewritesRemoteToLocal(t *testing.T) {
	engine := fakeEngine(t, "local says hi")

	var online atomic.Bool // starts false
	rt := newTestRouter(t, engine, func(o *Options) {
		o.Online = &online
		o.FallbackModel = "m1"
	})
	rt.opts.Config.AtomicSwap("provider", map[string]string{
		"local.kind":     "native_local",
		"local.base_url": engine.URL,
		"cloud.kind":     "openai_compat",
		"cloud.base_url": "http://127.0.0.1:1", // must never be reached
	})
	rt.opts.Providers.Load(rt.opts.Config.Snapshot(), engine.Client())

	rec := postChat(t, rt, `{"model":"cloud:gpt-4o","messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[chatResponse](t, rec)
	if resp.Choices[0].Message.Content != "local says hi" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}

	// The rewrite is visible on the request record.
	raw, err := rt.opts.Tracker.Export(10)
	if err != nil {
		t.Fatal(err)
	}
	var doc struct {
		Completed []struct {
			ID       string         `json:"request_id"`
			Metadata map[string]any `json:"metadata"`
		} `json:"completed"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	if len(doc.Completed) != 1 {
		t.Fatalf("completed requests = %d, want 1", len(doc.Completed))
	}
	if got := doc.Completed[0].Metadata["offline_rewrite"]; got != true {
		t.Errorf("offline_rewrite metadata = %v, want true", got)
	}
}

func TestModels_CachesAcrossCalls(t *testing.T) {
	var tagCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tags", func(w http.ResponseWriter, r *http.Request) {
		tagCalls.Add(1)
		fmt.Fprint(w, `{"models":[{"name":"m1"}]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	rt := newTestRouter(t, srv, nil)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
		rec := httptest.NewRecorder()
		rt.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("call %d status = %d", i, rec.Code)
		}
		var body struct {
			Object string `json:"object"`
			Data   []struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
		ids := make([]string, 0, len(body.Data))
		for _, m := range body.Data {
			ids = append(ids, m.ID)
		}
		if len(ids) != 2 || ids[0] != "agent:default" || ids[1] != "local:m1" {
			t.Fatalf("models = %v", ids)
		}
	}
	if n := tagCalls.Load(); n != 1 {
		t.Errorf("engine hit %d times, want 1 (cache miss only)", n)
	}
}

func TestAsync_AcceptThenPoll(t *testing.T) {
	rt := newTestRouter(t, fakeEngine(t, "deferred answer"), func(o *Options) {
		o.AsyncMode = func() bool { return true }
	})

	rec := postChat(t, rt, `{"model":"local:m1","messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	accepted := decodeBody[map[string]any](t, rec)
	if accepted["object"] != "chat.completion.async" || accepted["status"] != "accepted" {
		t.Fatalf("accepted = %v", accepted)
	}
	id, _ := accepted["id"].(string)

	deadline := time.Now().Add(5 * time.Second)
	for {
		req := httptest.NewRequest(http.MethodGet, "/v1/tasks/"+id, nil)
		poll := httptest.NewRecorder()
		rt.Handler().ServeHTTP(poll, req)
		if poll.Code != http.StatusOK {
			t.Fatalf("poll status = %d, body %s", poll.Code, poll.Body.String())
		}
		task := decodeBody[asyncTask](t, poll)
		if task.Status == "done" {
			if task.Response.Choices[0].Message.Content != "deferred answer" {
				t.Fatalf("task response = %+v", task.Response)
			}
			return
		}
		if task.Status == "error" {
			t.Fatalf("task failed: %+v", task.Error)
		}
		if time.Now().After(deadline) {
			t.Fatal("task never finished")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTask_UnknownID(t *testing.T) {
	rt := newTestRouter(t, fakeEngine(t, "x"), nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/tasks/nope", nil)
	rec := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestEmbeddings_ProxiesRawBody(t *testing.T) {
	rt := newTestRouter(t, fakeEngine(t, "x"), nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", strings.NewReader(`{"model":"m1","prompt":"hi"}`))
	rec := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"embedding"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestHealth_ReportsDegradedReasons(t *testing.T) {
	rt := newTestRouter(t, fakeEngine(t, "x"), func(o *Options) {
		o.DegradedReasons = func() []string { return []string{"memory"} }
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rec, req)

	body := decodeBody[map[string]any](t, rec)
	if body["status"] != "degraded" {
		t.Errorf("status = %v", body["status"])
	}
	reasons, _ := body["degraded_reasons"].([]any)
	if len(reasons) != 1 || reasons[0] != "memory" {
		t.Errorf("reasons = %v", reasons)
	}
}

func TestAdmin_ModelGetAndSet(t *testing.T) {
	rt := newTestRouter(t, fakeEngine(t, "x"), func(o *Options) {
		o.AgentModel = "m1"
		o.AuthToken = "secret"
	})
	auth := map[string]string{"Authorization": "Bearer secret"}

	get := func() string {
		req := httptest.NewRequest(http.MethodGet, "/admin/model", nil)
		for k, v := range auth {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		rt.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("get model status = %d", rec.Code)
		}
		return decodeBody[map[string]string](t, rec)["model"]
	}

	if m := get(); m != "m1" {
		t.Fatalf("initial model = %q", m)
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/model", strings.NewReader(`{"model":"m2"}`))
	for k, v := range auth {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("set model status = %d, body %s", rec.Code, rec.Body.String())
	}
	if m := get(); m != "m2" {
		t.Fatalf("model after set = %q", m)
	}

	// No token, no admin.
	req = httptest.NewRequest(http.MethodGet, "/admin/model", nil)
	rec = httptest.NewRecorder()
	rt.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated admin status = %d", rec.Code)
	}
}

func TestAdmin_StuckRequestsThreshold(t *testing.T) {
	rt := newTestRouter(t, fakeEngine(t, "x"), nil)
	rt.opts.Tracker.Begin("req-hang", http.MethodPost, "/v1/chat/completions", "test")
	rt.opts.Tracker.Transition("req-hang", track.StageUpstreamCallStart)

	time.Sleep(1200 * time.Millisecond)

	get := func(target string) []struct {
		RequestID    string  `json:"request_id"`
		CurrentStage string  `json:"current_stage"`
		AgeSeconds   float64 `json:"age_seconds"`
	} {
		t.Helper()
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		rt.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}
		var body struct {
			Stuck []struct {
				RequestID    string  `json:"request_id"`
				CurrentStage string  `json:"current_stage"`
				AgeSeconds   float64 `json:"age_seconds"`
			} `json:"stuck"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
		return body.Stuck
	}

	// Against the default 300s threshold the young request is not stuck.
	if stuck := get("/admin/observability/stuck-requests"); len(stuck) != 0 {
		t.Fatalf("stuck with default threshold = %+v, want none", stuck)
	}

	stuck := get("/admin/observability/stuck-requests?timeout_seconds=1")
	if len(stuck) != 1 {
		t.Fatalf("stuck with timeout_seconds=1 = %+v, want one entry", stuck)
	}
	if stuck[0].RequestID != "req-hang" || stuck[0].CurrentStage != "UPSTREAM_CALL_START" {
		t.Errorf("entry = %+v", stuck[0])
	}
	if stuck[0].AgeSeconds < 1 {
		t.Errorf("age_seconds = %v, want >= 1", stuck[0].AgeSeconds)
	}
}

func TestAdmin_BreakerResetAndList(t *testing.T) {
	rt := newTestRouter(t, fakeEngine(t, "x"), nil)
	rt.opts.Breakers.Configure("provider:dead", breaker.Config{FailureThreshold: 1, Cooldown: time.Hour})
	rt.opts.Breakers.RecordFailure("provider:dead", "down")

	if rt.opts.Breakers.State("provider:dead") != breaker.StateOpen {
		t.Fatal("breaker should be open")
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/breakers/reset", strings.NewReader(`{"key":"provider:dead"}`))
	rec := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d", rec.Code)
	}
	if rt.opts.Breakers.State("provider:dead") != breaker.StateClosed {
		t.Fatal("breaker should be closed after reset")
	}
}

func TestAdmin_ClearCachesDropsModelCache(t *testing.T) {
	var tagCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tags", func(w http.ResponseWriter, r *http.Request) {
		tagCalls.Add(1)
		fmt.Fprint(w, `{"models":[{"name":"m1"}]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	rt := newTestRouter(t, srv, nil)

	list := func() {
		req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
		rec := httptest.NewRecorder()
		rt.Handler().ServeHTTP(rec, req)
	}
	list()
	list()
	if tagCalls.Load() != 1 {
		t.Fatalf("engine hits before clear = %d", tagCalls.Load())
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/clear-caches", nil)
	rec := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear status = %d", rec.Code)
	}

	list()
	if tagCalls.Load() != 2 {
		t.Fatalf("engine hits after clear = %d, want 2", tagCalls.Load())
	}
}
