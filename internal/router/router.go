// Package router is the HTTP gateway: it authenticates, parses and
// dispatches OpenAI-compatible requests to the agent plane, the local
// engine, or remote providers, with a global concurrency gate and
// per-provider circuit breakers around every branch.
package router

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/halcyonlabs/halcyon/internal/agent"
	"github.com/halcyonlabs/halcyon/internal/breaker"
	"github.com/halcyonlabs/halcyon/internal/config"
	"github.com/halcyonlabs/halcyon/internal/maitre"
	"github.com/halcyonlabs/halcyon/internal/mcp"
	"github.com/halcyonlabs/halcyon/internal/provider"
	"github.com/halcyonlabs/halcyon/internal/tool"
	"github.com/halcyonlabs/halcyon/internal/track"
)

// Options wires the router's dependencies. Everything is required unless
// noted.
type Options struct {
	Config     *config.Store
	Breakers   *breaker.Registry
	Tracker    *track.Tracker
	Providers  *provider.Registry
	Runner     *agent.Runner
	Classifier *maitre.Classifier
	Journal    *maitre.Journal // optional
	Manager    *mcp.Manager
	Tools      *tool.Registry

	// HTTPClient is the shared outbound client, used when reloading
	// providers. Optional.
	HTTPClient *http.Client

	// AuthToken guards the gateway when non-empty.
	AuthToken string

	// MaxConcurrency bounds in-flight dispatches. 0 means unlimited.
	MaxConcurrency int

	// ModelCacheTTL is the /v1/models cache lifetime. Zero means 600s.
	ModelCacheTTL time.Duration

	// AgentModel backs the agent:default alias.
	AgentModel string

	// FallbackModel is the local model used when offline rewrites a remote
	// request.
	FallbackModel string

	// Online tracks internet reachability, maintained by the scheduler.
	Online *atomic.Bool

	// AsyncMode reports whether non-streaming requests should be accepted
	// asynchronously.
	AsyncMode func() bool

	// OnActivity is called once per chat request so the scheduler can track
	// user idleness. Optional.
	OnActivity func()

	// DegradedReasons feeds /health. Optional.
	DegradedReasons func() []string
}

// Router is the gateway. Create with New, serve with Start.
type Router struct {
	opts Options
	mux  *http.ServeMux
	gate *semaphore.Weighted // nil when unlimited

	models modelCache
	tasks  taskStore

	mcpEnabled atomic.Bool
}

// New builds the router and registers all routes.
func New(opts Options) *Router {
	if opts.ModelCacheTTL <= 0 {
		opts.ModelCacheTTL = 600 * time.Second
	}
	rt := &Router{opts: opts, mux: http.NewServeMux()}
	if opts.MaxConcurrency > 0 {
		rt.gate = semaphore.NewWeighted(int64(opts.MaxConcurrency))
	}
	rt.mcpEnabled.Store(true)
	rt.tasks.init()
	rt.registerRoutes()
	return rt
}

func (rt *Router) registerRoutes() {
	rt.mux.HandleFunc("POST /v1/chat/completions", rt.handleChat)
	rt.mux.HandleFunc("GET /v1/models", rt.handleModels)
	rt.mux.HandleFunc("POST /v1/embeddings", rt.handleEmbeddings)
	rt.mux.HandleFunc("GET /v1/tasks/{id}", rt.handleTask)
	rt.mux.HandleFunc("GET /health", rt.handleHealth)
	rt.mux.HandleFunc("GET /dashboard", rt.handleDashboard)

	rt.mux.HandleFunc("POST /admin/reload-config", rt.adminAuth(rt.handleReloadConfig))
	rt.mux.HandleFunc("POST /admin/reload-providers", rt.adminAuth(rt.handleReloadProviders))
	rt.mux.HandleFunc("POST /admin/clear-caches", rt.adminAuth(rt.handleClearCaches))
	rt.mux.HandleFunc("POST /admin/mcp-toggle", rt.adminAuth(rt.handleMCPToggle))
	rt.mux.HandleFunc("GET /admin/model", rt.adminAuth(rt.handleGetModel))
	rt.mux.HandleFunc("POST /admin/model", rt.adminAuth(rt.handleSetModel))
	rt.mux.HandleFunc("POST /admin/breakers/reset", rt.adminAuth(rt.handleBreakerReset))
	rt.mux.HandleFunc("GET /admin/breakers", rt.adminAuth(rt.handleBreakers))

	rt.mux.HandleFunc("GET /admin/observability/metrics", rt.adminAuth(rt.handleObsMetrics))
	rt.mux.HandleFunc("GET /admin/observability/active-requests", rt.adminAuth(rt.handleObsActive))
	rt.mux.HandleFunc("GET /admin/observability/stuck-requests", rt.adminAuth(rt.handleObsStuck))
	rt.mux.HandleFunc("GET /admin/observability/performance", rt.adminAuth(rt.handleObsPerformance))
	rt.mux.HandleFunc("GET /admin/observability/component-health", rt.adminAuth(rt.handleObsComponentHealth))
	rt.mux.HandleFunc("GET /admin/observability/export", rt.adminAuth(rt.handleObsExport))
}

// Handler exposes the mux, mainly for tests.
func (rt *Router) Handler() http.Handler { return rt.mux }

// online reports current internet reachability.
func (rt *Router) online() bool {
	return rt.opts.Online == nil || rt.opts.Online.Load()
}

// acquireGate blocks on the global concurrency gate. Every dispatch branch
// runs inside it.
func (rt *Router) acquireGate(ctx context.Context) (release func(), err error) {
	if rt.gate == nil {
		return func() {}, nil
	}
	if err := rt.gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { rt.gate.Release(1) }, nil
}

// Start listens on addr until the context is cancelled or a signal arrives,
// then drains with a bounded grace period.
func (rt *Router) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: rt.mux}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			log.Printf("[Router] Received signal %v, shutting down gracefully...", sig)
		case <-ctx.Done():
			log.Printf("[Router] Context cancelled, shutting down gracefully...")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[Router] Graceful shutdown error: %v", err)
		}
	}()

	log.Printf("[Router] Gateway listening on %s", addr)
	err = srv.Serve(ln)
	if err == http.ErrServerClosed {
		log.Println("[Router] Server stopped gracefully")
		return nil
	}
	return err
}
