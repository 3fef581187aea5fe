package router

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/halcyonlabs/halcyon/internal/fault"
	"github.com/halcyonlabs/halcyon/internal/llm"
	"github.com/halcyonlabs/halcyon/internal/provider"
)

// modelCache holds the aggregated /v1/models answer. Refreshes are
// double-checked so a thundering herd after expiry performs one upstream
// sweep, not many.
type modelCache struct {
	mu      sync.RWMutex
	models  []llm.ModelInfo
	fetched time.Time
}

func (c *modelCache) get(ttl time.Duration) ([]llm.ModelInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.fetched.IsZero() || time.Since(c.fetched) > ttl {
		return nil, false
	}
	return c.models, true
}

func (c *modelCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models = nil
	c.fetched = time.Time{}
}

func (rt *Router) handleModels(w http.ResponseWriter, r *http.Request) {
	if !rt.checkAuth(r) {
		writeError(w, "", fault.New(fault.Auth, "missing or invalid bearer token"))
		return
	}

	if models, ok := rt.models.get(rt.opts.ModelCacheTTL); ok {
		writeJSON(w, http.StatusOK, modelList(models))
		return
	}

	release, err := rt.acquireGate(r.Context())
	if err != nil {
		writeError(w, "", fault.Wrap(fault.Cancelled, err, "cancelled while queued"))
		return
	}
	defer release()

	// Re-check after winning the gate: a concurrent request may have
	// refreshed the cache while this one queued.
	if models, ok := rt.models.get(rt.opts.ModelCacheTTL); ok {
		writeJSON(w, http.StatusOK, modelList(models))
		return
	}

	models := rt.refreshModels(r)
	writeJSON(w, http.StatusOK, modelList(models))
}

// refreshModels fans out to every reachable provider. A provider that
// fails is skipped rather than failing the whole listing.
func (rt *Router) refreshModels(r *http.Request) []llm.ModelInfo {
	online := rt.online()

	var mu sync.Mutex
	var all []llm.ModelInfo

	g, ctx := errgroup.WithContext(r.Context())
	for _, p := range rt.opts.Providers.All() {
		if p.Kind() == provider.KindOpenAI && !online {
			continue
		}
		g.Go(func() error {
			models, err := p.Models(ctx)
			if err != nil {
				rt.opts.Tracker.RecordError("provider:"+p.Name(), "", err.Error())
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			for _, m := range models {
				m.ID = p.Name() + ":" + m.ID
				all = append(all, m)
			}
			return nil
		})
	}
	g.Wait()

	// The agent plane is always addressable.
	all = append(all, llm.ModelInfo{ID: "agent:default", Object: "model", OwnedBy: "halcyon"})
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	rt.models.mu.Lock()
	rt.models.models = all
	rt.models.fetched = time.Now()
	rt.models.mu.Unlock()
	return all
}

func modelList(models []llm.ModelInfo) map[string]any {
	if models == nil {
		models = []llm.ModelInfo{}
	}
	return map[string]any{"object": "list", "data": models}
}
