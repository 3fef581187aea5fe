package tool

import (
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/halcyonlabs/halcyon/internal/llm"
)

// Registry manages all registered tools with thread-safe access.
//
// A Registry is either a root (parent == nil) owning its tools map, or a
// view (parent != nil) created by ForServers/WithExtra that narrows or
// overlays the parent. Views delegate lookups to the parent, so a reload of
// the root is immediately visible through every view an agent run holds.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	parent *Registry

	// allow restricts a view to MCP tools of these servers. Core tools
	// always pass. Nil means no restriction.
	allow map[string]bool
}

// NewRegistry creates an empty root registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Same-name registration overwrites with a warning.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		log.Printf("[Registry] WARNING: overwriting existing tool %q", t.Name())
	}
	r.tools[t.Name()] = t
}

// Unregister removes a tool (used when discovery drops a server's tools).
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// ReplaceServer swaps every tool belonging to one MCP server in a single
// critical section, so readers never observe a half-updated server.
func (r *Registry) ReplaceServer(server string, tools []Tool) {
	prefix := "mcp__" + server + "__"
	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range r.tools {
		if strings.HasPrefix(name, prefix) {
			delete(r.tools, name)
		}
	}
	for _, t := range tools {
		r.tools[t.Name()] = t
	}
}

// Get retrieves a tool by name, honoring a view's server restriction.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	t, ok := r.tools[name]
	allow := r.allow
	r.mu.RUnlock()
	if ok {
		return t, true
	}
	if r.parent == nil {
		return nil, false
	}
	t, ok = r.parent.Get(name)
	if !ok {
		return nil, false
	}
	if allow != nil && !t.Core() && !allowed(allow, t.Name()) {
		return nil, false
	}
	return t, true
}

func allowed(allow map[string]bool, name string) bool {
	rest, ok := strings.CutPrefix(name, "mcp__")
	if !ok {
		return true
	}
	server, _, ok := strings.Cut(rest, "__")
	if !ok {
		return true
	}
	return allow[server]
}

// List returns visible tools sorted by name.
func (r *Registry) List() []Tool {
	if r.parent != nil {
		return r.listView()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

func (r *Registry) listView() []Tool {
	parentTools := r.parent.List()

	r.mu.RLock()
	extras := make(map[string]Tool, len(r.tools))
	for k, v := range r.tools {
		extras[k] = v
	}
	allow := r.allow
	r.mu.RUnlock()

	result := make([]Tool, 0, len(parentTools)+len(extras))
	for _, t := range parentTools {
		if _, overridden := extras[t.Name()]; overridden {
			continue
		}
		if allow != nil && !t.Core() && !allowed(allow, t.Name()) {
			continue
		}
		result = append(result, t)
	}
	for _, t := range extras {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// Definitions creates function-calling tool definitions for the visible set.
// Tools marked requires_internet are dropped when online is false.
func (r *Registry) Definitions(online bool) []llm.ToolDefinition {
	tools := r.List()
	defs := make([]llm.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		if !online && t.RequiresInternet() {
			continue
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.InputSchema(),
		})
	}
	return defs
}

// ForServers returns a view restricted to the given MCP servers plus every
// core tool. The classifier's selection feeds this per request.
func (r *Registry) ForServers(servers []string) *Registry {
	allow := make(map[string]bool, len(servers))
	for _, s := range servers {
		allow[s] = true
	}
	return &Registry{
		parent: r,
		tools:  make(map[string]Tool),
		allow:  allow,
	}
}

// WithExtra returns a view with additional tools overlaid. Extras take
// precedence over parent tools with the same name. Views chain.
func (r *Registry) WithExtra(extras ...Tool) *Registry {
	extrasMap := make(map[string]Tool, len(extras))
	for _, t := range extras {
		extrasMap[t.Name()] = t
	}
	return &Registry{
		parent: r,
		tools:  extrasMap,
	}
}
