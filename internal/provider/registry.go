package provider

import (
	"log"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Registry holds the configured providers. Reload replaces the whole set
// atomically; readers always see a complete map.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	native    *NativeLocal
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Load builds providers from a flattened config snapshot. Provider blocks
// use keys of the form:
//
//	provider.<name>.kind              native_local | openai_compat
//	provider.<name>.base_url
//	provider.<name>.api_key_env       env var holding the key
//	provider.<name>.requires_internet true | false
//	provider.<name>.options.<model>.<param>
//
// Unknown kinds are skipped with a warning. The first native_local provider
// becomes the default local engine.
func (r *Registry) Load(snapshot map[string]string, httpc *http.Client) {
	specs := parseSpecs(snapshot)

	next := make(map[string]Provider, len(specs))
	var native *NativeLocal
	for _, spec := range specs {
		switch spec.Kind {
		case KindNativeLocal:
			p := NewNativeLocal(spec, httpc)
			next[spec.Name] = p
			if native == nil {
				native = p
			}
		case KindOpenAI:
			next[spec.Name] = NewOpenAICompat(spec, httpc)
		default:
			log.Printf("[Provider] WARNING: skipping %q: unknown kind %q", spec.Name, spec.Kind)
		}
	}

	r.mu.Lock()
	r.providers = next
	r.native = native
	r.mu.Unlock()
	log.Printf("[Provider] Loaded %d providers", len(next))
}

func parseSpecs(snapshot map[string]string) []Spec {
	byName := make(map[string]*Spec)
	get := func(name string) *Spec {
		s, ok := byName[name]
		if !ok {
			s = &Spec{Name: name}
			byName[name] = s
		}
		return s
	}

	for key, value := range snapshot {
		rest, ok := strings.CutPrefix(key, "provider.")
		if !ok {
			continue
		}
		name, field, ok := strings.Cut(rest, ".")
		if !ok {
			continue
		}
		s := get(name)
		switch {
		case field == "kind":
			s.Kind = Kind(value)
		case field == "base_url":
			s.BaseURL = value
		case field == "api_key_env":
			s.APIKey = os.Getenv(value)
		case field == "requires_internet":
			s.RequiresInternet = value == "true"
		case strings.HasPrefix(field, "options."):
			model, param, ok := strings.Cut(strings.TrimPrefix(field, "options."), ".")
			if !ok {
				continue
			}
			if s.Options == nil {
				s.Options = make(map[string]map[string]any)
			}
			if s.Options[model] == nil {
				s.Options[model] = make(map[string]any)
			}
			s.Options[model][param] = coerce(value)
		}
	}

	names := make([]string, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	sort.Strings(names)

	specs := make([]Spec, 0, len(names))
	for _, n := range names {
		specs = append(specs, *byName[n])
	}
	return specs
}

// coerce turns a flattened config value back into the type the engine
// expects for its options block.
func coerce(v string) any {
	if v == "true" {
		return true
	}
	if v == "false" {
		return false
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Native returns the default local engine, or nil when none is configured.
func (r *Registry) Native() *NativeLocal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.native
}

// All returns every provider, sorted by name.
func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
