package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is the degraded-mode fallback store. Writes land in RAM and survive
// only for the process lifetime; the boot sequence flags the system as
// `degraded: memory` whenever this implementation is live.
type Memory struct {
	mu       sync.RWMutex
	config   map[string]string
	servers  map[string]json.RawMessage
	facts    map[string]Entry
	episodes []json.RawMessage

	now func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		config:  make(map[string]string),
		servers: make(map[string]json.RawMessage),
		facts:   make(map[string]Entry),
		now:     time.Now,
	}
}

func (m *Memory) UpsertConfig(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config[key] = value
	return nil
}

func (m *Memory) GetConfig(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.config[key]
	return v, ok, nil
}

func (m *Memory) AllConfig(_ context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.config))
	for k, v := range m.config {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) UpsertServer(_ context.Context, name string, manifest json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers[name] = append(json.RawMessage(nil), manifest...)
	return nil
}

func (m *Memory) UpsertFact(_ context.Context, key string, value json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.facts[key] = Entry{Key: key, Value: append(json.RawMessage(nil), value...), UpdatedAt: m.now()}
	return nil
}

func (m *Memory) QueryFacts(_ context.Context, predicate string, limit int) ([]Entry, error) {
	// The SQL-LIKE predicate degrades to a substring match here; '%' is
	// stripped so "pref%" behaves like a prefix match in both stores.
	needle := strings.Trim(predicate, "%")
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for k, e := range m.facts {
		if needle == "" || strings.Contains(k, needle) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) AppendEpisode(_ context.Context, episode json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.episodes = append(m.episodes, append(json.RawMessage(nil), episode...))
	return nil
}

// SearchChunks cannot serve meaningful results without the durable vector
// index; callers treat ErrUnavailable as "memory recall disabled".
func (m *Memory) SearchChunks(context.Context, []float32, int, float64) ([]ChunkResult, error) {
	return nil, ErrUnavailable
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() {}
