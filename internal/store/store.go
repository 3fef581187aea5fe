// Package store is the narrow durable-store boundary. The gateway persists
// configuration and long-term knowledge through this interface only: upsert
// by key, query by predicate, and vector search with a confidence threshold.
//
// Two implementations exist: the PostgreSQL store (pgx + pgvector) used when
// the database is reachable, and an in-memory fallback installed in degraded
// mode so that nothing above this package needs to care which one is live.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrUnavailable is returned by the degraded fallback for operations that
// fundamentally need durable state (e.g. vector search over stored chunks).
var ErrUnavailable = errors.New("store: durable store unavailable")

// Entry is one key/value row from config_state or fact.
type Entry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ChunkResult is one vector-search hit with its similarity score in [0,1].
type ChunkResult struct {
	ID    string  `json:"id"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Store is the only surface other components see.
type Store interface {
	// UpsertConfig writes one config_state row.
	UpsertConfig(ctx context.Context, key, value string) error

	// GetConfig reads one config_state row; ok=false if absent.
	GetConfig(ctx context.Context, key string) (value string, ok bool, err error)

	// AllConfig returns the full config_state table.
	AllConfig(ctx context.Context) (map[string]string, error)

	// UpsertServer persists an MCP server manifest under its unique name.
	UpsertServer(ctx context.Context, name string, manifest json.RawMessage) error

	// UpsertFact writes one fact row.
	UpsertFact(ctx context.Context, key string, value json.RawMessage) error

	// QueryFacts returns facts whose key matches the SQL-LIKE predicate,
	// newest first, bounded by limit.
	QueryFacts(ctx context.Context, predicate string, limit int) ([]Entry, error)

	// AppendEpisode appends one episode row (append-only request history).
	AppendEpisode(ctx context.Context, episode json.RawMessage) error

	// SearchChunks runs a vector similarity search over the chunk table and
	// returns up to k results scoring at or above minScore.
	SearchChunks(ctx context.Context, embedding []float32, k int, minScore float64) ([]ChunkResult, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close()
}
