package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Schema is the DDL for all durable tables. Applied on connect; every
// statement is idempotent.
const Schema = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS config_state (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS mcp_server (
    name       TEXT PRIMARY KEY,
    manifest   JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS fact (
    key        TEXT PRIMARY KEY,
    value      JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS episode (
    id         BIGSERIAL PRIMARY KEY,
    body       JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS chunk (
    id         TEXT PRIMARY KEY,
    text       TEXT NOT NULL,
    embedding  vector(768),
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_fact_updated ON fact(updated_at DESC);
`

// Postgres is the durable store implementation on a pgx connection pool.
// All operations are safe for concurrent use.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects to dsn, registers pgvector types on every connection,
// applies the schema, and verifies connectivity with a ping.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) UpsertConfig(ctx context.Context, key, value string) error {
	const q = `
		INSERT INTO config_state (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	if _, err := s.pool.Exec(ctx, q, key, value); err != nil {
		return fmt.Errorf("store: upsert config %q: %w", key, err)
	}
	return nil
}

func (s *Postgres) GetConfig(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM config_state WHERE key = $1`, key).Scan(&value)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get config %q: %w", key, err)
	}
	return value, true, nil
}

func (s *Postgres) AllConfig(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM config_state`)
	if err != nil {
		return nil, fmt.Errorf("store: all config: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("store: scan config row: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *Postgres) UpsertServer(ctx context.Context, name string, manifest json.RawMessage) error {
	const q = `
		INSERT INTO mcp_server (name, manifest, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET manifest = EXCLUDED.manifest, updated_at = now()`
	if _, err := s.pool.Exec(ctx, q, name, manifest); err != nil {
		return fmt.Errorf("store: upsert server %q: %w", name, err)
	}
	return nil
}

func (s *Postgres) UpsertFact(ctx context.Context, key string, value json.RawMessage) error {
	const q = `
		INSERT INTO fact (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	if _, err := s.pool.Exec(ctx, q, key, value); err != nil {
		return fmt.Errorf("store: upsert fact %q: %w", key, err)
	}
	return nil
}

func (s *Postgres) QueryFacts(ctx context.Context, predicate string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT key, value, updated_at FROM fact
		WHERE key LIKE $1
		ORDER BY updated_at DESC
		LIMIT $2`
	rows, err := s.pool.Query(ctx, q, predicate, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query facts: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var updated time.Time
		if err := rows.Scan(&e.Key, &e.Value, &updated); err != nil {
			return nil, fmt.Errorf("store: scan fact row: %w", err)
		}
		e.UpdatedAt = updated
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Postgres) AppendEpisode(ctx context.Context, episode json.RawMessage) error {
	if _, err := s.pool.Exec(ctx, `INSERT INTO episode (body) VALUES ($1)`, episode); err != nil {
		return fmt.Errorf("store: append episode: %w", err)
	}
	return nil
}

func (s *Postgres) SearchChunks(ctx context.Context, embedding []float32, k int, minScore float64) ([]ChunkResult, error) {
	if k <= 0 {
		k = 5
	}
	// Cosine distance d is in [0,2]; score = 1 - d maps to [-1,1] with 1 as
	// an exact match. The confidence threshold filters on that score.
	const q = `
		SELECT id, text, 1 - (embedding <=> $1) AS score
		FROM chunk
		WHERE embedding IS NOT NULL
		ORDER BY embedding <=> $1
		LIMIT $2`
	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), k)
	if err != nil {
		return nil, fmt.Errorf("store: search chunks: %w", err)
	}
	defer rows.Close()

	var out []ChunkResult
	for rows.Next() {
		var r ChunkResult
		if err := rows.Scan(&r.ID, &r.Text, &r.Score); err != nil {
			return nil, fmt.Errorf("store: scan chunk row: %w", err)
		}
		if r.Score >= minScore {
			out = append(out, r)
		}
	}
	return out, rows.Err()
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) Close() {
	s.pool.Close()
}
