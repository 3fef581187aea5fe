package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/halcyonlabs/halcyon/internal/store"
	"github.com/halcyonlabs/halcyon/internal/tool"
)

// MemoryQueryTool looks up remembered facts by key predicate. When the
// durable store is down the tool reports a degraded result instead of
// failing the whole agent step.
type MemoryQueryTool struct {
	store store.Store
}

func NewMemoryQueryTool(s store.Store) *MemoryQueryTool {
	return &MemoryQueryTool{store: s}
}

func (t *MemoryQueryTool) Name() string { return "memory_query" }
func (t *MemoryQueryTool) Description() string {
	return "Search remembered facts and preferences by keyword"
}
func (t *MemoryQueryTool) Core() bool             { return true }
func (t *MemoryQueryTool) RequiresInternet() bool { return false }

func (t *MemoryQueryTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(
		tool.SchemaParam{Name: "query", Type: "string", Description: "Keyword to match against fact keys", Required: true},
		tool.SchemaParam{Name: "limit", Type: "integer", Description: "Maximum results (default 10)", Required: false},
	)
}

type memoryQueryArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (t *MemoryQueryTool) Execute(ctx context.Context, args json.RawMessage) (tool.Result, error) {
	var a memoryQueryArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return tool.Result{Error: fmt.Sprintf("invalid arguments: %v", err)}, nil
	}
	if a.Query == "" {
		return tool.Result{Error: "query is required"}, nil
	}
	if a.Limit <= 0 {
		a.Limit = 10
	}

	entries, err := t.store.QueryFacts(ctx, "%"+a.Query+"%", a.Limit)
	if err != nil {
		return tool.Result{Error: "memory is currently unavailable"}, nil
	}
	if len(entries) == 0 {
		return tool.Result{Output: "no matching facts"}, nil
	}

	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "%s: %s\n", e.Key, string(e.Value))
	}
	return tool.Result{Output: strings.TrimRight(sb.String(), "\n")}, nil
}
