package tool

import (
	"context"
	"encoding/json"
	"log"

	"github.com/halcyonlabs/halcyon/internal/mcp"
)

// MCPTool adapts one discovered MCP tool to the Tool interface. All calls go
// through the connection manager, which owns breakers, retries and the
// output cap.
type MCPTool struct {
	manager     *mcp.Manager
	server      string
	tool        string
	description string
	schema      json.RawMessage
	requiresNet bool
}

var _ Tool = (*MCPTool)(nil)

func (t *MCPTool) Name() string                 { return mcp.ExternalToolName(t.server, t.tool) }
func (t *MCPTool) Description() string          { return t.description }
func (t *MCPTool) InputSchema() json.RawMessage { return t.schema }
func (t *MCPTool) Core() bool                   { return false }
func (t *MCPTool) RequiresInternet() bool       { return t.requiresNet }

func (t *MCPTool) Execute(ctx context.Context, args json.RawMessage) (Result, error) {
	var decoded map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &decoded); err != nil {
			return Result{Error: "invalid tool arguments: " + err.Error()}, nil
		}
	}
	out, isErr, err := t.manager.CallTool(ctx, t.server, t.tool, decoded)
	if err != nil {
		return Result{}, err
	}
	if isErr {
		return Result{Error: out}, nil
	}
	return Result{Output: out}, nil
}

// SyncMCP refreshes the registry from the manager's discovery caches. Each
// server's tools are swapped atomically; a server whose discovery fails
// keeps its previously registered tools.
func SyncMCP(ctx context.Context, mgr *mcp.Manager, reg *Registry) {
	SyncServers(ctx, mgr, reg, mgr.ServerNames())
}

// SyncServers is SyncMCP restricted to the named servers. Boot uses it to
// warm discovery for network transports without spawning stdio subprocesses.
func SyncServers(ctx context.Context, mgr *mcp.Manager, reg *Registry, servers []string) {
	for _, server := range servers {
		tools, err := mgr.Tools(ctx, server)
		if err != nil {
			log.Printf("[Registry] Discovery failed for %s, keeping previous tools: %v", server, err)
			continue
		}
		cfg, _ := mgr.ServerConfig(server)

		adapted := make([]Tool, 0, len(tools))
		for _, t := range tools {
			adapted = append(adapted, &MCPTool{
				manager:     mgr,
				server:      server,
				tool:        t.Name,
				description: t.Description,
				schema:      t.InputSchema,
				requiresNet: cfg.RequiresInternet,
			})
		}
		reg.ReplaceServer(server, adapted)
	}
}
