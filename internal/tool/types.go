package tool

import (
	"context"
	"encoding/json"
)

// Tool is the unified interface for everything the agent can invoke: the
// fixed core tools and the adapters wrapping discovered MCP tools.
type Tool interface {
	// Name returns the identifier the model uses to invoke the tool.
	Name() string

	// Description returns a natural-language description for the model.
	Description() string

	// InputSchema returns a JSON Schema for the tool's parameters.
	InputSchema() json.RawMessage

	// Execute runs the tool with JSON-encoded arguments. Tool-level
	// failures go into Result.Error; a non-nil error means the tool could
	// not run at all.
	Execute(ctx context.Context, args json.RawMessage) (Result, error)

	// Core reports whether this is an always-available tool, exempt from
	// breakers and from the classifier's server selection.
	Core() bool

	// RequiresInternet marks tools that are dropped while offline.
	RequiresInternet() bool
}

// Result is a tool execution outcome.
type Result struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// SchemaParam describes one parameter for the BuildSchema helper.
type SchemaParam struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"` // "string", "integer", "boolean", "number"
	Description string   `json:"description"`
	Required    bool     `json:"-"`
	Enum        []string `json:"enum,omitempty"`
}

// BuildSchema generates a JSON Schema object from a list of SchemaParams so
// core tools do not hand-write JSON strings.
func BuildSchema(params ...SchemaParam) json.RawMessage {
	properties := make(map[string]any)
	var required []string

	for _, p := range params {
		prop := map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}

	data, _ := json.Marshal(schema)
	return data
}
