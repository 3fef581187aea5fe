package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/halcyonlabs/halcyon/internal/tool"
)

// TimeTool returns the current time with optional timezone support. Always
// available; the classifier never routes to it explicitly.
type TimeTool struct{}

func NewTimeTool() *TimeTool { return &TimeTool{} }

func (t *TimeTool) Name() string           { return "get_time" }
func (t *TimeTool) Description() string    { return "Get the current date and time, optionally in a specific timezone" }
func (t *TimeTool) Core() bool             { return true }
func (t *TimeTool) RequiresInternet() bool { return false }

func (t *TimeTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(
		tool.SchemaParam{Name: "timezone", Type: "string", Description: "IANA timezone name, e.g. Europe/Berlin (optional)", Required: false},
	)
}

type timeArgs struct {
	Timezone string `json:"timezone"`
}

func (t *TimeTool) Execute(_ context.Context, args json.RawMessage) (tool.Result, error) {
	var a timeArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a); err != nil {
			return tool.Result{Error: fmt.Sprintf("invalid arguments: %v", err)}, nil
		}
	}

	now := time.Now()
	if a.Timezone != "" {
		loc, err := time.LoadLocation(a.Timezone)
		if err != nil {
			return tool.Result{Error: fmt.Sprintf("unknown timezone %q: %v", a.Timezone, err)}, nil
		}
		now = now.In(loc)
	}

	return tool.Result{Output: now.Format("2006-01-02 15:04:05 MST (Monday)")}, nil
}
