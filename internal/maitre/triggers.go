// Package maitre selects which MCP servers a request should see. A cheap
// trigger pass handles common commands without a model call; everything else
// goes to a small-context classifier model, seasoned with recall hints from
// the learning journal.
package maitre

import (
	"sort"
	"strings"
)

// Decision is the classifier output consumed by the agent plane.
type Decision struct {
	TargetServers []string `json:"target_servers"`
	AdviceTopics  []string `json:"advice_topics"`
	SystemAction  string   `json:"system_action,omitempty"` // "help" | "restart" | ""

	// Source records which path produced the decision: "trigger", "model",
	// "recall" or "fallback". Observability only.
	Source string `json:"-"`
}

// MatchKind selects how a trigger pattern is compared.
type MatchKind string

const (
	MatchExact          MatchKind = "exact"
	MatchPrefix         MatchKind = "prefix"
	MatchContainsPhrase MatchKind = "contains_phrase"
)

// ActionKind selects what a matched trigger does.
type ActionKind string

const (
	// ActionToolCall routes to the servers named in the payload
	// (comma-separated); an empty payload leaves only the core tools.
	ActionToolCall ActionKind = "tool_call"

	// ActionUIControl and ActionMenu resolve to a local system action
	// ("help" or "restart") named in the payload.
	ActionUIControl ActionKind = "ui_control"
	ActionMenu      ActionKind = "menu"

	// ActionSystemPrompt injects the payload as an advice topic.
	ActionSystemPrompt ActionKind = "system_prompt"
)

// Trigger is one sovereign trigger. Triggers run in order before the
// classifier model; the first match wins.
type Trigger struct {
	Pattern string     `json:"pattern"`
	Kind    MatchKind  `json:"match_kind"`
	Action  ActionKind `json:"action_kind"`
	Payload string     `json:"action_payload,omitempty"`
}

// decision maps the trigger's action onto the classifier decision shape.
func (t Trigger) decision() Decision {
	d := Decision{Source: "trigger"}
	switch t.Action {
	case ActionToolCall:
		for _, s := range strings.Split(t.Payload, ",") {
			if s = strings.TrimSpace(s); s != "" {
				d.TargetServers = append(d.TargetServers, s)
			}
		}
	case ActionUIControl, ActionMenu:
		switch t.Payload {
		case "help", "restart":
			d.SystemAction = t.Payload
		}
	case ActionSystemPrompt:
		if t.Payload != "" {
			d.AdviceTopics = []string{t.Payload}
		}
	}
	return d
}

// Matches reports whether the trigger fires for the normalized input.
func (t Trigger) Matches(input string) bool {
	input = normalize(input)
	pattern := normalize(t.Pattern)
	switch t.Kind {
	case MatchExact:
		return input == pattern
	case MatchPrefix:
		return strings.HasPrefix(input, pattern)
	case MatchContainsPhrase:
		return strings.Contains(input, pattern)
	default:
		return false
	}
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// DefaultTriggers covers the local commands that should never cost a model
// call. Used when the config store defines no triggers of its own.
func DefaultTriggers() []Trigger {
	return []Trigger{
		{Pattern: "help", Kind: MatchExact, Action: ActionMenu, Payload: "help"},
		{Pattern: "/help", Kind: MatchExact, Action: ActionMenu, Payload: "help"},
		{Pattern: "restart", Kind: MatchExact, Action: ActionUIControl, Payload: "restart"},
		{Pattern: "what time", Kind: MatchPrefix, Action: ActionToolCall},
	}
}

// TriggersFromConfig reads triggers from a flattened config snapshot. Keys
// follow maitre.trigger.<name>.{pattern,match,action,payload}; entries
// without a pattern or with an unknown match kind are skipped. Triggers are
// ordered by name so config authors control precedence.
func TriggersFromConfig(snapshot map[string]string) []Trigger {
	const prefix = "maitre.trigger."
	byName := map[string]*Trigger{}
	for key, value := range snapshot {
		rest, ok := strings.CutPrefix(key, prefix)
		if !ok {
			continue
		}
		name, field, ok := strings.Cut(rest, ".")
		if !ok || name == "" {
			continue
		}
		t, ok := byName[name]
		if !ok {
			t = &Trigger{}
			byName[name] = t
		}
		switch field {
		case "pattern":
			t.Pattern = value
		case "match":
			t.Kind = MatchKind(value)
		case "action":
			t.Action = ActionKind(value)
		case "payload":
			t.Payload = value
		}
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []Trigger
	for _, name := range names {
		t := byName[name]
		if t.Pattern == "" {
			continue
		}
		switch t.Kind {
		case MatchExact, MatchPrefix, MatchContainsPhrase:
		default:
			continue
		}
		out = append(out, *t)
	}
	return out
}

// runTriggers returns the first matching trigger's decision.
func runTriggers(triggers []Trigger, input string) (Decision, bool) {
	for _, t := range triggers {
		if t.Matches(input) {
			return t.decision(), true
		}
	}
	return Decision{}, false
}
