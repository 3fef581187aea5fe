package maitre

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/halcyonlabs/halcyon/internal/llm"
	"github.com/halcyonlabs/halcyon/internal/util"
)

// ModelCaller is the slice of the provider surface the classifier needs.
type ModelCaller interface {
	Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error)
}

// Classifier decides which MCP servers a request should see. Decision order:
// sovereign triggers, then the classifier model (with recall hints), then a
// conservative fallback when the model is unusable.
type Classifier struct {
	caller   ModelCaller
	model    string
	triggers []Trigger
	journal  *Journal

	// TriggerSource, when set, supplies the live trigger list on every
	// classification so config edits take effect without a restart. The
	// constructor's list remains the fallback when it yields nothing.
	TriggerSource func() []Trigger

	// contextMessages is how many trailing conversation messages accompany
	// the latest user message.
	contextMessages int
}

// NewClassifier wires the classifier. journal may be nil (no recall hints).
func NewClassifier(caller ModelCaller, model string, triggers []Trigger, journal *Journal) *Classifier {
	return &Classifier{
		caller:          caller,
		model:           model,
		triggers:        triggers,
		journal:         journal,
		contextMessages: 3,
	}
}

// classifierPrompt encodes the selection constraints. The numbered rules are
// load-bearing: downstream behavior assumes the model was told exactly this.
const classifierPrompt = `You route user requests to tool servers. Respond with ONLY a JSON object:
{"target_servers": ["server", ...], "advice_topics": ["topic", ...], "system_action": "help"|"restart"|null}

Rules:
1. Never select ambient tool servers (time, location); those are always available.
3. Generic web requests (fetch a page, browse a site) select the fetch/browse server.
4. File verbs (read, list, open, save) select the filesystem server.
5. Admin verbs (configure, enable, disable) select the system/admin server.
6. When the request matches a known advice topic, add it to advice_topics.
7. Local verbs (help, prompt, restart, emoji) set system_action instead of servers.
9. News or headlines requests select the web search server.
10. "Breaking" or "current" phrasing selects the web search server.
11. Memory verbs (recall, remember, preferences) select the memory server.

Select only from the available servers listed below. Unknown names are discarded.`

// Classify produces a decision for the latest user message. known lists the
// currently available server names; the model may only pick from it.
func (c *Classifier) Classify(ctx context.Context, messages []llm.Message, known []string) Decision {
	latest := latestUserMessage(messages)
	if latest == "" {
		return Decision{Source: "fallback"}
	}

	triggers := c.triggers
	if c.TriggerSource != nil {
		if live := c.TriggerSource(); len(live) > 0 {
			triggers = live
		}
	}
	if d, ok := runTriggers(triggers, latest); ok {
		return d
	}

	var recall []string
	if c.journal != nil {
		recall = c.journal.Recall(latest)
	}

	d, err := c.callModel(ctx, messages, latest, known, recall)
	if err != nil {
		log.Printf("[Maitre] Classifier model failed, using fallback: %v", err)
		return fallbackDecision(latest, known, recall)
	}
	d.TargetServers = intersect(d.TargetServers, known)
	d.Source = "model"
	return d
}

func (c *Classifier) callModel(ctx context.Context, messages []llm.Message, latest string, known, recall []string) (Decision, error) {
	if c.caller == nil || c.model == "" {
		return Decision{}, fmt.Errorf("maitre: no classifier model configured")
	}

	var sb strings.Builder
	sb.WriteString(classifierPrompt)
	sb.WriteString("\n\nAvailable servers: ")
	sb.WriteString(strings.Join(known, ", "))
	if len(recall) > 0 {
		sb.WriteString("\nServers that handled similar past requests: ")
		sb.WriteString(strings.Join(recall, ", "))
	}

	// Bound each context message so one pasted document cannot blow up the
	// classifier prompt.
	ctxMsgs := tail(messages, c.contextMessages)
	trimmed := make([]llm.Message, 0, len(ctxMsgs)+1)
	trimmed = append(trimmed, llm.Message{Role: llm.RoleSystem, Content: sb.String()})
	for _, m := range ctxMsgs {
		m.Content = util.TruncateRunes(m.Content, 2000)
		trimmed = append(trimmed, m)
	}

	req := llm.ChatRequest{
		Model:    c.model,
		Messages: trimmed,
	}

	callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	resp, err := c.caller.Chat(callCtx, req)
	if err != nil {
		return Decision{}, err
	}
	return parseDecision(resp.Message.Content)
}

// parseDecision extracts the JSON decision, tolerating code fences and
// leading prose.
func parseDecision(content string) (Decision, error) {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end <= start {
		return Decision{}, fmt.Errorf("maitre: no JSON object in classifier output")
	}
	var d Decision
	if err := json.Unmarshal([]byte(content[start:end+1]), &d); err != nil {
		return Decision{}, fmt.Errorf("maitre: decode classifier output: %w", err)
	}
	switch d.SystemAction {
	case "", "help", "restart":
	default:
		d.SystemAction = ""
	}
	return d, nil
}

// fallbackDecision is used when the classifier model is unreachable: recall
// hints win; otherwise servers whose name literally appears in the query.
// An empty selection leaves the agent with the core tools only.
func fallbackDecision(latest string, known, recall []string) Decision {
	if len(recall) > 0 {
		return Decision{TargetServers: intersect(recall, known), Source: "recall"}
	}
	normalized := normalize(latest)
	var servers []string
	for _, name := range known {
		if strings.Contains(normalized, strings.ToLower(name)) {
			servers = append(servers, name)
		}
	}
	return Decision{TargetServers: servers, Source: "fallback"}
}

func latestUserMessage(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func tail(messages []llm.Message, n int) []llm.Message {
	if len(messages) <= n {
		return messages
	}
	return messages[len(messages)-n:]
}

func intersect(picked, known []string) []string {
	allowed := make(map[string]bool, len(known))
	for _, k := range known {
		allowed[k] = true
	}
	var out []string
	for _, p := range picked {
		if allowed[p] {
			out = append(out, p)
		}
	}
	return out
}
