package maitre

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/halcyonlabs/halcyon/internal/llm"
)

type fakeCaller struct {
	reply string
	err   error
	calls int
}

func (f *fakeCaller) Chat(_ context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	f.calls++
	if f.err != nil {
		return llm.ChatResponse{}, f.err
	}
	return llm.ChatResponse{Message: llm.Message{Role: llm.RoleAssistant, Content: f.reply}}, nil
}

func userMsg(text string) []llm.Message {
	return []llm.Message{{Role: llm.RoleUser, Content: text}}
}

func TestTriggers_FirstMatchWinsWithoutModelCall(t *testing.T) {
	caller := &fakeCaller{reply: `{"target_servers":["fs"]}`}
	c := NewClassifier(caller, "classifier-model", DefaultTriggers(), nil)

	d := c.Classify(context.Background(), userMsg("help"), []string{"fs"})
	if d.SystemAction != "help" || d.Source != "trigger" {
		t.Fatalf("decision = %+v", d)
	}
	if caller.calls != 0 {
		t.Errorf("trigger path must not call the model (calls = %d)", caller.calls)
	}
}

func TestTriggerMatchKinds(t *testing.T) {
	tests := []struct {
		trigger Trigger
		input   string
		want    bool
	}{
		{Trigger{Pattern: "restart", Kind: MatchExact}, "restart", true},
		{Trigger{Pattern: "restart", Kind: MatchExact}, "  Restart  ", true},
		{Trigger{Pattern: "restart", Kind: MatchExact}, "restart now", false},
		{Trigger{Pattern: "what time", Kind: MatchPrefix}, "what time is it", true},
		{Trigger{Pattern: "what time", Kind: MatchPrefix}, "tell me what time", false},
		{Trigger{Pattern: "the news", Kind: MatchContainsPhrase}, "show me the news today", true},
		{Trigger{Pattern: "the news", Kind: MatchContainsPhrase}, "newspaper", false},
	}
	for _, tt := range tests {
		if got := tt.trigger.Matches(tt.input); got != tt.want {
			t.Errorf("Matches(%q, %q/%s) = %v, want %v", tt.trigger.Pattern, tt.input, tt.trigger.Kind, got, tt.want)
		}
	}
}

func TestTriggersFromConfig(t *testing.T) {
	snapshot := map[string]string{
		"maitre.trigger.10-news.pattern": "the news",
		"maitre.trigger.10-news.match":   "contains_phrase",
		"maitre.trigger.10-news.action":  "tool_call",
		"maitre.trigger.10-news.payload": "search, fetch",

		"maitre.trigger.20-menu.pattern": "menu",
		"maitre.trigger.20-menu.match":   "exact",
		"maitre.trigger.20-menu.action":  "menu",
		"maitre.trigger.20-menu.payload": "help",

		"maitre.trigger.30-bad.pattern": "whatever",
		"maitre.trigger.30-bad.match":   "regex", // unsupported, skipped

		"maitre.trigger.40-nopattern.match": "exact",

		"unrelated.key": "x",
	}

	got := TriggersFromConfig(snapshot)
	if len(got) != 2 {
		t.Fatalf("triggers = %+v, want 2", got)
	}
	if got[0].Pattern != "the news" || got[0].Action != ActionToolCall {
		t.Errorf("first trigger = %+v", got[0])
	}
	d := got[0].decision()
	if len(d.TargetServers) != 2 || d.TargetServers[0] != "search" || d.TargetServers[1] != "fetch" {
		t.Errorf("tool_call decision = %+v", d)
	}
	if d := got[1].decision(); d.SystemAction != "help" {
		t.Errorf("menu decision = %+v", d)
	}
}

func TestClassify_TriggerSourceOverridesDefaults(t *testing.T) {
	caller := &fakeCaller{reply: `{"target_servers":[]}`}
	c := NewClassifier(caller, "classifier-model", DefaultTriggers(), nil)
	c.TriggerSource = func() []Trigger {
		return TriggersFromConfig(map[string]string{
			"maitre.trigger.brief.pattern": "briefing",
			"maitre.trigger.brief.match":   "prefix",
			"maitre.trigger.brief.action":  "tool_call",
			"maitre.trigger.brief.payload": "search",
		})
	}

	d := c.Classify(context.Background(), userMsg("briefing please"), []string{"search"})
	if d.Source != "trigger" || len(d.TargetServers) != 1 || d.TargetServers[0] != "search" {
		t.Fatalf("decision = %+v, want config trigger match", d)
	}
	if caller.calls != 0 {
		t.Errorf("trigger path must not call the model (calls = %d)", caller.calls)
	}

	// The default "help" trigger still applies when the source is empty.
	c.TriggerSource = func() []Trigger { return nil }
	if d := c.Classify(context.Background(), userMsg("help"), nil); d.SystemAction != "help" {
		t.Fatalf("decision = %+v, want builtin help trigger", d)
	}
}

func TestClassify_ModelDecisionFilteredToKnownServers(t *testing.T) {
	caller := &fakeCaller{reply: "Sure: ```json\n{\"target_servers\":[\"fs\",\"ghost\"],\"advice_topics\":[\"backups\"]}\n```"}
	c := NewClassifier(caller, "classifier-model", nil, nil)

	d := c.Classify(context.Background(), userMsg("list my files"), []string{"fs", "search"})
	if len(d.TargetServers) != 1 || d.TargetServers[0] != "fs" {
		t.Fatalf("servers = %v, want unknown names discarded", d.TargetServers)
	}
	if len(d.AdviceTopics) != 1 || d.AdviceTopics[0] != "backups" {
		t.Errorf("topics = %v", d.AdviceTopics)
	}
	if d.Source != "model" {
		t.Errorf("source = %q", d.Source)
	}
}

func TestClassify_ModelFailureFallsBack(t *testing.T) {
	caller := &fakeCaller{err: errors.New("engine down")}
	c := NewClassifier(caller, "classifier-model", nil, nil)

	// Fallback matches server names mentioned in the query.
	d := c.Classify(context.Background(), userMsg("ask the search server about go"), []string{"fs", "search"})
	if len(d.TargetServers) != 1 || d.TargetServers[0] != "search" {
		t.Fatalf("fallback servers = %v", d.TargetServers)
	}
	if d.Source != "fallback" {
		t.Errorf("source = %q", d.Source)
	}

	// Nothing matches: core tools only.
	d = c.Classify(context.Background(), userMsg("hello there"), []string{"fs"})
	if len(d.TargetServers) != 0 {
		t.Fatalf("fallback servers = %v, want none", d.TargetServers)
	}
}

func TestClassify_InvalidSystemActionDropped(t *testing.T) {
	d, err := parseDecision(`{"system_action":"rm -rf"}`)
	if err != nil {
		t.Fatal(err)
	}
	if d.SystemAction != "" {
		t.Fatalf("system_action = %q, want dropped", d.SystemAction)
	}
}

func TestJournal_RecallScoring(t *testing.T) {
	j := NewJournal(filepath.Join(t.TempDir(), "journal.json"))
	base := time.Now()
	j.now = func() time.Time { return base }

	if err := j.RecordSuccess("search the web for go generics", "search"); err != nil {
		t.Fatal(err)
	}
	if err := j.RecordSuccess("read the config file", "fs"); err != nil {
		t.Fatal(err)
	}

	got := j.Recall("search the web for rust generics")
	if len(got) == 0 || got[0] != "search" {
		t.Fatalf("Recall = %v, want search first", got)
	}

	// A month later the decay term pushes the score below threshold.
	j.now = func() time.Time { return base.Add(30 * 24 * time.Hour) }
	if got := j.Recall("search the web for rust generics"); len(got) != 0 {
		t.Fatalf("Recall after 30 days = %v, want none", got)
	}
}

func TestJournal_PersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.json")
	j := NewJournal(path)
	if err := j.RecordSuccess("find my notes", "fs"); err != nil {
		t.Fatal(err)
	}

	reloaded := NewJournal(path)
	if reloaded.Len() != 1 {
		t.Fatalf("reloaded Len = %d, want 1", reloaded.Len())
	}
	if got := reloaded.Recall("find my notes"); len(got) != 1 || got[0] != "fs" {
		t.Fatalf("Recall = %v", got)
	}
}

func TestJournal_OverflowKeepsNewest(t *testing.T) {
	j := NewJournal(filepath.Join(t.TempDir(), "journal.json"))
	j.mu.Lock()
	for i := 0; i < journalMaxEntries; i++ {
		j.entries = append(j.entries, journalEntry{Query: fmt.Sprintf("query %d", i), Server: "fs", At: time.Now()})
	}
	j.mu.Unlock()

	if err := j.RecordSuccess("the newest query", "search"); err != nil {
		t.Fatal(err)
	}

	want := int(float64(journalMaxEntries) * journalKeepRatio)
	if j.Len() != want {
		t.Fatalf("Len after trim = %d, want %d", j.Len(), want)
	}
	j.mu.Lock()
	last := j.entries[len(j.entries)-1]
	j.mu.Unlock()
	if last.Server != "search" {
		t.Fatalf("newest entry lost in trim: %+v", last)
	}
}

func TestDiceBigram(t *testing.T) {
	if diceBigram("night", "night") != 1 {
		t.Error("identical strings must score 1")
	}
	if diceBigram("night", "nacht") <= 0 {
		t.Error("similar strings must score above 0")
	}
	if diceBigram("abc", "xyz") != 0 {
		t.Error("disjoint strings must score 0")
	}
}
