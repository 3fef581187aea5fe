package tool

import (
	"context"
	"encoding/json"
	"testing"
)

type stubTool struct {
	name string
	core bool
	net  bool
}

func (s *stubTool) Name() string                 { return s.name }
func (s *stubTool) Description() string          { return "stub" }
func (s *stubTool) InputSchema() json.RawMessage { return BuildSchema() }
func (s *stubTool) Core() bool                   { return s.core }
func (s *stubTool) RequiresInternet() bool       { return s.net }
func (s *stubTool) Execute(context.Context, json.RawMessage) (Result, error) {
	return Result{Output: "ok"}, nil
}

func TestForServers_FiltersMCPToolsKeepsCore(t *testing.T) {
	root := NewRegistry()
	root.Register(&stubTool{name: "get_time", core: true})
	root.Register(&stubTool{name: "mcp__fs__read_file"})
	root.Register(&stubTool{name: "mcp__search__query", net: true})

	view := root.ForServers([]string{"fs"})

	if _, ok := view.Get("mcp__fs__read_file"); !ok {
		t.Error("selected server's tool must be visible")
	}
	if _, ok := view.Get("mcp__search__query"); ok {
		t.Error("unselected server's tool leaked through the view")
	}
	if _, ok := view.Get("get_time"); !ok {
		t.Error("core tools must always be visible")
	}
	if got := len(view.List()); got != 2 {
		t.Errorf("List() = %d tools, want 2", got)
	}
}

func TestView_SeesRootChanges(t *testing.T) {
	root := NewRegistry()
	root.Register(&stubTool{name: "mcp__fs__read_file"})
	view := root.ForServers([]string{"fs"})

	root.ReplaceServer("fs", []Tool{
		&stubTool{name: "mcp__fs__read_file"},
		&stubTool{name: "mcp__fs__list_dir"},
	})
	if _, ok := view.Get("mcp__fs__list_dir"); !ok {
		t.Error("view must see tools registered after its creation")
	}

	root.ReplaceServer("fs", nil)
	if _, ok := view.Get("mcp__fs__read_file"); ok {
		t.Error("view must not see tools removed from the root")
	}
}

func TestReplaceServer_LeavesOtherServersAlone(t *testing.T) {
	root := NewRegistry()
	root.Register(&stubTool{name: "mcp__fs__read_file"})
	root.Register(&stubTool{name: "mcp__search__query"})

	root.ReplaceServer("fs", []Tool{&stubTool{name: "mcp__fs__stat"}})

	if _, ok := root.Get("mcp__fs__read_file"); ok {
		t.Error("old fs tool survived replacement")
	}
	if _, ok := root.Get("mcp__fs__stat"); !ok {
		t.Error("new fs tool missing")
	}
	if _, ok := root.Get("mcp__search__query"); !ok {
		t.Error("unrelated server's tool was removed")
	}
}

func TestDefinitions_OfflineDropsInternetTools(t *testing.T) {
	root := NewRegistry()
	root.Register(&stubTool{name: "get_time", core: true})
	root.Register(&stubTool{name: "mcp__search__query", net: true})

	if got := len(root.Definitions(true)); got != 2 {
		t.Fatalf("online Definitions = %d, want 2", got)
	}
	defs := root.Definitions(false)
	if len(defs) != 1 || defs[0].Name != "get_time" {
		t.Fatalf("offline Definitions = %+v, want only get_time", defs)
	}
}

func TestWithExtra_OverlaysAndChains(t *testing.T) {
	root := NewRegistry()
	root.Register(&stubTool{name: "a"})

	view := root.WithExtra(&stubTool{name: "b"}).WithExtra(&stubTool{name: "c"})
	for _, name := range []string{"a", "b", "c"} {
		if _, ok := view.Get(name); !ok {
			t.Errorf("tool %q not visible through chained views", name)
		}
	}
}
