package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/halcyonlabs/halcyon/internal/store"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSyncAll_ParsesYAMLAndDotEnv(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "gateway.yaml")
	envPath := filepath.Join(dir, ".env")
	writeFile(t, yamlPath, "gateway:\n  port: 8090\n  providers:\n    - openai\n    - anthropic\n")
	writeFile(t, envPath, "# secrets\nAGENT_MODEL=phi-local\nOPENAI_API_KEY=sk-test\n")

	s := NewStore(store.NewMemory())
	s.Track(yamlPath, KindYAML)
	s.Track(envPath, KindDotEnv)

	if changed := s.SyncAll(context.Background()); changed != 2 {
		t.Fatalf("SyncAll() = %d changed, want 2", changed)
	}

	if v, _ := s.Get("gateway.port"); v != "8090" {
		t.Errorf("gateway.port = %q, want 8090", v)
	}
	if v, _ := s.Get("gateway.providers"); v != `["openai","anthropic"]` {
		t.Errorf("gateway.providers = %q", v)
	}
	if v, _ := s.Get("AGENT_MODEL"); v != "phi-local" {
		t.Errorf("AGENT_MODEL = %q, want phi-local", v)
	}
}

func TestSyncAll_MirrorsToDurableStore(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	writeFile(t, envPath, "AGENT_MODEL=foo\n")

	mem := store.NewMemory()
	s := NewStore(mem)
	s.Track(envPath, KindDotEnv)
	s.SyncAll(context.Background())

	v, ok, err := mem.GetConfig(context.Background(), "AGENT_MODEL")
	if err != nil || !ok || v != "foo" {
		t.Fatalf("db mirror = (%q, %v, %v), want (foo, true, nil)", v, ok, err)
	}
}

func TestSyncAll_UnchangedFileIsNoOp(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	writeFile(t, envPath, "KEY=1\n")

	s := NewStore(store.NewMemory())
	s.Track(envPath, KindDotEnv)
	if changed := s.SyncAll(context.Background()); changed != 1 {
		t.Fatalf("first SyncAll() = %d, want 1", changed)
	}
	if changed := s.SyncAll(context.Background()); changed != 0 {
		t.Fatalf("second SyncAll() = %d, want 0 (reload on unchanged config must be a no-op)", changed)
	}

	// Touch without content change: hash comparison must detect no-op.
	now := time.Now().Add(time.Second)
	if err := os.Chtimes(envPath, now, now); err != nil {
		t.Fatal(err)
	}
	if changed := s.SyncAll(context.Background()); changed != 0 {
		t.Fatalf("SyncAll() after touch = %d, want 0", changed)
	}
}

func TestSyncAll_ParseFailureKeepsPreviousValues(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "gateway.yaml")
	writeFile(t, yamlPath, "port: 8090\n")

	s := NewStore(store.NewMemory())
	s.Track(yamlPath, KindYAML)
	s.SyncAll(context.Background())

	writeFile(t, yamlPath, "port: [unclosed\n")
	s.SyncAll(context.Background())

	if v, ok := s.Get("port"); !ok || v != "8090" {
		t.Fatalf("port = (%q, %v), want previous value 8090 after parse failure", v, ok)
	}
	if errs := s.Errors(); len(errs) != 1 {
		t.Fatalf("Errors() = %v, want one recorded parse error", errs)
	}

	// Fixing the file recovers even though mtime may not move again.
	writeFile(t, yamlPath, "port: 9000\n")
	s.SyncAll(context.Background())
	if v, _ := s.Get("port"); v != "9000" {
		t.Fatalf("port = %q after fix, want 9000", v)
	}
}

func TestAuthorityChain_DBOverRAMOverDisk(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	writeFile(t, envPath, "MODEL=disk\n")

	mem := store.NewMemory()
	s := NewStore(mem)
	s.Track(envPath, KindDotEnv)
	s.SyncAll(context.Background())

	// Set writes db first; db layer must win over disk.
	if err := s.Set(context.Background(), "MODEL", "db"); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.Get("MODEL"); v != "db" {
		t.Fatalf("Get(MODEL) = %q, want db (authority chain)", v)
	}

	// With the db down, a Set lands in RAM, which still beats disk.
	s.SetDB(nil, false)
	if err := s.Set(context.Background(), "OTHER", "ram"); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.Get("OTHER"); v != "ram" {
		t.Fatalf("Get(OTHER) = %q, want ram", v)
	}
}

func TestSet_ReadYourWrite(t *testing.T) {
	s := NewStore(store.NewMemory())
	if err := s.Set(context.Background(), "AGENT_MODEL", "foo"); err != nil {
		t.Fatal(err)
	}
	if v, ok := s.Get("AGENT_MODEL"); !ok || v != "foo" {
		t.Fatalf("Get after Set = (%q, %v), want (foo, true)", v, ok)
	}
}

func TestPatchDotEnv_PreservesComments(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	writeFile(t, envPath, "# primary model\nAGENT_MODEL=old\n# unrelated\nOTHER=1\n")

	s := NewStore(store.NewMemory())
	s.Track(envPath, KindDotEnv)
	s.SyncAll(context.Background())

	if err := s.Set(context.Background(), "AGENT_MODEL", "new"); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(envPath)
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	if !strings.Contains(text, "# primary model") || !strings.Contains(text, "# unrelated") {
		t.Fatalf("comments lost:\n%s", text)
	}
	if !strings.Contains(text, "AGENT_MODEL=new") {
		t.Fatalf("value not patched:\n%s", text)
	}
	if strings.Contains(text, "AGENT_MODEL=old") {
		t.Fatalf("old value still present:\n%s", text)
	}
}

func TestAtomicSwap_ReplacesSection(t *testing.T) {
	s := NewStore(store.NewMemory())
	s.mu.Lock()
	s.disk["providers.a"] = "1"
	s.disk["providers.b"] = "2"
	s.disk["other.key"] = "keep"
	s.mu.Unlock()

	s.AtomicSwap("providers", map[string]string{"c": "3"})

	if _, ok := s.Get("providers.a"); ok {
		t.Fatal("providers.a survived AtomicSwap")
	}
	if v, _ := s.Get("providers.c"); v != "3" {
		t.Fatalf("providers.c = %q, want 3", v)
	}
	if v, _ := s.Get("other.key"); v != "keep" {
		t.Fatalf("other.key = %q, want keep", v)
	}
}

func TestJSONManifestTracking(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "fs.json")
	writeFile(t, manifestPath, `{"transport":"stdio","command":"mcp-fs"}`)

	s := NewStore(store.NewMemory())
	s.Track(manifestPath, KindJSONManifest)
	s.SyncAll(context.Background())

	v, ok := s.Get("mcp_manifest.fs")
	if !ok || !strings.Contains(v, `"stdio"`) {
		t.Fatalf("manifest = (%q, %v)", v, ok)
	}
}
