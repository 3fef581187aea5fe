// Package app assembles the platform: an ordered boot sequence with
// per-phase degrade flags, and shutdown in reverse. A phase that fails
// records why and the boot continues; only an unusable ingress aborts.
package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/halcyonlabs/halcyon/internal/agent"
	"github.com/halcyonlabs/halcyon/internal/breaker"
	"github.com/halcyonlabs/halcyon/internal/config"
	"github.com/halcyonlabs/halcyon/internal/httpx"
	"github.com/halcyonlabs/halcyon/internal/maitre"
	"github.com/halcyonlabs/halcyon/internal/mcp"
	"github.com/halcyonlabs/halcyon/internal/provider"
	"github.com/halcyonlabs/halcyon/internal/router"
	"github.com/halcyonlabs/halcyon/internal/sched"
	"github.com/halcyonlabs/halcyon/internal/store"
	"github.com/halcyonlabs/halcyon/internal/tool"
	"github.com/halcyonlabs/halcyon/internal/tool/builtin"
	"github.com/halcyonlabs/halcyon/internal/track"
)

// Settings come from the environment (after .env loading) and the CLI.
type Settings struct {
	Addr         string
	DataDir      string
	WorkspaceDir string
	ManifestDir  string
	ConfigGlob   string
	DatabaseURL  string
	AuthToken    string

	AgentModel    string
	FallbackModel string

	MaxConcurrency int
	AsyncMode      bool
	PrewarmStdio   bool
}

// SettingsFromEnv reads the standard environment knobs with defaults fit
// for a local single-user install.
func SettingsFromEnv() Settings {
	s := Settings{
		Addr:          envDefault("HALCYON_ADDR", ":8080"),
		DataDir:       envDefault("HALCYON_DATA_DIR", "data"),
		WorkspaceDir:  envDefault("WORKSPACE_DIR", ""),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		AuthToken:     os.Getenv("HALCYON_AUTH_TOKEN"),
		AgentModel:    os.Getenv("AGENT_MODEL"),
		FallbackModel: os.Getenv("FALLBACK_MODEL"),
		AsyncMode:     os.Getenv("ASYNC_MODE") == "true",
		PrewarmStdio:  os.Getenv("MCP_PREWARM") == "true",
	}
	if s.WorkspaceDir == "" {
		s.WorkspaceDir, _ = os.Getwd()
	}
	s.ManifestDir = envDefault("MCP_MANIFEST_DIR", filepath.Join(s.DataDir, "mcp"))
	s.ConfigGlob = envDefault("HALCYON_CONFIG_GLOB", filepath.Join(s.DataDir, "config", "*.yaml"))
	// 0 leaves the router's global gate unbounded.
	if v := os.Getenv("MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.MaxConcurrency = n
		}
	}
	return s
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// App holds every long-lived component in boot order.
type App struct {
	settings Settings

	tracker   *track.Tracker
	breakers  *breaker.Registry
	pool      *httpx.Pool
	db        store.Store
	cfg       *config.Store
	providers *provider.Registry
	manager   *mcp.Manager
	tools     *tool.Registry
	journal   *maitre.Journal
	runner    *agent.Runner
	scheduler *sched.Scheduler
	router    *router.Router

	online    atomic.Bool
	asyncMode atomic.Bool

	mu       sync.Mutex
	degraded []string
}

// New builds an unbooted app.
func New(s Settings) *App {
	return &App{settings: s}
}

func (a *App) degrade(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.degraded {
		if r == reason {
			return
		}
	}
	a.degraded = append(a.degraded, reason)
	log.Printf("[App] DEGRADED: %s", reason)
}

// DegradedReasons returns the current degrade flags.
func (a *App) DegradedReasons() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.degraded...)
}

// Run boots all phases, serves until ctx is cancelled, then shuts down in
// reverse order.
func (a *App) Run(ctx context.Context) error {
	bootCtx, cancelBoot := context.WithTimeout(ctx, 2*time.Minute)
	defer cancelBoot()

	// Phase 0: runtime validation.
	if err := a.validateRuntime(); err != nil {
		return fmt.Errorf("app: runtime validation: %w", err)
	}

	// Phase 1: state init.
	a.tracker = track.New()
	a.breakers = breaker.NewRegistry(func(e breaker.Event) {
		log.Printf("[Breaker] %s: %s -> %s (%s)", e.Key, e.From, e.To, e.Reason)
	})
	a.pool = httpx.New(httpx.Options{})
	a.online.Store(true)
	a.asyncMode.Store(a.settings.AsyncMode)

	// Phase 2: durable store connect.
	a.connectStore(bootCtx)

	// Phase 3: config reconciliation.
	a.cfg = config.NewStore(a.db)
	if env := config.EnvFilePath(); env != "" {
		a.cfg.Track(env, config.KindDotEnv)
	}
	a.cfg.TrackGlob(a.settings.ConfigGlob, config.KindYAML)
	a.cfg.TrackGlob(filepath.Join(a.settings.ManifestDir, "*.json"), config.KindJSONManifest)
	if n := a.cfg.SyncAll(bootCtx); n > 0 {
		log.Printf("[App] Config reconciled, %d keys changed", n)
	}
	for _, e := range a.cfg.Errors() {
		log.Printf("[App] WARNING: config: %s", e)
	}
	if w, err := config.NewWatcher(a.cfg); err != nil {
		log.Printf("[App] WARNING: config watcher disabled: %v", err)
	} else {
		go w.Run(ctx)
	}

	// Phase 4: provider registry.
	a.providers = provider.NewRegistry()
	a.providers.Load(a.cfg.Snapshot(), a.pool.Client())
	if a.providers.Native() == nil {
		a.degrade("no_local_engine")
	}

	// Phase 5: MCP discovery. Network transports are warmed; stdio servers
	// spawn lazily on first use unless pre-warm is on.
	a.tools = tool.NewRegistry()
	a.registerBuiltinTools()
	a.bootMCP(bootCtx)

	// Phase 6: scheduler.
	a.runner = agent.NewRunner(a.tracker)
	a.scheduler = sched.New(a.breakers, a.tracker)
	schedDeps := sched.Deps{
		Tracker:    a.tracker,
		Breakers:   a.breakers,
		Manager:    a.manager,
		Providers:  a.providers,
		Tools:      a.tools,
		Online:     &a.online,
		HTTPClient: a.pool.Client(),
	}
	sched.RegisterBuiltins(a.scheduler, schedDeps)
	go a.scheduler.Start(ctx)

	// Phase 7: external probes, once, so ingress opens with a fresh view.
	if err := sched.ProbeInternet(bootCtx, schedDeps); err != nil {
		log.Printf("[App] WARNING: internet probe: %v", err)
	}
	if err := sched.ProbeHealth(bootCtx, schedDeps); err != nil {
		log.Printf("[App] WARNING: health probe: %v", err)
		a.degrade("engine_unreachable")
	}

	// Phase 8: open ingress.
	a.router = router.New(a.routerOptions())
	log.Printf("[App] Boot complete, degraded_reasons=%v", a.DegradedReasons())
	err := a.router.Start(ctx, a.settings.Addr)

	a.shutdown()
	return err
}

func (a *App) validateRuntime() error {
	for _, dir := range []string{a.settings.DataDir, a.settings.ManifestDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if info, err := os.Stat(a.settings.WorkspaceDir); err != nil || !info.IsDir() {
		return fmt.Errorf("workspace %q is not a directory", a.settings.WorkspaceDir)
	}
	return nil
}

// connectStore tries the database five times with exponential backoff, then
// falls back to the in-memory store with a degrade flag. Config reads then
// rely on the disk snapshot.
func (a *App) connectStore(ctx context.Context) {
	if a.settings.DatabaseURL == "" {
		log.Println("[App] No DATABASE_URL, using in-memory store")
		a.db = store.NewMemory()
		a.degrade("memory")
		return
	}
	backoff := time.Second
	for attempt := 1; attempt <= 5; attempt++ {
		db, err := store.NewPostgres(ctx, a.settings.DatabaseURL)
		if err == nil {
			a.db = db
			log.Println("[App] Durable store connected")
			return
		}
		log.Printf("[App] Store connect attempt %d/5 failed: %v", attempt, err)
		select {
		case <-ctx.Done():
			attempt = 5
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	a.db = store.NewMemory()
	a.degrade("memory")
}

func (a *App) registerBuiltinTools() {
	a.tools.Register(builtin.NewTimeTool())
	a.tools.Register(builtin.NewFileReadTool(a.settings.WorkspaceDir))
	a.tools.Register(builtin.NewFileListTool(a.settings.WorkspaceDir))
	a.tools.Register(builtin.NewMemoryQueryTool(a.db))
}

func (a *App) bootMCP(ctx context.Context) {
	cfgs, errs := mcp.LoadManifests(a.settings.ManifestDir)
	for _, e := range errs {
		log.Printf("[App] WARNING: manifest: %v", e)
		a.degrade("mcp_manifest")
	}
	a.manager = mcp.NewManager(cfgs, a.breakers, a.tracker, a.pool.Client(), 0)
	if len(cfgs) == 0 {
		return
	}

	warm := make([]string, 0, len(cfgs))
	for name, cfg := range cfgs {
		if cfg.Transport != mcp.TransportStdio || a.settings.PrewarmStdio {
			warm = append(warm, name)
		}
	}
	discoverCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	tool.SyncServers(discoverCtx, a.manager, a.tools, warm)
	log.Printf("[App] MCP: %d servers configured, %d warmed", len(cfgs), len(warm))
}

func (a *App) routerOptions() router.Options {
	journalPath := filepath.Join(a.settings.DataDir, "journal.json")
	a.journal = maitre.NewJournal(journalPath)

	var classifier *maitre.Classifier
	if native := a.providers.Native(); native != nil {
		model := a.cfg.GetDefault("maitre.model", a.settings.AgentModel)
		classifier = maitre.NewClassifier(native, model, maitre.DefaultTriggers(), a.journal)
		// Config-defined triggers win over the builtins and track reloads.
		classifier.TriggerSource = func() []maitre.Trigger {
			return maitre.TriggersFromConfig(a.cfg.Snapshot())
		}
	}

	return router.Options{
		Config:          a.cfg,
		Breakers:        a.breakers,
		Tracker:         a.tracker,
		Providers:       a.providers,
		Runner:          a.runner,
		Classifier:      classifier,
		Journal:         a.journal,
		Manager:         a.manager,
		Tools:           a.tools,
		HTTPClient:      a.pool.Client(),
		AuthToken:       a.settings.AuthToken,
		MaxConcurrency:  a.settings.MaxConcurrency,
		AgentModel:      a.settings.AgentModel,
		FallbackModel:   a.settings.FallbackModel,
		Online:          &a.online,
		AsyncMode:       a.asyncMode.Load,
		OnActivity:      func() { a.scheduler.NoteActivity() },
		DegradedReasons: a.DegradedReasons,
	}
}

// shutdown releases resources in reverse boot order. The router has already
// drained by the time this runs.
func (a *App) shutdown() {
	log.Println("[App] Shutting down...")
	if a.manager != nil {
		a.manager.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	log.Println("[App] Shutdown complete")
}
