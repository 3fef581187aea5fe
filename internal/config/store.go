// Package config implements the configuration store: a merged key/value view
// over the durable store, runtime overrides, and disk snapshots, with the
// authority chain db > ram > disk on every read.
//
// Disk snapshots are the tracked files: config/*.yaml, .env, and
// config/mcp_manifests/*.json. Reconciliation is mtime-gated with a content
// hash fallback so unchanged files are skipped cheaply.
package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/halcyonlabs/halcyon/internal/store"
)

// FileKind selects the parser for a tracked file.
type FileKind int

const (
	KindYAML FileKind = iota
	KindDotEnv
	KindJSONManifest
)

type trackedFile struct {
	path   string
	kind   FileKind
	mtime  time.Time
	hash   string
	keys   map[string]bool // keys this file contributed on its last good parse
	broken bool            // last parse failed; previous values stay authoritative
}

// Store is the C2 configuration component. Safe for concurrent use; readers
// get copy-on-write snapshots, writers swap under the mutex.
type Store struct {
	mu      sync.RWMutex
	db      store.Store       // durable mirror; nil or failing ⇒ degraded
	dbUp    bool              // whether the db layer is trusted
	dbVals  map[string]string // authority layer 1
	ramVals map[string]string // authority layer 2: runtime Set while db is down
	disk    map[string]string // authority layer 3: merged file contents
	secrets map[string]bool   // keys sourced from .env
	files   []*trackedFile
	errs    []string // reconciliation errors from the last SyncAll
}

// NewStore creates a store over the given durable backend (may be the
// in-memory fallback). Tracked files are registered with Track before the
// first SyncAll.
func NewStore(db store.Store) *Store {
	return &Store{
		db:      db,
		dbUp:    db != nil,
		dbVals:  make(map[string]string),
		ramVals: make(map[string]string),
		disk:    make(map[string]string),
		secrets: make(map[string]bool),
	}
}

// SetDB swaps the durable backend, e.g. after the database recovers.
func (s *Store) SetDB(db store.Store, up bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.db = db
	s.dbUp = up && db != nil
}

// Track registers a file for reconciliation. Unknown extensions are ignored
// with a warning.
func (s *Store) Track(path string, kind FileKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.files {
		if f.path == path {
			return
		}
	}
	s.files = append(s.files, &trackedFile{path: path, kind: kind, keys: make(map[string]bool)})
}

// TrackGlob registers every existing match of pattern.
func (s *Store) TrackGlob(pattern string, kind FileKind) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		log.Printf("[Config] Bad glob %q: %v", pattern, err)
		return
	}
	for _, m := range matches {
		s.Track(m, kind)
	}
}

// Get resolves key through the authority chain: db > ram > disk.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.dbVals[key]; ok {
		return v, true
	}
	if v, ok := s.ramVals[key]; ok {
		return v, true
	}
	v, ok := s.disk[key]
	return v, ok
}

// GetDefault resolves key or returns def when absent.
func (s *Store) GetDefault(key, def string) string {
	if v, ok := s.Get(key); ok {
		return v
	}
	return def
}

// Set writes key. The durable store is updated first; on success the value
// also lands in the db layer, otherwise it stays in ram. Keys originating
// from .env are additionally patched back to disk in place.
func (s *Store) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	db, dbUp := s.db, s.dbUp
	s.mu.Unlock()

	wroteDB := false
	if dbUp {
		if err := db.UpsertConfig(ctx, key, value); err != nil {
			log.Printf("[Config] WARNING: db write for %q failed, keeping value in RAM: %v", key, err)
		} else {
			wroteDB = true
		}
	}

	s.mu.Lock()
	if wroteDB {
		s.dbVals[key] = value
		delete(s.ramVals, key)
	} else {
		s.ramVals[key] = value
	}
	isSecret := s.secrets[key]
	s.mu.Unlock()

	if isSecret {
		if err := s.patchDotEnv(key, value); err != nil {
			log.Printf("[Config] WARNING: .env patch for %q failed: %v", key, err)
		}
	}
	return nil
}

// Snapshot returns a merged copy of the full configuration with the
// authority chain applied. Callers may keep the map; it is theirs.
func (s *Store) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.disk)+len(s.ramVals)+len(s.dbVals))
	for k, v := range s.disk {
		out[k] = v
	}
	for k, v := range s.ramVals {
		out[k] = v
	}
	for k, v := range s.dbVals {
		out[k] = v
	}
	return out
}

// AtomicSwap replaces every disk-layer key under `section.` with the new map
// in one step. Readers observe either the old or the new section, never a mix.
func (s *Store) AtomicSwap(section string, values map[string]string) {
	prefix := section + "."
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]string, len(s.disk))
	for k, v := range s.disk {
		if !strings.HasPrefix(k, prefix) {
			next[k] = v
		}
	}
	for k, v := range values {
		next[prefix+k] = v
	}
	s.disk = next
}

// Errors returns the reconciliation errors recorded by the last SyncAll.
func (s *Store) Errors() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.errs...)
}

// SyncAll reconciles every tracked file and mirrors parsed values into the
// durable store. Parse failures skip the offending file and keep previous
// values authoritative. Returns the number of files whose contents changed.
func (s *Store) SyncAll(ctx context.Context) int {
	s.mu.Lock()
	files := append([]*trackedFile(nil), s.files...)
	s.mu.Unlock()

	changed := 0
	var errs []string
	for _, f := range files {
		didChange, err := s.syncFile(ctx, f)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", f.path, err))
			log.Printf("[Config] Reconcile error for %s: %v", f.path, err)
			continue
		}
		if didChange {
			changed++
		}
	}

	s.mu.Lock()
	s.errs = errs
	s.mu.Unlock()

	if changed == 0 && len(errs) == 0 {
		log.Printf("[Config] reload_ok (no changes across %d files)", len(files))
	} else {
		log.Printf("[Config] Reconciled %d/%d files (%d errors)", changed, len(files), len(errs))
	}
	return changed
}

// syncFile applies the four-step reconciliation: mtime fast path, hash
// comparison, parse+merge, db upsert.
func (s *Store) syncFile(ctx context.Context, f *trackedFile) (bool, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		return false, fmt.Errorf("stat: %w", err)
	}

	s.mu.RLock()
	prevMtime, prevHash := f.mtime, f.hash
	s.mu.RUnlock()

	if !f.broken && info.ModTime().Equal(prevMtime) && !prevMtime.IsZero() {
		return false, nil // fast path
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return false, fmt.Errorf("read: %w", err)
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	if !f.broken && hash == prevHash && prevHash != "" {
		s.mu.Lock()
		f.mtime = info.ModTime()
		s.mu.Unlock()
		return false, nil // touched but unchanged
	}

	values, err := parseFile(f.kind, f.path, data)
	if err != nil {
		s.mu.Lock()
		f.broken = true
		s.mu.Unlock()
		return false, fmt.Errorf("parse: %w", err)
	}

	// Merge: drop keys this file no longer provides, then apply new values.
	s.mu.Lock()
	for k := range f.keys {
		if _, still := values[k]; !still {
			delete(s.disk, k)
		}
	}
	f.keys = make(map[string]bool, len(values))
	for k, v := range values {
		s.disk[k] = v
		f.keys[k] = true
		if f.kind == KindDotEnv {
			s.secrets[k] = true
		}
	}
	f.mtime = info.ModTime()
	f.hash = hash
	f.broken = false
	db, dbUp := s.db, s.dbUp
	s.mu.Unlock()

	if dbUp {
		for k, v := range values {
			if err := db.UpsertConfig(ctx, k, v); err != nil {
				log.Printf("[Config] WARNING: db mirror for %q failed: %v", k, err)
				break
			}
			s.mu.Lock()
			s.dbVals[k] = v
			s.mu.Unlock()
		}
	}
	return true, nil
}

// parseFile dispatches on kind and returns a flat key/value map.
func parseFile(kind FileKind, path string, data []byte) (map[string]string, error) {
	switch kind {
	case KindYAML:
		var root map[string]any
		if err := yaml.Unmarshal(data, &root); err != nil {
			return nil, err
		}
		out := make(map[string]string)
		flattenInto(out, "", root)
		return out, nil

	case KindDotEnv:
		return parseDotEnv(data), nil

	case KindJSONManifest:
		// Manifests are stored whole under a key derived from the file name:
		// config/mcp_manifests/fs.json → mcp_manifest.fs
		var probe any
		if err := json.Unmarshal(data, &probe); err != nil {
			return nil, err
		}
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		return map[string]string{"mcp_manifest." + name: string(data)}, nil
	}
	return nil, fmt.Errorf("unknown file kind %d", kind)
}

// flattenInto flattens nested YAML maps with dot-joined keys. Lists are
// re-encoded as JSON so round-trips stay lossless.
func flattenInto(out map[string]string, prefix string, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			flattenInto(out, p, t[k])
		}
	case []any:
		raw, _ := json.Marshal(t)
		out[prefix] = string(raw)
	default:
		out[prefix] = fmt.Sprint(t)
	}
}

// parseDotEnv reads KEY=VALUE lines, skipping comments and blanks. Values may
// be quoted; surrounding quotes are stripped.
func parseDotEnv(data []byte) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		val = strings.Trim(val, `"'`)
		out[key] = val
	}
	return out
}

// patchDotEnv rewrites a single KEY=... line in the tracked .env file,
// preserving every other line including comments. A missing key is appended.
func (s *Store) patchDotEnv(key, value string) error {
	s.mu.RLock()
	var envPath string
	for _, f := range s.files {
		if f.kind == KindDotEnv {
			envPath = f.path
			break
		}
	}
	s.mu.RUnlock()
	if envPath == "" {
		return fmt.Errorf("no tracked .env file")
	}

	data, err := os.ReadFile(envPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", envPath, err)
	}

	re := regexp.MustCompile(`(?m)^` + regexp.QuoteMeta(key) + `=.*$`)
	replacement := key + "=" + value
	var next string
	if re.Match(data) {
		next = re.ReplaceAllString(string(data), replacement)
	} else {
		next = strings.TrimRight(string(data), "\n") + "\n" + replacement + "\n"
	}

	if err := os.WriteFile(envPath, []byte(next), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", envPath, err)
	}

	// Keep the tracked hash in step so the next SyncAll takes the fast path.
	sum := sha256.Sum256([]byte(next))
	info, statErr := os.Stat(envPath)
	s.mu.Lock()
	for _, f := range s.files {
		if f.path == envPath {
			f.hash = hex.EncodeToString(sum[:])
			if statErr == nil {
				f.mtime = info.ModTime()
			}
			f.keys[key] = true
		}
	}
	s.disk[key] = value
	s.mu.Unlock()
	return nil
}
