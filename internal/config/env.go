package config

import (
	"log"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadEnv loads environment variables from a .env file and returns the path
// that was used, or "" when none was found.
//
// Search order (stops at the first file found):
//  1. Explicit paths passed as arguments (test use).
//  2. Walking up from the executable directory (up to 3 levels), so an
//     installed binary finds the project-root .env.
//  3. Current working directory, as a fallback for `go run ./cmd/halcyon`.
//
// When no .env exists anywhere the process continues on system env vars.
func LoadEnv(paths ...string) string {
	if len(paths) > 0 {
		if err := godotenv.Load(paths...); err != nil {
			log.Printf("[Config] No .env at specified path(s), using system environment")
			return ""
		}
		loadedEnvPath = paths[0]
		return paths[0]
	}

	for _, p := range envCandidates() {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			log.Printf("[Config] Failed to load .env from %s: %v", p, err)
			return ""
		}
		log.Printf("[Config] Loaded .env from %s", p)
		loadedEnvPath = p
		return p
	}

	log.Printf("[Config] No .env file found, using system environment")
	return ""
}

var loadedEnvPath string

// EnvFilePath returns the .env path LoadEnv settled on, or "" when the
// process runs on system environment variables only.
func EnvFilePath() string { return loadedEnvPath }

// envCandidates returns the ordered list of .env paths to probe.
func envCandidates() []string {
	var candidates []string
	seen := map[string]bool{}
	add := func(p string) {
		p = filepath.Clean(p)
		if !seen[p] {
			seen[p] = true
			candidates = append(candidates, p)
		}
	}

	if exe, err := os.Executable(); err == nil {
		if real, err := filepath.EvalSymlinks(exe); err == nil {
			exe = real
		}
		dir := filepath.Dir(exe)
		for i := 0; i <= 3; i++ {
			add(filepath.Join(dir, ".env"))
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	if cwd, err := os.Getwd(); err == nil {
		add(filepath.Join(cwd, ".env"))
	}
	return candidates
}
