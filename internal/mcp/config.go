package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Transport selects how a server is reached.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
	TransportSSE   Transport = "sse"
	TransportWS    Transport = "ws"
	TransportUnix  Transport = "unix"
)

var nameRE = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ServerConfig describes a single MCP server. One manifest file per server
// lives under config/mcp_manifests/; the Name field defaults to the file name.
type ServerConfig struct {
	Name      string    `json:"name,omitempty"`
	Transport Transport `json:"transport"`

	// stdio
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`

	// http / sse / ws
	URL         string            `json:"url,omitempty"`
	QueryParams map[string]string `json:"query_params,omitempty"`
	Token       string            `json:"token,omitempty"`

	// unix
	UDSPath  string `json:"uds_path,omitempty"`
	HTTPPath string `json:"http_path,omitempty"`

	// Enabled defaults to true when absent.
	Enabled *bool `json:"enabled,omitempty"`

	// ToolTimeouts overrides the per-call timeout (seconds) for named tools.
	ToolTimeouts map[string]float64 `json:"tool_timeouts,omitempty"`

	// MaxConcurrency narrows the per-server call permit. 0 = unbounded.
	MaxConcurrency int `json:"max_concurrency,omitempty"`

	// RequiresInternet marks servers whose tools are dropped when offline.
	RequiresInternet bool `json:"requires_internet,omitempty"`
}

// IsEnabled reports whether the server should be connected at all.
func (c ServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Validate checks the fields required by the configured transport.
func (c ServerConfig) Validate() error {
	if !nameRE.MatchString(c.Name) {
		return fmt.Errorf("mcp: invalid server name %q", c.Name)
	}
	switch c.Transport {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("mcp: server %q: stdio transport requires command", c.Name)
		}
	case TransportHTTP, TransportSSE, TransportWS:
		if c.URL == "" {
			return fmt.Errorf("mcp: server %q: %s transport requires url", c.Name, c.Transport)
		}
	case TransportUnix:
		if c.UDSPath == "" {
			return fmt.Errorf("mcp: server %q: unix transport requires uds_path", c.Name)
		}
	default:
		return fmt.Errorf("mcp: server %q: unknown transport %q", c.Name, c.Transport)
	}
	return nil
}

// resolveToken returns the effective bearer token: the per-server environment
// override MCP_TOKEN_<UPPERCASE_NAME> wins over the manifest value.
func (c ServerConfig) resolveToken() string {
	envKey := "MCP_TOKEN_" + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(c.Name))
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return c.Token
}

// LoadManifests reads every *.json manifest under dir. A broken manifest is
// skipped with its error collected; good servers still load.
func LoadManifests(dir string) (map[string]ServerConfig, []error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, []error{fmt.Errorf("mcp: glob manifests: %w", err)}
	}

	out := make(map[string]ServerConfig)
	var errs []error
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("mcp: read manifest %s: %w", path, err))
			continue
		}
		var cfg ServerConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			errs = append(errs, fmt.Errorf("mcp: parse manifest %s: %w", path, err))
			continue
		}
		if cfg.Name == "" {
			cfg.Name = strings.TrimSuffix(filepath.Base(path), ".json")
		}
		if err := cfg.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		out[cfg.Name] = cfg
	}
	return out, errs
}
