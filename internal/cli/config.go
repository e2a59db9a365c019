package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const projectConfigName = ".waterfall.json"

// Config holds the runtime configuration for the waterfall server.
// It can be populated from CLI flags, config files, or both.
type Config struct {
	// Comment field for user documentation (ignored by the application)
	Comment string `json:"comment,omitempty"`

	// Span store capacity; the oldest spans are evicted beyond it
	TraceBufferSize int `json:"trace_buffer_size,omitempty"`

	// OTLP server configuration
	OTLPHost string `json:"otlp_host,omitempty"`
	OTLPPort int    `json:"otlp_port,omitempty"`

	// MCP transport configuration
	Transport      string   `json:"transport,omitempty"`       // "stdio" (default), "http" or "none"
	HTTPHost       string   `json:"http_host,omitempty"`       // HTTP server bind address
	HTTPPort       int      `json:"http_port,omitempty"`       // HTTP server port
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // Allowed Origin headers on the HTTP server
	Stateless      bool     `json:"stateless,omitempty"`       // Run HTTP transport in stateless mode

	// Web UI configuration
	WebUIPort int    `json:"webui_port,omitempty"` // 0 = use same port as HTTP (default)
	WebUIHost string `json:"webui_host,omitempty"` // default: 127.0.0.1

	// File sources
	WatchDirs  []string `json:"watch_dirs,omitempty"`  // Directories of *.json / *.jsonl trace files
	OtelConfig string   `json:"otel_config,omitempty"` // Collector config whose file exporters are watched
	ActiveOnly bool     `json:"active_only,omitempty"` // Skip rotated JSONL archives

	// Remote tracing API
	APIBaseURL string `json:"api_base_url,omitempty"`
	APIKey     string `json:"api_key,omitempty"`
	APITimeout string `json:"api_timeout,omitempty"` // e.g. "10s"

	// Rendering
	RenderWidth int `json:"render_width,omitempty"`

	// Logging configuration
	Verbose bool `json:"verbose,omitempty"`
}

// DefaultConfig returns a Config with sensible default values:
// 10,000 spans, localhost binding on an ephemeral OTLP port,
// stdio transport (or http on port 4380), 80 column rendering.
func DefaultConfig() *Config {
	return &Config{
		TraceBufferSize: 10_000,
		OTLPHost:        "127.0.0.1",
		OTLPPort:        0, // 0 means ephemeral port assignment
		Transport:       "stdio",
		HTTPHost:        "127.0.0.1",
		HTTPPort:        4380,
		AllowedOrigins:  []string{"http://localhost:*", "http://127.0.0.1:*"},
		Stateless:       false,
		WebUIPort:       0,
		WebUIHost:       "127.0.0.1",
		APITimeout:      "10s",
		RenderWidth:     80,
		Verbose:         false,
	}
}

// Validate checks values that flags and JSON cannot constrain.
func (c *Config) Validate() error {
	switch c.Transport {
	case "stdio", "http", "none":
	default:
		return fmt.Errorf("invalid transport %q: must be stdio, http or none", c.Transport)
	}
	if c.TraceBufferSize <= 0 {
		return fmt.Errorf("trace_buffer_size must be positive, got %d", c.TraceBufferSize)
	}
	for name, port := range map[string]int{"otlp_port": c.OTLPPort, "http_port": c.HTTPPort, "webui_port": c.WebUIPort} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%s %d out of range", name, port)
		}
	}
	if c.RenderWidth < 0 {
		return fmt.Errorf("render_width must be non-negative, got %d", c.RenderWidth)
	}
	if _, err := c.APITimeoutDuration(); err != nil {
		return err
	}
	return nil
}

// APITimeoutDuration parses APITimeout; empty means no client timeout.
func (c *Config) APITimeoutDuration() (time.Duration, error) {
	if c.APITimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.APITimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid api_timeout %q: %w", c.APITimeout, err)
	}
	return d, nil
}

// LoadConfigFromFile loads configuration from a JSON file at the given path.
// It returns an error if the file cannot be read or parsed.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return &config, nil
}

// FindProjectConfig searches for a .waterfall.json config file, starting in
// the current directory and walking up until a .git directory or the
// filesystem root.
func FindProjectConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	return findProjectConfigFrom(dir)
}

func findProjectConfigFrom(dir string) (string, error) {
	for {
		configPath := filepath.Join(dir, projectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		// Stop at the repo root even if no config was found
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			break
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", os.ErrNotExist
}

// GlobalConfigPath returns the path to the global config file,
// ~/.config/waterfall/config.json.
func GlobalConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "waterfall", "config.json")
}

// MergeConfigs merges two configs with the overlay taking precedence.
// Fields set in overlay override corresponding fields in base.
// Returns a new Config with the merged values.
func MergeConfigs(base, overlay *Config) *Config {
	if base == nil {
		base = &Config{}
	}
	if overlay == nil {
		return base
	}

	merged := *base

	if overlay.OTLPHost != "" {
		merged.OTLPHost = overlay.OTLPHost
	}
	if overlay.OTLPPort != 0 {
		merged.OTLPPort = overlay.OTLPPort
	}
	if overlay.Verbose {
		merged.Verbose = overlay.Verbose
	}
	if overlay.TraceBufferSize > 0 {
		merged.TraceBufferSize = overlay.TraceBufferSize
	}

	// HTTP transport settings
	if overlay.Transport != "" {
		merged.Transport = overlay.Transport
	}
	if overlay.HTTPHost != "" {
		merged.HTTPHost = overlay.HTTPHost
	}
	if overlay.HTTPPort > 0 {
		merged.HTTPPort = overlay.HTTPPort
	}
	if len(overlay.AllowedOrigins) > 0 {
		merged.AllowedOrigins = overlay.AllowedOrigins
	}
	if overlay.Stateless {
		merged.Stateless = overlay.Stateless
	}

	// Web UI settings
	if overlay.WebUIPort > 0 {
		merged.WebUIPort = overlay.WebUIPort
	}
	if overlay.WebUIHost != "" {
		merged.WebUIHost = overlay.WebUIHost
	}

	// File sources accumulate across layers
	if len(overlay.WatchDirs) > 0 {
		merged.WatchDirs = appendUnique(append([]string(nil), base.WatchDirs...), overlay.WatchDirs...)
	}
	if overlay.OtelConfig != "" {
		merged.OtelConfig = overlay.OtelConfig
	}
	if overlay.ActiveOnly {
		merged.ActiveOnly = overlay.ActiveOnly
	}

	// Remote API
	if overlay.APIBaseURL != "" {
		merged.APIBaseURL = overlay.APIBaseURL
	}
	if overlay.APIKey != "" {
		merged.APIKey = overlay.APIKey
	}
	if overlay.APITimeout != "" {
		merged.APITimeout = overlay.APITimeout
	}

	if overlay.RenderWidth > 0 {
		merged.RenderWidth = overlay.RenderWidth
	}

	return &merged
}

func appendUnique(dst []string, items ...string) []string {
	seen := make(map[string]bool, len(dst))
	for _, d := range dst {
		seen[d] = true
	}
	for _, item := range items {
		if !seen[item] {
			seen[item] = true
			dst = append(dst, item)
		}
	}
	return dst
}

// LoadEffectiveConfig loads the effective configuration by merging:
// 1. Built-in defaults
// 2. Global config file (if exists)
// 3. Project config file (if exists), or the explicit configPath
// Later sources override earlier ones.
func LoadEffectiveConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	// Global config is optional; unreadable files are ignored
	if globalPath := GlobalConfigPath(); globalPath != "" {
		if globalCfg, err := LoadConfigFromFile(globalPath); err == nil {
			config = MergeConfigs(config, globalCfg)
		}
	}

	if configPath == "" {
		if projectPath, err := FindProjectConfig(); err == nil {
			projectCfg, err := LoadConfigFromFile(projectPath)
			if err != nil {
				return nil, fmt.Errorf("failed to load project config: %w", err)
			}
			config = MergeConfigs(config, projectCfg)
		}
	} else {
		explicitCfg, err := LoadConfigFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		config = MergeConfigs(config, explicitCfg)
	}

	return config, nil
}
