// Package config provides configuration loading and management for Gauntlet.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
)

// ControllerConfig defines one named controller profile: how decisions are
// produced for a run.
type ControllerConfig struct {
	Kind              string  `toml:"kind"`                // "llm", "human", or "replay"
	BaseURL           string  `toml:"base_url"`            // OpenAI-compatible endpoint ("" = api.openai.com)
	Model             string  `toml:"model"`               // Model name sent in requests
	APIKeyEnv         string  `toml:"api_key_env"`         // Env var holding the API key
	Temperature       float64 `toml:"temperature"`         // Sampling temperature
	MaxParseRetries   int     `toml:"max_parse_retries"`   // Corrective turns before giving up on a malformed reply
	RequestTimeout    int     `toml:"request_timeout"`     // Per-request timeout in seconds
	RequestsPerMinute int     `toml:"requests_per_minute"` // Client-side rate limit (0 = unlimited)
}

// DefaultControllers provides built-in controller profiles.
var DefaultControllers = map[string]ControllerConfig{
	"openai": {
		Kind:      "llm",
		Model:     "gpt-4o",
		APIKeyEnv: "OPENAI_API_KEY",
	},
	"local": {
		// vLLM-style local server; key falls back to "EMPTY" when unset.
		Kind:    "llm",
		BaseURL: "http://localhost:8000/v1",
		Model:   "Qwen/Qwen2.5-72B-Instruct",
	},
	"human": {
		Kind: "human",
	},
}

// Config holds all configuration for Gauntlet.
type Config struct {
	Harness     HarnessConfig               `toml:"harness"`
	Docker      DockerConfig                `toml:"docker"`
	Sandbox     SandboxConfig               `toml:"sandbox"`
	Controllers map[string]ControllerConfig `toml:"controllers"`
	Batch       BatchConfig                 `toml:"batch"`
}

// HarnessConfig contains harness-wide settings.
type HarnessConfig struct {
	SessionDir     string `toml:"session_dir"`     // Per-run session artifacts
	ResultsDir     string `toml:"results_dir"`     // Batch result aggregation
	MaxIterations  int    `toml:"max_iterations"`  // Iteration budget when the task sets none
	DefaultTimeout int    `toml:"default_timeout"` // Per-task wall clock in seconds
	LogFile        string `toml:"log_file"`        // Optional JSON log file (fanned out alongside stderr)
}

// DockerConfig contains container provisioning settings.
type DockerConfig struct {
	DefaultImage    string `toml:"default_image"`    // Image when the task declares none
	ContainerPrefix string `toml:"container_prefix"` // Name/label prefix for owned containers
	AutoPull        bool   `toml:"auto_pull"`        // Pull missing images
}

// SandboxConfig contains sandbox transport settings. Retry and polling
// counts are deliberately policy, not constants.
type SandboxConfig struct {
	InternalPort        int    `toml:"internal_port"`         // Port the sandbox listens on inside the container
	HostPortBase        int    `toml:"host_port_base"`        // First host port; batch slots count up from here
	HealthPath          string `toml:"health_path"`           // Readiness endpoint
	ReadyTimeout        int    `toml:"ready_timeout"`         // Seconds to wait for readiness
	PollInterval        int    `toml:"poll_interval"`         // Seconds between readiness polls
	RequestTimeout      int    `toml:"request_timeout"`       // Per-action request timeout in seconds
	MaxTransportRetries int    `toml:"max_transport_retries"` // Consecutive transport failures before escalating
	RetryBackoff        int    `toml:"retry_backoff"`         // Initial backoff in seconds (doubles, capped)
}

// BatchConfig contains batch scheduling settings.
type BatchConfig struct {
	Parallel int `toml:"parallel"` // Concurrent task runners
}

// Default configuration values.
var Default = Config{
	Harness: HarnessConfig{
		SessionDir:     "./sessions",
		ResultsDir:     "./results",
		MaxIterations:  10,
		DefaultTimeout: 600,
	},
	Docker: DockerConfig{
		DefaultImage:    "ghcr.io/lemon07r/gauntlet-sandbox:latest",
		ContainerPrefix: "gauntlet",
		AutoPull:        true,
	},
	Sandbox: SandboxConfig{
		InternalPort:        8080,
		HostPortBase:        18080,
		HealthPath:          "/v1/sandbox",
		ReadyTimeout:        180,
		PollInterval:        2,
		RequestTimeout:      60,
		MaxTransportRetries: 3,
		RetryBackoff:        2,
	},
	Batch: BatchConfig{
		Parallel: 2,
	},
}

// configPaths returns the list of paths to search for config files.
func configPaths() []string {
	paths := []string{"./gauntlet.toml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".gauntlet.toml"))
		paths = append(paths, filepath.Join(home, ".config", "gauntlet", "config.toml"))
	}

	return paths
}

// Load loads configuration from a file or discovers it automatically.
// If configFile is empty, it searches standard locations.
// Returns default config if no file is found.
func Load(configFile string) (*Config, error) {
	cfg := Default // Start with defaults

	var path string
	if configFile != "" {
		path = configFile
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	} else {
		for _, p := range configPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	if path == "" {
		return &cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	// Ensure critical fields aren't zeroed out by partial config
	if cfg.Harness.SessionDir == "" {
		cfg.Harness.SessionDir = Default.Harness.SessionDir
	}
	if cfg.Harness.ResultsDir == "" {
		cfg.Harness.ResultsDir = Default.Harness.ResultsDir
	}
	if cfg.Harness.MaxIterations <= 0 {
		cfg.Harness.MaxIterations = Default.Harness.MaxIterations
	}
	if cfg.Harness.DefaultTimeout <= 0 {
		cfg.Harness.DefaultTimeout = Default.Harness.DefaultTimeout
	}
	if cfg.Docker.DefaultImage == "" {
		cfg.Docker.DefaultImage = Default.Docker.DefaultImage
	}
	if cfg.Docker.ContainerPrefix == "" {
		cfg.Docker.ContainerPrefix = Default.Docker.ContainerPrefix
	}
	if cfg.Sandbox.InternalPort <= 0 {
		cfg.Sandbox.InternalPort = Default.Sandbox.InternalPort
	}
	if cfg.Sandbox.HostPortBase <= 0 {
		cfg.Sandbox.HostPortBase = Default.Sandbox.HostPortBase
	}
	if cfg.Sandbox.HealthPath == "" {
		cfg.Sandbox.HealthPath = Default.Sandbox.HealthPath
	}
	if cfg.Sandbox.ReadyTimeout <= 0 {
		cfg.Sandbox.ReadyTimeout = Default.Sandbox.ReadyTimeout
	}
	if cfg.Sandbox.PollInterval <= 0 {
		cfg.Sandbox.PollInterval = Default.Sandbox.PollInterval
	}
	if cfg.Sandbox.RequestTimeout <= 0 {
		cfg.Sandbox.RequestTimeout = Default.Sandbox.RequestTimeout
	}
	if cfg.Sandbox.MaxTransportRetries <= 0 {
		cfg.Sandbox.MaxTransportRetries = Default.Sandbox.MaxTransportRetries
	}
	if cfg.Sandbox.RetryBackoff <= 0 {
		cfg.Sandbox.RetryBackoff = Default.Sandbox.RetryBackoff
	}
	if cfg.Batch.Parallel <= 0 {
		cfg.Batch.Parallel = Default.Batch.Parallel
	}

	return &cfg, nil
}

// Controller returns the controller profile for the given name.
// User-configured profiles take precedence over built-in defaults.
// Returns nil if the profile is not found.
func (c *Config) Controller(name string) *ControllerConfig {
	if c.Controllers != nil {
		if ctl, ok := c.Controllers[name]; ok {
			return &ctl
		}
	}
	if ctl, ok := DefaultControllers[name]; ok {
		return &ctl
	}
	return nil
}

// ListControllers returns all available controller names (built-in +
// user-configured), sorted.
func (c *Config) ListControllers() []string {
	seen := make(map[string]bool)
	var names []string

	for name := range c.Controllers {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for name := range DefaultControllers {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	sort.Strings(names)

	return names
}
