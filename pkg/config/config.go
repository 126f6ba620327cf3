// Package config loads the application configuration from the routegate
// config directory and the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	AnthropicAPIKey string
	OpenAIAPIKey    string
	GoogleAPIKey    string
	DeepSeekAPIKey  string

	Server  ServerConfig
	Routing RoutingConfig

	ConfigDir string
}

// ServerConfig tunes the HTTP server.
type ServerConfig struct {
	ListenAddr   string `yaml:"listen_addr"`
	MetricsAddr  string `yaml:"metrics_addr,omitempty"`
	TraceEntries int    `yaml:"trace_entries,omitempty"`
}

// RoutingConfig tunes the routing engine.
type RoutingConfig struct {
	// CatalogPath points at the candidate manifest file.
	CatalogPath string `yaml:"catalog_path"`
	// RefreshSeconds is the manifest reload interval.
	RefreshSeconds int `yaml:"refresh_seconds,omitempty"`
	// PolicyPath points at the operator policy file, watched for changes.
	PolicyPath string `yaml:"policy_path,omitempty"`
	// DefaultTimeoutMs is the per-attempt timeout for requests without a
	// deadline.
	DefaultTimeoutMs int `yaml:"default_timeout_ms,omitempty"`
	// MaxFallbackDepth bounds how many candidates one request may try.
	MaxFallbackDepth int `yaml:"max_fallback_depth,omitempty"`
}

// FileConfig represents the structure of ~/.routegate/config.yaml
type FileConfig struct {
	APIKeys APIKeysConfig `yaml:"api_keys"`
	Server  ServerConfig  `yaml:"server"`
	Routing RoutingConfig `yaml:"routing"`
}

// APIKeysConfig holds API key configuration from file.
type APIKeysConfig struct {
	Anthropic string `yaml:"anthropic"`
	OpenAI    string `yaml:"openai"`
	Google    string `yaml:"google"`
	DeepSeek  string `yaml:"deepseek"`
}

const (
	defaultListenAddr     = ":8080"
	defaultTraceEntries   = 1024
	defaultRefreshSeconds = 30
	defaultTimeoutMs      = 30_000
)

// Load reads configuration from the config directory and environment
// variables. Environment variables take precedence over file values.
func Load() (*Config, error) {
	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}
	return LoadFile(filepath.Join(configDir, "config.yaml"))
}

// LoadFile reads configuration from a specific file. A missing file is
// not an error; defaults and environment variables apply.
func LoadFile(path string) (*Config, error) {
	fileConfig := loadFileConfig(path)

	cfg := &Config{
		AnthropicAPIKey: getEnvOrDefault("ANTHROPIC_API_KEY", fileConfig.APIKeys.Anthropic),
		OpenAIAPIKey:    getEnvOrDefault("OPENAI_API_KEY", fileConfig.APIKeys.OpenAI),
		GoogleAPIKey:    getEnvOrDefault("GOOGLE_API_KEY", fileConfig.APIKeys.Google),
		DeepSeekAPIKey:  getEnvOrDefault("DEEPSEEK_API_KEY", fileConfig.APIKeys.DeepSeek),
		Server:          fileConfig.Server,
		Routing:         fileConfig.Routing,
		ConfigDir:       filepath.Dir(path),
	}
	cfg.applyDefaults()

	if cfg.Routing.CatalogPath == "" {
		candidate := filepath.Join(cfg.ConfigDir, "catalog.yaml")
		if _, err := os.Stat(candidate); err == nil {
			cfg.Routing.CatalogPath = candidate
		}
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = defaultListenAddr
	}
	if c.Server.TraceEntries <= 0 {
		c.Server.TraceEntries = defaultTraceEntries
	}
	if c.Routing.RefreshSeconds <= 0 {
		c.Routing.RefreshSeconds = defaultRefreshSeconds
	}
	if c.Routing.DefaultTimeoutMs <= 0 {
		c.Routing.DefaultTimeoutMs = defaultTimeoutMs
	}
}

// HasAdapter returns true if the API key for the given adapter is
// configured. The mock adapter is always available.
func (c *Config) HasAdapter(name string) bool {
	switch name {
	case "anthropic":
		return c.AnthropicAPIKey != ""
	case "openai":
		return c.OpenAIAPIKey != ""
	case "google":
		return c.GoogleAPIKey != ""
	case "deepseek":
		return c.DeepSeekAPIKey != ""
	case "mock":
		return true
	default:
		return false
	}
}

// loadFileConfig reads the config file, returning empty config if not found.
func loadFileConfig(path string) *FileConfig {
	cfg := &FileConfig{}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}

	_ = yaml.Unmarshal(data, cfg)
	return cfg
}

// getEnvOrDefault returns the environment variable value if set,
// otherwise returns the default value.
func getEnvOrDefault(envVar, defaultValue string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return defaultValue
}

func getConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	configDir := filepath.Join(home, ".routegate")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", err
	}
	return configDir, nil
}
