// Package config handles secretaryd configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./secretary.yaml, ~/.config/secretary/secretary.yaml,
// /etc/secretary/secretary.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"secretary.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "secretary", "secretary.yaml"))
	}

	paths = append(paths, "/etc/secretary/secretary.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all secretaryd configuration.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	Provider  ProviderConfig  `yaml:"provider"`
	Directory DirectoryConfig `yaml:"directory"`
	Engine    EngineConfig    `yaml:"engine"`
	Registry  RegistryConfig  `yaml:"registry"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// BrokerConfig defines the MQTT connection and topics for the inbound
// and outbound channels.
type BrokerConfig struct {
	URL           string `yaml:"url"` // e.g. mqtt://localhost:1883
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	InboundTopic  string `yaml:"inbound_topic"`  // default: secretary/inbound
	OutboundTopic string `yaml:"outbound_topic"` // default: secretary/outbound
	ClientID      string `yaml:"client_id"`
}

// ProviderConfig defines the language-model provider endpoint.
type ProviderConfig struct {
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`       // fallback when a secretary config names none
	TimeoutSec int    `yaml:"timeout_sec"` // per-request timeout (default 120)
}

// Timeout returns the per-request provider timeout.
func (p ProviderConfig) Timeout() time.Duration {
	if p.TimeoutSec <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(p.TimeoutSec) * time.Second
}

// DirectoryConfig defines the persistence/config collaborator service.
type DirectoryConfig struct {
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	TimeoutSec int    `yaml:"timeout_sec"` // default 15
}

// Timeout returns the per-request directory timeout.
func (d DirectoryConfig) Timeout() time.Duration {
	if d.TimeoutSec <= 0 {
		return 15 * time.Second
	}
	return time.Duration(d.TimeoutSec) * time.Second
}

// EngineConfig tunes the conversation state machine.
type EngineConfig struct {
	// MaxToolIterations caps the agent/tools loop per run (default 8).
	MaxToolIterations int `yaml:"max_tool_iterations"`
	// SummarizeRatio is the token-budget fraction that triggers
	// summarization (default 0.6, boundary inclusive).
	SummarizeRatio float64 `yaml:"summarize_ratio"`
	// SummarizeKeep is how many trailing messages survive summarization
	// untouched (default 3).
	SummarizeKeep int `yaml:"summarize_keep"`
	// MaxDelegateDepth bounds sub-agent delegation chains (default 2).
	MaxDelegateDepth int `yaml:"max_delegate_depth"`
}

// RegistryConfig tunes the secretary instance cache.
type RegistryConfig struct {
	// IdleTTLSec evicts a user's cached secretary after this many
	// seconds without a run (default 1800; negative disables eviction).
	IdleTTLSec int `yaml:"idle_ttl_sec"`
	// SweepIntervalSec is how often the eviction sweep runs (default 300).
	SweepIntervalSec int `yaml:"sweep_interval_sec"`
}

// IdleTTL returns the cache idle TTL. Zero means use the default;
// a negative configured value disables eviction entirely.
func (r RegistryConfig) IdleTTL() time.Duration {
	if r.IdleTTLSec == 0 {
		return 30 * time.Minute
	}
	if r.IdleTTLSec < 0 {
		return 0
	}
	return time.Duration(r.IdleTTLSec) * time.Second
}

// SweepInterval returns the eviction sweep cadence.
func (r RegistryConfig) SweepInterval() time.Duration {
	if r.SweepIntervalSec <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(r.SweepIntervalSec) * time.Second
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables so secrets can live outside the file.
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			URL:           "mqtt://localhost:1883",
			InboundTopic:  "secretary/inbound",
			OutboundTopic: "secretary/outbound",
		},
		Provider: ProviderConfig{
			Model: "gpt-4o-mini",
		},
		Engine: EngineConfig{
			MaxToolIterations: 8,
			SummarizeRatio:    0.6,
			SummarizeKeep:     3,
			MaxDelegateDepth:  2,
		},
		DataDir: ".",
	}
}
