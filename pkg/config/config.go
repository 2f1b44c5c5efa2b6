package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// BackendConfig configures one analysis backend.
type BackendConfig struct {
	Name    string `yaml:"-"`
	Plugin  string `yaml:"plugin"`
	Trusted bool   `yaml:"trusted"`
	Weight  int    `yaml:"weight"`
	URL     string `yaml:"url"`
}

// BackendConfigs is an ordered set of backend configurations. YAML mappings
// lose ordering with the default decoder, so decoding walks the mapping node
// directly; backend order is significant for truth-value encoding.
type BackendConfigs []BackendConfig

// UnmarshalYAML decodes a mapping of name -> backend config, in file order.
func (b *BackendConfigs) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("analysis_backends must be a mapping")
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		var cfg BackendConfig
		if err := node.Content[i+1].Decode(&cfg); err != nil {
			return err
		}
		cfg.Name = node.Content[i].Value
		if cfg.Plugin == "" {
			cfg.Plugin = cfg.Name
		}
		if cfg.Weight <= 0 {
			cfg.Weight = 1
		}
		*b = append(*b, cfg)
	}
	return nil
}

// Duration is a time.Duration that decodes from YAML strings like "5h"
// or "30m", or from bare integers counting seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var seconds int64
	if err := node.Decode(&seconds); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds the arbiter configuration
type Config struct {
	// Bind address for the operator web API and dashboard.
	Bind string `yaml:"bind"`
	// URL is the externally reachable base URL of this arbiter; backends
	// use it to fetch artifact bodies.
	URL string `yaml:"url"`
	// Host is the market gateway host:port.
	Host string `yaml:"host"`
	// Addr is our on-chain account address.
	Addr string `yaml:"addr"`
	// Chain selects which market chain to operate on (home or side).
	Chain string `yaml:"chain"`

	DataDir      string `yaml:"data_dir"`
	ArtifactsDir string `yaml:"artifacts"`

	APISecret         string `yaml:"api_secret"`
	DashboardPassword string `yaml:"dashboard_password"`

	// Expires bounds how long a pending backend job may stay pending.
	Expires Duration `yaml:"expires"`
	// ArtifactInterval is the bucket size for artifact rate charts.
	ArtifactInterval Duration `yaml:"artifact_interval"`

	// ManualMode marks every new bounty for manual review.
	ManualMode bool `yaml:"manual_mode"`
	// RevealManual flips a bounty to manual when trusted experts disagree
	// at reveal time. Advisory; off by default.
	RevealManual bool `yaml:"reveal_manual"`

	TrustedExperts           []string `yaml:"trusted_experts"`
	UntrustedExpertsRequired int      `yaml:"untrusted_experts_required"`

	AnalysisBackends BackendConfigs `yaml:"analysis_backends"`

	// Reserve reconciler thresholds, big integers as decimal strings.
	MinSide      string `yaml:"min_side"`
	MaxSide      string `yaml:"max_side"`
	RefillAmount string `yaml:"refill_amount"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns a config populated with defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Bind:                     ":9080",
		URL:                      "http://localhost:9080",
		Host:                     "localhost:31337",
		Chain:                    "side",
		DataDir:                  filepath.Join(home, ".arbiter"),
		ArtifactsDir:             filepath.Join(home, ".arbiter", "artifacts"),
		Expires:                  Duration(5 * 24 * time.Hour),
		ArtifactInterval:         Duration(15 * time.Minute),
		UntrustedExpertsRequired: 3,
		LogLevel:                 "info",
	}
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise only surface at runtime.
func (c *Config) Validate() error {
	if c.Chain != "home" && c.Chain != "side" {
		return fmt.Errorf("chain must be home or side, got %q", c.Chain)
	}
	if len(c.AnalysisBackends) == 0 {
		return fmt.Errorf("at least one analysis backend must be configured")
	}
	seen := map[string]bool{}
	for _, b := range c.AnalysisBackends {
		if seen[b.Name] {
			return fmt.Errorf("duplicate analysis backend %q", b.Name)
		}
		seen[b.Name] = true
	}
	if c.Expires <= 0 {
		return fmt.Errorf("expires must be positive")
	}
	// The job engine buckets processed_at by this interval; zero would
	// divide by it.
	if c.ArtifactInterval <= 0 {
		return fmt.Errorf("artifact_interval must be positive")
	}
	return nil
}

// Dump renders the effective configuration as YAML.
func (c *Config) Dump() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
