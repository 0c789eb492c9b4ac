package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration lets yaml.v3 read values like "15s" into a time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config models sitesync.yml.
type Config struct {
	Remote struct {
		BaseURL string   `yaml:"base_url"`
		Token   string   `yaml:"token"`
		Timeout Duration `yaml:"timeout"`
	} `yaml:"remote"`
	Network struct {
		ProbeInterval      Duration `yaml:"probe_interval"`
		ProbeTimeout       Duration `yaml:"probe_timeout"`
		PoorLatencyMS      int      `yaml:"poor_latency_ms"`
		ExcellentLatencyMS int      `yaml:"excellent_latency_ms"`
	} `yaml:"network"`
	Sync struct {
		AutoSync           bool `yaml:"auto_sync"`
		RetryWarnThreshold int  `yaml:"retry_warn_threshold"`
		PruneAfterDays     int  `yaml:"prune_after_days"`
	} `yaml:"sync"`
	Server struct {
		Addr      string `yaml:"addr"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sitesync config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Network.ProbeInterval <= 0 {
		return fmt.Errorf("config.network.probe_interval must be positive")
	}
	if c.Network.ProbeTimeout <= 0 {
		return fmt.Errorf("config.network.probe_timeout must be positive")
	}
	if c.Network.PoorLatencyMS <= 0 {
		return fmt.Errorf("config.network.poor_latency_ms must be positive")
	}
	if c.Network.ExcellentLatencyMS <= 0 {
		return fmt.Errorf("config.network.excellent_latency_ms must be positive")
	}
	if c.Network.ExcellentLatencyMS >= c.Network.PoorLatencyMS {
		return fmt.Errorf("config.network.excellent_latency_ms must be below poor_latency_ms")
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("config.remote.timeout must be positive")
	}
	if c.Sync.RetryWarnThreshold < 0 {
		return fmt.Errorf("config.sync.retry_warn_threshold cannot be negative")
	}
	if c.Sync.PruneAfterDays < 0 {
		return fmt.Errorf("config.sync.prune_after_days cannot be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "sitesync.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `remote:
  base_url: http://localhost:8080
  token: ""
  timeout: 30s

network:
  probe_interval: 15s
  probe_timeout: 3s
  poor_latency_ms: 800
  excellent_latency_ms: 250

sync:
  auto_sync: true
  retry_warn_threshold: 5
  prune_after_days: 30

server:
  addr: :8080
  jwt_secret: ""
`
