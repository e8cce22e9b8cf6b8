// Package config loads and persists the interfix configuration file.
//
// The file is YAML. Durations are stored as strings ("90s", "500ms") so the
// file stays hand-editable; the Get accessors parse them and fall back to
// the built-in defaults when a value is missing or malformed.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"interfix/internal/validate"
)

// ValidProviders are the generative backends the fixer can drive.
var ValidProviders = []string{"gemini", "anthropic"}

// Config is the root configuration for the repair pipeline.
type Config struct {
	LLM        LLMConfig              `yaml:"llm"`
	Browser    validate.BrowserConfig `yaml:"browser"`
	Thresholds validate.Thresholds    `yaml:"thresholds"`
	Repair     RepairConfig           `yaml:"repair"`
	Rules      RulesConfig            `yaml:"rules"`
	Metrics    MetricsConfig          `yaml:"metrics"`
	Watch      WatchConfig            `yaml:"watch"`
	Logging    LoggingConfig          `yaml:"logging"`
}

// LLMConfig selects the generative backend used for defects the rule
// catalog cannot repair.
type LLMConfig struct {
	// Provider is one of ValidProviders.
	Provider string `yaml:"provider"`
	// Model overrides the provider's default model.
	Model string `yaml:"model,omitempty"`
	// APIKey is normally left out of the file and supplied through
	// GEMINI_API_KEY or ANTHROPIC_API_KEY instead.
	APIKey  string `yaml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
	Timeout string `yaml:"timeout"`
	// MaxDocBytes caps how much markup is excerpted into a prompt.
	MaxDocBytes int `yaml:"max_doc_bytes,omitempty"`
}

// RepairConfig bounds a single repair run.
type RepairConfig struct {
	MaxGenerativeAttempts int    `yaml:"max_generative_attempts"`
	Timeout               string `yaml:"timeout"`
	RollbackEnabled       bool   `yaml:"rollback_enabled"`
	// Workers caps concurrent documents during batch repair.
	Workers int `yaml:"workers"`
}

// RulesConfig points at optional rule plugins.
type RulesConfig struct {
	// PluginDir holds Go rule plugins loaded at startup, empty for none.
	PluginDir string `yaml:"plugin_dir,omitempty"`
}

// MetricsConfig controls run history persistence.
type MetricsConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DatabasePath string `yaml:"database_path"`
}

// WatchConfig configures the directory watcher.
type WatchConfig struct {
	Dir       string `yaml:"dir"`
	InPlace   bool   `yaml:"in_place"`
	OutSuffix string `yaml:"out_suffix"`
	Debounce  string `yaml:"debounce"`
}

// LoggingConfig selects the log level and encoding.
type LoggingConfig struct {
	// Level is a zap level name: debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is "console" or "json".
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider: "gemini",
			Timeout:  "120s",
		},
		Browser:    validate.DefaultBrowserConfig(),
		Thresholds: validate.DefaultThresholds(),
		Repair: RepairConfig{
			MaxGenerativeAttempts: 2,
			Timeout:               "90s",
			RollbackEnabled:       true,
			Workers:               4,
		},
		Metrics: MetricsConfig{
			Enabled:      true,
			DatabasePath: ".interfix/metrics.db",
		},
		Watch: WatchConfig{
			Dir:       ".",
			OutSuffix: ".repaired.html",
			Debounce:  "500ms",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads the configuration at path. A missing file is not an error:
// the defaults come back, adjusted by environment overrides, so the tool
// runs without any setup.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to path, creating parent directories as
// needed.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config dir: %w", err)
		}
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides pulls credentials and paths from the environment. The
// API key for the configured provider always comes from the environment
// when set there, so keys never have to live on disk.
func (c *Config) applyEnvOverrides() {
	switch c.LLM.Provider {
	case "", "gemini":
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			c.LLM.APIKey = key
		}
	case "anthropic":
		if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
			c.LLM.APIKey = key
		}
	}

	if db := os.Getenv("INTERFIX_DB"); db != "" {
		c.Metrics.DatabasePath = db
	}
}

// GetLLMTimeout parses LLM.Timeout, defaulting to two minutes.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil || d <= 0 {
		return 120 * time.Second
	}
	return d
}

// GetRepairTimeout parses Repair.Timeout, defaulting to ninety seconds.
func (c *Config) GetRepairTimeout() time.Duration {
	d, err := time.ParseDuration(c.Repair.Timeout)
	if err != nil || d <= 0 {
		return 90 * time.Second
	}
	return d
}

// GetWatchDebounce parses Watch.Debounce, defaulting to half a second.
func (c *Config) GetWatchDebounce() time.Duration {
	d, err := time.ParseDuration(c.Watch.Debounce)
	if err != nil || d <= 0 {
		return 500 * time.Millisecond
	}
	return d
}

// Validate checks the fields a typo would most likely break.
func (c *Config) Validate() error {
	if c.LLM.Provider != "" {
		valid := false
		for _, p := range ValidProviders {
			if c.LLM.Provider == p {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("unknown llm provider %q, valid providers: %s",
				c.LLM.Provider, strings.Join(ValidProviders, ", "))
		}
	}

	if c.Repair.MaxGenerativeAttempts < 0 {
		return fmt.Errorf("repair.max_generative_attempts must not be negative, got %d",
			c.Repair.MaxGenerativeAttempts)
	}

	if c.Thresholds.PassBar <= 0 || c.Thresholds.PassBar > 1 {
		return fmt.Errorf("thresholds.pass_bar must be in (0, 1], got %v",
			c.Thresholds.PassBar)
	}

	return nil
}
