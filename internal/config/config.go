package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all tubeprompt daemon configuration.
type Config struct {
	// Chrome connection
	Browser BrowserConfig `yaml:"browser"`

	// Local trigger transport
	Server ServerConfig `yaml:"server"`

	// Settings store backend
	Store StoreConfig `yaml:"store"`

	// Which pages may produce triggers
	Source SourceConfig `yaml:"source"`

	// The chat application receiving prompts
	Destination DestinationConfig `yaml:"destination"`

	// Delivery timing budget
	Delivery DeliveryConfig `yaml:"delivery"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Optional YAML file whose contents are merged into the stored settings
	// and watched for changes while serving.
	SettingsFile string `yaml:"settings_file"`
}

// BrowserConfig configures the Chrome instance the daemon drives.
type BrowserConfig struct {
	DebuggerURL       string   `yaml:"debugger_url"` // attach instead of launching
	Launch            []string `yaml:"launch"`       // binary followed by flags
	Headless          bool     `yaml:"headless"`
	NavigationTimeout string   `yaml:"navigation_timeout"`
}

// ServerConfig configures the HTTP trigger endpoint.
type ServerConfig struct {
	Listen  string `yaml:"listen"`
	Metrics bool   `yaml:"metrics"`
}

// StoreConfig selects the SQLite driver and database file.
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite (modernc) or sqlite3 (cgo)
	Path   string `yaml:"path"`
}

// SourceConfig describes the recognized source pages.
type SourceConfig struct {
	Hosts        []string `yaml:"hosts"`
	PathPrefixes []string `yaml:"path_prefixes"`
}

// DestinationConfig locates the destination application and its two elements.
type DestinationConfig struct {
	AppURL            string `yaml:"app_url"`
	MatchPattern      string `yaml:"match_pattern"`
	EditorSelector    string `yaml:"editor_selector"`
	SubmitSelector    string `yaml:"submit_selector"`
	DisabledAttribute string `yaml:"disabled_attribute"`
}

// DeliveryConfig bounds every suspension point of a delivery.
type DeliveryConfig struct {
	ReadyTimeout   string `yaml:"ready_timeout"`
	InputAttempts  int    `yaml:"input_attempts"`
	InputInterval  string `yaml:"input_interval"`
	SubmitRetries  int    `yaml:"submit_retries"`
	SubmitInterval string `yaml:"submit_interval"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Browser: BrowserConfig{
			Headless:          false,
			NavigationTimeout: "30s",
		},
		Server: ServerConfig{
			Listen:  "127.0.0.1:7788",
			Metrics: true,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   filepath.Join(defaultDataDir(), "tubeprompt.db"),
		},
		Source: SourceConfig{
			Hosts:        []string{"www.youtube.com"},
			PathPrefixes: []string{"/watch", "/shorts"},
		},
		Destination: DestinationConfig{
			AppURL:            "https://gemini.google.com/app",
			MatchPattern:      "https://gemini.google.com/*",
			EditorSelector:    `.ql-editor.textarea.new-input-ui[contenteditable="true"]`,
			SubmitSelector:    "button.send-button.submit",
			DisabledAttribute: "aria-disabled",
		},
		Delivery: DeliveryConfig{
			ReadyTimeout:   "15s",
			InputAttempts:  5,
			InputInterval:  "300ms",
			SubmitRetries:  2,
			SubmitInterval: "300ms",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func defaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".tubeprompt"
	}
	return filepath.Join(dir, "tubeprompt")
}

// DefaultConfigPath returns the default path of the YAML config file.
func DefaultConfigPath() string {
	return filepath.Join(defaultDataDir(), "config.yaml")
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Defaults if the file doesn't exist
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TUBEPROMPT_DEBUGGER_URL"); v != "" {
		c.Browser.DebuggerURL = v
	}
	if v := os.Getenv("TUBEPROMPT_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("TUBEPROMPT_DB"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("TUBEPROMPT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Destination.AppURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid destination app_url: %q", c.Destination.AppURL)
	}
	if !strings.Contains(c.Destination.MatchPattern, "://") {
		return fmt.Errorf("invalid destination match_pattern: %q", c.Destination.MatchPattern)
	}
	if c.Destination.EditorSelector == "" || c.Destination.SubmitSelector == "" {
		return fmt.Errorf("destination editor_selector and submit_selector are required")
	}
	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		return fmt.Errorf("invalid server listen address %q: %w", c.Server.Listen, err)
	}
	if c.Delivery.InputAttempts <= 0 {
		return fmt.Errorf("delivery input_attempts must be positive, got %d", c.Delivery.InputAttempts)
	}
	if c.Delivery.SubmitRetries < 0 {
		return fmt.Errorf("delivery submit_retries must not be negative, got %d", c.Delivery.SubmitRetries)
	}
	switch c.Store.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("invalid store driver: %s (valid: sqlite, sqlite3)", c.Store.Driver)
	}
	if len(c.Source.Hosts) == 0 {
		return fmt.Errorf("source hosts must not be empty")
	}
	return nil
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}

// GetNavigationTimeout returns the browser navigation timeout.
func (c *Config) GetNavigationTimeout() time.Duration {
	return parseDurationOr(c.Browser.NavigationTimeout, 30*time.Second)
}

// GetReadyTimeout returns how long a readiness wait may stay armed.
func (c *Config) GetReadyTimeout() time.Duration {
	return parseDurationOr(c.Delivery.ReadyTimeout, 15*time.Second)
}

// GetInputInterval returns the spacing between input-surface polls.
func (c *Config) GetInputInterval() time.Duration {
	return parseDurationOr(c.Delivery.InputInterval, 300*time.Millisecond)
}

// GetSubmitInterval returns the spacing between submit-control polls.
func (c *Config) GetSubmitInterval() time.Duration {
	return parseDurationOr(c.Delivery.SubmitInterval, 300*time.Millisecond)
}
