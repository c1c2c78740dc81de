// ABOUTME: Configuration loading and parsing for the opdbus orchestrator
// ABOUTME: Supports YAML files with environment variable expansion, duration parsing and defaults

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider kinds understood by the provider factory.
const (
	ProviderMock   = "mock"
	ProviderOllama = "ollama"
)

// Registry backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Config represents the complete orchestrator configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Tailscale    TailscaleConfig    `yaml:"tailscale"`
	Database     DatabaseConfig     `yaml:"database"`
	Registry     RegistryConfig     `yaml:"registry"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Providers    []ProviderConfig   `yaml:"providers"`
	NATS         NATSConfig         `yaml:"nats"`
	MCP          MCPConfig          `yaml:"mcp"`
	Auth         AuthConfig         `yaml:"auth"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite (modernc, default) or sqlite3 (mattn, cgo)
	Path   string `yaml:"path"`
}

// RegistryConfig selects where the capability registry lives
type RegistryConfig struct {
	// Backend is "memory" (seeded at startup) or "sqlite" (the database tables,
	// seeded only when empty).
	Backend string `yaml:"backend"`
	// SeedFile is a YAML or TOML seed; empty means the embedded default seed.
	SeedFile string `yaml:"seed_file"`
	// Watch reloads the registry when SeedFile changes.
	Watch bool `yaml:"watch"`
}

// OrchestratorConfig holds run execution settings
type OrchestratorConfig struct {
	StepDelay       time.Duration `yaml:"-"`
	RunRetention    time.Duration `yaml:"-"`
	RetryBackoff    time.Duration `yaml:"-"`
	UnresolvedTools string        `yaml:"unresolved_tools"` // reject or delegate
	DefaultProvider string        `yaml:"default_provider"`

	// Raw string values for YAML unmarshaling
	StepDelayRaw    string `yaml:"step_delay"`
	RunRetentionRaw string `yaml:"run_retention"`
	RetryBackoffRaw string `yaml:"retry_backoff"`
}

// ProviderConfig describes one reasoner/executor backend
type ProviderConfig struct {
	ID      string        `yaml:"id"`
	Kind    string        `yaml:"kind"` // mock or ollama
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"-"`

	// StreamDelay paces mock deployment log chunks.
	StreamDelay time.Duration `yaml:"-"`

	TimeoutRaw     string `yaml:"timeout"`
	StreamDelayRaw string `yaml:"stream_delay"`
}

// NATSConfig holds the optional step event bus configuration
type NATSConfig struct {
	URL           string `yaml:"url"` // empty disables publishing
	SubjectPrefix string `yaml:"subject_prefix"`
}

// MCPConfig enables the Model Context Protocol endpoint
type MCPConfig struct {
	Enabled bool `yaml:"enabled"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"` // empty disables API authentication
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given: a mock
// provider, the embedded registry seed in memory and a local HTTP address.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes configuration content, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills unset fields. Durations left unset keep their
// defaults; an explicit "0s" step delay disables pacing.
func applyDefaults(c *Config) {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "./data/opdbus.db"
	}
	if c.Registry.Backend == "" {
		c.Registry.Backend = BackendMemory
	}

	o := &c.Orchestrator
	if o.StepDelayRaw == "" {
		o.StepDelay = 600 * time.Millisecond
	}
	if o.RunRetentionRaw == "" {
		o.RunRetention = time.Hour
	}
	if o.RetryBackoffRaw == "" {
		o.RetryBackoff = 250 * time.Millisecond
	}
	if o.UnresolvedTools == "" {
		o.UnresolvedTools = "reject"
	}

	if len(c.Providers) == 0 {
		c.Providers = []ProviderConfig{{ID: "mock", Kind: ProviderMock}}
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Kind == ProviderOllama && p.TimeoutRaw == "" {
			p.Timeout = 60 * time.Second
		}
		if p.Kind == ProviderMock && p.StreamDelayRaw == "" {
			p.StreamDelay = 500 * time.Millisecond
		}
	}
	if o.DefaultProvider == "" {
		o.DefaultProvider = c.Providers[0].ID
	}

	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "opdbus.runs"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	switch c.Registry.Backend {
	case BackendMemory, BackendSQLite:
	default:
		return fmt.Errorf("registry.backend must be memory or sqlite, got %q", c.Registry.Backend)
	}
	if c.Registry.Watch && c.Registry.SeedFile == "" {
		return fmt.Errorf("registry.watch requires registry.seed_file")
	}

	switch c.Orchestrator.UnresolvedTools {
	case "reject", "delegate":
	default:
		return fmt.Errorf("orchestrator.unresolved_tools must be reject or delegate, got %q", c.Orchestrator.UnresolvedTools)
	}
	if c.Orchestrator.StepDelay < 0 {
		return fmt.Errorf("orchestrator.step_delay must not be negative")
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("providers[%d].id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true

		switch p.Kind {
		case ProviderMock:
		case ProviderOllama:
			if p.BaseURL == "" {
				return fmt.Errorf("provider %q: base_url is required for ollama", p.ID)
			}
			if p.Model == "" {
				return fmt.Errorf("provider %q: model is required for ollama", p.ID)
			}
		default:
			return fmt.Errorf("provider %q: unknown kind %q", p.ID, p.Kind)
		}
	}
	if !seen[c.Orchestrator.DefaultProvider] {
		return fmt.Errorf("orchestrator.default_provider %q is not among providers", c.Orchestrator.DefaultProvider)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}

	return nil
}

type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []durationField{
		{"orchestrator.step_delay", cfg.Orchestrator.StepDelayRaw, &cfg.Orchestrator.StepDelay},
		{"orchestrator.run_retention", cfg.Orchestrator.RunRetentionRaw, &cfg.Orchestrator.RunRetention},
		{"orchestrator.retry_backoff", cfg.Orchestrator.RetryBackoffRaw, &cfg.Orchestrator.RetryBackoff},
	}
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		fields = append(fields,
			durationField{fmt.Sprintf("providers[%d].timeout", i), p.TimeoutRaw, &p.Timeout},
			durationField{fmt.Sprintf("providers[%d].stream_delay", i), p.StreamDelayRaw, &p.StreamDelay},
		)
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
