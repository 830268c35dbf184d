// ABOUTME: Configuration loading and parsing for loomd
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete loomd configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Agents    AgentsConfig    `yaml:"agents"`
	Tasks     TasksConfig     `yaml:"tasks"`
	Locks     LocksConfig     `yaml:"locks"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Security  SecurityConfig  `yaml:"security"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"-"`

	TokenTTLRaw string `yaml:"token_ttl"`
}

// AgentsConfig holds agent lifecycle configuration
type AgentsConfig struct {
	MaxAgents           int  `yaml:"max_agents"`
	EvictIdleOnCapacity bool `yaml:"evict_idle_on_capacity"`

	IdleTimeout     time.Duration `yaml:"-"`
	IdleGracePeriod time.Duration `yaml:"-"`
	SweepInterval   time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	IdleTimeoutRaw     string `yaml:"idle_timeout"`
	IdleGracePeriodRaw string `yaml:"idle_grace_period"`
	SweepIntervalRaw   string `yaml:"sweep_interval"`
}

// TasksConfig holds task graph configuration
type TasksConfig struct {
	// DuplicateThreshold is the cosine similarity above which a new task
	// description is rejected as a near-duplicate of an existing one.
	DuplicateThreshold float64 `yaml:"duplicate_threshold"`
}

// LocksConfig holds file lock coordinator configuration
type LocksConfig struct {
	DefaultTTL    time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	DefaultTTLRaw    string `yaml:"default_ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// KnowledgeConfig holds knowledge store configuration
type KnowledgeConfig struct {
	// MaxChunkRunes bounds chunk size; ChunkOverlapRunes is carried from the
	// tail of one chunk into the next to preserve cross-boundary context.
	MaxChunkRunes     int `yaml:"max_chunk_runes"`
	ChunkOverlapRunes int `yaml:"chunk_overlap_runes"`

	ProviderTimeout time.Duration `yaml:"-"`

	ProviderTimeoutRaw string `yaml:"provider_timeout"`
}

// SecurityConfig holds security scanner configuration
type SecurityConfig struct {
	// ReportingFloor is the minimum severity persisted as an alert.
	ReportingFloor string `yaml:"reporting_floor"`
	// Mode is the default sanitization mode: remove, neutralize, or block.
	Mode string `yaml:"mode"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// envVarPattern matches ${VAR_NAME} for environment expansion
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expanded := envVarPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.parseDurations(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config populated with working defaults.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{HTTPAddr: "localhost:7171"},
		Database: DatabaseConfig{Path: "loom.db"},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Agents: AgentsConfig{
			MaxAgents:           10,
			EvictIdleOnCapacity: true,
			IdleTimeout:         60 * time.Second,
			IdleGracePeriod:     30 * time.Second,
			SweepInterval:       5 * time.Second,
		},
		Tasks: TasksConfig{DuplicateThreshold: 0.8},
		Locks: LocksConfig{
			DefaultTTL:    0, // no expiry unless the caller asks for one
			SweepInterval: 30 * time.Second,
		},
		Knowledge: KnowledgeConfig{
			MaxChunkRunes:     1200,
			ChunkOverlapRunes: 200,
			ProviderTimeout:   10 * time.Second,
		},
		Security: SecurityConfig{
			ReportingFloor: "MEDIUM",
			Mode:           "neutralize",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// parseDurations converts the raw duration strings into time.Duration fields.
// Empty raw values keep the defaults.
func (c *Config) parseDurations() error {
	durations := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{c.Auth.TokenTTLRaw, &c.Auth.TokenTTL, "auth.token_ttl"},
		{c.Agents.IdleTimeoutRaw, &c.Agents.IdleTimeout, "agents.idle_timeout"},
		{c.Agents.IdleGracePeriodRaw, &c.Agents.IdleGracePeriod, "agents.idle_grace_period"},
		{c.Agents.SweepIntervalRaw, &c.Agents.SweepInterval, "agents.sweep_interval"},
		{c.Locks.DefaultTTLRaw, &c.Locks.DefaultTTL, "locks.default_ttl"},
		{c.Locks.SweepIntervalRaw, &c.Locks.SweepInterval, "locks.sweep_interval"},
		{c.Knowledge.ProviderTimeoutRaw, &c.Knowledge.ProviderTimeout, "knowledge.provider_timeout"},
	}

	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", d.name, err)
		}
		*d.dst = parsed
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Agents.MaxAgents <= 0 {
		return fmt.Errorf("agents.max_agents must be positive, got %d", c.Agents.MaxAgents)
	}
	if c.Agents.IdleTimeout <= 0 {
		return fmt.Errorf("agents.idle_timeout must be positive")
	}
	if c.Agents.IdleGracePeriod < 0 {
		return fmt.Errorf("agents.idle_grace_period must not be negative")
	}
	if c.Tasks.DuplicateThreshold <= 0 || c.Tasks.DuplicateThreshold > 1 {
		return fmt.Errorf("tasks.duplicate_threshold must be in (0, 1], got %v", c.Tasks.DuplicateThreshold)
	}
	if c.Knowledge.MaxChunkRunes <= 0 {
		return fmt.Errorf("knowledge.max_chunk_runes must be positive")
	}
	if c.Knowledge.ChunkOverlapRunes < 0 || c.Knowledge.ChunkOverlapRunes >= c.Knowledge.MaxChunkRunes {
		return fmt.Errorf("knowledge.chunk_overlap_runes must be in [0, max_chunk_runes)")
	}
	switch c.Security.ReportingFloor {
	case "LOW", "MEDIUM", "HIGH", "CRITICAL":
	default:
		return fmt.Errorf("security.reporting_floor must be LOW, MEDIUM, HIGH or CRITICAL, got %q", c.Security.ReportingFloor)
	}
	switch c.Security.Mode {
	case "remove", "neutralize", "block":
	default:
		return fmt.Errorf("security.mode must be remove, neutralize or block, got %q", c.Security.Mode)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}
