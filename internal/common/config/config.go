// Package config provides configuration management for Gatehouse.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Gatehouse.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Terminal TerminalConfig `mapstructure:"terminal"`
	Approval ApprovalConfig `mapstructure:"approval"`
	History  HistoryConfig  `mapstructure:"history"`
	MCP      MCPConfig      `mapstructure:"mcp"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration for the approval/control API.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// TerminalConfig holds terminal execution engine configuration.
type TerminalConfig struct {
	Shell          string        `mapstructure:"shell"`          // Shell command override (default: $SHELL)
	WorkDir        string        `mapstructure:"workDir"`        // Default working directory
	Cols           int           `mapstructure:"cols"`           // Terminal columns (default 80)
	Rows           int           `mapstructure:"rows"`           // Terminal rows (default 24)
	MaxBufferBytes int           `mapstructure:"maxBufferBytes"` // Per-execution output buffer cap
	ExitGrace      time.Duration `mapstructure:"exitGrace"`      // Late exit-code grace period
}

// ApprovalConfig holds approval arbitration queue configuration.
type ApprovalConfig struct {
	RecentTTL      time.Duration `mapstructure:"recentTtl"`      // Recent-approval cache TTL (<=0 disables)
	CacheSweepSize int           `mapstructure:"cacheSweepSize"` // Eager sweep threshold
	RulesFile      string        `mapstructure:"rulesFile"`      // Optional trusted-rules YAML file
}

// HistoryConfig holds tool-call audit log configuration.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// MCPConfig holds agent-facing MCP server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
	// TrustedRoot is the directory file writes are considered safe
	// within. Writes outside it are flagged on their approval requests.
	// Empty means the process working directory.
	TrustedRoot string `mapstructure:"trustedRoot"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8750)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "gatehouse")
	v.SetDefault("nats.maxReconnects", 10)

	// Terminal defaults
	v.SetDefault("terminal.shell", "")
	v.SetDefault("terminal.workDir", "")
	v.SetDefault("terminal.cols", 80)
	v.SetDefault("terminal.rows", 24)
	v.SetDefault("terminal.maxBufferBytes", 1024*1024)
	v.SetDefault("terminal.exitGrace", 5*time.Second)

	// Approval defaults
	v.SetDefault("approval.recentTtl", 10*time.Second)
	v.SetDefault("approval.cacheSweepSize", 256)
	v.SetDefault("approval.rulesFile", "")

	// History defaults
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.path", "gatehouse.db")

	// MCP defaults
	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.port", 8751)
	v.SetDefault("mcp.trustedRoot", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix GATEHOUSE_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("GATEHOUSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Configure config file
	v.SetConfigName("gatehouse")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/gatehouse/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.MCP.Enabled && (cfg.MCP.Port <= 0 || cfg.MCP.Port > 65535) {
		errs = append(errs, "mcp.port must be between 1 and 65535")
	}
	if cfg.Terminal.Cols <= 0 || cfg.Terminal.Rows <= 0 {
		errs = append(errs, "terminal.cols and terminal.rows must be positive")
	}
	if cfg.History.Enabled && cfg.History.Path == "" {
		errs = append(errs, "history.path is required when history is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
