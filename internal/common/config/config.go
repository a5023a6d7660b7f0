// Package config provides configuration management for ocproxy.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for ocproxy.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Serve    ServeConfig    `mapstructure:"serve"`
	Store    StoreConfig    `mapstructure:"store"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Worktree WorktreeConfig `mapstructure:"worktree"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds the local status/admin HTTP API configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// GatewayConfig holds the chat-platform gateway connection configuration.
type GatewayConfig struct {
	URL       string `mapstructure:"url"`
	Token     string `mapstructure:"token"`
	BotUserID string `mapstructure:"botUserID"`
	Enabled   bool   `mapstructure:"enabled"`
}

// ServeConfig holds the agent subprocess configuration.
type ServeConfig struct {
	// Binary is the agent CLI executable name or path (default: opencode).
	Binary string `mapstructure:"binary"`

	// PortMin and PortMax bound the local port range scanned for new
	// agent server instances.
	PortMin int `mapstructure:"portMin"`
	PortMax int `mapstructure:"portMax"`

	// ReadyTimeout is how long to wait for a spawned server to answer
	// its liveness endpoint, in seconds.
	ReadyTimeout int `mapstructure:"readyTimeout"`
}

// StoreConfig holds persistent store configuration.
type StoreConfig struct {
	// Path is the SQLite database file (default: ~/.ocproxy/ocproxy.db).
	Path string `mapstructure:"path"`
}

// NATSConfig holds the optional NATS event bus configuration.
// When URL is empty the in-memory bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// WorktreeConfig holds Git worktree configuration for thread isolation.
type WorktreeConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	BasePath      string `mapstructure:"basePath"`      // default: ~/.ocproxy/worktrees
	DefaultBranch string `mapstructure:"defaultBranch"` // default: main
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ReadyTimeoutDuration returns the readiness timeout as a time.Duration.
func (s *ServeConfig) ReadyTimeoutDuration() time.Duration {
	return time.Duration(s.ReadyTimeout) * time.Second
}

// ExpandedPath returns the store path with a leading ~ expanded.
func (s *StoreConfig) ExpandedPath() (string, error) {
	return expandHome(s.Path)
}

// ExpandedBasePath returns the worktree base path with a leading ~ expanded.
func (w *WorktreeConfig) ExpandedBasePath() (string, error) {
	return expandHome(w.BasePath)
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8170)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("gateway.enabled", false)

	v.SetDefault("serve.binary", "opencode")
	v.SetDefault("serve.portMin", 14097)
	v.SetDefault("serve.portMax", 14200)
	v.SetDefault("serve.readyTimeout", 30)

	v.SetDefault("store.path", "~/.ocproxy/ocproxy.db")

	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("worktree.enabled", false)
	v.SetDefault("worktree.basePath", "~/.ocproxy/worktrees")
	v.SetDefault("worktree.defaultBranch", "main")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from default locations.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("OCPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".ocproxy"))
	}

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

// validate checks that all required configuration fields are sane.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Serve.Binary == "" {
		errs = append(errs, "serve.binary must not be empty")
	}
	if cfg.Serve.PortMin <= 0 || cfg.Serve.PortMin > 65535 {
		errs = append(errs, "serve.portMin must be between 1 and 65535")
	}
	if cfg.Serve.PortMax < cfg.Serve.PortMin || cfg.Serve.PortMax > 65535 {
		errs = append(errs, "serve.portMax must be between serve.portMin and 65535")
	}
	if cfg.Serve.ReadyTimeout <= 0 {
		errs = append(errs, "serve.readyTimeout must be positive")
	}

	if cfg.Gateway.Enabled {
		if cfg.Gateway.URL == "" {
			errs = append(errs, "gateway.url is required when gateway.enabled is true")
		}
		if cfg.Gateway.Token == "" {
			errs = append(errs, "gateway.token is required when gateway.enabled is true")
		}
	}

	if cfg.Store.Path == "" {
		errs = append(errs, "store.path must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}
