// Package config provides configuration management for Mirage.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Mirage.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Store    StoreConfig    `mapstructure:"store"`
	Session  SessionConfig  `mapstructure:"session"`
	Provider ProviderConfig `mapstructure:"provider"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration for the action bus.
// An empty URL selects the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// StoreConfig holds the SQLite state store configuration.
type StoreConfig struct {
	Path string `mapstructure:"path"` // SQLite database path; ":memory:" for tests
}

// SessionConfig holds tunables for the session orchestration core.
type SessionConfig struct {
	RingCapacity      int `mapstructure:"ringCapacity"`      // sequencer replay ring size
	MainQueueCapacity int `mapstructure:"mainQueueCapacity"` // per-monitor main queue
	MaxMonitors       int `mapstructure:"maxMonitors"`       // monitor agents per session
	TimelineCapacity  int `mapstructure:"timelineCapacity"`  // interaction timeline ring
	AgentLimit        int `mapstructure:"agentLimit"`        // process-wide ephemeral agent limiter
	TapeExcerptLength int `mapstructure:"tapeExcerptLength"` // messages copied to a new window agent
}

// ProviderConfig holds AI provider configuration.
type ProviderConfig struct {
	Default       string `mapstructure:"default"`       // provider type used for new sessions
	CataloguePath string `mapstructure:"cataloguePath"` // optional providers.yaml
	TurnTimeout   int    `mapstructure:"turnTimeout"`   // in seconds, 0 = no timeout
}

// AuthConfig holds authentication configuration for remote mode.
type AuthConfig struct {
	RemoteMode bool   `mapstructure:"remoteMode"` // require bearer token on every connection
	Token      string `mapstructure:"token"`      // generated at startup when empty
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

// TurnTimeoutDuration returns the provider turn timeout as a time.Duration.
func (p *ProviderConfig) TurnTimeoutDuration() time.Duration {
	return time.Duration(p.TurnTimeout) * time.Second
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("MIRAGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// NATS defaults - empty URL means use in-memory action bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "mirage")
	v.SetDefault("nats.maxReconnects", 10)

	// Store defaults
	v.SetDefault("store.path", "./mirage.db")

	// Session defaults
	v.SetDefault("session.ringCapacity", 5000)
	v.SetDefault("session.mainQueueCapacity", 10)
	v.SetDefault("session.maxMonitors", 4)
	v.SetDefault("session.timelineCapacity", 200)
	v.SetDefault("session.agentLimit", 8)
	v.SetDefault("session.tapeExcerptLength", 6)

	// Provider defaults
	v.SetDefault("provider.default", "scripted")
	v.SetDefault("provider.cataloguePath", "")
	v.SetDefault("provider.turnTimeout", 0)

	// Auth defaults
	v.SetDefault("auth.remoteMode", false)
	v.SetDefault("auth.token", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix MIRAGE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/mirage/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("MIRAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("auth.remoteMode", "MIRAGE_AUTH_REMOTE_MODE")
	_ = v.BindEnv("store.path", "MIRAGE_DB_PATH", "MIRAGE_STORE_PATH")
	_ = v.BindEnv("provider.cataloguePath", "MIRAGE_PROVIDER_CATALOGUE_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/mirage/")

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

	if cfg.Session.RingCapacity <= 0 {
		errs = append(errs, "session.ringCapacity must be positive")
	}
	if cfg.Session.MainQueueCapacity <= 0 {
		errs = append(errs, "session.mainQueueCapacity must be positive")
	}
	if cfg.Session.MaxMonitors <= 0 || cfg.Session.MaxMonitors > 4 {
		errs = append(errs, "session.maxMonitors must be between 1 and 4")
	}
	if cfg.Session.AgentLimit <= 0 {
		errs = append(errs, "session.agentLimit must be positive")
	}

	// Remote mode needs a token; generate one at startup if not provided.
	if cfg.Auth.RemoteMode && cfg.Auth.Token == "" {
		cfg.Auth.Token = generateToken()
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// generateToken produces the bearer token for remote mode.
func generateToken() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("mirage-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
