// Package config provides configuration management for the Codedeck session host.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the session host daemon.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Docker       DockerConfig       `mapstructure:"docker"`
	ControlPlane ControlPlaneConfig `mapstructure:"controlPlane"`
	Session      SessionConfig      `mapstructure:"session"`
	Persistence  PersistenceConfig  `mapstructure:"persistence"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	ReadTimeout    int      `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout   int      `mapstructure:"writeTimeout"` // in seconds
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	ContainerLabel string `mapstructure:"containerLabel"` // label key used to locate workspace containers
}

// ControlPlaneConfig holds the control plane endpoint used for credential
// and settings retrieval and for message reporting.
type ControlPlaneConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	WorkspaceID string `mapstructure:"workspaceId"`
	Token       string `mapstructure:"token"` // bearer token; usually injected at bootstrap
}

// SessionConfig holds the per-host runtime tunables.
type SessionConfig struct {
	PingInterval            time.Duration `mapstructure:"pingInterval"`
	PongTimeout             time.Duration `mapstructure:"pongTimeout"`
	InitTimeout             time.Duration `mapstructure:"initTimeout"`
	PromptTimeout           time.Duration `mapstructure:"promptTimeout"`
	PromptCancelGracePeriod time.Duration `mapstructure:"promptCancelGracePeriod"`
	StopGracePeriod         time.Duration `mapstructure:"stopGracePeriod"`
	StopTimeout             time.Duration `mapstructure:"stopTimeout"`
	MessageBufferSize       int           `mapstructure:"messageBufferSize"`
	ViewerSendBuffer        int           `mapstructure:"viewerSendBuffer"`
	MaxRestartAttempts      int           `mapstructure:"maxRestartAttempts"`
	IdleSuspendTimeout      time.Duration `mapstructure:"idleSuspendTimeout"`
	FileMaxSize             int64         `mapstructure:"fileMaxSize"`
	ContainerWorkDir        string        `mapstructure:"containerWorkDir"`
	ContainerUser           string        `mapstructure:"containerUser"`
	ContainerEnvFile        string        `mapstructure:"containerEnvFile"`
}

// PersistenceConfig holds the node-local SQLite store configuration.
type PersistenceConfig struct {
	Path string `mapstructure:"path"`
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

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("CODEDECK_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.allowedOrigins", []string{"*"})

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "codedeck-session-host")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.containerLabel", "codedeck.workspace")

	// Control plane defaults
	v.SetDefault("controlPlane.endpoint", "")
	v.SetDefault("controlPlane.workspaceId", "")
	v.SetDefault("controlPlane.token", "")

	// Session host defaults
	v.SetDefault("session.pingInterval", 30*time.Second)
	v.SetDefault("session.pongTimeout", 10*time.Second)
	v.SetDefault("session.initTimeout", 30*time.Second)
	v.SetDefault("session.promptTimeout", 60*time.Minute)
	v.SetDefault("session.promptCancelGracePeriod", 5*time.Second)
	v.SetDefault("session.stopGracePeriod", 5*time.Second)
	v.SetDefault("session.stopTimeout", 10*time.Second)
	v.SetDefault("session.messageBufferSize", 5000)
	v.SetDefault("session.viewerSendBuffer", 256)
	v.SetDefault("session.maxRestartAttempts", 3)
	v.SetDefault("session.idleSuspendTimeout", time.Duration(0)) // disabled
	v.SetDefault("session.fileMaxSize", int64(1024*1024))        // 1 MiB
	v.SetDefault("session.containerWorkDir", "/workspace")
	v.SetDefault("session.containerUser", "")
	v.SetDefault("session.containerEnvFile", "/etc/codedeck/env")

	// Persistence defaults
	v.SetDefault("persistence.path", "/var/lib/codedeck/sessions.db")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CODEDECK_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/codedeck/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("CODEDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("controlPlane.endpoint", "CODEDECK_CONTROL_PLANE_ENDPOINT")
	_ = v.BindEnv("controlPlane.workspaceId", "CODEDECK_WORKSPACE_ID")
	_ = v.BindEnv("controlPlane.token", "CODEDECK_CONTROL_PLANE_TOKEN")
	_ = v.BindEnv("session.idleSuspendTimeout", "CODEDECK_SESSION_IDLE_SUSPEND_TIMEOUT")
	_ = v.BindEnv("persistence.path", "CODEDECK_PERSISTENCE_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/codedeck/")

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
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Session timings must be positive; idleSuspendTimeout may be zero (disabled)
	if cfg.Session.PingInterval <= 0 {
		errs = append(errs, "session.pingInterval must be positive")
	}
	if cfg.Session.PongTimeout <= 0 {
		errs = append(errs, "session.pongTimeout must be positive")
	}
	if cfg.Session.InitTimeout <= 0 {
		errs = append(errs, "session.initTimeout must be positive")
	}
	if cfg.Session.PromptTimeout <= 0 {
		errs = append(errs, "session.promptTimeout must be positive")
	}
	if cfg.Session.PromptCancelGracePeriod <= 0 {
		errs = append(errs, "session.promptCancelGracePeriod must be positive")
	}
	if cfg.Session.StopGracePeriod <= 0 {
		errs = append(errs, "session.stopGracePeriod must be positive")
	}
	if cfg.Session.StopTimeout < cfg.Session.StopGracePeriod {
		errs = append(errs, "session.stopTimeout must be at least session.stopGracePeriod")
	}
	if cfg.Session.MessageBufferSize <= 0 {
		errs = append(errs, "session.messageBufferSize must be positive")
	}
	if cfg.Session.ViewerSendBuffer <= 0 {
		errs = append(errs, "session.viewerSendBuffer must be positive")
	}
	if cfg.Session.MaxRestartAttempts < 0 {
		errs = append(errs, "session.maxRestartAttempts must not be negative")
	}
	if cfg.Session.IdleSuspendTimeout < 0 {
		errs = append(errs, "session.idleSuspendTimeout must not be negative")
	}
	if cfg.Session.FileMaxSize <= 0 {
		errs = append(errs, "session.fileMaxSize must be positive")
	}

	// NATS validation - optional (uses in-memory event bus if not set)
	// No validation needed - empty URL means use in-memory

	// Logging validation
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
