// Package config provides configuration management for hivemind.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the hivemind server.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Agent       AgentConfig       `mapstructure:"agent"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// NATSConfig holds the optional NATS event-bus configuration.
// When URL is empty the in-memory event bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentConfig holds the child agent CLI configuration.
type AgentConfig struct {
	// Command is the argv used to spawn the LLM CLI for each agent.
	Command []string `mapstructure:"command"`
	// WorkspaceBase is the directory under which per-agent workspaces
	// are allocated.
	WorkspaceBase string `mapstructure:"workspaceBase"`
}

// PersistenceConfig holds file persistence paths.
type PersistenceConfig struct {
	// BasePath is the persistent root. Falls back to the OS temp dir
	// when the configured path does not exist.
	BasePath string `mapstructure:"basePath"`
	// DBPath is the sqlite database used for agent records.
	DBPath string `mapstructure:"dbPath"`
}

// Load reads configuration from file and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/hivemind")

	v.SetEnvPrefix("HIVEMIND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; only surface real parse errors.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Persistence.BasePath = resolveBasePath(cfg.Persistence.BasePath)
	if cfg.Persistence.DBPath == "" {
		cfg.Persistence.DBPath = filepath.Join(cfg.Persistence.BasePath, "hivemind.db")
	}
	if cfg.Agent.WorkspaceBase == "" {
		// The manager allocates workspaces/<id> under this base.
		cfg.Agent.WorkspaceBase = cfg.Persistence.BasePath
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8787)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0) // streaming endpoints need no write deadline

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "hivemind")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("agent.command", []string{"claude", "--output-format", "stream-json", "--input-format", "stream-json", "--verbose"})
	v.SetDefault("agent.workspaceBase", "")

	v.SetDefault("persistence.basePath", "/persistent")
	v.SetDefault("persistence.dbPath", "")
}

// resolveBasePath returns the configured persistent base path, falling back
// to a directory under the OS temp dir when it does not exist.
func resolveBasePath(base string) string {
	if base == "" {
		base = "/persistent"
	}
	if info, err := os.Stat(base); err == nil && info.IsDir() {
		return base
	}
	fallback := filepath.Join(os.TempDir(), "hivemind")
	_ = os.MkdirAll(fallback, 0755)
	return fallback
}

// Addr returns the listen address for the HTTP server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
