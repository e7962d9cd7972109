// Package config handles configuration loading for capstan. It supports XDG
// config paths, project-level overrides, .env files, and environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for capstan.
type Config struct {
	Registry  RegistryConfig  `mapstructure:"registry"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Store     StoreConfig     `mapstructure:"store"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Invoker   InvokerConfig   `mapstructure:"invoker"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// RegistryConfig holds capability registry settings.
type RegistryConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// ArtifactsConfig holds artifact store settings.
type ArtifactsConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// StoreConfig holds plan persistence settings.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// SchedulerConfig holds scheduling loop settings.
type SchedulerConfig struct {
	MaxCycles      int           `mapstructure:"max_cycles"`
	CycleInterval  time.Duration `mapstructure:"cycle_interval"`
	Policy         string        `mapstructure:"policy"`
	MaxBulkRetries int           `mapstructure:"max_bulk_retries"`
}

// InvokerConfig holds remote worker invocation settings.
type InvokerConfig struct {
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	PollInitialInterval time.Duration `mapstructure:"poll_initial_interval"`
	PollMaxInterval     time.Duration `mapstructure:"poll_max_interval"`
	PollMaxElapsed      time.Duration `mapstructure:"poll_max_elapsed"`
}

// PipelineConfig holds linear pipeline settings.
type PipelineConfig struct {
	MaxRevisions int `mapstructure:"max_revisions"`
}

// ServerConfig holds edit API server settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration with the following precedence, highest first:
// environment variables (CAPSTAN_*), a .env file in the working directory,
// project config (.capstan.yaml in the current directory or a parent), user
// config (~/.config/capstan/config.yaml), built-in defaults.
func Load() (*Config, error) {
	// A missing .env file is the normal case.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		pv := viper.New()
		pv.SetConfigFile(projectConfig)
		if err := pv.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(pv.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	bindEnv(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	bindEnv(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// UserConfigPath returns the path to the user config file.
func UserConfigPath() string {
	return filepath.Join(userConfigDir(), "config.yaml")
}

// ProjectConfigPath returns the path to the project config file, or empty
// if none exists.
func ProjectConfigPath() string {
	return findProjectConfig()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("registry.base_url", "http://localhost:8300")
	v.SetDefault("artifacts.base_url", "http://localhost:8301")
	v.SetDefault("store.path", "")

	v.SetDefault("scheduler.max_cycles", 25)
	v.SetDefault("scheduler.cycle_interval", "2s")
	v.SetDefault("scheduler.policy", "none")
	v.SetDefault("scheduler.max_bulk_retries", 1)

	v.SetDefault("invoker.request_timeout", "30s")
	v.SetDefault("invoker.poll_initial_interval", "500ms")
	v.SetDefault("invoker.poll_max_interval", "10s")
	v.SetDefault("invoker.poll_max_elapsed", "10m")

	v.SetDefault("pipeline.max_revisions", 3)

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8311)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

func bindEnv(v *viper.Viper) {
	v.AutomaticEnv()
	v.SetEnvPrefix("CAPSTAN")

	v.BindEnv("registry.base_url", "CAPSTAN_REGISTRY_URL")
	v.BindEnv("artifacts.base_url", "CAPSTAN_ARTIFACTS_URL")
	v.BindEnv("store.path", "CAPSTAN_DB_PATH")
	v.BindEnv("scheduler.policy", "CAPSTAN_POLICY")
	v.BindEnv("logging.level", "CAPSTAN_LOG_LEVEL")
}

// userConfigDir returns the XDG config directory for capstan.
func userConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "capstan")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "capstan")
	}
	return filepath.Join(home, ".config", "capstan")
}

// findProjectConfig searches for .capstan.yaml in the current directory and
// parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		configPath := filepath.Join(cwd, ".capstan.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}
	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Registry:  RegistryConfig{BaseURL: "http://localhost:8300"},
		Artifacts: ArtifactsConfig{BaseURL: "http://localhost:8301"},
		Scheduler: SchedulerConfig{
			MaxCycles:      25,
			CycleInterval:  2 * time.Second,
			Policy:         "none",
			MaxBulkRetries: 1,
		},
		Invoker: InvokerConfig{
			RequestTimeout:      30 * time.Second,
			PollInitialInterval: 500 * time.Millisecond,
			PollMaxInterval:     10 * time.Second,
			PollMaxElapsed:      10 * time.Minute,
		},
		Pipeline: PipelineConfig{MaxRevisions: 3},
		Server:   ServerConfig{Host: "127.0.0.1", Port: 8311},
		Logging:  LoggingConfig{Level: "info", Format: "console"},
	}
}
