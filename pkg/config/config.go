package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the spoold agent configuration.
//
// This structure captures the static configuration of one storage-pool
// agent:
//   - Logging configuration
//   - Metrics server settings
//   - Management API server settings
//   - Pool identity (pool id, host id, mailbox sizing)
//   - Attached storage domains and the master domain reference
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (SPOOLD_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// API contains management API server configuration
	API APIConfig `mapstructure:"api" yaml:"api"`

	// Pool identifies this host within its storage pool and sizes the
	// mailbox region
	Pool PoolConfig `mapstructure:"pool" yaml:"pool"`

	// Domains lists the storage domains attached to the pool. Exactly one
	// must be named by Pool.MasterDomain.
	Domains []DomainConfig `mapstructure:"domains" validate:"required,min=1,dive" yaml:"domains"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false, no metrics are collected (zero overhead).
type MetricsConfig struct {
	// Enabled controls whether metrics collection and HTTP server are enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint
	// Default: 9090
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// APIConfig configures the management HTTP API server.
type APIConfig struct {
	// Port is the HTTP port for the API endpoints.
	// Default: 8680
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`

	// ReadTimeout is the maximum duration for reading the entire request,
	// including the body. A zero or negative value means there is no timeout.
	// Default: 10s
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes of the
	// response. Long-running operations (SPM start against a contended
	// lease) run within this bound.
	// Default: 120s
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the maximum amount of time to wait for the next request
	// when keep-alives are enabled. If zero, the value of ReadTimeout is used.
	// Default: 60s
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// PoolConfig identifies this host within its storage pool.
type PoolConfig struct {
	// ID is the pool UUID.
	ID uuid.UUID `mapstructure:"id" validate:"required" yaml:"id"`

	// HostID is this host's stable id within the pool.
	// Valid range: 1..MaxHosts.
	HostID int `mapstructure:"host_id" validate:"required,min=1" yaml:"host_id"`

	// MaxHosts is the number of hosts the pool's mailbox region serves.
	// Default: 250
	MaxHosts int `mapstructure:"max_hosts" validate:"omitempty,min=1,max=2000" yaml:"max_hosts"`

	// MasterDomain is the UUID of the domain currently holding the master
	// role. Must name an entry in Domains.
	MasterDomain uuid.UUID `mapstructure:"master_domain" validate:"required" yaml:"master_domain"`

	// PollInterval between mailbox passes.
	// Default: 2s
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`

	// StopTimeout bounds mailbox shutdown during SPM stop.
	// Default: 30s
	StopTimeout time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`

	// ExtendTimeout bounds a single coordinator-side volume extend.
	// Default: 60s
	ExtendTimeout time.Duration `mapstructure:"extend_timeout" yaml:"extend_timeout"`

	// Workers is the number of message handler goroutines per mailbox.
	// Default: 4
	Workers int `mapstructure:"workers" validate:"omitempty,min=1" yaml:"workers"`

	// QueueSize is the handler queue depth per mailbox.
	// Default: 64
	QueueSize int `mapstructure:"queue_size" validate:"omitempty,min=1" yaml:"queue_size"`
}

// DomainConfig describes one attached storage domain.
type DomainConfig struct {
	// ID is the domain UUID.
	ID uuid.UUID `mapstructure:"id" validate:"required" yaml:"id"`

	// Root is the domain's filesystem root.
	Root string `mapstructure:"root" validate:"required" yaml:"root"`

	// Inbox is the path of the domain's requester-to-coordinator mailbox
	// extent (a block device or a regular file). Empty disables the mailbox
	// for this domain.
	Inbox string `mapstructure:"inbox" yaml:"inbox,omitempty"`

	// Outbox is the path of the coordinator-to-requester mailbox extent.
	Outbox string `mapstructure:"outbox" yaml:"outbox,omitempty"`

	// LeaseAcquireTimeout bounds one SPM lease acquisition attempt.
	// Default: 30s
	LeaseAcquireTimeout time.Duration `mapstructure:"lease_acquire_timeout" yaml:"lease_acquire_timeout"`

	// LeaseRetryInterval is the pause between lease acquisition retries.
	// Default: 1s
	LeaseRetryInterval time.Duration `mapstructure:"lease_retry_interval" yaml:"lease_retry_interval"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (SPOOLD_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	// A pool agent cannot run on defaults alone: the pool id, host id and
	// domain list have no sensible default values.
	if !configFileFound {
		return nil, fmt.Errorf("no configuration file found; pool identity and domains must be configured")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages.
// It checks if the config file exists and provides user-friendly instructions if not.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  spoold init\n\n"+
				"Or specify a custom config file:\n"+
				"  spoold <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  spoold init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path.
// The configuration is saved in YAML format using proper yaml tags.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the SPOOLD_ prefix and underscores.
	// Example: SPOOLD_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("SPOOLD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/spoold/config.yaml
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error) where fileFound indicates if a config file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
// This includes UUID and time.Duration parsing.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		uuidDecodeHook(),
		durationDecodeHook(),
	)
}

// uuidDecodeHook returns a mapstructure decode hook that parses canonical
// UUID strings into uuid.UUID values.
func uuidDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(uuid.UUID{}) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return uuid.Parse(v)
		default:
			return data, nil
		}
	}
}

// durationDecodeHook returns a mapstructure decode hook that converts strings
// to time.Duration. This enables config files to use human-readable durations
// like "30s", "5m", "1h".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			// Assume nanoseconds for raw integers
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "spoold")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "spoold")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	path := GetDefaultConfigPath()
	_, err := os.Stat(path)
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
