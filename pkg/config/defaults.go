package config

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyShutdownTimeoutDefaults(cfg)
	applyMetricsDefaults(&cfg.Metrics)
	applyAPIDefaults(&cfg.API)
	applyPoolDefaults(&cfg.Pool)
	for i := range cfg.Domains {
		applyDomainDefaults(&cfg.Domains[i])
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyShutdownTimeoutDefaults sets shutdown timeout defaults.
func applyShutdownTimeoutDefaults(cfg *Config) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	// Enabled defaults to false (opt-in for metrics)
	// Port defaults to 9090 if metrics are enabled
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// applyAPIDefaults sets management API server defaults.
// The API is always enabled (it is the only way to drive the SPM role).
func applyAPIDefaults(cfg *APIConfig) {
	if cfg.Port == 0 {
		cfg.Port = 8680
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// SPM start may wait out a full lease acquisition timeout.
		cfg.WriteTimeout = 120 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
}

// applyPoolDefaults sets pool defaults.
// Pool id, host id and master domain have no defaults; they identify the
// deployment and must be configured.
func applyPoolDefaults(cfg *PoolConfig) {
	if cfg.MaxHosts == 0 {
		cfg.MaxHosts = 250
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	if cfg.ExtendTimeout == 0 {
		cfg.ExtendTimeout = 60 * time.Second
	}
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 64
	}
}

// applyDomainDefaults sets per-domain lease defaults.
func applyDomainDefaults(cfg *DomainConfig) {
	if cfg.LeaseAcquireTimeout == 0 {
		cfg.LeaseAcquireTimeout = 30 * time.Second
	}
	if cfg.LeaseRetryInterval == 0 {
		cfg.LeaseRetryInterval = time.Second
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// The pool and domain identities are placeholders: the returned config is
// meant for generating sample configuration files and for tests, not for
// running an agent.
func GetDefaultConfig() *Config {
	poolID := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	domainID := uuid.MustParse("00000000-0000-0000-0000-000000000002")

	cfg := &Config{
		Pool: PoolConfig{
			ID:           poolID,
			HostID:       1,
			MasterDomain: domainID,
		},
		Domains: []DomainConfig{
			{
				ID:   domainID,
				Root: "/var/lib/spoold/domains/master",
			},
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
