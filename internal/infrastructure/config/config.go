package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/mossmaurice/iceoryx/internal/roudi"
	"github.com/mossmaurice/iceoryx/internal/version"
)

// Config holds all broker configuration.
type Config struct {
	RouDi         RouDiConfig
	Memory        MemoryConfig
	Introspection IntrospectionConfig
	Logging       LogConfig
	RateLimit     RateLimitConfig
}

// RouDiConfig holds the broker behaviour settings.
type RouDiConfig struct {
	MonitoringMode      roudi.MonitoringMode       `envconfig:"IOX_MONITORING_MODE" default:"on"`
	KillProcesses       bool                       `envconfig:"IOX_KILL_PROCESSES" default:"true"`
	ThreadStart         roudi.ThreadStart          `envconfig:"IOX_THREAD_START" default:"immediate"`
	Compatibility       version.CompatibilityLevel `envconfig:"IOX_COMPATIBILITY" default:"patch"`
	ChannelName         string                     `envconfig:"IOX_CHANNEL" default:"roudi"`
	ChannelDir          string                     `envconfig:"IOX_CHANNEL_DIR"`
	MessageQueueTimeout time.Duration              `envconfig:"IOX_MQ_TIMEOUT" default:"100ms"`
	DiscoveryInterval   time.Duration              `envconfig:"IOX_DISCOVERY_INTERVAL" default:"100ms"`
	KeepAliveTimeout    time.Duration              `envconfig:"IOX_KEEPALIVE_TIMEOUT" default:"1500ms"`
	ProcessKillDelay    time.Duration              `envconfig:"IOX_KILL_DELAY" default:"5s"`
}

// MemoryConfig holds the shared memory settings.
type MemoryConfig struct {
	Dir          string `envconfig:"IOX_SHM_DIR"`
	MaxProcesses int    `envconfig:"IOX_MAX_PROCESSES" default:"300"`
	// File is a TOML or YAML mempool layout; empty means the built-in one.
	File string `envconfig:"IOX_CONFIG_FILE"`
}

// IntrospectionConfig holds the HTTP introspection surface settings.
type IntrospectionConfig struct {
	Enabled bool   `envconfig:"IOX_HTTP_ENABLED" default:"true"`
	Addr    string `envconfig:"IOX_HTTP_ADDR" default:"127.0.0.1:8089"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting for the HTTP surface.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"50"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"100"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		RouDi: RouDiConfig{
			MonitoringMode:      roudi.MonitoringOn,
			KillProcesses:       true,
			ThreadStart:         roudi.ThreadStartImmediate,
			Compatibility:       version.CompatibilityPatch,
			ChannelName:         roudi.DefaultChannelName,
			MessageQueueTimeout: roudi.DefaultMessageQueueTimeout,
			DiscoveryInterval:   roudi.DefaultDiscoveryInterval,
			KeepAliveTimeout:    roudi.DefaultKeepAliveTimeout,
			ProcessKillDelay:    roudi.DefaultProcessKillDelay,
		},
		Memory: MemoryConfig{
			MaxProcesses: 300,
		},
		Introspection: IntrospectionConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8089",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
			Enabled:           true,
		},
	}
}

// Options converts the broker section into roudi.Options. Transport,
// logger and metrics are left for the caller to wire.
func (c *Config) Options() roudi.Options {
	opts := roudi.DefaultOptions()
	opts.MonitoringMode = c.RouDi.MonitoringMode
	opts.KillProcessesInDestructor = c.RouDi.KillProcesses
	opts.ThreadStart = c.RouDi.ThreadStart
	opts.CompatibilityLevel = c.RouDi.Compatibility
	opts.ChannelName = c.RouDi.ChannelName
	opts.MessageQueueTimeout = c.RouDi.MessageQueueTimeout
	opts.DiscoveryInterval = c.RouDi.DiscoveryInterval
	opts.KeepAliveTimeout = c.RouDi.KeepAliveTimeout
	opts.ProcessKillDelay = c.RouDi.ProcessKillDelay
	return opts
}
