// Package config provides 12-factor configuration management for the broker.
//
// Configuration is loaded from environment variables with sensible defaults.
// CLI flags can override environment variables.
//
// Configuration Sections:
//   - RouDi: monitoring mode, compatibility level, loop timings
//   - Memory: shared memory directory, port slot count, layout file
//   - Introspection: HTTP surface address
//   - Logging: Log level and output format
//   - RateLimit: HTTP rate limiting
//
// The mempool layout lives in a separate TOML or YAML file (see
// LoadMemoryLayout), since it is structured rather than flat.
//
// Environment Variables:
//   - IOX_MONITORING_MODE, IOX_KILL_PROCESSES, IOX_THREAD_START, IOX_COMPATIBILITY
//   - IOX_CHANNEL, IOX_CHANNEL_DIR, IOX_MQ_TIMEOUT, IOX_DISCOVERY_INTERVAL
//   - IOX_KEEPALIVE_TIMEOUT, IOX_KILL_DELAY
//   - IOX_SHM_DIR, IOX_MAX_PROCESSES, IOX_CONFIG_FILE
//   - IOX_HTTP_ENABLED, IOX_HTTP_ADDR
//   - LOG_LEVEL, LOG_DEV
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST, RATE_LIMIT_ENABLED
package config
