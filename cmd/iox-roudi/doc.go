// Package main is the entry point of iox-roudi, the broker daemon.
//
// iox-roudi creates the shared memory segments, listens on the broker
// channel for REGISTER, KEEPALIVE and UNREGISTER requests, and hands
// every registered process a port slot in the management segment.
//
// Configuration:
//   - Environment variables (IOX_*, LOG_*, RATE_LIMIT_*)
//   - CLI flags (override env vars)
//   - A TOML or YAML mempool layout via -config
//
// Usage:
//
//	# Defaults: monitoring on, processes killed on shutdown
//	./iox-roudi
//
//	# Custom layout, no monitoring, strict version check
//	./iox-roudi -config roudi.toml -monitoring-mode off -compatibility build_date
//
//	# Development mode (colored logs, debug level)
//	./iox-roudi -dev -log-level debug
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
