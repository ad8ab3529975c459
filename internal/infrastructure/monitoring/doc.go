/*
Package monitoring provides metrics collection for the broker.

# Overview

Every broker owns one Metrics value backed by its own Prometheus registry.
The registry carries the Go runtime and process collectors next to the
broker metrics, and Handler serves it for the introspection API.

# Metrics

- Process table: registered processes, registrations by result,
  registration latency, deregistrations, reclaimed entries by cause
- Channel: messages by type, malformed frames
- Memory: port slots used and available, chunks in use per mempool
- HTTP: introspection requests and their latency
- Uptime

# Usage

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	timer := monitoring.NewTimer(metrics)
	// ... handle REGISTER ...
	timer.Stop(monitoring.ResultAccepted)
*/
package monitoring
