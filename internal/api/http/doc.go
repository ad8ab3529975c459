// Package http exposes the broker's introspection over a read-only gin
// router: health, the process table, memory usage and Prometheus metrics.
//
// Routes:
//
//	GET /health            200 while running, 503 otherwise
//	GET /introspection     full snapshot
//	GET /processes         registered processes
//	GET /processes/:name   one process, 404 if unknown
//	GET /memory            segments, mempools, port slots
//	GET /metrics           Prometheus exposition
//	GET /metrics/json      counter snapshot
package http
