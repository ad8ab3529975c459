// Package logging provides structured logging using uber/zap.
//
// Two modes:
//   - Production: JSON lines on stderr, one "component" field per broker
//     part (roudi, process-manager, memory, http)
//   - Development: colored console output for human readability
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	log := logger.Component("roudi")
//	log.Info("Process registered", zap.String("process", name), zap.Uint64("session_id", id))
package logging
