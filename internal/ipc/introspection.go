package ipc

import (
	"time"

	"github.com/mossmaurice/iceoryx/internal/shm"
	"github.com/mossmaurice/iceoryx/internal/version"
)

// ProcessInfo describes one registered process.
type ProcessInfo struct {
	Name          string              `json:"name"`
	PID           int                 `json:"pid"`
	UserID        int                 `json:"uid"`
	SessionID     uint64              `json:"session_id"`
	RegisteredAt  time.Time           `json:"registered_at"`
	LastKeepAlive time.Time           `json:"last_keepalive"`
	Version       version.Info        `json:"version"`
	PortID        string              `json:"port_id"`
	Port          shm.RelativePointer `json:"port"`
}

// Introspection is a snapshot of broker state.
type Introspection struct {
	RouDiID   string        `json:"roudi_id"`
	Version   version.Info  `json:"version"`
	State     string        `json:"state"`
	Processes []ProcessInfo `json:"processes"`
	Memory    shm.Stats     `json:"memory"`
	PortsUsed int           `json:"ports_used"`
	PortsMax  int           `json:"ports_max"`
	TakenAt   time.Time     `json:"taken_at"`
}
