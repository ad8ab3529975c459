package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossmaurice/iceoryx/internal/infrastructure/monitoring"
	"github.com/mossmaurice/iceoryx/internal/ipc"
	"github.com/mossmaurice/iceoryx/internal/roudi"
)

// Broker is the part of a running broker the HTTP surface reads.
type Broker interface {
	RouDiID() string
	State() roudi.State
	Introspection() ipc.Introspection
	Watch() (<-chan ipc.Introspection, func())
}

// Handlers serves read-only introspection over HTTP.
type Handlers struct {
	broker  Broker
	metrics *monitoring.Metrics
}

// NewHandlers creates the handler set; metrics may be nil.
func NewHandlers(broker Broker, metrics *monitoring.Metrics) *Handlers {
	return &Handlers{broker: broker, metrics: metrics}
}

// Health reports whether the broker is serving registrations
func (h *Handlers) Health(c *gin.Context) {
	state := h.broker.State()
	status := http.StatusOK
	if state != roudi.StateRunning {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":   state.String(),
		"roudi_id": h.broker.RouDiID(),
	})
}

// ListProcesses returns every registered process
func (h *Handlers) ListProcesses(c *gin.Context) {
	snapshot := h.broker.Introspection()
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"processes": snapshot.Processes,
		"count":     len(snapshot.Processes),
	})
}

// GetProcess returns one registered process
func (h *Handlers) GetProcess(c *gin.Context) {
	name := c.Param("name")
	for _, p := range h.broker.Introspection().Processes {
		if p.Name == name {
			c.JSON(http.StatusOK, gin.H{
				"success": true,
				"process": p,
			})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{
		"success": false,
		"error":   "process not registered: " + name,
	})
}

// Memory returns segment, mempool and port usage
func (h *Handlers) Memory(c *gin.Context) {
	snapshot := h.broker.Introspection()
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"segments":   snapshot.Memory.Segments,
		"mempools":   snapshot.Memory.MemPools,
		"ports_used": snapshot.PortsUsed,
		"ports_max":  snapshot.PortsMax,
	})
}

// Introspection returns the full snapshot
func (h *Handlers) Introspection(c *gin.Context) {
	c.JSON(http.StatusOK, h.broker.Introspection())
}

// MetricsJSON returns the counters as JSON
func (h *Handlers) MetricsJSON(c *gin.Context) {
	if h.metrics == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "metrics disabled",
		})
		return
	}
	c.JSON(http.StatusOK, h.metrics.Snapshot())
}
