package monitoring

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "iox_roudi"

// Registration results
const (
	ResultAccepted = "accepted"
)

// Reclaim causes
const (
	CauseDead         = "dead"
	CauseTimeout      = "keepalive_timeout"
	CauseStale        = "stale"
	CauseReregistered = "reregistered"
	CauseShutdown     = "shutdown"
)

// Metrics holds all Prometheus metrics of one broker
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Process table metrics
	ProcessesRegistered  prometheus.Gauge
	Registrations        *prometheus.CounterVec
	RegistrationDuration prometheus.Histogram
	Deregistrations      prometheus.Counter
	ProcessesReclaimed   *prometheus.CounterVec

	// Channel metrics
	Messages          *prometheus.CounterVec
	MalformedMessages prometheus.Counter

	// Memory metrics
	PortsUsed         prometheus.Gauge
	PortsCapacity     prometheus.Gauge
	MemPoolChunksUsed *prometheus.GaugeVec

	startTime time.Time

	// Snapshot for JSON API - track current values
	snapshot MetricsSnapshot

	mu sync.RWMutex
}

// MetricsSnapshot holds current metric values for JSON API
type MetricsSnapshot struct {
	Registrations     int64   `json:"registrations"`
	Rejections        int64   `json:"rejections"`
	Deregistrations   int64   `json:"deregistrations"`
	Reclaimed         int64   `json:"reclaimed"`
	MalformedMessages int64   `json:"malformed_messages"`
	ActiveProcesses   int64   `json:"active_processes"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
}

// NewMetrics creates a metrics collector on its own registry, so several
// brokers can live in one process.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		// HTTP metrics
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of introspection HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Introspection HTTP request duration in seconds",
				Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"method", "path"},
		),

		// Process table metrics
		ProcessesRegistered: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "processes_registered",
				Help:      "Number of processes in the process table",
			},
		),
		Registrations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registrations_total",
				Help:      "Registration attempts by result",
			},
			[]string{"result"},
		),
		RegistrationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "registration_duration_seconds",
				Help:      "Time from receiving REGISTER to sending the reply",
				Buckets:   []float64{.00005, .0001, .0005, .001, .005, .01, .05, .1},
			},
		),
		Deregistrations: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deregistrations_total",
				Help:      "Processes that unregistered themselves",
			},
		),
		ProcessesReclaimed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "processes_reclaimed_total",
				Help:      "Process entries removed by the broker, by cause",
			},
			[]string{"cause"},
		),

		// Channel metrics
		Messages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Messages received on the broker channel by type",
			},
			[]string{"type"},
		),
		MalformedMessages: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "malformed_messages_total",
				Help:      "Frames dropped because they did not decode or validate",
			},
		),

		// Memory metrics
		PortsUsed: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ports_used",
				Help:      "Port slots currently granted",
			},
		),
		PortsCapacity: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ports_capacity",
				Help:      "Port slots available in the management segment",
			},
		),
		MemPoolChunksUsed: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "mempool_chunks_used",
				Help:      "Chunks in use per mempool",
			},
			[]string{"segment", "chunk_size"},
		),
	}

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Broker uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRegistration records the outcome of one REGISTER request.
func (m *Metrics) RecordRegistration(result string, duration time.Duration) {
	m.Registrations.WithLabelValues(result).Inc()
	m.RegistrationDuration.Observe(duration.Seconds())

	m.mu.Lock()
	if result == ResultAccepted {
		m.snapshot.Registrations++
	} else {
		m.snapshot.Rejections++
	}
	m.mu.Unlock()
}

// IncDeregistrations counts a process that unregistered itself
func (m *Metrics) IncDeregistrations() {
	m.Deregistrations.Inc()
	m.mu.Lock()
	m.snapshot.Deregistrations++
	m.mu.Unlock()
}

// RecordReclaimed counts an entry removed by the broker
func (m *Metrics) RecordReclaimed(cause string) {
	m.ProcessesReclaimed.WithLabelValues(cause).Inc()
	m.mu.Lock()
	m.snapshot.Reclaimed++
	m.mu.Unlock()
}

// RecordMessage counts a received message
func (m *Metrics) RecordMessage(msgType string) {
	m.Messages.WithLabelValues(msgType).Inc()
}

// IncMalformed counts a dropped frame
func (m *Metrics) IncMalformed() {
	m.MalformedMessages.Inc()
	m.mu.Lock()
	m.snapshot.MalformedMessages++
	m.mu.Unlock()
}

// SetProcesses sets the number of registered processes
func (m *Metrics) SetProcesses(count int) {
	m.ProcessesRegistered.Set(float64(count))
	m.mu.Lock()
	m.snapshot.ActiveProcesses = int64(count)
	m.mu.Unlock()
}

// SetPorts sets port slot usage
func (m *Metrics) SetPorts(used, capacity int) {
	m.PortsUsed.Set(float64(used))
	m.PortsCapacity.Set(float64(capacity))
}

// SetMemPoolUsage sets the chunks in use for one pool
func (m *Metrics) SetMemPoolUsage(segment, chunkSize string, used uint64) {
	m.MemPoolChunksUsed.WithLabelValues(segment, chunkSize).Set(float64(used))
}

// Snapshot returns the current values for the JSON API
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.snapshot
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	return s
}
