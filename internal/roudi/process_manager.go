package roudi

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mossmaurice/iceoryx/internal/infrastructure/monitoring"
	"github.com/mossmaurice/iceoryx/internal/ipc"
	"github.com/mossmaurice/iceoryx/internal/shared/errdefs"
	"github.com/mossmaurice/iceoryx/internal/shared/id"
	"github.com/mossmaurice/iceoryx/internal/shm"
	"github.com/mossmaurice/iceoryx/internal/version"
)

var ErrNotRegistered = errors.New("roudi: process not registered")

// RegisterRequest is a parsed REGISTER message.
type RegisterRequest struct {
	Name                  string
	PID                   int
	UserID                int
	TransmissionTimestamp int64
	// SessionID is what the client sent; the broker always issues a new one.
	SessionID uint64
	Version   version.Info
}

// Process is one entry of the process table.
type Process struct {
	Name                  string
	PID                   int
	UserID                int
	SessionID             uint64
	TransmissionTimestamp int64
	Version               version.Info
	RegisteredAt          time.Time
	LastKeepAlive         time.Time
	Port                  PortGrant
}

// Info converts the entry for introspection.
func (p Process) Info() ipc.ProcessInfo {
	return ipc.ProcessInfo{
		Name:          p.Name,
		PID:           p.PID,
		UserID:        p.UserID,
		SessionID:     p.SessionID,
		RegisteredAt:  p.RegisteredAt,
		LastKeepAlive: p.LastKeepAlive,
		Version:       p.Version,
		PortID:        p.Port.PortID.String(),
		Port:          p.Port.Port,
	}
}

// GrantTemplate carries the grant fields that are the same for every
// process of one broker.
type GrantTemplate struct {
	SegmentDir        string
	ManagementSegment string
	Introspection     shm.RelativePointer
}

// ProcessManagerConfig wires a ProcessManager.
type ProcessManagerConfig struct {
	Ports              *PortManager
	Transport          ipc.Transport
	Sessions           *id.SessionCounter
	Version            version.Info
	CompatibilityLevel version.CompatibilityLevel
	RouDiID            string
	Grant              GrantTemplate
	Prober             Prober
	Killer             Killer
	KillDelay          time.Duration
	ReplyTimeout       time.Duration
	Logger             *zap.Logger
	Metrics            *monitoring.Metrics
}

// ProcessManager owns the process table. Every mutation happens under one
// table lock; replies are sent after the lock is released. Lock order is
// table lock, then the port manager's lock.
type ProcessManager struct {
	mu        sync.Mutex
	processes map[string]*Process // Protected by mu
	closed    bool                // Protected by mu

	ports     *PortManager
	transport ipc.Transport
	sessions  *id.SessionCounter
	version   version.Info
	level     version.CompatibilityLevel
	roudiID   string
	grant     GrantTemplate
	prober    Prober
	killer    Killer
	killDelay time.Duration
	replyTO   time.Duration
	logger    *zap.Logger
	metrics   *monitoring.Metrics
	now       func() time.Time
}

// NewProcessManager creates an empty process table.
func NewProcessManager(cfg ProcessManagerConfig) *ProcessManager {
	if cfg.Sessions == nil {
		cfg.Sessions = new(id.SessionCounter)
	}
	if cfg.Prober == nil {
		cfg.Prober = OSProber{}
	}
	if cfg.Killer == nil {
		cfg.Killer = OSKiller{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = DefaultMessageQueueTimeout
	}
	return &ProcessManager{
		processes: make(map[string]*Process),
		ports:     cfg.Ports,
		transport: cfg.Transport,
		sessions:  cfg.Sessions,
		version:   cfg.Version,
		level:     cfg.CompatibilityLevel,
		roudiID:   cfg.RouDiID,
		grant:     cfg.Grant,
		prober:    cfg.Prober,
		killer:    cfg.Killer,
		killDelay: cfg.KillDelay,
		replyTO:   cfg.ReplyTimeout,
		logger:    cfg.Logger.Named("process-manager"),
		metrics:   cfg.Metrics,
		now:       time.Now,
	}
}

// RegisterProcess adds name to the table and replies with REGISTER_ACK, or
// replies with REGISTER_NACK and leaves the table as it was.
//
// An existing entry with the same name belongs to a process that went away
// without unregistering (or to this process re-registering after a
// restart); it is removed and its port released first. The session id
// sent by the client is ignored: a fresh one is issued and returned.
func (m *ProcessManager) RegisterProcess(ctx context.Context, req RegisterRequest) error {
	timer := monitoring.NewTimer(m.metrics)

	entry, err := m.admit(req)
	if err != nil {
		m.logger.Warn("Registration rejected",
			zap.String("process", req.Name),
			zap.Int("pid", req.PID),
			zap.Error(err))
		m.nack(ctx, req, err)
		timer.Stop(errdefs.CodeOf(err).String())
		return err
	}

	if err := m.send(ctx, req.Name, m.ack(entry)); err != nil {
		m.rollback(entry)
		m.logger.Warn("Registration reply undeliverable, entry rolled back",
			zap.String("process", req.Name),
			zap.Uint64("session_id", entry.SessionID),
			zap.Error(err))
		timer.Stop(errdefs.CodeChannelError.String())
		return err
	}

	m.logger.Info("Process registered",
		zap.String("process", entry.Name),
		zap.Int("pid", entry.PID),
		zap.Uint64("session_id", entry.SessionID),
		zap.String("version", entry.Version.Version))
	timer.Stop(monitoring.ResultAccepted)
	return nil
}

// admit validates req and inserts the entry; it does no channel I/O.
func (m *ProcessManager) admit(req RegisterRequest) (*Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errdefs.ErrShutdownInProgress
	}
	if !m.version.CompatibleWith(req.Version, m.level) {
		return nil, fmt.Errorf("%w: broker %s, client %s, level %s",
			errdefs.ErrVersionMismatch, m.version.Version, req.Version.Version, m.level)
	}

	if old, ok := m.processes[req.Name]; ok {
		cause := monitoring.CauseStale
		if old.PID == req.PID {
			cause = monitoring.CauseReregistered
		}
		m.logger.Warn("Replacing existing process entry",
			zap.String("process", old.Name),
			zap.Int("old_pid", old.PID),
			zap.Int("pid", req.PID),
			zap.Uint64("old_session_id", old.SessionID))
		m.removeLocked(old, cause)
	}

	session := m.sessions.Next()
	grant, err := m.ports.Acquire(req.Name, req.PID, session)
	if err != nil {
		return nil, err
	}

	now := m.now()
	entry := &Process{
		Name:                  req.Name,
		PID:                   req.PID,
		UserID:                req.UserID,
		SessionID:             session,
		TransmissionTimestamp: req.TransmissionTimestamp,
		Version:               req.Version,
		RegisteredAt:          now,
		LastKeepAlive:         now,
		Port:                  grant,
	}
	m.processes[req.Name] = entry
	m.updateGauges()
	return entry, nil
}

func (m *ProcessManager) rollback(entry *Process) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Shutdown or a newer registration may already have replaced it.
	if m.processes[entry.Name] == entry {
		m.removeLocked(entry, "")
	}
}

// removeLocked drops entry and frees its port. cause is only used for
// metrics; "" counts nothing.
func (m *ProcessManager) removeLocked(entry *Process, cause string) {
	delete(m.processes, entry.Name)
	m.ports.Release(entry.Name)
	if cause != "" && m.metrics != nil {
		m.metrics.RecordReclaimed(cause)
	}
	m.updateGauges()
}

func (m *ProcessManager) updateGauges() {
	if m.metrics == nil {
		return
	}
	m.metrics.SetProcesses(len(m.processes))
	m.metrics.SetPorts(m.ports.Used(), m.ports.Capacity())
}

func (m *ProcessManager) ack(entry *Process) ipc.Message {
	return ipc.Message{
		Type:                  ipc.TypeRegisterAck,
		Name:                  entry.Name,
		TransmissionTimestamp: entry.TransmissionTimestamp,
		SessionID:             entry.SessionID,
		Version:               &m.version,
		RouDiID:               m.roudiID,
		Grant: &ipc.Grant{
			SegmentDir:        m.grant.SegmentDir,
			ManagementSegment: m.grant.ManagementSegment,
			Port:              entry.Port.Port,
			ConditionVariable: entry.Port.ConditionVariable,
			Introspection:     m.grant.Introspection,
			PortID:            entry.Port.PortID.String(),
		},
	}
}

func (m *ProcessManager) nack(ctx context.Context, req RegisterRequest, cause error) {
	msg := ipc.Message{
		Type:                  ipc.TypeRegisterNack,
		Name:                  req.Name,
		TransmissionTimestamp: req.TransmissionTimestamp,
		Version:               &m.version,
		RouDiID:               m.roudiID,
		Code:                  errdefs.CodeOf(cause),
		Reason:                cause.Error(),
	}
	if err := m.send(ctx, req.Name, msg); err != nil {
		m.logger.Debug("Rejection undeliverable", zap.String("process", req.Name), zap.Error(err))
	}
}

func (m *ProcessManager) send(ctx context.Context, to string, msg ipc.Message) error {
	if m.transport == nil {
		return fmt.Errorf("%w: no transport", errdefs.ErrChannel)
	}
	ctx, cancel := context.WithTimeout(ctx, m.replyTO)
	defer cancel()
	return m.transport.Send(ctx, to, msg)
}

// lookupLocked returns the entry for name if sessionID is current.
func (m *ProcessManager) lookupLocked(name string, sessionID uint64) (*Process, error) {
	entry, ok := m.processes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	if entry.SessionID != sessionID {
		return nil, fmt.Errorf("%w: %s sent session %d, current is %d",
			errdefs.ErrStaleSession, name, sessionID, entry.SessionID)
	}
	return entry, nil
}

// UnregisterProcess removes name if sessionID is its current session and
// acknowledges the removal.
func (m *ProcessManager) UnregisterProcess(ctx context.Context, name string, sessionID uint64) error {
	m.mu.Lock()
	entry, err := m.lookupLocked(name, sessionID)
	if err == nil {
		m.removeLocked(entry, "")
	}
	m.mu.Unlock()

	if err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.IncDeregistrations()
	}
	m.logger.Info("Process unregistered",
		zap.String("process", name),
		zap.Uint64("session_id", sessionID))

	ack := ipc.Message{Type: ipc.TypeUnregisterAck, Name: name, SessionID: sessionID, RouDiID: m.roudiID}
	if err := m.send(ctx, name, ack); err != nil {
		m.logger.Debug("Unregister acknowledgement undeliverable", zap.String("process", name), zap.Error(err))
	}
	return nil
}

// UpdateLiveliness records a keep-alive for the current session of name.
func (m *ProcessManager) UpdateLiveliness(name string, sessionID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.lookupLocked(name, sessionID)
	if err != nil {
		return err
	}
	entry.LastKeepAlive = m.now()
	return nil
}

// RemoveDeadProcesses drops entries whose process no longer exists and,
// when keepAliveTimeout is positive, entries that stopped sending
// keep-alives. It returns the removed names.
func (m *ProcessManager) RemoveDeadProcesses(keepAliveTimeout time.Duration) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var removed []string
	for _, entry := range m.sortedLocked() {
		cause := ""
		switch {
		case !m.prober.Alive(entry.PID):
			cause = monitoring.CauseDead
		case keepAliveTimeout > 0 && now.Sub(entry.LastKeepAlive) > keepAliveTimeout:
			cause = monitoring.CauseTimeout
		default:
			continue
		}
		m.logger.Warn("Removing process",
			zap.String("process", entry.Name),
			zap.Int("pid", entry.PID),
			zap.String("cause", cause),
			zap.Duration("since_keepalive", now.Sub(entry.LastKeepAlive)))
		m.removeLocked(entry, cause)
		removed = append(removed, entry.Name)
	}
	return removed
}

// KillAllProcesses closes the table to new registrations, removes every
// entry and, when kill is set, terminates the processes. It returns the
// number of removed entries.
func (m *ProcessManager) KillAllProcesses(ctx context.Context, kill bool) int {
	m.mu.Lock()
	m.closed = true
	entries := m.sortedLocked()
	for _, entry := range entries {
		m.removeLocked(entry, monitoring.CauseShutdown)
	}
	m.mu.Unlock()

	if !kill {
		return len(entries)
	}

	self := os.Getpid()
	var wg sync.WaitGroup
	for _, entry := range entries {
		if entry.PID == self {
			continue
		}
		wg.Add(1)
		go func(entry *Process) {
			defer wg.Done()
			if err := m.killer.Kill(ctx, entry.PID, m.killDelay); err != nil {
				m.logger.Error("Failed to terminate process",
					zap.String("process", entry.Name),
					zap.Int("pid", entry.PID),
					zap.Error(err))
			}
		}(entry)
	}
	wg.Wait()
	return len(entries)
}

func (m *ProcessManager) sortedLocked() []*Process {
	entries := make([]*Process, 0, len(m.processes))
	for _, entry := range m.processes {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// Get returns a copy of the entry for name.
func (m *ProcessManager) Get(name string) (Process, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.processes[name]
	if !ok {
		return Process{}, false
	}
	return *entry, true
}

// List returns copies of all entries ordered by name.
func (m *ProcessManager) List() []Process {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.sortedLocked()
	out := make([]Process, len(entries))
	for i, entry := range entries {
		out[i] = *entry
	}
	return out
}

// Len returns the number of entries.
func (m *ProcessManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.processes)
}

// Stats summarises the table.
type Stats struct {
	Processes   int    `json:"processes"`
	PortsUsed   int    `json:"ports_used"`
	PortsMax    int    `json:"ports_max"`
	LastSession uint64 `json:"last_session"`
	Closed      bool   `json:"closed"`
}

// Stats returns a consistent summary of the table.
func (m *ProcessManager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Processes:   len(m.processes),
		PortsUsed:   m.ports.Used(),
		PortsMax:    m.ports.Capacity(),
		LastSession: m.sessions.Last(),
		Closed:      m.closed,
	}
}

// Closed reports whether KillAllProcesses has run.
func (m *ProcessManager) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
