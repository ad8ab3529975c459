package roudi

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mossmaurice/iceoryx/internal/ipc"
	"github.com/mossmaurice/iceoryx/internal/shared/errdefs"
	"github.com/mossmaurice/iceoryx/internal/shared/id"
	"github.com/mossmaurice/iceoryx/internal/shm"
)

var (
	ErrNoTransport = errors.New("roudi: no transport configured")
	errSummaryBusy = errors.New("roudi: introspection summary is being written")
)

// Memory is what the broker needs from the shared memory manager.
type Memory interface {
	RouDiID() string
	Config() shm.Config
	Registry() *shm.Registry
	Allocate(segment string, size uint64) (shm.RelativePointer, *shm.MemPool, error)
	Free(ptr shm.RelativePointer) error
	Stats() shm.Stats
	DestroyMemory() error
}

// State is the broker lifecycle.
type State int32

const (
	StateConstructed State = iota
	StateRunning
	StateDraining
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// RouDi is the broker: it serves the registration channel, keeps the
// process table alive and tears shared state down in dependency order.
type RouDi struct {
	opts      Options
	memory    Memory
	ports     *PortManager
	processes *ProcessManager
	sessions  id.SessionCounter
	endpoint  ipc.Endpoint
	hooks     Hooks
	logger    *zap.Logger

	state   atomic.Int32
	run     atomic.Bool
	stop    chan struct{}
	cancel  context.CancelFunc
	group   *errgroup.Group
	startMu sync.Mutex

	shutdownOnce sync.Once
	shutdownErr  error
	guards       guardStack

	summary    *Summary
	summaryPtr shm.RelativePointer

	errLimiter *rate.Limiter
	suppressed atomic.Uint64

	watchers watchers
}

// New builds a broker on memory that has already been created (ports
// placed in the management segment). Unless opts.ThreadStart is
// ThreadStartDefer, both loops are running when New returns.
func New(memory Memory, ports *PortManager, opts Options) (*RouDi, error) {
	if opts.Transport == nil {
		return nil, ErrNoTransport
	}
	opts.applyDefaults()

	r := &RouDi{
		opts:       opts,
		memory:     memory,
		ports:      ports,
		logger:     opts.Logger.Named("roudi"),
		stop:       make(chan struct{}),
		errLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
	r.hooks = opts.Hooks
	if r.hooks == nil {
		r.hooks = r
	}

	// The memory stays with the caller until the channel is ours.
	endpoint, err := opts.Transport.Open(opts.ChannelName)
	if err != nil {
		return nil, fmt.Errorf("roudi: opening channel %q: %w", opts.ChannelName, err)
	}
	r.endpoint = endpoint

	// Acquisition order; teardown runs the other way round.
	r.guards.push("unregister relative pointers", func() error {
		memory.Registry().UnregisterAll()
		return nil
	})
	r.guards.push("destroy memory", r.destroyMemory)

	if opts.MonitoringMode == MonitoringOn {
		if err := r.createSummary(); err != nil {
			r.logger.Warn("Process introspection summary unavailable", zap.Error(err))
		} else {
			r.guards.push("release introspection", r.releaseSummary)
		}
	}
	r.guards.push("release ports", func() error {
		if n := ports.ReleaseAll(); n > 0 {
			r.logger.Warn("Released ports still owned at teardown", zap.Int("ports", n))
		}
		return nil
	})

	cfg := memory.Config()
	dir := cfg.Dir
	if dir == "" {
		dir = shm.DefaultDir()
	}
	r.processes = NewProcessManager(ProcessManagerConfig{
		Ports:              ports,
		Transport:          opts.Transport,
		Sessions:           &r.sessions,
		Version:            opts.Version,
		CompatibilityLevel: opts.CompatibilityLevel,
		RouDiID:            memory.RouDiID(),
		Grant: GrantTemplate{
			SegmentDir:        dir,
			ManagementSegment: shm.ManagementSegmentName(cfg.Prefix),
			Introspection:     r.summaryPtr,
		},
		Prober:       opts.Prober,
		Killer:       opts.Killer,
		KillDelay:    opts.ProcessKillDelay,
		ReplyTimeout: opts.MessageQueueTimeout,
		Logger:       opts.Logger,
		Metrics:      opts.Metrics,
	})

	r.logger.Info("RouDi constructed",
		zap.String("roudi_id", memory.RouDiID()),
		zap.String("version", opts.Version.Version),
		zap.Stringer("monitoring", opts.MonitoringMode),
		zap.Stringer("compatibility", opts.CompatibilityLevel),
		zap.Stringer("thread_start", opts.ThreadStart),
		zap.Bool("kill_processes", opts.KillProcessesInDestructor))

	if opts.ThreadStart == ThreadStartImmediate {
		r.StartMQThread()
	}
	return r, nil
}

// StartMQThread starts the message loop and the maintenance loop. Calls
// after the first, or after Shutdown, do nothing.
func (r *RouDi) StartMQThread() {
	r.startMu.Lock()
	defer r.startMu.Unlock()

	if !r.state.CompareAndSwap(int32(StateConstructed), int32(StateRunning)) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	r.cancel = cancel
	r.group = group
	r.run.Store(true)

	group.Go(func() error { return r.messageLoop(ctx) })
	group.Go(func() error { return r.maintenanceLoop(ctx) })

	r.logger.Info("RouDi is ready for clients", zap.String("channel", r.opts.ChannelName))
}

func (r *RouDi) messageLoop(ctx context.Context) error {
	for r.run.Load() {
		msg, err := r.endpoint.Receive(r.opts.MessageQueueTimeout)
		switch {
		case err == nil:
			r.hooks.ProcessMessage(ctx, msg)
		case errors.Is(err, errdefs.ErrTimeout):
		case errors.Is(err, ipc.ErrEndpointClosed):
			return nil
		default:
			r.MessageErrorHandler(err)
		}
	}
	return nil
}

func (r *RouDi) maintenanceLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return nil
		case <-ticker.C:
			if !r.run.Load() {
				return nil
			}
			r.hooks.CyclicUpdate(ctx)
			if r.watchers.active() {
				r.watchers.publish(r.Introspection())
			}
		}
	}
}

// ProcessMessage dispatches one message by type. It is the default Hooks
// implementation.
func (r *RouDi) ProcessMessage(ctx context.Context, msg ipc.Message) {
	if m := r.opts.Metrics; m != nil {
		m.RecordMessage(string(msg.Type))
	}

	switch msg.Type {
	case ipc.TypeRegister:
		req, err := ParseRegisterMessage(msg)
		if err != nil {
			r.MessageErrorHandler(err)
			return
		}
		// The outcome has been sent to the client and logged.
		_ = r.processes.RegisterProcess(ctx, req)

	case ipc.TypeUnregister:
		err := r.processes.UnregisterProcess(ctx, msg.Name, msg.SessionID)
		r.logDiscarded(msg, err)

	case ipc.TypeKeepAlive:
		err := r.processes.UpdateLiveliness(msg.Name, msg.SessionID)
		r.logDiscarded(msg, err)

	case ipc.TypeIntrospectionQuery:
		snapshot := r.Introspection()
		reply := ipc.Message{
			Type:          ipc.TypeIntrospectionReply,
			Name:          msg.Name,
			RouDiID:       r.memory.RouDiID(),
			Introspection: &snapshot,
		}
		sendCtx, cancel := context.WithTimeout(ctx, r.opts.MessageQueueTimeout)
		defer cancel()
		if err := r.opts.Transport.Send(sendCtx, msg.Name, reply); err != nil {
			r.logger.Debug("Introspection reply undeliverable", zap.String("process", msg.Name), zap.Error(err))
		}

	default:
		r.MessageErrorHandler(fmt.Errorf("%w: unexpected %s from %q", errdefs.ErrChannel, msg.Type, msg.Name))
	}
}

func (r *RouDi) logDiscarded(msg ipc.Message, err error) {
	if err == nil {
		return
	}
	r.logger.Debug("Message discarded",
		zap.String("type", string(msg.Type)),
		zap.String("process", msg.Name),
		zap.Uint64("session_id", msg.SessionID),
		zap.Error(err))
}

// CyclicUpdate reclaims processes that died and, in monitoring mode,
// processes that stopped sending keep-alives; then refreshes
// introspection. It is the default Hooks implementation.
func (r *RouDi) CyclicUpdate(ctx context.Context) {
	var timeout time.Duration
	if r.opts.MonitoringMode == MonitoringOn {
		timeout = r.opts.KeepAliveTimeout
	}
	r.processes.RemoveDeadProcesses(timeout)

	if r.opts.MonitoringMode == MonitoringOn {
		r.updateIntrospection()
	}
}

// MessageErrorHandler logs a malformed or unexpected message and drops
// it. Log output is rate limited; the metric counts every occurrence.
func (r *RouDi) MessageErrorHandler(err error) {
	if m := r.opts.Metrics; m != nil {
		m.IncMalformed()
	}
	if !r.errLimiter.Allow() {
		r.suppressed.Add(1)
		return
	}
	r.logger.Warn("Dropping message",
		zap.Error(err),
		zap.Uint64("suppressed_since_last", r.suppressed.Swap(0)))
}

// ParseRegisterMessage extracts a RegisterRequest from a REGISTER message.
func ParseRegisterMessage(msg ipc.Message) (RegisterRequest, error) {
	if msg.Type != ipc.TypeRegister {
		return RegisterRequest{}, fmt.Errorf("%w: expected REGISTER, got %s", errdefs.ErrChannel, msg.Type)
	}
	if err := msg.Validate(); err != nil {
		return RegisterRequest{}, err
	}
	return RegisterRequest{
		Name:                  msg.Name,
		PID:                   msg.PID,
		UserID:                msg.UserID,
		TransmissionTimestamp: msg.TransmissionTimestamp,
		SessionID:             msg.SessionID,
		Version:               *msg.Version,
	}, nil
}

// RegisterProcess registers directly, bypassing the channel. The reply is
// still sent to the process endpoint.
func (r *RouDi) RegisterProcess(ctx context.Context, req RegisterRequest) error {
	return r.processes.RegisterProcess(ctx, req)
}

// Processes returns the process table.
func (r *RouDi) Processes() *ProcessManager { return r.processes }

// Ports returns the port manager.
func (r *RouDi) Ports() *PortManager { return r.ports }

// State returns the lifecycle state.
func (r *RouDi) State() State { return State(r.state.Load()) }

// RouDiID returns the broker instance id.
func (r *RouDi) RouDiID() string { return r.memory.RouDiID() }

// Shutdown stops both loops, removes (and with KillProcessesInDestructor
// kills) every registered process and then releases shared state:
// ports, introspection, memory, relative pointers. Only the first call
// does anything; every call returns the first call's result.
func (r *RouDi) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() {
		r.shutdownErr = r.shutdown(ctx)
	})
	return r.shutdownErr
}

func (r *RouDi) shutdown(ctx context.Context) error {
	r.startMu.Lock()
	r.state.Store(int32(StateDraining))
	r.run.Store(false)
	close(r.stop)
	group, cancel := r.group, r.cancel
	r.startMu.Unlock()

	r.logger.Info("RouDi shutting down")

	// Closing the endpoint unblocks a pending receive at once; the
	// receive timeout bounds it anyway.
	if err := r.endpoint.Close(); err != nil {
		r.logger.Warn("Closing channel", zap.Error(err))
	}
	if group != nil {
		if err := group.Wait(); err != nil {
			r.logger.Error("Loop ended with error", zap.Error(err))
		}
		cancel()
	}
	r.watchers.closeAll()

	removed := r.processes.KillAllProcesses(ctx, r.opts.KillProcessesInDestructor)
	r.logger.Info("Process table cleared",
		zap.Int("processes", removed),
		zap.Bool("killed", r.opts.KillProcessesInDestructor))

	err := r.guards.releaseAll(r.logger)
	r.state.Store(int32(StateDestroyed))
	r.logger.Info("RouDi down", zap.Error(err))
	return err
}

// destroyMemory is the second to last teardown step. Reaching it with a
// non-empty process table means the teardown order was broken, and
// unmapping now would leave clients with dangling offsets.
func (r *RouDi) destroyMemory() error {
	if n := r.processes.Len(); n != 0 {
		panic(fmt.Sprintf("roudi: destroying shared memory with %d registered processes", n))
	}
	if used := r.ports.Used(); used != 0 {
		panic(fmt.Sprintf("roudi: destroying shared memory with %d ports in use", used))
	}
	return r.memory.DestroyMemory()
}

// Introspection returns a snapshot of the broker state.
func (r *RouDi) Introspection() ipc.Introspection {
	processes := r.processes.List()
	infos := make([]ipc.ProcessInfo, len(processes))
	for i, p := range processes {
		infos[i] = p.Info()
	}
	return ipc.Introspection{
		RouDiID:   r.memory.RouDiID(),
		Version:   r.opts.Version,
		State:     r.State().String(),
		Processes: infos,
		Memory:    r.memory.Stats(),
		PortsUsed: r.ports.Used(),
		PortsMax:  r.ports.Capacity(),
		TakenAt:   time.Now(),
	}
}

// SummaryPointer returns the relative pointer of the shared process
// summary; it is null when monitoring is off.
func (r *RouDi) SummaryPointer() shm.RelativePointer { return r.summaryPtr }

func (r *RouDi) createSummary() error {
	ptr, _, err := r.memory.Allocate(r.opts.IntrospectionSegment, SummarySize)
	if err != nil {
		return err
	}
	summary, err := shm.At[Summary](r.memory.Registry(), ptr)
	if err != nil {
		return err
	}
	*summary = Summary{}
	summary.store(0, 0, r.ports.Capacity(), time.Now())
	r.summary = summary
	r.summaryPtr = ptr
	return nil
}

func (r *RouDi) releaseSummary() error {
	ptr := r.summaryPtr
	r.summary = nil
	return r.memory.Free(ptr)
}

func (r *RouDi) updateIntrospection() {
	used, capacity := r.ports.Used(), r.ports.Capacity()
	if r.summary != nil {
		r.summary.store(r.processes.Len(), used, capacity, time.Now())
	}
	if m := r.opts.Metrics; m != nil {
		m.SetPorts(used, capacity)
		for _, pool := range r.memory.Stats().MemPools {
			m.SetMemPoolUsage(pool.Segment, strconv.FormatUint(pool.ChunkSize, 10), pool.Used)
		}
	}
}
