// Package runtime is the client side of registration: a process opens its
// own reply endpoint, registers with the broker, maps the management
// segment and keeps its session alive.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mossmaurice/iceoryx/internal/ipc"
	"github.com/mossmaurice/iceoryx/internal/popo"
	"github.com/mossmaurice/iceoryx/internal/roudi"
	"github.com/mossmaurice/iceoryx/internal/shared/errdefs"
	"github.com/mossmaurice/iceoryx/internal/shm"
	"github.com/mossmaurice/iceoryx/internal/version"
)

var (
	ErrNotRegistered     = errors.New("runtime: not registered")
	ErrAlreadyRegistered = errors.New("runtime: already registered")
	ErrForeignSegment    = errors.New("runtime: management segment belongs to another broker")
)

const (
	DefaultReplyTimeout      = time.Second
	DefaultKeepAliveInterval = 300 * time.Millisecond
	DefaultRetryInterval     = 500 * time.Millisecond
)

// Config configures a Runtime.
type Config struct {
	// Name is the process name; it is also the reply endpoint name.
	Name string
	// Broker is the broker's channel name.
	Broker       string
	Transport    ipc.Transport
	Version      version.Info
	UserID       int
	ReplyTimeout time.Duration
	Logger       *zap.Logger
}

// Runtime is one process's connection to the broker. Requests are
// serialised; the keep-alive loop only sends.
type Runtime struct {
	cfg      Config
	pid      int
	endpoint ipc.Endpoint
	logger   *zap.Logger

	reqMu sync.Mutex

	mu        sync.RWMutex
	sessionID uint64
	roudiID   string
	grant     ipc.Grant
	registry  *shm.Registry
	segment   *shm.Segment
	data      []*shm.Segment
	port      *popo.PortData
	cond      *popo.ConditionVariableData

	kaMu   sync.Mutex
	kaStop chan struct{}
	kaDone chan struct{}
}

// New opens the reply endpoint for cfg.Name.
func New(cfg Config) (*Runtime, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("%w: no transport", errdefs.ErrChannel)
	}
	if cfg.Broker == "" {
		cfg.Broker = roudi.DefaultChannelName
	}
	if cfg.Version.Version == "" {
		cfg.Version = version.Current()
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = DefaultReplyTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.UserID == 0 {
		cfg.UserID = os.Getuid()
	}

	endpoint, err := cfg.Transport.Open(cfg.Name)
	if err != nil {
		return nil, err
	}
	return &Runtime{
		cfg:      cfg,
		pid:      os.Getpid(),
		endpoint: endpoint,
		logger:   cfg.Logger.Named("runtime").With(zap.String("process", cfg.Name)),
	}, nil
}

// Register sends REGISTER and waits for the reply carrying the same
// transmission timestamp. Replies to earlier attempts are discarded. On
// success the management segment is mapped and the port resolved.
func (r *Runtime) Register(ctx context.Context) (ipc.Grant, error) {
	r.reqMu.Lock()
	defer r.reqMu.Unlock()

	if r.Registered() {
		return ipc.Grant{}, ErrAlreadyRegistered
	}

	ts := ipc.NewTimestamp()
	v := r.cfg.Version
	req := ipc.Message{
		Type:                  ipc.TypeRegister,
		Name:                  r.cfg.Name,
		PID:                   r.pid,
		UserID:                r.cfg.UserID,
		TransmissionTimestamp: ts,
		Version:               &v,
	}

	reply, err := r.roundTrip(ctx, req, func(msg ipc.Message) bool {
		return (msg.Type == ipc.TypeRegisterAck || msg.Type == ipc.TypeRegisterNack) &&
			msg.TransmissionTimestamp == ts
	})
	if err != nil {
		return ipc.Grant{}, err
	}
	if reply.Type == ipc.TypeRegisterNack {
		return ipc.Grant{}, reply.Err()
	}

	if err := r.attach(reply); err != nil {
		r.abandon(ctx, reply.SessionID)
		return ipc.Grant{}, err
	}
	r.logger.Info("Registered",
		zap.Uint64("session_id", reply.SessionID),
		zap.String("roudi_id", reply.RouDiID))
	return *reply.Grant, nil
}

// abandon gives back a session whose grant could not be mapped, so the
// broker does not keep the entry and its port until a restart.
func (r *Runtime) abandon(ctx context.Context, session uint64) {
	_, err := r.roundTrip(ctx, ipc.Message{
		Type:      ipc.TypeUnregister,
		Name:      r.cfg.Name,
		SessionID: session,
	}, func(msg ipc.Message) bool {
		return msg.Type == ipc.TypeUnregisterAck && msg.SessionID == session
	})
	if err != nil {
		r.logger.Warn("Failed to give back unusable session",
			zap.Uint64("session_id", session), zap.Error(err))
	}
}

// Connect registers, retrying while the broker is unreachable or does
// not answer. Rejections end the retries.
func (r *Runtime) Connect(ctx context.Context, interval time.Duration) (ipc.Grant, error) {
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	for {
		grant, err := r.Register(ctx)
		if err == nil || !(errors.Is(err, errdefs.ErrChannel) || errors.Is(err, errdefs.ErrTimeout)) {
			return grant, err
		}
		r.logger.Warn("RouDi not found, waiting", zap.Error(err))

		select {
		case <-ctx.Done():
			return ipc.Grant{}, fmt.Errorf("%w: %v", errdefs.ErrTimeout, ctx.Err())
		case <-time.After(interval):
		}
	}
}

// roundTrip sends req to the broker and returns the first reply match
// accepts, waiting at most ReplyTimeout or until ctx ends.
func (r *Runtime) roundTrip(ctx context.Context, req ipc.Message, match func(ipc.Message) bool) (ipc.Message, error) {
	deadline := time.Now().Add(r.cfg.ReplyTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	sendCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if err := r.cfg.Transport.Send(sendCtx, r.cfg.Broker, req); err != nil {
		return ipc.Message{}, err
	}

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ipc.Message{}, fmt.Errorf("%w: no %s reply from %q", errdefs.ErrTimeout, req.Type, r.cfg.Broker)
		}
		msg, err := r.endpoint.Receive(remaining)
		switch {
		case errors.Is(err, errdefs.ErrTimeout):
			continue
		case errors.Is(err, errdefs.ErrChannel):
			r.logger.Debug("Discarding malformed reply", zap.Error(err))
			continue
		case err != nil:
			return ipc.Message{}, err
		}
		if !match(msg) {
			r.logger.Debug("Discarding stale reply",
				zap.String("type", string(msg.Type)),
				zap.Int64("transmission_timestamp", msg.TransmissionTimestamp),
				zap.Uint64("session_id", msg.SessionID))
			continue
		}
		return msg, nil
	}
}

func (r *Runtime) attach(ack ipc.Message) error {
	grant := *ack.Grant
	seg, err := shm.OpenSegment(grant.SegmentDir, grant.ManagementSegment)
	if err != nil {
		return err
	}
	if seg.RouDiID() != ack.RouDiID {
		seg.Close()
		return fmt.Errorf("%w: segment %s, reply %s", ErrForeignSegment, seg.RouDiID(), ack.RouDiID)
	}

	registry := shm.NewRegistry()
	if err := registry.RegisterSegment(seg); err != nil {
		seg.Close()
		return err
	}
	port, err := shm.At[popo.PortData](registry, grant.Port)
	if err != nil {
		seg.Close()
		return err
	}
	cond, err := shm.At[popo.ConditionVariableData](registry, grant.ConditionVariable)
	if err != nil {
		seg.Close()
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionID = ack.SessionID
	r.roudiID = ack.RouDiID
	r.grant = grant
	r.registry = registry
	r.segment = seg
	r.port = port
	r.cond = cond
	return nil
}

func (r *Runtime) detach() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	if r.segment != nil {
		r.registry.UnregisterAll()
		for _, seg := range r.data {
			err = multierr.Append(err, seg.Close())
		}
		err = multierr.Append(err, r.segment.Close())
	}
	r.sessionID = 0
	r.grant = ipc.Grant{}
	r.registry = nil
	r.segment = nil
	r.data = nil
	r.port = nil
	r.cond = nil
	return err
}

// KeepAlive sends one KEEPALIVE for the current session.
func (r *Runtime) KeepAlive(ctx context.Context) error {
	session := r.SessionID()
	if session == 0 {
		return ErrNotRegistered
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ReplyTimeout)
	defer cancel()
	return r.cfg.Transport.Send(ctx, r.cfg.Broker, ipc.Message{
		Type:      ipc.TypeKeepAlive,
		Name:      r.cfg.Name,
		SessionID: session,
	})
}

// StartKeepAlive sends a keep-alive every interval until StopKeepAlive,
// Unregister or Close. A running loop is left as is.
func (r *Runtime) StartKeepAlive(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}

	r.kaMu.Lock()
	defer r.kaMu.Unlock()
	if r.kaStop != nil {
		return
	}
	stop, done := make(chan struct{}), make(chan struct{})
	r.kaStop, r.kaDone = stop, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := r.KeepAlive(context.Background()); err != nil {
					r.logger.Warn("Keep-alive failed", zap.Error(err))
				}
			}
		}
	}()
}

// StopKeepAlive stops the keep-alive loop and waits for it.
func (r *Runtime) StopKeepAlive() {
	r.kaMu.Lock()
	stop, done := r.kaStop, r.kaDone
	r.kaStop, r.kaDone = nil, nil
	r.kaMu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// Unregister ends the session and unmaps the management segment.
func (r *Runtime) Unregister(ctx context.Context) error {
	r.StopKeepAlive()

	r.reqMu.Lock()
	defer r.reqMu.Unlock()

	session := r.SessionID()
	if session == 0 {
		return ErrNotRegistered
	}
	_, err := r.roundTrip(ctx, ipc.Message{
		Type:      ipc.TypeUnregister,
		Name:      r.cfg.Name,
		SessionID: session,
	}, func(msg ipc.Message) bool {
		return msg.Type == ipc.TypeUnregisterAck && msg.SessionID == session
	})
	if detachErr := r.detach(); err == nil {
		err = detachErr
	}
	if err == nil {
		r.logger.Info("Unregistered", zap.Uint64("session_id", session))
	}
	return err
}

// QueryIntrospection asks the broker for a snapshot of its state.
func (r *Runtime) QueryIntrospection(ctx context.Context) (ipc.Introspection, error) {
	r.reqMu.Lock()
	defer r.reqMu.Unlock()

	reply, err := r.roundTrip(ctx, ipc.Message{
		Type: ipc.TypeIntrospectionQuery,
		Name: r.cfg.Name,
	}, func(msg ipc.Message) bool {
		return msg.Type == ipc.TypeIntrospectionReply && msg.Introspection != nil
	})
	if err != nil {
		return ipc.Introspection{}, err
	}
	return *reply.Introspection, nil
}

// Summary reads the process summary the broker keeps in shared memory.
// The data segment holding it is mapped on first use.
func (r *Runtime) Summary() (roudi.SummarySnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.segment == nil {
		return roudi.SummarySnapshot{}, ErrNotRegistered
	}
	ptr := r.grant.Introspection
	if ptr.IsNull() {
		return roudi.SummarySnapshot{}, fmt.Errorf("%w: broker runs without introspection", errdefs.ErrResourceExhausted)
	}
	if _, err := r.registry.Resolve(ptr); errors.Is(err, shm.ErrUnknownSegment) {
		if err := r.mapDataSegment(ptr.Segment); err != nil {
			return roudi.SummarySnapshot{}, err
		}
	}
	return roudi.ReadSummary(r.registry, ptr)
}

// mapDataSegment finds the data segment with id among the broker's
// segments next to the management segment. It stays mapped until detach.
func (r *Runtime) mapDataSegment(id uint64) error {
	prefix := strings.TrimSuffix(r.grant.ManagementSegment, "management")
	entries, err := os.ReadDir(r.grant.SegmentDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || name == r.grant.ManagementSegment {
			continue
		}
		seg, err := shm.OpenSegment(r.grant.SegmentDir, name)
		if err != nil {
			continue
		}
		if seg.ID() != id || seg.RouDiID() != r.roudiID {
			seg.Close()
			continue
		}
		if err := r.registry.RegisterSegment(seg); err != nil {
			seg.Close()
			return err
		}
		r.data = append(r.data, seg)
		return nil
	}
	return fmt.Errorf("%w: data segment %d", shm.ErrUnknownSegment, id)
}

// Waiter blocks on the port's condition variable.
func (r *Runtime) Waiter() (*popo.Waiter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cond == nil {
		return nil, ErrNotRegistered
	}
	return popo.NewWaiter(r.cond), nil
}

// Signaler notifies the port's condition variable.
func (r *Runtime) Signaler() (*popo.Signaler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cond == nil {
		return nil, ErrNotRegistered
	}
	return popo.NewSignaler(r.cond), nil
}

// Port returns the port slot granted by the broker.
func (r *Runtime) Port() *popo.PortData {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.port
}

// SessionID returns the current session, or zero.
func (r *Runtime) SessionID() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessionID
}

// RouDiID returns the id of the broker that accepted the registration.
func (r *Runtime) RouDiID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roudiID
}

// Registered reports whether a session is active.
func (r *Runtime) Registered() bool { return r.SessionID() != 0 }

// Close stops keep-alives, unmaps shared memory and closes the endpoint.
// It does not unregister; the broker reclaims the entry once the process
// is gone.
func (r *Runtime) Close() error {
	r.StopKeepAlive()
	err := r.detach()
	if cErr := r.endpoint.Close(); err == nil {
		err = cErr
	}
	return err
}
