package roudi

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mossmaurice/iceoryx/internal/infrastructure/monitoring"
	"github.com/mossmaurice/iceoryx/internal/ipc"
	"github.com/mossmaurice/iceoryx/internal/version"
)

// MonitoringMode switches keep-alive monitoring and introspection.
type MonitoringMode int

const (
	MonitoringOn MonitoringMode = iota
	MonitoringOff
)

func (m MonitoringMode) String() string {
	switch m {
	case MonitoringOn:
		return "ON"
	case MonitoringOff:
		return "OFF"
	default:
		return fmt.Sprintf("MonitoringMode(%d)", int(m))
	}
}

// UnmarshalText parses "on"/"off" in any case.
func (m *MonitoringMode) UnmarshalText(text []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(text))) {
	case "ON":
		*m = MonitoringOn
	case "OFF":
		*m = MonitoringOff
	default:
		return fmt.Errorf("unknown monitoring mode %q (want ON or OFF)", text)
	}
	return nil
}

// ThreadStart decides whether New starts the loops.
type ThreadStart int

const (
	// ThreadStartImmediate starts both loops inside New.
	ThreadStartImmediate ThreadStart = iota
	// ThreadStartDefer leaves StartMQThread to the caller, so a wrapping
	// broker can finish its own setup before clients are served.
	ThreadStartDefer
)

func (t ThreadStart) String() string {
	switch t {
	case ThreadStartImmediate:
		return "IMMEDIATE"
	case ThreadStartDefer:
		return "DEFER_START"
	default:
		return fmt.Sprintf("ThreadStart(%d)", int(t))
	}
}

// UnmarshalText parses "immediate" and "defer_start" (or "defer").
func (t *ThreadStart) UnmarshalText(text []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(text))) {
	case "IMMEDIATE":
		*t = ThreadStartImmediate
	case "DEFER_START", "DEFER":
		*t = ThreadStartDefer
	default:
		return fmt.Errorf("unknown thread start %q (want IMMEDIATE or DEFER_START)", text)
	}
	return nil
}

const (
	DefaultChannelName         = "roudi"
	DefaultMessageQueueTimeout = 100 * time.Millisecond
	DefaultDiscoveryInterval   = 100 * time.Millisecond
	DefaultKeepAliveTimeout    = 1500 * time.Millisecond
	DefaultProcessKillDelay    = 5 * time.Second
	DefaultIntrospectionPool   = "data"
)

// Hooks lets a specialised broker replace message handling and the
// periodic update. Implementations usually embed the default behaviour by
// calling back into the RouDi they wrap.
type Hooks interface {
	ProcessMessage(ctx context.Context, msg ipc.Message)
	CyclicUpdate(ctx context.Context)
}

// Options configure a broker.
type Options struct {
	MonitoringMode            MonitoringMode
	KillProcessesInDestructor bool
	ThreadStart               ThreadStart
	CompatibilityLevel        version.CompatibilityLevel

	ChannelName         string
	MessageQueueTimeout time.Duration
	DiscoveryInterval   time.Duration
	KeepAliveTimeout    time.Duration
	ProcessKillDelay    time.Duration

	// IntrospectionSegment is the data segment the shared process summary
	// is allocated from.
	IntrospectionSegment string

	Version   version.Info
	Transport ipc.Transport
	Prober    Prober
	Killer    Killer
	Hooks     Hooks
	Logger    *zap.Logger
	Metrics   *monitoring.Metrics
}

// DefaultOptions mirrors the broker's command line defaults.
func DefaultOptions() Options {
	return Options{
		MonitoringMode:            MonitoringOn,
		KillProcessesInDestructor: true,
		ThreadStart:               ThreadStartImmediate,
		CompatibilityLevel:        version.CompatibilityPatch,
		ChannelName:               DefaultChannelName,
		MessageQueueTimeout:       DefaultMessageQueueTimeout,
		DiscoveryInterval:         DefaultDiscoveryInterval,
		KeepAliveTimeout:          DefaultKeepAliveTimeout,
		ProcessKillDelay:          DefaultProcessKillDelay,
		IntrospectionSegment:      DefaultIntrospectionPool,
		Version:                   version.Current(),
	}
}

func (o *Options) applyDefaults() {
	def := DefaultOptions()
	if o.ChannelName == "" {
		o.ChannelName = def.ChannelName
	}
	if o.MessageQueueTimeout <= 0 {
		o.MessageQueueTimeout = def.MessageQueueTimeout
	}
	if o.DiscoveryInterval <= 0 {
		o.DiscoveryInterval = def.DiscoveryInterval
	}
	if o.ProcessKillDelay <= 0 {
		o.ProcessKillDelay = def.ProcessKillDelay
	}
	if o.IntrospectionSegment == "" {
		o.IntrospectionSegment = def.IntrospectionSegment
	}
	if o.Version.Version == "" {
		o.Version = def.Version
	}
	if o.Prober == nil {
		o.Prober = OSProber{}
	}
	if o.Killer == nil {
		o.Killer = OSKiller{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}
