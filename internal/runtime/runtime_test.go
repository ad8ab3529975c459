package runtime

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mossmaurice/iceoryx/internal/ipc"
	"github.com/mossmaurice/iceoryx/internal/popo"
	"github.com/mossmaurice/iceoryx/internal/roudi"
	"github.com/mossmaurice/iceoryx/internal/shared/errdefs"
	"github.com/mossmaurice/iceoryx/internal/shm"
	"github.com/mossmaurice/iceoryx/internal/version"
)

var testVersion = version.Info{Version: "v2.0.0", Commit: "abc123", BuildDate: "2026-01-01"}

type broker struct {
	dir   string
	r     *roudi.RouDi
	ports *roudi.PortManager
	hub   *ipc.Hub
}

func startBroker(t *testing.T, mutate func(*roudi.Options)) *broker {
	t.Helper()
	cfg := shm.Config{
		Dir:    t.TempDir(),
		Prefix: "rttest",
		Segments: []shm.SegmentConfig{{
			Name:     "data",
			MemPools: []shm.MemPoolConfig{{ChunkSize: 128, ChunkCount: 4}},
		}},
	}
	mm, err := shm.NewMemoryManager(cfg, "roudi_RUNTIMETEST", zap.NewNop())
	require.NoError(t, err)
	ports := roudi.NewPortManager(4)
	require.NoError(t, mm.AddBlock(ports))
	require.NoError(t, mm.CreateMemory())

	hub := ipc.NewHub()
	opts := roudi.DefaultOptions()
	opts.Version = testVersion
	opts.Transport = hub
	opts.MessageQueueTimeout = 20 * time.Millisecond
	opts.DiscoveryInterval = 10 * time.Millisecond
	if mutate != nil {
		mutate(&opts)
	}
	r, err := roudi.New(mm, ports, opts)
	require.NoError(t, err)
	t.Cleanup(func() { r.Shutdown(context.Background()) })
	return &broker{dir: cfg.Dir, r: r, ports: ports, hub: hub}
}

func newRuntime(t *testing.T, hub *ipc.Hub, name string, v version.Info) *Runtime {
	t.Helper()
	rt, err := New(Config{
		Name:         name,
		Transport:    hub,
		Version:      v,
		ReplyTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	return rt
}

func TestRegisterMapsPort(t *testing.T) {
	b := startBroker(t, nil)
	rt := newRuntime(t, b.hub, "alpha", testVersion)

	grant, err := rt.Register(context.Background())
	require.NoError(t, err)
	assert.True(t, rt.Registered())
	assert.Equal(t, b.r.RouDiID(), rt.RouDiID())

	port := rt.Port()
	require.NotNil(t, port)
	assert.Equal(t, "alpha", port.Name())
	assert.Equal(t, os.Getpid(), port.PID())
	assert.Equal(t, rt.SessionID(), port.SessionID())
	assert.Equal(t, popo.PortInUse, port.State())

	entry, ok := b.r.Processes().Get("alpha")
	require.True(t, ok)
	assert.Equal(t, entry.Port.Port, grant.Port)

	_, err = rt.Register(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestConditionVariableAcrossMappings(t *testing.T) {
	b := startBroker(t, nil)
	rt := newRuntime(t, b.hub, "alpha", testVersion)
	_, err := rt.Register(context.Background())
	require.NoError(t, err)

	waiter, err := rt.Waiter()
	require.NoError(t, err)

	// The broker signals through its own mapping of the slot.
	brokerPort, ok := b.ports.Port("alpha")
	require.True(t, ok)
	popo.NewSignaler(&brokerPort.ConditionVariable).NotifyOne()

	assert.NoError(t, waiter.TimedWait(time.Second))
	assert.ErrorIs(t, waiter.TimedWait(10*time.Millisecond), errdefs.ErrTimeout)
}

func TestRegisterDiscardsStaleReplies(t *testing.T) {
	b := startBroker(t, nil)
	rt := newRuntime(t, b.hub, "alpha", testVersion)

	// A reply to an attempt from long ago is already queued.
	require.NoError(t, b.hub.Send(context.Background(), "alpha", ipc.Message{
		Type:                  ipc.TypeRegisterNack,
		Name:                  "alpha",
		TransmissionTimestamp: 1,
		Code:                  errdefs.CodeOf(errdefs.ErrVersionMismatch),
	}))

	_, err := rt.Register(context.Background())
	require.NoError(t, err)
}

func TestRegisterGivesBackUnmappableGrant(t *testing.T) {
	b := startBroker(t, func(o *roudi.Options) { o.MonitoringMode = roudi.MonitoringOff })
	rt := newRuntime(t, b.hub, "alpha", testVersion)

	path := shm.SegmentPath(b.dir, shm.ManagementSegmentName("rttest"))
	require.NoError(t, os.Rename(path, path+".hidden"))
	t.Cleanup(func() { os.Rename(path+".hidden", path) })

	_, err := rt.Register(context.Background())
	require.Error(t, err)
	assert.False(t, rt.Registered())

	assert.Equal(t, 0, b.r.Processes().Len(), "the session is handed back")
	assert.Equal(t, 0, b.ports.Used())
}

func TestRegisterRejected(t *testing.T) {
	b := startBroker(t, nil)
	rt := newRuntime(t, b.hub, "alpha", version.Info{Version: "v3.0.0"})

	_, err := rt.Register(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrVersionMismatch)
	assert.False(t, rt.Registered())
	assert.Equal(t, 0, b.r.Processes().Len())
}

func TestRegisterTimesOut(t *testing.T) {
	hub := ipc.NewHub()
	silent, err := hub.Open(roudi.DefaultChannelName)
	require.NoError(t, err)
	defer silent.Close()

	rt := newRuntime(t, hub, "alpha", testVersion)
	start := time.Now()
	_, err = rt.Register(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestConnectWaitsForBroker(t *testing.T) {
	hub := ipc.NewHub()
	rt := newRuntime(t, hub, "alpha", testVersion)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := rt.Connect(ctx, 10*time.Millisecond)
	assert.ErrorIs(t, err, errdefs.ErrTimeout)
}

func TestKeepAliveHoldsSession(t *testing.T) {
	b := startBroker(t, func(o *roudi.Options) { o.KeepAliveTimeout = 100 * time.Millisecond })
	rt := newRuntime(t, b.hub, "alpha", testVersion)

	assert.ErrorIs(t, rt.KeepAlive(context.Background()), ErrNotRegistered)

	_, err := rt.Register(context.Background())
	require.NoError(t, err)
	rt.StartKeepAlive(10 * time.Millisecond)
	rt.StartKeepAlive(10 * time.Millisecond)

	time.Sleep(300 * time.Millisecond)
	_, ok := b.r.Processes().Get("alpha")
	assert.True(t, ok, "keep-alives should keep the entry")

	rt.StopKeepAlive()
	require.Eventually(t, func() bool {
		_, ok := b.r.Processes().Get("alpha")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestUnregister(t *testing.T) {
	b := startBroker(t, nil)
	rt := newRuntime(t, b.hub, "alpha", testVersion)

	assert.ErrorIs(t, rt.Unregister(context.Background()), ErrNotRegistered)

	_, err := rt.Register(context.Background())
	require.NoError(t, err)
	require.NoError(t, rt.Unregister(context.Background()))

	assert.False(t, rt.Registered())
	assert.Nil(t, rt.Port())
	assert.Equal(t, 0, b.r.Processes().Len())
	assert.ErrorIs(t, rt.KeepAlive(context.Background()), ErrNotRegistered)

	// A new session can follow.
	_, err = rt.Register(context.Background())
	require.NoError(t, err)
}

func TestIntrospection(t *testing.T) {
	b := startBroker(t, nil)
	rt := newRuntime(t, b.hub, "alpha", testVersion)
	_, err := rt.Register(context.Background())
	require.NoError(t, err)

	in, err := rt.QueryIntrospection(context.Background())
	require.NoError(t, err)
	require.Len(t, in.Processes, 1)
	assert.Equal(t, "alpha", in.Processes[0].Name)
	assert.Equal(t, 4, in.PortsMax)

	require.Eventually(t, func() bool {
		snap, err := rt.Summary()
		return err == nil && snap.Processes == 1 && snap.PortsMax == 4
	}, time.Second, 10*time.Millisecond)
}

func TestSummaryWithoutMonitoring(t *testing.T) {
	b := startBroker(t, func(o *roudi.Options) { o.MonitoringMode = roudi.MonitoringOff })
	rt := newRuntime(t, b.hub, "alpha", testVersion)

	_, err := rt.Summary()
	assert.ErrorIs(t, err, ErrNotRegistered)

	_, err = rt.Register(context.Background())
	require.NoError(t, err)
	_, err = rt.Summary()
	assert.Error(t, err)
}
