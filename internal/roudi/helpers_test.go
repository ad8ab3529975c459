package roudi

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mossmaurice/iceoryx/internal/infrastructure/monitoring"
	"github.com/mossmaurice/iceoryx/internal/ipc"
	"github.com/mossmaurice/iceoryx/internal/shm"
	"github.com/mossmaurice/iceoryx/internal/version"
)

var testVersion = version.Info{Version: "v2.0.0", Commit: "abc123", BuildDate: "2026-01-01"}

func newTestMemory(t *testing.T, capacity int) (*shm.MemoryManager, *PortManager) {
	t.Helper()
	cfg := shm.Config{
		Dir:    t.TempDir(),
		Prefix: "ioxtest",
		Segments: []shm.SegmentConfig{{
			Name: "data",
			MemPools: []shm.MemPoolConfig{
				{ChunkSize: 64, ChunkCount: 8},
				{ChunkSize: 1024, ChunkCount: 4},
			},
		}},
	}
	mm, err := shm.NewMemoryManager(cfg, "roudi_TEST", zap.NewNop())
	require.NoError(t, err)

	ports := NewPortManager(capacity)
	require.NoError(t, mm.AddBlock(ports))
	require.NoError(t, mm.CreateMemory())
	t.Cleanup(func() {
		if !mm.Destroyed() {
			mm.DestroyMemory()
		}
	})
	return mm, ports
}

type fakeProber struct {
	mu   sync.Mutex
	dead map[int]bool
}

func (p *fakeProber) Alive(pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.dead[pid]
}

func (p *fakeProber) kill(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead == nil {
		p.dead = make(map[int]bool)
	}
	p.dead[pid] = true
}

type fakeKiller struct {
	mu     sync.Mutex
	killed []int
}

func (k *fakeKiller) Kill(_ context.Context, pid int, _ time.Duration) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.killed = append(k.killed, pid)
	return nil
}

func (k *fakeKiller) pids() []int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]int(nil), k.killed...)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type pmFixture struct {
	pm      *ProcessManager
	memory  *shm.MemoryManager
	ports   *PortManager
	hub     *ipc.Hub
	prober  *fakeProber
	killer  *fakeKiller
	clock   *testClock
	metrics *monitoring.Metrics
}

func newPMFixture(t *testing.T, capacity int, level version.CompatibilityLevel) *pmFixture {
	t.Helper()
	mm, ports := newTestMemory(t, capacity)
	f := &pmFixture{
		memory:  mm,
		ports:   ports,
		hub:     ipc.NewHub(),
		prober:  &fakeProber{},
		killer:  &fakeKiller{},
		clock:   &testClock{now: time.Unix(1700000000, 0)},
		metrics: monitoring.NewMetrics(),
	}
	f.pm = NewProcessManager(ProcessManagerConfig{
		Ports:              ports,
		Transport:          f.hub,
		Version:            testVersion,
		CompatibilityLevel: level,
		RouDiID:            "roudi_TEST",
		Prober:             f.prober,
		Killer:             f.killer,
		KillDelay:          time.Millisecond,
		ReplyTimeout:       50 * time.Millisecond,
		Metrics:            f.metrics,
	})
	f.pm.now = f.clock.Now
	return f
}

// client opens the reply endpoint of a process.
func (f *pmFixture) client(t *testing.T, name string) ipc.Endpoint {
	t.Helper()
	ep, err := f.hub.Open(name)
	require.NoError(t, err)
	t.Cleanup(func() { ep.Close() })
	return ep
}

func request(name string, pid int) RegisterRequest {
	return RegisterRequest{
		Name:                  name,
		PID:                   pid,
		UserID:                1000,
		TransmissionTimestamp: ipc.NewTimestamp(),
		Version:               testVersion,
	}
}

func receive(t *testing.T, ep ipc.Endpoint) ipc.Message {
	t.Helper()
	msg, err := ep.Receive(time.Second)
	require.NoError(t, err)
	return msg
}
