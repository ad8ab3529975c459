package popo

import (
	"sync/atomic"
	"unsafe"
)

// PortState is the lifecycle state of a port slot.
type PortState uint32

const (
	PortFree PortState = iota
	PortInUse
)

func (s PortState) String() string {
	switch s {
	case PortFree:
		return "free"
	case PortInUse:
		return "in-use"
	default:
		return "unknown"
	}
}

const portNameLen = 64

// PortData is one port slot in the management segment. The broker writes
// the owner fields before publishing the state, so a reader that observes
// PortInUse also observes the owner it belongs to.
type PortData struct {
	ConditionVariable ConditionVariableData // 0x00

	state     uint32            // 0x08
	pid       uint32            // 0x0C
	sessionID uint64            // 0x10
	id        [16]byte          // 0x18
	name      [portNameLen]byte // 0x28
	_         [24]byte          // 0x68-0x7F
}

// PortDataSize is the size of one slot; slots are laid out back to back.
const PortDataSize = unsafe.Sizeof(PortData{})

// Claim hands the slot to a process. Notifications left over from the
// previous owner, including the wake posted by Release, are dropped.
func (p *PortData) Claim(name string, pid int, sessionID uint64, id [16]byte) {
	p.ConditionVariable.reset()
	p.name = [portNameLen]byte{}
	copy(p.name[:], name)
	p.id = id
	atomic.StoreUint32(&p.pid, uint32(pid))
	atomic.StoreUint64(&p.sessionID, sessionID)
	atomic.StoreUint32(&p.state, uint32(PortInUse))
}

// Release returns the slot to the free state. Consumers blocked on the
// slot are woken so they notice the port is gone.
func (p *PortData) Release() {
	atomic.StoreUint32(&p.state, uint32(PortFree))
	atomic.StoreUint64(&p.sessionID, 0)
	atomic.StoreUint32(&p.pid, 0)
	NewSignaler(&p.ConditionVariable).NotifyAll()
}

// State returns the slot state.
func (p *PortData) State() PortState { return PortState(atomic.LoadUint32(&p.state)) }

// PID returns the owner pid.
func (p *PortData) PID() int { return int(atomic.LoadUint32(&p.pid)) }

// SessionID returns the session the slot was granted to.
func (p *PortData) SessionID() uint64 { return atomic.LoadUint64(&p.sessionID) }

// ID returns the raw port id.
func (p *PortData) ID() [16]byte { return p.id }

// Name returns the owner process name.
func (p *PortData) Name() string {
	for i, c := range p.name {
		if c == 0 {
			return string(p.name[:i])
		}
	}
	return string(p.name[:])
}
