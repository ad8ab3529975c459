package roudi

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"github.com/mossmaurice/iceoryx/internal/popo"
	"github.com/mossmaurice/iceoryx/internal/shared/errdefs"
	"github.com/mossmaurice/iceoryx/internal/shared/id"
	"github.com/mossmaurice/iceoryx/internal/shm"
)

var (
	ErrPortsNotReady = errors.New("roudi: port slots not placed in shared memory")
	ErrPortOwned     = errors.New("roudi: process already owns a port")
)

// PortGrant is what a process receives for its port slot.
type PortGrant struct {
	Index             int                 `json:"index"`
	Port              shm.RelativePointer `json:"port"`
	ConditionVariable shm.RelativePointer `json:"condition_variable"`
	PortID            id.PortID           `json:"port_id"`
}

// PortManager owns a fixed array of port slots in the management segment.
// Each slot is owned by at most one process name at a time.
type PortManager struct {
	capacity int

	mu      sync.Mutex
	segment *shm.Segment
	offset  uint64
	slots   []*popo.PortData
	owners  map[string]int
	free    []int
}

// NewPortManager creates a manager for capacity slots. It is usable once
// the memory manager has placed it (see shm.Block).
func NewPortManager(capacity int) *PortManager {
	if capacity <= 0 {
		capacity = 1
	}
	return &PortManager{capacity: capacity, owners: make(map[string]int)}
}

// Size implements shm.Block.
func (m *PortManager) Size() uint64 {
	return uint64(m.capacity) * uint64(popo.PortDataSize)
}

// Alignment implements shm.Block.
func (m *PortManager) Alignment() uint64 {
	return shm.CacheLineAlignment
}

// OnMemoryAvailable implements shm.Block.
func (m *PortManager) OnMemoryAvailable(seg *shm.Segment, offset uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.segment != nil {
		return fmt.Errorf("roudi: port slots already placed in %s", m.segment.Name())
	}
	m.segment = seg
	m.offset = offset
	m.slots = make([]*popo.PortData, m.capacity)
	m.free = make([]int, 0, m.capacity)
	for i := range m.slots {
		slot := (*popo.PortData)(seg.Pointer(m.slotOffset(i)))
		*slot = popo.PortData{}
		m.slots[i] = slot
	}
	// Hand out low indices first.
	for i := m.capacity - 1; i >= 0; i-- {
		m.free = append(m.free, i)
	}
	return nil
}

func (m *PortManager) slotOffset(i int) uint64 {
	return m.offset + uint64(i)*uint64(popo.PortDataSize)
}

// Acquire claims a free slot for name.
func (m *PortManager) Acquire(name string, pid int, sessionID uint64) (PortGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.segment == nil {
		return PortGrant{}, ErrPortsNotReady
	}
	if _, ok := m.owners[name]; ok {
		return PortGrant{}, fmt.Errorf("%w: %s", ErrPortOwned, name)
	}
	if len(m.free) == 0 {
		return PortGrant{}, fmt.Errorf("%w: all %d port slots in use", errdefs.ErrResourceExhausted, m.capacity)
	}

	index := m.free[len(m.free)-1]
	m.free = m.free[:len(m.free)-1]
	m.owners[name] = index

	portID := id.NewPortID()
	m.slots[index].Claim(name, pid, sessionID, portID.Bytes())

	ptr := shm.RelativePointer{Segment: m.segment.ID(), Offset: m.slotOffset(index)}
	cv := ptr
	cv.Offset += uint64(unsafe.Offsetof(popo.PortData{}.ConditionVariable))

	return PortGrant{Index: index, Port: ptr, ConditionVariable: cv, PortID: portID}, nil
}

// Release frees the slot owned by name and reports whether there was one.
func (m *PortManager) Release(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.release(name)
}

func (m *PortManager) release(name string) bool {
	index, ok := m.owners[name]
	if !ok {
		return false
	}
	delete(m.owners, name)
	m.slots[index].Release()
	m.free = append(m.free, index)
	return true
}

// ReleaseAll frees every slot and returns how many were in use.
func (m *PortManager) ReleaseAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.owners))
	for name := range m.owners {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m.release(name)
	}
	return len(names)
}

// Port returns the slot owned by name.
func (m *PortManager) Port(name string) (*popo.PortData, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	index, ok := m.owners[name]
	if !ok {
		return nil, false
	}
	return m.slots[index], true
}

// Used returns the number of claimed slots.
func (m *PortManager) Used() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.owners)
}

// Capacity returns the number of slots.
func (m *PortManager) Capacity() int {
	return m.capacity
}
