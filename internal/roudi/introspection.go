package roudi

import (
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/mossmaurice/iceoryx/internal/shm"
)

// Summary is the process introspection block the broker keeps in a data
// segment chunk while monitoring is on. Writers bump generation to an odd
// value before updating and to the next even value afterwards.
type Summary struct {
	generation uint64
	processes  uint64
	portsUsed  uint64
	portsMax   uint64
	updatedAt  int64
}

// SummarySize is the chunk size the broker requests for the block.
const SummarySize = uint64(unsafe.Sizeof(Summary{}))

// SummarySnapshot is a consistent copy of a Summary.
type SummarySnapshot struct {
	Generation uint64
	Processes  int
	PortsUsed  int
	PortsMax   int
	UpdatedAt  time.Time
}

func (s *Summary) store(processes, portsUsed, portsMax int, now time.Time) {
	atomic.AddUint64(&s.generation, 1)
	atomic.StoreUint64(&s.processes, uint64(processes))
	atomic.StoreUint64(&s.portsUsed, uint64(portsUsed))
	atomic.StoreUint64(&s.portsMax, uint64(portsMax))
	atomic.StoreInt64(&s.updatedAt, now.UnixNano())
	atomic.AddUint64(&s.generation, 1)
}

// Load returns a consistent snapshot, retrying while a write is in
// progress. ok is false when no consistent copy was seen.
func (s *Summary) Load() (snap SummarySnapshot, ok bool) {
	for attempt := 0; attempt < 100; attempt++ {
		before := atomic.LoadUint64(&s.generation)
		if before%2 == 1 {
			continue
		}
		snap = SummarySnapshot{
			Generation: before / 2,
			Processes:  int(atomic.LoadUint64(&s.processes)),
			PortsUsed:  int(atomic.LoadUint64(&s.portsUsed)),
			PortsMax:   int(atomic.LoadUint64(&s.portsMax)),
			UpdatedAt:  time.Unix(0, atomic.LoadInt64(&s.updatedAt)),
		}
		if atomic.LoadUint64(&s.generation) == before {
			return snap, true
		}
	}
	return SummarySnapshot{}, false
}

// ReadSummary resolves ptr through registry and loads the block.
func ReadSummary(registry *shm.Registry, ptr shm.RelativePointer) (SummarySnapshot, error) {
	summary, err := shm.At[Summary](registry, ptr)
	if err != nil {
		return SummarySnapshot{}, err
	}
	snap, ok := summary.Load()
	if !ok {
		return SummarySnapshot{}, errSummaryBusy
	}
	return snap, nil
}
