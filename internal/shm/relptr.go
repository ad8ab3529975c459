package shm

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
)

var (
	ErrNullPointer        = errors.New("shm: null relative pointer")
	ErrUnknownSegment     = errors.New("shm: segment not registered")
	ErrOutOfSegment       = errors.New("shm: pointer outside segment")
	ErrSegmentRegistered  = errors.New("shm: segment already registered")
	ErrPointerNotInMemory = errors.New("shm: address not inside any registered segment")
)

// RelativePointer addresses a location in shared memory independently of
// where a process maps the segment. Segment ids start at 1; the zero value
// is the null pointer.
type RelativePointer struct {
	Segment uint64 `json:"segment"`
	Offset  uint64 `json:"offset"`
}

// IsNull reports whether p is the null pointer.
func (p RelativePointer) IsNull() bool {
	return p.Segment == 0
}

// String returns "segment:offset".
func (p RelativePointer) String() string {
	return fmt.Sprintf("%d:%#x", p.Segment, p.Offset)
}

type mapping struct {
	base unsafe.Pointer
	size uint64
}

// Registry translates relative pointers into addresses of the calling
// process's mappings. Each broker or client owns one; there is no global
// instance.
type Registry struct {
	mu       sync.RWMutex
	segments map[uint64]mapping
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{segments: make(map[uint64]mapping)}
}

// Register records the mapping of segment id.
func (r *Registry) Register(id uint64, mem []byte) error {
	if id == 0 {
		return errors.New("shm: segment id 0 is reserved for null")
	}
	if len(mem) == 0 {
		return errors.Errorf("shm: segment %d: empty mapping", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.segments[id]; ok {
		return errors.Wrapf(ErrSegmentRegistered, "segment %d", id)
	}
	r.segments[id] = mapping{base: unsafe.Pointer(&mem[0]), size: uint64(len(mem))}
	return nil
}

// RegisterSegment records a segment under its own id.
func (r *Registry) RegisterSegment(seg *Segment) error {
	return r.Register(seg.ID(), seg.Memory())
}

// Unregister forgets segment id. It reports whether it was registered.
func (r *Registry) Unregister(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.segments[id]
	delete(r.segments, id)
	return ok
}

// UnregisterAll forgets every segment.
func (r *Registry) UnregisterAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.segments = make(map[uint64]mapping)
}

// Len returns the number of registered segments.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.segments)
}

// Resolve returns the address p refers to in this process.
func (r *Registry) Resolve(p RelativePointer) (unsafe.Pointer, error) {
	return r.resolve(p, 1)
}

func (r *Registry) resolve(p RelativePointer, size uint64) (unsafe.Pointer, error) {
	if p.IsNull() {
		return nil, ErrNullPointer
	}

	r.mu.RLock()
	m, ok := r.segments[p.Segment]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.Wrapf(ErrUnknownSegment, "segment %d", p.Segment)
	}
	if p.Offset >= m.size || size > m.size-p.Offset {
		return nil, errors.Wrapf(ErrOutOfSegment, "%s (+%d bytes) in segment of %d bytes", p, size, m.size)
	}
	return unsafe.Add(m.base, p.Offset), nil
}

// RelativePointerOf converts an address inside a registered mapping back
// into a relative pointer.
func (r *Registry) RelativePointerOf(ptr unsafe.Pointer) (RelativePointer, error) {
	if ptr == nil {
		return RelativePointer{}, nil
	}
	addr := uintptr(ptr)

	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, m := range r.segments {
		base := uintptr(m.base)
		if addr >= base && uint64(addr-base) < m.size {
			return RelativePointer{Segment: id, Offset: uint64(addr - base)}, nil
		}
	}
	return RelativePointer{}, ErrPointerNotInMemory
}

// At resolves p as a *T, checking that the whole T lies inside the
// segment.
func At[T any](r *Registry, p RelativePointer) (*T, error) {
	var zero T
	ptr, err := r.resolve(p, uint64(unsafe.Sizeof(zero)))
	if err != nil {
		return nil, err
	}
	return (*T)(ptr), nil
}
