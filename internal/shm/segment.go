package shm

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/mossmaurice/iceoryx/internal/shared/errdefs"
)

const (
	// SegmentMagic identifies a broker segment.
	SegmentMagic = "IOXSHM\x00\x00"

	// SegmentLayoutVersion is bumped whenever the header layout changes.
	SegmentLayoutVersion = uint32(1)

	// SegmentHeaderSize is the size of the header at offset 0.
	SegmentHeaderSize = 128

	// DefaultAlignment applies to blocks that do not ask for more.
	DefaultAlignment = 8

	// CacheLineAlignment keeps independently written blocks apart.
	CacheLineAlignment = 64

	roudiIDLen = 32
)

var pageSize = uint64(os.Getpagesize())

var (
	ErrSegmentExists  = errors.New("shm: segment already exists")
	ErrInvalidSegment = errors.New("shm: invalid segment header")
	ErrSegmentClosed  = errors.New("shm: segment closed")
)

// segmentHeader is the on-disk header; field offsets are part of the
// layout version.
type segmentHeader struct {
	magic     [8]byte          // 0x00
	version   uint32           // 0x08
	flags     uint32           // 0x0C
	size      uint64           // 0x10
	id        uint64           // 0x18
	ownerPID  uint32           // 0x20
	_         uint32           // 0x24
	roudiID   [roudiIDLen]byte // 0x28
	allocated uint64           // 0x48: bump allocator high-water mark
	_         [48]byte         // 0x50-0x7F
}

// Segment is one mapping of a shared-memory segment.
type Segment struct {
	id       uint64
	name     string
	path     string
	roudiID  string
	ownerPID int
	mem      []byte
	hdr      *segmentHeader

	mu     sync.Mutex // guards the allocator and close state
	next   uint64
	closed bool
}

// SegmentPath returns the backing file path for a segment name.
func SegmentPath(dir, name string) string {
	if dir == "" {
		dir = DefaultDir()
	}
	return filepath.Join(dir, name)
}

// DefaultDir prefers /dev/shm and falls back to the temp directory.
func DefaultDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// CreateSegment creates and maps a new segment. It fails with
// ErrSegmentExists if a segment of that name is already present.
func CreateSegment(dir, name string, id uint64, size uint64, roudiID string) (*Segment, error) {
	if size < SegmentHeaderSize {
		return nil, errors.Errorf("shm: segment %s: size %d smaller than header", name, size)
	}
	if len(roudiID) > roudiIDLen {
		return nil, errors.Errorf("shm: broker id %q longer than %d bytes", roudiID, roudiIDLen)
	}

	path := SegmentPath(dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, errors.Wrap(ErrSegmentExists, path)
		}
		return nil, errors.Wrapf(err, "shm: creating %s", path)
	}
	defer file.Close()

	if err := file.Truncate(int64(size)); err != nil {
		os.Remove(path)
		return nil, errors.Wrapf(err, "shm: resizing %s", path)
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		os.Remove(path)
		return nil, errors.Wrapf(err, "shm: mapping %s", path)
	}

	seg := &Segment{
		id:   id,
		name: name,
		path: path,
		mem:  mem,
		hdr:  (*segmentHeader)(unsafe.Pointer(&mem[0])),
		next: SegmentHeaderSize,
	}

	copy(seg.hdr.magic[:], SegmentMagic)
	seg.hdr.version = SegmentLayoutVersion
	seg.hdr.size = size
	seg.hdr.id = id
	seg.hdr.ownerPID = uint32(os.Getpid())
	copy(seg.hdr.roudiID[:], roudiID)
	atomic.StoreUint64(&seg.hdr.allocated, SegmentHeaderSize)
	seg.roudiID = roudiID
	seg.ownerPID = os.Getpid()

	return seg, nil
}

// OpenSegment maps an existing segment read-write and validates its header.
func OpenSegment(dir, name string) (*Segment, error) {
	path := SegmentPath(dir, name)
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "shm: opening %s", path)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "shm: stat %s", path)
	}
	if info.Size() < SegmentHeaderSize {
		return nil, errors.Wrapf(ErrInvalidSegment, "%s: %d bytes", path, info.Size())
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "shm: mapping %s", path)
	}

	seg := &Segment{
		name: name,
		path: path,
		mem:  mem,
		hdr:  (*segmentHeader)(unsafe.Pointer(&mem[0])),
	}
	if err := seg.validate(uint64(info.Size())); err != nil {
		unix.Munmap(mem)
		return nil, err
	}
	seg.id = seg.hdr.id
	seg.roudiID = cString(seg.hdr.roudiID[:])
	seg.ownerPID = int(seg.hdr.ownerPID)
	seg.next = atomic.LoadUint64(&seg.hdr.allocated)

	return seg, nil
}

func (s *Segment) validate(fileSize uint64) error {
	if string(s.hdr.magic[:]) != SegmentMagic {
		return errors.Wrapf(ErrInvalidSegment, "%s: bad magic", s.path)
	}
	if s.hdr.version != SegmentLayoutVersion {
		return errors.Wrapf(ErrInvalidSegment, "%s: layout version %d, want %d", s.path, s.hdr.version, SegmentLayoutVersion)
	}
	if s.hdr.size != fileSize {
		return errors.Wrapf(ErrInvalidSegment, "%s: header size %d, file size %d", s.path, s.hdr.size, fileSize)
	}
	if s.hdr.id == 0 {
		return errors.Wrapf(ErrInvalidSegment, "%s: zero segment id", s.path)
	}
	return nil
}

// ID returns the segment id used in relative pointers.
func (s *Segment) ID() uint64 { return s.id }

// Name returns the segment name.
func (s *Segment) Name() string { return s.name }

// Path returns the backing file path.
func (s *Segment) Path() string { return s.path }

// Size returns the mapped size in bytes.
func (s *Segment) Size() uint64 { return uint64(len(s.mem)) }

// Memory returns the mapped bytes.
func (s *Segment) Memory() []byte { return s.mem }

// OwnerPID returns the pid of the process that created the segment.
func (s *Segment) OwnerPID() int { return s.ownerPID }

// RouDiID returns the id of the broker instance that created the segment.
func (s *Segment) RouDiID() string { return s.roudiID }

// Allocated returns the allocator high-water mark of this mapping.
func (s *Segment) Allocated() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Allocate carves size bytes aligned to align from the segment and
// returns the block offset. Blocks are never freed individually.
func (s *Segment) Allocate(size, align uint64) (uint64, error) {
	if align == 0 {
		align = DefaultAlignment
	}
	if align&(align-1) != 0 {
		return 0, errors.Errorf("shm: alignment %d is not a power of two", align)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrSegmentClosed
	}

	offset := alignUp(s.next, align)
	if offset+size > uint64(len(s.mem)) {
		var available uint64
		if offset < uint64(len(s.mem)) {
			available = uint64(len(s.mem)) - offset
		}
		return 0, errors.Wrapf(errdefs.ErrResourceExhausted,
			"shm: segment %s: %d bytes requested, %d available", s.name, size, available)
	}
	s.next = offset + size
	atomic.StoreUint64(&s.hdr.allocated, s.next)

	return offset, nil
}

// Pointer returns the address of offset inside this mapping.
func (s *Segment) Pointer(offset uint64) unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(&s.mem[0]), offset)
}

// Close unmaps the segment. The backing file is kept.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.hdr = nil
	if err := unix.Munmap(s.mem); err != nil {
		return errors.Wrapf(err, "shm: unmapping %s", s.path)
	}
	s.mem = nil
	return nil
}

// Destroy unmaps the segment and removes its backing file.
func (s *Segment) Destroy() error {
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "shm: removing %s", s.path)
	}
	return nil
}

func removeSegment(dir, name string) error {
	path := SegmentPath(dir, name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "shm: removing %s", path)
	}
	return nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
