package shm

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ManagementSegmentID is the id of the segment holding broker-owned blocks.
const ManagementSegmentID = uint64(1)

var (
	ErrMemoryDestroyed = errors.New("shm: memory already destroyed")
	ErrMemoryCreated   = errors.New("shm: memory already created")
	ErrMemoryMissing   = errors.New("shm: memory not created")
)

// MemPoolConfig describes one chunk pool.
type MemPoolConfig struct {
	ChunkSize  uint64 `toml:"chunk_size" yaml:"chunk_size" json:"chunk_size"`
	ChunkCount uint64 `toml:"chunk_count" yaml:"chunk_count" json:"chunk_count"`
}

// SegmentConfig describes one data segment.
type SegmentConfig struct {
	Name     string          `toml:"name" yaml:"name" json:"name"`
	MemPools []MemPoolConfig `toml:"mempool" yaml:"mempools" json:"mempools"`
}

// Config describes the shared memory owned by one broker.
type Config struct {
	Dir      string          `toml:"dir" yaml:"dir" json:"dir"`
	Prefix   string          `toml:"prefix" yaml:"prefix" json:"prefix"`
	Segments []SegmentConfig `toml:"segment" yaml:"segments" json:"segments"`
}

// DefaultConfig returns a single data segment with a small spread of pools.
func DefaultConfig() Config {
	return Config{
		Prefix: "iceoryx",
		Segments: []SegmentConfig{{
			Name: "data",
			MemPools: []MemPoolConfig{
				{ChunkSize: 128, ChunkCount: 1000},
				{ChunkSize: 1024, ChunkCount: 500},
				{ChunkSize: 16 * 1024, ChunkCount: 100},
				{ChunkSize: 128 * 1024, ChunkCount: 10},
			},
		}},
	}
}

// Validate checks the layout before anything is mapped.
func (c Config) Validate() error {
	if c.Prefix == "" {
		return errors.New("shm: empty segment prefix")
	}
	seen := make(map[string]bool)
	for _, s := range c.Segments {
		if s.Name == "" {
			return errors.New("shm: data segment without a name")
		}
		if s.Name == managementName {
			return errors.Errorf("shm: segment name %q is reserved", s.Name)
		}
		if seen[s.Name] {
			return errors.Errorf("shm: duplicate segment %q", s.Name)
		}
		seen[s.Name] = true
		for _, p := range s.MemPools {
			if p.ChunkSize == 0 || p.ChunkCount == 0 {
				return errors.Errorf("shm: segment %q: mempool %d x %d", s.Name, p.ChunkSize, p.ChunkCount)
			}
		}
	}
	return nil
}

const managementName = "management"

// Block is a broker-owned structure placed in the management segment.
type Block interface {
	Size() uint64
	Alignment() uint64
	OnMemoryAvailable(seg *Segment, offset uint64) error
}

// Stats summarises the mapped memory.
type Stats struct {
	RouDiID  string         `json:"roudi_id"`
	Segments []SegmentStats `json:"segments"`
	MemPools []MemPoolStats `json:"mempools"`
}

// SegmentStats describes one mapped segment.
type SegmentStats struct {
	ID        uint64 `json:"id"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	Size      uint64 `json:"size"`
	Allocated uint64 `json:"allocated"`
}

// MemoryManager owns every segment of a broker together with the
// relative-pointer registry that resolves references into them.
type MemoryManager struct {
	config  Config
	roudiID string
	logger  *zap.Logger

	mu        sync.RWMutex
	blocks    []Block
	segments  []*Segment
	pools     map[string][]*MemPool
	registry  *Registry
	created   bool
	destroyed bool
}

// NewMemoryManager validates config; nothing is mapped until CreateMemory.
func NewMemoryManager(config Config, roudiID string, logger *zap.Logger) (*MemoryManager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryManager{
		config:   config,
		roudiID:  roudiID,
		logger:   logger.Named("memory"),
		pools:    make(map[string][]*MemPool),
		registry: NewRegistry(),
	}, nil
}

// AddBlock reserves room for b in the management segment. Blocks must be
// added before CreateMemory.
func (m *MemoryManager) AddBlock(b Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.created {
		return ErrMemoryCreated
	}
	m.blocks = append(m.blocks, b)
	return nil
}

// ManagementSegmentName returns the name of the management segment for a
// prefix; clients use it to find the broker's memory.
func ManagementSegmentName(prefix string) string {
	return prefix + "_" + managementName
}

// DataSegmentName returns the name of a data segment for a prefix.
func DataSegmentName(prefix, name string) string {
	return prefix + "_" + name
}

// CreateMemory maps the management segment and every data segment,
// announces block offsets and registers everything in the registry.
func (m *MemoryManager) CreateMemory() (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return ErrMemoryDestroyed
	}
	if m.created {
		return ErrMemoryCreated
	}

	defer func() {
		if err != nil {
			for _, seg := range m.segments {
				err = multierr.Append(err, seg.Destroy())
			}
			m.segments = nil
			m.pools = make(map[string][]*MemPool)
			m.registry.UnregisterAll()
		}
	}()

	mgmt, err := m.createSegment(ManagementSegmentName(m.config.Prefix), ManagementSegmentID, m.managementSize())
	if err != nil {
		return err
	}
	for _, b := range m.blocks {
		offset, err := mgmt.Allocate(b.Size(), b.Alignment())
		if err != nil {
			return errors.Wrap(err, "shm: placing management block")
		}
		if err := b.OnMemoryAvailable(mgmt, offset); err != nil {
			return err
		}
	}

	for i, sc := range m.config.Segments {
		pools := sortedPools(sc.MemPools)
		seg, err := m.createSegment(DataSegmentName(m.config.Prefix, sc.Name), ManagementSegmentID+1+uint64(i), dataSize(pools))
		if err != nil {
			return err
		}
		for _, pc := range pools {
			pool, err := NewMemPool(seg, pc.ChunkSize, pc.ChunkCount)
			if err != nil {
				return err
			}
			m.pools[sc.Name] = append(m.pools[sc.Name], pool)
		}
	}

	m.created = true
	m.logger.Info("Shared memory created",
		zap.String("roudi_id", m.roudiID),
		zap.Int("segments", len(m.segments)),
		zap.Int("blocks", len(m.blocks)))
	return nil
}

func (m *MemoryManager) createSegment(name string, id, size uint64) (*Segment, error) {
	seg, err := CreateSegment(m.config.Dir, name, id, size, m.roudiID)
	if errors.Is(err, ErrSegmentExists) {
		// Left behind by a broker that did not shut down cleanly.
		m.logger.Warn("Removing stale shared memory segment", zap.String("segment", name))
		if rmErr := removeSegment(m.config.Dir, name); rmErr != nil {
			return nil, rmErr
		}
		seg, err = CreateSegment(m.config.Dir, name, id, size, m.roudiID)
	}
	if err != nil {
		return nil, err
	}
	m.segments = append(m.segments, seg)
	if err := m.registry.RegisterSegment(seg); err != nil {
		return nil, err
	}
	m.logger.Debug("Segment mapped",
		zap.String("segment", name),
		zap.Uint64("id", id),
		zap.Uint64("size", size))
	return seg, nil
}

func (m *MemoryManager) managementSize() uint64 {
	size := uint64(SegmentHeaderSize)
	for _, b := range m.blocks {
		align := b.Alignment()
		if align < DefaultAlignment {
			align = DefaultAlignment
		}
		size += b.Size() + align
	}
	return alignUp(size, pageSize)
}

func dataSize(pools []MemPoolConfig) uint64 {
	size := uint64(SegmentHeaderSize)
	for _, p := range pools {
		size += MemPoolSize(p.ChunkSize, p.ChunkCount)
	}
	return alignUp(size, pageSize)
}

func sortedPools(pools []MemPoolConfig) []MemPoolConfig {
	out := append([]MemPoolConfig(nil), pools...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ChunkSize < out[j].ChunkSize })
	return out
}

// Registry returns the broker's relative-pointer registry.
func (m *MemoryManager) Registry() *Registry { return m.registry }

// RouDiID returns the broker id stamped into every segment.
func (m *MemoryManager) RouDiID() string { return m.roudiID }

// Config returns the layout the manager was built with.
func (m *MemoryManager) Config() Config { return m.config }

// ManagementSegment returns the management segment, or nil before
// CreateMemory and after DestroyMemory.
func (m *MemoryManager) ManagementSegment() *Segment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.created || m.destroyed || len(m.segments) == 0 {
		return nil
	}
	return m.segments[0]
}

// Allocate hands out a chunk of at least size bytes from the smallest
// fitting pool of the named data segment.
func (m *MemoryManager) Allocate(segment string, size uint64) (RelativePointer, *MemPool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.created || m.destroyed {
		return RelativePointer{}, nil, ErrMemoryMissing
	}
	pools, ok := m.pools[segment]
	if !ok {
		return RelativePointer{}, nil, errors.Errorf("shm: unknown data segment %q", segment)
	}
	var lastErr error
	for _, p := range pools {
		if p.ChunkSize() < size {
			continue
		}
		ptr, err := p.Allocate()
		if err == nil {
			return ptr, p, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.Errorf("shm: no mempool in %q holds %d bytes", segment, size)
	}
	return RelativePointer{}, nil, lastErr
}

// Free returns a chunk handed out by Allocate to its pool.
func (m *MemoryManager) Free(ptr RelativePointer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.created || m.destroyed {
		return ErrMemoryMissing
	}
	for _, pools := range m.pools {
		for _, p := range pools {
			err := p.Free(ptr)
			if errors.Is(err, ErrForeignChunk) {
				continue
			}
			return err
		}
	}
	return errors.Wrapf(ErrForeignChunk, "shm: no mempool owns %s", ptr)
}

// Stats returns a snapshot of segments and pools.
func (m *MemoryManager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{RouDiID: m.roudiID}
	if m.destroyed {
		return stats
	}
	for _, seg := range m.segments {
		stats.Segments = append(stats.Segments, SegmentStats{
			ID:        seg.ID(),
			Name:      seg.Name(),
			Path:      seg.Path(),
			Size:      seg.Size(),
			Allocated: seg.Allocated(),
		})
	}
	for _, sc := range m.config.Segments {
		for _, p := range m.pools[sc.Name] {
			stats.MemPools = append(stats.MemPools, p.Stats())
		}
	}
	return stats
}

// Destroyed reports whether DestroyMemory has run.
func (m *MemoryManager) Destroyed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.destroyed
}

// DestroyMemory unmaps and unlinks every segment. It may run once; later
// calls return ErrMemoryDestroyed and touch nothing.
func (m *MemoryManager) DestroyMemory() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return ErrMemoryDestroyed
	}
	m.destroyed = true

	var err error
	for i := len(m.segments) - 1; i >= 0; i-- {
		seg := m.segments[i]
		m.registry.Unregister(seg.ID())
		err = multierr.Append(err, seg.Destroy())
	}
	m.segments = nil
	m.pools = nil

	m.logger.Info("Shared memory destroyed", zap.String("roudi_id", m.roudiID), zap.Error(err))
	return err
}
