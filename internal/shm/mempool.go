package shm

import (
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/mossmaurice/iceoryx/internal/shared/errdefs"
)

var (
	ErrDoubleFree   = errors.New("shm: chunk already free")
	ErrForeignChunk = errors.New("shm: pointer does not belong to this mempool")
)

// mempoolHeader lives in shared memory in front of the bitmap.
type mempoolHeader struct {
	chunkSize  uint64
	chunkCount uint64
	used       uint64
	maxUsed    uint64
	bitmapOff  uint64
	chunksOff  uint64
}

const mempoolHeaderSize = uint64(unsafe.Sizeof(mempoolHeader{}))

// MemPoolStats is a snapshot of one mempool.
type MemPoolStats struct {
	Segment    string `json:"segment"`
	ChunkSize  uint64 `json:"chunk_size"`
	ChunkCount uint64 `json:"chunk_count"`
	Used       uint64 `json:"used"`
	MaxUsed    uint64 `json:"max_used"`
}

// MemPool hands out fixed-size chunks of a segment. Its state is kept
// entirely inside the segment, so every process attached to the same
// pool sees the same allocation bitmap.
type MemPool struct {
	seg    *Segment
	offset uint64
	hdr    *mempoolHeader
	bitmap []uint64
}

// MemPoolSize returns the bytes a pool of count chunks of chunkSize needs,
// including header, bitmap and alignment padding.
func MemPoolSize(chunkSize, count uint64) uint64 {
	return alignUp(mempoolHeaderSize+bitmapWords(count)*8, CacheLineAlignment) +
		alignUp(chunkSize, DefaultAlignment)*count + CacheLineAlignment
}

func bitmapWords(count uint64) uint64 {
	return (count + 63) / 64
}

// NewMemPool carves a pool out of seg and initialises it.
func NewMemPool(seg *Segment, chunkSize, count uint64) (*MemPool, error) {
	if chunkSize == 0 || count == 0 {
		return nil, errors.Errorf("shm: mempool needs a positive chunk size and count, got %d x %d", chunkSize, count)
	}
	chunkSize = alignUp(chunkSize, DefaultAlignment)

	metaSize := mempoolHeaderSize + bitmapWords(count)*8
	offset, err := seg.Allocate(metaSize, CacheLineAlignment)
	if err != nil {
		return nil, errors.Wrapf(err, "mempool %d x %d: metadata", chunkSize, count)
	}
	chunks, err := seg.Allocate(chunkSize*count, CacheLineAlignment)
	if err != nil {
		return nil, errors.Wrapf(err, "mempool %d x %d: chunks", chunkSize, count)
	}

	hdr := (*mempoolHeader)(seg.Pointer(offset))
	hdr.chunkSize = chunkSize
	hdr.chunkCount = count
	hdr.bitmapOff = offset + mempoolHeaderSize
	hdr.chunksOff = chunks
	atomic.StoreUint64(&hdr.used, 0)
	atomic.StoreUint64(&hdr.maxUsed, 0)

	pool := attach(seg, offset, hdr)
	for i := range pool.bitmap {
		atomic.StoreUint64(&pool.bitmap[i], 0)
	}
	return pool, nil
}

// AttachMemPool binds to a pool another process created at offset.
func AttachMemPool(seg *Segment, offset uint64) (*MemPool, error) {
	if offset+mempoolHeaderSize > seg.Size() {
		return nil, errors.Wrapf(ErrOutOfSegment, "mempool header at %#x", offset)
	}
	hdr := (*mempoolHeader)(seg.Pointer(offset))
	if hdr.chunkSize == 0 || hdr.chunksOff+hdr.chunkSize*hdr.chunkCount > seg.Size() {
		return nil, errors.Wrapf(ErrInvalidSegment, "mempool at %#x", offset)
	}
	return attach(seg, offset, hdr), nil
}

func attach(seg *Segment, offset uint64, hdr *mempoolHeader) *MemPool {
	words := bitmapWords(hdr.chunkCount)
	bitmap := unsafe.Slice((*uint64)(seg.Pointer(hdr.bitmapOff)), words)
	return &MemPool{seg: seg, offset: offset, hdr: hdr, bitmap: bitmap}
}

// Offset returns the pool header offset inside its segment.
func (p *MemPool) Offset() uint64 { return p.offset }

// ChunkSize returns the aligned chunk size.
func (p *MemPool) ChunkSize() uint64 { return p.hdr.chunkSize }

// Capacity returns the number of chunks.
func (p *MemPool) Capacity() uint64 { return p.hdr.chunkCount }

// Used returns the number of chunks currently handed out.
func (p *MemPool) Used() uint64 { return atomic.LoadUint64(&p.hdr.used) }

// Allocate claims a free chunk.
func (p *MemPool) Allocate() (RelativePointer, error) {
	count := p.hdr.chunkCount
	for w := range p.bitmap {
		for {
			word := atomic.LoadUint64(&p.bitmap[w])
			free := ^word
			if last := uint64(w+1) * 64; last > count {
				free &= (uint64(1) << (64 - (last - count))) - 1
			}
			if free == 0 {
				break
			}
			bit := uint64(bits.TrailingZeros64(free))
			if atomic.CompareAndSwapUint64(&p.bitmap[w], word, word|1<<bit) {
				p.noteAllocation()
				index := uint64(w)*64 + bit
				return RelativePointer{Segment: p.seg.ID(), Offset: p.hdr.chunksOff + index*p.hdr.chunkSize}, nil
			}
		}
	}
	return RelativePointer{}, errors.Wrapf(errdefs.ErrResourceExhausted,
		"shm: mempool %d x %d in %s", p.hdr.chunkSize, count, p.seg.Name())
}

func (p *MemPool) noteAllocation() {
	used := atomic.AddUint64(&p.hdr.used, 1)
	for {
		max := atomic.LoadUint64(&p.hdr.maxUsed)
		if used <= max || atomic.CompareAndSwapUint64(&p.hdr.maxUsed, max, used) {
			return
		}
	}
}

// Free returns a chunk obtained from Allocate.
func (p *MemPool) Free(ptr RelativePointer) error {
	index, err := p.index(ptr)
	if err != nil {
		return err
	}
	w, mask := index/64, uint64(1)<<(index%64)
	for {
		word := atomic.LoadUint64(&p.bitmap[w])
		if word&mask == 0 {
			return errors.Wrapf(ErrDoubleFree, "chunk %d of %s", index, ptr)
		}
		if atomic.CompareAndSwapUint64(&p.bitmap[w], word, word&^mask) {
			atomic.AddUint64(&p.hdr.used, ^uint64(0))
			return nil
		}
	}
}

func (p *MemPool) index(ptr RelativePointer) (uint64, error) {
	if ptr.Segment != p.seg.ID() || ptr.Offset < p.hdr.chunksOff {
		return 0, errors.Wrapf(ErrForeignChunk, "%s", ptr)
	}
	rel := ptr.Offset - p.hdr.chunksOff
	if rel%p.hdr.chunkSize != 0 || rel/p.hdr.chunkSize >= p.hdr.chunkCount {
		return 0, errors.Wrapf(ErrForeignChunk, "%s", ptr)
	}
	return rel / p.hdr.chunkSize, nil
}

// Stats returns a snapshot of the pool counters.
func (p *MemPool) Stats() MemPoolStats {
	return MemPoolStats{
		Segment:    p.seg.Name(),
		ChunkSize:  p.hdr.chunkSize,
		ChunkCount: p.hdr.chunkCount,
		Used:       atomic.LoadUint64(&p.hdr.used),
		MaxUsed:    atomic.LoadUint64(&p.hdr.maxUsed),
	}
}
