package shm

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossmaurice/iceoryx/internal/shared/errdefs"
)

func newPoolSegment(t *testing.T, chunkSize, count uint64) (*Segment, *MemPool) {
	t.Helper()
	size := alignUp(SegmentHeaderSize+MemPoolSize(chunkSize, count), pageSize)
	seg, err := CreateSegment(t.TempDir(), "pool", 3, size, "")
	require.NoError(t, err)
	t.Cleanup(func() { seg.Destroy() })

	pool, err := NewMemPool(seg, chunkSize, count)
	require.NoError(t, err)
	return seg, pool
}

func TestMemPoolAllocateUntilExhausted(t *testing.T) {
	_, pool := newPoolSegment(t, 100, 70)

	assert.Equal(t, uint64(104), pool.ChunkSize())
	assert.Equal(t, uint64(70), pool.Capacity())

	seen := make(map[RelativePointer]bool)
	for i := 0; i < 70; i++ {
		ptr, err := pool.Allocate()
		require.NoError(t, err)
		require.False(t, seen[ptr], "chunk handed out twice")
		seen[ptr] = true
	}

	_, err := pool.Allocate()
	assert.ErrorIs(t, err, errdefs.ErrResourceExhausted)

	stats := pool.Stats()
	assert.Equal(t, uint64(70), stats.Used)
	assert.Equal(t, uint64(70), stats.MaxUsed)
}

func TestMemPoolFree(t *testing.T) {
	seg, pool := newPoolSegment(t, 64, 4)

	ptr, err := pool.Allocate()
	require.NoError(t, err)
	require.NoError(t, pool.Free(ptr))
	assert.Equal(t, uint64(0), pool.Used())
	assert.Equal(t, uint64(1), pool.Stats().MaxUsed)

	assert.ErrorIs(t, pool.Free(ptr), ErrDoubleFree)
	assert.ErrorIs(t, pool.Free(RelativePointer{Segment: seg.ID() + 1, Offset: ptr.Offset}), ErrForeignChunk)
	assert.ErrorIs(t, pool.Free(RelativePointer{Segment: seg.ID(), Offset: ptr.Offset + 1}), ErrForeignChunk)
}

func TestMemPoolSharedBetweenAttachments(t *testing.T) {
	seg, pool := newPoolSegment(t, 32, 8)

	view, err := OpenSegment(filepath.Dir(seg.Path()), "pool")
	require.NoError(t, err)
	defer view.Close()

	attached, err := AttachMemPool(view, pool.Offset())
	require.NoError(t, err)

	ptr, err := pool.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), attached.Used())

	require.NoError(t, attached.Free(ptr))
	assert.Equal(t, uint64(0), pool.Used())
}

func TestMemPoolConcurrentAllocateFree(t *testing.T) {
	_, pool := newPoolSegment(t, 16, 128)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				ptr, err := pool.Allocate()
				if !assert.NoError(t, err) {
					return
				}
				if !assert.NoError(t, pool.Free(ptr)) {
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(0), pool.Used())
	assert.LessOrEqual(t, pool.Stats().MaxUsed, uint64(8))
}
