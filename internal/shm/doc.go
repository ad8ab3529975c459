// Package shm owns the broker's shared-memory segments.
//
// A Segment is a file-backed MAP_SHARED mapping (under /dev/shm when
// available) starting with a 128-byte header. Every reference stored inside
// a segment is a RelativePointer {segment id, offset}; each process resolves
// it through its own Registry, so the same bytes stay valid no matter where
// a process happens to map the segment.
//
// Memory Layout:
//
//	+--------------------+ 0x00
//	| segment header     |  magic, layout version, size, id, owner pid,
//	|                    |  broker id, allocation high-water mark
//	+--------------------+ 0x80
//	| blocks             |  carved by the bump allocator at start-up
//	|  ...               |  (port slots, mempool bitmaps and chunks)
//	+--------------------+ size
//
// The MemoryManager creates the management segment (sized from the
// registered Blocks) and one data segment per configured segment with its
// mempools. DestroyMemory unmaps and unlinks everything exactly once and
// must be the last operation on shared state during broker shutdown.
package shm
