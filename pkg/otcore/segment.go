package otcore

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/lucenia/xtree/core/pkg/platformfs"
)

// ClassSizes maps an opaque size class (§3: 0..127, "used for reclamation
// accounting only") to the fixed slot size in bytes that class allocates.
// The Object Table never looks inside a class_id; only the Segment
// Allocator gives it meaning.
type ClassSizes map[uint8]uint32

// ClassStats is the per-class allocation accounting operator tooling
// (cmd/xtreectl's stats command) reads back (SPEC_FULL.md D.3).
type ClassStats struct {
	SlotSize  uint32
	FileBytes uint64
	Allocated uint64 // slots currently handed out and not yet freed
	Free      uint64 // slots sitting in the free list, ready for reuse
}

// classState is one size class's append-only backing file plus its free
// list. Every allocation for this class is exactly SlotSize bytes, so the
// free list only needs to track offsets.
type classState struct {
	mu sync.Mutex

	fileID   uint32
	slotSize uint32
	file     platformfs.File
	end      uint64 // logical end of file == next append offset
	free     []uint64
	allocated uint64
}

// SegmentAllocator hands out fixed-size storage slots to the persistence
// core, grouped by size class, and takes them back on reclaim. One
// append-only file per class; freed slots are pushed onto that class's
// free list and reused before the file is grown further. Grounded on the
// teacher's append-only growth discipline in pkg/fs/real.go combined with
// pkg/slotcache's per-identity file registry (here, one registry entry per
// class instead of per logical file name).
type SegmentAllocator struct {
	fs  platformfs.FS
	dir string

	mu      sync.Mutex
	classes map[uint8]*classState
	sizes   ClassSizes
}

// NewSegmentAllocator returns an allocator rooted at dir (created if
// missing) with the given per-class slot sizes. Files are opened lazily,
// on first [SegmentAllocator.Allocate] for a class.
func NewSegmentAllocator(fsys platformfs.FS, dir string, sizes ClassSizes) (*SegmentAllocator, error) {
	if err := fsys.EnsureDirectory(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: segment dir: %w", ErrStorageIO, err)
	}

	return &SegmentAllocator{
		fs:      fsys,
		dir:     dir,
		classes: make(map[uint8]*classState),
		sizes:   sizes,
	}, nil
}

func classFileName(classID uint8) string {
	return fmt.Sprintf("class_%03d.seg", classID)
}

// classFor returns (opening if necessary) the classState for classID.
func (a *SegmentAllocator) classFor(classID uint8) (*classState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if cs, ok := a.classes[classID]; ok {
		return cs, nil
	}

	slotSize, ok := a.sizes[classID]
	if !ok {
		return nil, fmt.Errorf("%w: unconfigured class %d", ErrInvalidState, classID)
	}

	path := filepath.Join(a.dir, classFileName(classID))

	f, err := a.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrStorageIO, path, err)
	}

	size, err := a.fs.FileSize(path)
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %w", ErrStorageIO, path, err)
	}

	cs := &classState{
		fileID:   uint32(classID) + 1,
		slotSize: slotSize,
		file:     f,
		end:      uint64(size) - uint64(size)%uint64(slotSize), // drop a torn trailing slot
	}

	a.classes[classID] = cs

	return cs, nil
}

// Allocate reserves one slot of classID's configured size, reusing a freed
// slot if one is available, otherwise growing the class's file.
func (a *SegmentAllocator) Allocate(classID uint8) (Addr, error) {
	cs, err := a.classFor(classID)
	if err != nil {
		return Addr{}, err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	var offset uint64

	if n := len(cs.free); n > 0 {
		offset = cs.free[n-1]
		cs.free = cs.free[:n-1]
	} else {
		offset = cs.end

		if err := cs.file.Truncate(int64(cs.end + uint64(cs.slotSize))); err != nil {
			return Addr{}, fmt.Errorf("%w: grow class %d: %w", ErrStorageIO, classID, err)
		}

		cs.end += uint64(cs.slotSize)
	}

	cs.allocated++

	return Addr{
		FileID:    cs.fileID,
		SegmentID: uint32(offset / uint64(cs.slotSize)),
		Offset:    offset,
		Length:    cs.slotSize,
	}, nil
}

// Free returns addr's slot to classID's free list for reuse. It does not
// shrink the backing file — append-only growth, per §4 — so file bytes
// high-water-mark only ever increases between restarts.
func (a *SegmentAllocator) Free(classID uint8, addr Addr) {
	a.mu.Lock()
	cs, ok := a.classes[classID]
	a.mu.Unlock()

	if !ok {
		return
	}

	cs.mu.Lock()
	cs.free = append(cs.free, addr.Offset)
	if cs.allocated > 0 {
		cs.allocated--
	}
	cs.mu.Unlock()
}

// Stats returns a per-class snapshot of the allocator's bookkeeping.
func (a *SegmentAllocator) Stats() map[uint8]ClassStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[uint8]ClassStats, len(a.classes))

	for classID, cs := range a.classes {
		cs.mu.Lock()
		out[classID] = ClassStats{
			SlotSize:  cs.slotSize,
			FileBytes: cs.end,
			Allocated: cs.allocated,
			Free:      uint64(len(cs.free)),
		}
		cs.mu.Unlock()
	}

	return out
}

// Flush fsyncs every open class file without closing it, the step a
// checkpoint takes before it snapshots the table (§4.7: every live
// node's bytes must be durable before the checkpoint naming them is).
func (a *SegmentAllocator) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error

	for _, cs := range a.classes {
		if err := a.fs.FlushFile(cs.file); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// Close flushes and closes every open class file.
func (a *SegmentAllocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error

	for _, cs := range a.classes {
		if err := a.fs.FlushFile(cs.file); err != nil && firstErr == nil {
			firstErr = err
		}

		if err := cs.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
