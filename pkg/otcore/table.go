package otcore

import (
	"hash/maphash"
	"sync/atomic"
)

// DefaultShardCount is the default number of shards an [ObjectTable] splits
// its handle space across (§4.1: "sharded ... to keep the allocation/retire
// hot path mutex-contention-free under concurrent writers").
const DefaultShardCount = 16

// ObjectTable is the sharded, MVCC-aware handle table described in §3/§4.
// A [NodeID] is a stable 64-bit identifier; [ObjectTable.Lookup] resolves it
// to the node's current [Addr] (and birth/retire epochs) without ever
// invalidating a NodeID a caller is holding — only the underlying storage
// location moves, behind the same handle, across the node's lifetime.
type ObjectTable struct {
	shards []*shard

	cap     int64 // 0 means unbounded
	count   atomic.Int64
	metrics *Metrics

	allocSeq atomic.Uint64 // selector bumped once per Allocate, hashed by shardForNew
}

// SetMetrics installs the counters Allocate/Retire/the table-full path
// increment. Safe to call once before the table is shared across
// goroutines; nil (the default) means no metrics are recorded.
func (t *ObjectTable) SetMetrics(m *Metrics) {
	t.metrics = m
}

// NewObjectTable returns an empty, uncapped ObjectTable split across
// shardCount shards. shardCount <= 0 uses [DefaultShardCount]; it is rounded
// up to the next power of two so shard selection is a mask, not a modulo.
func NewObjectTable(shardCount int) *ObjectTable {
	return NewObjectTableWithCapacity(shardCount, 0)
}

// NewObjectTableWithCapacity is [NewObjectTable] with a configured cap on
// the number of handles outstanding (RESERVED, LIVE, or RETIRED and not
// yet reclaimed) at once (§4.3:
// "Allocate fails only if the table reached its configured cap"). capacity
// <= 0 means unbounded.
func NewObjectTableWithCapacity(shardCount int, capacity int) *ObjectTable {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}

	shardCount = nextPow2(shardCount)

	t := &ObjectTable{shards: make([]*shard, shardCount), cap: int64(capacity)}
	for i := range t.shards {
		t.shards[i] = newShard(i, shardCount)
	}

	return t
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}

	return p
}

// handleToGlobal and globalToShard pack/unpack a shard-local handle index
// and its owning shard id into the global handle space used by [NodeID]:
// global = local*shardCount + shardID. Handle 0 is never issued because
// every shard's local counter starts at 1.
func (t *ObjectTable) handleToGlobal(shardID int, local uint64) uint64 {
	return local*uint64(len(t.shards)) + uint64(shardID)
}

func (t *ObjectTable) globalToShard(global uint64) (shardID int, local uint64) {
	n := uint64(len(t.shards))
	return int(global % n), global / n
}

// shardForNew picks the shard a brand-new handle is minted from. Spread
// across shards by a cheap seeded hash over a monotonically bumped
// selector so concurrent allocators fan out evenly without coordination.
var shardSeed = maphash.MakeSeed()

func (t *ObjectTable) shardForNew(hint uint64) *shard {
	var h maphash.Hash
	h.SetSeed(shardSeed)

	var buf [8]byte
	for i := range buf {
		buf[i] = byte(hint >> (8 * i))
	}

	_, _ = h.Write(buf[:])

	return t.shards[h.Sum64()&uint64(len(t.shards)-1)]
}

// Allocate reserves a fresh handle in state RESERVED (§3: birth_epoch == 0,
// kind != Invalid) and returns its [NodeID] with a freshly bumped reuse
// tag. The caller must follow with [ObjectTable.MarkLiveCommit] to publish
// it as LIVE, or [ObjectTable.AbortReservation] to return it to the free
// pool, before releasing the handle to any other reader.
func (t *ObjectTable) Allocate(kind Kind, classID uint8) (NodeID, error) {
	if kind == KindInvalid {
		return InvalidNodeID, ErrInvalidState
	}

	if classID > MaxClassID {
		return InvalidNodeID, ErrInvalidState
	}

	if t.cap > 0 && t.count.Load() >= t.cap {
		if t.metrics != nil {
			t.metrics.TableFull.Inc()
		}

		return InvalidNodeID, ErrTableFull
	}

	sh := t.shardForNew(t.allocSeq.Add(1))

	sh.mu.Lock()
	local := sh.reserveLocked()
	e := sh.entryAt(local)

	tag := uint16(e.tag.Load()+1) & MaxTag
	if tag == 0 {
		tag = 1 // tag 0 is reserved for "never issued"
	}

	e.tag.Store(uint32(tag))
	e.kind = kind
	e.classID = classID
	e.fileID, e.segmentID, e.offset, e.length = 0, 0, 0, 0
	e.birthEpoch.Store(0)
	e.retireEpoch.Store(retireEpochLive)
	sh.mu.Unlock()

	t.count.Add(1)

	if t.metrics != nil {
		t.metrics.Allocations.Inc()
	}

	return NewNodeID(t.handleToGlobal(sh.id, local), tag), nil
}

// resolveLocal validates that id could refer to a live slab entry and
// returns its shard and local handle index. The only lock it takes is the
// brief shard lock inside [shard.slabCount].
func (t *ObjectTable) resolveLocal(id NodeID) (*shard, uint64, bool) {
	if !id.Valid() {
		return nil, 0, false
	}

	shardID, local := t.globalToShard(id.HandleIndex())
	if shardID < 0 || shardID >= len(t.shards) {
		return nil, 0, false
	}

	sh := t.shards[shardID]
	if int(local/slabSize) >= sh.slabCount() {
		return nil, 0, false
	}

	return sh, local, true
}

// AbortReservation returns a RESERVED handle to the free pool without ever
// publishing a birth_epoch, per §3's abort path. Returns ErrInvalidState if
// id does not name a currently-RESERVED handle (already live, already
// free, or a stale tag).
func (t *ObjectTable) AbortReservation(id NodeID) error {
	sh, local, ok := t.resolveLocal(id)
	if !ok {
		return ErrInvalidState
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.entryAt(local)
	if uint16(e.tag.Load()) != id.Tag() || e.birthEpoch.Load() != 0 || e.kind == KindInvalid {
		return ErrInvalidState
	}

	e.kind = KindInvalid
	e.classID = 0
	sh.freeHandles = append(sh.freeHandles, local)

	t.count.Add(-1)

	return nil
}

// MarkLiveCommit publishes addr and birthEpoch for a RESERVED handle,
// making it visible to readers pinned at birthEpoch or later (§3, §5). The
// birth_epoch store is the release that pairs with readers' acquire load
// in [ObjectTable.Lookup].
func (t *ObjectTable) MarkLiveCommit(id NodeID, addr Addr, birthEpoch uint64) error {
	if birthEpoch == 0 {
		return ErrInvalidState
	}

	sh, local, ok := t.resolveLocal(id)
	if !ok {
		return ErrInvalidState
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.entryAt(local)
	if uint16(e.tag.Load()) != id.Tag() || e.birthEpoch.Load() != 0 || e.kind == KindInvalid {
		return ErrInvalidState
	}

	e.fileID = addr.FileID
	e.segmentID = addr.SegmentID
	e.offset = addr.Offset
	e.length = addr.Length
	e.birthEpoch.Store(birthEpoch)

	return nil
}

// Retire schedules a LIVE handle's removal: readers pinned at an epoch
// strictly before retireEpoch still see it via [ObjectTable.Lookup];
// readers pinned at or after retireEpoch do not. The handle itself is
// moved to the shard's retired list, where it waits for
// [ObjectTable.ReclaimBeforeEpoch] once no reader can still observe it.
func (t *ObjectTable) Retire(id NodeID, retireEpoch uint64) error {
	sh, local, ok := t.resolveLocal(id)
	if !ok {
		return ErrInvalidState
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.entryAt(local)
	if uint16(e.tag.Load()) != id.Tag() || e.birthEpoch.Load() == 0 {
		return ErrInvalidState
	}

	if e.retireEpoch.Load() != retireEpochLive {
		return ErrInvalidState // already retired
	}

	e.retireEpoch.Store(retireEpoch)
	sh.retired = append(sh.retired, local)

	if t.metrics != nil {
		t.metrics.Retires.Inc()
	}

	return nil
}

// Lookup resolves id to a race-free snapshot of its entry, following §5's
// read protocol: bounds-check against a just-taken slab count, dereference
// the slab-resident entry (stable once allocated), acquire-load
// birth_epoch, then re-check the tag to detect a concurrent free+reuse.
// Returns ErrNotFound if id is stale (tag mismatch, freed, or never
// issued) or not yet/no-longer live at atEpoch.
func (t *ObjectTable) Lookup(id NodeID, atEpoch uint64) (OTEntry, error) {
	sh, local, ok := t.resolveLocal(id)
	if !ok {
		return OTEntry{}, ErrNotFound
	}

	e := sh.entryAt(local)

	snap := e.snapshot()

	// Re-check tag after reading: if it changed, the handle was freed and
	// reissued while we were reading it, and snap is a torn/unrelated read.
	if uint16(e.tag.Load()) != id.Tag() || snap.Tag != id.Tag() {
		return OTEntry{}, ErrNotFound
	}

	if !snap.IsLiveAt(atEpoch) {
		return OTEntry{}, ErrNotFound
	}

	return snap, nil
}

// reclaimBatch is the unit [ObjectTable.ReclaimBeforeEpoch] hands to its
// caller-supplied free function: one handle's last-known address, so the
// Segment Allocator can return its storage to the free list.
type reclaimBatch struct {
	local   uint64
	classID uint8
	addr    Addr
}

// ReclaimBeforeEpoch runs the three-phase reclaim described in §4.3/§4.11
// across every shard: (1) mark-under-lock — move retired handles whose
// retire_epoch <= beforeEpoch out of the shard's retired list and under a
// local batch, while still holding the entry's last-known address; (2)
// free-outside-lock — invoke freeStorage for each, without holding any
// shard lock, so a slow allocator call never blocks readers/writers; (3)
// clear-under-lock — zero the entry's kind/class/addr/birth_epoch (leaving
// retire_epoch as a breadcrumb until the handle is reused) and push it
// back onto the shard's free list.
//
// freeStorage may be nil, in which case phase 2 is skipped (useful for
// tests that only care about the table's own bookkeeping).
func (t *ObjectTable) ReclaimBeforeEpoch(beforeEpoch uint64, freeStorage func(classID uint8, addr Addr)) int {
	total := 0

	for _, sh := range t.shards {
		// Phase 1: mark-under-lock.
		sh.mu.Lock()

		var batch []reclaimBatch
		kept := sh.retired[:0]

		for _, local := range sh.retired {
			e := sh.entryAt(local)
			if e.retireEpoch.Load() <= beforeEpoch {
				batch = append(batch, reclaimBatch{local: local, classID: e.classID, addr: Addr{
					FileID: e.fileID, SegmentID: e.segmentID, Offset: e.offset, Length: e.length,
				}})
			} else {
				kept = append(kept, local)
			}
		}

		sh.retired = kept
		sh.mu.Unlock()

		if len(batch) == 0 {
			continue
		}

		// Phase 2: free-outside-lock.
		if freeStorage != nil {
			for _, b := range batch {
				freeStorage(b.classID, b.addr)
			}
		}

		// Phase 3: clear-under-lock.
		sh.mu.Lock()
		for _, b := range batch {
			e := sh.entryAt(b.local)
			e.kind = KindInvalid
			e.classID = 0
			e.fileID, e.segmentID, e.offset, e.length = 0, 0, 0, 0
			e.birthEpoch.Store(0)
			// retireEpoch left as a breadcrumb; reset on next reservation.
			sh.freeHandles = append(sh.freeHandles, b.local)
		}
		sh.mu.Unlock()

		t.count.Add(-int64(len(batch)))

		total += len(batch)
	}

	return total
}

// SnapshotAll returns a [PersistentEntry] row for every non-free handle
// (RESERVED entries are skipped — they are never durable), in no
// particular order. Used by [WriteCheckpoint] to capture a point-in-time
// view of the whole table under each shard's lock in turn (§4.7's
// snapshot-under-shard-locks step); a reservation that commits or aborts
// while a later shard is being snapshotted is simply not reflected in
// this checkpoint, consistent with it never having been durable yet.
func (t *ObjectTable) SnapshotAll() []PersistentEntry {
	var out []PersistentEntry

	for _, sh := range t.shards {
		sh.mu.Lock()

		for local := uint64(1); local < sh.nextHandle; local++ {
			if int(local/slabSize) >= len(sh.slabs) {
				continue
			}

			e := sh.entryAt(local)
			if e.kind == KindInvalid || e.birthEpoch.Load() == 0 {
				continue
			}

			snap := e.snapshot()
			out = append(out, PersistentEntry{
				NodeID:      NewNodeID(t.handleToGlobal(sh.id, local), snap.Tag),
				Kind:        snap.Kind,
				ClassID:     snap.ClassID,
				Addr:        snap.Addr,
				BirthEpoch:  snap.BirthEpoch,
				RetireEpoch: snap.RetireEpoch,
			})
		}

		sh.mu.Unlock()
	}

	return out
}

// RestoreHandle installs an entry at a specific (shard, local, tag) during
// recovery (§4.13's restore_handle), bypassing the normal
// Allocate/MarkLiveCommit sequence since the handle identity itself is
// being replayed from a checkpoint row, not freshly minted.
func (t *ObjectTable) RestoreHandle(id NodeID, kind Kind, classID uint8, addr Addr, birthEpoch, retireEpoch uint64) error {
	if !id.Valid() {
		return ErrInvalidState
	}

	shardID, local := t.globalToShard(id.HandleIndex())
	if shardID < 0 || shardID >= len(t.shards) {
		return ErrInvalidState
	}

	sh := t.shards[shardID]

	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.ensureSlab(local)
	if local >= sh.nextHandle {
		sh.nextHandle = local + 1
	}

	e := sh.entryAt(local)
	wasLive := e.kind != KindInvalid

	e.kind = kind
	e.classID = classID
	e.fileID, e.segmentID, e.offset, e.length = addr.FileID, addr.SegmentID, addr.Offset, addr.Length
	e.tag.Store(uint32(id.Tag()))
	e.birthEpoch.Store(birthEpoch)
	e.retireEpoch.Store(retireEpoch)

	if retireEpoch != retireEpochLive && kind != KindInvalid {
		sh.retired = append(sh.retired, local)
	}

	// A replay may call RestoreHandle more than once for the same handle
	// (a checkpoint row, then a later WAL row retiring it): count only the
	// live/dead transition, not every call, or a recovered table's count
	// would overstate how many handles are actually live.
	isLive := kind != KindInvalid
	if isLive && !wasLive {
		t.count.Add(1)
	} else if !isLive && wasLive {
		t.count.Add(-1)
	}

	return nil
}

// BeginRecovery drops each shard's free-handle cache and retired list so
// [ObjectTable.RestoreHandle] starts from a clean slate (§4.13's
// begin_recovery). Must be called before any RestoreHandle call in a
// recovery pass.
func (t *ObjectTable) BeginRecovery() {
	for _, sh := range t.shards {
		sh.mu.Lock()
		sh.freeHandles = sh.freeHandles[:0]
		sh.retired = sh.retired[:0]
		sh.slabs = sh.slabs[:0]
		sh.nextHandle = 1
		sh.mu.Unlock()
	}

	t.count.Store(0)
}

// EndRecovery rebuilds each shard's free-handle LIFO (every local index
// below nextHandle whose entry is FREE, pushed highest index first so the
// LIFO drains low-to-high, mirroring §4.13's end_recovery) and retired list
// (single pass over all restored entries). RestoreHandle already appends
// to sh.retired as it goes, so this pass only needs to rebuild free
// handles.
func (t *ObjectTable) EndRecovery() {
	for _, sh := range t.shards {
		sh.mu.Lock()

		for local := sh.nextHandle - 1; local >= 1; local-- {
			if int(local/slabSize) >= len(sh.slabs) {
				continue
			}

			e := sh.entryAt(local)
			if e.kind == KindInvalid && e.birthEpoch.Load() == 0 {
				sh.freeHandles = append(sh.freeHandles, local)
			}
		}

		sh.mu.Unlock()
	}
}
