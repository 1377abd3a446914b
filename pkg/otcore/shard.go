package otcore

import "sync"

// slabSize is the number of entries in one slab. Slabs are allocated once
// and never moved or resized, so a pointer into a slab stays valid for the
// life of the shard — readers can walk to an entry without holding the
// shard lock (§5's lock-free read path).
const slabSize = 4096

// shard owns one disjoint slice of the global handle space: global handle
// index g belongs to shard g%shardCount with local index h = g/shardCount
// (see [ObjectTable.globalToShard]) and, within the shard, lives in slab
// (h/slabSize) at offset (h%slabSize). It is a two-level segment vector of fixed-size slab
// arrays, the same layout discipline the teacher's pkg/slotcache uses for
// its fixed-capacity slot table, generalized here to grow on demand.
type shard struct {
	mu sync.Mutex

	slabs []*[slabSize]otEntry // append-only; never shrinks or reallocates existing slabs

	freeHandles []uint64 // LIFO of reusable handle indices, lowest-churn first
	retired     []uint64 // handles RETIRED but not yet reclaimed
	nextHandle  uint64   // next never-before-used handle index to mint, local to shard

	id    int
	count int // number of shards, for index<->handle mapping
}

func newShard(id, count int) *shard {
	return &shard{id: id, count: count, nextHandle: 1}
}

// entryAt returns a pointer to the slab-resident entry for local handle
// index h. It does not grow the slab vector: h's slab must already exist
// (see [shard.ensureSlab]), which [ObjectTable.Lookup] ensures by bounds
// checking against the slab count first.
func (s *shard) entryAt(h uint64) *otEntry {
	slabIdx := h / slabSize
	off := h % slabSize

	return &s.slabs[slabIdx][off]
}

// ensureSlab grows the slab vector so that local handle index h has a
// backing slab. Must be called with the shard lock held.
func (s *shard) ensureSlab(h uint64) {
	slabIdx := int(h / slabSize)

	for len(s.slabs) <= slabIdx {
		slab := new([slabSize]otEntry)
		for i := range slab {
			slab[i] = newFreeEntry()
		}

		s.slabs = append(s.slabs, slab)
	}
}

// slabCount returns the number of slabs currently allocated, used by the
// read path to bounds-check a handle before dereferencing it. It holds the
// shard lock only for the length read; the dereference that follows does
// not take it.
func (s *shard) slabCount() int {
	s.mu.Lock()
	n := len(s.slabs)
	s.mu.Unlock()

	return n
}

// reserveLocked pops a reusable handle from freeHandles, or mints a new one
// by growing the slab vector. Caller holds s.mu.
func (s *shard) reserveLocked() uint64 {
	if n := len(s.freeHandles); n > 0 {
		h := s.freeHandles[n-1]
		s.freeHandles = s.freeHandles[:n-1]

		return h
	}

	h := s.nextHandle
	s.nextHandle++
	s.ensureSlab(h)

	return h
}
