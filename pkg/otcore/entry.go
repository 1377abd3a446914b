package otcore

import "sync/atomic"

// Kind distinguishes what an OT entry's handle currently denotes.
type Kind uint8

const (
	// KindInvalid marks a free slot — never visible to readers.
	KindInvalid Kind = iota
	KindInternal
	KindLeaf
)

// MaxClassID is the highest legal class_id (§3: "opaque size class
// (0..127), used for reclamation accounting only").
const MaxClassID = 127

// Addr is the opaque physical location of one node's persisted bytes:
// (file_id, segment_id, offset, length). The Object Table never
// interprets these beyond passing them to the Segment Allocator on
// reclaim.
type Addr struct {
	FileID    uint32
	SegmentID uint32
	Offset    uint64
	Length    uint32
}

// MaxTag is the highest reuse tag before it wraps (§3: 16-bit, skip 0).
const MaxTag = 0xFFFF

// birthEpochNotLive / retireEpochLive sentinels per §3's entry-state table.
const (
	birthEpochNotLive = 0
	retireEpochLive   = ^uint64(0) // "MAX" in spec.md
)

// otEntry is the authoritative per-handle metadata row (§3). It is padded
// to exactly one cache line (64 bytes) to eliminate false sharing between
// adjacent handles in the same slab, mirroring the teacher's own
// padded/aligned slot-header discipline (pkg/slotcache's fixed-size,
// cache-friendly slot records).
//
// Concurrency contract (§3, §5): kind/classID/addr/tag are plain stores
// made under the owning shard's mutex; birthEpoch is published with a
// release store and observed with an acquire load — every write made
// before that release is visible to any reader that observes the
// corresponding (or later) value via acquire. tag is plain-atomic but is
// always republished (bumped) before any subsequent release of
// birthEpoch, so a reader re-checking tag after its acquire load of
// birthEpoch can detect a handle that was freed and reused during the
// read (ABA safety, property 1 in §8).
type otEntry struct {
	kind    Kind
	classID uint8
	_       [2]byte // align tag to a 4-byte boundary

	tag atomic.Uint32 // low 16 bits meaningful; bumped FREE->RESERVED

	fileID    uint32
	segmentID uint32
	offset    uint64
	length    uint32

	birthEpoch  atomic.Uint64
	retireEpoch atomic.Uint64

	_ [12]byte // pad struct to 64 bytes total
}

func newFreeEntry() otEntry {
	e := otEntry{kind: KindInvalid}
	e.retireEpoch.Store(retireEpochLive)

	return e
}

// OTEntry is a by-value, race-free snapshot of an otEntry returned to
// callers by [ObjectTable.Lookup]. It carries everything a reader needs to
// decide whether the handle it resolved is live at its pinned epoch.
type OTEntry struct {
	Kind        Kind
	ClassID     uint8
	Addr        Addr
	Tag         uint16
	BirthEpoch  uint64
	RetireEpoch uint64
}

// IsFree reports the canonical freeness test from §3/§8 property 2:
// birth_epoch == 0 && kind == Invalid, independent of retire_epoch (which
// may carry a stale breadcrumb value from a prior reclaim).
func (e OTEntry) IsFree() bool {
	return e.BirthEpoch == 0 && e.Kind == KindInvalid
}

// IsLiveAt reports whether this entry is visible to a reader pinned at
// epoch e: birth_epoch != 0, birth_epoch <= e, and e < retire_epoch.
func (e OTEntry) IsLiveAt(e2 uint64) bool {
	return e.BirthEpoch != 0 && e.BirthEpoch <= e2 && e2 < e.RetireEpoch
}

// snapshot reads every field of an otEntry into an [OTEntry]. Callers
// resolving a handle for a reader must follow the §5 read protocol
// themselves (bounds-check, acquire-load the slab pointer, read fields,
// acquire-load birthEpoch, re-check tag) — snapshot alone does not
// provide that ordering; it is also used internally under the shard lock
// where no such race exists.
func (e *otEntry) snapshot() OTEntry {
	return OTEntry{
		Kind:        e.kind,
		ClassID:     e.classID,
		Addr:        Addr{FileID: e.fileID, SegmentID: e.segmentID, Offset: e.offset, Length: e.length},
		Tag:         uint16(e.tag.Load()),
		BirthEpoch:  e.birthEpoch.Load(),
		RetireEpoch: e.retireEpoch.Load(),
	}
}
