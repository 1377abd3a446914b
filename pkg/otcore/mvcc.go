package otcore

import (
	"sync"
	"sync/atomic"
)

// pinUnpinned marks a pin slot as not currently pinned. A real epoch is
// always >= 1 (epoch 0 means "never advanced"), so it is a safe sentinel.
const pinUnpinned = ^uint64(0)

// pinSlot is one cache-line-aligned per-thread pin slot: a single atomic
// u64 holding either [pinUnpinned] or the epoch the registered thread is
// currently reading at (§4.2). Padding eliminates false sharing between
// slots, the same discipline the Object Table entry uses (§3).
type pinSlot struct {
	epoch atomic.Uint64
	_     [56]byte // pad to 64 bytes (8-byte epoch + 56 bytes padding)
}

// MVCC is the process-wide epoch counter plus the registry of per-thread
// pin slots (§4.2). The zero value is not usable; construct with [NewMVCC].
type MVCC struct {
	global atomic.Uint64 // current global epoch

	mu    sync.Mutex // guards slot registration growth only
	slots []*pinSlot

	// registered maps a caller-supplied stable thread key to its slot
	// index, so RegisterThread is idempotent per thread as required.
	registered sync.Map // map[any]int

	maxThreads int
}

// DefaultMaxThreads is the default maximum number of distinct threads that
// may call [MVCC.RegisterThread], matching §4.2's "~8k" guidance.
const DefaultMaxThreads = 8192

// NewMVCC returns an MVCC context with room for up to maxThreads registered
// pin slots. maxThreads <= 0 uses [DefaultMaxThreads].
func NewMVCC(maxThreads int) *MVCC {
	if maxThreads <= 0 {
		maxThreads = DefaultMaxThreads
	}

	return &MVCC{maxThreads: maxThreads}
}

// Pin is a registered per-thread slot returned by [MVCC.RegisterThread].
// Callers pin/unpin through it repeatedly across its registering thread's
// lifetime; it is not itself a RAII guard (see [Guard] for that).
type Pin struct {
	slot *pinSlot
}

// RegisterThread returns this caller's [Pin] slot, creating one on first
// call for the given threadKey and reusing it on subsequent calls
// (idempotent per thread, per §4.2). threadKey should be something stable
// for the calling thread's lifetime (e.g. a goroutine-local token the
// embedder manages, since Go has no native thread identity).
//
// Returns ErrTableFull if maxThreads registered slots are already in use
// by distinct keys.
func (m *MVCC) RegisterThread(threadKey any) (*Pin, error) {
	if v, ok := m.registered.Load(threadKey); ok {
		idx := v.(int)
		return &Pin{slot: m.slots[idx]}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Re-check under the lock: another goroutine may have registered the
	// same key while we were waiting.
	if v, ok := m.registered.Load(threadKey); ok {
		idx := v.(int)
		return &Pin{slot: m.slots[idx]}, nil
	}

	if len(m.slots) >= m.maxThreads {
		return nil, ErrTableFull
	}

	s := &pinSlot{}
	s.epoch.Store(pinUnpinned)
	m.slots = append(m.slots, s)
	m.registered.Store(threadKey, len(m.slots)-1)

	return &Pin{slot: s}, nil
}

// PinEpoch publishes e as the epoch this pin is currently reading at. A
// plain release store — no lock is taken on this path (§4.2, §5).
func (m *MVCC) PinEpoch(p *Pin, e uint64) {
	p.slot.epoch.Store(e)
}

// Unpin marks p as not currently reading any epoch.
func (m *MVCC) Unpin(p *Pin) {
	p.slot.epoch.Store(pinUnpinned)
}

// Guard is a move-only RAII pin: [MVCC.Acquire] returns one already pinned
// at the current global epoch, and [Guard.Release] unpins it. A Guard must
// not be copied; embedders should pass it by pointer and release exactly
// once, mirroring the teacher's single-owner registry-entry discipline.
type Guard struct {
	mvcc     *MVCC
	pin      *Pin
	released bool
}

// Acquire registers (if needed) and pins p at the current global epoch,
// returning a [Guard] that must be released with [Guard.Release].
func (m *MVCC) Acquire(threadKey any) (*Guard, error) {
	p, err := m.RegisterThread(threadKey)
	if err != nil {
		return nil, err
	}

	m.PinEpoch(p, m.global.Load())

	return &Guard{mvcc: m, pin: p}, nil
}

// Release unpins the guard's slot. Idempotent; safe to call multiple times
// or via defer after an early return.
func (g *Guard) Release() {
	if g == nil || g.released {
		return
	}

	g.mvcc.Unpin(g.pin)
	g.released = true
}

// MinActiveEpoch scans every registered pin slot and returns the minimum
// pinned epoch, or the current global epoch if no slot is pinned. Called
// only by the reclaimer (§4.2, §4.11); uses acquire loads on every slot.
// It holds the registration mutex only long enough to snapshot the slot
// slice header (race-free with append-growth), so it does not block
// concurrent RegisterThread/Pin/Unpin calls for long.
func (m *MVCC) MinActiveEpoch() uint64 {
	m.mu.Lock()
	slots := m.slots
	m.mu.Unlock()

	minEpoch := m.global.Load()
	found := false

	for _, s := range slots {
		e := s.epoch.Load()
		if e == pinUnpinned {
			continue
		}

		if !found || e < minEpoch {
			minEpoch = e
			found = true
		}
	}

	if !found {
		return m.global.Load()
	}

	return minEpoch
}

// AdvanceEpoch monotonically increments the global epoch and returns the
// new value.
func (m *MVCC) AdvanceEpoch() uint64 {
	return m.global.Add(1)
}

// CurrentEpoch returns the current global epoch without advancing it.
func (m *MVCC) CurrentEpoch() uint64 {
	return m.global.Load()
}

// RecoverSetEpoch sets the global epoch to target. It is an O(1) operation
// intended for use only during [Recover], before any writer or reader
// thread starts; it refuses to regress the epoch to guard against a
// misordered recovery call clobbering a higher value.
func (m *MVCC) RecoverSetEpoch(target uint64) {
	for {
		cur := m.global.Load()
		if target <= cur {
			return
		}

		if m.global.CompareAndSwap(cur, target) {
			return
		}
	}
}
