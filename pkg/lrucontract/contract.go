// Package lrucontract defines the narrow interface an external LRU cache
// must satisfy to sit in front of [otcore.ObjectTable] lookups (§1, §6).
// This package declares the contract only — no implementation — the same
// way the teacher's pkg/slotcache/api.go states its Cache/Writer contract
// as pure interfaces, leaving concrete storage details to internal types
// callers never see.
//
// The persistence core itself never requires an LRU: the Object Table
// already resolves a [otcore.NodeID] to its [otcore.Addr] on every call.
// An embedder adds a cache in front of that resolution (and of whatever
// it keeps materialized from the bytes at that address) purely as a
// performance layer, and this package exists so that layer can be swapped
// without otcore depending on any particular cache implementation.
package lrucontract

import "github.com/lucenia/xtree/core/pkg/otcore"

// Record is whatever an embedder materializes in memory for a node —
// typically the node's deserialized content plus a reference count this
// package's Unpin decrements. lrucontract does not interpret Record; it
// only threads ownership through LookupOrAttach/Find/Rekey and Pin.Unpin.
type Record any

// Pin is a held reference returned by [Cache.LookupOrAttach] or
// [Cache.Find]. Callers must call [Pin.Unpin] exactly once, from the same
// goroutine that acquired it or one that has otherwise synchronized with
// it — Pin itself is not required to be safe for concurrent use.
type Pin interface {
	// Record returns the pinned record. Valid until Unpin.
	Record() Record

	// Unpin releases the hold this Pin represents. Idempotent.
	Unpin()
}

// Cache is the contract an external LRU must satisfy (§6's
// lookup_or_attach / find / rekey / pin-unpin RAII surface).
// Implementations decide eviction policy, capacity, and concurrency
// strategy; this package only fixes the shape callers rely on.
type Cache interface {
	// Find returns a [Pin] on the record currently cached for key, or
	// (nil, false) if key is not resident. Does not attach anything.
	Find(key otcore.NodeID) (Pin, bool)

	// LookupOrAttach returns a [Pin] on the record for key if resident,
	// or calls ownsObject to materialize one, attaches it, and returns a
	// Pin on that instead. ownsObject is called at most once per miss and
	// must return a record this Cache may evict later; the caller retains
	// no other reference to it once this returns.
	LookupOrAttach(key otcore.NodeID, ownsObject func() (Record, error)) (Pin, error)

	// Rekey moves the entry at oldKey to newKey, used when a node's
	// handle changes identity without its content changing (e.g. a
	// checkpoint-driven address update that a higher layer chooses to
	// also renumber). Returns false if oldKey was not resident.
	Rekey(oldKey, newKey otcore.NodeID) bool

	// Len reports the number of resident, unpinned-or-pinned entries.
	Len() int
}
