package otcore

import "errors"

// Sentinel error kinds the persistence core distinguishes, per §7.
//
// Callers classify with [errors.Is]; implementations may wrap these with
// additional context via fmt.Errorf("...: %w", ...).
var (
	// ErrStorageIO marks any failure of the PlatformFS abstraction.
	ErrStorageIO = errors.New("otcore: storage i/o")

	// ErrCorruptCheckpoint marks a CRC or magic mismatch in a checkpoint
	// file. Recovery refuses that file and falls back to an earlier one
	// if present.
	ErrCorruptCheckpoint = errors.New("otcore: corrupt checkpoint")

	// ErrCorruptDeltaRecord marks a framing error in the WAL. [ReplayWAL]
	// does not return it: replay stops without error at the first record
	// that fails its terminator or CRC check, and the file is not truncated.
	ErrCorruptDeltaRecord = errors.New("otcore: corrupt delta record")

	// ErrTableFull marks that the Object Table has reached its
	// configured capacity. Fatal to the calling writer.
	ErrTableFull = errors.New("otcore: table full")

	// ErrInvalidState marks misuse of the Object Table's state machine
	// (retire of FREE, commit without reserve, tag mismatch). In debug
	// builds the caller may choose to panic; this package returns the
	// error and keeps no metrics counter for it.
	ErrInvalidState = errors.New("otcore: invalid state")

	// ErrTransient marks a condition expected to clear on retry within a
	// bounded window (e.g. rotation racing a late writer).
	ErrTransient = errors.New("otcore: transient")

	// ErrClosed marks use of a component after it was closed/stopped.
	ErrClosed = errors.New("otcore: closed")

	// ErrNotFound marks a lookup (manifest log entry, root name, etc.)
	// that did not match anything.
	ErrNotFound = errors.New("otcore: not found")
)
