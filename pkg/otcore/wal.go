package otcore

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/lucenia/xtree/core/pkg/platformfs"
)

// deltaTerminator marks the end of a well-formed delta record. A torn
// write (crash mid-append) leaves it as a zero byte, the cheapest possible
// signal that replay must stop before this record.
const deltaTerminator = 0xA5

// deltaRecordSize is one WAL record: a 48-byte [PersistentEntry], its
// CRC32C, and a one-byte terminator.
const deltaRecordSize = persistentEntrySize + 4 + 1

// deltaLogName returns the canonical file name for WAL file seq, per §4's
// "delta_<12-digit>.wal" naming.
func deltaLogName(seq uint64) string {
	return fmt.Sprintf("delta_%012d.wal", seq)
}

// WAL is one append-only delta log file: every [ObjectTable.MarkLiveCommit]
// and [ObjectTable.Retire] that must survive a crash is appended here
// before it is considered durable. Grounded on the teacher's
// pkg/slotcache append/sync discipline (pre-sized file, explicit Sync
// fence, monotonic record sequence), adapted from a single fixed-capacity
// table to an unbounded, rotatable log.
type WAL struct {
	fs   platformfs.FS
	path string

	mu       sync.Mutex
	file     platformfs.File
	size     int64
	sealed   bool
	seq      atomic.Uint64
	startEp  uint64
	endEpoch atomic.Uint64

	metrics *Metrics
}

// SetMetrics installs the counter [WAL.Append] increments. nil (the
// default) means no metrics are recorded.
func (w *WAL) SetMetrics(m *Metrics) {
	w.metrics = m
}

// CreateWAL creates a new, empty WAL file under dir named for fileSeq,
// starting at startEpoch (the epoch of the first record this log may
// contain — used by [ObjectTable.RestoreHandle]'s caller to decide which
// logs overlap a recovery's replay window).
func CreateWAL(fsys platformfs.FS, dir string, fileSeq uint64, startEpoch uint64) (*WAL, error) {
	path := filepath.Join(dir, deltaLogName(fileSeq))

	f, err := fsys.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrStorageIO, path, err)
	}

	w := &WAL{fs: fsys, path: path, file: f, startEp: startEpoch}
	w.endEpoch.Store(startEpoch)

	return w, nil
}

// OpenWALForAppend reopens an existing, not-yet-sealed WAL file for
// continued appends (used when a coordinator restarts without crashing).
func OpenWALForAppend(fsys platformfs.FS, path string, startEpoch uint64) (*WAL, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrStorageIO, path, err)
	}

	size, err := fsys.FileSize(path)
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %w", ErrStorageIO, path, err)
	}

	if _, err := f.Seek(size, 0); err != nil {
		return nil, fmt.Errorf("%w: seek to end of %s: %w", ErrStorageIO, path, err)
	}

	w := &WAL{fs: fsys, path: path, file: f, size: size, startEp: startEpoch}
	w.endEpoch.Store(startEpoch)

	return w, nil
}

// Path returns the WAL's file path.
func (w *WAL) Path() string { return w.path }

// StartEpoch returns the epoch of the earliest record this log may hold.
func (w *WAL) StartEpoch() uint64 { return w.startEp }

// Size returns the current logical size of the WAL file in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.size
}

// EndEpochRelaxed returns the highest epoch appended so far, read without
// the append lock — "relaxed" because a concurrent Append may be in
// flight; callers use it only for coordinator heuristics, never for
// correctness decisions (§4.9).
func (w *WAL) EndEpochRelaxed() uint64 {
	return w.endEpoch.Load()
}

// Append writes one record for entry, observed at epoch (the same epoch
// passed to [ObjectTable.MarkLiveCommit]/[ObjectTable.Retire]), and
// returns its monotonic sequence number within this file. Does not fsync;
// callers batch several Appends before one [WAL.Sync] (group commit,
// §4.9).
func (w *WAL) Append(entry PersistentEntry, epoch uint64) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.sealed {
		return 0, ErrClosed
	}

	var buf [deltaRecordSize]byte
	entry.encode(buf[:persistentEntrySize])

	crc := crcOf(buf[:persistentEntrySize])
	buf[persistentEntrySize] = byte(crc)
	buf[persistentEntrySize+1] = byte(crc >> 8)
	buf[persistentEntrySize+2] = byte(crc >> 16)
	buf[persistentEntrySize+3] = byte(crc >> 24)
	buf[deltaRecordSize-1] = deltaTerminator

	n, err := w.file.Write(buf[:])
	if err != nil {
		return 0, fmt.Errorf("%w: append %s: %w", ErrStorageIO, w.path, err)
	}

	if n != deltaRecordSize {
		return 0, fmt.Errorf("%w: short append to %s", ErrStorageIO, w.path)
	}

	w.size += int64(n)

	if epoch > w.endEpoch.Load() {
		w.endEpoch.Store(epoch)
	}

	if w.metrics != nil {
		w.metrics.WALBytesWritten.Add(float64(n))
	}

	return w.seq.Add(1), nil
}

// Sync fsyncs the WAL file, making every Append before this call durable
// — the fence §4.6 calls "durability before acknowledging a commit."
func (w *WAL) Sync() error {
	w.mu.Lock()
	f := w.file
	w.mu.Unlock()

	if err := w.fs.FlushFile(f); err != nil {
		return fmt.Errorf("%w: sync %s: %w", ErrStorageIO, w.path, err)
	}

	return nil
}

// PrepareClose fsyncs and seals the log against further appends, the
// first step of the rotation protocol (§4.9) before the log's manifest
// entry is finalized.
func (w *WAL) PrepareClose() error {
	if err := w.Sync(); err != nil {
		return err
	}

	w.mu.Lock()
	w.sealed = true
	w.mu.Unlock()

	return nil
}

// Close releases the underlying file handle. Callers must have already
// called [WAL.PrepareClose] if the log's contents must be durable.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.file.Close()
}

// ReplayWAL reads every well-formed record from the WAL file at path and
// returns the decoded entries plus the highest epoch observed, per
// §4.13's replay step. Reading stops (without error) at the first
// record that fails its terminator or CRC check — the conservative
// assumption that it is a torn tail write from an unclean shutdown, not a
// later corruption that should fail recovery outright.
func ReplayWAL(fsys platformfs.FS, path string) (entries []PersistentEntry, maxEpoch uint64, err error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: open %s: %w", ErrStorageIO, path, err)
	}
	defer f.Close()

	size, err := fsys.FileSize(path)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: stat %s: %w", ErrStorageIO, path, err)
	}

	data := make([]byte, size)
	if _, err := f.Read(data); err != nil && size > 0 {
		return nil, 0, fmt.Errorf("%w: read %s: %w", ErrStorageIO, path, err)
	}

	for off := int64(0); off+deltaRecordSize <= size; off += deltaRecordSize {
		rec := data[off : off+deltaRecordSize]

		if rec[deltaRecordSize-1] != deltaTerminator {
			break
		}

		wantCRC := uint32(rec[persistentEntrySize]) |
			uint32(rec[persistentEntrySize+1])<<8 |
			uint32(rec[persistentEntrySize+2])<<16 |
			uint32(rec[persistentEntrySize+3])<<24

		if crcOf(rec[:persistentEntrySize]) != wantCRC {
			break
		}

		e := decodePersistentEntry(rec[:persistentEntrySize])
		entries = append(entries, e)

		if e.BirthEpoch > maxEpoch {
			maxEpoch = e.BirthEpoch
		}

		if e.RetireEpoch != retireEpochLive && e.RetireEpoch > maxEpoch {
			maxEpoch = e.RetireEpoch
		}
	}

	return entries, maxEpoch, nil
}
