package otcore

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	"github.com/lucenia/xtree/core/pkg/platformfs"
)

// Superblock is the fixed, dual-copy root pointer §4.8 describes: a tiny
// (one allocation unit per copy) durable record of (root NodeID, epoch)
// that recovery reads first, before it even looks at the manifest. Two
// copies, each carrying its own generation counter, let Publish always
// leave at least one self-consistent copy on disk even if power is lost
// mid-write — the classic seqlock-style double-buffer the teacher's
// pkg/slotcache uses for its lock file header, generalized from one
// writer-visible field to the (root, epoch) pair this format needs.
type Superblock struct {
	Root  NodeID
	Epoch uint64
}

const (
	sbMagic      = "OTSB0001"
	sbCopySize   = 4096
	sbFileSize   = sbCopySize * 2
	sbFieldsSize = 8 + 4 + 8 + 8 + 8 // magic + generation + root + epoch + crc-padded-to-8
)

// superblock copy field offsets.
const (
	sbOffMagic = 0
	sbOffGen   = 8
	sbOffRoot  = 12
	sbOffEpoch = 20
	sbOffCRC   = 28
	sbOffEnd   = 36
)

// PublishSuperblock writes (root, epoch) to whichever of the two fixed
// copies in the file at path is currently stale, tagging it with a
// generation one higher than the other copy's. The whole two-copy file is
// rewritten uniformly via [FS.AtomicReplace] (write-temp, fsync, rename)
// followed by [FS.FsyncDirectory] on the containing directory, the same
// discipline every other durable structure in this package uses (§4.7's
// checkpoint, §4.11's manifest) rather than an in-place seek+write —
// in-place mutation of the stale copy would leave a torn copy on a crash
// mid-write instead of a clean fall-back to the still-valid one.
// Readers ([LoadSuperblock]) always prefer the highest-generation copy
// whose CRC validates.
func PublishSuperblock(fsys platformfs.FS, path string, root NodeID, epoch uint64) error {
	buf := make([]byte, sbFileSize)

	exists, err := fsys.Exists(path)
	if err != nil {
		return fmt.Errorf("%w: stat %s: %w", ErrStorageIO, path, err)
	}

	if exists {
		f, err := fsys.Open(path)
		if err != nil {
			return fmt.Errorf("%w: open %s: %w", ErrStorageIO, path, err)
		}

		_, err = f.Read(buf)
		f.Close()

		if err != nil {
			return fmt.Errorf("%w: read %s: %w", ErrStorageIO, path, err)
		}
	}

	gen0, ok0 := decodeSBCopy(buf[0:sbCopySize])
	gen1, ok1 := decodeSBCopy(buf[sbCopySize : 2*sbCopySize])

	// Write into the copy with the lower (or invalid) generation, leaving
	// the other copy untouched and valid for the whole duration of this
	// publish.
	targetOff := 0
	nextGen := uint32(1)

	switch {
	case !ok0 && !ok1:
		targetOff, nextGen = 0, 1
	case !ok0:
		targetOff, nextGen = 0, gen1+1
	case !ok1:
		targetOff, nextGen = sbCopySize, gen0+1
	case gen0 <= gen1:
		targetOff, nextGen = 0, gen1+1
	default:
		targetOff, nextGen = sbCopySize, gen0+1
	}

	encodeSBCopy(buf[targetOff:targetOff+sbCopySize], nextGen, root, epoch)

	if err := fsys.AtomicReplace(path, buf, 0o644); err != nil {
		return fmt.Errorf("%w: replace %s: %w", ErrStorageIO, path, err)
	}

	if err := fsys.FsyncDirectory(filepath.Dir(path)); err != nil {
		return fmt.Errorf("%w: fsync dir of %s: %w", ErrStorageIO, path, err)
	}

	return nil
}

// LoadSuperblock reads both copies and returns the fields of whichever
// validates with the higher generation. Returns [ErrCorruptCheckpoint] if
// neither copy validates, and [ErrNotFound] if the file does not exist
// (a brand-new data directory with no root published yet).
func LoadSuperblock(fsys platformfs.FS, path string) (Superblock, error) {
	exists, err := fsys.Exists(path)
	if err != nil {
		return Superblock{}, fmt.Errorf("%w: stat %s: %w", ErrStorageIO, path, err)
	}

	if !exists {
		return Superblock{}, ErrNotFound
	}

	f, err := fsys.Open(path)
	if err != nil {
		return Superblock{}, fmt.Errorf("%w: open %s: %w", ErrStorageIO, path, err)
	}
	defer f.Close()

	buf := make([]byte, sbFileSize)
	if _, err := f.Read(buf); err != nil {
		return Superblock{}, fmt.Errorf("%w: read %s: %w", ErrStorageIO, path, err)
	}

	gen0, ok0 := decodeSBCopy(buf[0:sbCopySize])
	gen1, ok1 := decodeSBCopy(buf[sbCopySize : 2*sbCopySize])

	var chosen []byte

	switch {
	case ok0 && ok1:
		if gen0 >= gen1 {
			chosen = buf[0:sbCopySize]
		} else {
			chosen = buf[sbCopySize : 2*sbCopySize]
		}
	case ok0:
		chosen = buf[0:sbCopySize]
	case ok1:
		chosen = buf[sbCopySize : 2*sbCopySize]
	default:
		return Superblock{}, fmt.Errorf("%w: %s: no valid superblock copy", ErrCorruptCheckpoint, path)
	}

	return Superblock{
		Root:  NodeID(binary.LittleEndian.Uint64(chosen[sbOffRoot:])),
		Epoch: binary.LittleEndian.Uint64(chosen[sbOffEpoch:]),
	}, nil
}

func encodeSBCopy(buf []byte, gen uint32, root NodeID, epoch uint64) {
	copy(buf[sbOffMagic:sbOffMagic+8], sbMagic)
	binary.LittleEndian.PutUint32(buf[sbOffGen:], gen)
	binary.LittleEndian.PutUint64(buf[sbOffRoot:], root.Raw())
	binary.LittleEndian.PutUint64(buf[sbOffEpoch:], epoch)
	binary.LittleEndian.PutUint64(buf[sbOffCRC:], uint64(crcOf(buf[:sbOffCRC])))
}

func decodeSBCopy(buf []byte) (gen uint32, ok bool) {
	if string(buf[sbOffMagic:sbOffMagic+8]) != sbMagic {
		return 0, false
	}

	wantCRC := binary.LittleEndian.Uint64(buf[sbOffCRC:])
	if uint64(crcOf(buf[:sbOffCRC])) != wantCRC {
		return 0, false
	}

	return binary.LittleEndian.Uint32(buf[sbOffGen:]), true
}
