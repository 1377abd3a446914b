package otcore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"path/filepath"

	"github.com/lucenia/xtree/core/pkg/platformfs"
)

// checkpointMagic identifies a checkpoint file; checkpointVersion is
// bumped whenever the header or row layout changes incompatibly.
const (
	checkpointMagic   = "OTCKPT1\x00"
	checkpointVersion = 1

	// checkpointHeaderSize is the fixed header block, padded out to one
	// allocation granularity so the header always occupies whole blocks
	// on any backing store (§4.7).
	checkpointHeaderSize = 4096

	// checkpointBlockGranularity is recorded in the header for readers
	// that want to align subsequent I/O; it is informational only.
	checkpointBlockGranularity = 4096

	checkpointFooterSize = 24
)

// checkpoint header field byte offsets, within the 4096-byte header.
const (
	hdrOffMagic       = 0
	hdrOffVersion     = 8
	hdrOffCommitEpoch = 12
	hdrOffEntryCount  = 20
	hdrOffRowSize     = 28
	hdrOffBlockGran   = 32
	hdrOffEntriesCRC  = 36
	hdrOffHeaderCRC   = 40
	hdrFieldsEnd      = 44 // end of the header fields; headerCRC covers the bytes before hdrOffHeaderCRC
)

// checkpointFileName returns the canonical name for a checkpoint taken at
// commitEpoch, per §4.7's "ot_checkpoint_epoch-<N>.bin" naming.
func checkpointFileName(commitEpoch uint64) string {
	return fmt.Sprintf("ot_checkpoint_epoch-%d.bin", commitEpoch)
}

// WriteCheckpoint snapshots table (via [ObjectTable.SnapshotAll]) and
// writes it to dir as a new checkpoint file for commitEpoch, following the
// crash-consistent procedure in §4.7: write to a temp file, compute the
// entries CRC while streaming rows, patch the header with that CRC and
// its own CRC, append the footer, fsync the temp file, atomically rename
// it into place, then fsync the directory. Returns the final file path and
// the number of rows written.
func WriteCheckpoint(fsys platformfs.FS, dir string, table *ObjectTable, commitEpoch uint64) (string, int, error) {
	rows := table.SnapshotAll()

	finalPath := filepath.Join(dir, checkpointFileName(commitEpoch))
	tmpPath := finalPath + ".tmp"

	f, err := fsys.Create(tmpPath)
	if err != nil {
		return "", 0, fmt.Errorf("%w: create %s: %w", ErrStorageIO, tmpPath, err)
	}

	var header [checkpointHeaderSize]byte
	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		return "", 0, fmt.Errorf("%w: write placeholder header: %w", ErrStorageIO, err)
	}

	var rowBuf [persistentEntrySize]byte

	entriesHash := crc32.New(crcTable)

	for _, row := range rows {
		row.encode(rowBuf[:])
		entriesHash.Write(rowBuf[:])

		if _, err := f.Write(rowBuf[:]); err != nil {
			f.Close()
			return "", 0, fmt.Errorf("%w: write row: %w", ErrStorageIO, err)
		}
	}

	entriesCRC := entriesHash.Sum32()

	encodeCheckpointHeader(header[:], commitEpoch, uint64(len(rows)), entriesCRC)

	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		return "", 0, fmt.Errorf("%w: seek header: %w", ErrStorageIO, err)
	}

	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		return "", 0, fmt.Errorf("%w: rewrite header: %w", ErrStorageIO, err)
	}

	if _, err := f.Seek(0, 2); err != nil {
		f.Close()
		return "", 0, fmt.Errorf("%w: seek end: %w", ErrStorageIO, err)
	}

	var footer [checkpointFooterSize]byte
	totalBytes := uint64(len(rows)) * persistentEntrySize
	binary.LittleEndian.PutUint64(footer[0:8], totalBytes)
	binary.LittleEndian.PutUint32(footer[8:12], entriesCRC)
	footerCRC := crcOf(footer[0:12])
	binary.LittleEndian.PutUint32(footer[12:16], footerCRC)

	if _, err := f.Write(footer[:]); err != nil {
		f.Close()
		return "", 0, fmt.Errorf("%w: write footer: %w", ErrStorageIO, err)
	}

	if err := fsys.FlushFile(f); err != nil {
		f.Close()
		return "", 0, fmt.Errorf("%w: sync %s: %w", ErrStorageIO, tmpPath, err)
	}

	if err := f.Close(); err != nil {
		return "", 0, fmt.Errorf("%w: close %s: %w", ErrStorageIO, tmpPath, err)
	}

	if err := fsys.Rename(tmpPath, finalPath); err != nil {
		return "", 0, fmt.Errorf("%w: rename %s: %w", ErrStorageIO, tmpPath, err)
	}

	if err := fsys.FsyncDirectory(dir); err != nil {
		return "", 0, fmt.Errorf("%w: fsync dir %s: %w", ErrStorageIO, dir, err)
	}

	return finalPath, len(rows), nil
}

func encodeCheckpointHeader(buf []byte, commitEpoch, entryCount uint64, entriesCRC uint32) {
	copy(buf[hdrOffMagic:hdrOffMagic+8], checkpointMagic)
	binary.LittleEndian.PutUint32(buf[hdrOffVersion:], checkpointVersion)
	binary.LittleEndian.PutUint64(buf[hdrOffCommitEpoch:], commitEpoch)
	binary.LittleEndian.PutUint64(buf[hdrOffEntryCount:], entryCount)
	binary.LittleEndian.PutUint32(buf[hdrOffRowSize:], persistentEntrySize)
	binary.LittleEndian.PutUint32(buf[hdrOffBlockGran:], checkpointBlockGranularity)
	binary.LittleEndian.PutUint32(buf[hdrOffEntriesCRC:], entriesCRC)
	binary.LittleEndian.PutUint32(buf[hdrOffHeaderCRC:], crcOf(buf[:hdrOffHeaderCRC]))
}

// CheckpointInfo is the validated, decoded header+footer of a checkpoint
// file, returned by [ReadCheckpoint] alongside its rows.
type CheckpointInfo struct {
	CommitEpoch uint64
	EntryCount  uint64
	Path        string
}

// ReadCheckpoint opens and fully validates the checkpoint file at path:
// header magic/version, header CRC, every row, the entries CRC, and the
// footer CRC. Returns [ErrCorruptCheckpoint] wrapping details on any
// mismatch, per §4.13's "refuse the file and fall back to an earlier
// one" recovery contract.
func ReadCheckpoint(fsys platformfs.FS, path string) (CheckpointInfo, []PersistentEntry, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return CheckpointInfo{}, nil, fmt.Errorf("%w: open %s: %w", ErrStorageIO, path, err)
	}
	defer f.Close()

	size, err := fsys.FileSize(path)
	if err != nil {
		return CheckpointInfo{}, nil, fmt.Errorf("%w: stat %s: %w", ErrStorageIO, path, err)
	}

	if size < checkpointHeaderSize+checkpointFooterSize {
		return CheckpointInfo{}, nil, fmt.Errorf("%w: %s too short", ErrCorruptCheckpoint, path)
	}

	data := make([]byte, size)
	if _, err := f.Read(data); err != nil {
		return CheckpointInfo{}, nil, fmt.Errorf("%w: read %s: %w", ErrStorageIO, path, err)
	}

	header := data[:checkpointHeaderSize]

	if string(header[hdrOffMagic:hdrOffMagic+8]) != checkpointMagic {
		return CheckpointInfo{}, nil, fmt.Errorf("%w: %s bad magic", ErrCorruptCheckpoint, path)
	}

	if binary.LittleEndian.Uint32(header[hdrOffVersion:]) != checkpointVersion {
		return CheckpointInfo{}, nil, fmt.Errorf("%w: %s unsupported version", ErrCorruptCheckpoint, path)
	}

	if crcOf(header[:hdrOffHeaderCRC]) != binary.LittleEndian.Uint32(header[hdrOffHeaderCRC:]) {
		return CheckpointInfo{}, nil, fmt.Errorf("%w: %s header CRC mismatch", ErrCorruptCheckpoint, path)
	}

	commitEpoch := binary.LittleEndian.Uint64(header[hdrOffCommitEpoch:])
	entryCount := binary.LittleEndian.Uint64(header[hdrOffEntryCount:])
	headerEntriesCRC := binary.LittleEndian.Uint32(header[hdrOffEntriesCRC:])

	rowsStart := checkpointHeaderSize
	rowsEnd := rowsStart + int(entryCount)*persistentEntrySize

	if rowsEnd+checkpointFooterSize > len(data) {
		return CheckpointInfo{}, nil, fmt.Errorf("%w: %s truncated rows", ErrCorruptCheckpoint, path)
	}

	footer := data[rowsEnd : rowsEnd+checkpointFooterSize]

	footerCRC := crcOf(footer[0:12])
	if footerCRC != binary.LittleEndian.Uint32(footer[12:16]) {
		return CheckpointInfo{}, nil, fmt.Errorf("%w: %s footer CRC mismatch", ErrCorruptCheckpoint, path)
	}

	footerEntriesCRC := binary.LittleEndian.Uint32(footer[8:12])

	rows := make([]PersistentEntry, 0, entryCount)

	entriesHash := crc32.New(crcTable)

	for off := rowsStart; off < rowsEnd; off += persistentEntrySize {
		row := data[off : off+persistentEntrySize]

		entriesHash.Write(row)

		rows = append(rows, decodePersistentEntry(row))
	}

	entriesCRC := entriesHash.Sum32()

	if entriesCRC != headerEntriesCRC || entriesCRC != footerEntriesCRC {
		return CheckpointInfo{}, nil, fmt.Errorf("%w: %s entries CRC mismatch", ErrCorruptCheckpoint, path)
	}

	return CheckpointInfo{CommitEpoch: commitEpoch, EntryCount: entryCount, Path: path}, rows, nil
}
