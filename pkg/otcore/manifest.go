package otcore

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/lucenia/xtree/core/pkg/platformfs"
)

// ManifestCheckpoint points at the checkpoint the manifest currently
// considers authoritative.
type ManifestCheckpoint struct {
	Path    string `json:"path"`
	Epoch   uint64 `json:"epoch"`
	Size    int64  `json:"size"`
	Entries uint64 `json:"entries"`
}

// ManifestDeltaLog is one entry in the manifest's WAL file list. EndEpoch
// is 0 while the log is still open for append; Closed distinguishes an
// open log with no records yet from a sealed-but-empty one.
type ManifestDeltaLog struct {
	Path       string `json:"path"`
	StartEpoch uint64 `json:"start_epoch"`
	EndEpoch   uint64 `json:"end_epoch"`
	Size       int64  `json:"size"`
	Closed     bool   `json:"closed"`
}

// ManifestRoot is one entry in the named-root catalog (SPEC_FULL.md D.1):
// a stable application-chosen name bound to the [NodeID] of that root's
// current version, the epoch it was last updated at, and an optional
// caller-supplied MBR summary for that root (opaque to the manifest; an
// xtree spatial index stores the root node's bounding rectangle here so a
// reader can filter on it without touching the tree itself).
type ManifestRoot struct {
	Name   string `json:"name"`
	NodeID uint64 `json:"node_id"`
	Epoch  uint64 `json:"epoch"`
	Mbr    []byte `json:"mbr,omitempty"`
}

// Manifest is the durable catalog of "what exists": the checkpoint to
// start recovery from, every WAL file recovery must consider, and the
// named roots the application has registered. It is rewritten wholesale on
// every update (it is small — kilobytes, not megabytes) using the same
// temp-file → fsync → atomic-rename → directory-fsync discipline as the
// checkpoint and superblock (§4.7/§4.8), grounded on the teacher's
// natefinch/atomic-based AtomicReplace usage in pkg/fs/real.go.
type Manifest struct {
	Checkpoint *ManifestCheckpoint `json:"checkpoint,omitempty"`
	DeltaLogs  []ManifestDeltaLog  `json:"delta_logs"`
	Roots      []ManifestRoot      `json:"roots"`
}

// LoadManifest reads and JSON-decodes the manifest at path. A missing file
// is not an error — it returns an empty Manifest, the state of a
// brand-new data directory.
func LoadManifest(fsys platformfs.FS, path string) (*Manifest, error) {
	exists, err := fsys.Exists(path)
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %w", ErrStorageIO, path, err)
	}

	if !exists {
		return &Manifest{}, nil
	}

	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrStorageIO, path, err)
	}
	defer f.Close()

	size, err := fsys.FileSize(path)
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %w", ErrStorageIO, path, err)
	}

	data := make([]byte, size)
	if _, err := f.Read(data); err != nil && size > 0 {
		return nil, fmt.Errorf("%w: read %s: %w", ErrStorageIO, path, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrCorruptCheckpoint, path, err)
	}

	return &m, nil
}

// Store JSON-encodes m and writes it to path via [FS.AtomicReplace],
// followed by an explicit [FS.FsyncDirectory] on dir so the rename is
// itself durable.
func (m *Manifest) Store(fsys platformfs.FS, path, dir string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	if err := fsys.AtomicReplace(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: replace %s: %w", ErrStorageIO, path, err)
	}

	if err := fsys.FsyncDirectory(dir); err != nil {
		return fmt.Errorf("%w: fsync dir %s: %w", ErrStorageIO, dir, err)
	}

	return nil
}

// SetCheckpoint replaces the manifest's checkpoint pointer.
func (m *Manifest) SetCheckpoint(c ManifestCheckpoint) {
	m.Checkpoint = &c
}

// AddDeltaLog appends a new open WAL file entry.
func (m *Manifest) AddDeltaLog(path string, startEpoch uint64) {
	m.DeltaLogs = append(m.DeltaLogs, ManifestDeltaLog{Path: path, StartEpoch: startEpoch})
}

// CloseDeltaLog marks the named WAL file sealed with its final end epoch
// and size, the step the rotation protocol (§4.9) takes after the new log
// has already replaced it on the active-write path.
func (m *Manifest) CloseDeltaLog(path string, endEpoch uint64, size int64) error {
	for i := range m.DeltaLogs {
		if m.DeltaLogs[i].Path == path {
			m.DeltaLogs[i].EndEpoch = endEpoch
			m.DeltaLogs[i].Size = size
			m.DeltaLogs[i].Closed = true

			return nil
		}
	}

	return ErrNotFound
}

// RemoveDeltaLog drops a WAL file entry from the manifest, called by log
// GC once a closed log is no longer needed by any retained checkpoint
// (§4.10).
func (m *Manifest) RemoveDeltaLog(path string) {
	out := m.DeltaLogs[:0]

	for _, l := range m.DeltaLogs {
		if l.Path != path {
			out = append(out, l)
		}
	}

	m.DeltaLogs = out
}

// SetRoot upserts a named root, optionally carrying an mbr summary (nil if
// the caller has none to store). Roots are kept sorted by name so repeated
// Store calls produce a stable diff for the same logical state.
func (m *Manifest) SetRoot(name string, id NodeID, epoch uint64, mbr []byte) {
	for i := range m.Roots {
		if m.Roots[i].Name == name {
			m.Roots[i].NodeID = id.Raw()
			m.Roots[i].Epoch = epoch
			m.Roots[i].Mbr = mbr

			return
		}
	}

	m.Roots = append(m.Roots, ManifestRoot{Name: name, NodeID: id.Raw(), Epoch: epoch, Mbr: mbr})

	sort.Slice(m.Roots, func(i, j int) bool { return m.Roots[i].Name < m.Roots[j].Name })
}

// Root looks up a named root, including its mbr summary (nil if none was
// stored).
func (m *Manifest) Root(name string) (NodeID, uint64, []byte, bool) {
	for _, r := range m.Roots {
		if r.Name == name {
			return NodeID(r.NodeID), r.Epoch, r.Mbr, true
		}
	}

	return InvalidNodeID, 0, nil, false
}
