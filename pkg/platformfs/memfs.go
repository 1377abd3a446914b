package platformfs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// MemFS is an in-memory [FS] used by tests that need deterministic,
// disk-free crash/chaos scenarios. It models "fsync" as a no-op that
// always succeeds; [Chaos] and [Crash] wrap it to inject failures at
// exactly the points §8's properties care about.
type MemFS struct {
	mu    sync.Mutex
	files map[string]*memFile
	dirs  map[string]bool
}

type memFile struct {
	data []byte
	mode os.FileMode
}

// NewMemFS returns an empty in-memory filesystem rooted at "/".
func NewMemFS() *MemFS {
	return &MemFS{
		files: make(map[string]*memFile),
		dirs:  map[string]bool{".": true, "/": true},
	}
}

func clean(path string) string { return filepath.Clean(path) }

func (m *MemFS) Open(path string) (File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path = clean(path)

	f, ok := m.files[path]
	if !ok {
		f = &memFile{mode: 0o640}
		m.files[path] = f
	}

	return newMemHandle(m, path, f), nil
}

func (m *MemFS) Create(path string) (File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path = clean(path)
	f := &memFile{mode: 0o640}
	m.files[path] = f

	return newMemHandle(m, path, f), nil
}

func (m *MemFS) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	m.mu.Lock()
	path = clean(path)
	f, ok := m.files[path]

	if !ok {
		if flag&os.O_CREATE == 0 {
			m.mu.Unlock()
			return nil, fmt.Errorf("open %q: %w", path, os.ErrNotExist)
		}

		f = &memFile{mode: perm}
		m.files[path] = f
	}

	if flag&os.O_TRUNC != 0 {
		f.data = nil
	}
	m.mu.Unlock()

	h := newMemHandle(m, path, f)
	if flag&os.O_APPEND != 0 {
		h.pos = int64(len(f.data))
	}

	return h, nil
}

func (m *MemFS) FileSize(path string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.files[clean(path)]
	if !ok {
		return 0, fmt.Errorf("stat %q: %w", path, os.ErrNotExist)
	}

	return int64(len(f.data)), nil
}

func (m *MemFS) EnsureDirectory(path string, _ os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dirs[clean(path)] = true

	return nil
}

func (m *MemFS) ReadDir(path string) ([]os.DirEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := clean(path) + string(filepath.Separator)

	var names []string
	seen := map[string]bool{}

	for p := range m.files {
		if len(p) > len(prefix) && p[:len(prefix)] == prefix {
			rest := p[len(prefix):]
			if i := indexByte(rest, filepath.Separator); i >= 0 {
				rest = rest[:i] // a nested file lists as its top-level subdirectory
			}

			if !seen[rest] {
				seen[rest] = true
				names = append(names, rest)
			}
		}
	}

	sort.Strings(names)

	entries := make([]os.DirEntry, 0, len(names))
	for _, n := range names {
		entries = append(entries, memDirEntry{name: n})
	}

	return entries, nil
}

func indexByte(s string, b byte) int {
	for i := range len(s) {
		if s[i] == b {
			return i
		}
	}

	return -1
}

func (m *MemFS) Exists(path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.files[clean(path)]

	return ok, nil
}

func (m *MemFS) Remove(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.files, clean(path))

	return nil
}

func (m *MemFS) Rename(oldpath, newpath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldpath, newpath = clean(oldpath), clean(newpath)

	f, ok := m.files[oldpath]
	if !ok {
		return fmt.Errorf("rename %q: %w", oldpath, os.ErrNotExist)
	}

	m.files[newpath] = f
	delete(m.files, oldpath)

	return nil
}

func (m *MemFS) FlushFile(File) error { return nil }

func (m *MemFS) FsyncDirectory(string) error { return nil }

func (m *MemFS) AtomicReplace(path string, data []byte, perm os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := make([]byte, len(data))
	copy(cp, data)
	m.files[clean(path)] = &memFile{data: cp, mode: perm}

	return nil
}

func (m *MemFS) MapFile(path string, length int) (Mapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path = clean(path)

	f, ok := m.files[path]
	if !ok {
		f = &memFile{}
		m.files[path] = f
	}

	if len(f.data) < length {
		grown := make([]byte, length)
		copy(grown, f.data)
		f.data = grown
	}

	return &memMapping{file: f, view: f.data[:length]}, nil
}

var _ FS = (*MemFS)(nil)

type memMapping struct {
	file *memFile
	view []byte
}

func (mm *memMapping) Bytes() []byte          { return mm.view }
func (mm *memMapping) Flush(int, int) error   { return nil }
func (mm *memMapping) Unmap() error           { return nil }

type memDirEntry struct{ name string }

func (e memDirEntry) Name() string               { return e.name }
func (e memDirEntry) IsDir() bool                 { return false }
func (e memDirEntry) Type() os.FileMode           { return 0 }
func (e memDirEntry) Info() (os.FileInfo, error)  { return nil, fmt.Errorf("not supported") }

// memHandle implements [File] over a *memFile with an independent seek
// position, so multiple opens of the same path behave like independent
// file descriptors sharing the same underlying bytes (as os.File does).
type memHandle struct {
	fs   *MemFS
	path string
	f    *memFile
	pos  int64
}

func newMemHandle(fs *MemFS, path string, f *memFile) *memHandle {
	return &memHandle{fs: fs, path: path, f: f}
}

func (h *memHandle) Read(p []byte) (int, error) {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()

	if h.pos >= int64(len(h.f.data)) {
		return 0, io.EOF
	}

	n := copy(p, h.f.data[h.pos:])
	h.pos += int64(n)

	return n, nil
}

func (h *memHandle) Write(p []byte) (int, error) {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()

	end := h.pos + int64(len(p))
	if end > int64(len(h.f.data)) {
		grown := make([]byte, end)
		copy(grown, h.f.data)
		h.f.data = grown
	}

	n := copy(h.f.data[h.pos:end], p)
	h.pos = end

	return n, nil
}

func (h *memHandle) Seek(offset int64, whence int) (int64, error) {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()

	switch whence {
	case io.SeekStart:
		h.pos = offset
	case io.SeekCurrent:
		h.pos += offset
	case io.SeekEnd:
		h.pos = int64(len(h.f.data)) + offset
	}

	return h.pos, nil
}

func (h *memHandle) Close() error { return nil }
func (h *memHandle) Fd() uintptr  { return 0 }

func (h *memHandle) Stat() (os.FileInfo, error) {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()

	return memFileInfo{name: filepath.Base(h.path), size: int64(len(h.f.data)), mode: h.f.mode}, nil
}

func (h *memHandle) Sync() error { return nil }

func (h *memHandle) Truncate(size int64) error {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()

	if size <= int64(len(h.f.data)) {
		h.f.data = h.f.data[:size]
		return nil
	}

	grown := make([]byte, size)
	copy(grown, h.f.data)
	h.f.data = grown

	return nil
}

type memFileInfo struct {
	name string
	size int64
	mode os.FileMode
}

func (i memFileInfo) Name() string       { return i.name }
func (i memFileInfo) Size() int64        { return i.size }
func (i memFileInfo) Mode() os.FileMode  { return i.mode }
func (i memFileInfo) ModTime() time.Time { return time.Time{} }
func (i memFileInfo) IsDir() bool        { return false }
func (i memFileInfo) Sys() any           { return nil }
