package platformfs

import (
	"os"
	"path/filepath"
	"sync"
)

// Crash is a test-only [FS] that models the durability boundary §8's
// properties 6–9 depend on: a write is only guaranteed to survive
// [Crash.SimulateCrash] once it has been made durable via [File.Sync],
// [FS.FlushFile], or [FS.FsyncDirectory] (for renames/creates within that
// directory). Everything else is "in flight" and may or may not survive —
// this implementation conservatively drops it, the pessimistic assumption
// §4.6/§4.7/§4.8's write procedures are designed to tolerate.
//
// Grounded on the teacher's pkg/fs/crash.go durable-snapshot design,
// simplified to operate over an in-memory [MemFS] rather than a real
// on-disk working directory (the core's tests never need a real disk).
type Crash struct {
	mu      sync.Mutex
	durable *MemFS
	pending *MemFS
	dirty   map[string]bool // paths written since the last sync/fsync of their dir
}

// NewCrash returns a Crash filesystem starting from an empty durable state.
func NewCrash() *Crash {
	return &Crash{
		durable: NewMemFS(),
		pending: NewMemFS(),
		dirty:   make(map[string]bool),
	}
}

// SimulateCrash discards all state not yet made durable; it returns
// nothing. The receiver remains usable afterward (as a real process
// restarting against the same disk would reopen it).
func (c *Crash) SimulateCrash() {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := NewMemFS()
	for path, f := range c.durable.files {
		cp := make([]byte, len(f.data))
		copy(cp, f.data)
		snapshot.files[path] = &memFile{data: cp, mode: f.mode}
	}

	c.pending = snapshot
	c.dirty = make(map[string]bool)
}

func (c *Crash) markDirty(path string) {
	c.mu.Lock()
	c.dirty[clean(path)] = true
	c.mu.Unlock()
}

func (c *Crash) commit(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	path = clean(path)

	f, ok := c.pending.files[path]
	if !ok {
		delete(c.durable.files, path)
		delete(c.dirty, path)

		return
	}

	cp := make([]byte, len(f.data))
	copy(cp, f.data)
	c.durable.files[path] = &memFile{data: cp, mode: f.mode}
	delete(c.dirty, path)
}

func (c *Crash) commitDir(dir string) {
	c.mu.Lock()
	dir = clean(dir)

	var toCommit []string
	for path := range c.dirty {
		if clean(filepath.Dir(path)) == dir {
			toCommit = append(toCommit, path)
		}
	}
	c.mu.Unlock()

	for _, p := range toCommit {
		c.commit(p)
	}
}

func (c *Crash) Open(path string) (File, error) {
	f, err := c.pending.Open(path)
	if err != nil {
		return nil, err
	}

	return &crashFile{File: f, crash: c, path: path}, nil
}

func (c *Crash) Create(path string) (File, error) {
	f, err := c.pending.Create(path)
	if err != nil {
		return nil, err
	}

	c.markDirty(path)

	return &crashFile{File: f, crash: c, path: path}, nil
}

func (c *Crash) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	f, err := c.pending.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	if flag&(os.O_CREATE|os.O_WRONLY|os.O_RDWR) != 0 {
		c.markDirty(path)
	}

	return &crashFile{File: f, crash: c, path: path}, nil
}

func (c *Crash) FileSize(path string) (int64, error)                { return c.pending.FileSize(path) }
func (c *Crash) EnsureDirectory(path string, perm os.FileMode) error { return c.pending.EnsureDirectory(path, perm) }
func (c *Crash) ReadDir(path string) ([]os.DirEntry, error)         { return c.pending.ReadDir(path) }
func (c *Crash) Exists(path string) (bool, error)                   { return c.pending.Exists(path) }

func (c *Crash) Remove(path string) error {
	c.markDirty(path)

	return c.pending.Remove(path)
}

func (c *Crash) Rename(oldpath, newpath string) error {
	if err := c.pending.Rename(oldpath, newpath); err != nil {
		return err
	}

	c.markDirty(newpath)

	return nil
}

func (c *Crash) MapFile(path string, length int) (Mapping, error) {
	return c.pending.MapFile(path, length)
}

func (c *Crash) FlushFile(f File) error {
	cf, ok := f.(*crashFile)
	if ok {
		c.commit(cf.path)
	}

	return c.pending.FlushFile(f)
}

func (c *Crash) FsyncDirectory(dirPath string) error {
	c.commitDir(dirPath)

	return nil
}

func (c *Crash) AtomicReplace(path string, data []byte, perm os.FileMode) error {
	if err := c.pending.AtomicReplace(path, data, perm); err != nil {
		return err
	}

	c.markDirty(path)

	return nil
}

var _ FS = (*Crash)(nil)

// crashFile tracks the path a handle was opened against so Sync can mark
// that exact file durable.
type crashFile struct {
	File
	crash *Crash
	path  string
}

func (f *crashFile) Sync() error {
	f.crash.commit(f.path)

	return f.File.Sync()
}
