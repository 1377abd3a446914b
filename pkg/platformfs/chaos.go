package platformfs

import (
	"errors"
	"math/rand/v2"
	"os"
)

// ErrChaosInjected is returned by a [Chaos]-wrapped operation chosen for
// injected failure.
var ErrChaosInjected = errors.New("platformfs: injected fault")

// ChaosConfig controls fault-injection probabilities, each a float64 in
// [0,1]. The zero value injects nothing. Grounded on the teacher's
// pkg/fs/chaos.go rate-table design, trimmed to the failure points §8's
// properties actually exercise: write, sync, rename, and atomic-replace.
type ChaosConfig struct {
	WriteFailRate   float64
	SyncFailRate    float64
	RenameFailRate  float64
	ReplaceFailRate float64
	Rand            *rand.Rand
}

// Chaos wraps an [FS] and injects random failures according to
// [ChaosConfig], for exercising §7's StorageIO/Transient handling.
type Chaos struct {
	inner FS
	cfg   ChaosConfig
}

// NewChaos wraps inner with fault injection governed by cfg.
func NewChaos(inner FS, cfg ChaosConfig) *Chaos {
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(1, 2))
	}

	return &Chaos{inner: inner, cfg: cfg}
}

func (c *Chaos) roll(rate float64) bool {
	if rate <= 0 {
		return false
	}

	return c.cfg.Rand.Float64() < rate
}

func (c *Chaos) Open(path string) (File, error) { return c.wrapFile(c.inner.Open(path)) }
func (c *Chaos) Create(path string) (File, error) { return c.wrapFile(c.inner.Create(path)) }

func (c *Chaos) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	return c.wrapFile(c.inner.OpenFile(path, flag, perm))
}

func (c *Chaos) wrapFile(f File, err error) (File, error) {
	if err != nil {
		return nil, err
	}

	return &chaosFile{File: f, c: c}, nil
}

func (c *Chaos) FileSize(path string) (int64, error)              { return c.inner.FileSize(path) }
func (c *Chaos) EnsureDirectory(path string, perm os.FileMode) error { return c.inner.EnsureDirectory(path, perm) }
func (c *Chaos) ReadDir(path string) ([]os.DirEntry, error)         { return c.inner.ReadDir(path) }
func (c *Chaos) Exists(path string) (bool, error)                    { return c.inner.Exists(path) }
func (c *Chaos) Remove(path string) error                            { return c.inner.Remove(path) }

func (c *Chaos) Rename(oldpath, newpath string) error {
	if c.roll(c.cfg.RenameFailRate) {
		return ErrChaosInjected
	}

	return c.inner.Rename(oldpath, newpath)
}

func (c *Chaos) MapFile(path string, length int) (Mapping, error) { return c.inner.MapFile(path, length) }

func (c *Chaos) FlushFile(f File) error {
	if c.roll(c.cfg.SyncFailRate) {
		return ErrChaosInjected
	}

	return c.inner.FlushFile(f)
}

func (c *Chaos) FsyncDirectory(dirPath string) error { return c.inner.FsyncDirectory(dirPath) }

func (c *Chaos) AtomicReplace(path string, data []byte, perm os.FileMode) error {
	if c.roll(c.cfg.ReplaceFailRate) {
		return ErrChaosInjected
	}

	return c.inner.AtomicReplace(path, data, perm)
}

var _ FS = (*Chaos)(nil)

// chaosFile wraps a [File], injecting write/sync failures.
type chaosFile struct {
	File
	c *Chaos
}

func (f *chaosFile) Write(p []byte) (int, error) {
	if f.c.roll(f.c.cfg.WriteFailRate) {
		return 0, ErrChaosInjected
	}

	return f.File.Write(p)
}

func (f *chaosFile) Sync() error {
	if f.c.roll(f.c.cfg.SyncFailRate) {
		return ErrChaosInjected
	}

	return f.File.Sync()
}
