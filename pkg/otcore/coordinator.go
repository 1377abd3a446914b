package otcore

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lucenia/xtree/core/pkg/platformfs"
)

// Action is the checkpoint coordinator's per-quantum decision (§4.9).
type Action int

const (
	ActionNone Action = iota
	ActionCkptOnly
	ActionCkptAndRotate
)

func (a Action) String() string {
	switch a {
	case ActionCkptOnly:
		return "checkpoint_only"
	case ActionCkptAndRotate:
		return "checkpoint_and_rotate"
	default:
		return "none"
	}
}

// Coordinator is the single background thread that owns checkpoint
// timing, WAL rotation, log GC, and periodic reclaim (§4.9). It wakes on
// a fixed quantum, samples a handful of cheap counters, and decides one
// of [ActionNone], [ActionCkptOnly], or [ActionCkptAndRotate].
//
// Grounded on the teacher's single-writer, explicitly-synchronized
// registry discipline (pkg/slotcache's generation-counter publish
// protocol), generalized from a single compare-and-swap into this
// seven-step checkpoint sequence.
type Coordinator struct {
	fs            platformfs.FS
	dataDir       string
	checkpointDir string
	walDir        string
	manifestPath  string
	superblockPath string

	table     *ObjectTable
	mvcc      *MVCC
	alloc     *SegmentAllocator
	dirty     *DirtyRangeQueue
	flushRange func(DirtyRange) error
	reclaimer *Reclaimer
	policy    CoordinatorPolicy
	metrics   *Metrics
	log       *logrus.Logger

	mu                    sync.Mutex
	manifest              *Manifest
	activeWAL             *WAL
	activeWALOpenedAt     time.Time
	nextFileSeq           uint64
	lastCheckpointAt      time.Time
	lastCheckpointEpoch   uint64
	checkpointsSinceClose map[string]int
	closedLogTimes        map[string]time.Time
	ewmaBytesPerSec       float64
	lastSampleTime        time.Time
	lastSampleBytes       int64

	catchUp            bool
	savedMinInterval   int
	savedRotateBytes   int64

	groupMu     sync.Mutex
	groupCond   *sync.Cond
	groupLeader bool
	groupQueued int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCoordinator wires a Coordinator over dataDir, creating
// "<dataDir>/checkpoints" and "<dataDir>/logs" if missing, loading any
// existing manifest, and opening (or creating) the active WAL file.
// metrics and log may be nil.
func NewCoordinator(fs platformfs.FS, dataDir string, table *ObjectTable, mvcc *MVCC, alloc *SegmentAllocator, policy CoordinatorPolicy, metrics *Metrics, log *logrus.Logger) (*Coordinator, error) {
	if log == nil {
		log = logrus.New()
	}

	checkpointDir := filepath.Join(dataDir, "checkpoints")
	walDir := filepath.Join(dataDir, "logs")
	manifestPath := filepath.Join(dataDir, "manifest.json")
	superblockPath := filepath.Join(dataDir, "superblock.bin")

	if err := fs.EnsureDirectory(checkpointDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageIO, err)
	}

	if err := fs.EnsureDirectory(walDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageIO, err)
	}

	manifest, err := LoadManifest(fs, manifestPath)
	if err != nil {
		return nil, err
	}

	if metrics != nil {
		table.SetMetrics(metrics)
	}

	c := &Coordinator{
		fs: fs, dataDir: dataDir, checkpointDir: checkpointDir, walDir: walDir,
		manifestPath: manifestPath, superblockPath: superblockPath,
		table: table, mvcc: mvcc, alloc: alloc,
		dirty: NewDirtyRangeQueue(4096),
		reclaimer: NewReclaimer(table, mvcc, alloc, metrics),
		policy:    policy, metrics: metrics, log: log,
		manifest:              manifest,
		checkpointsSinceClose: make(map[string]int),
		closedLogTimes:        make(map[string]time.Time),
		stopCh:                make(chan struct{}),
	}
	c.groupCond = sync.NewCond(&c.groupMu)

	if manifest.Checkpoint != nil {
		c.lastCheckpointEpoch = manifest.Checkpoint.Epoch
	}

	var openEntry *ManifestDeltaLog

	for i := range manifest.DeltaLogs {
		if !manifest.DeltaLogs[i].Closed {
			openEntry = &manifest.DeltaLogs[i]
		}

		c.nextFileSeq++
	}

	if openEntry != nil {
		wal, err := OpenWALForAppend(fs, openEntry.Path, openEntry.StartEpoch)
		if err != nil {
			return nil, err
		}

		if metrics != nil {
			wal.SetMetrics(metrics)
		}

		c.activeWAL = wal
	} else {
		c.nextFileSeq++

		wal, err := CreateWAL(fs, walDir, c.nextFileSeq, mvcc.CurrentEpoch()+1)
		if err != nil {
			return nil, err
		}

		c.activeWAL = wal

		if metrics != nil {
			wal.SetMetrics(metrics)
		}
		manifest.AddDeltaLog(wal.Path(), wal.StartEpoch())

		if err := manifest.Store(fs, manifestPath, dataDir); err != nil {
			return nil, err
		}
	}

	c.activeWALOpenedAt = time.Now()
	c.lastCheckpointAt = time.Now()

	return c, nil
}

// ApplyRecoveryResult consumes the [RecoveryResult] of the [Recover] pass
// that ran just before this Coordinator was constructed, implementing
// §4.12 step 8's post-recovery throttle: if the replay that just happened
// covered more than policy.CatchUpReplayBytes, MinCheckpointIntervalMillis
// and RotateBytesThreshold are halved so the coordinator checkpoints (and
// rotates) more aggressively until it has worked the backlog down, at
// which point [Coordinator.checkpoint] restores the original values. A
// zero CatchUpReplayBytes disables the throttle entirely.
func (c *Coordinator) ApplyRecoveryResult(result RecoveryResult) {
	if c.policy.CatchUpReplayBytes <= 0 || result.ReplayedBytes <= c.policy.CatchUpReplayBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.catchUp {
		return
	}

	c.catchUp = true
	c.savedMinInterval = c.policy.MinCheckpointIntervalMillis
	c.savedRotateBytes = c.policy.RotateBytesThreshold
	c.policy.MinCheckpointIntervalMillis /= 2
	c.policy.RotateBytesThreshold /= 2

	c.log.WithFields(logrus.Fields{
		"replayed_bytes": result.ReplayedBytes, "threshold": c.policy.CatchUpReplayBytes,
	}).Info("entering post-recovery catch-up mode")
}

// SetFlushRange installs the callback the checkpoint step uses to make a
// queued [DirtyRange] durable (an embedder range-syncing its own mmap'd
// segment mapping). A nil callback (the default) makes checkpoint rely
// solely on the Segment Allocator's whole-file FlushFile instead.
func (c *Coordinator) SetFlushRange(fn func(DirtyRange) error) {
	c.mu.Lock()
	c.flushRange = fn
	c.mu.Unlock()
}

// EnqueueDirty records that [offset, offset+length) of fileID was written
// under generation (the epoch the write belongs to), per SPEC_FULL.md D.2.
func (c *Coordinator) EnqueueDirty(generation uint64, fileID uint32, offset uint64, length uint32) {
	c.dirty.Enqueue(DirtyRange{Generation: generation, FileID: fileID, Offset: offset, Length: length})
}

// WAL returns the currently active delta log, for writers that append
// directly (table mutations are logged by the caller, not by the
// Coordinator itself, since only the caller knows when a mutation must be
// durable before it acknowledges).
func (c *Coordinator) WAL() *WAL {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.activeWAL
}

// GroupCommit implements §4.9's leader/waiter group-commit pattern: the
// first caller to arrive becomes the leader, sleeps
// GroupCommitIntervalMillis to let concurrent appenders catch up, then
// syncs the active WAL once for the whole batch. Every other caller that
// arrives while a sync is pending just waits for it and returns once it
// completes — it never issues its own Sync.
func (c *Coordinator) GroupCommit() error {
	c.groupMu.Lock()

	if c.groupLeader {
		c.groupQueued++
		for c.groupLeader {
			c.groupCond.Wait()
		}
		c.groupMu.Unlock()

		return nil
	}

	c.groupLeader = true
	c.groupQueued = 0
	c.groupMu.Unlock()

	if c.policy.GroupCommitIntervalMillis > 0 {
		time.Sleep(time.Duration(c.policy.GroupCommitIntervalMillis) * time.Millisecond)
	}

	wal := c.WAL()
	err := wal.Sync()

	c.groupMu.Lock()
	c.groupLeader = false
	batch := c.groupQueued + 1
	c.groupQueued = 0
	c.groupMu.Unlock()
	c.groupCond.Broadcast()

	if c.metrics != nil {
		c.metrics.GroupCommitBatch.Observe(float64(batch))
	}

	return err
}

// Start spawns the background quantum loop. Safe to call once; call
// [Coordinator.Stop] to end it.
func (c *Coordinator) Start() {
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		quantum := time.Duration(c.policy.QuantumMillis) * time.Millisecond
		if quantum <= 0 {
			quantum = 200 * time.Millisecond
		}

		ticker := time.NewTicker(quantum)
		defer ticker.Stop()

		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.RunQuantum()
			}
		}
	}()
}

// Stop ends the quantum loop and waits for it to exit.
func (c *Coordinator) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// RunQuantum executes exactly one decide-and-act cycle. Exported so tests
// and operator tooling (cmd/xtreectl's "force checkpoint" command) can
// drive it synchronously instead of waiting on the ticker.
func (c *Coordinator) RunQuantum() {
	action := c.decideAction()

	if c.metrics != nil {
		c.metrics.CoordinatorTicks.WithLabelValues(action.String()).Inc()
	}

	switch action {
	case ActionCkptOnly:
		if err := c.checkpoint(false); err != nil {
			c.log.WithError(err).Warn("checkpoint failed")
		}
	case ActionCkptAndRotate:
		if err := c.checkpoint(true); err != nil {
			c.log.WithError(err).Warn("checkpoint and rotate failed")
		}
	}

	c.reclaimer.RunOnce()
}

func (c *Coordinator) decideAction() Action {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.lastCheckpointAt) < time.Duration(c.policy.MinCheckpointIntervalMillis)*time.Millisecond {
		return ActionNone
	}

	activeSize := c.activeWAL.Size()
	logAge := time.Since(c.activeWALOpenedAt)
	replayEpochs := c.mvcc.CurrentEpoch() - c.lastCheckpointEpoch

	adjustedThreshold := c.policy.ReplayBytesThreshold
	if c.ewmaBytesPerSec > 0 {
		floor := int64(c.ewmaBytesPerSec * float64(c.policy.QuantumMillis) / 1000)
		if floor > adjustedThreshold {
			adjustedThreshold = floor
		}
	}

	rotate := activeSize >= c.policy.RotateBytesThreshold ||
		logAge >= time.Duration(c.policy.LogMaxAgeMillis)*time.Millisecond

	needCheckpoint := rotate ||
		activeSize >= adjustedThreshold ||
		replayEpochs >= c.policy.ReplayEpochsThreshold

	switch {
	case rotate:
		return ActionCkptAndRotate
	case needCheckpoint:
		return ActionCkptOnly
	default:
		return ActionNone
	}
}

// checkpoint runs the seven-step sequence from §4.9: clamp the commit
// epoch to what the WAL actually covers, wait briefly in case a race left
// the WAL briefly behind the current epoch, flush dirty ranges up to it,
// write the checkpoint and update the manifest, optionally rotate the
// active log, garbage-collect superseded checkpoints, and garbage-collect
// prunable logs.
func (c *Coordinator) checkpoint(rotate bool) error {
	start := time.Now()

	target := c.mvcc.CurrentEpoch()

	wal := c.WAL()

	deadline := time.Now().Add(50 * time.Millisecond)
	for wal.EndEpochRelaxed() < target && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	// Step 1: the WAL's max epoch is the upper bound — a fresh WAL whose
	// endEpoch starts at its StartEpoch (never 0) would otherwise make an
	// empty system checkpoint at a nonzero epoch no writer ever reached.
	commitEpoch := wal.EndEpochRelaxed()
	if target < commitEpoch {
		commitEpoch = target
	}

	if err := wal.Sync(); err != nil {
		return err
	}

	flushFn := c.flushRange
	if flushFn == nil {
		flushFn = func(DirtyRange) error { return nil }
	}

	if n, err := c.dirty.DrainUpTo(commitEpoch, flushFn); err != nil {
		return fmt.Errorf("flush dirty ranges (%d succeeded): %w", n, err)
	}

	if c.alloc != nil {
		if err := c.alloc.Flush(); err != nil {
			c.log.WithError(err).Warn("segment allocator flush failed during checkpoint")
		}
	}

	path, entries, err := WriteCheckpoint(c.fs, c.checkpointDir, c.table, commitEpoch)
	if err != nil {
		return err
	}

	size, err := c.fs.FileSize(path)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.manifest.SetCheckpoint(ManifestCheckpoint{Path: path, Epoch: commitEpoch, Size: size, Entries: uint64(entries)})
	c.lastCheckpointEpoch = commitEpoch

	for _, l := range c.manifest.DeltaLogs {
		if l.Closed {
			c.checkpointsSinceClose[l.Path]++
		}
	}
	c.mu.Unlock()

	if rotate {
		if err := c.rotate(commitEpoch); err != nil {
			return err
		}
	} else {
		c.mu.Lock()
		err := c.manifest.Store(c.fs, c.manifestPath, c.dataDir)
		c.mu.Unlock()

		if err != nil {
			return err
		}
	}

	c.mu.Lock()
	manifestSnapshot := c.manifest
	c.lastCheckpointAt = time.Now()

	if c.catchUp {
		c.policy.MinCheckpointIntervalMillis = c.savedMinInterval
		c.policy.RotateBytesThreshold = c.savedRotateBytes
		c.catchUp = false
	}
	c.mu.Unlock()

	if id, rootEpoch, _, ok := manifestSnapshot.Root("default"); ok {
		if err := PublishSuperblock(c.fs, c.superblockPath, id, rootEpoch); err != nil {
			c.log.WithError(err).Warn("superblock publish failed")
		}
	}

	c.gcOldCheckpoints()
	c.gcLogs(commitEpoch)
	c.updateThroughputEWMA(size)

	if c.metrics != nil {
		c.metrics.CheckpointTotal.Inc()
		c.metrics.CheckpointMillis.Observe(float64(time.Since(start).Milliseconds()))
	}

	c.log.WithFields(logrus.Fields{
		"commit_epoch": commitEpoch, "entries": entries, "rotate": rotate,
	}).Info("checkpoint complete")

	return nil
}

func (c *Coordinator) rotate(commitEpoch uint64) error {
	c.mu.Lock()
	old := c.activeWAL
	c.nextFileSeq++
	newSeq := c.nextFileSeq
	c.mu.Unlock()

	newWAL, err := CreateWAL(c.fs, c.walDir, newSeq, commitEpoch+1)
	if err != nil {
		return err
	}

	if c.metrics != nil {
		newWAL.SetMetrics(c.metrics)
	}

	c.mu.Lock()
	c.activeWAL = newWAL
	c.activeWALOpenedAt = time.Now()
	c.manifest.AddDeltaLog(newWAL.Path(), commitEpoch+1)
	c.mu.Unlock()

	if err := old.PrepareClose(); err != nil {
		return err
	}

	size, err := c.fs.FileSize(old.Path())
	if err != nil {
		return err
	}

	c.mu.Lock()
	_ = c.manifest.CloseDeltaLog(old.Path(), old.EndEpochRelaxed(), size)
	c.closedLogTimes[old.Path()] = time.Now()
	storeErr := c.manifest.Store(c.fs, c.manifestPath, c.dataDir)
	c.mu.Unlock()

	if storeErr != nil {
		return storeErr
	}

	if err := old.Close(); err != nil {
		return err
	}

	if c.metrics != nil {
		c.metrics.Rotations.Inc()
	}

	return nil
}

func (c *Coordinator) gcOldCheckpoints() {
	entries, err := c.fs.ReadDir(c.checkpointDir)
	if err != nil {
		return
	}

	var names []string

	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "ot_checkpoint_epoch-") && strings.HasSuffix(e.Name(), ".bin") {
			names = append(names, e.Name())
		}
	}

	epochOf := func(name string) uint64 {
		var n uint64
		_, _ = fmt.Sscanf(name, "ot_checkpoint_epoch-%d.bin", &n)
		return n
	}

	sort.Slice(names, func(i, j int) bool { return epochOf(names[i]) > epochOf(names[j]) })

	keep := c.policy.CheckpointKeepCount
	if keep <= 0 {
		keep = 1
	}

	if len(names) <= keep {
		return
	}

	removedAny := false

	for _, name := range names[keep:] {
		if err := c.fs.Remove(filepath.Join(c.checkpointDir, name)); err == nil {
			removedAny = true
		}
	}

	if removedAny {
		if err := c.fs.FsyncDirectory(c.checkpointDir); err != nil {
			c.log.WithError(err).Warn("checkpoint dir fsync failed after GC")
		}
	}
}

func (c *Coordinator) gcLogs(checkpointEpoch uint64) {
	c.mu.Lock()

	var closed []ClosedLogInfo

	for _, l := range c.manifest.DeltaLogs {
		if !l.Closed {
			continue
		}

		closed = append(closed, ClosedLogInfo{Entry: l, ClosedAt: c.closedLogTimes[l.Path]})
	}

	manifest := c.manifest
	sinceClose := make(map[string]int, len(c.checkpointsSinceClose))
	for k, v := range c.checkpointsSinceClose {
		sinceClose[k] = v
	}

	c.mu.Unlock()

	removed, err := PruneLogs(c.fs, c.walDir, manifest, closed, checkpointEpoch, sinceClose, c.policy.LogGC, time.Now())
	if err != nil {
		c.log.WithError(err).Warn("log GC failed")
	}

	if len(removed) == 0 {
		return
	}

	c.mu.Lock()
	for _, p := range removed {
		delete(c.checkpointsSinceClose, p)
		delete(c.closedLogTimes, p)
	}
	storeErr := c.manifest.Store(c.fs, c.manifestPath, c.dataDir)
	c.mu.Unlock()

	if storeErr != nil {
		c.log.WithError(storeErr).Warn("manifest store failed after log GC")
	}

	if c.metrics != nil {
		c.metrics.LogsGCed.Add(float64(len(removed)))
	}
}

// updateThroughputEWMA takes checkpointBytes (the size of the checkpoint
// just written), turns its growth since the previous sample into a
// bytes/sec rate, and folds that into a smoothed estimate (§4.9's adaptive
// thresholds, alpha from policy.EWMAAlpha).
func (c *Coordinator) updateThroughputEWMA(checkpointBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	if c.lastSampleTime.IsZero() {
		c.lastSampleTime = now
		c.lastSampleBytes = checkpointBytes

		return
	}

	elapsed := now.Sub(c.lastSampleTime).Seconds()
	if elapsed <= 0 {
		return
	}

	delta := checkpointBytes - c.lastSampleBytes
	if delta < 0 {
		delta = 0
	}

	sample := float64(delta) / elapsed

	alpha := c.policy.EWMAAlpha
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}

	c.ewmaBytesPerSec = alpha*sample + (1-alpha)*c.ewmaBytesPerSec
	c.lastSampleTime = now
	c.lastSampleBytes = checkpointBytes
}
