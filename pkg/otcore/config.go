package otcore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tailscale/hujson"

	"github.com/lucenia/xtree/core/pkg/platformfs"
)

// CoordinatorPolicy tunes the checkpoint coordinator's quantum decisions
// (§4.9): how often it wakes, the thresholds that turn a tick into
// CkptOnly or CkptAndRotate, and the log-GC retention knobs. Loaded from
// "<data_dir>/policy.jsonc" via tailscale/hujson so operators can hand-edit
// it with trailing commas and `//` comments, the same ergonomics the
// pack's config-loading convention favors over strict JSON.
type CoordinatorPolicy struct {
	// QuantumMillis is how often the coordinator samples state and
	// decides an action. §4.9 default: 200.
	QuantumMillis int `json:"quantum_millis"`

	// MinCheckpointIntervalMillis is a floor under which two checkpoints
	// will not be taken back to back, even if thresholds are exceeded.
	MinCheckpointIntervalMillis int `json:"min_checkpoint_interval_millis"`

	// RotateBytesThreshold triggers CkptAndRotate once the active WAL
	// file has grown past this many bytes since the last checkpoint.
	RotateBytesThreshold int64 `json:"rotate_bytes_threshold"`

	// ReplayBytesThreshold triggers CkptOnly (or CkptAndRotate, if also
	// past RotateBytesThreshold) once the estimated bytes a crash would
	// need to replay exceeds this.
	ReplayBytesThreshold int64 `json:"replay_bytes_threshold"`

	// ReplayEpochsThreshold is the epoch-count analogue of
	// ReplayBytesThreshold.
	ReplayEpochsThreshold uint64 `json:"replay_epochs_threshold"`

	// LogMaxAgeMillis triggers a checkpoint once the active log has been
	// open this long, independent of its size.
	LogMaxAgeMillis int64 `json:"log_max_age_millis"`

	// GroupCommitIntervalMillis is how long a commit leader waits for
	// waiters to join a batch before syncing (§4.9's group commit).
	GroupCommitIntervalMillis int `json:"group_commit_interval_millis"`

	// CheckpointKeepCount is how many of the most recent checkpoints are
	// retained; older ones are GC'd once superseded.
	CheckpointKeepCount int `json:"checkpoint_keep_count"`

	// LogGC tunes the prunable-log retention policy (§4.10).
	LogGC LogGCPolicy `json:"log_gc"`

	// EWMAAlpha is the smoothing factor for the adaptive-threshold EWMA
	// over throughput samples (§4.9), in (0,1]. Smaller is smoother.
	EWMAAlpha float64 `json:"ewma_alpha"`

	// CatchUpReplayBytes is the post-recovery replay-size threshold
	// (§4.12 step 8): when the bytes a recovery pass actually replayed
	// exceed this, the coordinator halves MinCheckpointIntervalMillis
	// and RotateBytesThreshold until the first steady-state checkpoint
	// completes, so it catches back up to its normal cadence instead of
	// limping along at whatever thresholds let the backlog accumulate in
	// the first place.
	CatchUpReplayBytes int64 `json:"catch_up_replay_bytes"`
}

// LogGCPolicy controls when a closed WAL file becomes eligible for
// deletion (§4.10): it must be closed, its end_epoch must be at or below
// the current checkpoint's epoch, and it must satisfy every retention
// rule below.
type LogGCPolicy struct {
	MinKeepLogs   int   `json:"min_keep_logs"`
	MinAgeMillis  int64 `json:"min_age_millis"`
	LagCheckpoints int  `json:"lag_checkpoints"`
}

// DefaultCoordinatorPolicy matches §4.9's stated defaults.
func DefaultCoordinatorPolicy() CoordinatorPolicy {
	return CoordinatorPolicy{
		QuantumMillis:               200,
		MinCheckpointIntervalMillis: 1000,
		RotateBytesThreshold:        64 << 20,
		ReplayBytesThreshold:        32 << 20,
		ReplayEpochsThreshold:       100_000,
		LogMaxAgeMillis:             int64(10 * time.Minute / time.Millisecond),
		GroupCommitIntervalMillis:   5,
		CheckpointKeepCount:         2,
		LogGC: LogGCPolicy{
			MinKeepLogs:    1,
			MinAgeMillis:   int64(time.Minute / time.Millisecond),
			LagCheckpoints: 1,
		},
		EWMAAlpha: 0.2,
		CatchUpReplayBytes: 16 << 20,
	}
}

// LoadCoordinatorPolicy reads "<dataDir>/policy.jsonc" if present,
// standardizing it from JSON-with-comments to strict JSON via hujson
// before decoding, and returns [DefaultCoordinatorPolicy] for any field
// left unset by an incomplete file. A missing file is not an error — it
// simply returns the defaults.
func LoadCoordinatorPolicy(fsys platformfs.FS, dataDir string) (CoordinatorPolicy, error) {
	policy := DefaultCoordinatorPolicy()
	path := dataDir + "/policy.jsonc"

	exists, err := fsys.Exists(path)
	if err != nil {
		return policy, fmt.Errorf("%w: stat %s: %w", ErrStorageIO, path, err)
	}

	if !exists {
		return policy, nil
	}

	f, err := fsys.Open(path)
	if err != nil {
		return policy, fmt.Errorf("%w: open %s: %w", ErrStorageIO, path, err)
	}
	defer f.Close()

	size, err := fsys.FileSize(path)
	if err != nil {
		return policy, fmt.Errorf("%w: stat %s: %w", ErrStorageIO, path, err)
	}

	raw := make([]byte, size)
	if _, err := f.Read(raw); err != nil && size > 0 {
		return policy, fmt.Errorf("%w: read %s: %w", ErrStorageIO, path, err)
	}

	std, err := hujson.Standardize(raw)
	if err != nil {
		return policy, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := json.Unmarshal(std, &policy); err != nil {
		return policy, fmt.Errorf("decode %s: %w", path, err)
	}

	return policy, nil
}
