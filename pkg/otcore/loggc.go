package otcore

import (
	"sort"
	"time"

	"github.com/lucenia/xtree/core/pkg/platformfs"
)

// ClosedLogInfo is what [PruneLogs] needs about one closed WAL file to
// decide whether it is prunable: its manifest entry plus the wall-clock
// time it was closed at, which the coordinator tracks separately (the
// manifest itself only records epochs, not timestamps).
type ClosedLogInfo struct {
	Entry    ManifestDeltaLog
	ClosedAt time.Time
}

// PruneLogs applies §4.10's prunable-log policy: a closed log with
// end_epoch <= checkpointEpoch is a deletion candidate, but is only
// actually pruned once the retention policy is satisfied — at least
// policy.MinKeepLogs closed logs remain untouched (newest first), a
// candidate must be at least policy.MinAgeMillis old, and at least
// policy.LagCheckpoints checkpoints must have been taken since the log
// closed. Returns the paths removed from disk and the manifest.
func PruneLogs(fsys platformfs.FS, dir string, manifest *Manifest, closed []ClosedLogInfo, checkpointEpoch uint64, checkpointsSinceClose map[string]int, policy LogGCPolicy, now time.Time) ([]string, error) {
	// Newest first, so the first MinKeepLogs survive unconditionally.
	sort.Slice(closed, func(i, j int) bool {
		return closed[i].Entry.EndEpoch > closed[j].Entry.EndEpoch
	})

	var removed []string

	for i, c := range closed {
		if i < policy.MinKeepLogs {
			continue
		}

		if !c.Entry.Closed || c.Entry.EndEpoch > checkpointEpoch {
			continue
		}

		if now.Sub(c.ClosedAt) < time.Duration(policy.MinAgeMillis)*time.Millisecond {
			continue
		}

		if checkpointsSinceClose[c.Entry.Path] < policy.LagCheckpoints {
			continue
		}

		if err := fsys.Remove(c.Entry.Path); err != nil {
			return removed, err
		}

		manifest.RemoveDeltaLog(c.Entry.Path)
		removed = append(removed, c.Entry.Path)
	}

	if len(removed) > 0 {
		if err := fsys.FsyncDirectory(dir); err != nil {
			return removed, err
		}
	}

	return removed, nil
}
