package otcore

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/lucenia/xtree/core/pkg/platformfs"
)

// RecoveryResult is what [Recover] hands back to the caller standing up a
// fresh process: the epoch to resume minting from, the checkpoint that was
// loaded, and how many logs and bytes were replayed. It does not carry the
// named-root catalog; that is read from the manifest.
type RecoveryResult struct {
	RestoredEpoch  uint64
	CheckpointPath string
	ReplayedLogs   int
	ReplayedBytes  int64
}

// Recover rebuilds table and mvcc's state from the most recent valid
// checkpoint under checkpointDir plus every WAL file in the manifest whose
// range can contain epochs after that checkpoint, per §4.13:
//
//  1. discover the latest checkpoint (falling back to the next-newest one
//     if the newest fails validation — [ReadCheckpoint] already refuses a
//     corrupt file rather than returning partial data);
//  2. begin_recovery: drop cached free/retired lists;
//  3. restore_handle every checkpoint row;
//  4. replay every WAL file whose start_epoch could overlap
//     (checkpoint_epoch, +inf), stopping each at its first torn record;
//  5. end_recovery: rebuild free/retired lists from the restored state;
//  6. set the MVCC global epoch to the highest epoch observed.
//
// log may be nil, in which case recovery proceeds silently.
func Recover(fsys platformfs.FS, checkpointDir, manifestPath string, table *ObjectTable, mvcc *MVCC, log *logrus.Logger) (RecoveryResult, error) {
	if log == nil {
		log = logrus.New()
		log.SetOutput(discardWriter{})
	}

	table.BeginRecovery()

	var result RecoveryResult

	maxEpoch := uint64(0)

	// Fall back through progressively older checkpoints if the newest is
	// corrupt, per §4.13.
	entries, _ := fsys.ReadDir(checkpointDir)

	var all []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "ot_checkpoint_epoch-") && strings.HasSuffix(e.Name(), ".bin") {
			all = append(all, filepath.Join(checkpointDir, e.Name()))
		}
	}

	epochOf := func(p string) uint64 {
		var n uint64
		_, _ = fmt.Sscanf(filepath.Base(p), "ot_checkpoint_epoch-%d.bin", &n)
		return n
	}

	sort.Slice(all, func(i, j int) bool { return epochOf(all[i]) > epochOf(all[j]) })

	var info CheckpointInfo
	var rows []PersistentEntry
	var err error
	loaded := false

	for _, p := range all {
		info, rows, err = ReadCheckpoint(fsys, p)
		if err != nil {
			log.WithError(err).WithField("path", p).Warn("refusing corrupt checkpoint, trying older one")
			continue
		}

		loaded = true
		result.CheckpointPath = p

		break
	}

	if loaded {
		for _, row := range rows {
			if err := table.RestoreHandle(row.NodeID, row.Kind, row.ClassID, row.Addr, row.BirthEpoch, row.RetireEpoch); err != nil {
				return result, fmt.Errorf("restore handle %d: %w", row.NodeID, err)
			}

			if row.BirthEpoch > maxEpoch {
				maxEpoch = row.BirthEpoch
			}

			if row.RetireEpoch != retireEpochLive && row.RetireEpoch > maxEpoch {
				maxEpoch = row.RetireEpoch
			}
		}
	}

	manifest, err := LoadManifest(fsys, manifestPath)
	if err != nil {
		return result, err
	}

	checkpointEpoch := uint64(0)
	if info.CommitEpoch > 0 {
		checkpointEpoch = info.CommitEpoch
	}

	logPaths := manifest.DeltaLogs
	sort.Slice(logPaths, func(i, j int) bool { return logPaths[i].StartEpoch < logPaths[j].StartEpoch })

	for _, l := range logPaths {
		if l.Closed && l.EndEpoch != 0 && l.EndEpoch < checkpointEpoch {
			continue // entirely covered by the checkpoint already
		}

		rows, epoch, err := ReplayWAL(fsys, l.Path)
		if err != nil {
			log.WithError(err).WithField("path", l.Path).Warn("stopping replay of unreadable log")
			continue
		}

		for _, row := range rows {
			if err := table.RestoreHandle(row.NodeID, row.Kind, row.ClassID, row.Addr, row.BirthEpoch, row.RetireEpoch); err != nil {
				return result, fmt.Errorf("apply delta %d: %w", row.NodeID, err)
			}
		}

		if epoch > maxEpoch {
			maxEpoch = epoch
		}

		result.ReplayedLogs++

		if size, err := fsys.FileSize(l.Path); err == nil {
			result.ReplayedBytes += size
		}
	}

	table.EndRecovery()
	mvcc.RecoverSetEpoch(maxEpoch)
	result.RestoredEpoch = maxEpoch

	log.WithFields(logrus.Fields{
		"checkpoint":    result.CheckpointPath,
		"replayed_logs": result.ReplayedLogs,
		"restored_epoch": result.RestoredEpoch,
	}).Info("recovery complete")

	return result, nil
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
