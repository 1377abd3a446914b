package otcore_test

import (
	"testing"
	"time"

	"github.com/lucenia/xtree/core/pkg/otcore"
	"github.com/lucenia/xtree/core/pkg/platformfs"
)

func closedLog(path string, endEpoch uint64, closedAt time.Time) otcore.ClosedLogInfo {
	return otcore.ClosedLogInfo{
		Entry:    otcore.ManifestDeltaLog{Path: path, EndEpoch: endEpoch, Closed: true},
		ClosedAt: closedAt,
	}
}

func Test_PruneLogs_Keeps_At_Least_MinKeepLogs_Newest(t *testing.T) {
	fsys := platformfs.NewMemFS()
	manifest := &otcore.Manifest{}

	now := time.Unix(1_000_000, 0)
	old := now.Add(-time.Hour)

	for _, l := range []otcore.ClosedLogInfo{
		closedLog("/data/logs/a.wal", 1, old),
		closedLog("/data/logs/b.wal", 2, old),
		closedLog("/data/logs/c.wal", 3, old),
	} {
		manifest.AddDeltaLog(l.Entry.Path, 0)
		_ = manifest.CloseDeltaLog(l.Entry.Path, l.Entry.EndEpoch, 0)

		w, err := fsys.Create(l.Entry.Path)
		if err != nil {
			t.Fatalf("Create %s: %v", l.Entry.Path, err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("Close %s: %v", l.Entry.Path, err)
		}
	}

	policy := otcore.LogGCPolicy{MinKeepLogs: 1, MinAgeMillis: 0, LagCheckpoints: 0}

	removed, err := otcore.PruneLogs(fsys, "/data/logs", manifest,
		[]otcore.ClosedLogInfo{
			closedLog("/data/logs/a.wal", 1, old),
			closedLog("/data/logs/b.wal", 2, old),
			closedLog("/data/logs/c.wal", 3, old),
		},
		10,
		map[string]int{"/data/logs/a.wal": 5, "/data/logs/b.wal": 5, "/data/logs/c.wal": 5},
		policy, now)
	if err != nil {
		t.Fatalf("PruneLogs: %v", err)
	}

	if len(removed) != 2 {
		t.Fatalf("got removed %v, want 2 entries (newest/c.wal kept by MinKeepLogs)", removed)
	}

	for _, r := range removed {
		if r == "/data/logs/c.wal" {
			t.Fatalf("got c.wal removed, want it kept as the newest under MinKeepLogs=1")
		}
	}
}

func Test_PruneLogs_Skips_Logs_Younger_Than_MinAge(t *testing.T) {
	fsys := platformfs.NewMemFS()
	manifest := &otcore.Manifest{}

	now := time.Unix(1_000_000, 0)
	recent := now.Add(-time.Second)

	manifest.AddDeltaLog("/data/logs/a.wal", 0)
	_ = manifest.CloseDeltaLog("/data/logs/a.wal", 1, 0)

	w, _ := fsys.Create("/data/logs/a.wal")
	_ = w.Close()

	policy := otcore.LogGCPolicy{MinKeepLogs: 0, MinAgeMillis: int64(time.Hour / time.Millisecond), LagCheckpoints: 0}

	removed, err := otcore.PruneLogs(fsys, "/data/logs", manifest,
		[]otcore.ClosedLogInfo{closedLog("/data/logs/a.wal", 1, recent)},
		10,
		map[string]int{"/data/logs/a.wal": 5},
		policy, now)
	if err != nil {
		t.Fatalf("PruneLogs: %v", err)
	}

	if len(removed) != 0 {
		t.Fatalf("got removed %v, want none (too young)", removed)
	}
}

func Test_PruneLogs_Skips_Logs_Not_Yet_Covered_By_Checkpoint(t *testing.T) {
	fsys := platformfs.NewMemFS()
	manifest := &otcore.Manifest{}

	now := time.Unix(1_000_000, 0)
	old := now.Add(-time.Hour)

	manifest.AddDeltaLog("/data/logs/a.wal", 0)
	_ = manifest.CloseDeltaLog("/data/logs/a.wal", 20, 0)

	w, _ := fsys.Create("/data/logs/a.wal")
	_ = w.Close()

	policy := otcore.LogGCPolicy{MinKeepLogs: 0, MinAgeMillis: 0, LagCheckpoints: 0}

	// checkpointEpoch (10) is below the log's end_epoch (20): not yet GC-able.
	removed, err := otcore.PruneLogs(fsys, "/data/logs", manifest,
		[]otcore.ClosedLogInfo{closedLog("/data/logs/a.wal", 20, old)},
		10,
		map[string]int{"/data/logs/a.wal": 5},
		policy, now)
	if err != nil {
		t.Fatalf("PruneLogs: %v", err)
	}

	if len(removed) != 0 {
		t.Fatalf("got removed %v, want none (log not yet covered by checkpoint)", removed)
	}
}

func Test_PruneLogs_Skips_When_LagCheckpoints_Not_Satisfied(t *testing.T) {
	fsys := platformfs.NewMemFS()
	manifest := &otcore.Manifest{}

	now := time.Unix(1_000_000, 0)
	old := now.Add(-time.Hour)

	manifest.AddDeltaLog("/data/logs/a.wal", 0)
	_ = manifest.CloseDeltaLog("/data/logs/a.wal", 1, 0)

	w, _ := fsys.Create("/data/logs/a.wal")
	_ = w.Close()

	policy := otcore.LogGCPolicy{MinKeepLogs: 0, MinAgeMillis: 0, LagCheckpoints: 3}

	removed, err := otcore.PruneLogs(fsys, "/data/logs", manifest,
		[]otcore.ClosedLogInfo{closedLog("/data/logs/a.wal", 1, old)},
		10,
		map[string]int{"/data/logs/a.wal": 1}, // only 1 checkpoint since close, need 3
		policy, now)
	if err != nil {
		t.Fatalf("PruneLogs: %v", err)
	}

	if len(removed) != 0 {
		t.Fatalf("got removed %v, want none (lag_checkpoints not satisfied)", removed)
	}
}

func Test_PruneLogs_Removes_File_And_Manifest_Entry_When_Eligible(t *testing.T) {
	fsys := platformfs.NewMemFS()
	manifest := &otcore.Manifest{}

	now := time.Unix(1_000_000, 0)
	old := now.Add(-time.Hour)

	manifest.AddDeltaLog("/data/logs/a.wal", 0)
	_ = manifest.CloseDeltaLog("/data/logs/a.wal", 1, 0)

	w, _ := fsys.Create("/data/logs/a.wal")
	_ = w.Close()

	policy := otcore.LogGCPolicy{MinKeepLogs: 0, MinAgeMillis: 0, LagCheckpoints: 0}

	removed, err := otcore.PruneLogs(fsys, "/data/logs", manifest,
		[]otcore.ClosedLogInfo{closedLog("/data/logs/a.wal", 1, old)},
		10,
		map[string]int{"/data/logs/a.wal": 1},
		policy, now)
	if err != nil {
		t.Fatalf("PruneLogs: %v", err)
	}

	if len(removed) != 1 || removed[0] != "/data/logs/a.wal" {
		t.Fatalf("got removed %v, want [a.wal]", removed)
	}

	if exists, _ := fsys.Exists("/data/logs/a.wal"); exists {
		t.Fatalf("got file still present after PruneLogs, want deleted")
	}

	if len(manifest.DeltaLogs) != 0 {
		t.Fatalf("got manifest.DeltaLogs %+v, want entry removed", manifest.DeltaLogs)
	}
}
