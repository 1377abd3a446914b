// Command xtree-bench drives the persistence core (pkg/otcore) through a
// handful of synthetic workloads and writes a markdown report, the same
// report-per-run shape the teacher's tk-bench uses, adapted from
// exec'ing an external binary under hyperfine to driving the library
// in-process (there is no separate xtree binary to shell out to).
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/lucenia/xtree/core/pkg/otcore"
	"github.com/lucenia/xtree/core/pkg/platformfs"
)

var errNoCountsSpecified = fmt.Errorf("no counts specified")

// Config holds all benchmark configuration.
type Config struct {
	DataRoot string
	Counts   []int
	OutDir   string
	Classes  int
	ShardsN  int

	ChurnFraction float64
	CheckpointEvery int
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := Config{}

	pflag.StringVar(&cfg.DataRoot, "root", filepath.Join(os.TempDir(), "xtree-bench"), "scratch data root for each run")
	pflag.StringVar(&cfg.OutDir, "out", ".benchmarks", "output directory for reports")
	pflag.IntVar(&cfg.Classes, "classes", 4, "number of size classes to spread allocations across")
	pflag.IntVar(&cfg.ShardsN, "shards", otcore.DefaultShardCount, "object table shard count")
	pflag.Float64Var(&cfg.ChurnFraction, "churn-fraction", 0.5, "fraction of allocated handles retired during the churn scenario")
	pflag.IntVar(&cfg.CheckpointEvery, "checkpoint-every", 10000, "not read by any scenario; the checkpoint-cost scenario writes one checkpoint after all allocations")

	countsStr := pflag.String("counts", "10000,1000000", "comma-separated list of handle counts to benchmark")

	pflag.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: xtree-bench [flags]\n\n")
		fmt.Fprint(os.Stderr, "Benchmarks the Object Table / WAL / checkpoint path at scale.\n\n")
		fmt.Fprint(os.Stderr, "Flags:\n")
		pflag.PrintDefaults()
		fmt.Fprint(os.Stderr, "\nExamples:\n")
		fmt.Fprint(os.Stderr, "  xtree-bench                          # run with defaults\n")
		fmt.Fprint(os.Stderr, "  xtree-bench --counts=10000           # quick run\n")
		fmt.Fprint(os.Stderr, "  xtree-bench --churn-fraction=0.9     # heavier reclaim pressure\n")
	}

	pflag.Parse()

	for _, countStr := range strings.Split(*countsStr, ",") {
		countStr = strings.TrimSpace(countStr)
		if countStr == "" {
			continue
		}

		count, err := strconv.Atoi(countStr)
		if err != nil {
			return fmt.Errorf("invalid count %q: %w", countStr, err)
		}

		cfg.Counts = append(cfg.Counts, count)
	}

	if len(cfg.Counts) == 0 {
		return errNoCountsSpecified
	}

	if err := os.MkdirAll(cfg.OutDir, 0o750); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	if err := runAllocateBench(&cfg); err != nil {
		return fmt.Errorf("allocate benchmark: %w", err)
	}

	if err := runChurnBench(&cfg); err != nil {
		return fmt.Errorf("churn benchmark: %w", err)
	}

	if err := runCheckpointBench(&cfg); err != nil {
		return fmt.Errorf("checkpoint benchmark: %w", err)
	}

	return nil
}

func getSystemInfo() string {
	var sb strings.Builder

	timestampUTC := time.Now().UTC().Format(time.RFC3339)
	sb.WriteString(fmt.Sprintf("## Run %s\n\n", timestampUTC))
	sb.WriteString(fmt.Sprintf("- %s/%s, %d CPUs\n", runtime.GOOS, runtime.GOARCH, runtime.NumCPU()))
	sb.WriteString(fmt.Sprintf("- %s\n\n", runtime.Version()))

	return sb.String()
}

func classSizes(n int) otcore.ClassSizes {
	sizes := make(otcore.ClassSizes, n)
	for i := 0; i < n; i++ {
		sizes[uint8(i)] = uint32(64 << i)
	}

	return sizes
}

// newHarness wires up a fresh table/mvcc/allocator against a scratch
// on-disk directory, mirroring what [otcore.NewCoordinator] expects a
// host process to assemble.
func newHarness(cfg *Config, label string) (*otcore.ObjectTable, *otcore.MVCC, *otcore.SegmentAllocator, string, error) {
	dir := filepath.Join(cfg.DataRoot, label, strconv.FormatInt(time.Now().UnixNano(), 10))

	fsys := platformfs.NewReal()
	if err := fsys.EnsureDirectory(dir, 0o755); err != nil {
		return nil, nil, nil, "", err
	}

	table := otcore.NewObjectTable(cfg.ShardsN)
	mvcc := otcore.NewMVCC(0)

	alloc, err := otcore.NewSegmentAllocator(fsys, dir, classSizes(cfg.Classes))
	if err != nil {
		return nil, nil, nil, "", err
	}

	return table, mvcc, alloc, dir, nil
}

func runAllocateBench(cfg *Config) error {
	outFile := filepath.Join(cfg.OutDir, fmt.Sprintf("allocate_%s.md", time.Now().UTC().Format("20060102-150405")))

	var report strings.Builder
	report.WriteString(getSystemInfo())
	report.WriteString("### allocate + commit, no retire\n\n")
	report.WriteString("| Count | Elapsed | Ops/sec |\n|---:|---:|---:|\n")

	for _, count := range cfg.Counts {
		fmt.Fprintf(os.Stderr, "allocate: %d handles\n", count)

		table, mvcc, alloc, _, err := newHarness(cfg, "allocate")
		if err != nil {
			return err
		}

		start := time.Now()

		for i := 0; i < count; i++ {
			classID := uint8(i % cfg.Classes)

			id, err := table.Allocate(otcore.KindLeaf, classID)
			if err != nil {
				return fmt.Errorf("allocate at %d: %w", i, err)
			}

			addr, err := alloc.Allocate(classID)
			if err != nil {
				return fmt.Errorf("segment allocate at %d: %w", i, err)
			}

			epoch := mvcc.AdvanceEpoch()
			if err := table.MarkLiveCommit(id, addr, epoch); err != nil {
				return fmt.Errorf("commit at %d: %w", i, err)
			}
		}

		elapsed := time.Since(start)
		alloc.Close()

		rate := float64(count) / elapsed.Seconds()
		report.WriteString(fmt.Sprintf("| %d | %v | %.0f |\n", count, elapsed.Round(time.Millisecond), rate))
	}

	return writeReport(outFile, report.String())
}

func runChurnBench(cfg *Config) error {
	outFile := filepath.Join(cfg.OutDir, fmt.Sprintf("churn_%s.md", time.Now().UTC().Format("20060102-150405")))

	var report strings.Builder
	report.WriteString(getSystemInfo())
	report.WriteString(fmt.Sprintf("### allocate + retire %.0f%% + reclaim\n\n", cfg.ChurnFraction*100))
	report.WriteString("| Count | Elapsed | Reclaimed |\n|---:|---:|---:|\n")

	for _, count := range cfg.Counts {
		fmt.Fprintf(os.Stderr, "churn: %d handles\n", count)

		table, mvcc, alloc, _, err := newHarness(cfg, "churn")
		if err != nil {
			return err
		}

		ids := make([]otcore.NodeID, 0, count)

		start := time.Now()

		for i := 0; i < count; i++ {
			classID := uint8(i % cfg.Classes)

			id, err := table.Allocate(otcore.KindLeaf, classID)
			if err != nil {
				return fmt.Errorf("allocate at %d: %w", i, err)
			}

			addr, err := alloc.Allocate(classID)
			if err != nil {
				return fmt.Errorf("segment allocate at %d: %w", i, err)
			}

			epoch := mvcc.AdvanceEpoch()
			if err := table.MarkLiveCommit(id, addr, epoch); err != nil {
				return fmt.Errorf("commit at %d: %w", i, err)
			}

			ids = append(ids, id)
		}

		retireN := int(float64(count) * cfg.ChurnFraction)
		for i := 0; i < retireN; i++ {
			epoch := mvcc.AdvanceEpoch()
			if err := table.Retire(ids[i], epoch); err != nil {
				return fmt.Errorf("retire at %d: %w", i, err)
			}
		}

		reclaimed := table.ReclaimBeforeEpoch(mvcc.MinActiveEpoch(), alloc.Free)

		elapsed := time.Since(start)
		alloc.Close()

		report.WriteString(fmt.Sprintf("| %d | %v | %d |\n", count, elapsed.Round(time.Millisecond), reclaimed))
	}

	return writeReport(outFile, report.String())
}

func runCheckpointBench(cfg *Config) error {
	outFile := filepath.Join(cfg.OutDir, fmt.Sprintf("checkpoint_%s.md", time.Now().UTC().Format("20060102-150405")))

	var report strings.Builder
	report.WriteString(getSystemInfo())
	report.WriteString("### checkpoint cost by live-entry count\n\n")
	report.WriteString("| Count | Write elapsed | Read elapsed | Bytes |\n|---:|---:|---:|---:|\n")

	reg := prometheus.NewRegistry()
	_ = otcore.NewMetrics(reg, "xtreebench", "otcore")

	for _, count := range cfg.Counts {
		fmt.Fprintf(os.Stderr, "checkpoint: %d live entries\n", count)

		table, mvcc, alloc, dir, err := newHarness(cfg, "checkpoint")
		if err != nil {
			return err
		}

		for i := 0; i < count; i++ {
			classID := uint8(i % cfg.Classes)

			id, err := table.Allocate(otcore.KindLeaf, classID)
			if err != nil {
				return fmt.Errorf("allocate at %d: %w", i, err)
			}

			addr, err := alloc.Allocate(classID)
			if err != nil {
				return fmt.Errorf("segment allocate at %d: %w", i, err)
			}

			epoch := mvcc.AdvanceEpoch()
			if err := table.MarkLiveCommit(id, addr, epoch); err != nil {
				return fmt.Errorf("commit at %d: %w", i, err)
			}
		}

		fsys := platformfs.NewReal()

		writeStart := time.Now()

		path, entries, err := otcore.WriteCheckpoint(fsys, dir, table, mvcc.CurrentEpoch())
		if err != nil {
			return fmt.Errorf("write checkpoint: %w", err)
		}

		writeElapsed := time.Since(writeStart)

		size, err := fsys.FileSize(path)
		if err != nil {
			return fmt.Errorf("stat checkpoint: %w", err)
		}

		readStart := time.Now()

		if _, _, err := otcore.ReadCheckpoint(fsys, path); err != nil {
			return fmt.Errorf("read checkpoint: %w", err)
		}

		readElapsed := time.Since(readStart)

		alloc.Close()

		report.WriteString(fmt.Sprintf("| %d (%d rows) | %v | %v | %d |\n",
			count, entries, writeElapsed.Round(time.Millisecond), readElapsed.Round(time.Millisecond), size))
	}

	return writeReport(outFile, report.String())
}

func writeReport(path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}

	fmt.Fprintf(os.Stderr, "wrote %s\n", path)

	return nil
}
