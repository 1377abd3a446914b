// Command xtreectl is a REPL for inspecting and poking a persistence-core
// data directory: manifest, superblock, Object Table / segment stats, and
// forcing a checkpoint/rotate/reclaim quantum. Grounded on the teacher's
// cmd/sloty REPL shape (liner-based prompt, tab completion, command
// dispatch table) with slotcache's put/get/scan surface replaced by
// otcore's alloc/retire/lookup/root surface.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/lucenia/xtree/core/pkg/otcore"
	"github.com/lucenia/xtree/core/pkg/platformfs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return errors.New("missing command or data directory path")
	}

	if os.Args[1] == "new" {
		return runNew(os.Args[2:])
	}

	return runOpen(os.Args[1:])
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  xtreectl <data-dir>              Open an existing data directory\n")
	fmt.Fprintf(os.Stderr, "  xtreectl new [opts] <data-dir>    Initialize a new data directory\n")
}

func runNew(args []string) error {
	fs := flag.NewFlagSet("new", flag.ExitOnError)
	classes := fs.Int("classes", 6, "number of size classes")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: xtreectl new [options] <data-dir>\n\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() < 1 {
		fs.Usage()
		return errors.New("missing data directory path")
	}

	dataDir := fs.Arg(0)

	if exists, _ := (platformfs.NewReal()).Exists(filepath.Join(dataDir, "manifest.json")); exists {
		return fmt.Errorf("data directory already initialized: %s (use 'xtreectl %s' to open it)", dataDir, dataDir)
	}

	env, err := openEnv(dataDir, *classes)
	if err != nil {
		return fmt.Errorf("initializing data directory: %w", err)
	}

	fmt.Printf("Initialized data directory at %s (%d size classes)\n", dataDir, *classes)

	repl := &REPL{env: env}

	return repl.Run()
}

func runOpen(args []string) error {
	fs := flag.NewFlagSet("open", flag.ExitOnError)
	classes := fs.Int("classes", 6, "number of size classes (must match how the directory was initialized)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: xtreectl <data-dir>\n\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() < 1 {
		fs.Usage()
		return errors.New("missing data directory path")
	}

	dataDir := fs.Arg(0)

	if exists, _ := (platformfs.NewReal()).Exists(dataDir); !exists {
		return fmt.Errorf("data directory does not exist: %s (use 'xtreectl new %s' to create it)", dataDir, dataDir)
	}

	env, err := openEnv(dataDir, *classes)
	if err != nil {
		return fmt.Errorf("opening data directory: %w", err)
	}

	repl := &REPL{env: env}

	return repl.Run()
}

// env bundles every live component rooted at one data directory: the
// table/mvcc/allocator the coordinator drives, plus the coordinator
// itself and the paths xtreectl reads manifest/superblock state from
// directly (the same join pattern [otcore.NewCoordinator] uses).
type env struct {
	dataDir        string
	checkpointDir  string
	walDir         string
	manifestPath   string
	superblockPath string

	fs    platformfs.FS
	table *otcore.ObjectTable
	mvcc  *otcore.MVCC
	alloc *otcore.SegmentAllocator
	coord *otcore.Coordinator
	log   *logrus.Logger
}

func defaultClassSizes(n int) otcore.ClassSizes {
	sizes := make(otcore.ClassSizes, n)
	for i := 0; i < n; i++ {
		sizes[uint8(i)] = uint32(64 << i)
	}

	return sizes
}

func openEnv(dataDir string, classes int) (*env, error) {
	fsys := platformfs.NewReal()

	if err := fsys.EnsureDirectory(dataDir, 0o755); err != nil {
		return nil, err
	}

	policy, err := otcore.LoadCoordinatorPolicy(fsys, dataDir)
	if err != nil {
		return nil, err
	}

	table := otcore.NewObjectTable(otcore.DefaultShardCount)
	mvcc := otcore.NewMVCC(0)

	alloc, err := otcore.NewSegmentAllocator(fsys, filepath.Join(dataDir, "segments"), defaultClassSizes(classes))
	if err != nil {
		return nil, err
	}

	log := logrus.New()
	log.SetOutput(io.Discard)

	checkpointDir := filepath.Join(dataDir, "checkpoints")
	manifestPath := filepath.Join(dataDir, "manifest.json")

	var recovery otcore.RecoveryResult

	if exists, _ := fsys.Exists(manifestPath); exists {
		recovery, err = otcore.Recover(fsys, checkpointDir, manifestPath, table, mvcc, log)
		if err != nil {
			return nil, fmt.Errorf("recovering state: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	metrics := otcore.NewMetrics(reg, "xtreectl", "otcore")

	coord, err := otcore.NewCoordinator(fsys, dataDir, table, mvcc, alloc, policy, metrics, log)
	if err != nil {
		return nil, err
	}

	coord.ApplyRecoveryResult(recovery)

	return &env{
		dataDir:        dataDir,
		checkpointDir:  checkpointDir,
		walDir:         filepath.Join(dataDir, "logs"),
		manifestPath:   manifestPath,
		superblockPath: filepath.Join(dataDir, "superblock.bin"),
		fs:             fsys,
		table:          table,
		mvcc:           mvcc,
		alloc:          alloc,
		coord:          coord,
		log:            log,
	}, nil
}

// REPL is the interactive command loop.
type REPL struct {
	env   *env
	liner *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".xtreectl_history")
}

func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("xtreectl - persistence core CLI (data_dir=%s)\n", r.env.dataDir)
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("xtreectl> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nBye!")
				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")
			r.saveHistory()

			return nil

		case "help", "?":
			r.printHelp()

		case "alloc":
			r.cmdAlloc(args)

		case "retire":
			r.cmdRetire(args)

		case "lookup", "get":
			r.cmdLookup(args)

		case "root":
			r.cmdRoot(args)

		case "roots":
			r.cmdRoots()

		case "info":
			r.cmdInfo()

		case "stats":
			r.cmdStats()

		case "manifest":
			r.cmdManifest()

		case "superblock", "sb":
			r.cmdSuperblock()

		case "checkpoint", "ckpt", "quantum":
			r.cmdCheckpoint()

		case "clear", "cls":
			fmt.Print("\033[H\033[2J")

		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()

	return nil
}

func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (r *REPL) completer(line string) []string {
	commands := []string{
		"alloc", "retire", "lookup", "get", "root", "roots",
		"info", "stats", "manifest", "superblock", "sb",
		"checkpoint", "ckpt", "quantum", "clear", "cls",
		"help", "exit", "quit", "q",
	}

	var completions []string

	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}

	return completions
}

func (r *REPL) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  alloc <kind> <class>      Allocate + commit a handle (kind: internal|leaf)")
	fmt.Println("  retire <node-id>          Retire a handle at a freshly advanced epoch")
	fmt.Println("  lookup <node-id>          Show the table entry for a NodeID")
	fmt.Println("  root <name> [node-id]     Show, or set, a named root")
	fmt.Println("  roots                     List all named roots")
	fmt.Println("  info                      Show data dir, current epoch and min active epoch")
	fmt.Println("  stats                     Segment allocator per-class stats")
	fmt.Println("  manifest                  Dump the current manifest as JSON")
	fmt.Println("  superblock                Show the durable (root, epoch) superblock")
	fmt.Println("  checkpoint                Force one coordinator decide-and-act quantum")
	fmt.Println("  help                      Show this help")
	fmt.Println("  exit / quit / q           Exit")
}

func (r *REPL) cmdAlloc(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: alloc <kind> <class>")
		return
	}

	var kind otcore.Kind

	switch strings.ToLower(args[0]) {
	case "internal":
		kind = otcore.KindInternal
	case "leaf":
		kind = otcore.KindLeaf
	default:
		fmt.Printf("Unknown kind %q (want internal|leaf)\n", args[0])
		return
	}

	classID, err := strconv.Atoi(args[1])
	if err != nil || classID < 0 || classID > otcore.MaxClassID {
		fmt.Printf("Error: class must be an integer in [0, %d]\n", otcore.MaxClassID)
		return
	}

	id, err := r.env.table.Allocate(kind, uint8(classID))
	if err != nil {
		fmt.Printf("Error allocating: %v\n", err)
		return
	}

	addr, err := r.env.alloc.Allocate(uint8(classID))
	if err != nil {
		_ = r.env.table.AbortReservation(id)
		fmt.Printf("Error allocating storage: %v\n", err)

		return
	}

	epoch := r.env.mvcc.AdvanceEpoch()
	if err := r.env.table.MarkLiveCommit(id, addr, epoch); err != nil {
		fmt.Printf("Error committing: %v\n", err)
		return
	}

	fmt.Printf("OK: allocated node_id=%d (handle=%d tag=%d) at epoch=%d addr=%+v\n",
		id.Raw(), id.HandleIndex(), id.Tag(), epoch, addr)
}

func (r *REPL) cmdRetire(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: retire <node-id>")
		return
	}

	raw, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Printf("Error parsing node id: %v\n", err)
		return
	}

	epoch := r.env.mvcc.AdvanceEpoch()
	if err := r.env.table.Retire(otcore.NodeID(raw), epoch); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Printf("OK: retired node_id=%d at epoch=%d\n", raw, epoch)
}

func (r *REPL) cmdLookup(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: lookup <node-id>")
		return
	}

	raw, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Printf("Error parsing node id: %v\n", err)
		return
	}

	entry, err := r.env.table.Lookup(otcore.NodeID(raw), r.env.mvcc.CurrentEpoch())
	if err != nil {
		fmt.Printf("(not found: %v)\n", err)
		return
	}

	fmt.Printf("Kind:        %d\n", entry.Kind)
	fmt.Printf("Class:       %d\n", entry.ClassID)
	fmt.Printf("Addr:        %+v\n", entry.Addr)
	fmt.Printf("Tag:         %d\n", entry.Tag)
	fmt.Printf("BirthEpoch:  %d\n", entry.BirthEpoch)
	fmt.Printf("RetireEpoch: %d\n", entry.RetireEpoch)
}

func (r *REPL) cmdRoot(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: root <name> [node-id]")
		return
	}

	name := args[0]

	manifest, err := otcore.LoadManifest(r.env.fs, r.env.manifestPath)
	if err != nil {
		fmt.Printf("Error loading manifest: %v\n", err)
		return
	}

	if len(args) == 1 {
		id, epoch, mbr, ok := manifest.Root(name)
		if !ok {
			fmt.Printf("(no root named %q)\n", name)
			return
		}

		fmt.Printf("%s: node_id=%d epoch=%d mbr_bytes=%d\n", name, id.Raw(), epoch, len(mbr))

		return
	}

	raw, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		fmt.Printf("Error parsing node id: %v\n", err)
		return
	}

	epoch := r.env.mvcc.CurrentEpoch()
	manifest.SetRoot(name, otcore.NodeID(raw), epoch, nil)

	if err := manifest.Store(r.env.fs, r.env.manifestPath, r.env.dataDir); err != nil {
		fmt.Printf("Error storing manifest: %v\n", err)
		return
	}

	fmt.Printf("OK: root %s -> node_id=%d at epoch=%d\n", name, raw, epoch)
}

func (r *REPL) cmdRoots() {
	manifest, err := otcore.LoadManifest(r.env.fs, r.env.manifestPath)
	if err != nil {
		fmt.Printf("Error loading manifest: %v\n", err)
		return
	}

	if len(manifest.Roots) == 0 {
		fmt.Println("(no roots)")
		return
	}

	for _, root := range manifest.Roots {
		fmt.Printf("  %-20s node_id=%-10d epoch=%d\n", root.Name, root.NodeID, root.Epoch)
	}
}

func (r *REPL) cmdInfo() {
	fmt.Printf("Data dir:      %s\n", r.env.dataDir)
	fmt.Printf("Current epoch: %d\n", r.env.mvcc.CurrentEpoch())
	fmt.Printf("Min active:    %d\n", r.env.mvcc.MinActiveEpoch())
}

func (r *REPL) cmdStats() {
	stats := r.env.alloc.Stats()
	if len(stats) == 0 {
		fmt.Println("(no size classes touched yet)")
		return
	}

	fmt.Println("Class  SlotSize  FileBytes  Allocated  Free")

	for classID := 0; classID <= otcore.MaxClassID; classID++ {
		s, ok := stats[uint8(classID)]
		if !ok {
			continue
		}

		fmt.Printf("%-6d %-9d %-10d %-10d %d\n", classID, s.SlotSize, s.FileBytes, s.Allocated, s.Free)
	}
}

func (r *REPL) cmdManifest() {
	manifest, err := otcore.LoadManifest(r.env.fs, r.env.manifestPath)
	if err != nil {
		fmt.Printf("Error loading manifest: %v\n", err)
		return
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		fmt.Printf("Error encoding manifest: %v\n", err)
		return
	}

	fmt.Println(string(data))
}

func (r *REPL) cmdSuperblock() {
	sb, err := otcore.LoadSuperblock(r.env.fs, r.env.superblockPath)
	if err != nil {
		fmt.Printf("(no superblock: %v)\n", err)
		return
	}

	fmt.Printf("root=%d epoch=%d\n", sb.Root.Raw(), sb.Epoch)
}

func (r *REPL) cmdCheckpoint() {
	fmt.Println("Running one coordinator quantum (checkpoint/rotate/reclaim as decided)...")
	r.env.coord.RunQuantum()
	fmt.Println("OK")
}
