package otcore_test

import (
	"testing"

	"github.com/lucenia/xtree/core/pkg/otcore"
	"github.com/lucenia/xtree/core/pkg/platformfs"
)

func Test_SegmentAllocator_Allocate_Grows_File_And_Returns_Increasing_Offsets(t *testing.T) {
	fsys := platformfs.NewMemFS()

	alloc, err := otcore.NewSegmentAllocator(fsys, "/data/segments", otcore.ClassSizes{0: 64})
	if err != nil {
		t.Fatalf("NewSegmentAllocator: %v", err)
	}

	a1, err := alloc.Allocate(0)
	if err != nil {
		t.Fatalf("Allocate 1: %v", err)
	}

	a2, err := alloc.Allocate(0)
	if err != nil {
		t.Fatalf("Allocate 2: %v", err)
	}

	if a1.Offset != 0 {
		t.Fatalf("got first offset %d, want 0", a1.Offset)
	}

	if a2.Offset != uint64(a1.Length) {
		t.Fatalf("got second offset %d, want %d", a2.Offset, a1.Length)
	}

	if a1.Length != 64 || a2.Length != 64 {
		t.Fatalf("got lengths %d/%d, want 64/64", a1.Length, a2.Length)
	}
}

func Test_SegmentAllocator_Free_Then_Allocate_Reuses_Offset(t *testing.T) {
	fsys := platformfs.NewMemFS()

	alloc, err := otcore.NewSegmentAllocator(fsys, "/data/segments", otcore.ClassSizes{0: 32})
	if err != nil {
		t.Fatalf("NewSegmentAllocator: %v", err)
	}

	a1, err := alloc.Allocate(0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	alloc.Free(0, a1)

	a2, err := alloc.Allocate(0)
	if err != nil {
		t.Fatalf("Allocate after free: %v", err)
	}

	if a2.Offset != a1.Offset {
		t.Fatalf("got offset %d after free+allocate, want reused offset %d", a2.Offset, a1.Offset)
	}
}

func Test_SegmentAllocator_Allocate_Unconfigured_Class_Fails(t *testing.T) {
	fsys := platformfs.NewMemFS()

	alloc, err := otcore.NewSegmentAllocator(fsys, "/data/segments", otcore.ClassSizes{0: 32})
	if err != nil {
		t.Fatalf("NewSegmentAllocator: %v", err)
	}

	if _, err := alloc.Allocate(5); err == nil {
		t.Fatalf("got nil error allocating an unconfigured class, want non-nil")
	}
}

func Test_SegmentAllocator_Stats_Reports_Allocated_And_Free_Counts(t *testing.T) {
	fsys := platformfs.NewMemFS()

	alloc, err := otcore.NewSegmentAllocator(fsys, "/data/segments", otcore.ClassSizes{0: 16})
	if err != nil {
		t.Fatalf("NewSegmentAllocator: %v", err)
	}

	a1, _ := alloc.Allocate(0)
	_, _ = alloc.Allocate(0)
	alloc.Free(0, a1)

	stats := alloc.Stats()[0]

	if stats.SlotSize != 16 {
		t.Fatalf("got SlotSize %d, want 16", stats.SlotSize)
	}

	if stats.Allocated != 1 {
		t.Fatalf("got Allocated %d, want 1", stats.Allocated)
	}

	if stats.Free != 1 {
		t.Fatalf("got Free %d, want 1", stats.Free)
	}
}

func Test_SegmentAllocator_Reopens_And_Preserves_End_Offset(t *testing.T) {
	fsys := platformfs.NewMemFS()

	alloc, err := otcore.NewSegmentAllocator(fsys, "/data/segments", otcore.ClassSizes{0: 16})
	if err != nil {
		t.Fatalf("NewSegmentAllocator: %v", err)
	}

	a1, _ := alloc.Allocate(0)
	if err := alloc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := otcore.NewSegmentAllocator(fsys, "/data/segments", otcore.ClassSizes{0: 16})
	if err != nil {
		t.Fatalf("NewSegmentAllocator (reopen): %v", err)
	}

	a2, err := reopened.Allocate(0)
	if err != nil {
		t.Fatalf("Allocate after reopen: %v", err)
	}

	if a2.Offset != a1.Offset+uint64(a1.Length) {
		t.Fatalf("got offset %d after reopen, want continuation past %d", a2.Offset, a1.Offset+uint64(a1.Length))
	}
}

func Test_SegmentAllocator_Flush_Does_Not_Close_Files(t *testing.T) {
	fsys := platformfs.NewMemFS()

	alloc, err := otcore.NewSegmentAllocator(fsys, "/data/segments", otcore.ClassSizes{0: 16})
	if err != nil {
		t.Fatalf("NewSegmentAllocator: %v", err)
	}

	if _, err := alloc.Allocate(0); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if err := alloc.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// The class file must still be usable after Flush (unlike Close).
	if _, err := alloc.Allocate(0); err != nil {
		t.Fatalf("Allocate after Flush: %v", err)
	}
}
