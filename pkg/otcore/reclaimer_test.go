package otcore_test

import (
	"testing"

	"github.com/lucenia/xtree/core/pkg/otcore"
	"github.com/lucenia/xtree/core/pkg/platformfs"
)

func Test_Reclaimer_RunOnce_Reclaims_Below_Min_Active_Epoch_And_Frees_Storage(t *testing.T) {
	table := otcore.NewObjectTable(1)
	mvcc := otcore.NewMVCC(0)

	fsys := platformfs.NewMemFS()
	alloc, err := otcore.NewSegmentAllocator(fsys, "/data/segments", otcore.ClassSizes{0: 32})
	if err != nil {
		t.Fatalf("NewSegmentAllocator: %v", err)
	}

	id, err := table.Allocate(otcore.KindLeaf, 0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	addr, err := alloc.Allocate(0)
	if err != nil {
		t.Fatalf("segment Allocate: %v", err)
	}

	epoch := mvcc.AdvanceEpoch()
	if err := table.MarkLiveCommit(id, addr, epoch); err != nil {
		t.Fatalf("MarkLiveCommit: %v", err)
	}

	retireEpoch := mvcc.AdvanceEpoch()
	if err := table.Retire(id, retireEpoch); err != nil {
		t.Fatalf("Retire: %v", err)
	}

	mvcc.AdvanceEpoch() // move the global epoch well past retireEpoch

	reclaimer := otcore.NewReclaimer(table, mvcc, alloc, nil)

	n := reclaimer.RunOnce()
	if n != 1 {
		t.Fatalf("got reclaimed %d, want 1", n)
	}

	if stats := alloc.Stats()[0]; stats.Free != 1 {
		t.Fatalf("got allocator Free count %d, want 1 (storage returned)", stats.Free)
	}
}

func Test_Reclaimer_RunOnce_Is_Safe_Before_Any_Epoch_Advance(t *testing.T) {
	table := otcore.NewObjectTable(1)
	mvcc := otcore.NewMVCC(0)

	reclaimer := otcore.NewReclaimer(table, mvcc, nil, nil)

	if n := reclaimer.RunOnce(); n != 0 {
		t.Fatalf("got reclaimed %d on an empty table, want 0", n)
	}
}

func Test_Reclaimer_RunOnce_Respects_Pinned_Reader(t *testing.T) {
	table := otcore.NewObjectTable(1)
	mvcc := otcore.NewMVCC(0)

	id, _ := table.Allocate(otcore.KindLeaf, 0)
	epoch := mvcc.AdvanceEpoch()
	_ = table.MarkLiveCommit(id, otcore.Addr{}, epoch)

	guard, err := mvcc.Acquire("reader")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer guard.Release()

	retireEpoch := mvcc.AdvanceEpoch()
	_ = table.Retire(id, retireEpoch)
	mvcc.AdvanceEpoch()

	reclaimer := otcore.NewReclaimer(table, mvcc, nil, nil)

	if n := reclaimer.RunOnce(); n != 0 {
		t.Fatalf("got reclaimed %d while a reader is pinned before the retire epoch, want 0", n)
	}

	guard.Release()

	if n := reclaimer.RunOnce(); n != 1 {
		t.Fatalf("got reclaimed %d after the pin released, want 1", n)
	}
}
