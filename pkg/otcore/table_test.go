package otcore_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/lucenia/xtree/core/pkg/otcore"
)

func Test_Allocate_Then_MarkLiveCommit_Is_Visible_At_Birth_Epoch(t *testing.T) {
	table := otcore.NewObjectTable(4)

	id, err := table.Allocate(otcore.KindLeaf, 0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	addr := otcore.Addr{FileID: 1, SegmentID: 2, Offset: 128, Length: 64}

	if err := table.MarkLiveCommit(id, addr, 5); err != nil {
		t.Fatalf("MarkLiveCommit: %v", err)
	}

	entry, err := table.Lookup(id, 5)
	if err != nil {
		t.Fatalf("Lookup at birth epoch: %v", err)
	}

	if entry.Addr != addr {
		t.Fatalf("got Addr %+v, want %+v", entry.Addr, addr)
	}

	if entry.Kind != otcore.KindLeaf {
		t.Fatalf("got Kind %v, want KindLeaf", entry.Kind)
	}
}

func Test_Lookup_Before_Birth_Epoch_Returns_Not_Found(t *testing.T) {
	table := otcore.NewObjectTable(4)

	id, err := table.Allocate(otcore.KindLeaf, 0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if err := table.MarkLiveCommit(id, otcore.Addr{}, 10); err != nil {
		t.Fatalf("MarkLiveCommit: %v", err)
	}

	if _, err := table.Lookup(id, 9); !errors.Is(err, otcore.ErrNotFound) {
		t.Fatalf("got err %v, want ErrNotFound", err)
	}
}

func Test_Lookup_On_Reserved_Handle_Returns_Not_Found(t *testing.T) {
	table := otcore.NewObjectTable(4)

	id, err := table.Allocate(otcore.KindLeaf, 0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if _, err := table.Lookup(id, 0); !errors.Is(err, otcore.ErrNotFound) {
		t.Fatalf("got err %v, want ErrNotFound", err)
	}
}

func Test_AbortReservation_Returns_Handle_To_Free_Pool(t *testing.T) {
	table := otcore.NewObjectTable(1)

	id, err := table.Allocate(otcore.KindLeaf, 0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if err := table.AbortReservation(id); err != nil {
		t.Fatalf("AbortReservation: %v", err)
	}

	if _, err := table.Lookup(id, 0); !errors.Is(err, otcore.ErrNotFound) {
		t.Fatalf("got err %v, want ErrNotFound", err)
	}

	// The handle should be reusable with a bumped tag, not leaked.
	id2, err := table.Allocate(otcore.KindLeaf, 0)
	if err != nil {
		t.Fatalf("Allocate after abort: %v", err)
	}

	if id2.HandleIndex() != id.HandleIndex() {
		t.Fatalf("got a fresh handle index %d after abort, want reuse of %d", id2.HandleIndex(), id.HandleIndex())
	}

	if id2.Tag() == id.Tag() {
		t.Fatalf("got reused tag %d after abort, want a bumped tag", id2.Tag())
	}
}

func Test_AbortReservation_On_Already_Live_Handle_Fails(t *testing.T) {
	table := otcore.NewObjectTable(1)

	id, err := table.Allocate(otcore.KindLeaf, 0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if err := table.MarkLiveCommit(id, otcore.Addr{}, 1); err != nil {
		t.Fatalf("MarkLiveCommit: %v", err)
	}

	if err := table.AbortReservation(id); !errors.Is(err, otcore.ErrInvalidState) {
		t.Fatalf("got err %v, want ErrInvalidState", err)
	}
}

func Test_Retire_Hides_Handle_At_Or_After_Retire_Epoch_Only(t *testing.T) {
	table := otcore.NewObjectTable(1)

	id, err := table.Allocate(otcore.KindLeaf, 0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if err := table.MarkLiveCommit(id, otcore.Addr{}, 1); err != nil {
		t.Fatalf("MarkLiveCommit: %v", err)
	}

	if err := table.Retire(id, 10); err != nil {
		t.Fatalf("Retire: %v", err)
	}

	if _, err := table.Lookup(id, 9); err != nil {
		t.Fatalf("Lookup strictly before retire epoch: got %v, want nil", err)
	}

	if _, err := table.Lookup(id, 10); !errors.Is(err, otcore.ErrNotFound) {
		t.Fatalf("Lookup at retire epoch: got %v, want ErrNotFound", err)
	}
}

func Test_Retire_Twice_Fails(t *testing.T) {
	table := otcore.NewObjectTable(1)

	id, err := table.Allocate(otcore.KindLeaf, 0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if err := table.MarkLiveCommit(id, otcore.Addr{}, 1); err != nil {
		t.Fatalf("MarkLiveCommit: %v", err)
	}

	if err := table.Retire(id, 5); err != nil {
		t.Fatalf("first Retire: %v", err)
	}

	if err := table.Retire(id, 6); !errors.Is(err, otcore.ErrInvalidState) {
		t.Fatalf("got err %v on second Retire, want ErrInvalidState", err)
	}
}

func Test_Lookup_With_Stale_Tag_After_Reclaim_And_Reuse_Returns_Not_Found(t *testing.T) {
	table := otcore.NewObjectTable(1)

	id, err := table.Allocate(otcore.KindLeaf, 0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if err := table.MarkLiveCommit(id, otcore.Addr{}, 1); err != nil {
		t.Fatalf("MarkLiveCommit: %v", err)
	}

	if err := table.Retire(id, 2); err != nil {
		t.Fatalf("Retire: %v", err)
	}

	if n := table.ReclaimBeforeEpoch(100, nil); n != 1 {
		t.Fatalf("got ReclaimBeforeEpoch count %d, want 1", n)
	}

	id2, err := table.Allocate(otcore.KindLeaf, 0)
	if err != nil {
		t.Fatalf("Allocate after reclaim: %v", err)
	}

	if id2.HandleIndex() != id.HandleIndex() {
		t.Fatalf("got fresh handle %d, want reused handle %d", id2.HandleIndex(), id.HandleIndex())
	}

	// The stale (pre-reclaim) NodeID must no longer resolve.
	if _, err := table.Lookup(id, 1); !errors.Is(err, otcore.ErrNotFound) {
		t.Fatalf("got err %v for stale tag lookup, want ErrNotFound", err)
	}
}

func Test_ReclaimBeforeEpoch_Only_Reclaims_Retired_Entries_Below_Threshold(t *testing.T) {
	table := otcore.NewObjectTable(1)

	idEarly, _ := table.Allocate(otcore.KindLeaf, 0)
	_ = table.MarkLiveCommit(idEarly, otcore.Addr{}, 1)
	_ = table.Retire(idEarly, 5)

	idLate, _ := table.Allocate(otcore.KindLeaf, 0)
	_ = table.MarkLiveCommit(idLate, otcore.Addr{}, 1)
	_ = table.Retire(idLate, 50)

	n := table.ReclaimBeforeEpoch(10, nil)
	if n != 1 {
		t.Fatalf("got reclaimed count %d, want 1", n)
	}

	// idLate should still be resolvable at an epoch before its retirement.
	if _, err := table.Lookup(idLate, 40); err != nil {
		t.Fatalf("Lookup idLate before its retire epoch: got %v, want nil", err)
	}
}

func Test_ReclaimBeforeEpoch_Invokes_FreeStorage_With_Last_Known_Addr(t *testing.T) {
	table := otcore.NewObjectTable(1)

	id, _ := table.Allocate(otcore.KindLeaf, 3)
	want := otcore.Addr{FileID: 7, SegmentID: 8, Offset: 256, Length: 32}
	_ = table.MarkLiveCommit(id, want, 1)
	_ = table.Retire(id, 2)

	var gotClass uint8
	var gotAddr otcore.Addr

	n := table.ReclaimBeforeEpoch(100, func(classID uint8, addr otcore.Addr) {
		gotClass = classID
		gotAddr = addr
	})

	if n != 1 {
		t.Fatalf("got reclaimed %d, want 1", n)
	}

	if gotClass != 3 {
		t.Fatalf("got freed classID %d, want 3", gotClass)
	}

	if gotAddr != want {
		t.Fatalf("got freed addr %+v, want %+v", gotAddr, want)
	}
}

func Test_SnapshotAll_Skips_Reserved_And_Includes_Live_And_Retired(t *testing.T) {
	table := otcore.NewObjectTable(2)

	live, _ := table.Allocate(otcore.KindLeaf, 0)
	_ = table.MarkLiveCommit(live, otcore.Addr{}, 1)

	retired, _ := table.Allocate(otcore.KindLeaf, 0)
	_ = table.MarkLiveCommit(retired, otcore.Addr{}, 1)
	_ = table.Retire(retired, 2)

	if _, err := table.Allocate(otcore.KindLeaf, 0); err != nil {
		t.Fatalf("Allocate reserved-only handle: %v", err)
	}

	rows := table.SnapshotAll()

	if len(rows) != 2 {
		t.Fatalf("got %d snapshot rows, want 2 (reserved-only handle excluded)", len(rows))
	}

	seen := map[otcore.NodeID]bool{}
	for _, r := range rows {
		seen[r.NodeID] = true
	}

	if !seen[live] || !seen[retired] {
		t.Fatalf("got snapshot rows %+v, want both live and retired handles present", rows)
	}
}

func Test_RestoreHandle_Reinstalls_Entry_Exactly(t *testing.T) {
	table := otcore.NewObjectTable(4)
	table.BeginRecovery()

	id := otcore.NewNodeID(9, 3)
	addr := otcore.Addr{FileID: 1, SegmentID: 1, Offset: 64, Length: 64}

	if err := table.RestoreHandle(id, otcore.KindInternal, 2, addr, 7, 1000); err != nil {
		t.Fatalf("RestoreHandle: %v", err)
	}

	table.EndRecovery()

	entry, err := table.Lookup(id, 7)
	if err != nil {
		t.Fatalf("Lookup restored handle: %v", err)
	}

	if entry.Addr != addr || entry.Kind != otcore.KindInternal || entry.ClassID != 2 {
		t.Fatalf("got restored entry %+v, want matching kind/class/addr", entry)
	}
}

func Test_Allocate_Concurrent_Handles_Are_All_Distinct(t *testing.T) {
	table := otcore.NewObjectTable(8)

	const n = 500

	ids := make([]otcore.NodeID, n)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			id, err := table.Allocate(otcore.KindLeaf, 0)
			if err != nil {
				t.Errorf("Allocate: %v", err)
				return
			}

			ids[i] = id
		}(i)
	}

	wg.Wait()

	seen := make(map[otcore.NodeID]bool, n)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("got duplicate NodeID %v across concurrent Allocate calls", id)
		}

		seen[id] = true
	}
}

func Test_Allocate_Rejects_Invalid_Kind_And_Class(t *testing.T) {
	table := otcore.NewObjectTable(1)

	if _, err := table.Allocate(otcore.KindInvalid, 0); !errors.Is(err, otcore.ErrInvalidState) {
		t.Fatalf("got err %v for KindInvalid, want ErrInvalidState", err)
	}

	if _, err := table.Allocate(otcore.KindLeaf, otcore.MaxClassID+1); !errors.Is(err, otcore.ErrInvalidState) {
		t.Fatalf("got err %v for out-of-range class, want ErrInvalidState", err)
	}
}
