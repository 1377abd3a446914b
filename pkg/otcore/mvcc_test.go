package otcore_test

import (
	"errors"
	"testing"

	"github.com/lucenia/xtree/core/pkg/otcore"
)

func Test_MVCC_MinActiveEpoch_With_No_Pins_Returns_Global_Epoch(t *testing.T) {
	mvcc := otcore.NewMVCC(0)

	mvcc.AdvanceEpoch()
	mvcc.AdvanceEpoch()

	if got := mvcc.MinActiveEpoch(); got != mvcc.CurrentEpoch() {
		t.Fatalf("got MinActiveEpoch %d, want current epoch %d", got, mvcc.CurrentEpoch())
	}
}

func Test_MVCC_MinActiveEpoch_Reflects_Lowest_Pinned_Reader(t *testing.T) {
	mvcc := otcore.NewMVCC(0)

	for i := 0; i < 5; i++ {
		mvcc.AdvanceEpoch()
	}

	pinA, err := mvcc.RegisterThread("reader-a")
	if err != nil {
		t.Fatalf("RegisterThread a: %v", err)
	}

	pinB, err := mvcc.RegisterThread("reader-b")
	if err != nil {
		t.Fatalf("RegisterThread b: %v", err)
	}

	mvcc.PinEpoch(pinA, 2)
	mvcc.PinEpoch(pinB, 4)

	if got := mvcc.MinActiveEpoch(); got != 2 {
		t.Fatalf("got MinActiveEpoch %d, want 2", got)
	}

	mvcc.Unpin(pinA)

	if got := mvcc.MinActiveEpoch(); got != 4 {
		t.Fatalf("got MinActiveEpoch %d after unpinning the lower reader, want 4", got)
	}
}

func Test_MVCC_RegisterThread_Is_Idempotent_Per_Key(t *testing.T) {
	mvcc := otcore.NewMVCC(0)

	p1, err := mvcc.RegisterThread("same-key")
	if err != nil {
		t.Fatalf("RegisterThread (first): %v", err)
	}

	p2, err := mvcc.RegisterThread("same-key")
	if err != nil {
		t.Fatalf("RegisterThread (second): %v", err)
	}

	mvcc.PinEpoch(p1, 9)

	if got := mvcc.MinActiveEpoch(); got != 9 {
		t.Fatalf("got MinActiveEpoch %d, want 9 (p1 and p2 must share a slot)", got)
	}

	mvcc.Unpin(p2)

	if got := mvcc.MinActiveEpoch(); got != mvcc.CurrentEpoch() {
		t.Fatalf("got MinActiveEpoch %d after unpin via p2, want current epoch (shared slot unpinned)", got)
	}
}

func Test_MVCC_RegisterThread_Fails_Once_MaxThreads_Exhausted(t *testing.T) {
	mvcc := otcore.NewMVCC(2)

	if _, err := mvcc.RegisterThread("a"); err != nil {
		t.Fatalf("RegisterThread a: %v", err)
	}

	if _, err := mvcc.RegisterThread("b"); err != nil {
		t.Fatalf("RegisterThread b: %v", err)
	}

	if _, err := mvcc.RegisterThread("c"); !errors.Is(err, otcore.ErrTableFull) {
		t.Fatalf("got err %v, want ErrTableFull", err)
	}
}

func Test_MVCC_Guard_Acquire_Release_Unpins(t *testing.T) {
	mvcc := otcore.NewMVCC(0)
	mvcc.AdvanceEpoch()

	guard, err := mvcc.Acquire("reader")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if got := mvcc.MinActiveEpoch(); got != mvcc.CurrentEpoch() {
		t.Fatalf("got MinActiveEpoch %d while guard held at current epoch, want %d", got, mvcc.CurrentEpoch())
	}

	mvcc.AdvanceEpoch()

	if got := mvcc.MinActiveEpoch(); got != 1 {
		t.Fatalf("got MinActiveEpoch %d, want 1 (guard still pinned at the epoch it acquired)", got)
	}

	guard.Release()

	if got := mvcc.MinActiveEpoch(); got != mvcc.CurrentEpoch() {
		t.Fatalf("got MinActiveEpoch %d after release, want current epoch %d", got, mvcc.CurrentEpoch())
	}
}

func Test_MVCC_Guard_Release_Is_Idempotent(t *testing.T) {
	mvcc := otcore.NewMVCC(0)

	guard, err := mvcc.Acquire("reader")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	guard.Release()
	guard.Release() // must not panic or double-count
}

func Test_MVCC_RecoverSetEpoch_Never_Regresses(t *testing.T) {
	mvcc := otcore.NewMVCC(0)

	mvcc.RecoverSetEpoch(100)
	if got := mvcc.CurrentEpoch(); got != 100 {
		t.Fatalf("got epoch %d after RecoverSetEpoch(100), want 100", got)
	}

	mvcc.RecoverSetEpoch(10)
	if got := mvcc.CurrentEpoch(); got != 100 {
		t.Fatalf("got epoch %d after RecoverSetEpoch(10), want unchanged 100", got)
	}
}

func Test_MVCC_AdvanceEpoch_Is_Monotonic(t *testing.T) {
	mvcc := otcore.NewMVCC(0)

	prev := mvcc.CurrentEpoch()

	for i := 0; i < 10; i++ {
		next := mvcc.AdvanceEpoch()
		if next <= prev {
			t.Fatalf("got epoch %d after previous %d, want strictly increasing", next, prev)
		}

		prev = next
	}
}
