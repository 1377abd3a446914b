package otcore_test

import (
	"errors"
	"testing"

	"github.com/lucenia/xtree/core/pkg/otcore"
)

func Test_DirtyRangeQueue_Enqueue_Drops_Oldest_When_Full(t *testing.T) {
	q := otcore.NewDirtyRangeQueue(2)

	if dropped := q.Enqueue(otcore.DirtyRange{Generation: 1}); dropped {
		t.Fatalf("got dropped=true on first enqueue, want false")
	}

	if dropped := q.Enqueue(otcore.DirtyRange{Generation: 2}); dropped {
		t.Fatalf("got dropped=true on second enqueue, want false")
	}

	if dropped := q.Enqueue(otcore.DirtyRange{Generation: 3}); !dropped {
		t.Fatalf("got dropped=false on third enqueue past capacity, want true")
	}

	if got := q.Len(); got != 2 {
		t.Fatalf("got Len %d, want 2 (capacity enforced)", got)
	}
}

func Test_DirtyRangeQueue_DrainUpTo_Only_Flushes_Matching_Generations(t *testing.T) {
	q := otcore.NewDirtyRangeQueue(10)

	q.Enqueue(otcore.DirtyRange{Generation: 1, FileID: 1})
	q.Enqueue(otcore.DirtyRange{Generation: 2, FileID: 2})
	q.Enqueue(otcore.DirtyRange{Generation: 5, FileID: 5})

	var flushed []uint32

	n, err := q.DrainUpTo(2, func(r otcore.DirtyRange) error {
		flushed = append(flushed, r.FileID)
		return nil
	})
	if err != nil {
		t.Fatalf("DrainUpTo: %v", err)
	}

	if n != 2 {
		t.Fatalf("got flushed count %d, want 2", n)
	}

	if len(flushed) != 2 || flushed[0] != 1 || flushed[1] != 2 {
		t.Fatalf("got flushed %v, want [1 2]", flushed)
	}

	if got := q.Len(); got != 1 {
		t.Fatalf("got Len %d after drain, want 1 (generation 5 entry retained)", got)
	}
}

func Test_DirtyRangeQueue_DrainUpTo_Requeues_Remaining_On_Flush_Error(t *testing.T) {
	q := otcore.NewDirtyRangeQueue(10)

	q.Enqueue(otcore.DirtyRange{Generation: 1, FileID: 1})
	q.Enqueue(otcore.DirtyRange{Generation: 1, FileID: 2})
	q.Enqueue(otcore.DirtyRange{Generation: 1, FileID: 3})

	wantErr := errors.New("boom")

	calls := 0
	n, err := q.DrainUpTo(1, func(r otcore.DirtyRange) error {
		calls++
		if calls == 2 {
			return wantErr
		}
		return nil
	})

	if !errors.Is(err, wantErr) {
		t.Fatalf("got err %v, want %v", err, wantErr)
	}

	if n != 1 {
		t.Fatalf("got flushed count %d before failure, want 1", n)
	}

	// The entry that failed and the one after it must be requeued.
	if got := q.Len(); got != 2 {
		t.Fatalf("got Len %d after failed drain, want 2 requeued entries", got)
	}
}

func Test_DirtyRangeQueue_DrainUpTo_Nothing_Due_Is_A_No_Op(t *testing.T) {
	q := otcore.NewDirtyRangeQueue(10)
	q.Enqueue(otcore.DirtyRange{Generation: 5})

	n, err := q.DrainUpTo(1, func(otcore.DirtyRange) error {
		t.Fatalf("flush callback invoked for a generation past the cutoff")
		return nil
	})
	if err != nil {
		t.Fatalf("DrainUpTo: %v", err)
	}

	if n != 0 {
		t.Fatalf("got flushed count %d, want 0", n)
	}

	if got := q.Len(); got != 1 {
		t.Fatalf("got Len %d, want 1 (entry untouched)", got)
	}
}
