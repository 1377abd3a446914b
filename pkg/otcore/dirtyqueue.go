package otcore

import "sync"

// DirtyRange names a byte range of one segment file that has been written
// but not yet synced, tagged with the epoch ("generation") it was written
// under. It is how writers tell the checkpoint coordinator what needs a
// range-sync before a checkpoint at a given epoch can be considered
// complete (SPEC_FULL.md D.2 — the §9 Open Question on how flush-before-
// checkpoint is scoped, resolved as a bounded producer/consumer queue
// rather than an fsync of the whole segment file).
type DirtyRange struct {
	Generation uint64
	FileID     uint32
	Offset     uint64
	Length     uint32
}

// DirtyRangeQueue is a bounded ring buffer of [DirtyRange] entries. When
// full, Enqueue drops the oldest entry rather than blocking a writer —
// the dropped range is still covered by that file's ordinary FlushFile at
// the next checkpoint, just not with the same fine-grained range-sync, so
// dropping only costs a slightly larger sync, never correctness.
type DirtyRangeQueue struct {
	mu  sync.Mutex
	buf []DirtyRange
	cap int
}

// NewDirtyRangeQueue returns an empty queue with room for capacity entries.
func NewDirtyRangeQueue(capacity int) *DirtyRangeQueue {
	if capacity <= 0 {
		capacity = 4096
	}

	return &DirtyRangeQueue{cap: capacity}
}

// Enqueue records r, dropping the oldest entry first if the queue is
// already at capacity. Returns true if an entry was dropped.
func (q *DirtyRangeQueue) Enqueue(r DirtyRange) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := false

	if len(q.buf) >= q.cap {
		q.buf = q.buf[1:]
		dropped = true
	}

	q.buf = append(q.buf, r)

	return dropped
}

// DrainUpTo removes and flushes every entry with Generation <= generation,
// calling flush for each. Entries with a later generation are left in the
// queue for the next drain. Returns the number flushed; stops (returning
// the error) on the first flush failure, leaving the remaining matching
// entries in the queue for a later retry.
func (q *DirtyRangeQueue) DrainUpTo(generation uint64, flush func(DirtyRange) error) (int, error) {
	q.mu.Lock()
	var due, keep []DirtyRange

	for _, r := range q.buf {
		if r.Generation <= generation {
			due = append(due, r)
		} else {
			keep = append(keep, r)
		}
	}
	q.buf = keep
	q.mu.Unlock()

	flushed := 0

	for _, r := range due {
		if err := flush(r); err != nil {
			// Requeue everything from here on so a transient failure
			// doesn't silently skip a range.
			q.mu.Lock()
			q.buf = append(q.buf, due[flushed:]...)
			q.mu.Unlock()

			return flushed, err
		}

		flushed++
	}

	return flushed, nil
}

// Len reports the current number of queued ranges.
func (q *DirtyRangeQueue) Len() int {
	q.mu.Lock()
	n := len(q.buf)
	q.mu.Unlock()

	return n
}
