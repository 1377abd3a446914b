package otcore

// Reclaimer drives [ObjectTable.ReclaimBeforeEpoch] from the process-wide
// minimum active epoch, per §4.2/§4.11. It is invoked periodically by the
// coordinator, not on its own timer — reclaim piggybacks on the same
// quantum that decides checkpoint/rotation actions.
type Reclaimer struct {
	table *ObjectTable
	mvcc  *MVCC
	alloc *SegmentAllocator
	metrics *Metrics
}

// NewReclaimer wires a Reclaimer over table/mvcc/alloc. metrics may be nil.
func NewReclaimer(table *ObjectTable, mvcc *MVCC, alloc *SegmentAllocator, metrics *Metrics) *Reclaimer {
	return &Reclaimer{table: table, mvcc: mvcc, alloc: alloc, metrics: metrics}
}

// RunOnce reclaims every retired handle no longer visible to any pinned
// reader and returns how many it reclaimed. If the MVCC context has never
// advanced past epoch 0, [MVCC.MinActiveEpoch] still returns the current
// (zero) global epoch, and nothing is ever below it, so this is always
// safe to call even before the first writer starts.
func (r *Reclaimer) RunOnce() int {
	minActive := r.mvcc.MinActiveEpoch()

	var freeFn func(uint8, Addr)
	if r.alloc != nil {
		freeFn = r.alloc.Free
	}

	n := r.table.ReclaimBeforeEpoch(minActive, freeFn)

	if r.metrics != nil && n > 0 {
		r.metrics.Reclaims.Add(float64(n))
	}

	return n
}
