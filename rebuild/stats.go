package rebuild

import "time"

// Stats is the client-visible snapshot of a rebuild job's progress
// (§4.10).
type Stats struct {
	StartTime         time.Time
	IsPartial         bool
	BlocksTotal       uint64
	BlocksRecovered   uint64
	BlocksTransferred uint64
	BlocksRemaining   uint64
	Progress          uint64
	BlocksPerTask     uint64
	BlockSize         uint32
	TasksTotal        int
	TasksActive       int64
}

// min64 is a small local helper; math.Min operates on float64 and
// would round-trip large block counts imprecisely.
func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// computeStats derives a Stats snapshot from the descriptor and task
// pool counters per the derivation rules in §4.10.
func computeStats(desc *Descriptor, tasks *Tasks, tasksTotal int) Stats {
	blocksTotal := desc.Range.Len()
	segSize := desc.SegmentSizeBlocks

	blocksRecovered := min64(tasks.SegmentsDone()*segSize, blocksTotal)
	blocksTransferred := min64(tasks.SegmentsTransferred()*segSize, blocksTotal)

	rmap := desc.RebuildMap()

	var blocksRemaining uint64
	switch {
	case rmap != nil:
		// A partial rebuild targets only the blocks the IO log marked
		// dirty, and only those are transferred (clean segments are
		// skipped), so remaining is the dirty count less what has been
		// transferred, reaching 0 once every dirty segment is copied.
		if dirty := rmap.CountDirtyBlocks(); dirty > blocksTransferred {
			blocksRemaining = dirty - blocksTransferred
		}
	case blocksRecovered < blocksTotal:
		blocksRemaining = blocksTotal - blocksRecovered
	}

	var progress uint64
	if blocksTotal > 0 {
		progress = (blocksRecovered * 100) / blocksTotal
	}
	if progress >= 100 && blocksRemaining != 0 {
		// Clamp rather than assert-and-panic in production code; the
		// invariant this guards (§8.4) is exercised directly in tests.
		progress = 99
	}

	return Stats{
		StartTime:         desc.StartTime,
		IsPartial:         rmap != nil,
		BlocksTotal:       blocksTotal,
		BlocksRecovered:   blocksRecovered,
		BlocksTransferred: blocksTransferred,
		BlocksRemaining:   blocksRemaining,
		Progress:          progress,
		BlocksPerTask:     segSize,
		BlockSize:         desc.BlockLen,
		TasksTotal:        tasksTotal,
		TasksActive:       tasks.Active(),
	}
}
