// Package iolog implements the per-child dirty-segment bitmap used to
// record write-intent during a transient child outage, and the
// RebuildMap finalize() produces for a subsequent partial rebuild.
package iolog

import "sync/atomic"

// IOLog is a segment-granularity bitmap over a child's block range.
// Segment size must match the rebuild job's segment size so a
// RebuildMap produced here lines up with the rebuild task pool's
// scheduling.
type IOLog struct {
	deviceName        string
	numBlocks         uint64
	blockSize         uint32
	segmentSizeBlocks uint64
	numSegments       uint64
	dirty             []atomic.Bool
}

// New creates a segment bitmap sized to cover numBlocks blocks of
// blockSize bytes, grouped into segments of segmentSizeBlocks blocks.
func New(deviceName string, numBlocks uint64, blockSize uint32, segmentSizeBlocks uint64) *IOLog {
	numSegments := (numBlocks + segmentSizeBlocks - 1) / segmentSizeBlocks
	return &IOLog{
		deviceName:        deviceName,
		numBlocks:         numBlocks,
		blockSize:         blockSize,
		segmentSizeBlocks: segmentSizeBlocks,
		numSegments:       numSegments,
		dirty:             make([]atomic.Bool, numSegments),
	}
}

// Channel is a per-core handle onto the log's dirty bitmap. Each core
// handling a foreground write obtains its own Channel and marks
// segments without contending with peer cores — every Channel shares
// the same underlying atomics, so marks made on any channel are
// visible to Finalize once the log is pulled from the foreground path.
type Channel struct {
	log *IOLog
}

// CurrentChannel returns a per-core view onto the log for lock-free
// marking from the write path.
func (l *IOLog) CurrentChannel() *Channel {
	return &Channel{log: l}
}

// MarkDirty marks the segment covering blk as dirty. Safe to call
// concurrently from any number of channels.
func (c *Channel) MarkDirty(blk uint64) {
	seg := blk / c.log.segmentSizeBlocks
	if seg >= uint64(len(c.log.dirty)) {
		return
	}
	c.log.dirty[seg].Store(true)
}

// MarkRangeDirty marks every segment touching [blk, blk+numBlocks).
func (c *Channel) MarkRangeDirty(blk, numBlocks uint64) {
	if numBlocks == 0 {
		return
	}
	first := blk / c.log.segmentSizeBlocks
	last := (blk + numBlocks - 1) / c.log.segmentSizeBlocks
	for seg := first; seg <= last && seg < uint64(len(c.log.dirty)); seg++ {
		c.log.dirty[seg].Store(true)
	}
}

// Finalize snapshots the current dirty bitmap into an immutable
// RebuildMap. Must be called after the log has been removed from the
// foreground write path, so no further marks race the snapshot.
func (l *IOLog) Finalize() *RebuildMap {
	dirty := make([]bool, len(l.dirty))
	for i := range l.dirty {
		dirty[i] = l.dirty[i].Load()
	}
	return &RebuildMap{
		segmentSizeBlocks: l.segmentSizeBlocks,
		numBlocks:         l.numBlocks,
		dirty:             dirty,
	}
}

// RebuildMap is an immutable dirty-segment snapshot used to skip clean
// regions during a partial rebuild.
type RebuildMap struct {
	segmentSizeBlocks uint64
	numBlocks         uint64
	dirty             []bool
}

// SegmentSizeBlocks returns the segment granularity the map was built
// with; a rebuild job installing this map must schedule at the same
// granularity.
func (m *RebuildMap) SegmentSizeBlocks() uint64 { return m.segmentSizeBlocks }

// IsClean reports whether the segment covering blk carries no pending
// write-intent, i.e. a rebuild task may skip it.
func (m *RebuildMap) IsClean(blk uint64) bool {
	seg := blk / m.segmentSizeBlocks
	if seg >= uint64(len(m.dirty)) {
		return true
	}
	return !m.dirty[seg]
}

// CountDirtyBlocks returns the total number of blocks covered by dirty
// segments, clamped to the map's block range — the source of
// RebuildStats.blocks_remaining for a partial rebuild.
func (m *RebuildMap) CountDirtyBlocks() uint64 {
	var blocks uint64
	for i, d := range m.dirty {
		if !d {
			continue
		}
		segStart := uint64(i) * m.segmentSizeBlocks
		segEnd := segStart + m.segmentSizeBlocks
		if segEnd > m.numBlocks {
			segEnd = m.numBlocks
		}
		if segEnd > segStart {
			blocks += segEnd - segStart
		}
	}
	return blocks
}

// Empty reports whether no segment was ever marked dirty.
func (m *RebuildMap) Empty() bool {
	for _, d := range m.dirty {
		if d {
			return false
		}
	}
	return true
}
