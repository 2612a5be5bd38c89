package iolog

import "testing"

func TestStartStopQuiescentYieldsEmptyMap(t *testing.T) {
	log := New("child0", 1024, 4096, 16)
	m := log.Finalize()
	if !m.Empty() {
		t.Error("expected an empty RebuildMap from a quiescent log")
	}
	if m.CountDirtyBlocks() != 0 {
		t.Errorf("CountDirtyBlocks() = %d, want 0", m.CountDirtyBlocks())
	}
}

func TestMarkDirtyThenFinalize(t *testing.T) {
	log := New("child1", 1024, 4096, 16) // 64 segments
	ch := log.CurrentChannel()
	ch.MarkDirty(48)  // segment 3
	ch.MarkDirty(112) // segment 7

	m := log.Finalize()
	if m.IsClean(48) {
		t.Error("segment covering block 48 should be dirty")
	}
	if m.IsClean(112) {
		t.Error("segment covering block 112 should be dirty")
	}
	if !m.IsClean(0) {
		t.Error("segment covering block 0 should remain clean")
	}
	if got, want := m.CountDirtyBlocks(), uint64(32); got != want {
		t.Errorf("CountDirtyBlocks() = %d, want %d", got, want)
	}
}

func TestMarkRangeDirtySpanningSegments(t *testing.T) {
	log := New("child2", 64, 4096, 16) // 4 segments of 16 blocks
	ch := log.CurrentChannel()
	ch.MarkRangeDirty(10, 10) // blocks [10,20) -> segments 0 and 1

	m := log.Finalize()
	if m.IsClean(5) {
		t.Error("segment 0 covers block 5, expected dirty")
	}
	if m.IsClean(17) {
		t.Error("segment 1 covers block 17, expected dirty")
	}
	if !m.IsClean(48) {
		t.Error("segment 3 untouched, expected clean")
	}
}

func TestFinalizeClampsLastSegmentToDeviceSize(t *testing.T) {
	// 10 blocks, segment size 16: a single, partially-filled segment.
	log := New("child3", 10, 4096, 16)
	ch := log.CurrentChannel()
	ch.MarkDirty(0)
	m := log.Finalize()
	if got, want := m.CountDirtyBlocks(), uint64(10); got != want {
		t.Errorf("CountDirtyBlocks() = %d, want %d (clamped to device size)", got, want)
	}
}

func TestMarkDirtyBeyondRangeIsIgnored(t *testing.T) {
	log := New("child4", 16, 4096, 16) // exactly 1 segment
	ch := log.CurrentChannel()
	ch.MarkDirty(1000) // segment index out of range

	m := log.Finalize()
	if !m.Empty() {
		t.Error("marking an out-of-range block must not affect the map")
	}
}
