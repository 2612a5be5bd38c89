package rebuild

import (
	"sync"
	"time"

	"github.com/datacore-vvarakantham/nexus-core/device"
	"github.com/datacore-vvarakantham/nexus-core/iolog"
)

// BlockRange is a half-open [Start, End) range of block indices.
type BlockRange struct {
	Start uint64
	End   uint64
}

// Len returns the number of blocks covered by the range.
func (r BlockRange) Len() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// NexusHandle is held by a RebuildDescriptor purely to keep the parent
// nexus alive for the rebuild's duration (§5 "Resource discipline").
// Its only contract is that it can be released.
type NexusHandle interface {
	Release()
}

// Descriptor is the immutable per-job configuration (§3
// RebuildDescriptor): source/destination handles, segment size, byte
// range and an optional RebuildMap installable exactly once.
type Descriptor struct {
	SrcURI string
	DstURI string

	Range             BlockRange
	BlockLen          uint32
	SegmentSizeBlocks uint64

	SrcHandle device.BlockDeviceHandle
	DstHandle device.BlockDeviceHandle

	SrcDescriptor device.BlockDeviceDescriptor
	DstDescriptor device.BlockDeviceDescriptor

	Nexus NexusHandle

	StartTime time.Time

	mapMu sync.Mutex
	rmap  *iolog.RebuildMap
}

// SetRebuildMap installs m exactly once. Subsequent calls are no-ops —
// a rebuild map is fixed for the lifetime of a job once a client has
// supplied one.
func (d *Descriptor) SetRebuildMap(m *iolog.RebuildMap) {
	d.mapMu.Lock()
	defer d.mapMu.Unlock()
	if d.rmap == nil {
		d.rmap = m
	}
}

// RebuildMap returns the installed map, or nil if this is a full
// (non-partial) rebuild.
func (d *Descriptor) RebuildMap() *iolog.RebuildMap {
	d.mapMu.Lock()
	defer d.mapMu.Unlock()
	return d.rmap
}

// IsPartial reports whether a RebuildMap has been installed.
func (d *Descriptor) IsPartial() bool {
	return d.RebuildMap() != nil
}

// Release drops the descriptor's claims: unclaims both child
// descriptors and releases the parent nexus handle. Invoked once the
// backend is dropped, after final stats are recorded (§5).
func (d *Descriptor) Release() {
	if d.SrcDescriptor != nil {
		d.SrcDescriptor.Unclaim()
	}
	if d.DstDescriptor != nil {
		d.DstDescriptor.Unclaim()
	}
	if d.Nexus != nil {
		d.Nexus.Release()
	}
}
