// Package device defines the BlockDevice abstraction consumed (never
// implemented) by the child and rebuild packages: a claimable block
// device with NVMe Persistent Reservation verbs and event subscription.
// The device-management collaborator that actually creates/destroys
// devices on a URI, and any real SPDK/bdev-backed implementation, live
// outside this core — see device/memdevice for the in-memory reference
// used by tests.
package device

import "context"

// EventType enumerates the removal-style events a BlockDeviceDescriptor
// can report to its registered listener.
type EventType int

const (
	// EventRemoved fires when the underlying device is torn down,
	// whether by a programmed destroy or a hot-remove.
	EventRemoved EventType = iota
)

// BlockDevice is the abstract block device backing a NexusChild. A
// BlockDevice is looked up or created by the device-management
// collaborator and opened exactly once per child.
type BlockDevice interface {
	// Open claims the device for I/O. readWrite selects O_RDWR vs.
	// read-only.
	Open(readWrite bool) (BlockDeviceDescriptor, error)
	SizeInBytes() uint64
	NumBlocks() uint64
	BlockLen() uint32
	DriverName() string
	DeviceName() string
}

// BlockDeviceDescriptor is a claim on an opened BlockDevice. Dropping
// (Unclaim-ing) it is what allows the underlying removal event chain
// to complete.
type BlockDeviceDescriptor interface {
	GetIOHandle() (BlockDeviceHandle, error)
	GetIOHandleNonblock(ctx context.Context) (BlockDeviceHandle, error)

	// Unclaim releases the claim without destroying the device. Safe
	// to call more than once.
	Unclaim()

	// RegisterEventListener arranges for fn to be invoked when the
	// device is removed; it returns an unregister function.
	RegisterEventListener(fn func(EventType)) (unregister func())
}

// DmaBuffer is a buffer suitable for zero-copy I/O against a
// BlockDeviceHandle. Reference implementations may back it with
// pinned/DMA-able memory; the in-memory test device uses a plain slice.
type DmaBuffer struct {
	Bytes []byte
}

// BlockDeviceHandle performs I/O and NVMe reservation verbs against a
// claimed device.
type BlockDeviceHandle interface {
	ReadAt(ctx context.Context, buf []byte, blk uint64) (int, error)
	WriteAt(ctx context.Context, buf []byte, blk uint64) (int, error)
	DmaMalloc(size uint32) (DmaBuffer, error)

	NvmeResvRegister(ctx context.Context, p ReservationRegisterParams) error
	NvmeResvAcquire(ctx context.Context, p ReservationAcquireParams) error
	NvmeResvRelease(ctx context.Context, p ReservationReleaseParams) error
	NvmeResvReport(ctx context.Context) (ReservationReport, error)

	// HostID returns this host's 16-byte NVMe host identifier.
	HostID() [16]byte
}
