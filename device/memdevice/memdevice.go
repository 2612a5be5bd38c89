// Package memdevice provides an in-memory, sharded-locking reference
// implementation of device.BlockDevice, including a simulated NVMe
// Persistent Reservation registry. It is the test and example
// collaborator for the child and rebuild packages — never a production
// backend.
package memdevice

import (
	"context"
	"sync"

	"github.com/datacore-vvarakantham/nexus-core/device"
	"github.com/datacore-vvarakantham/nexus-core/nvme"
)

// ShardSize is the size of each memory shard (64KiB), the same
// granularity the teacher's in-memory backend shards at to allow
// parallel I/O from multiple concurrent rebuild tasks without a single
// whole-device lock.
const ShardSize = 64 * 1024

// Device is an in-memory BlockDevice. The zero value is not usable;
// construct with New.
type Device struct {
	name     string
	blockLen uint32
	numBlocks uint64

	data   []byte
	shards []sync.RWMutex

	mu       sync.Mutex
	open     bool
	resv     *reservationState

	// ReservationsSupported, when false, makes every NVMe verb return
	// device.CodeNotSupported — exercising the reservation protocol's
	// skip-success path.
	ReservationsSupported bool
}

// New creates an in-memory device of numBlocks blocks of blockLen
// bytes each, zero-filled.
func New(name string, numBlocks uint64, blockLen uint32) *Device {
	size := numBlocks * uint64(blockLen)
	numShards := (size + ShardSize - 1) / ShardSize
	if numShards == 0 {
		numShards = 1
	}
	return &Device{
		name:                  name,
		blockLen:              blockLen,
		numBlocks:             numBlocks,
		data:                  make([]byte, size),
		shards:                make([]sync.RWMutex, numShards),
		resv:                  newReservationState(),
		ReservationsSupported: true,
	}
}

// Fill sets every byte of the device to b, bypassing locking; intended
// for test setup only.
func (d *Device) Fill(b byte) {
	for i := range d.data {
		d.data[i] = b
	}
}

// Bytes returns a read-only view of the device's backing storage, for
// test assertions.
func (d *Device) Bytes() []byte { return d.data }

func (d *Device) SizeInBytes() uint64 { return uint64(len(d.data)) }
func (d *Device) NumBlocks() uint64   { return d.numBlocks }
func (d *Device) BlockLen() uint32    { return d.blockLen }
func (d *Device) DriverName() string  { return "memory" }
func (d *Device) DeviceName() string  { return d.name }

// Open claims the device, returning a descriptor. readWrite is
// accepted for interface symmetry; the in-memory device always allows
// both directions.
func (d *Device) Open(readWrite bool) (device.BlockDeviceDescriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return nil, device.NewError("Open", device.CodeBusy, "device already open")
	}
	d.open = true
	return &descriptor{dev: d}, nil
}

func (d *Device) shardRange(off, length uint64) (start, end int) {
	start = int(off / ShardSize)
	end = int((off + length - 1) / ShardSize)
	if end >= len(d.shards) {
		end = len(d.shards) - 1
	}
	return start, end
}

func (d *Device) readAt(p []byte, byteOff uint64) (int, error) {
	if byteOff >= uint64(len(d.data)) {
		return 0, nil
	}
	available := uint64(len(d.data)) - byteOff
	if uint64(len(p)) > available {
		p = p[:available]
	}
	start, end := d.shardRange(byteOff, uint64(len(p)))
	for i := start; i <= end; i++ {
		d.shards[i].RLock()
	}
	n := copy(p, d.data[byteOff:byteOff+uint64(len(p))])
	for i := start; i <= end; i++ {
		d.shards[i].RUnlock()
	}
	return n, nil
}

func (d *Device) writeAt(p []byte, byteOff uint64) (int, error) {
	if byteOff >= uint64(len(d.data)) {
		return 0, device.NewError("WriteAt", device.CodeInvalidParameters, "write beyond end of device")
	}
	available := uint64(len(d.data)) - byteOff
	if uint64(len(p)) > available {
		p = p[:available]
	}
	start, end := d.shardRange(byteOff, uint64(len(p)))
	for i := start; i <= end; i++ {
		d.shards[i].Lock()
	}
	n := copy(d.data[byteOff:byteOff+uint64(len(p))], p)
	for i := start; i <= end; i++ {
		d.shards[i].Unlock()
	}
	return n, nil
}

// descriptor is a claim on a Device.
type descriptor struct {
	dev *Device

	mu        sync.Mutex
	unclaimed bool
	listeners []func(device.EventType)
}

func (desc *descriptor) GetIOHandle() (device.BlockDeviceHandle, error) {
	return &handle{dev: desc.dev, hostID: defaultHostID}, nil
}

func (desc *descriptor) GetIOHandleNonblock(ctx context.Context) (device.BlockDeviceHandle, error) {
	return desc.GetIOHandle()
}

func (desc *descriptor) Unclaim() {
	desc.mu.Lock()
	defer desc.mu.Unlock()
	desc.unclaimed = true
	desc.dev.mu.Lock()
	desc.dev.open = false
	desc.dev.mu.Unlock()
}

func (desc *descriptor) RegisterEventListener(fn func(device.EventType)) func() {
	desc.mu.Lock()
	defer desc.mu.Unlock()
	idx := len(desc.listeners)
	desc.listeners = append(desc.listeners, fn)
	return func() {
		desc.mu.Lock()
		defer desc.mu.Unlock()
		if idx < len(desc.listeners) {
			desc.listeners[idx] = nil
		}
	}
}

// NotifyRemoved invokes every registered listener with EventRemoved,
// simulating the device-management collaborator tearing the device
// down (a programmed destroy or a hot-remove).
func (desc *descriptor) NotifyRemoved() {
	desc.mu.Lock()
	listeners := append([]func(device.EventType){}, desc.listeners...)
	desc.mu.Unlock()
	for _, fn := range listeners {
		if fn != nil {
			fn(device.EventRemoved)
		}
	}
}

// defaultHostID is the simulated identity of the local host for tests
// that don't care about multi-host scenarios.
var defaultHostID = [16]byte{0xde, 0xad, 0xbe, 0xef}

// handle is a BlockDeviceHandle bound to a particular simulated host
// identity, so tests can exercise foreign-host reservation scenarios
// by constructing handles with distinct hostIDs via WithHostID.
type handle struct {
	dev    *Device
	hostID [16]byte
}

// WithHostID returns a handle to the same device under a different
// simulated NVMe host identifier, for reservation tests involving more
// than one host.
func WithHostID(h device.BlockDeviceHandle, hostID [16]byte) device.BlockDeviceHandle {
	mh := h.(*handle)
	return &handle{dev: mh.dev, hostID: hostID}
}

func (h *handle) ReadAt(ctx context.Context, buf []byte, blk uint64) (int, error) {
	return h.dev.readAt(buf, blk*uint64(h.dev.blockLen))
}

func (h *handle) WriteAt(ctx context.Context, buf []byte, blk uint64) (int, error) {
	return h.dev.writeAt(buf, blk*uint64(h.dev.blockLen))
}

func (h *handle) DmaMalloc(size uint32) (device.DmaBuffer, error) {
	return device.DmaBuffer{Bytes: make([]byte, size)}, nil
}

func (h *handle) HostID() [16]byte { return h.hostID }

func (h *handle) notSupportedErr(op string) error {
	return device.NewError(op, device.CodeNotSupported, "reservations not supported")
}

func (h *handle) NvmeResvRegister(ctx context.Context, p device.ReservationRegisterParams) error {
	if !h.dev.ReservationsSupported {
		return h.notSupportedErr("NvmeResvRegister")
	}
	h.dev.resv.register(h.hostID, p.NewKey)
	return nil
}

func (h *handle) NvmeResvAcquire(ctx context.Context, p device.ReservationAcquireParams) error {
	if !h.dev.ReservationsSupported {
		return h.notSupportedErr("NvmeResvAcquire")
	}
	return h.dev.resv.acquire(h.hostID, p)
}

func (h *handle) NvmeResvRelease(ctx context.Context, p device.ReservationReleaseParams) error {
	if !h.dev.ReservationsSupported {
		return h.notSupportedErr("NvmeResvRelease")
	}
	h.dev.resv.release(h.hostID, p)
	return nil
}

func (h *handle) NvmeResvReport(ctx context.Context) (device.ReservationReport, error) {
	if !h.dev.ReservationsSupported {
		return nvme.ReservationStatusExtendedData{}, h.notSupportedErr("NvmeResvReport")
	}
	return h.dev.resv.report(), nil
}

var (
	_ device.BlockDevice           = (*Device)(nil)
	_ device.BlockDeviceDescriptor = (*descriptor)(nil)
	_ device.BlockDeviceHandle     = (*handle)(nil)
)
