// Package child implements the NexusChild state machine: opening,
// claiming, faulting, unplugging and destroying the block device
// backing one replica slot of a Nexus, plus the NVMe reservation
// protocol used to fence stale nexuses. See iolog for the companion
// dirty-segment bitmap used by partial rebuilds.
package child

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datacore-vvarakantham/nexus-core/config"
	"github.com/datacore-vvarakantham/nexus-core/device"
	"github.com/datacore-vvarakantham/nexus-core/internal/logging"
	"github.com/datacore-vvarakantham/nexus-core/internal/metrics"
	"github.com/datacore-vvarakantham/nexus-core/iolog"
)

// DeviceManager is the device-management collaborator (§6): it creates
// and destroys devices by URI and looks them up by name. A real
// implementation lives above this core (SPDK/bdev); it is consumed
// here through this narrow interface only.
type DeviceManager interface {
	Create(uri string) (name string, err error)
	Destroy(uri string) error
	Lookup(name string) (device.BlockDevice, bool)
}

// Params configures a new NexusChild.
type Params struct {
	URI        string
	ParentName string
	Device     device.BlockDevice // already created/looked-up by the caller
	DeviceMgr  DeviceManager       // used by Online to re-create a destroyed device

	SegmentSizeBlocks uint64 // must match the rebuild job's segment size
	Reservation       *ReservationConfig

	PersistentStore PersistentStoreGate
	Registry        *Registry
	Logger          *logging.Logger
	Metrics         *metrics.Metrics
}

// Child is a NexusChild: one replica slot of a Nexus.
type Child struct {
	uri        string
	parentName string

	dm                DeviceManager
	segmentSizeBlocks uint64
	reservation       *ReservationConfig

	registry *Registry
	log      *logging.Logger
	metrics  *metrics.Metrics

	state        atomic.Pointer[stateSnapshot]
	syncState    atomic.Int32
	destroyState atomic.Int32
	faultedAt    atomic.Pointer[time.Time]

	mu         sync.Mutex
	dev        device.BlockDevice
	descriptor device.BlockDeviceDescriptor
	ioLog      *iolog.IOLog
	removeChan chan struct{}
}

// New constructs a NexusChild in state Init. It panics if a persistent
// store is enabled but the URI carries no stable uuid — creating an
// unidentifiable child in that configuration is a programming error,
// not a runtime condition a caller can recover from (§6, §9).
func New(p Params) *Child {
	store := p.PersistentStore
	if store == nil {
		store = NoPersistentStore
	}
	if store.Enabled() {
		_, hasUUID, err := parseStableID(p.URI)
		if err != nil || !hasUUID {
			panic(fmt.Sprintf("child: uri %q has no uuid but a persistent store is enabled", p.URI))
		}
	}

	reg := p.Registry
	if reg == nil {
		reg = DefaultRegistry()
	}
	log := p.Logger
	if log == nil {
		log = logging.Default().With("child", p.URI)
	}

	segSize := p.SegmentSizeBlocks
	if segSize == 0 {
		segSize = 16 // 64KiB at 4096-byte blocks, matching the default rebuild segment.
	}

	c := &Child{
		uri:               p.URI,
		parentName:        p.ParentName,
		dm:                p.DeviceMgr,
		segmentSizeBlocks: segSize,
		reservation:       p.Reservation,
		registry:          reg,
		log:               log,
		metrics:           p.Metrics,
		dev:               p.Device,
		removeChan:        make(chan struct{}, 1),
	}
	c.state.Store(&stateSnapshot{state: StateInit})
	c.syncState.Store(int32(Synced))
	return c
}

func (c *Child) loadState() stateSnapshot {
	return *c.state.Load()
}

func (c *Child) storeState(s ChildState, reason FaultReason) {
	c.state.Store(&stateSnapshot{state: s, reason: reason})
}

func (c *Child) markFaultedAt() {
	if c.faultedAt.Load() != nil {
		return
	}
	now := time.Now()
	c.faultedAt.CompareAndSwap(nil, &now)
}

// URI returns the child's creation URI, its stable name.
func (c *Child) URI() string { return c.uri }

// State returns the internal ChildState.
func (c *Child) State() ChildState { return c.loadState().state }

// FaultReasonValue returns the current fault reason; only meaningful
// when State() == StateFaulted.
func (c *Child) FaultReasonValue() FaultReason { return c.loadState().reason }

// StateClient projects the client-visible state from the internal
// (state, descriptor-presence, sync-state) triple, per §3: a Faulted
// child that still owns a descriptor is Faulting; an Open child that
// is OutOfSync is reported as such; otherwise states project 1:1.
func (c *Child) StateClient() ClientState {
	snap := c.loadState()
	switch snap.state {
	case StateInit:
		return ClientInit
	case StateConfigInvalid:
		return ClientConfigInvalid
	case StateClosed:
		return ClientClosed
	case StateOpen:
		if c.SyncState() == OutOfSync {
			return ClientOutOfSync
		}
		return ClientOpen
	case StateFaulted:
		c.mu.Lock()
		hasDescriptor := c.descriptor != nil
		c.mu.Unlock()
		if hasDescriptor {
			return ClientFaulting
		}
		return ClientFaulted
	default:
		return ClientClosed
	}
}

func (c *Child) SyncState() ChildSyncState { return ChildSyncState(c.syncState.Load()) }

// FaultedAt returns the timestamp of the child's first transition into
// a Faulted state, or nil if it has never faulted.
func (c *Child) FaultedAt() *time.Time { return c.faultedAt.Load() }

func (c *Child) IsHealthy() bool {
	snap := c.loadState()
	return snap.state == StateOpen && c.SyncState() == Synced
}

func (c *Child) IsRebuilding() bool {
	snap := c.loadState()
	return snap.state == StateOpen && c.SyncState() == OutOfSync
}

// GetDevice returns the child's assigned BlockDevice, if any.
func (c *Child) GetDevice() (device.BlockDevice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dev, c.dev != nil
}

// IsLocal reports whether the child is backed by a local device, i.e.
// not a networked nvme namespace.
func (c *Child) IsLocal() bool {
	dev, ok := c.GetDevice()
	if !ok {
		return true
	}
	return dev.DriverName() != "nvme"
}

// GetIOHandle returns a blocking I/O handle on the claimed device.
func (c *Child) GetIOHandle() (device.BlockDeviceHandle, error) {
	c.mu.Lock()
	desc := c.descriptor
	c.mu.Unlock()
	if desc == nil {
		return nil, newError("get_io_handle", c.uri, CodeHandleCreate, "child has no descriptor")
	}
	h, err := desc.GetIOHandle()
	if err != nil {
		return nil, wrapError("get_io_handle", c.uri, CodeHandleCreate, err)
	}
	return h, nil
}

// GetIOHandleNonblock is the async variant of GetIOHandle.
func (c *Child) GetIOHandleNonblock(ctx context.Context) (device.BlockDeviceHandle, error) {
	c.mu.Lock()
	desc := c.descriptor
	c.mu.Unlock()
	if desc == nil {
		return nil, newError("get_io_handle_nonblock", c.uri, CodeHandleCreate, "child has no descriptor")
	}
	h, err := desc.GetIOHandleNonblock(ctx)
	if err != nil {
		return nil, wrapError("get_io_handle_nonblock", c.uri, CodeHandleCreate, err)
	}
	return h, nil
}

// Open claims the underlying device for I/O (§4.1).
func (c *Child) Open(parentSize uint64, sync ChildSyncState) (string, error) {
	if ChildDestroyState(c.destroyState.Load()) == Destroying {
		return "", newError("open", c.uri, CodeChildBeingDestroyed, "child is being destroyed")
	}

	snap := c.loadState()
	if snap.state == StateFaulted && !snap.reason.Recoverable() {
		return "", newError("open", c.uri, CodeChildFaulted, fmt.Sprintf("permanently faulted: %s", snap.reason))
	}
	if snap.state == StateOpen {
		c.mu.Lock()
		ok := c.dev != nil && c.descriptor != nil
		c.mu.Unlock()
		if !ok {
			panic("child: invariant violated, Open without device and descriptor")
		}
		return c.uri, nil
	}

	c.mu.Lock()
	dev := c.dev
	c.mu.Unlock()
	if dev == nil {
		return "", newError("open", c.uri, CodeOpenChild, "no device assigned")
	}

	childSize := dev.SizeInBytes()
	if parentSize > childSize {
		c.storeState(StateConfigInvalid, FaultUnknown)
		return "", &Error{
			Op: "open", URI: c.uri, Code: CodeChildTooSmall,
			Msg:        fmt.Sprintf("parent_size=%d child_size=%d", parentSize, childSize),
			ParentSize: parentSize, ChildSize: childSize,
		}
	}

	descriptor, err := dev.Open(true)
	if err != nil {
		c.storeState(StateFaulted, FaultCantOpen)
		c.markFaultedAt()
		if c.metrics != nil {
			c.metrics.RecordChildFault()
		}
		return "", wrapError("open", c.uri, CodeOpenChild, err)
	}

	c.mu.Lock()
	c.descriptor = descriptor
	c.mu.Unlock()
	descriptor.RegisterEventListener(func(ev device.EventType) {
		if ev == device.EventRemoved {
			c.Unplug()
		}
	})

	c.storeState(StateOpen, FaultUnknown)
	c.syncState.Store(int32(sync))
	if c.metrics != nil {
		c.metrics.RecordChildOpen()
	}
	return c.uri, nil
}

// Close tears the child down (§4.2): at most one destroy choreography
// runs at a time, and a successful return guarantees the underlying
// device removal has fully propagated.
func (c *Child) Close() error {
	if !c.destroyState.CompareAndSwap(int32(DestroyNone), int32(Destroying)) {
		c.log.Info("close observed a concurrent destroy in progress", "uri", c.uri)
		return nil
	}

	c.mu.Lock()
	dev := c.dev
	desc := c.descriptor
	c.mu.Unlock()

	if dev == nil {
		c.destroyState.Store(int32(DestroyNone))
		return nil
	}

	if desc != nil {
		desc.Unclaim()
	}

	wasInit := c.loadState().state == StateInit

	// A fresh channel per destroy cycle avoids a stale signal from an
	// earlier, unrelated hot-remove being consumed by this wait.
	myChan := make(chan struct{}, 1)
	c.mu.Lock()
	c.removeChan = myChan
	c.mu.Unlock()

	if c.dm != nil {
		if err := c.dm.Destroy(c.uri); err != nil {
			c.log.Warn("device destroy failed", "uri", c.uri, "error", err)
		}
	}

	if !wasInit {
		<-myChan
	}

	c.destroyState.Store(int32(DestroyNone))
	if c.metrics != nil {
		c.metrics.RecordChildClose()
	}
	return nil
}

// CloseFaulted closes the child (best-effort) and then marks it
// Faulted with reason.
func (c *Child) CloseFaulted(reason FaultReason) {
	_ = c.Close()
	c.storeState(StateFaulted, reason)
	c.markFaultedAt()
	if c.metrics != nil {
		c.metrics.RecordChildFault()
	}
}

// SetFaultedState unconditionally sets the fault reason.
func (c *Child) SetFaultedState(reason FaultReason) {
	c.storeState(StateFaulted, reason)
	c.markFaultedAt()
	if c.metrics != nil {
		c.metrics.RecordChildFault()
	}
}

// Unplug is the removal event handler (§4.3), invoked by the device
// layer when the underlying device is being torn down, whether for a
// programmed destroy or a hot-remove.
func (c *Child) Unplug() {
	c.mu.Lock()
	destroying := ChildDestroyState(c.destroyState.Load()) == Destroying
	if destroying {
		c.dev = nil
	}
	ch := c.removeChan
	c.mu.Unlock()

	if c.loadState().state == StateOpen {
		c.storeState(StateClosed, FaultUnknown)
	}

	snap := c.loadState()
	if !(snap.state == StateFaulted && snap.reason == FaultIoError) {
		if rec, ok := c.registry.Lookup(c.parentName); ok {
			rec.ReconfigureChild(c.uri, "ChildUnplug")
		}
	}

	if destroying {
		c.mu.Lock()
		c.descriptor = nil
		c.mu.Unlock()
	}

	select {
	case ch <- struct{}{}:
	default:
	}
}

// Online re-creates the underlying device and re-opens the child
// (§4.4). Onlined children are always OutOfSync and must be rebuilt
// before they serve reads.
func (c *Child) Online(parentSize uint64) (string, error) {
	snap := c.loadState()
	if snap.state == StateOpen || snap.state == StateInit {
		return "", newError("online", c.uri, CodeCannotOnlineChild, "nothing to do")
	}
	if ChildDestroyState(c.destroyState.Load()) == Destroying {
		return "", newError("online", c.uri, CodeChildBeingDestroyed, "child is being destroyed")
	}
	if snap.state == StateFaulted && !snap.reason.Recoverable() {
		return "", newError("online", c.uri, CodeCannotOnlineChild, "fault is not recoverable")
	}
	if c.dm == nil {
		return "", newError("online", c.uri, CodeChildInaccessible, "no device manager configured")
	}

	name, err := c.dm.Create(c.uri)
	if err != nil {
		return "", wrapError("online", c.uri, CodeChildInaccessible, err)
	}
	dev, ok := c.dm.Lookup(name)
	if !ok {
		return "", newError("online", c.uri, CodeChildInaccessible, "device absent immediately after create")
	}

	c.mu.Lock()
	c.dev = dev
	c.mu.Unlock()

	return c.Open(parentSize, OutOfSync)
}

// StartIOLog starts a dirty-segment log for this child, if eligible
// (§4.6): only a Synced child gets one, and the process-wide
// ENABLE_PARTIAL_REBUILD switch can disable log creation entirely.
func (c *Child) StartIOLog() bool {
	if !config.PartialRebuildEnabled() {
		return false
	}
	if c.SyncState() != Synced {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ioLog != nil {
		return true
	}
	if c.dev == nil {
		return false
	}
	c.ioLog = iolog.New(c.dev.DeviceName(), c.dev.NumBlocks(), c.dev.BlockLen(), c.segmentSizeBlocks)
	return true
}

// StopIOLog removes the log from the foreground path and returns its
// finalized RebuildMap, or nil if no log was running.
func (c *Child) StopIOLog() *iolog.RebuildMap {
	c.mu.Lock()
	log := c.ioLog
	c.ioLog = nil
	c.mu.Unlock()
	if log == nil {
		return nil
	}
	return log.Finalize()
}

// IOLogChannel returns a per-core marking handle, or nil if no log is
// running.
func (c *Child) IOLogChannel() *iolog.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ioLog == nil {
		return nil
	}
	return c.ioLog.CurrentChannel()
}

func (c *Child) HasIOLog() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ioLog != nil
}
