package child

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datacore-vvarakantham/nexus-core/device"
	"github.com/datacore-vvarakantham/nexus-core/device/memdevice"
)

const testBlockLen = 4096

func newTestChild(t *testing.T, numBlocks uint64) (*Child, *memdevice.Device) {
	t.Helper()
	dev := memdevice.New("child0", numBlocks, testBlockLen)
	c := New(Params{
		URI:               "memory:///child0?uuid=11111111-1111-1111-1111-111111111111",
		ParentName:        "nexus0",
		Device:            dev,
		SegmentSizeBlocks: 16,
	})
	return c, dev
}

func TestOpenSucceedsWhenParentFitsChild(t *testing.T) {
	c, dev := newTestChild(t, 256)

	uri, err := c.Open(dev.SizeInBytes(), Synced)
	require.NoError(t, err)
	require.Equal(t, c.URI(), uri)
	require.Equal(t, StateOpen, c.State())
	require.Equal(t, Synced, c.SyncState())
}

func TestOpenIsIdempotent(t *testing.T) {
	c, dev := newTestChild(t, 256)

	_, err := c.Open(dev.SizeInBytes(), Synced)
	require.NoError(t, err)

	uri, err := c.Open(dev.SizeInBytes(), Synced)
	require.NoError(t, err)
	require.Equal(t, c.URI(), uri)
}

func TestOpenFailsWhenParentExceedsChildSize(t *testing.T) {
	c, dev := newTestChild(t, 256)
	parentSize := dev.SizeInBytes() + uint64(testBlockLen)

	_, err := c.Open(parentSize, Synced)
	require.Error(t, err)
	require.True(t, IsCode(err, CodeChildTooSmall))
	require.Equal(t, StateConfigInvalid, c.State())
}

func TestOpenExactSizeMatchSucceeds(t *testing.T) {
	c, dev := newTestChild(t, 256)

	_, err := c.Open(dev.SizeInBytes(), Synced)
	require.NoError(t, err)
	require.Equal(t, StateOpen, c.State())
}

func TestCloseOnNeverOpenedChildIsNoop(t *testing.T) {
	c, _ := newTestChild(t, 256)
	require.NoError(t, c.Close())
	require.Equal(t, StateInit, c.State())
}

func TestCloseAfterOpenRendezvousesWithUnplug(t *testing.T) {
	dev := memdevice.New("child0", 256, testBlockLen)
	dm := newFakeDeviceManager(dev)
	c := New(Params{
		URI:               "memory:///child0?uuid=44444444-4444-4444-4444-444444444444",
		ParentName:        "nexus0",
		Device:            dev,
		DeviceMgr:         dm,
		SegmentSizeBlocks: 16,
	})
	// A real device-management collaborator tears the device down
	// asynchronously and signals removal through the descriptor's event
	// listener; the fake stands in for that by calling Unplug directly
	// once Destroy is issued.
	dm.onDestroy = c.Unplug

	_, err := c.Open(dev.SizeInBytes(), Synced)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.Equal(t, StateClosed, c.State())

	gotDev, ok := c.GetDevice()
	require.False(t, ok)
	require.Nil(t, gotDev)
}

func TestHotRemoveClosesOpenChildButKeepsDevice(t *testing.T) {
	c, dev := newTestChild(t, 256)

	_, err := c.Open(dev.SizeInBytes(), Synced)
	require.NoError(t, err)

	c.Unplug()

	require.Equal(t, StateClosed, c.State())
	gotDev, ok := c.GetDevice()
	require.True(t, ok)
	require.NotNil(t, gotDev)
}

func closedChildWithManager(t *testing.T) (*Child, *memdevice.Device, *fakeDeviceManager) {
	t.Helper()
	dev := memdevice.New("child0", 256, testBlockLen)
	dm := newFakeDeviceManager(dev)
	c := New(Params{
		URI:               "memory:///child0?uuid=22222222-2222-2222-2222-222222222222",
		ParentName:        "nexus0",
		Device:            dev,
		DeviceMgr:         dm,
		SegmentSizeBlocks: 16,
	})
	dm.onDestroy = c.Unplug

	_, err := c.Open(dev.SizeInBytes(), Synced)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.Equal(t, StateClosed, c.State())
	return c, dev, dm
}

func TestOnlineReopensAndMarksOutOfSync(t *testing.T) {
	c, dev, _ := closedChildWithManager(t)

	_, err := c.Online(dev.SizeInBytes())
	require.NoError(t, err)
	require.Equal(t, StateOpen, c.State())
	require.Equal(t, OutOfSync, c.SyncState())
	require.Equal(t, ClientOutOfSync, c.StateClient())
}

func TestIOLogLifecycle(t *testing.T) {
	c, dev := newTestChild(t, 256)
	_, err := c.Open(dev.SizeInBytes(), Synced)
	require.NoError(t, err)

	require.True(t, c.StartIOLog())
	require.True(t, c.HasIOLog())

	ch := c.IOLogChannel()
	require.NotNil(t, ch)
	ch.MarkDirty(5)

	m := c.StopIOLog()
	require.NotNil(t, m)
	require.False(t, c.HasIOLog())
	require.False(t, m.IsClean(5))
}

func TestIOLogNotStartedWhenOutOfSync(t *testing.T) {
	c, dev, _ := closedChildWithManager(t)
	_, err := c.Online(dev.SizeInBytes())
	require.NoError(t, err)

	require.False(t, c.StartIOLog())
}

func TestConstructorPanicsWithoutUUIDWhenPersistentStoreEnabled(t *testing.T) {
	dev := memdevice.New("child0", 256, testBlockLen)
	require.Panics(t, func() {
		New(Params{
			URI:             "memory:///child0",
			ParentName:      "nexus0",
			Device:          dev,
			PersistentStore: alwaysEnabled{},
		})
	})
}

type alwaysEnabled struct{}

func (alwaysEnabled) Enabled() bool { return true }

// fakeDeviceManager simulates the device-management collaborator: Create
// returns the device's stable name (creating it if necessary stands in
// for a real bdev create call), and Destroy invokes the onDestroy
// callback, which tests set to the child's Unplug in place of the
// removal event a real teardown would raise.
type fakeDeviceManager struct {
	dev       *memdevice.Device
	onDestroy func()
}

func newFakeDeviceManager(dev *memdevice.Device) *fakeDeviceManager {
	return &fakeDeviceManager{dev: dev}
}

func (f *fakeDeviceManager) Create(uri string) (string, error) {
	return f.dev.DeviceName(), nil
}

func (f *fakeDeviceManager) Destroy(uri string) error {
	if f.onDestroy != nil {
		f.onDestroy()
	}
	return nil
}

func (f *fakeDeviceManager) Lookup(name string) (device.BlockDevice, bool) {
	if name != f.dev.DeviceName() {
		return nil, false
	}
	return f.dev, true
}
