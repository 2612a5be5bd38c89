package rebuild

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datacore-vvarakantham/nexus-core/device"
	"github.com/datacore-vvarakantham/nexus-core/device/memdevice"
	"github.com/datacore-vvarakantham/nexus-core/iolog"
)

// failingHandle wraps a real BlockDeviceHandle and forces WriteAt to
// fail, to exercise the task pool's I/O error propagation path without
// needing a real faulty device.
type failingHandle struct {
	device.BlockDeviceHandle
}

func (f *failingHandle) WriteAt(ctx context.Context, buf []byte, blk uint64) (int, error) {
	return 0, errors.New("simulated write failure")
}

func newTestDescriptor(t *testing.T, numBlocks uint64, failWrites bool) *Descriptor {
	t.Helper()
	src := memdevice.New("src", numBlocks, testBlockLen)
	dst := memdevice.New("dst", numBlocks, testBlockLen)
	src.Fill(0xAA)

	srcDesc, err := src.Open(false)
	require.NoError(t, err)
	dstDesc, err := dst.Open(true)
	require.NoError(t, err)

	srcHandle, err := srcDesc.GetIOHandle()
	require.NoError(t, err)
	dstHandle, err := dstDesc.GetIOHandle()
	require.NoError(t, err)

	if failWrites {
		dstHandle = &failingHandle{BlockDeviceHandle: dstHandle}
	}

	return &Descriptor{
		SrcURI:            "memory:///src",
		DstURI:            "memory:///dst",
		Range:             BlockRange{Start: 0, End: numBlocks},
		BlockLen:          testBlockLen,
		SegmentSizeBlocks: 16,
		SrcHandle:         srcHandle,
		DstHandle:         dstHandle,
		SrcDescriptor:     srcDesc,
		DstDescriptor:     dstDesc,
	}
}

func TestTasksTransferSegment(t *testing.T) {
	desc := newTestDescriptor(t, 64, false)
	tasks, err := NewTasks(desc, 2, desc.SegmentSizeBlocks, desc.BlockLen, nil, nil)
	require.NoError(t, err)

	tasks.Dispatch(context.Background(), 0)
	res := <-tasks.ResultCh()
	require.NoError(t, res.Error)
	require.EqualValues(t, 1, tasks.SegmentsDone())
	require.EqualValues(t, 1, tasks.SegmentsTransferred())
}

func TestTasksSkipCleanSegmentViaRebuildMap(t *testing.T) {
	desc := newTestDescriptor(t, 64, false)
	log := iolog.New("dst", 64, testBlockLen, 16)
	// No segments marked dirty: every segment is clean.
	desc.SetRebuildMap(log.Finalize())

	tasks, err := NewTasks(desc, 1, desc.SegmentSizeBlocks, desc.BlockLen, nil, nil)
	require.NoError(t, err)

	tasks.Dispatch(context.Background(), 0)
	res := <-tasks.ResultCh()
	require.NoError(t, res.Error)
	require.EqualValues(t, 1, tasks.SegmentsDone())
	require.EqualValues(t, 0, tasks.SegmentsTransferred())
}

func TestTasksSurfaceWriteError(t *testing.T) {
	desc := newTestDescriptor(t, 64, true)
	tasks, err := NewTasks(desc, 1, desc.SegmentSizeBlocks, desc.BlockLen, nil, nil)
	require.NoError(t, err)

	tasks.Dispatch(context.Background(), 0)
	res := <-tasks.ResultCh()
	require.Error(t, res.Error)
	require.True(t, IsCode(res.Error, CodeIoError))
	require.EqualValues(t, 1, tasks.SegmentsDone())
	require.EqualValues(t, 0, tasks.SegmentsTransferred())
}

func TestTasksClampLastSegment(t *testing.T) {
	desc := newTestDescriptor(t, 20, false) // not a multiple of segment size (16)
	tasks, err := NewTasks(desc, 1, desc.SegmentSizeBlocks, desc.BlockLen, nil, nil)
	require.NoError(t, err)

	tasks.Dispatch(context.Background(), 16) // last 4 blocks only
	res := <-tasks.ResultCh()
	require.NoError(t, res.Error)
}

func TestTasksDrainWaitsForInFlight(t *testing.T) {
	desc := newTestDescriptor(t, 64, false)
	tasks, err := NewTasks(desc, 2, desc.SegmentSizeBlocks, desc.BlockLen, nil, nil)
	require.NoError(t, err)

	tasks.Dispatch(context.Background(), 0)
	tasks.Dispatch(context.Background(), 16)
	<-tasks.ResultCh()
	<-tasks.ResultCh()
	tasks.Drain()
	require.EqualValues(t, 0, tasks.Active())
}
