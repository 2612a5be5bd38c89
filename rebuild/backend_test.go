package rebuild

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/datacore-vvarakantham/nexus-core/device/memdevice"
	"github.com/datacore-vvarakantham/nexus-core/internal/logging"
	"github.com/datacore-vvarakantham/nexus-core/iolog"
)

const testBlockLen = 4096

func newRebuildDevices(t *testing.T, numBlocks uint64) (*memdevice.Device, *memdevice.Device) {
	t.Helper()
	src := memdevice.New("src", numBlocks, testBlockLen)
	dst := memdevice.New("dst", numBlocks, testBlockLen)
	src.Fill(0xAA)
	return src, dst
}

func newTestBackend(t *testing.T, src, dst *memdevice.Device, rng BlockRange) (*Job, *Backend) {
	t.Helper()
	job, b, err := New(Config{
		NexusName: "nexus0",
		SrcURI:    "memory:///src",
		DstURI:    "memory:///dst",
		SrcDevice: src,
		DstDevice: dst,
		Range:     rng,
		Registry:  NewRegistry(),
	})
	require.NoError(t, err)
	return job, b
}

// TestHappyPathRebuild is §8 end-to-end scenario 1: a full rebuild
// copies the source byte-for-byte and reports 100% progress.
func TestHappyPathRebuild(t *testing.T) {
	src, dst := newRebuildDevices(t, 1024)
	job, b := newTestBackend(t, src, dst, BlockRange{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.NoError(t, job.Start())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("rebuild did not finish in time")
	}

	require.Equal(t, src.Bytes(), dst.Bytes())
}

// TestPartialRebuildFromLog is §8 end-to-end scenario 2: only dirty
// segments are transferred, but blocks_recovered still covers the
// whole range.
func TestPartialRebuildFromLog(t *testing.T) {
	src, dst := newRebuildDevices(t, 1024)
	job, b := newTestBackend(t, src, dst, BlockRange{})

	log := iolog.New("dst", 1024, testBlockLen, 16)
	ch := log.CurrentChannel()
	ch.MarkDirty(48)  // segment 3
	ch.MarkDirty(112) // segment 7
	rmap := log.Finalize()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.NoError(t, job.SetRebuildMap(rmap))
	require.NoError(t, job.Start())

	var stats Stats
	select {
	case stats = <-job.OnComplete():
	case <-time.After(5 * time.Second):
		t.Fatal("rebuild did not finish in time")
	}
	require.NoError(t, <-done)

	require.True(t, stats.IsPartial)
	require.EqualValues(t, 1024, stats.BlocksRecovered)
	require.EqualValues(t, 32, stats.BlocksTransferred)
	require.EqualValues(t, 100, stats.Progress)

	// Only the two dirty segments were actually written; the rest of
	// dst stays zeroed.
	require.Equal(t, byte(0xAA), dst.Bytes()[48*testBlockLen])
	require.Equal(t, byte(0xAA), dst.Bytes()[112*testBlockLen])
	require.Equal(t, byte(0), dst.Bytes()[0])
}

// TestEmptyRangeCompletesImmediately is the §8 boundary behavior:
// range.end == range.start starts no tasks and reaches Completed with
// nothing transferred.
func TestEmptyRangeCompletesImmediately(t *testing.T) {
	src, dst := newRebuildDevices(t, 1024)
	job, b := newTestBackend(t, src, dst, BlockRange{Start: 100, End: 100})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.NoError(t, job.Start())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("rebuild did not finish in time")
	}
}

// TestInvalidParametersOnBlockLenMismatch covers §4.8 construction
// validation.
func TestInvalidParametersOnBlockLenMismatch(t *testing.T) {
	src := memdevice.New("src", 256, 512)
	dst := memdevice.New("dst", 256, testBlockLen)

	_, _, err := New(Config{
		SrcURI: "memory:///src", DstURI: "memory:///dst",
		SrcDevice: src, DstDevice: dst,
		Registry: NewRegistry(),
	})
	require.Error(t, err)
	require.True(t, IsCode(err, CodeInvalidParameters))
}

// TestInvalidParametersOnRangeOutOfBounds covers §4.8 construction
// validation.
func TestInvalidParametersOnRangeOutOfBounds(t *testing.T) {
	src := memdevice.New("src", 256, testBlockLen)
	dst := memdevice.New("dst", 256, testBlockLen)

	_, _, err := New(Config{
		SrcURI: "memory:///src", DstURI: "memory:///dst",
		SrcDevice: src, DstDevice: dst,
		Range:    BlockRange{Start: 0, End: 512},
		Registry: NewRegistry(),
	})
	require.Error(t, err)
	require.True(t, IsCode(err, CodeInvalidParameters))
}

// TestStopDrainsAndReachesStopped covers §4.9 pausing/"at rest no I/O
// in flight" and §5 cancellation via Stop.
func TestStopDrainsAndReachesStopped(t *testing.T) {
	src, dst := newRebuildDevices(t, 4096)
	job, b := newTestBackend(t, src, dst, BlockRange{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.NoError(t, job.Start())
	require.NoError(t, job.Stop())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("backend did not stop in time")
	}
	require.Equal(t, StateStopped, job.State())
	require.EqualValues(t, 0, b.tasks.Active())
}

// TestPauseThenResume covers the Running -> Paused -> Running cycle
// (§4.7, §9 pending-state reconciler).
func TestPauseThenResume(t *testing.T) {
	src, dst := newRebuildDevices(t, 8192)
	job, b := newTestBackend(t, src, dst, BlockRange{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.NoError(t, job.Start())
	require.NoError(t, job.Pause())

	require.Eventually(t, func() bool {
		return job.State() == StatePaused
	}, 5*time.Second, time.Millisecond)
	require.EqualValues(t, 0, b.tasks.Active())

	require.NoError(t, job.Resume())
	require.NoError(t, job.Stop())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("backend did not reach a terminal state in time")
	}
}

// TestFrontendGoneFailsBackend covers §5/§7: dropping the frontend
// (closing the request channel) is observed as a failure.
func TestFrontendGoneFailsBackend(t *testing.T) {
	src, dst := newRebuildDevices(t, 256)
	job, b := newTestBackend(t, src, dst, BlockRange{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	job.Cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		require.True(t, IsCode(err, CodeFrontendGone))
	case <-time.After(5 * time.Second):
		t.Fatal("backend did not fail in time")
	}
}

// TestTaskIOErrorFailsJob covers §7 propagation: a task error
// transitions the job to Failed with the error retained. Failure
// injection at the Tasks level is exercised directly in
// tasks_test.go; this confirms the backend wires a failed TaskResult
// through to a terminal Failed state.
func TestTaskIOErrorFailsJob(t *testing.T) {
	desc := newTestDescriptor(t, 256, true)
	tasks, err := NewTasks(desc, 2, desc.SegmentSizeBlocks, desc.BlockLen, nil, nil)
	require.NoError(t, err)

	job := newJob("nexus0", desc.DstURI, 1)
	b := &Backend{
		nexusName: "nexus0",
		desc:      desc,
		tasks:     tasks,
		taskCount: 2,
		st:        newStates(),
		job:       job,
		registry:  NewRegistry(),
		log:       logging.Default(),
	}
	require.NoError(t, b.registry.register(job))
	b.next.Store(desc.Range.Start)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.NoError(t, job.Start())

	select {
	case err := <-done:
		require.Error(t, err)
		require.True(t, IsCode(err, CodeIoError))
	case <-time.After(5 * time.Second):
		t.Fatal("backend did not fail in time")
	}
	require.Equal(t, StateFailed, job.State())
}

// TestDuplicateRegistrationRejected covers the registry's "one rebuild
// per destination" rule.
func TestDuplicateRegistrationRejected(t *testing.T) {
	reg := NewRegistry()
	job1 := newJob("nexus0", "memory:///dst", 1)
	require.NoError(t, reg.register(job1))

	job2 := newJob("nexus0", "memory:///dst", 2)
	err := reg.register(job2)
	require.Error(t, err)
	require.True(t, IsCode(err, CodeAlreadyExists))

	_, ok := reg.Lookup("memory:///dst")
	require.True(t, ok)
}
