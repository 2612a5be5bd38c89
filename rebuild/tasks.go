package rebuild

import (
	"context"

	"golang.org/x/sync/errgroup"

	"sync/atomic"

	"github.com/datacore-vvarakantham/nexus-core/internal/logging"
	"github.com/datacore-vvarakantham/nexus-core/internal/metrics"
)

// DefaultSegmentSize is the shared copy-unit size in bytes (§4.6,
// §4.8): 64KiB, matching the IOLog's default segment granularity so a
// RebuildMap installed on a job lines up with the task pool's
// scheduling.
const DefaultSegmentSize = 64 * 1024

// SegmentTasks is the fixed size of the concurrent copy-worker pool
// (§4.9).
const SegmentTasks = 4

// TaskResult is posted by a copy task on completion (success, clean
// skip, or I/O error) to the backend's single completion channel.
type TaskResult struct {
	ID    int
	Blk   uint64
	Error error
}

// taskSlot owns one reusable DMA buffer, checked out by Dispatch and
// returned to the free list when the segment finishes. Slots are
// allocated once at pool construction and never reallocated, so the
// hot path never churns memory (§5 "Resource discipline").
type taskSlot struct {
	id  int
	buf []byte
}

// Tasks is the fixed-size pool of concurrent copy workers sharing a
// single completion channel (§4.9, component E). Concurrency is
// bounded by the size of the slot free-list: Dispatch blocks until a
// slot is available, so at most len(slots) segments are ever in
// flight at once.
type Tasks struct {
	desc          *Descriptor
	segSizeBlocks uint64
	blockLen      uint32
	log           *logging.Logger
	metrics       *metrics.Metrics

	slots    chan *taskSlot
	resultCh chan TaskResult
	g        errgroup.Group

	active              atomic.Int64
	segmentsDone        atomic.Uint64
	segmentsTransferred atomic.Uint64
}

// NewTasks allocates n copy tasks, each owning a segSizeBlocks*blockLen
// DMA buffer (§4.8).
func NewTasks(desc *Descriptor, n int, segSizeBlocks uint64, blockLen uint32, log *logging.Logger, m *metrics.Metrics) (*Tasks, error) {
	if n <= 0 {
		n = SegmentTasks
	}
	t := &Tasks{
		desc:          desc,
		segSizeBlocks: segSizeBlocks,
		blockLen:      blockLen,
		log:           log,
		metrics:       m,
		slots:         make(chan *taskSlot, n),
		resultCh:      make(chan TaskResult, n),
	}
	for i := 0; i < n; i++ {
		dma, err := desc.DstHandle.DmaMalloc(uint32(segSizeBlocks) * blockLen)
		if err != nil {
			return nil, wrapError("new_tasks", desc.DstURI, CodeNoCopyBuffer, err)
		}
		t.slots <- &taskSlot{id: i, buf: dma.Bytes}
	}
	return t, nil
}

// ResultCh returns the pool's shared completion channel (§4.9).
func (t *Tasks) ResultCh() <-chan TaskResult { return t.resultCh }

func (t *Tasks) Active() int64               { return t.active.Load() }
func (t *Tasks) SegmentsDone() uint64        { return t.segmentsDone.Load() }
func (t *Tasks) SegmentsTransferred() uint64 { return t.segmentsTransferred.Load() }

// Dispatch assigns block blk to the next available slot and copies (or
// skips, per an installed RebuildMap) its covering segment
// asynchronously, posting the result to ResultCh(). It blocks until a
// slot frees up if the pool is saturated.
func (t *Tasks) Dispatch(ctx context.Context, blk uint64) {
	slot := <-t.slots
	t.active.Add(1)
	if t.metrics != nil {
		t.metrics.RecordTaskStart()
	}
	t.g.Go(func() error {
		defer func() {
			t.slots <- slot
			t.active.Add(-1)
			if t.metrics != nil {
				t.metrics.RecordTaskEnd()
			}
		}()
		t.resultCh <- t.runSegment(ctx, slot, blk)
		return nil
	})
}

// segmentEnd clamps the segment covering blk to the descriptor's range.
func (t *Tasks) segmentEnd(blk uint64) uint64 {
	end := blk + t.segSizeBlocks
	if end > t.desc.Range.End {
		end = t.desc.Range.End
	}
	return end
}

func (t *Tasks) runSegment(ctx context.Context, slot *taskSlot, blk uint64) TaskResult {
	if rmap := t.desc.RebuildMap(); rmap != nil && rmap.IsClean(blk) {
		t.segmentsDone.Add(1)
		if t.metrics != nil {
			t.metrics.RecordSegment(false)
		}
		return TaskResult{ID: slot.id, Blk: blk}
	}

	end := t.segmentEnd(blk)
	n := end - blk
	byteLen := n * uint64(t.blockLen)
	buf := slot.buf[:byteLen]

	if _, err := t.desc.SrcHandle.ReadAt(ctx, buf, blk); err != nil {
		t.segmentsDone.Add(1)
		if t.metrics != nil {
			t.metrics.RecordSegment(false)
		}
		return TaskResult{ID: slot.id, Blk: blk, Error: wrapError("read_segment", t.desc.DstURI, CodeIoError, err)}
	}
	if _, err := t.desc.DstHandle.WriteAt(ctx, buf, blk); err != nil {
		t.segmentsDone.Add(1)
		if t.metrics != nil {
			t.metrics.RecordSegment(false)
		}
		return TaskResult{ID: slot.id, Blk: blk, Error: wrapError("write_segment", t.desc.DstURI, CodeIoError, err)}
	}

	t.segmentsDone.Add(1)
	t.segmentsTransferred.Add(1)
	if t.metrics != nil {
		t.metrics.RecordSegment(true)
	}
	return TaskResult{ID: slot.id, Blk: blk}
}

// Drain blocks until every dispatched task has posted its result and
// returned its slot — "at rest, no I/O in flight" (§4.9, §5
// cancellation).
func (t *Tasks) Drain() {
	_ = t.g.Wait()
}
