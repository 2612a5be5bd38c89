// Package rebuild implements the task-parallel block copier that
// reconstructs an out-of-sync NexusChild from a healthy source: state
// reconciliation between a frontend control surface and a backend I/O
// loop, segment scheduling, and partial (map-driven) rebuild.
package rebuild

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/datacore-vvarakantham/nexus-core/device"
	"github.com/datacore-vvarakantham/nexus-core/internal/logging"
	"github.com/datacore-vvarakantham/nexus-core/internal/metrics"
)

// NotifyFn is invoked on every current-state change (§4.7 "Frontend
// notifications").
type NotifyFn func(nexusName, dstURI string, s State)

// Config parameterizes New.
type Config struct {
	NexusName string
	SrcURI    string
	DstURI    string

	SrcDevice device.BlockDevice
	DstDevice device.BlockDevice

	// Range is the block range to rebuild. The zero value means "the
	// full range of the destination device".
	Range BlockRange

	// SegmentSizeBlocks defaults to DefaultSegmentSize / block length
	// when zero.
	SegmentSizeBlocks uint64

	// TaskCount defaults to SegmentTasks when zero.
	TaskCount int

	Nexus    NexusHandle
	Registry *Registry
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
	NotifyFn NotifyFn
}

// Backend is the management loop driving the task pool, reconciling
// state, and answering frontend queries (component F, §3
// RebuildJobBackend).
type Backend struct {
	nexusName string
	desc      *Descriptor
	tasks     *Tasks
	taskCount int

	next atomic.Uint64

	st       *states
	job      *Job
	registry *Registry
	log      *logging.Logger
	metrics  *metrics.Metrics
	notifyFn NotifyFn
}

var serialCounter atomic.Uint64

func nextSerial() uint64 { return serialCounter.Add(1) }

// New performs construction & validation (§4.8): opens the source
// read-only and the destination read-write, obtains I/O handles, and
// checks the requested range and block length against both devices.
// It allocates the task pool but does not start the run loop — the
// caller launches Backend.Run in its own goroutine (the "master
// reactor", §5).
func New(cfg Config) (*Job, *Backend, error) {
	if cfg.SrcDevice == nil || cfg.DstDevice == nil {
		return nil, nil, newError("new", cfg.DstURI, CodeInvalidParameters, "src and dst devices are required")
	}

	srcDesc, err := cfg.SrcDevice.Open(false)
	if err != nil {
		return nil, nil, wrapError("new", cfg.DstURI, CodeBdevNotFound, err)
	}
	dstDesc, err := cfg.DstDevice.Open(true)
	if err != nil {
		srcDesc.Unclaim()
		return nil, nil, wrapError("new", cfg.DstURI, CodeBdevNotFound, err)
	}

	srcHandle, err := srcDesc.GetIOHandle()
	if err != nil {
		srcDesc.Unclaim()
		dstDesc.Unclaim()
		return nil, nil, wrapError("new", cfg.DstURI, CodeNoCopyBuffer, err)
	}
	dstHandle, err := dstDesc.GetIOHandle()
	if err != nil {
		srcDesc.Unclaim()
		dstDesc.Unclaim()
		return nil, nil, wrapError("new", cfg.DstURI, CodeNoCopyBuffer, err)
	}

	if cfg.SrcDevice.BlockLen() != cfg.DstDevice.BlockLen() {
		srcDesc.Unclaim()
		dstDesc.Unclaim()
		return nil, nil, newError("new", cfg.DstURI, CodeInvalidParameters, "src and dst block lengths differ")
	}
	blockLen := cfg.DstDevice.BlockLen()

	rng := cfg.Range
	if rng.Start == 0 && rng.End == 0 {
		rng.End = cfg.DstDevice.NumBlocks()
	}
	if rng.End < rng.Start || rng.End > cfg.SrcDevice.NumBlocks() || rng.End > cfg.DstDevice.NumBlocks() {
		srcDesc.Unclaim()
		dstDesc.Unclaim()
		return nil, nil, newError("new", cfg.DstURI, CodeInvalidParameters, "range exceeds src or dst block count")
	}

	segSize := cfg.SegmentSizeBlocks
	if segSize == 0 {
		segSize = uint64(DefaultSegmentSize) / uint64(blockLen)
		if segSize == 0 {
			segSize = 1
		}
	}

	desc := &Descriptor{
		SrcURI:            cfg.SrcURI,
		DstURI:            cfg.DstURI,
		Range:             rng,
		BlockLen:          blockLen,
		SegmentSizeBlocks: segSize,
		SrcHandle:         srcHandle,
		DstHandle:         dstHandle,
		SrcDescriptor:     srcDesc,
		DstDescriptor:     dstDesc,
		Nexus:             cfg.Nexus,
		StartTime:         time.Now(),
	}

	taskCount := cfg.TaskCount
	if taskCount <= 0 {
		taskCount = SegmentTasks
	}
	tasks, err := NewTasks(desc, taskCount, segSize, blockLen, cfg.Logger, cfg.Metrics)
	if err != nil {
		desc.Release()
		return nil, nil, err
	}

	serial := nextSerial()
	job := newJob(cfg.NexusName, cfg.DstURI, serial)

	registry := cfg.Registry
	if registry == nil {
		registry = DefaultRegistry()
	}
	if err := registry.register(job); err != nil {
		desc.Release()
		return nil, nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	log = log.With("rebuild_dst", cfg.DstURI, "serial", serial)

	b := &Backend{
		nexusName: cfg.NexusName,
		desc:      desc,
		tasks:     tasks,
		taskCount: taskCount,
		st:        newStates(),
		job:       job,
		registry:  registry,
		log:       log,
		metrics:   cfg.Metrics,
		notifyFn:  cfg.NotifyFn,
	}
	b.next.Store(rng.Start)

	return job, b, nil
}

func (b *Backend) hasMoreWork() bool {
	return b.next.Load() < b.desc.Range.End
}

func (b *Backend) dispatchNext(ctx context.Context) {
	blk := b.next.Load()
	if blk >= b.desc.Range.End {
		return
	}
	newNext := blk + b.desc.SegmentSizeBlocks
	if newNext > b.desc.Range.End {
		newNext = b.desc.Range.End
	}
	b.next.Store(newNext)
	b.tasks.Dispatch(ctx, blk)
}

func (b *Backend) startAll(ctx context.Context) {
	for i := 0; i < b.taskCount && b.hasMoreWork(); i++ {
		b.dispatchNext(ctx)
	}
}

func (b *Backend) stats() Stats {
	return computeStats(b.desc, b.tasks, b.taskCount)
}

func (b *Backend) onStateChange(s State) {
	b.log.Info("rebuild state changed", "state", s.String())
	if b.notifyFn != nil {
		b.notifyFn(b.nexusName, b.desc.DstURI, s)
	}
	b.job.broadcastState(s)
}

func (b *Backend) forceComplete() {
	if changed := b.st.forceCurrent(StateCompleted, nil); changed {
		b.onStateChange(StateCompleted)
	}
}

func (b *Backend) forceFail(err error) {
	if b.st.err == nil {
		b.st.err = err
	}
	if b.metrics != nil {
		b.metrics.RecordRebuildFailure()
	}
	if changed := b.st.forceCurrent(StateFailed, b.st.err); changed {
		b.onStateChange(StateFailed)
	}
}

// handleRequest processes one control-channel message that isn't a
// state op the running phase needs to react to specially; returns the
// requested state if req carried an op, for the caller to act on.
func (b *Backend) handleRequest(req request) (op State, hasOp bool) {
	switch {
	case req.stats != nil:
		req.stats.reply <- b.stats()
		close(req.stats.reply)
	case req.setMap != nil:
		b.desc.SetRebuildMap(req.setMap.m)
		close(req.setMap.ack)
	case req.op != nil:
		b.st.requestPending(req.op.want)
		return req.op.want, true
	}
	return stateNone, false
}

// frontendGoneErr builds the error recorded when the request channel
// closes out from under the backend (§5 "Dropping the frontend closes
// the channel").
func (b *Backend) frontendGoneErr() error {
	return newError("run", b.desc.DstURI, CodeFrontendGone, "frontend dropped the job")
}

// awaitControl services exactly one control-channel message while the
// backend is not Running (§4.7: "If not Running: await the next
// control message").
func (b *Backend) awaitControl(ctx context.Context) {
	select {
	case <-ctx.Done():
		b.forceFail(wrapError("run", b.desc.DstURI, CodeFrontendGone, ctx.Err()))
	case req, ok := <-b.job.reqCh:
		if !ok {
			b.forceFail(b.frontendGoneErr())
			return
		}
		b.handleRequest(req)
	}
}

// runningPhase drives the task pool while current == Running: starts
// all tasks, then loops answering control messages and task
// completions until no tasks remain active and either there is no more
// work (-> Completed) or a pending transition away from Running has
// been requested (-> control returns to the outer loop for
// reconciliation) or a task failed (-> Failed).
func (b *Backend) runningPhase(ctx context.Context) {
	b.startAll(ctx)

	assigning := true
	failed := false

	for {
		if b.tasks.Active() == 0 && (!assigning || !b.hasMoreWork()) {
			break
		}
		select {
		case req, ok := <-b.job.reqCh:
			if !ok {
				failed = true
				assigning = false
				if b.st.err == nil {
					b.st.err = b.frontendGoneErr()
				}
				continue
			}
			if want, hasOp := b.handleRequest(req); hasOp && want != StateRunning {
				assigning = false
			}
		case res := <-b.tasks.ResultCh():
			if res.Error != nil {
				failed = true
				assigning = false
				if b.st.err == nil {
					b.st.err = res.Error
				}
			}
			if assigning && b.hasMoreWork() {
				b.dispatchNext(ctx)
			}
		}
	}

	b.tasks.Drain()

	switch {
	case failed:
		b.forceFail(b.st.err)
	case !assigning:
		// A client Pause/Stop is pending; the outer loop's next
		// reconcile() promotes it to current.
	default:
		b.forceComplete()
	}
}

// Run is the backend's cooperative run loop (§4.7): the "master
// reactor". It returns the job's first recorded error, if any, once a
// terminal state is reached.
func (b *Backend) Run(ctx context.Context) error {
	defer b.teardown()
	for {
		cur, changed := b.st.reconcile()
		if changed {
			b.onStateChange(cur)
		}
		if cur.Terminal() {
			return b.st.err
		}
		if cur == StateRunning {
			b.runningPhase(ctx)
			continue
		}
		b.awaitControl(ctx)
	}
}

// teardown releases the descriptor's claims and notifies waiters with
// final stats, after the run loop has reached a terminal state (§5
// "Resource discipline": descriptors released only when the backend is
// dropped, after recording final stats).
func (b *Backend) teardown() {
	final := b.stats()
	b.job.releaseWaiters(final)
	if b.registry != nil {
		b.registry.unregister(b.desc.DstURI)
	}
	b.desc.Release()
}
