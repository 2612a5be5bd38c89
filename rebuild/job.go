package rebuild

import (
	"sync"

	"github.com/datacore-vvarakantham/nexus-core/iolog"
)

// request is the sum type carried on a Job's request channel (§6 "To
// the RebuildJob frontend"): WakeUp, GetStats, SetRebuildMap, and the
// client-side state operations of §4.7 (Start/Pause/Resume/Stop).
type request struct {
	wakeUp bool
	stats  *getStatsReq
	setMap *setMapReq
	op     *opReq
}

type getStatsReq struct {
	reply chan Stats
}

type setMapReq struct {
	m   *iolog.RebuildMap
	ack chan struct{}
}

type opReq struct {
	want State
}

// Job is the frontend handle (component G): a lookup-by-name registry
// entry plus a request channel to its backend. Frontend callers may
// live on any thread or executor; all they ever do is post requests
// and await one-shot replies, eliminating cross-thread mutation of the
// backend's private state (§5).
type Job struct {
	NexusName string
	DstURI    string
	Serial    uint64

	reqCh chan request

	mu          sync.Mutex
	subscribers []chan State
	waiters     []chan Stats
	state       State
}

func newJob(nexusName, dstURI string, serial uint64) *Job {
	return &Job{
		NexusName: nexusName,
		DstURI:    dstURI,
		Serial:    serial,
		reqCh:     make(chan request, 8),
		state:     StateInit,
	}
}

// send posts r to the backend, translating a send on an already-closed
// channel (the backend observed a prior Cancel) into CodeFrontendGone
// instead of a panic.
func (j *Job) send(r request) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = newError("send", j.DstURI, CodeFrontendGone, "backend gone")
		}
	}()
	j.reqCh <- r
	return nil
}

// WakeUp nudges the backend to re-check pending state without waiting
// for a result; used after, e.g., installing a rebuild map out of
// band. Best-effort: a backend that is already gone is silently
// ignored, since there is nothing left to wake.
func (j *Job) WakeUp() {
	_ = j.send(request{wakeUp: true})
}

// Start requests the Running transition (§4.7).
func (j *Job) Start() error { return j.send(request{op: &opReq{want: StateRunning}}) }

// Pause requests the Paused transition.
func (j *Job) Pause() error { return j.send(request{op: &opReq{want: StatePaused}}) }

// Resume requests a return to Running from Paused.
func (j *Job) Resume() error { return j.send(request{op: &opReq{want: StateRunning}}) }

// Stop requests cancellation: the backend drains in-flight tasks and
// reaches Stopped.
func (j *Job) Stop() error { return j.send(request{op: &opReq{want: StateStopped}}) }

// Stats requests a statistics snapshot from the backend and blocks
// until it replies or the backend is gone.
func (j *Job) Stats() (Stats, error) {
	reply := make(chan Stats, 1)
	if err := j.send(request{stats: &getStatsReq{reply: reply}}); err != nil {
		return Stats{}, err
	}
	s, ok := <-reply
	if !ok {
		return Stats{}, newError("stats", j.DstURI, CodeFrontendGone, "backend gone before replying")
	}
	return s, nil
}

// SetRebuildMap installs a partial-rebuild map on the backend and
// blocks until it is acknowledged.
func (j *Job) SetRebuildMap(m *iolog.RebuildMap) error {
	ack := make(chan struct{}, 1)
	if err := j.send(request{setMap: &setMapReq{m: m, ack: ack}}); err != nil {
		return err
	}
	<-ack
	return nil
}

// Cancel closes the request channel: the backend observes it as
// FrontendGone, drains in-flight tasks and ends in Failed. Dropping a
// Job without calling Cancel does not close the channel. No further
// calls may be made on j after Cancel.
func (j *Job) Cancel() {
	close(j.reqCh)
}

// Subscribe registers ch to receive every state change the backend
// broadcasts (§4.7 "Frontend notifications"). The returned function
// unregisters it.
func (j *Job) Subscribe(ch chan State) (unregister func()) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.subscribers = append(j.subscribers, ch)
	idx := len(j.subscribers) - 1
	return func() {
		j.mu.Lock()
		defer j.mu.Unlock()
		if idx < len(j.subscribers) {
			j.subscribers[idx] = nil
		}
	}
}

// OnComplete registers a one-shot channel released when the job
// reaches a terminal state, with the terminal Stats attached.
func (j *Job) OnComplete() <-chan Stats {
	ch := make(chan Stats, 1)
	j.mu.Lock()
	j.waiters = append(j.waiters, ch)
	j.mu.Unlock()
	return ch
}

// State returns the last state this frontend handle observed.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) broadcastState(s State) {
	j.mu.Lock()
	j.state = s
	subs := append([]chan State{}, j.subscribers...)
	j.mu.Unlock()
	for _, ch := range subs {
		if ch == nil {
			continue
		}
		select {
		case ch <- s:
		default:
		}
	}
}

// releaseWaiters is invoked from the backend's teardown path with the
// job's final stats, releasing every OnComplete() waiter exactly once.
func (j *Job) releaseWaiters(final Stats) {
	j.mu.Lock()
	waiters := j.waiters
	j.waiters = nil
	j.mu.Unlock()
	for _, ch := range waiters {
		ch <- final
		close(ch)
	}
}
