package consensus

import (
	"log/slog"
	"sync"

	"replicacore/internal/metrics"
)

// WatcherPolicy controls which pending watchers a status update fires.
type WatcherPolicy int

const (
	// MarkAllOpsBefore fires every watcher registered for an OpId less
	// than or equal to the one that just advanced. Replication watchers
	// use this policy: a watcher registered at OpId X is satisfied the
	// first time any OpId >= X replicates.
	MarkAllOpsBefore WatcherPolicy = iota
	// MarkOnlyThisOp fires only the watcher registered for exactly the
	// OpId that just advanced. Commit watchers use this policy, since a
	// caller waiting on one operation's commit must not be woken by an
	// unrelated, later commit.
	MarkOnlyThisOp
)

// OperationCallback is invoked when a watched OpId reaches the status the
// watcher was registered for, or when the round is abandoned (status
// carries the failure in that case).
type OperationCallback func(status OpStatus)

// OpStatus reports the outcome delivered to a watcher.
type OpStatus struct {
	OpId OpId
	Err  error
}

type watcherEntry struct {
	opID OpId
	cb   OperationCallback
}

// WatcherRegistry holds callbacks waiting on watermark advancement for one
// policy (replicate or commit). It is always accessed with the owning
// ReplicaState's update_lock held; it performs no locking of its own.
type WatcherRegistry struct {
	policy   WatcherPolicy
	watchers []watcherEntry
	pool     *CallbackDispatchPool
}

// NewWatcherRegistry creates a registry that dispatches fired callbacks
// through pool rather than running them on the caller's goroutine, keeping
// callback work off the consensus critical path.
func NewWatcherRegistry(policy WatcherPolicy, pool *CallbackDispatchPool) *WatcherRegistry {
	return &WatcherRegistry{policy: policy, pool: pool}
}

// Register adds a watcher for opID. Callers must hold update_lock.
func (r *WatcherRegistry) Register(opID OpId, cb OperationCallback) {
	r.watchers = append(r.watchers, watcherEntry{opID: opID, cb: cb})
}

// MarkFinished fires and removes every watcher satisfied by upTo having
// just reached status err (nil on success). Callers must hold update_lock.
func (r *WatcherRegistry) MarkFinished(upTo OpId, err error) {
	remaining := r.watchers[:0]
	for _, w := range r.watchers {
		var hit bool
		switch r.policy {
		case MarkAllOpsBefore:
			hit = w.opID.LessOrEqual(upTo)
		case MarkOnlyThisOp:
			hit = w.opID == upTo
		}
		if hit {
			r.dispatch(w, err)
		} else {
			remaining = append(remaining, w)
		}
	}
	r.watchers = remaining
}

// CancelAll fires every outstanding watcher with err and clears the
// registry. Used when a round is abandoned, for example on leader change.
func (r *WatcherRegistry) CancelAll(err error) {
	for _, w := range r.watchers {
		r.dispatch(w, err)
	}
	r.watchers = nil
}

func (r *WatcherRegistry) dispatch(w watcherEntry, err error) {
	opID, cb := w.opID, w.cb
	r.pool.Submit(func() {
		cb(OpStatus{OpId: opID, Err: err})
	})
}

// Len reports how many watchers are outstanding. Callers must hold
// update_lock.
func (r *WatcherRegistry) Len() int {
	return len(r.watchers)
}

// CallbackDispatchPool runs replicate/commit callbacks on a small, fixed
// set of worker goroutines so a slow callback can never stall the
// update_lock critical section that enqueued it. There is no ecosystem
// worker-pool library in use elsewhere in this codebase, so this is
// hand-rolled the same way the teacher hand-rolls its goroutine-per-loop
// main loops.
type CallbackDispatchPool struct {
	tasks chan func()
	wg    sync.WaitGroup
}

// NewCallbackDispatchPool starts workers goroutines draining a bounded
// task queue of depth queueDepth.
func NewCallbackDispatchPool(workers, queueDepth int) *CallbackDispatchPool {
	if workers <= 0 {
		workers = 1
	}
	if queueDepth <= 0 {
		queueDepth = 1
	}
	p := &CallbackDispatchPool{tasks: make(chan func(), queueDepth)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.runWorker()
	}
	return p
}

func (p *CallbackDispatchPool) runWorker() {
	defer p.wg.Done()
	for task := range p.tasks {
		metrics.ConsensusCallbackQueueDepth.Set(float64(len(p.tasks)))
		runTaskRecovered(task)
	}
}

func runTaskRecovered(task func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("consensus callback panicked", "panic", r)
		}
	}()
	task()
}

// Submit enqueues a callback for dispatch without ever blocking the
// caller, even once the bounded queue is full. Submit is almost always
// called with update_lock held, and update_lock is not one of the
// suspension points this module permits (flush, MajorityOpStatusTracker
// wait, in_flight_applies_latch wait) — a blocking send here would stall
// every other intent on the tablet, and could deadlock outright if a
// queued callback itself needs update_lock. When the queue is full, the
// task is handed off to its own goroutine instead of waiting for a slot.
func (p *CallbackDispatchPool) Submit(task func()) {
	select {
	case p.tasks <- task:
	default:
		go func() {
			p.tasks <- task
		}()
	}
	metrics.ConsensusCallbackQueueDepth.Set(float64(len(p.tasks)))
}

// Close stops accepting new work and waits for queued callbacks to drain.
func (p *CallbackDispatchPool) Close() {
	close(p.tasks)
	p.wg.Wait()
}
