package pipecache

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// creationWorkerCount resolves the configured worker count. Negative
// means auto: three quarters of the available parallelism, at least one.
// Explicit counts are capped at the available parallelism. Zero stays
// zero and selects synchronous creation.
func creationWorkerCount(configured int) int {
	procs := runtime.GOMAXPROCS(0)
	if configured < 0 {
		n := procs * 3 / 4
		if n < 1 {
			n = 1
		}
		return n
	}
	if configured > procs {
		return procs
	}
	return configured
}

// creationPool runs backend pipeline creations on worker goroutines.
//
// The pool is a queue with a busy count: a worker pops one pipeline,
// creates it outside the lock, and decrements busy afterwards. Waiters
// that need "nothing queued and nothing in flight" arm the completion
// channel and a worker closes it when it observes that state. Workers
// shut down through a watermark: every worker whose index is at or past
// shutdownFrom exits on its next pass, which lets the pool shrink back
// after a replay burst without restarting the surviving workers.
type creationPool struct {
	backend Backend

	mu   sync.Mutex
	cond *sync.Cond

	queue []*Pipeline
	busy  int

	// workers holds one exit channel per live worker, indexed by the
	// worker's spawn index. shutdownFrom == len(workers) while no
	// shutdown is in progress.
	workers      []chan struct{}
	shutdownFrom int

	// completion is closed when the pool goes idle while armed. It
	// starts closed: a pool that has never worked is idle.
	completion          chan struct{}
	completionRequested bool

	created uint64
	failed  uint64
}

func newCreationPool(backend Backend, workers int) *creationPool {
	cp := &creationPool{
		backend:    backend,
		completion: make(chan struct{}),
	}
	cp.cond = sync.NewCond(&cp.mu)
	close(cp.completion)

	cp.mu.Lock()
	cp.growLocked(workers)
	cp.mu.Unlock()
	return cp
}

// workerCount returns the live worker count.
func (cp *creationPool) workerCount() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.workers)
}

// asynchronous reports whether the pool has workers at all. Without
// workers, submit creates pipelines on the calling goroutine.
func (cp *creationPool) asynchronous() bool {
	return cp.workerCount() > 0
}

// creating reports whether any pipeline is queued or in flight.
func (cp *creationPool) creating() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.queue) > 0 || cp.busy > 0
}

// pending returns the queued-but-unstarted creation count.
func (cp *creationPool) pending() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.queue)
}

func (cp *creationPool) createOne(p *Pipeline) {
	if p.create(cp.backend) {
		atomic.AddUint64(&cp.created, 1)
	} else {
		atomic.AddUint64(&cp.failed, 1)
	}
}

// submit queues one pipeline for creation, or creates it synchronously
// when the pool has no workers.
func (cp *creationPool) submit(p *Pipeline) {
	cp.mu.Lock()
	if len(cp.workers) == 0 {
		cp.mu.Unlock()
		cp.createOne(p)
		return
	}
	cp.queue = append(cp.queue, p)
	cp.cond.Signal()
	cp.mu.Unlock()
}

// submitBatch queues a batch, waking every worker. Used by storage
// replay, which enqueues pipelines far faster than one worker drains
// them.
func (cp *creationPool) submitBatch(ps []*Pipeline) {
	if len(ps) == 0 {
		return
	}
	cp.mu.Lock()
	if len(cp.workers) == 0 {
		cp.mu.Unlock()
		for _, p := range ps {
			cp.createOne(p)
		}
		return
	}
	cp.queue = append(cp.queue, ps...)
	cp.cond.Broadcast()
	cp.mu.Unlock()
}

// drainFromCaller creates queued pipelines on the calling goroutine
// until the queue is empty, working alongside the pool's own workers.
// The caller's creations don't count as busy; only in-flight worker
// creations do.
func (cp *creationPool) drainFromCaller() {
	for {
		cp.mu.Lock()
		if len(cp.queue) == 0 {
			cp.mu.Unlock()
			return
		}
		p := cp.queue[0]
		cp.queue = cp.queue[1:]
		cp.mu.Unlock()

		cp.createOne(p)
	}
}

// discardQueue drops every queued creation without running it. In-flight
// creations are unaffected; pair with awaitIdle to quiesce the pool.
func (cp *creationPool) discardQueue() {
	cp.mu.Lock()
	cp.queue = nil
	cp.mu.Unlock()
}

// awaitIdle blocks until the queue is empty and no worker is mid-
// creation.
func (cp *creationPool) awaitIdle() {
	cp.mu.Lock()
	if len(cp.queue) == 0 && cp.busy == 0 {
		cp.mu.Unlock()
		return
	}
	if !cp.completionRequested {
		cp.completion = make(chan struct{})
		cp.completionRequested = true
	}
	ch := cp.completion
	// Wake a worker so an all-idle pool still runs the completion
	// check.
	cp.cond.Signal()
	cp.mu.Unlock()

	<-ch
}

// grow spawns workers until the pool has at least n.
func (cp *creationPool) grow(n int) {
	cp.mu.Lock()
	cp.growLocked(n)
	cp.mu.Unlock()
}

func (cp *creationPool) growLocked(n int) {
	for len(cp.workers) < n {
		done := make(chan struct{})
		index := len(cp.workers)
		cp.workers = append(cp.workers, done)
		cp.shutdownFrom = len(cp.workers)
		go cp.worker(index, done)
	}
}

// shrink joins workers until at most n remain. Queued work is left for
// the survivors.
func (cp *creationPool) shrink(n int) {
	cp.mu.Lock()
	if n >= len(cp.workers) {
		cp.mu.Unlock()
		return
	}
	cp.shutdownFrom = n
	tail := make([]chan struct{}, len(cp.workers)-n)
	copy(tail, cp.workers[n:])
	cp.cond.Broadcast()
	cp.mu.Unlock()

	for _, done := range tail {
		<-done
	}

	cp.mu.Lock()
	cp.workers = cp.workers[:n]
	cp.shutdownFrom = len(cp.workers)
	cp.mu.Unlock()
}

// shutdown joins every worker. The queue is not drained; discard or
// await it first if that matters.
func (cp *creationPool) shutdown() {
	cp.shrink(0)
}

func (cp *creationPool) worker(index int, done chan struct{}) {
	defer close(done)
	for {
		cp.mu.Lock()
		for {
			if index >= cp.shutdownFrom || len(cp.queue) == 0 {
				// The last worker to go idle reports completion.
				if cp.completionRequested && cp.busy == 0 && len(cp.queue) == 0 {
					cp.completionRequested = false
					close(cp.completion)
				}
				if index >= cp.shutdownFrom {
					cp.mu.Unlock()
					return
				}
				cp.cond.Wait()
				continue
			}
			break
		}
		p := cp.queue[0]
		cp.queue = cp.queue[1:]
		cp.busy++
		cp.mu.Unlock()

		cp.createOne(p)

		cp.mu.Lock()
		cp.busy--
		cp.mu.Unlock()
	}
}
