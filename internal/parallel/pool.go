package parallel

import (
	"runtime"
	"sync"
)

// WorkerPool executes queued tasks on a bounded set of goroutines.
//
// The pool is built for bursty load phases such as cache replay: it starts
// with no workers and grows one at a time while the backlog outpaces the
// goroutines it already has, so a short queue never pays for a full fan-out.
// Close waits for every queued task to finish before returning.
//
// Thread safety: WorkerPool is safe for concurrent use.
type WorkerPool struct {
	// limit is the maximum number of worker goroutines.
	limit int

	mu   sync.Mutex
	cond *sync.Cond

	// queue holds tasks not yet picked up by a worker.
	queue []func()

	// workers is the number of goroutines spawned so far.
	workers int

	// busy is the number of workers currently running a task.
	busy int

	// closing stops growth and tells idle workers to exit.
	closing bool

	// wg waits for all workers to finish.
	wg sync.WaitGroup
}

// NewWorkerPool creates a pool that will grow up to limit workers.
// If limit is 0 or negative, one less than GOMAXPROCS is used, and at
// least one.
func NewWorkerPool(limit int) *WorkerPool {
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0) - 1
		if limit < 1 {
			limit = 1
		}
	}
	p := &WorkerPool{limit: limit}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Submit queues one task and spawns a worker if the backlog warrants it.
// After Close the task runs on the calling goroutine.
func (p *WorkerPool) Submit(fn func()) {
	if fn == nil {
		return
	}
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		fn()
		return
	}
	p.queue = append(p.queue, fn)
	// Grow while every queued task plus every running one could keep
	// a worker occupied.
	if p.workers < p.limit && p.workers < p.busy+len(p.queue) {
		p.workers++
		p.wg.Add(1)
		go p.worker()
	}
	p.cond.Signal()
	p.mu.Unlock()
}

// Workers returns the number of goroutines spawned so far.
func (p *WorkerPool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// Close waits for the queue to drain and all workers to exit.
// Close is safe to call multiple times.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if !p.closing {
		p.closing = true
		p.cond.Broadcast()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	p.mu.Lock()
	for {
		if len(p.queue) > 0 {
			task := p.queue[0]
			p.queue = p.queue[1:]
			p.busy++
			p.mu.Unlock()

			task()

			p.mu.Lock()
			p.busy--
			continue
		}
		if p.closing {
			break
		}
		p.cond.Wait()
	}
	p.mu.Unlock()
}
