package parallel

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPoolRunsAllTasks(t *testing.T) {
	p := NewWorkerPool(4)
	var ran atomic.Int64
	for i := 0; i < 100; i++ {
		p.Submit(func() { ran.Add(1) })
	}
	p.Close()
	if got := ran.Load(); got != 100 {
		t.Errorf("ran %d tasks, want 100", got)
	}
}

func TestWorkerPoolGrowthIsBounded(t *testing.T) {
	const limit = 3
	p := NewWorkerPool(limit)
	defer p.Close()

	// Saturate the pool so growth has every reason to hit the limit.
	var wg sync.WaitGroup
	block := make(chan struct{})
	for i := 0; i < limit*4; i++ {
		wg.Add(1)
		p.Submit(func() {
			defer wg.Done()
			<-block
		})
	}
	if got := p.Workers(); got > limit {
		t.Errorf("Workers() = %d, above the limit %d", got, limit)
	}
	close(block)
	wg.Wait()
}

func TestWorkerPoolGrowsLazily(t *testing.T) {
	p := NewWorkerPool(8)
	defer p.Close()

	if got := p.Workers(); got != 0 {
		t.Errorf("Workers() before any submit = %d, want 0", got)
	}

	// One task warrants at most one worker.
	done := make(chan struct{})
	p.Submit(func() { close(done) })
	if got := p.Workers(); got != 1 {
		t.Errorf("Workers() after one submit = %d, want 1", got)
	}
	<-done
}

func TestWorkerPoolDefaultLimit(t *testing.T) {
	for _, limit := range []int{0, -5} {
		p := NewWorkerPool(limit)
		var ran atomic.Int64
		for i := 0; i < 10; i++ {
			p.Submit(func() { ran.Add(1) })
		}
		p.Close()
		if got := ran.Load(); got != 10 {
			t.Errorf("NewWorkerPool(%d) ran %d tasks, want 10", limit, got)
		}
	}
}

func TestWorkerPoolCloseWaitsForQueue(t *testing.T) {
	p := NewWorkerPool(1)
	var ran atomic.Int64
	for i := 0; i < 20; i++ {
		p.Submit(func() {
			time.Sleep(time.Millisecond)
			ran.Add(1)
		})
	}
	p.Close()
	// Everything queued before Close has finished by the time it returns.
	if got := ran.Load(); got != 20 {
		t.Errorf("Close returned with %d of 20 tasks done", got)
	}
}

func TestWorkerPoolSubmitAfterClose(t *testing.T) {
	p := NewWorkerPool(2)
	p.Close()
	p.Close() // idempotent

	// A late submission runs inline instead of being dropped.
	ran := false
	p.Submit(func() { ran = true })
	if !ran {
		t.Error("submit after close did not run the task")
	}
}

func TestWorkerPoolNilTask(t *testing.T) {
	p := NewWorkerPool(1)
	p.Submit(nil)
	p.Close()
}

func TestWorkerPoolConcurrentSubmit(t *testing.T) {
	p := NewWorkerPool(4)
	var ran atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				p.Submit(func() { ran.Add(1) })
			}
		}()
	}
	wg.Wait()
	p.Close()
	if got := ran.Load(); got != 400 {
		t.Errorf("ran %d tasks, want 400", got)
	}
}
