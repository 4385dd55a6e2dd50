package util

import (
	"sync"
)

// WorkerPool is a fixed set of goroutines executing queued jobs. Jobs must be
// independent: a job never waits on another job, so the pool cannot deadlock
// no matter how work is split between the pool and the submitting thread.
type WorkerPool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	closed  bool
	workers int
	wg      sync.WaitGroup
}

// NewWorkerPool starts a pool of the given number of worker goroutines.
func NewWorkerPool(workers int) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	p := &WorkerPool{workers: workers}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run()
	}
	return p
}

func (p *WorkerPool) run() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		job := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()
		job()
	}
}

// Schedule queues a job for execution. The queue is unbounded so Schedule
// never blocks the submitting thread.
func (p *WorkerPool) Schedule(job func()) {
	p.mu.Lock()
	p.queue = append(p.queue, job)
	p.mu.Unlock()
	p.cond.Signal()
}

// NumWorkers returns the number of worker goroutines in the pool.
func (p *WorkerPool) NumWorkers() int {
	return p.workers
}

// Shutdown drains the queue and stops all workers.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
}
