package util

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPoolRunsAllJobs(t *testing.T) {
	pool := NewWorkerPool(4)

	var count atomic.Int64
	jobs := 100
	counter := NewBlockingCounter(jobs)
	for i := 0; i < jobs; i++ {
		pool.Schedule(func() {
			count.Add(1)
			counter.Decrement()
		})
	}
	counter.Wait()
	pool.Shutdown()

	if count.Load() != int64(jobs) {
		t.Errorf("ran %d jobs; want %d", count.Load(), jobs)
	}
}

func TestWorkerPoolShutdownDrainsQueue(t *testing.T) {
	pool := NewWorkerPool(2)

	var count atomic.Int64
	for i := 0; i < 50; i++ {
		pool.Schedule(func() {
			count.Add(1)
		})
	}
	pool.Shutdown()

	if count.Load() != 50 {
		t.Errorf("ran %d jobs after shutdown; want 50", count.Load())
	}
}

func TestWorkerPoolMinimumOneWorker(t *testing.T) {
	pool := NewWorkerPool(0)
	defer pool.Shutdown()
	if pool.NumWorkers() != 1 {
		t.Errorf("NumWorkers() = %d; want 1", pool.NumWorkers())
	}
}

func TestBlockingCounterWaits(t *testing.T) {
	counter := NewBlockingCounter(2)

	done := make(chan struct{})
	go func() {
		counter.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before both decrements")
	case <-time.After(10 * time.Millisecond):
	}

	counter.Decrement()
	counter.Decrement()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after final decrement")
	}
}
