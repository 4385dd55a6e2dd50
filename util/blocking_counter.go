package util

import (
	"sync"
)

// BlockingCounter is a single-use barrier: it is created with the number of
// pending jobs, each job calls Decrement once, and the orchestrating thread
// calls Wait to block until the count reaches zero.
type BlockingCounter struct {
	wg sync.WaitGroup
}

func NewBlockingCounter(count int) *BlockingCounter {
	c := &BlockingCounter{}
	c.wg.Add(count)
	return c
}

func (c *BlockingCounter) Decrement() {
	c.wg.Done()
}

func (c *BlockingCounter) Wait() {
	c.wg.Wait()
}
