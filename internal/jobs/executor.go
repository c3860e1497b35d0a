package jobs

import (
	"context"
	"sync"
)

// Executor runs local jobs on a bounded number of goroutines. With zero
// workers, tasks run inline on the caller's goroutine.
type Executor struct {
	slots chan struct{}
	wg    sync.WaitGroup
}

// NewExecutor creates an Executor running at most workers tasks at once.
func NewExecutor(workers int) *Executor {
	e := &Executor{}
	if workers > 0 {
		e.slots = make(chan struct{}, workers)
	}
	return e
}

// Go runs task, blocking while all workers are busy. It returns
// ctx.Err() without running task if ctx ends first.
func (e *Executor) Go(ctx context.Context, task func()) error {
	if e.slots == nil {
		task()
		return nil
	}

	select {
	case e.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.wg.Add(1)
	go func() {
		defer func() {
			<-e.slots
			e.wg.Done()
		}()
		task()
	}()
	return nil
}

// Wait blocks until every started task has returned.
func (e *Executor) Wait() {
	e.wg.Wait()
}
