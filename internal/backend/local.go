package backend

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalQueue computes units synchronously at submission and holds the
// results in memory until collected.
type LocalQueue struct {
	compute ComputeFunc

	mu   sync.Mutex
	done []Result
}

// NewLocalQueue creates a LocalQueue that runs compute in-process.
func NewLocalQueue(compute ComputeFunc) *LocalQueue {
	return &LocalQueue{compute: compute}
}

func (q *LocalQueue) Name() string { return "local" }

func (q *LocalQueue) Submit(ctx context.Context, unit WorkUnit) (string, error) {
	if unit.Handle == "" {
		unit.Handle = uuid.NewString()
	}
	if unit.SubmittedAt.IsZero() {
		unit.SubmittedAt = time.Now().UTC()
	}

	res := Run(ctx, unit, q.compute)

	q.mu.Lock()
	q.done = append(q.done, res)
	q.mu.Unlock()

	return unit.Handle, nil
}

func (q *LocalQueue) Collect(_ context.Context, max int) ([]Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.done)
	if max > 0 && max < n {
		n = max
	}
	out := make([]Result, n)
	copy(out, q.done[:n])
	q.done = q.done[n:]
	return out, nil
}

func (q *LocalQueue) Requeue(_ context.Context, results []Result) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.done = append(append([]Result{}, results...), q.done...)
	return nil
}

// Pending returns how many results are waiting to be collected.
func (q *LocalQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.done)
}

var _ Backend = (*LocalQueue)(nil)
