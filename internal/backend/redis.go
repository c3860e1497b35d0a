package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue is a work-unit pool on Redis lists. Submitted units are pushed
// onto a units list and recorded in an in-flight hash; compute workers pop
// units and push results onto a results list.
type RedisQueue struct {
	client      *redis.Client
	unitsKey    string
	resultsKey  string
	inflightKey string
}

// NewRedisQueue creates a RedisQueue whose keys share prefix.
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "compute"
	}
	return &RedisQueue{
		client:      client,
		unitsKey:    prefix + ":units",
		resultsKey:  prefix + ":results",
		inflightKey: prefix + ":inflight",
	}
}

func (q *RedisQueue) Name() string { return "redis" }

func (q *RedisQueue) Submit(ctx context.Context, unit WorkUnit) (string, error) {
	if unit.Handle == "" {
		unit.Handle = uuid.NewString()
	}
	if unit.SubmittedAt.IsZero() {
		unit.SubmittedAt = time.Now().UTC()
	}

	data, err := json.Marshal(unit)
	if err != nil {
		return "", fmt.Errorf("%w: encoding unit: %v", ErrRejected, err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.inflightKey, unit.Handle, data)
	pipe.LPush(ctx, q.unitsKey, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", classifyRedisError(err)
	}
	return unit.Handle, nil
}

func (q *RedisQueue) Collect(ctx context.Context, max int) ([]Result, error) {
	if max <= 0 {
		max = 100
	}
	raw, err := q.client.RPopCount(ctx, q.resultsKey, max).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyRedisError(err)
	}

	results := make([]Result, 0, len(raw))
	handles := make([]string, 0, len(raw))
	for _, item := range raw {
		var res Result
		if err := json.Unmarshal([]byte(item), &res); err != nil {
			slog.Warn("discarding malformed compute result", "error", err)
			continue
		}
		results = append(results, res)
		handles = append(handles, res.Unit.Handle)
	}

	if len(handles) > 0 {
		if err := q.client.HDel(ctx, q.inflightKey, handles...).Err(); err != nil {
			slog.Warn("clearing in-flight units", "error", err)
		}
	}
	return results, nil
}

func (q *RedisQueue) Requeue(ctx context.Context, results []Result) error {
	if len(results) == 0 {
		return nil
	}

	// RPopCount takes from the tail, so the first result goes in last.
	values := make([]any, 0, len(results))
	for i := len(results) - 1; i >= 0; i-- {
		data, err := json.Marshal(results[i])
		if err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}
		values = append(values, data)
	}

	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, q.resultsKey, values...)
	for _, res := range results {
		unit, err := json.Marshal(res.Unit)
		if err != nil {
			return fmt.Errorf("encoding unit: %w", err)
		}
		pipe.HSet(ctx, q.inflightKey, res.Unit.Handle, unit)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return classifyRedisError(err)
	}
	return nil
}

// InFlight returns the number of submitted units without a collected result.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	n, err := q.client.HLen(ctx, q.inflightKey).Result()
	if err != nil {
		return 0, classifyRedisError(err)
	}
	return n, nil
}

var errNoUnit = errors.New("no work unit available")

// Pop blocks up to timeout for the next submitted unit.
func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (WorkUnit, error) {
	vals, err := q.client.BRPop(ctx, timeout, q.unitsKey).Result()
	if errors.Is(err, redis.Nil) {
		return WorkUnit{}, errNoUnit
	}
	if err != nil {
		return WorkUnit{}, classifyRedisError(err)
	}

	var unit WorkUnit
	if err := json.Unmarshal([]byte(vals[1]), &unit); err != nil {
		return WorkUnit{}, fmt.Errorf("decoding unit: %w", err)
	}
	return unit, nil
}

// Complete publishes the result of a popped unit.
func (q *RedisQueue) Complete(ctx context.Context, res Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	if err := q.client.LPush(ctx, q.resultsKey, data).Err(); err != nil {
		return classifyRedisError(err)
	}
	return nil
}

func classifyRedisError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

var _ Backend = (*RedisQueue)(nil)

// Worker pops units from a RedisQueue, computes them and publishes results.
type Worker struct {
	queue       *RedisQueue
	compute     ComputeFunc
	pollTimeout time.Duration
}

// NewWorker creates a Worker running compute for every unit it pops.
func NewWorker(queue *RedisQueue, compute ComputeFunc, pollTimeout time.Duration) *Worker {
	if pollTimeout <= 0 {
		pollTimeout = 5 * time.Second
	}
	return &Worker{queue: queue, compute: compute, pollTimeout: pollTimeout}
}

// Serve processes units until ctx is cancelled.
func (w *Worker) Serve(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		unit, err := w.queue.Pop(ctx, w.pollTimeout)
		if errors.Is(err, errNoUnit) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("popping work unit", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.pollTimeout):
			}
			continue
		}

		res := Run(ctx, unit, w.compute)
		if err := w.queue.Complete(ctx, res); err != nil {
			slog.Error("publishing work unit result", "handle", unit.Handle, "job_id", unit.JobID, "error", err)
			continue
		}
		slog.Info("work unit computed", "handle", unit.Handle, "job_id", unit.JobID, "kind", unit.Kind, "status", res.Status)
	}
}
