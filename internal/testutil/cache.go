package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/kiranshivaraju/visionjobs/internal/cache"
)

// MemCache is an in-memory cache.Cache for unit tests. Expiry is ignored.
type MemCache struct {
	mu       sync.Mutex
	values   map[string][]byte
	counters map[string]int64
	// Err, when set, is returned by every operation.
	Err error
}

var _ cache.Cache = (*MemCache)(nil)

// NewMemCache creates an empty MemCache.
func NewMemCache() *MemCache {
	return &MemCache{values: map[string][]byte{}, counters: map[string]int64{}}
}

func (c *MemCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	c.values[key] = append([]byte(nil), value...)
	return nil
}

func (c *MemCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, false, c.Err
	}
	v, ok := c.values[key]
	return v, ok, nil
}

func (c *MemCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	delete(c.values, key)
	return nil
}

func (c *MemCache) Ping(_ context.Context) error {
	return c.Err
}

func (c *MemCache) SetJobStatus(ctx context.Context, jobID int64, status string, ttl time.Duration) error {
	return c.Set(ctx, cache.JobStatusKey(jobID), []byte(status), ttl)
}

func (c *MemCache) GetJobStatus(ctx context.Context, jobID int64) (string, bool, error) {
	v, ok, err := c.Get(ctx, cache.JobStatusKey(jobID))
	return string(v), ok, err
}

func (c *MemCache) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return 0, c.Err
	}
	c.counters[key]++
	return c.counters[key], nil
}

// Has reports whether key holds a value.
func (c *MemCache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.values[key]
	return ok
}
