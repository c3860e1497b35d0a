package cache_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/visionjobs/internal/cache"
	"github.com/kiranshivaraju/visionjobs/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) *cache.RedisCache {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc, err := cache.NewRedisCache(testutil.StartRedis(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })
	return rc
}

func TestPing(t *testing.T) {
	rc := setupRedis(t)
	assert.NoError(t, rc.Ping(context.Background()))
}

func TestDashboardSummary_RoundtripAndExpiry(t *testing.T) {
	rc := setupRedis(t)
	ctx := context.Background()

	payload := []byte(`[{"source_id":null,"pending":2}]`)
	require.NoError(t, rc.Set(ctx, cache.DashboardSummaryKey(), payload, 500*time.Millisecond))

	got, found, err := rc.Get(ctx, cache.DashboardSummaryKey())
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, payload, got)

	time.Sleep(700 * time.Millisecond)
	_, found, err = rc.Get(ctx, cache.DashboardSummaryKey())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGet_Missing(t *testing.T) {
	rc := setupRedis(t)
	val, found, err := rc.Get(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, val)
}

func TestDelete(t *testing.T) {
	rc := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, rc.Set(ctx, cache.DashboardSummaryKey(), []byte("x"), time.Minute))
	require.NoError(t, rc.Delete(ctx, cache.DashboardSummaryKey()))
	_, found, err := rc.Get(ctx, cache.DashboardSummaryKey())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestJobStatus(t *testing.T) {
	rc := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, rc.SetJobStatus(ctx, 42, "in_progress", time.Minute))
	status, found, err := rc.GetJobStatus(ctx, 42)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "in_progress", status)

	require.NoError(t, rc.SetJobStatus(ctx, 42, "success", time.Minute))
	status, _, err = rc.GetJobStatus(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "success", status)

	_, found, err = rc.GetJobStatus(ctx, 43)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestIncrWithExpiry(t *testing.T) {
	rc := setupRedis(t)
	ctx := context.Background()
	key := cache.RateLimitKey(uuid.New().String())

	for i := int64(1); i <= 3; i++ {
		n, err := rc.IncrWithExpiry(ctx, key, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
}

func TestNewRedisCache_BadURL(t *testing.T) {
	_, err := cache.NewRedisCache("not-a-url")
	assert.Error(t, err)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "job:7:status", cache.JobStatusKey(7))
	assert.Equal(t, "dashboard:summary", cache.DashboardSummaryKey())
	id := uuid.New().String()
	assert.Equal(t, fmt.Sprintf("ratelimit:%s", id), cache.RateLimitKey(id))
}
