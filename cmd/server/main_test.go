package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/visionjobs/internal/config"
	"github.com/kiranshivaraju/visionjobs/internal/jobs"
	"github.com/kiranshivaraju/visionjobs/internal/store"
	"github.com/kiranshivaraju/visionjobs/internal/testutil"
	"github.com/kiranshivaraju/visionjobs/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// ─── fake store ──────────────────────────────────────────────────────────────

const testKey = "vj_main0000000000000000"

type testStore struct {
	*testutil.MemJobStore
	store.CatalogStore
	store.ErrorLogStore

	pingErr error
	key     *models.APIKey
}

func newTestStore(t *testing.T) *testStore {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(testKey), bcrypt.MinCost)
	require.NoError(t, err)
	return &testStore{
		MemJobStore: testutil.NewMemJobStore(),
		key: &models.APIKey{
			ID: uuid.New(), KeyHash: string(h), KeyPrefix: testKey[:8],
			Scopes: []string{models.ScopeAdmin},
		},
	}
}

func (s *testStore) Ping(_ context.Context) error { return s.pingErr }
func (s *testStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	if prefix == s.key.KeyPrefix {
		return []*models.APIKey{s.key}, nil
	}
	return nil, nil
}
func (s *testStore) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }
func (s *testStore) CreateAPIKey(_ context.Context, _ *models.APIKey) error    { return nil }
func (s *testStore) ListAPIKeys(_ context.Context) ([]*models.APIKey, error) {
	return []*models.APIKey{s.key}, nil
}
func (s *testStore) RevokeAPIKey(_ context.Context, _ uuid.UUID) error { return nil }
func (s *testStore) ListErrorLogs(_ context.Context, _ int) ([]*models.ErrorLog, error) {
	return []*models.ErrorLog{}, nil
}

var _ store.Store = (*testStore)(nil)

func testConfig() *config.Config {
	return &config.Config{Server: config.ServerConfig{RateLimitPerMin: 100, JobsPerPage: 20}}
}

func newTestService(st *testStore, c *testutil.MemCache) *jobs.Service {
	registry, _ := jobs.NewRegistry()
	return jobs.NewService(jobs.Deps{
		Queue:    jobs.NewQueue(st, nil),
		Store:    st,
		Registry: registry,
		Cache:    c,
	}, jobs.Options{})
}

// ─── router wiring ──────────────────────────────────────────────────────────

func TestNewRouter_Wiring(t *testing.T) {
	st := newTestStore(t)
	c := testutil.NewMemCache()
	st.Put(&models.Job{JobName: "check_source", Status: models.JobStatusPending})

	router := newRouter(testConfig(), st, c, newTestService(st, c), http.NotFoundHandler())

	tests := []struct {
		name   string
		method string
		path   string
		key    string
		want   int
	}{
		{"health is public", "GET", "/health", "", http.StatusOK},
		{"jobs need a key", "GET", "/api/v1/jobs", "", http.StatusUnauthorized},
		{"list jobs", "GET", "/api/v1/jobs", testKey, http.StatusOK},
		{"summary", "GET", "/api/v1/jobs/summary", testKey, http.StatusOK},
		{"get job", "GET", "/api/v1/jobs/1", testKey, http.StatusOK},
		{"missing job", "GET", "/api/v1/jobs/999", testKey, http.StatusNotFound},
		{"source jobs", "GET", "/api/v1/sources/3/jobs", testKey, http.StatusOK},
		{"list keys", "GET", "/api/v1/admin/keys", testKey, http.StatusOK},
		{"error reports", "GET", "/api/v1/errors", testKey, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.key != "" {
				req.Header.Set("Authorization", "Bearer "+tt.key)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestNewRouter_AbortThroughService(t *testing.T) {
	st := newTestStore(t)
	c := testutil.NewMemCache()
	job := st.Put(&models.Job{JobName: "check_source", Status: models.JobStatusPending})

	router := newRouter(testConfig(), st, c, newTestService(st, c), http.NotFoundHandler())

	req := httptest.NewRequest("POST", "/api/v1/jobs/1/abort", strings.NewReader(""))
	req.Header.Set("Authorization", "Bearer "+testKey)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailure, got.Status)
}

func TestNewRouter_HealthDegraded(t *testing.T) {
	st := newTestStore(t)
	st.pingErr = errors.New("connection refused")
	c := testutil.NewMemCache()

	router := newRouter(testConfig(), st, c, newTestService(st, c), http.NotFoundHandler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "DEGRADED", errObj["code"])
}

// ─── run() config validation ────────────────────────────────────────────────

func TestRun_FailsOnMissingConfig(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestRun_FailsOnInvalidDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "not-a-valid-url")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("BACKEND_TYPE", "local")

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect database")
}

func TestShutdownTimeout(t *testing.T) {
	assert.Equal(t, 30*time.Second, shutdownTimeout)
}
